// Package logx provides structured logging with component prefixes and
// domain-filtered debug output.
package logx

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// Logger writes leveled log lines tagged with a component ID.
type Logger struct {
	component string
	logger    *log.Logger
}

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// DebugConfig controls debug logging behavior.
type DebugConfig struct {
	Enabled bool
	Domains map[string]bool // Which domains to enable debug for (nil = all)
}

// Entry is a structured log entry kept in the in-memory buffer for the
// status endpoint.
type Entry struct {
	Timestamp string `json:"timestamp"`
	Component string `json:"component"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Domain    string `json:"domain,omitempty"`
}

// ringBuffer stores recent log entries for the status endpoint.
type ringBuffer struct {
	entries []Entry
	mutex   sync.RWMutex
	maxSize int
}

// Global debug configuration and log buffer.
var (
	debugConfig = &DebugConfig{}
	debugMutex  sync.RWMutex

	buffer = &ringBuffer{
		entries: make([]Entry, 0),
		maxSize: 1000, // Keep last 1000 log entries
	}
)

const timeLayout = "2006-01-02T15:04:05.000Z"

// Initialize debug configuration from environment variables.
func init() { //nolint:gochecknoinits // Required for env var initialization
	initDebugFromEnv()
}

// initDebugFromEnv enables debug output via DEBUG=1 and narrows it via
// DEBUG_DOMAINS=watcher,session,ledger.
func initDebugFromEnv() {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	if debug := os.Getenv("DEBUG"); debug == "1" || strings.EqualFold(debug, "true") {
		debugConfig.Enabled = true
	}

	if domains := os.Getenv("DEBUG_DOMAINS"); domains != "" {
		debugConfig.Domains = make(map[string]bool)
		for _, domain := range strings.Split(domains, ",") {
			debugConfig.Domains[strings.TrimSpace(domain)] = true
		}
	}
}

func NewLogger(component string) *Logger {
	return &Logger{
		component: component,
		logger:    log.New(os.Stderr, "", 0), // Log to stderr for CLI compatibility
	}
}

// SetDebug configures global debug logging settings.
func SetDebug(enabled bool, domains []string) {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	debugConfig.Enabled = enabled
	if len(domains) == 0 {
		debugConfig.Domains = nil // Enable all domains
	} else {
		debugConfig.Domains = make(map[string]bool)
		for _, domain := range domains {
			debugConfig.Domains[strings.TrimSpace(domain)] = true
		}
	}
}

// IsDebugEnabled returns whether debug logging is enabled.
func IsDebugEnabled() bool {
	debugMutex.RLock()
	defer debugMutex.RUnlock()
	return debugConfig.Enabled
}

// IsDebugEnabledForDomain returns whether debug logging is enabled for a
// specific domain.
func IsDebugEnabledForDomain(domain string) bool {
	debugMutex.RLock()
	defer debugMutex.RUnlock()

	if !debugConfig.Enabled {
		return false
	}
	if debugConfig.Domains == nil {
		return true
	}
	return debugConfig.Domains[domain]
}

func (b *ringBuffer) add(entry Entry) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.entries = append(b.entries, entry)
	if len(b.entries) > b.maxSize {
		b.entries = b.entries[len(b.entries)-b.maxSize:]
	}
}

// snapshot returns a copy of current log entries, optionally filtered by
// domain and minimum timestamp.
func (b *ringBuffer) snapshot(domain string, since time.Time) []Entry {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	filtered := make([]Entry, 0, len(b.entries))
	for i := range b.entries {
		entry := &b.entries[i]
		if domain != "" && entry.Domain != "" && !strings.EqualFold(entry.Domain, domain) {
			continue
		}
		if !since.IsZero() {
			entryTime, err := time.Parse(timeLayout, entry.Timestamp)
			if err != nil || entryTime.Before(since) {
				continue
			}
		}
		filtered = append(filtered, *entry)
	}
	return filtered
}

// RecentEntries returns recent log entries for the status endpoint.
func RecentEntries(domain string, since time.Time) []Entry {
	return buffer.snapshot(domain, since)
}

func (l *Logger) log(level Level, domain, format string, args ...any) {
	timestamp := time.Now().UTC().Format(timeLayout)
	message := fmt.Sprintf(format, args...)
	l.logger.Printf("[%s] [%s] %s: %s", timestamp, l.component, level, message)

	buffer.add(Entry{
		Timestamp: timestamp,
		Component: l.component,
		Level:     string(level),
		Message:   message,
		Domain:    domain,
	})
}

func (l *Logger) Debug(format string, args ...any) {
	if !IsDebugEnabled() {
		return
	}
	l.log(LevelDebug, "", format, args...)
}

func (l *Logger) Info(format string, args ...any) {
	l.log(LevelInfo, "", format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.log(LevelWarn, "", format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.log(LevelError, "", format, args...)
}

func (l *Logger) Component() string {
	return l.component
}

func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		component: component,
		logger:    l.logger,
	}
}

// Debug logs a debug message filtered by domain.
//
// Usage examples:
//
//	logx.Debug("watcher", "flush for %s: %d events", projectID, n)
//	logx.Debug("session", "batch %s verified in %v", batchID, elapsed)
//
// Environment variable control:
//
//	DEBUG=1                              # Enable debug for all domains
//	DEBUG=1 DEBUG_DOMAINS=watcher        # Enable debug only for the watcher
//	DEBUG=1 DEBUG_DOMAINS=watcher,ledger # Enable debug for multiple domains
func Debug(domain, format string, args ...any) {
	if !IsDebugEnabledForDomain(domain) {
		return
	}
	logger := NewLogger(domain)
	logger.log(LevelDebug, domain, format, args...)
}

// Global logging functions for convenience.
var defaultLogger = NewLogger("system")

func Debugf(format string, args ...any) {
	defaultLogger.Debug(format, args...)
}

func Infof(format string, args ...any) {
	defaultLogger.Info(format, args...)
}

func Warnf(format string, args ...any) {
	defaultLogger.Warn(format, args...)
}

// Errorf logs and returns the formatted error.
// Use this when you need both logging and error returning:
//
//	err := logx.Errorf("watch setup failed: %w", err).
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	defaultLogger.Error("%s", err.Error())
	return err
}

// Wrap logs msg + ": " + err.Error() and returns fmt.Errorf("%s: %w", msg, err).
// Use this when you need both logging and error wrapping:
//
//	if err != nil { return logx.Wrap(err, "ledger open") }.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrappedErr := fmt.Errorf("%s: %w", msg, err)
	defaultLogger.Error("%s", wrappedErr.Error())
	return wrappedErr
}
