package logx

import (
	"bytes"
	"log"
	"strings"
	"testing"
	"time"
)

// captureLogger returns a logger writing into a buffer instead of stderr.
func captureLogger(component string) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return &Logger{
		component: component,
		logger:    log.New(&buf, "", 0),
	}, &buf
}

func TestNewLogger(t *testing.T) {
	logger := NewLogger("watcher")

	if logger.Component() != "watcher" {
		t.Errorf("Expected component 'watcher', got '%s'", logger.Component())
	}
}

func TestLogFormat(t *testing.T) {
	logger, buf := captureLogger("session")
	logger.Info("Test message with %s", "formatting")

	output := buf.String()

	if !strings.Contains(output, "[session]") {
		t.Errorf("Expected component in output, got: %s", output)
	}
	if !strings.Contains(output, "INFO") {
		t.Errorf("Expected log level in output, got: %s", output)
	}
	if !strings.Contains(output, "Test message with formatting") {
		t.Errorf("Expected formatted message in output, got: %s", output)
	}

	// Check timestamp format (basic check)
	if !strings.Contains(output, "T") || !strings.Contains(output, "Z") {
		t.Errorf("Expected ISO timestamp in output, got: %s", output)
	}
}

func TestDebugSuppressedByDefault(t *testing.T) {
	SetDebug(false, nil)
	defer SetDebug(false, nil)

	logger, buf := captureLogger("watcher")
	logger.Debug("should not appear")

	if buf.Len() != 0 {
		t.Errorf("Expected no debug output when disabled, got: %s", buf.String())
	}
}

func TestDomainFiltering(t *testing.T) {
	SetDebug(true, []string{"watcher"})
	defer SetDebug(false, nil)

	if !IsDebugEnabledForDomain("watcher") {
		t.Error("Expected watcher domain to be enabled")
	}
	if IsDebugEnabledForDomain("session") {
		t.Error("Expected session domain to be disabled")
	}

	// No domain filter means everything is enabled.
	SetDebug(true, nil)
	if !IsDebugEnabledForDomain("session") {
		t.Error("Expected all domains enabled without filter")
	}
}

func TestRecentEntries(t *testing.T) {
	logger := NewLogger("registry")
	logger.Info("room created for project-%d", 42)

	entries := RecentEntries("", time.Time{})
	if len(entries) == 0 {
		t.Fatal("Expected at least one buffered entry")
	}

	found := false
	for i := range entries {
		if entries[i].Component == "registry" && strings.Contains(entries[i].Message, "project-42") {
			found = true
			break
		}
	}
	if !found {
		t.Error("Expected buffered entry for registry message")
	}
}

func TestWrapNil(t *testing.T) {
	if err := Wrap(nil, "context"); err != nil {
		t.Errorf("Expected nil for wrapped nil error, got %v", err)
	}
}
