// Package eventlog projects wire messages into daily rotated JSONL
// audit files. File change events are never persisted verbatim by the
// sync path itself; this projection is the one optional durable record.
package eventlog

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"questsync/pkg/proto"
)

// Writer appends wire messages to audit-YYYY-MM-DD.jsonl files,
// rotating when the date changes.
type Writer struct {
	logDir      string
	mu          sync.Mutex
	currentFile *os.File
	currentDate string
}

// NewWriter creates the log directory if needed and opens today's file.
func NewWriter(logDir string) (*Writer, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating audit log directory: %w", err)
	}

	w := &Writer{logDir: logDir}
	if err := w.rotateIfNeeded(); err != nil {
		return nil, fmt.Errorf("opening audit log file: %w", err)
	}
	return w, nil
}

// Write appends one message as a JSON line. Each write is synced so a
// crash loses at most the line in flight.
func (w *Writer) Write(msg *proto.Msg) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rotateIfNeeded(); err != nil {
		return fmt.Errorf("rotating audit log: %w", err)
	}

	data, err := msg.ToJSON()
	if err != nil {
		return fmt.Errorf("serializing audit entry: %w", err)
	}
	if _, err := w.currentFile.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing audit entry: %w", err)
	}
	if err := w.currentFile.Sync(); err != nil {
		return fmt.Errorf("syncing audit log: %w", err)
	}
	return nil
}

// Record builds an envelope for an event and writes it.
func (w *Writer) Record(event proto.Event, payload any) error {
	msg, err := proto.NewMsg(event, payload)
	if err != nil {
		return fmt.Errorf("encoding audit entry: %w", err)
	}
	return w.Write(msg)
}

func (w *Writer) rotateIfNeeded() error {
	today := time.Now().UTC().Format("2006-01-02")
	if w.currentFile != nil && w.currentDate == today {
		return nil
	}

	if w.currentFile != nil {
		if err := w.currentFile.Close(); err != nil {
			return fmt.Errorf("closing previous audit file: %w", err)
		}
	}

	path := filepath.Join(w.logDir, fmt.Sprintf("audit-%s.jsonl", today))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	w.currentFile = file
	w.currentDate = today
	return nil
}

// CurrentLogFile returns the path of the file writes currently land in.
func (w *Writer) CurrentLogFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.currentFile == nil {
		return ""
	}
	return filepath.Join(w.logDir, fmt.Sprintf("audit-%s.jsonl", w.currentDate))
}

// Close flushes and closes the active file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile == nil {
		return nil
	}
	err := w.currentFile.Close()
	w.currentFile = nil
	if err != nil {
		return fmt.Errorf("closing audit log: %w", err)
	}
	return nil
}

// ReadMessages parses every message in one audit file.
func ReadMessages(path string) ([]*proto.Msg, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading audit file: %w", err)
	}

	var messages []*proto.Msg
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		msg, err := proto.FromJSON(line)
		if err != nil {
			return nil, fmt.Errorf("parsing audit entry: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// ListLogFiles returns every audit file under the directory.
func ListLogFiles(logDir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(logDir, "audit-*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("listing audit files: %w", err)
	}
	return files, nil
}
