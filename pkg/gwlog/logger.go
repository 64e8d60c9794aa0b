// Package gwlog provides structured JSON-lines event logging for the
// gateway's subsystems, in the manner of the teacher's session logger.
package gwlog

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

var levelRank = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// Category identifies the gateway subsystem generating the event.
type Category string

const (
	CategoryAuth    Category = "auth"
	CategoryTenant  Category = "tenant"
	CategoryBilling Category = "billing"
	CategoryUsage   Category = "usage"
	CategoryBus     Category = "bus"
	CategoryHTTP    Category = "http"
	CategoryTunnel  Category = "tunnel"
)

// Event is a single structured log record.
type Event struct {
	Timestamp    time.Time      `json:"timestamp"`
	Level        Level          `json:"level"`
	Category     Category       `json:"category"`
	EventType    string         `json:"type"`
	ConnectionID string         `json:"connection_id,omitempty"`
	RunID        string         `json:"run_id,omitempty"`
	Message      string         `json:"message,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

// Logger writes structured events to per-subsystem JSONL files and
// mirrors warnings/errors to stderr.
type Logger struct {
	mu       sync.Mutex
	authFile *os.File
	billFile *os.File
	gwFile   *os.File
	minLevel Level
	disabled bool
}

// New opens (creating if needed) auth.jsonl, billing.jsonl, and
// gateway.jsonl under baseDir.
func New(baseDir string) (*Logger, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	open := func(name string) (*os.File, error) {
		return os.OpenFile(filepath.Join(baseDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	}
	authFile, err := open("auth.jsonl")
	if err != nil {
		return nil, fmt.Errorf("open auth log: %w", err)
	}
	billFile, err := open("billing.jsonl")
	if err != nil {
		authFile.Close()
		return nil, fmt.Errorf("open billing log: %w", err)
	}
	gwFile, err := open("gateway.jsonl")
	if err != nil {
		authFile.Close()
		billFile.Close()
		return nil, fmt.Errorf("open gateway log: %w", err)
	}
	return &Logger{authFile: authFile, billFile: billFile, gwFile: gwFile, minLevel: LevelInfo}, nil
}

// SetMinLevel sets the minimum level recorded.
func (l *Logger) SetMinLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minLevel = level
}

// Log writes event to the appropriate destination file(s).
func (l *Logger) Log(event Event) {
	if l.disabled {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if levelRank[event.Level] < levelRank[l.minLevel] {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	data = append(data, '\n')

	dest := l.gwFile
	switch event.Category {
	case CategoryAuth:
		dest = l.authFile
	case CategoryBilling:
		dest = l.billFile
	}
	if dest != nil {
		_, _ = dest.Write(data)
	}
	if event.Level == LevelWarn || event.Level == LevelError {
		log.Printf("[%s/%s] %s %s", event.Level, event.Category, event.EventType, event.Message)
	}
}

// Debug logs a debug event.
func (l *Logger) Debug(cat Category, eventType, msg string, details map[string]any) {
	l.Log(Event{Level: LevelDebug, Category: cat, EventType: eventType, Message: msg, Details: details})
}

// Info logs an info event.
func (l *Logger) Info(cat Category, eventType, msg string, details map[string]any) {
	l.Log(Event{Level: LevelInfo, Category: cat, EventType: eventType, Message: msg, Details: details})
}

// Warn logs a warning event.
func (l *Logger) Warn(cat Category, eventType, msg string, details map[string]any) {
	l.Log(Event{Level: LevelWarn, Category: cat, EventType: eventType, Message: msg, Details: details})
}

// Error logs an error event.
func (l *Logger) Error(cat Category, eventType, msg string, details map[string]any) {
	l.Log(Event{Level: LevelError, Category: cat, EventType: eventType, Message: msg, Details: details})
}

// Close closes all underlying log files.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for _, f := range []*os.File{l.authFile, l.billFile, l.gwFile} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Nop returns a Logger that discards everything; useful in tests and for
// any caller that never configured a log directory.
func Nop() *Logger {
	return &Logger{disabled: true}
}
