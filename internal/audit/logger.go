//
//
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
	"pkt.systems/pslog"

	"github.com/importly/moteus-motor/internal/device"
	"github.com/importly/moteus-motor/internal/logging"
)

// FileName is the journal file inside the audit directory.
const FileName = "audit.jsonl"

// Outcomes recorded in entries.
const (
	OutcomeAccepted = "accepted"
	OutcomeError    = "error"
)

// Entry represents a single audit log entry.
type Entry struct {
	Timestamp    time.Time `json:"ts"`
	Remote       string    `json:"remote"`
	ControllerID int       `json:"controllerId"`
	Action       string    `json:"action"`
	Position     *float64  `json:"position,omitempty"`
	Outcome      string    `json:"outcome"`
	Code         string    `json:"code,omitempty"`
}

// Options configures rotation of the journal.
type Options struct {
	Dir        string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Logger appends entries to a rotated JSONL journal. It never reads the
// journal back.
type Logger struct {
	mu       sync.Mutex
	filePath string
	out      *lumberjack.Logger
	logger   pslog.Logger
	now      func() time.Time
}

// NewLogger creates a new audit logger writing to opts.Dir.
func NewLogger(opts Options, logger pslog.Logger) (*Logger, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("audit directory must be set")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	filePath := filepath.Join(opts.Dir, FileName)
	return &Logger{
		filePath: filePath,
		out: &lumberjack.Logger{
			Filename:   filePath,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		},
		logger: logging.WithSubsystem(logger, "bridge.audit"),
		now:    time.Now,
	}, nil
}

// LogSetpoint records a setpoint accepted from remote.
func (l *Logger) LogSetpoint(_ context.Context, remote string, id device.ControllerID, position float64) {
	l.writeEntry(Entry{
		Timestamp:    l.now().UTC(),
		Remote:       remote,
		ControllerID: int(id),
		Action:       "setPosition",
		Position:     &position,
		Outcome:      OutcomeAccepted,
	})
}

// LogDeviceError records a device error returned while serving remote.
func (l *Logger) LogDeviceError(_ context.Context, remote string, id device.ControllerID, action string, err error) {
	l.writeEntry(Entry{
		Timestamp:    l.now().UTC(),
		Remote:       remote,
		ControllerID: int(id),
		Action:       action,
		Outcome:      OutcomeError,
		Code:         device.Code(err),
	})
}

func (l *Logger) writeEntry(entry Entry) {
	data, err := json.Marshal(entry)
	if err != nil {
		l.logger.Warn("audit.marshal_failed", "error", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.out.Write(append(data, '\n')); err != nil {
		l.logger.Warn("audit.write_failed", "path", l.filePath, "error", err)
	}
}

// Rotate closes the current journal and starts a new one.
func (l *Logger) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.out.Rotate()
}

// GetFilePath returns the journal path.
func (l *Logger) GetFilePath() string {
	return l.filePath
}

// Close closes the journal.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.out.Close()
}
