package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
)

// Logger persists audit events. Every event is mirrored to the application
// log; when a file path is configured the JSONL form is appended to a
// rotating file as well. Safe for concurrent use.
type Logger struct {
	mu     sync.Mutex
	sink   io.Writer
	closer io.Closer
	zlog   *zap.Logger
}

// NewLogger creates an audit logger. An empty filePath keeps events in the
// application log only; otherwise they are appended to filePath, rotated at
// 100 MB with up to 10 backups kept for 28 days.
func NewLogger(filePath string, zlog *zap.Logger) (*Logger, error) {
	l := &Logger{zlog: zlog}
	if filePath == "" {
		return l, nil
	}

	if dir := filepath.Dir(filePath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create audit log directory: %w", err)
		}
	}
	lj := &lumberjack.Logger{
		Filename:   filePath,
		MaxSize:    100, // megabytes
		MaxBackups: 10,
		MaxAge:     28, // days
	}
	l.sink = lj
	l.closer = lj
	return l, nil
}

// NewNullLogger creates a logger that discards all events. Useful for tests
// and for surfaces constructed without auditing.
func NewNullLogger() *Logger {
	return &Logger{zlog: zap.NewNop()}
}

// Log writes one event: a JSONL line to the file sink when configured, and a
// mirrored entry in the application log (warn for failures, info otherwise).
func (l *Logger) Log(event *Event) error {
	if event == nil {
		return fmt.Errorf("audit event cannot be nil")
	}

	fields := []zap.Field{
		zap.String("event", event.Event),
		zap.String("action", event.Action),
		zap.String("result", string(event.Result)),
		zap.String("admin_identity", event.AdminIdentity),
	}
	if event.IP != "" {
		fields = append(fields, zap.String("ip", event.IP))
	}
	if event.RequestID != "" {
		fields = append(fields, zap.String("request_id", event.RequestID))
	}
	if len(event.Details) > 0 {
		fields = append(fields, zap.Any("details", event.Details))
	}
	if event.Result == ResultError {
		l.zlog.Warn("admin audit", fields...)
	} else {
		l.zlog.Info("admin audit", fields...)
	}

	if l.sink == nil {
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode audit event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.sink.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	return nil
}

// Close releases the file sink, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closer == nil {
		return nil
	}
	err := l.closer.Close()
	l.closer = nil
	l.sink = nil
	return err
}
