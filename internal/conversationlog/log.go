// Package conversationlog persists one JSON line per request/response exchange.
package conversationlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sleepstars/localbrain/internal/logger"
	"github.com/sleepstars/localbrain/internal/models"
)

// Appender is the append-only capability the orchestrator depends on.
type Appender interface {
	Append(entry *models.LogEntry) error
}

// logFile is the subset of *os.File the log writes through.
type logFile interface {
	Write(p []byte) (int, error)
	Sync() error
	Truncate(size int64) error
	Stat() (os.FileInfo, error)
	Close() error
}

// Log is an append-only JSON Lines file shared by all in-flight requests.
type Log struct {
	mu     sync.Mutex
	file   logFile
	path   string
	closed bool
	logger *logger.Logger
}

// Open opens (creating if needed) the log file at path for appending.
func Open(path string) (*Log, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open conversation log: %w", err)
	}
	return &Log{
		file:   f,
		path:   path,
		logger: logger.GetLogger().WithComponent("conversationlog"),
	}, nil
}

// Path returns the file the log appends to.
func (l *Log) Path() string {
	return l.path
}

// Append writes entry as a single line and fsyncs before returning. The whole
// line goes out in one Write under the lock, so concurrent entries never
// interleave. A failed write is cut back to the previous end of file.
func (l *Log) Append(entry *models.LogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return models.NewError(models.KindLogWriteFailure, "encode log entry", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return models.NewError(models.KindLogWriteFailure, "conversation log is closed", nil)
	}
	info, err := l.file.Stat()
	if err != nil {
		return models.NewError(models.KindLogWriteFailure, "stat conversation log", err)
	}
	if _, err := l.file.Write(data); err != nil {
		if terr := l.file.Truncate(info.Size()); terr != nil {
			l.logger.WithError(terr).Error("Failed to remove partial entry %s from %s", entry.ID, l.path)
		}
		return models.NewError(models.KindLogWriteFailure, "write log entry", err)
	}
	if err := l.file.Sync(); err != nil {
		return models.NewError(models.KindLogWriteFailure, "sync conversation log", err)
	}

	l.logger.Debug("Appended log entry %s (%d bytes)", entry.ID, len(data))
	return nil
}

// Close flushes and closes the file. Further appends fail.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.file.Sync(); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}
