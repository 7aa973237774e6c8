package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// LogLevel represents different logging levels
type LogLevel int

const (
	// DEBUG level for detailed debugging information
	DEBUG LogLevel = iota
	// INFO level for general operational information
	INFO
	// WARN level for warning messages
	WARN
	// ERROR level for error messages
	ERROR
	// FATAL level for fatal errors that require immediate attention
	FATAL
)

var levelNames = map[LogLevel]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
	FATAL: "FATAL",
}

var logrusLevels = map[LogLevel]logrus.Level{
	DEBUG: logrus.DebugLevel,
	INFO:  logrus.InfoLevel,
	WARN:  logrus.WarnLevel,
	ERROR: logrus.ErrorLevel,
	FATAL: logrus.FatalLevel,
}

// ParseLevel maps a config string (debug, info, warn, error) to a LogLevel.
func ParseLevel(s string) (LogLevel, error) {
	for level, name := range levelNames {
		if strings.EqualFold(name, s) {
			return level, nil
		}
	}
	if strings.EqualFold(s, "warning") {
		return WARN, nil
	}
	return INFO, fmt.Errorf("unknown log level %q", s)
}

// String returns the upper-case level name.
func (l LogLevel) String() string {
	return levelNames[l]
}

// Logger is a component-scoped logger backed by logrus.
type Logger struct {
	base      *logrus.Logger
	entry     *logrus.Entry
	component string
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// InitLogger initializes the default logger
func InitLogger(level LogLevel, component string) {
	once.Do(func() {
		defaultLogger = newLogger(os.Stdout, level, component)
	})
}

func newLogger(out io.Writer, level LogLevel, component string) *Logger {
	base := logrus.New()
	base.SetOutput(out)
	base.SetLevel(logrusLevels[level])
	base.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000000Z07:00",
	})
	return &Logger{
		base:      base,
		entry:     base.WithField("component", component),
		component: component,
	}
}

// GetLogger returns the default logger instance
func GetLogger() *Logger {
	if defaultLogger == nil {
		InitLogger(INFO, "default")
	}
	return defaultLogger
}

// WithComponent creates a new logger with the specified component name
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		base:      l.base,
		entry:     l.entry.WithField("component", component),
		component: component,
	}
}

// WithFields attaches structured fields to every message of the returned logger.
func (l *Logger) WithFields(fields logrus.Fields) *Logger {
	return &Logger{
		base:      l.base,
		entry:     l.entry.WithFields(fields),
		component: l.component,
	}
}

// WithError attaches err under the "error" field.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{
		base:      l.base,
		entry:     l.entry.WithError(err),
		component: l.component,
	}
}

// SetLevel sets the logging level
func (l *Logger) SetLevel(level LogLevel) {
	l.base.SetLevel(logrusLevels[level])
}

// SetOutput redirects the underlying logger, shared by all derived loggers.
func (l *Logger) SetOutput(w io.Writer) {
	l.base.SetOutput(w)
}

// Debug logs debug level messages
func (l *Logger) Debug(format string, args ...interface{}) {
	l.entry.Debugf(format, args...)
}

// Info logs info level messages
func (l *Logger) Info(format string, args ...interface{}) {
	l.entry.Infof(format, args...)
}

// Warn logs warning level messages
func (l *Logger) Warn(format string, args ...interface{}) {
	l.entry.Warnf(format, args...)
}

// Error logs error level messages
func (l *Logger) Error(format string, args ...interface{}) {
	l.entry.Errorf(format, args...)
}

// Fatal logs fatal level messages and exits
func (l *Logger) Fatal(format string, args ...interface{}) {
	l.entry.Fatalf(format, args...)
}
