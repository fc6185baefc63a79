// Package logging provides structured logging for the change-sync engine.
// It wraps logrus so callers pass a message plus an optional context map.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger provides structured JSON logging.
type Logger struct {
	entry *logrus.Logger
}

var (
	// global logger instance
	global *Logger
	once   sync.Once
)

// Init initializes the global logger.
func Init(out io.Writer, level logrus.Level) {
	once.Do(func() {
		l := logrus.New()
		l.SetOutput(out)
		l.SetLevel(level)
		l.SetFormatter(&logrus.JSONFormatter{})
		global = &Logger{entry: l}
	})
}

// Get returns the global logger instance.
func Get() *Logger {
	if global == nil {
		Init(os.Stdout, logrus.InfoLevel)
	}
	return global
}

// getContext returns the first context map, or nil.
func getContext(context ...map[string]interface{}) logrus.Fields {
	if len(context) == 0 || context[0] == nil {
		return nil
	}
	return logrus.Fields(context[0])
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, context ...map[string]interface{}) {
	l.entry.WithFields(getContext(context...)).Debug(message)
}

// Info logs an info message.
func (l *Logger) Info(message string, context ...map[string]interface{}) {
	l.entry.WithFields(getContext(context...)).Info(message)
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, context ...map[string]interface{}) {
	l.entry.WithFields(getContext(context...)).Warn(message)
}

// Error logs an error message with an optional underlying error.
func (l *Logger) Error(message string, err error, context ...map[string]interface{}) {
	e := l.entry.WithFields(getContext(context...))
	if err != nil {
		e = e.WithError(err)
	}
	e.Error(message)
}

// Package-level helpers delegating to the global logger.

// Debug logs a debug message on the global logger.
func Debug(message string, context ...map[string]interface{}) {
	Get().Debug(message, context...)
}

// Info logs an info message on the global logger.
func Info(message string, context ...map[string]interface{}) {
	Get().Info(message, context...)
}

// Warn logs a warning message on the global logger.
func Warn(message string, context ...map[string]interface{}) {
	Get().Warn(message, context...)
}

// Error logs an error message on the global logger.
func Error(message string, err error, context ...map[string]interface{}) {
	Get().Error(message, err, context...)
}
