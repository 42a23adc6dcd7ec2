package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var (
	defaultLogger *Logger
	once          sync.Once
)

// Logger is a leveled logger instance backed by zerolog
type Logger struct {
	level LogLevel
	zl    zerolog.Logger
	mu    sync.RWMutex
}

// New creates a new Logger writing human readable lines to stdout
func New(level string) *Logger {
	return NewWithWriter(level, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "2006/01/02 15:04:05"})
}

// NewWithWriter creates a Logger writing to w. Passing a plain writer (not a
// zerolog.ConsoleWriter) produces JSON lines.
func NewWithWriter(level string, w io.Writer) *Logger {
	l := &Logger{
		level: ParseLogLevel(level),
		zl:    zerolog.New(w).With().Timestamp().Str("app", "adsplice-proxy").Logger(),
	}
	return l
}

// getDefaultLogger returns the singleton default logger
func getDefaultLogger() *Logger {
	once.Do(func() {
		zerolog.TimestampFunc = func() time.Time {
			return time.Now().UTC()
		}
		defaultLogger = New("INFO")
	})
	return defaultLogger
}

// Init replaces the package-level logger. json selects structured output
// instead of the console writer.
func Init(level string, json bool) {
	l := getDefaultLogger()
	var w io.Writer = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "2006/01/02 15:04:05"}
	if json {
		w = os.Stdout
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = ParseLogLevel(level)
	l.zl = zerolog.New(w).With().Timestamp().Str("app", "adsplice-proxy").Logger()
}

// SetOutput redirects the package-level logger, mostly for tests
func SetOutput(w io.Writer) {
	l := getDefaultLogger()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.zl = l.zl.Output(w)
}

// ParseLogLevel converts string to LogLevel
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// SetLogLevel sets the global default log level (package-level)
func SetLogLevel(level string) {
	getDefaultLogger().SetLevel(level)
}

// GetLogLevel returns current log level as string (package-level)
func GetLogLevel() string {
	return getDefaultLogger().GetLevel()
}

// SetLevel sets this logger instance's level
func (l *Logger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = ParseLogLevel(level)
}

// GetLevel returns this logger instance's level as string
func (l *Logger) GetLevel() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	switch l.level {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "INFO"
	}
}

// shouldLog checks if message should be logged at current level
func (l *Logger) shouldLog(level LogLevel) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return level >= l.level
}

// event maps our level onto a zerolog event
func (l *Logger) event(level LogLevel) *zerolog.Event {
	l.mu.RLock()
	zl := l.zl
	l.mu.RUnlock()

	switch level {
	case DEBUG:
		return zl.Debug()
	case WARN:
		return zl.Warn()
	case ERROR:
		return zl.Error()
	default:
		return zl.Info()
	}
}

// logMessage formats and outputs the log message
func (l *Logger) logMessage(level LogLevel, format string, v ...interface{}) {
	if !l.shouldLog(level) {
		return
	}
	l.event(level).Msg(fmt.Sprintf(format, v...))
}

// Debug logs debug level messages
func (l *Logger) Debug(format string, v ...interface{}) {
	l.logMessage(DEBUG, format, v...)
}

// Info logs info level messages
func (l *Logger) Info(format string, v ...interface{}) {
	l.logMessage(INFO, format, v...)
}

// Warn logs warning level messages
func (l *Logger) Warn(format string, v ...interface{}) {
	l.logMessage(WARN, format, v...)
}

// Error logs error level messages
func (l *Logger) Error(format string, v ...interface{}) {
	l.logMessage(ERROR, format, v...)
}

// Package-level functions (for direct use like logger.Info())

// Debug logs debug level messages (package-level)
func Debug(format string, v ...interface{}) {
	getDefaultLogger().Debug(format, v...)
}

// Info logs info level messages (package-level)
func Info(format string, v ...interface{}) {
	getDefaultLogger().Info(format, v...)
}

// Warn logs warning level messages (package-level)
func Warn(format string, v ...interface{}) {
	getDefaultLogger().Warn(format, v...)
}

// Error logs error level messages (package-level)
func Error(format string, v ...interface{}) {
	getDefaultLogger().Error(format, v...)
}
