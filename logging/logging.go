package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/gookit/slog"
	"github.com/gookit/slog/handler"
)

var (
	mutex          sync.Mutex
	defaultLevel   = slog.InfoLevel
	consoleHandler slog.Handler
	withCaller     bool
)

// Initialize sets the level every logger created afterwards starts with and
// replaces the shared console handler. Safe to skip; loggers fall back to
// info level on stdout.
func Initialize(level string, logToStdErr bool, caller bool) {
	mutex.Lock()
	defer mutex.Unlock()

	defaultLevel = Name2Level(level)
	withCaller = caller
	consoleHandler = newConsoleHandler(logToStdErr)
}

func sharedHandler() slog.Handler {
	mutex.Lock()
	defer mutex.Unlock()

	if consoleHandler == nil {
		consoleHandler = newConsoleHandler(false)
	}
	return consoleHandler
}

func newConsoleHandler(logToStdErr bool) slog.Handler {
	h := handler.NewConsoleHandler(slog.AllLevels)
	if !withCaller {
		h.TextFormatter().SetTemplate(
			"[{{datetime}}] [{{level}}] {{message}} {{data}} {{extra}}\n",
		)
	} else {
		h.TextFormatter().SetTemplate(
			"[{{datetime}}] [{{level}}] [{{caller}}] {{message}} {{data}} {{extra}}\n",
		)
	}
	if logToStdErr {
		h.Output = os.Stderr
	}
	return &syncHandler{ConsoleHandler: h}
}

// syncHandler serializes writes, the console handler itself is not safe for
// concurrent use.
type syncHandler struct {
	*handler.ConsoleHandler
	mutex sync.Mutex
}

func (h *syncHandler) Handle(record *slog.Record) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.ConsoleHandler.Handle(record)
}

type Logger struct {
	slogger *slog.Logger
	level   slog.Level
	name    string
}

func NewLogger(name string) *Logger {
	h := sharedHandler()

	mutex.Lock()
	level := defaultLevel
	caller := withCaller
	mutex.Unlock()

	slogger := slog.NewWithName(name, func(l *slog.Logger) {
		l.CallerSkip = l.CallerSkip + 2
		l.ReportCaller = caller
		l.AddHandler(h)
	})
	return &Logger{
		slogger: slogger,
		level:   level,
		name:    name,
	}
}

// Enabled reports whether messages at the given level are written.
func (l *Logger) Enabled(level slog.Level) bool {
	return l.level >= level
}

func (l *Logger) Debugf(format string, args ...any) {
	l.logf(slog.DebugLevel, format, args)
}

func (l *Logger) Infof(format string, args ...any) {
	l.logf(slog.InfoLevel, format, args)
}

func (l *Logger) Warnf(format string, args ...any) {
	l.logf(slog.WarnLevel, format, args)
}

func (l *Logger) Errorf(format string, args ...any) {
	l.logf(slog.ErrorLevel, format, args)
}

func (l *Logger) logf(level slog.Level, format string, args []any) {
	if l.Enabled(level) {
		format = strings.TrimSuffix(format, "\n")
		l.slogger.Logf(level, fmt.Sprintf("[%s] %s", l.name, format), args...)
	}
}

func Name2Level(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "panic":
		return slog.PanicLevel
	case "fatal":
		return slog.FatalLevel
	case "err", "error":
		return slog.ErrorLevel
	case "warn", "warning":
		return slog.WarnLevel
	case "notice":
		return slog.NoticeLevel
	case "debug":
		return slog.DebugLevel
	case "trace":
		return slog.TraceLevel
	default:
		return slog.InfoLevel
	}
}
