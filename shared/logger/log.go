package logger

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// Ctx is the logging context.
type Ctx map[string]any

// Logger is the main logging interface.
type Logger interface {
	Panic(msg string, ctx ...Ctx)
	Fatal(msg string, ctx ...Ctx)
	Error(msg string, ctx ...Ctx)
	Warn(msg string, ctx ...Ctx)
	Info(msg string, ctx ...Ctx)
	Debug(msg string, ctx ...Ctx)
	Trace(msg string, ctx ...Ctx)
	AddContext(ctx Ctx) Logger
}

// Log contains the logger used by all the logging functions.
var Log Logger

type targetLogger interface {
	Panic(args ...any)
	Fatal(args ...any)
	Error(args ...any)
	Warn(args ...any)
	Info(args ...any)
	Debug(args ...any)
	Trace(args ...any)
	WithFields(fields logrus.Fields) *logrus.Entry
}

type logWrapper struct {
	target targetLogger
}

func init() {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.InfoLevel)
	Log = &logWrapper{target: logger}
}

// InitLogger initializes the global logger at the requested level.
// Verbosity follows the daemon convention: 0 errors only, 1 warnings,
// 2 info, 3 debug, 4+ trace.
func InitLogger(verbosity int) {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	switch {
	case verbosity <= 0:
		logger.SetLevel(logrus.ErrorLevel)
	case verbosity == 1:
		logger.SetLevel(logrus.WarnLevel)
	case verbosity == 2:
		logger.SetLevel(logrus.InfoLevel)
	case verbosity == 3:
		logger.SetLevel(logrus.DebugLevel)
	default:
		logger.SetLevel(logrus.TraceLevel)
	}

	Log = &logWrapper{target: logger}
}

func (lw *logWrapper) getTarget(ctx []Ctx) targetLogger {
	if len(ctx) == 0 {
		return lw.target
	}

	fields := logrus.Fields{}
	for _, c := range ctx {
		for k, v := range c {
			fields[k] = v
		}
	}

	return lw.target.WithFields(fields)
}

// Panic logs a panic level message and then panics.
func (lw *logWrapper) Panic(msg string, ctx ...Ctx) {
	lw.getTarget(ctx).Panic(msg)
}

// Fatal logs a fatal level message and then exits.
func (lw *logWrapper) Fatal(msg string, ctx ...Ctx) {
	lw.getTarget(ctx).Fatal(msg)
}

// Error logs an error level message.
func (lw *logWrapper) Error(msg string, ctx ...Ctx) {
	lw.getTarget(ctx).Error(msg)
}

// Warn logs a warning level message.
func (lw *logWrapper) Warn(msg string, ctx ...Ctx) {
	lw.getTarget(ctx).Warn(msg)
}

// Info logs an info level message.
func (lw *logWrapper) Info(msg string, ctx ...Ctx) {
	lw.getTarget(ctx).Info(msg)
}

// Debug logs a debug level message.
func (lw *logWrapper) Debug(msg string, ctx ...Ctx) {
	lw.getTarget(ctx).Debug(msg)
}

// Trace logs a trace level message.
func (lw *logWrapper) Trace(msg string, ctx ...Ctx) {
	lw.getTarget(ctx).Trace(msg)
}

// AddContext returns a logger that always logs the given context.
func (lw *logWrapper) AddContext(ctx Ctx) Logger {
	fields := logrus.Fields{}
	for k, v := range ctx {
		fields[k] = v
	}

	return &logWrapper{target: lw.target.WithFields(fields)}
}

// Panic logs a panic level message and then panics.
func Panic(msg string, ctx ...Ctx) {
	Log.Panic(msg, ctx...)
}

// Fatal logs a fatal level message and then exits.
func Fatal(msg string, ctx ...Ctx) {
	Log.Fatal(msg, ctx...)
}

// Error logs an error level message.
func Error(msg string, ctx ...Ctx) {
	Log.Error(msg, ctx...)
}

// Warn logs a warning level message.
func Warn(msg string, ctx ...Ctx) {
	Log.Warn(msg, ctx...)
}

// Info logs an info level message.
func Info(msg string, ctx ...Ctx) {
	Log.Info(msg, ctx...)
}

// Debug logs a debug level message.
func Debug(msg string, ctx ...Ctx) {
	Log.Debug(msg, ctx...)
}

// Trace logs a trace level message.
func Trace(msg string, ctx ...Ctx) {
	Log.Trace(msg, ctx...)
}

// AddContext returns a logger that always logs the given context on top of the
// global logger.
func AddContext(ctx Ctx) Logger {
	return Log.AddContext(ctx)
}

// Errorf logs a formatted error level message.
func Errorf(format string, args ...any) {
	Log.Error(fmt.Sprintf(format, args...))
}

// Warnf logs a formatted warning level message.
func Warnf(format string, args ...any) {
	Log.Warn(fmt.Sprintf(format, args...))
}

// Infof logs a formatted info level message.
func Infof(format string, args ...any) {
	Log.Info(fmt.Sprintf(format, args...))
}

// Debugf logs a formatted debug level message.
func Debugf(format string, args ...any) {
	Log.Debug(fmt.Sprintf(format, args...))
}
