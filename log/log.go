// Package log provides the structured logger used across backfila. It is a thin layer over logrus that carries
// loggers through contexts so that every log line emitted on behalf of a runner includes its identifying fields.
package log

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/labkit/correlation"
)

// Fields represents a set of structured log fields.
type Fields map[string]any

// Logger provides a leveled-logging interface.
type Logger interface {
	Print(args ...any)
	Printf(format string, args ...any)
	Println(args ...any)

	Fatal(args ...any)
	Fatalf(format string, args ...any)
	Fatalln(args ...any)

	Panic(args ...any)
	Panicf(format string, args ...any)
	Panicln(args ...any)

	Debug(args ...any)
	Debugf(format string, args ...any)
	Debugln(args ...any)

	Error(args ...any)
	Errorf(format string, args ...any)
	Errorln(args ...any)

	Info(args ...any)
	Infof(format string, args ...any)
	Infoln(args ...any)

	Warn(args ...any)
	Warnf(format string, args ...any)
	Warnln(args ...any)

	WithError(err error) Logger
	WithField(key string, value any) Logger
	WithFields(fields Fields) Logger
}

type loggerKey struct{}

var defaultLogger Logger = FromLogrusLogger(logrus.StandardLogger().WithField("go.version", goVersion()))

type entry struct {
	*logrus.Entry
}

// FromLogrusLogger wraps a logrus entry into a Logger.
func FromLogrusLogger(e *logrus.Entry) Logger {
	return &entry{Entry: e}
}

func (e *entry) WithError(err error) Logger {
	return &entry{Entry: e.Entry.WithError(err)}
}

func (e *entry) WithField(key string, value any) Logger {
	return &entry{Entry: e.Entry.WithField(key, value)}
}

func (e *entry) WithFields(fields Fields) Logger {
	return &entry{Entry: e.Entry.WithFields(logrus.Fields(fields))}
}

// WithLogger creates a new context with the provided logger.
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

type options struct {
	ctx    context.Context
	tb     testing.TB
	writer io.Writer
	keys   []any
}

// Option configures GetLogger.
type Option func(*options)

// WithContext retrieves the logger stored in ctx, if any. The correlation ID found in ctx is always added.
func WithContext(ctx context.Context) Option {
	return func(o *options) {
		o.ctx = ctx
	}
}

// WithTestingTB sends log output to tb.Log.
func WithTestingTB(tb testing.TB) Option {
	return func(o *options) {
		o.tb = tb
	}
}

// WithWriter sends log output to w.
func WithWriter(w io.Writer) Option {
	return func(o *options) {
		o.writer = w
	}
}

// WithKeys adds the values stored under the given context keys as log fields.
func WithKeys(keys ...any) Option {
	return func(o *options) {
		o.keys = append(o.keys, keys...)
	}
}

type tbWriter struct {
	tb testing.TB
}

func (w tbWriter) Write(p []byte) (int, error) {
	w.tb.Helper()
	w.tb.Log(string(p))
	return len(p), nil
}

// GetLogger returns a logger according to the given options. Without options, the default logger is returned.
func GetLogger(opts ...Option) Logger {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	if o.tb != nil || o.writer != nil {
		l := logrus.New()
		l.SetLevel(logrus.DebugLevel)
		if o.tb != nil {
			l.SetOutput(tbWriter{tb: o.tb})
		} else {
			l.SetOutput(o.writer)
		}
		return FromLogrusLogger(logrus.NewEntry(l))
	}

	if o.ctx == nil {
		return defaultLogger
	}

	logger := defaultLogger
	if l, ok := o.ctx.Value(loggerKey{}).(Logger); ok && l != nil {
		logger = l
	}

	fields := make(Fields)
	if id := correlation.ExtractFromContext(o.ctx); id != "" {
		fields[correlation.FieldName] = id
	}
	for _, k := range o.keys {
		if v := o.ctx.Value(k); v != nil {
			fields[toString(k)] = v
		}
	}
	if len(fields) == 0 {
		return logger
	}

	return logger.WithFields(fields)
}

func toString(k any) string {
	if s, ok := k.(string); ok {
		return s
	}
	if s, ok := k.(interface{ String() string }); ok {
		return s.String()
	}
	return "unknown"
}
