// Package testutil holds helpers shared by tests across backfila packages.
package testutil

import (
	"context"
	"testing"

	"github.com/backfila/backfila/log"
	"github.com/sirupsen/logrus"
)

type logWriterType struct {
	t testing.TB
}

func (l logWriterType) Write(p []byte) (n int, err error) {
	l.t.Log(string(p))
	return len(p), nil
}

type opts func(l *logrus.Entry)

// WithLogLevel sets the level of a test logger. Unknown levels fall back to debug.
func WithLogLevel(ll string) func(l *logrus.Entry) {
	return func(l *logrus.Entry) {
		lll, err := logrus.ParseLevel(ll)
		if err != nil {
			lll = logrus.DebugLevel
		}
		l.Logger.Level = lll
	}
}

// NewContextWithLogger returns a background context carrying a test logger.
func NewContextWithLogger(tb testing.TB, opts ...opts) context.Context {
	return log.WithLogger(context.Background(), NewTestLogger(tb, opts...))
}

// NewTestLogger returns a logger writing to tb.Log.
func NewTestLogger(t testing.TB, opts ...opts) log.Logger {
	logger := logrus.New().WithFields(
		logrus.Fields{
			"test": true,
		},
	)
	logger.Logger.Level = logrus.DebugLevel
	logger.Logger.SetOutput(logWriterType{t: t})

	for _, opt := range opts {
		opt(logger)
	}

	return log.FromLogrusLogger(logger)
}
