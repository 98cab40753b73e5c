package log

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/labkit/correlation"
)

func TestGetLogger_Default(t *testing.T) {
	require.Equal(t, defaultLogger, GetLogger())
	require.Equal(t, defaultLogger, GetLogger(WithContext(context.Background())))
}

func TestGetLogger_FromContext(t *testing.T) {
	var buf bytes.Buffer
	l := GetLogger(WithWriter(&buf)).WithField("component", "test")

	ctx := WithLogger(context.Background(), l)
	ctx = correlation.ContextWithCorrelation(ctx, "abc")

	GetLogger(WithContext(ctx)).Info("hello")

	out := buf.String()
	require.Contains(t, out, "hello")
	require.Contains(t, out, "component=test")
	require.Contains(t, out, "correlation_id=abc")
}

type ctxKey string

func (k ctxKey) String() string { return string(k) }

func TestGetLogger_WithKeys(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), GetLogger(WithWriter(&buf)))
	ctx = context.WithValue(ctx, ctxKey("run_id"), 12)

	GetLogger(WithContext(ctx), WithKeys(ctxKey("run_id"))).Warn("stalled")

	require.Contains(t, buf.String(), "run_id=12")
}
