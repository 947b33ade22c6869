package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Levels(t *testing.T) {
	ctx := context.Background()
	assert.True(t, New("debug", "text").Enabled(ctx, slog.LevelDebug))
	assert.False(t, New("", "text").Enabled(ctx, slog.LevelDebug), "defaults to info")
	assert.False(t, New("error", "json").Enabled(ctx, slog.LevelInfo))
}

func TestNewWriter_Format(t *testing.T) {
	var buf bytes.Buffer
	NewWriter(&buf, "WARN", "json").Warn("custody low", "escrow_id", "esc_1")
	assert.Contains(t, buf.String(), `"service":"escrowd"`)
	assert.Contains(t, buf.String(), `"escrow_id":"esc_1"`)

	buf.Reset()
	NewWriter(&buf, "bogus", "text").Debug("hidden")
	assert.Empty(t, buf.String())
}

func TestRequestID(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestID(ctx))
	ctx = WithRequestID(ctx, "req-123")
	assert.Equal(t, "req-123", RequestID(ctx))
}

func TestFromContext_Default(t *testing.T) {
	assert.Same(t, slog.Default(), FromContext(context.Background()))
}

func TestWith_AddsFieldsAndRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	ctx := WithLogger(context.Background(), logger)
	ctx = WithRequestID(ctx, "req-9")
	ctx = With(ctx, "escrow_id", "esc_1")

	L(ctx).Info("released")
	out := buf.String()
	assert.Contains(t, out, "escrow_id=esc_1")
	assert.Contains(t, out, "request_id=req-9")
}

func TestWith_SkipsRepeatedFields(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWriter(&buf, "info", "json"))
	ctx = With(ctx, "escrowId", "esc_1")
	ctx = With(ctx, "escrowId", "esc_1", "action", "release")
	L(ctx).Info("settlement started")

	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, `"escrowId"`))
	assert.Contains(t, out, `"action":"release"`)

	buf.Reset()
	L(With(ctx, "escrowId", "esc_2")).Info("other")
	assert.Contains(t, buf.String(), `"escrowId":"esc_2"`, "a changed value is still logged")

	buf.Reset()
	fresh := WithLogger(ctx, NewWriter(&buf, "info", "json"))
	L(With(fresh, "escrowId", "esc_1")).Info("rebound")
	assert.Contains(t, buf.String(), `"escrowId":"esc_1"`, "a new logger starts unbound")
}

func TestCritical(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), slog.New(slog.NewTextHandler(&buf, nil)))

	Critical(ctx, "refund failed after release", "escrow_id", "esc_1")
	require.NotEmpty(t, buf.String())
	assert.Contains(t, buf.String(), "level=ERROR")
	assert.Contains(t, buf.String(), "CRITICAL: refund failed after release")
}
