package tracing

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewTraceID(t *testing.T) {
	id1 := NewTraceID()
	id2 := NewTraceID()

	if id1 == "" {
		t.Error("NewTraceID returned empty string")
	}

	if id1 == id2 {
		t.Error("NewTraceID returned duplicate IDs")
	}
}

func TestContextValues(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithUserID(ctx, "u1")
	ctx = WithSessionID(ctx, "s1")
	ctx = WithRequestID(ctx, "r1")

	tc := FromContext(ctx)
	if tc.TraceID != "trace-1" || tc.UserID != "u1" || tc.SessionID != "s1" || tc.RequestID != "r1" {
		t.Errorf("unexpected trace context: %+v", tc)
	}
}

func TestGetMissingValues(t *testing.T) {
	ctx := context.Background()

	if GetTraceID(ctx) != "" {
		t.Error("expected empty trace ID")
	}
	if GetUserID(ctx) != "" {
		t.Error("expected empty user ID")
	}
}

func TestNewContextSkipsEmpty(t *testing.T) {
	parent := WithUserID(context.Background(), "u1")
	ctx := NewContext(parent, &TraceContext{TraceID: "trace-2"})

	if GetTraceID(ctx) != "trace-2" {
		t.Errorf("expected trace-2, got %s", GetTraceID(ctx))
	}
	if GetUserID(ctx) != "u1" {
		t.Errorf("expected parent user ID to survive, got %s", GetUserID(ctx))
	}
}

func TestNewRequestContext(t *testing.T) {
	ctx := NewRequestContext(context.Background())

	if GetTraceID(ctx) == "" {
		t.Error("expected trace ID")
	}
	if GetRequestID(ctx) == "" {
		t.Error("expected request ID")
	}
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithSessionID(WithUserID(context.Background(), "u1"), "s1")
	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("hello")

	var fields map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &fields); err != nil {
		t.Fatalf("invalid log line: %v", err)
	}
	if fields["user_id"] != "u1" || fields["session_id"] != "s1" {
		t.Errorf("missing tracing fields: %v", fields)
	}
	if _, ok := fields["trace_id"]; ok {
		t.Error("trace_id should be omitted when absent")
	}
}
