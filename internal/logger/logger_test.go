package logger

import (
	"context"
	"testing"
)

func TestRunContext(t *testing.T) {
	ctx, runID := NewRunContext(context.Background())
	if runID == "" {
		t.Fatal("运行 ID 不应为空")
	}
	if got := TraceIDFromContext(ctx); got != runID {
		t.Errorf("TraceIDFromContext() = %q, want %q", got, runID)
	}

	_, other := NewRunContext(context.Background())
	if other == runID {
		t.Error("两次运行的 ID 不应相同")
	}
}

func TestTraceIDFromContext_Empty(t *testing.T) {
	if got := TraceIDFromContext(context.Background()); got != "" {
		t.Errorf("TraceIDFromContext() = %q, want empty", got)
	}
	//nolint:staticcheck // 显式验证 nil context
	if got := TraceIDFromContext(nil); got != "" {
		t.Errorf("TraceIDFromContext(nil) = %q, want empty", got)
	}
}
