package types

import (
	"context"
	"testing"
)

func TestContextHelpers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	if _, ok := Actor(ctx); ok {
		t.Fatalf("expected no actor on empty context")
	}

	ctx = WithTraceID(ctx, "t1")
	if got, ok := TraceID(ctx); !ok || got != "t1" {
		t.Fatalf("TraceID mismatch: %v %v", got, ok)
	}

	ctx = WithActor(ctx, "agent-7")
	if got, ok := Actor(ctx); !ok || got != "agent-7" {
		t.Fatalf("Actor mismatch: %v %v", got, ok)
	}

	ctx = WithTaskID(ctx, "task-1")
	if got, ok := TaskID(ctx); !ok || got != "task-1" {
		t.Fatalf("TaskID mismatch: %v %v", got, ok)
	}

	ctx = WithActor(ctx, "")
	if _, ok := Actor(ctx); ok {
		t.Fatalf("empty actor should report not ok")
	}
}
