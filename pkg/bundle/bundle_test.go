// Copyright 2025 Certen Protocol

package bundle

import (
	"errors"
	"testing"
)

func action(rollupID string, dataLen int) Action {
	return Action{RollupID: rollupID, Data: make([]byte, dataLen)}
}

func TestPush_FitsInCurrentBundle(t *testing.T) {
	f := NewFactory(Config{MaxBundleSize: 1000, FinishedQueueCapacity: 2})

	if err := f.Push(action("rollup-a", 10)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if f.PeekNextFinished() != nil {
		t.Fatal("expected no finished bundle yet")
	}
}

func TestPush_FlushesWhenFull(t *testing.T) {
	actionSize := RollupIDLen + FeeAssetIDLen + 10
	f := NewFactory(Config{MaxBundleSize: actionSize, FinishedQueueCapacity: 2})

	if err := f.Push(action("rollup-a", 10)); err != nil {
		t.Fatalf("first push: %v", err)
	}
	if err := f.Push(action("rollup-a", 10)); err != nil {
		t.Fatalf("second push should flush and succeed: %v", err)
	}

	handle := f.PeekNextFinished()
	if handle == nil {
		t.Fatal("expected a finished bundle")
	}
	b := handle.Pop()
	if len(b.Actions) != 1 {
		t.Fatalf("finished bundle should have 1 action, got %d", len(b.Actions))
	}
}

func TestPush_ActionTooLarge(t *testing.T) {
	f := NewFactory(Config{MaxBundleSize: 10, FinishedQueueCapacity: 2})

	err := f.Push(action("rollup-a", 100))
	var tooLarge *ActionTooLargeError
	if !errors.As(err, &tooLarge) {
		t.Fatalf("expected ActionTooLargeError, got %v", err)
	}
}

func TestPush_FinishedQueueFull(t *testing.T) {
	actionSize := RollupIDLen + FeeAssetIDLen + 10
	f := NewFactory(Config{MaxBundleSize: actionSize, FinishedQueueCapacity: 1})

	if err := f.Push(action("rollup-a", 10)); err != nil {
		t.Fatalf("push 1: %v", err)
	}
	if err := f.Push(action("rollup-a", 10)); err != nil {
		t.Fatalf("push 2 (flushes first bundle): %v", err)
	}
	// finished queue now has 1 bundle, at capacity; a third push that
	// doesn't fit the current bundle must be rejected.
	err := f.Push(action("rollup-a", 10))
	var full *FinishedQueueFullError
	if !errors.As(err, &full) {
		t.Fatalf("expected FinishedQueueFullError, got %v", err)
	}
}

func TestPopNow_ReturnsCurrentBundleWhenFinishedEmpty(t *testing.T) {
	f := NewFactory(Config{MaxBundleSize: 1000, FinishedQueueCapacity: 2})
	if err := f.Push(action("rollup-a", 10)); err != nil {
		t.Fatalf("push: %v", err)
	}

	b := f.PopNow()
	if len(b.Actions) != 1 {
		t.Fatalf("expected 1 action in popped bundle, got %d", len(b.Actions))
	}

	empty := f.PopNow()
	if len(empty.Actions) != 0 {
		t.Fatalf("expected empty bundle after pop, got %d actions", len(empty.Actions))
	}
}

func TestPopNow_PrefersFinishedQueue(t *testing.T) {
	actionSize := RollupIDLen + FeeAssetIDLen + 10
	f := NewFactory(Config{MaxBundleSize: actionSize, FinishedQueueCapacity: 2})

	if err := f.Push(action("rollup-a", 10)); err != nil {
		t.Fatalf("push 1: %v", err)
	}
	if err := f.Push(action("rollup-b", 10)); err != nil {
		t.Fatalf("push 2: %v", err)
	}

	b := f.PopNow()
	if b.Actions[0].RollupID != "rollup-a" {
		t.Fatalf("expected FIFO order, got rollup id %q first", b.Actions[0].RollupID)
	}
}

func TestIsFull(t *testing.T) {
	actionSize := RollupIDLen + FeeAssetIDLen + 10
	f := NewFactory(Config{MaxBundleSize: actionSize, FinishedQueueCapacity: 1})

	if f.IsFull() {
		t.Fatal("factory should not start full")
	}

	if err := f.Push(action("rollup-a", 10)); err != nil {
		t.Fatalf("push 1: %v", err)
	}
	if err := f.Push(action("rollup-a", 10)); err != nil {
		t.Fatalf("push 2: %v", err)
	}

	if !f.IsFull() {
		t.Fatal("expected factory to be full after filling finished queue to capacity")
	}
}
