package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestWaitEnforcesSpacing(t *testing.T) {
	l := New(50*time.Millisecond, 20*time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := l.Wait(ctx, ListingPage); err != nil {
			t.Fatalf("wait %d failed: %v", i, err)
		}
	}
	elapsed := time.Since(start)

	// First release is immediate, the next two each wait ~50ms.
	if elapsed < 90*time.Millisecond {
		t.Fatalf("three listing waits finished too fast: %v", elapsed)
	}
}

func TestClassesAreIndependent(t *testing.T) {
	l := New(200*time.Millisecond, 10*time.Millisecond)
	ctx := context.Background()

	if err := l.Wait(ctx, ListingPage); err != nil {
		t.Fatalf("listing wait failed: %v", err)
	}

	// A saturated listing class must not delay detail fetches.
	start := time.Now()
	for i := 0; i < 2; i++ {
		if err := l.Wait(ctx, DetailPage); err != nil {
			t.Fatalf("detail wait %d failed: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("detail waits blocked behind listing class: %v", elapsed)
	}
}

func TestWaitRespectsCancellation(t *testing.T) {
	l := New(10*time.Second, 10*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := l.Wait(ctx, ListingPage); err != nil {
		t.Fatalf("first wait should be immediate: %v", err)
	}
	if err := l.Wait(ctx, ListingPage); err == nil {
		t.Fatal("expected cancellation error on second wait")
	}
}

func TestUnknownClass(t *testing.T) {
	l := New(time.Millisecond, time.Millisecond)
	if err := l.Wait(context.Background(), Class(99)); err == nil {
		t.Fatal("expected error for unknown class")
	}
}
