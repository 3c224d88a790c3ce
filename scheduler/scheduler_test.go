package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bazos_harvest/config"
)

type countingRunner struct {
	runs    atomic.Int32
	block   chan struct{}
	blockMu sync.Mutex
}

func (r *countingRunner) Run(ctx context.Context) error {
	r.runs.Add(1)
	r.blockMu.Lock()
	block := r.block
	r.blockMu.Unlock()
	if block != nil {
		<-block
	}
	return nil
}

func TestTriggerRunsOnce(t *testing.T) {
	runner := &countingRunner{}
	s := New(config.SchedulerConfig{}, runner)
	defer s.Stop()

	s.Trigger(context.Background())
	if got := runner.runs.Load(); got != 1 {
		t.Fatalf("expected 1 run, got %d", got)
	}
}

func TestOverlappingTriggersAreDropped(t *testing.T) {
	runner := &countingRunner{block: make(chan struct{})}
	s := New(config.SchedulerConfig{}, runner)
	defer s.Stop()

	done := make(chan struct{})
	go func() {
		s.Trigger(context.Background())
		close(done)
	}()

	// wait for the first run to start, then trigger while it is in flight
	for i := 0; i < 100 && runner.runs.Load() == 0; i++ {
		time.Sleep(time.Millisecond)
	}
	s.Trigger(context.Background())

	close(runner.block)
	<-done

	if got := runner.runs.Load(); got != 1 {
		t.Fatalf("expected overlapping trigger to be dropped, got %d runs", got)
	}
}

func TestIntervalFires(t *testing.T) {
	runner := &countingRunner{}
	s := New(config.SchedulerConfig{Interval: 10 * time.Millisecond}, runner)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	for i := 0; i < 200 && runner.runs.Load() == 0; i++ {
		time.Sleep(time.Millisecond)
	}
	if runner.runs.Load() == 0 {
		t.Fatal("interval schedule never fired")
	}
}

func TestInvalidCronRejected(t *testing.T) {
	s := New(config.SchedulerConfig{Cron: "not a cron"}, &countingRunner{})
	defer s.Stop()

	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}
