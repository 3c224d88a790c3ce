package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"bazos_harvest/config"
)

// Runner is a single ingestion run. The scheduler serializes runs: a trigger
// that arrives while a run is in flight is dropped, not queued.
type Runner interface {
	Run(ctx context.Context) error
}

type Scheduler struct {
	cfg    config.SchedulerConfig
	runner Runner
	cron   *cron.Cron
	ticker *time.Ticker
	stopCh chan struct{}

	mu      sync.Mutex
	running bool
}

func New(cfg config.SchedulerConfig, runner Runner) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		runner: runner,
		cron:   cron.New(),
		stopCh: make(chan struct{}),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	if s.cfg.Cron != "" {
		log.Printf("Starting scheduler with cron: %s", s.cfg.Cron)
		_, err := s.cron.AddFunc(s.cfg.Cron, func() { s.fire(ctx) })
		if err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
		s.cron.Start()
		return nil
	}

	if s.cfg.Interval > 0 {
		log.Printf("Starting scheduler with interval: %s", s.cfg.Interval)
		s.ticker = time.NewTicker(s.cfg.Interval)
		go func() {
			for {
				select {
				case <-s.ticker.C:
					s.fire(ctx)
				case <-s.stopCh:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
		return nil
	}

	log.Println("No schedule configured, daemon will only run on manual trigger")
	return nil
}

// Trigger starts a run immediately, subject to the same single-run guard as
// scheduled firings.
func (s *Scheduler) Trigger(ctx context.Context) {
	s.fire(ctx)
}

func (s *Scheduler) fire(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		log.Println("Run already in progress, skipping trigger")
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	if err := s.runner.Run(ctx); err != nil {
		log.Printf("Scheduled run error: %v", err)
	}
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
	if s.ticker != nil {
		s.ticker.Stop()
	}
	close(s.stopCh)
}
