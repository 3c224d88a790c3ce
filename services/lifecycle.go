package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"bazos_harvest/config"
	"bazos_harvest/models"
)

// RunStore is the slice of the persistence gateway the lifecycle needs.
type RunStore interface {
	CreateRun(ctx context.Context, run *models.IngestionRun) error
	FinalizeRun(ctx context.Context, runID int64, status models.RunStatus, total int) error
}

// RunLifecycle brackets an ingestion run: it creates the run record before
// any category is processed and finalizes status and counters at the end.
type RunLifecycle struct {
	store RunStore
}

func NewRunLifecycle(store RunStore) *RunLifecycle {
	return &RunLifecycle{store: store}
}

// Start persists a new run record with a fresh token. There is no meaningful
// way to track an unrecorded run, so a persistent failure here is fatal to
// the run.
func (l *RunLifecycle) Start(ctx context.Context, categories []string, ingest config.IngestConfig) (*models.IngestionRun, error) {
	run := &models.IngestionRun{
		RunToken:       uuid.NewString(),
		StartTime:      time.Now(),
		Categories:     categories,
		MaxListings:    ingest.MaxListings,
		SearchQuery:    ingest.SearchQuery,
		LocationFilter: ingest.Location,
		Status:         models.RunStatusRunning,
	}
	if ingest.PriceMin > 0 {
		v := ingest.PriceMin
		run.PriceMin = &v
	}
	if ingest.PriceMax > 0 {
		v := ingest.PriceMax
		run.PriceMax = &v
	}

	if err := l.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run record: %w", err)
	}

	log.Printf("run %s: created record id=%d categories=%v", run.RunToken, run.ID, categories)
	return run, nil
}

// Finish records the terminal status exactly once. Best-effort: the scraping
// work already happened, so a persistence failure here is surfaced as a
// warning and the in-memory run still reflects the correct terminal state.
func (l *RunLifecycle) Finish(ctx context.Context, run *models.IngestionRun, status models.RunStatus, total int) {
	now := time.Now()
	run.EndTime = &now
	run.Status = status
	run.TotalListings = total

	if err := l.store.FinalizeRun(ctx, run.ID, status, total); err != nil {
		log.Printf("run %s: warning: failed to finalize run record: %v", run.RunToken, err)
		return
	}
	log.Printf("run %s: finalized status=%s total=%d", run.RunToken, status, total)
}
