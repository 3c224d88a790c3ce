package services

import (
	"context"
	"errors"
	"testing"

	"bazos_harvest/config"
	"bazos_harvest/models"
)

type fakeRunStore struct {
	createErr   error
	finalizeErr error

	created   *models.IngestionRun
	finalized bool
	status    models.RunStatus
	total     int
}

func (s *fakeRunStore) CreateRun(ctx context.Context, run *models.IngestionRun) error {
	if s.createErr != nil {
		return s.createErr
	}
	run.ID = 7
	s.created = run
	return nil
}

func (s *fakeRunStore) FinalizeRun(ctx context.Context, runID int64, status models.RunStatus, total int) error {
	if s.finalizeErr != nil {
		return s.finalizeErr
	}
	s.finalized = true
	s.status = status
	s.total = total
	return nil
}

func TestStartCreatesRunRecord(t *testing.T) {
	store := &fakeRunStore{}
	lc := NewRunLifecycle(store)

	run, err := lc.Start(context.Background(), []string{"auto", "elektro"}, config.IngestConfig{
		MaxListings: 50,
		PriceMin:    1000,
	})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if run.ID != 7 {
		t.Fatalf("expected store-assigned ID 7, got %d", run.ID)
	}
	if run.RunToken == "" {
		t.Fatal("expected a run token")
	}
	if run.Status != models.RunStatusRunning {
		t.Fatalf("expected running status, got %s", run.Status)
	}
	if run.PriceMin == nil || *run.PriceMin != 1000 {
		t.Fatalf("expected price min 1000, got %v", run.PriceMin)
	}
	if run.PriceMax != nil {
		t.Fatalf("unset price max should stay nil, got %v", run.PriceMax)
	}
}

func TestStartFailureIsFatal(t *testing.T) {
	store := &fakeRunStore{createErr: errors.New("db down")}
	lc := NewRunLifecycle(store)

	if _, err := lc.Start(context.Background(), []string{"auto"}, config.IngestConfig{}); err == nil {
		t.Fatal("expected error when run record cannot be created")
	}
}

func TestFinishRecordsTerminalState(t *testing.T) {
	store := &fakeRunStore{}
	lc := NewRunLifecycle(store)

	run := &models.IngestionRun{ID: 7, RunToken: "tok", Status: models.RunStatusRunning}
	lc.Finish(context.Background(), run, models.RunStatusCompleted, 65)

	if !store.finalized {
		t.Fatal("expected finalize call")
	}
	if store.status != models.RunStatusCompleted || store.total != 65 {
		t.Fatalf("unexpected finalize args: %s %d", store.status, store.total)
	}
	if run.EndTime == nil {
		t.Fatal("expected end time set")
	}
}

func TestFinishFailureIsBestEffort(t *testing.T) {
	store := &fakeRunStore{finalizeErr: errors.New("db down")}
	lc := NewRunLifecycle(store)

	run := &models.IngestionRun{ID: 7, RunToken: "tok", Status: models.RunStatusRunning}
	lc.Finish(context.Background(), run, models.RunStatusFailed, 12)

	// The in-memory run must still reflect the terminal state.
	if run.Status != models.RunStatusFailed {
		t.Fatalf("expected failed status on run object, got %s", run.Status)
	}
	if run.EndTime == nil {
		t.Fatal("expected end time set despite store failure")
	}
	if run.TotalListings != 12 {
		t.Fatalf("expected total 12 on run object, got %d", run.TotalListings)
	}
}
