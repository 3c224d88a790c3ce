package storage

import (
	"path/filepath"
	"testing"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := NewJournal(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("failed to open journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournalEvents(t *testing.T) {
	j := newTestJournal(t)

	if err := j.Log("tok-1", "info", "auto", "starting category"); err != nil {
		t.Fatalf("log failed: %v", err)
	}
	if err := j.Log("tok-1", "error", "auto", "fetch failed"); err != nil {
		t.Fatalf("log failed: %v", err)
	}
	if err := j.Log("tok-2", "info", "", "other run"); err != nil {
		t.Fatalf("log failed: %v", err)
	}

	events, err := j.RunEvents("tok-1", 10)
	if err != nil {
		t.Fatalf("read events failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events for tok-1, got %d", len(events))
	}
}

func TestLostBatches(t *testing.T) {
	j := newTestJournal(t)

	if err := j.RecordLostBatch("tok-1", "auto", 40, "retry attempts exhausted"); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if err := j.RecordLostBatch("tok-1", "elektro", 12, "retry attempts exhausted"); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	batches, err := j.LostBatches("tok-1")
	if err != nil {
		t.Fatalf("read lost batches failed: %v", err)
	}
	if len(batches) != 2 {
		t.Fatalf("expected 2 lost batches, got %d", len(batches))
	}
	if batches[0].Category != "auto" || batches[0].Count != 40 {
		t.Fatalf("unexpected first batch: %+v", batches[0])
	}

	total, err := j.LostTotal("tok-1")
	if err != nil {
		t.Fatalf("lost total failed: %v", err)
	}
	if total != 52 {
		t.Fatalf("expected 52 lost, got %d", total)
	}

	total, err = j.LostTotal("tok-nope")
	if err != nil {
		t.Fatalf("lost total failed: %v", err)
	}
	if total != 0 {
		t.Fatalf("expected 0 lost for unknown run, got %d", total)
	}
}
