package scraper

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"bazos_harvest/config"
	"bazos_harvest/models"
	"bazos_harvest/pagination"
	"bazos_harvest/ratelimit"
	"bazos_harvest/services"
)

// Store is the slice of the persistence gateway the pipeline drives.
type Store interface {
	UpsertBatch(ctx context.Context, listings []models.Listing) (int, error)
	Refresh(ctx context.Context) error
}

// EventJournal receives run events and lost-batch records. Batch loss is
// tolerated but never silent.
type EventJournal interface {
	Log(runToken, level, category, message string) error
	RecordLostBatch(runToken, category string, count int, reason string) error
}

// Orchestrator drives a full ingestion run: category by category, page by
// page, batching records into the store and accounting for everything that
// was extracted but could not be persisted.
type Orchestrator struct {
	source    *config.SourceConfig
	ingest    config.IngestConfig
	fetcher   Fetcher
	extractor Extractor
	store     Store
	lifecycle *services.RunLifecycle
	journal   EventJournal
	limiter   *ratelimit.Limiter
}

func NewOrchestrator(
	source *config.SourceConfig,
	ingest config.IngestConfig,
	fetcher Fetcher,
	extractor Extractor,
	store Store,
	lifecycle *services.RunLifecycle,
	journal EventJournal,
	limiter *ratelimit.Limiter,
) *Orchestrator {
	return &Orchestrator{
		source:    source,
		ingest:    ingest,
		fetcher:   fetcher,
		extractor: extractor,
		store:     store,
		lifecycle: lifecycle,
		journal:   journal,
		limiter:   limiter,
	}
}

// Run executes one ingestion run over the source's categories. A category
// failure is contained to that category; cancellation flushes whatever is
// buffered and finalizes the run as cancelled. The returned summary is
// always populated, also on error.
func (o *Orchestrator) Run(ctx context.Context) (*models.RunSummary, error) {
	run, err := o.lifecycle.Start(ctx, o.source.Categories, o.ingest)
	if err != nil {
		return &models.RunSummary{Status: models.RunStatusFailed}, fmt.Errorf("start run: %w", err)
	}

	summary := &models.RunSummary{
		RunToken:    run.RunToken,
		PerCategory: make(map[string]int),
	}

	cancelled := false
	for i, category := range o.source.Categories {
		if ctx.Err() != nil {
			cancelled = true
			break
		}

		// Proactive pool refresh between category groups keeps long runs off
		// stale connections.
		if i > 0 && o.ingest.RefreshEveryCats > 0 && i%o.ingest.RefreshEveryCats == 0 {
			if err := o.store.Refresh(ctx); err != nil {
				log.Printf("run %s: pool refresh before %s failed: %v", run.RunToken, category, err)
			}
		}

		err := o.runCategory(ctx, run, category, summary)
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			cancelled = true
		case err != nil:
			summary.CategoryErrors++
			log.Printf("run %s: category %s failed: %v", run.RunToken, category, err)
			o.journalLog(run.RunToken, "error", category, err.Error())
		}
		if cancelled {
			break
		}
	}

	status := models.RunStatusCompleted
	if cancelled {
		status = models.RunStatusCancelled
	}
	summary.Status = status

	// Finalization must survive the cancellation that ended the run.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	o.lifecycle.Finish(finishCtx, run, status, summary.TotalPersisted)

	log.Printf("run %s: %s extracted=%d persisted=%d lost=%d categoryErrors=%d",
		run.RunToken, status, summary.TotalExtracted, summary.TotalPersisted, summary.Lost, summary.CategoryErrors)
	return summary, nil
}

func (o *Orchestrator) runCategory(ctx context.Context, run *models.IngestionRun, category string, summary *models.RunSummary) error {
	baseURL := o.source.BaseURL(category)
	state := pagination.NewState(o.source.PageSize, o.ingest.MaxListings)
	seen := make(map[string]bool)
	filters := Filters{
		SearchQuery: o.ingest.SearchQuery,
		Location:    o.ingest.Location,
		PriceMin:    o.ingest.PriceMin,
		PriceMax:    o.ingest.PriceMax,
	}

	var batch []models.Listing
	kept := 0

	flush := func(flushCtx context.Context) {
		if len(batch) == 0 {
			return
		}
		n, err := o.store.UpsertBatch(flushCtx, batch)
		if err != nil {
			// Persistence already retried and rebuilt the pool; the batch is
			// gone. Record the loss and keep the run moving.
			log.Printf("run %s: category %s: lost batch of %d: %v", run.RunToken, category, len(batch), err)
			if jerr := o.journal.RecordLostBatch(run.RunToken, category, len(batch), err.Error()); jerr != nil {
				log.Printf("run %s: warning: failed to journal lost batch: %v", run.RunToken, jerr)
			}
			summary.Lost += len(batch)
		} else {
			summary.TotalPersisted += n
			summary.PerCategory[category] += n
		}
		batch = batch[:0]
	}

	log.Printf("run %s: category %s: starting at %s", run.RunToken, category, baseURL)

	for {
		offset, done := state.NextOffset()
		if done {
			break
		}

		if ctx.Err() != nil {
			flush(context.WithoutCancel(ctx))
			return ctx.Err()
		}
		if err := o.limiter.Wait(ctx, ratelimit.ListingPage); err != nil {
			flush(context.WithoutCancel(ctx))
			return err
		}

		pageURL := SearchURL(baseURL, offset, filters)
		page, err := o.fetcher.FetchPage(ctx, pageURL)
		if err != nil {
			flush(context.WithoutCancel(ctx))
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("fetch %s: %w", pageURL, err)
		}

		result, err := o.extractor.ExtractList(page.Body, category, baseURL)
		if err != nil {
			// Unparseable markup ends the category at whatever was already
			// collected rather than looping on garbage.
			log.Printf("run %s: category %s: offset %d unparseable: %v", run.RunToken, category, offset, err)
			state.RecordPage(0, pagination.PageHints{DeclaredTotal: -1})
			continue
		}

		fresh := make([]models.Listing, 0, len(result.Listings))
		for _, l := range result.Listings {
			if seen[l.SourceID] {
				continue
			}
			seen[l.SourceID] = true
			fresh = append(fresh, l)
		}

		// The cap bounds what we persist; the pagination state still sees the
		// raw page size so its stop logic stays honest.
		if o.ingest.MaxListings > 0 && kept+len(fresh) > o.ingest.MaxListings {
			fresh = fresh[:o.ingest.MaxListings-kept]
		}

		if o.source.IncludeDetails && len(fresh) > 0 {
			o.enrichListings(ctx, run, category, fresh)
		}

		for i := range fresh {
			fresh[i].RunID = run.ID
			fresh[i].SourceName = o.ingest.ScraperName
			batch = append(batch, fresh[i])
		}
		kept += len(fresh)
		summary.TotalExtracted += len(fresh)

		if len(batch) >= o.ingest.BatchSize {
			flush(ctx)
		}

		state.RecordPage(len(result.Listings), result.Hints)
	}

	flush(ctx)

	log.Printf("run %s: category %s: done reason=%s kept=%d", run.RunToken, category, state.StopReason(), kept)
	o.journalLog(run.RunToken, "info", category,
		fmt.Sprintf("category done reason=%s kept=%d", state.StopReason(), kept))
	return nil
}

// enrichListings fetches detail pages for a page of listings with a bounded
// worker pool. Enrichment is best-effort: a failed detail fetch leaves the
// listing with its list-page fields.
func (o *Orchestrator) enrichListings(ctx context.Context, run *models.IngestionRun, category string, listings []models.Listing) {
	sem := make(chan struct{}, o.detailWorkers())
	var wg sync.WaitGroup

	for i := range listings {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(l *models.Listing) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := o.limiter.Wait(ctx, ratelimit.DetailPage); err != nil {
				return
			}
			page, err := o.fetcher.FetchPage(ctx, l.URL)
			if err != nil {
				log.Printf("run %s: category %s: detail fetch %s failed: %v", run.RunToken, category, l.URL, err)
				return
			}
			if err := o.extractor.ExtractDetail(page.Body, l); err != nil {
				log.Printf("run %s: category %s: detail parse %s failed: %v", run.RunToken, category, l.URL, err)
			}
		}(&listings[i])
	}
	wg.Wait()
}

func (o *Orchestrator) detailWorkers() int {
	if o.ingest.DetailWorkers > 0 {
		return o.ingest.DetailWorkers
	}
	return 1
}

func (o *Orchestrator) journalLog(runToken, level, category, message string) {
	if err := o.journal.Log(runToken, level, category, message); err != nil {
		log.Printf("run %s: warning: journal write failed: %v", runToken, err)
	}
}
