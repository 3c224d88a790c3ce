package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"bazos_harvest/config"
	"bazos_harvest/httputil"
	"bazos_harvest/logging"
	"bazos_harvest/models"
	"bazos_harvest/ratelimit"
	"bazos_harvest/scheduler"
	"bazos_harvest/scraper"
	"bazos_harvest/services"
	"bazos_harvest/storage"
)

var (
	ingestNow = flag.Bool("ingest", false, "Run one ingestion pass and exit")
)

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	logFile, err := logging.Setup("harvest.log")
	if err != nil {
		log.Printf("Warning: could not set up file logging: %v", err)
	} else {
		defer logFile.Close()
	}

	log.Println("Starting bazos_harvest...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Printf("Loaded %d source configs", len(cfg.Sources))
	for id, source := range cfg.Sources {
		log.Printf("  - %s (%s), %d categories", source.Name, id, len(source.Categories))
	}

	ctx := context.Background()

	gateway, err := storage.NewGateway(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer gateway.Close()
	log.Printf("Connected to Postgres: %s", maskConnectionString(cfg.Database.URL))

	if err := gateway.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to apply schema: %v", err)
	}

	journal, err := storage.NewJournal(cfg.JournalPath)
	if err != nil {
		log.Fatalf("Failed to open journal: %v", err)
	}
	defer journal.Close()
	log.Printf("Journal database: %s", cfg.JournalPath)

	clients := httputil.NewClients()
	fetcher := scraper.NewHTTPFetcher(clients)
	extractor := scraper.NewPageExtractor()
	lifecycle := services.NewRunLifecycle(gateway)

	var orchestrators []*scraper.Orchestrator
	for _, source := range cfg.Sources {
		limiter := ratelimit.New(source.ListingDelay(), source.DetailDelay())
		orchestrators = append(orchestrators,
			scraper.NewOrchestrator(source, cfg.Ingest, fetcher, extractor, gateway, lifecycle, journal, limiter))
	}
	if len(orchestrators) == 0 {
		log.Fatal("No sources configured")
	}

	runner := &harvestRunner{orchestrators: orchestrators}

	if *ingestNow {
		log.Println("Running ingestion...")
		if err := runner.Run(ctx); err != nil {
			log.Fatalf("Ingestion failed: %v", err)
		}
		log.Println("Ingestion complete!")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sched := scheduler.New(cfg.Scheduler, runner)
	if err := sched.Start(ctx); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	log.Println("Daemon running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	cancel()
	sched.Stop()
	log.Println("Goodbye!")
}

// harvestRunner runs every configured source in sequence. A failed source
// does not stop the remaining ones; the first error is reported at the end.
type harvestRunner struct {
	orchestrators []*scraper.Orchestrator
}

func (r *harvestRunner) Run(ctx context.Context) error {
	var firstErr error
	for _, o := range r.orchestrators {
		summary, err := o.Run(ctx)
		if err != nil {
			log.Printf("Source run failed: %v", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		log.Printf("Run %s: %s extracted=%d persisted=%d lost=%d",
			summary.RunToken, summary.Status, summary.TotalExtracted, summary.TotalPersisted, summary.Lost)
		if summary.Status == models.RunStatusCancelled {
			break
		}
	}
	return firstErr
}

// maskConnectionString masks the password in a connection string for logging
func maskConnectionString(connStr string) string {
	start := 0
	for i := 0; i < len(connStr)-3; i++ {
		if connStr[i:i+3] == "://" {
			start = i + 3
			break
		}
	}
	if start == 0 {
		return connStr
	}
	end := start
	for i := start; i < len(connStr); i++ {
		if connStr[i] == '@' {
			end = i
			break
		}
	}
	if end == start {
		return connStr
	}
	return fmt.Sprintf("%s****%s", connStr[:start], connStr[end:])
}
