package models

import "time"

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IngestionRun is one complete execution of the pipeline across a set of
// categories. The RunToken is the externally visible identity; ID is the
// database identity every Listing row references.
type IngestionRun struct {
	ID             int64      `json:"id" db:"id"`
	RunToken       string     `json:"run_token" db:"run_token"`
	StartTime      time.Time  `json:"start_time" db:"start_time"`
	EndTime        *time.Time `json:"end_time" db:"end_time"`
	Categories     []string   `json:"categories" db:"categories"`
	MaxListings    int        `json:"max_listings" db:"max_listings"`
	SearchQuery    string     `json:"search_query" db:"search_query"`
	LocationFilter string     `json:"location_filter" db:"location_filter"`
	PriceMin       *int       `json:"price_min" db:"price_min"`
	PriceMax       *int       `json:"price_max" db:"price_max"`
	TotalListings  int        `json:"total_listings" db:"total_listings"`
	Status         RunStatus  `json:"status" db:"status"`
}

// RunSummary is what an ingestion run reports back to its caller.
// TotalPersisted versus TotalExtracted makes any batch loss visible even
// when the run nominally succeeds.
type RunSummary struct {
	RunToken       string         `json:"run_token"`
	Status         RunStatus      `json:"status"`
	TotalExtracted int            `json:"total_extracted"`
	TotalPersisted int            `json:"total_persisted"`
	Lost           int            `json:"lost"`
	PerCategory    map[string]int `json:"per_category"`
	CategoryErrors int            `json:"category_errors"`
}

// RunStats is a row from the run_stats view.
type RunStats struct {
	RunToken      string     `json:"run_token" db:"run_token"`
	StartTime     time.Time  `json:"start_time" db:"start_time"`
	EndTime       *time.Time `json:"end_time" db:"end_time"`
	Status        string     `json:"status" db:"status"`
	TotalListings int        `json:"total_listings" db:"total_listings"`
	StoredRows    int        `json:"stored_rows" db:"stored_rows"`
	Categories    int        `json:"categories" db:"categories"`
	AvgPrice      *float64   `json:"avg_price" db:"avg_price"`
}

// SourceStats is a row from the source_stats view.
type SourceStats struct {
	SourceName    string     `json:"source_name" db:"source_name"`
	TotalListings int        `json:"total_listings" db:"total_listings"`
	TotalRuns     int        `json:"total_runs" db:"total_runs"`
	LastScrapedAt *time.Time `json:"last_scraped_at" db:"last_scraped_at"`
}
