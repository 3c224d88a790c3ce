package models

import "time"

// Listing is a single classified ad as harvested from a listing page,
// optionally enriched from its detail page. The (SourceID, RunID, SourceName)
// triple is the uniqueness invariant in the store: the same ad may recur
// across runs or across scrapers.
type Listing struct {
	SourceID   string `json:"id" db:"id"`
	RunID      int64  `json:"run_id" db:"run_id"`
	SourceName string `json:"source_name" db:"source_name"`

	Title       string `json:"title" db:"title"`
	URL         string `json:"url" db:"url"`
	Category    string `json:"category" db:"category"`
	Price       *int   `json:"price" db:"price"`
	PriceText   string `json:"price_text" db:"price_text"`
	Description string `json:"description" db:"description"`
	Location    string `json:"location" db:"location"`
	Views       int    `json:"views" db:"views"`
	DateText    string `json:"date_text" db:"date_text"`
	IsTop       bool   `json:"is_top" db:"is_top"`
	ImageURL    string `json:"image_url" db:"image_url"`

	// Detail-page fields, populated by enrichment when available
	FullDescription string           `json:"full_description" db:"full_description"`
	ContactName     string           `json:"contact_name" db:"contact_name"`
	Phone           string           `json:"phone" db:"phone"`
	Lat             *float64         `json:"lat" db:"lat"`
	Lng             *float64         `json:"lng" db:"lng"`
	Images          []string         `json:"images" db:"images"`
	Related         []RelatedListing `json:"related" db:"related"`

	ScrapedAt time.Time `json:"scraped_at" db:"scraped_at"`
}

// RelatedListing is a reference to a similar ad shown on a detail page.
type RelatedListing struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}
