// Package pagination decides which page offsets to fetch for a category and
// when to stop. The source exposes three independent end-of-category signals
// (a next link, page fullness, and a declared total); any one of them ends
// the category.
package pagination

// PageHints carries the pagination signals extracted from one fetched page.
type PageHints struct {
	HasNextLink   bool
	DeclaredTotal int // "showing X-Y of Z" total; -1 when the page had none
}

// State tracks pagination progress for a single category. It is ephemeral:
// created when the category starts, discarded when it completes.
type State struct {
	Offset        int
	PageSize      int
	Extracted     int
	DeclaredTotal int // -1 until a page declares one
	EmptyStreak   int
	MaxListings   int // 0 = unbounded

	done       bool
	stopReason string
}

// NewState starts a category at offset zero.
func NewState(pageSize, maxListings int) *State {
	if pageSize <= 0 {
		pageSize = 20
	}
	return &State{
		PageSize:      pageSize,
		DeclaredTotal: -1,
		MaxListings:   maxListings,
	}
}

// NextOffset returns the offset of the next page to fetch, or done=true once
// a stop signal has fired. Offsets are always non-negative multiples of
// PageSize and never repeat within a category.
func (s *State) NextOffset() (offset int, done bool) {
	if s.done {
		return 0, true
	}
	return s.Offset, false
}

// StopReason names the signal that ended the category, for logging.
func (s *State) StopReason() string {
	return s.stopReason
}

// stopCheck is one end-of-category predicate over the just-recorded page.
// Checks run in order and combine with OR semantics; declared-total is
// evaluated first, a deliberate policy choice for sources whose declared
// total contradicts the full-page signal.
type stopCheck struct {
	name string
	fn   func(s *State, items int, hints PageHints) bool
}

var stopChecks = []stopCheck{
	{"declared-total", func(s *State, items int, hints PageHints) bool {
		return s.DeclaredTotal >= 0 && s.Extracted >= s.DeclaredTotal
	}},
	{"no-next-link", func(s *State, items int, hints PageHints) bool {
		return !hints.HasNextLink
	}},
	// A short-but-nonempty page is the category's last page. Zero-item
	// pages are handled by the empty-streak guard instead, so a single
	// malformed page does not end a category that still advertises more.
	{"partial-page", func(s *State, items int, hints PageHints) bool {
		return items > 0 && items < s.PageSize
	}},
	{"max-listings", func(s *State, items int, hints PageHints) bool {
		return s.MaxListings > 0 && s.Extracted >= s.MaxListings
	}},
	{"empty-streak", func(s *State, items int, hints PageHints) bool {
		return s.EmptyStreak >= 2
	}},
}

// RecordPage folds one fetched page into the state: counts its items,
// adopts any declared total, and evaluates the stop checks. When no check
// fires the offset advances by exactly one page.
func (s *State) RecordPage(items int, hints PageHints) {
	if s.done {
		return
	}

	s.Extracted += items
	if items == 0 {
		s.EmptyStreak++
	} else {
		s.EmptyStreak = 0
	}
	if hints.DeclaredTotal >= 0 {
		s.DeclaredTotal = hints.DeclaredTotal
	}

	for _, check := range stopChecks {
		if check.fn(s, items, hints) {
			s.done = true
			s.stopReason = check.name
			return
		}
	}

	s.Offset += s.PageSize
}
