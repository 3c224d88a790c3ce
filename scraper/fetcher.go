package scraper

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"bazos_harvest/httputil"
)

// Page is one fetched document.
type Page struct {
	Body   []byte
	Status int
}

// Fetcher is the transport boundary: everything network-related sits behind
// it so the pipeline can be driven with canned pages in tests.
type Fetcher interface {
	FetchPage(ctx context.Context, pageURL string) (*Page, error)
}

type HTTPFetcher struct {
	client *http.Client
}

func NewHTTPFetcher(clients *httputil.Clients) *HTTPFetcher {
	return &HTTPFetcher{client: clients.Scraping}
}

func (f *HTTPFetcher) FetchPage(ctx context.Context, pageURL string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httputil.BrowserHeaders(req)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("unexpected status %d for %s", resp.StatusCode, pageURL)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return &Page{Body: body, Status: resp.StatusCode}, nil
}

// Filters carries the optional search refinements applied to every listing
// page of a run.
type Filters struct {
	SearchQuery string
	Location    string
	PriceMin    int
	PriceMax    int
}

// SearchURL builds a listing-page URL for an offset. The source paginates by
// path segment: page one is the bare category root, later pages append the
// offset as /<offset>/.
func SearchURL(baseURL string, offset int, f Filters) string {
	u := baseURL + "/"
	if offset > 0 {
		u = fmt.Sprintf("%s/%d/", baseURL, offset)
	}

	params := url.Values{}
	if f.SearchQuery != "" {
		params.Set("hledat", f.SearchQuery)
	}
	if f.Location != "" {
		params.Set("hlokalita", f.Location)
	}
	if f.PriceMin > 0 {
		params.Set("cenaod", strconv.Itoa(f.PriceMin))
	}
	if f.PriceMax > 0 {
		params.Set("cenado", strconv.Itoa(f.PriceMax))
	}

	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}
