package scraper

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"bazos_harvest/models"
	"bazos_harvest/pagination"
)

// ExtractResult is everything one listing page yields: the raw records in
// source order plus the pagination signals the controller feeds on.
type ExtractResult struct {
	Listings []models.Listing
	Hints    pagination.PageHints
}

// Extractor turns fetched page bodies into records and hints. The pipeline
// only depends on this interface.
type Extractor interface {
	ExtractList(body []byte, category, baseURL string) (*ExtractResult, error)
	ExtractDetail(body []byte, listing *models.Listing) error
}

var (
	listingIDRe     = regexp.MustCompile(`/inzerat/(\d+)/`)
	priceRe         = regexp.MustCompile(`\d[\d\s\x{00a0}]*`)
	viewsRe         = regexp.MustCompile(`(\d+)`)
	dateRe          = regexp.MustCompile(`\[([^\]]+)\]`)
	declaredTotalRe = regexp.MustCompile(`Zobrazeno \d+-\d+ inzer[áa]t[ůu] z (\d+)`)
	coordsRe        = regexp.MustCompile(`place/([0-9.-]+),([0-9.-]+)`)
	nextLinkRe      = regexp.MustCompile(`Další|Next`)
)

// PageExtractor parses the classified-ads markup: listing rows on category
// pages and the full detail layout on ad pages.
type PageExtractor struct{}

func NewPageExtractor() *PageExtractor {
	return &PageExtractor{}
}

func (e *PageExtractor) ExtractList(body []byte, category, baseURL string) (*ExtractResult, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	result := &ExtractResult{
		Hints: pagination.PageHints{DeclaredTotal: -1},
	}

	seen := make(map[string]bool)
	doc.Find("div.inzeraty.inzeratyflex").Each(func(i int, s *goquery.Selection) {
		listing, ok := e.extractRow(s, category, baseURL)
		if !ok || seen[listing.SourceID] {
			return
		}
		seen[listing.SourceID] = true
		result.Listings = append(result.Listings, listing)
	})

	// "Další" link in the pagination strip
	doc.Find("div.strankovani a").EachWithBreak(func(i int, s *goquery.Selection) bool {
		if nextLinkRe.MatchString(strings.TrimSpace(s.Text())) {
			result.Hints.HasNextLink = true
			return false
		}
		return true
	})

	// "Zobrazeno X-Y inzerátů z Z"
	if text := doc.Find("div.listainzerat.inzeratyflex").Text(); text != "" {
		if m := declaredTotalRe.FindStringSubmatch(text); m != nil {
			if total, err := strconv.Atoi(m[1]); err == nil {
				result.Hints.DeclaredTotal = total
			}
		}
	}

	return result, nil
}

func (e *PageExtractor) extractRow(s *goquery.Selection, category, baseURL string) (models.Listing, bool) {
	var l models.Listing

	titleLink := s.Find("h2.nadpis a").First()
	if titleLink.Length() == 0 {
		return l, false
	}

	l.Title = strings.TrimSpace(titleLink.Text())
	href, _ := titleLink.Attr("href")
	l.URL = resolveURL(baseURL, href)
	l.Category = category
	l.ScrapedAt = time.Now()

	if m := listingIDRe.FindStringSubmatch(l.URL); m != nil {
		l.SourceID = m[1]
	}
	if l.SourceID == "" {
		return l, false
	}

	if img := s.Find("div.inzeratynadpis img.obrazek").First(); img.Length() > 0 {
		if src, ok := img.Attr("src"); ok {
			l.ImageURL = resolveURL(baseURL, src)
		}
	}

	l.Description = strings.TrimSpace(s.Find("div.popis").Text())
	l.PriceText = strings.TrimSpace(s.Find("div.inzeratycena").Text())
	l.Price = parsePrice(l.PriceText)
	l.Location = strings.TrimSpace(s.Find("div.inzeratylok").Text())
	l.Views = parseViews(s.Find("div.inzeratyview").Text())

	dateInfo := strings.TrimSpace(s.Find("span.velikost10").Text())
	l.IsTop = strings.Contains(dateInfo, "TOP")
	if m := dateRe.FindStringSubmatch(dateInfo); m != nil {
		l.DateText = m[1]
	}

	return l, true
}

// ExtractDetail enriches a listing with its detail page: full description,
// contact info, coordinates, the image carousel and related ads. Missing
// sections are simply skipped; the listing keeps what it already has.
func (e *PageExtractor) ExtractDetail(body []byte, listing *models.Listing) error {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("parse html: %w", err)
	}

	if desc := strings.TrimSpace(doc.Find("div.popisdetail").Text()); desc != "" {
		listing.FullDescription = desc
	}

	doc.Find("table td").Each(func(i int, s *goquery.Selection) {
		label := strings.TrimSpace(s.Text())
		switch {
		case strings.HasPrefix(label, "Jméno:"):
			if next := s.Next(); next.Length() > 0 {
				listing.ContactName = strings.TrimSpace(next.Text())
			}
		case strings.HasPrefix(label, "Telefon:"):
			if next := s.Next(); next.Length() > 0 {
				phone := strings.TrimSpace(next.Text())
				if !strings.Contains(phone, "zobraz číslo") {
					listing.Phone = phone
				}
			}
		}
	})

	doc.Find(`a[href*="google.com/maps"]`).EachWithBreak(func(i int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		if m := coordsRe.FindStringSubmatch(href); m != nil {
			if lat, err := strconv.ParseFloat(m[1], 64); err == nil {
				if lng, err := strconv.ParseFloat(m[2], 64); err == nil {
					listing.Lat = &lat
					listing.Lng = &lng
					return false
				}
			}
		}
		return true
	})

	doc.Find("div.carousel img.carousel-cell-image").Each(func(i int, s *goquery.Selection) {
		src, ok := s.Attr("data-flickity-lazyload")
		if !ok || src == "" {
			src, _ = s.Attr("src")
		}
		if src != "" {
			listing.Images = append(listing.Images, src)
		}
	})

	doc.Find("div.podobne div.inzeraty.inzeratyflex").Each(func(i int, s *goquery.Selection) {
		link := s.Find("a").First()
		if link.Length() == 0 {
			return
		}
		href, _ := link.Attr("href")
		listing.Related = append(listing.Related, models.RelatedListing{
			Title: strings.TrimSpace(link.Text()),
			URL:   href,
		})
	})

	return nil
}

func resolveURL(baseURL, ref string) string {
	if ref == "" {
		return ""
	}
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return ref
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(refURL).String()
}

func parsePrice(priceText string) *int {
	m := priceRe.FindString(priceText)
	if m == "" {
		return nil
	}
	digits := strings.ReplaceAll(m, " ", "")
	digits = strings.ReplaceAll(digits, " ", "")
	price, err := strconv.Atoi(digits)
	if err != nil {
		return nil
	}
	return &price
}

func parseViews(viewsText string) int {
	m := viewsRe.FindStringSubmatch(viewsText)
	if m == nil {
		return 0
	}
	views, _ := strconv.Atoi(m[1])
	return views
}
