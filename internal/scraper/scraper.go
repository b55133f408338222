// Package scraper contains the job source adapters. Each adapter knows how
// to build search URLs for its source, walk paginated results and map raw
// listings into store.Job candidates. Dedup and persistence live in the
// ingest package.
package scraper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"regexp"
	"time"

	"github.com/PuerkitoBio/goquery"

	"jobhunter/worker/helpers"
	"jobhunter/worker/internal/store"
	"jobhunter/worker/logger"
	pkgerrors "jobhunter/worker/pkg/errors"
	"jobhunter/worker/services/cache"
)

// DefaultMaxPages is the pagination cap used when callers pass zero
const DefaultMaxPages = 5

// Scraper is the contract every job source adapter implements
type Scraper interface {
	// SourceName returns the short source identifier (e.g. "finn")
	SourceName() string

	// Search yields job candidates for the keyword, page by page. The
	// sequence is finite and restartable: every call starts from page one.
	// It ends on fetch failure, an empty page, maxPages, or when the source
	// reports no more results. maxPages <= 0 means DefaultMaxPages.
	Search(ctx context.Context, keyword string, maxPages int) iter.Seq[*store.Job]

	// FetchDetails enriches the job with its full description by fetching
	// the listing page. Best-effort: on any failure the input is returned
	// unchanged.
	FetchDetails(ctx context.Context, job *store.Job) *store.Job
}

// BaseScraper provides common functionality for all scrapers: the shared
// rate-limited HTTP client and the optional source back-off cache.
type BaseScraper struct {
	Source    string
	Location  string
	Client    *helpers.Client
	CacheSvc  cache.CacheService
	CacheKey  string
	BlockTime time.Duration
	Log       *logger.Logger
}

// fetch fetches a URL, honoring an active back-off block for this source.
// When the source answers 429 the block key is set so subsequent fetches
// short-circuit until it expires. Errors come back classified so callers
// and logs can tell network trouble from a rate-limit block.
func (b *BaseScraper) fetch(ctx context.Context, url string) ([]byte, error) {
	if b.CacheSvc != nil && b.CacheKey != "" {
		if _, err := b.CacheSvc.Get(b.CacheKey); err == nil {
			return nil, pkgerrors.NewRateLimit(b.Source, b.BlockTime)
		}
	}

	body, err := b.Client.Get(ctx, url)
	if err != nil {
		if errors.Is(err, helpers.ErrTooManyRequests) {
			if b.CacheSvc != nil && b.CacheKey != "" {
				b.CacheSvc.Set(b.CacheKey,
					[]byte(fmt.Sprintf("%d", b.BlockTime/time.Second)), b.BlockTime)
			}
			return nil, pkgerrors.NewRateLimit(b.Source, b.BlockTime)
		}
		return nil, pkgerrors.NewNetwork(b.Source, "fetch failed", err)
	}

	return body, nil
}

// document parses an HTML body into a goquery document
func (b *BaseScraper) document(body []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, pkgerrors.NewParsing(b.Source, "HTML parse error", err)
	}
	return doc, nil
}

// findByClass returns the children matching tag whose class attribute
// matches re. goquery has no regex selectors, so class patterns that span
// historical page layouts are matched by hand.
func findByClass(s *goquery.Selection, tag string, re *regexp.Regexp) *goquery.Selection {
	return s.Find(tag).FilterFunction(func(_ int, sel *goquery.Selection) bool {
		class, _ := sel.Attr("class")
		return re.MatchString(class)
	})
}
