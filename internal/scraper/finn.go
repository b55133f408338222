package scraper

import (
	"context"
	"iter"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"jobhunter/worker/config"
	"jobhunter/worker/helpers"
	"jobhunter/worker/internal/store"
	"jobhunter/worker/logger"
	"jobhunter/worker/services/cache"
)

// SourceFinn identifies the Finn.no job board
const SourceFinn = "finn"

// finnLocationCodes maps major Norwegian cities to Finn.no location codes.
// Unknown cities mean no location filter is sent.
var finnLocationCodes = map[string]string{
	"oslo":         "0.20001",
	"bergen":       "0.20003",
	"trondheim":    "0.20012",
	"stavanger":    "0.20011",
	"tromsø":       "0.20016",
	"kristiansand": "0.20009",
	"drammen":      "0.20002",
}

var (
	finnAdLinkClassRe   = regexp.MustCompile(`sf-search-ad-link|job-ad-link`)
	finnAdLinkHrefRe    = regexp.MustCompile(`/job/fulltime/ad\.html`)
	finnCardClassRe     = regexp.MustCompile(`ad-card|job-ad|result-item`)
	finnCompanyClassRe  = regexp.MustCompile(`text-gray|job-ad-company`)
	finnLocationClassRe = regexp.MustCompile(`location|place`)
	finnPaginationRe    = regexp.MustCompile(`pagination`)
	finnDescriptionRe   = regexp.MustCompile(`description|job-description`)
	finnkodeRe          = regexp.MustCompile(`finnkode=(\d+)`)
	finnDateFragmentRe  = regexp.MustCompile(`dag|time|uke`)
)

// companyDenylist holds lowercase fragments of UI chrome and date text that
// must never be stored as a company name.
var companyDenylist = []string{
	"dag", "time", "uke", "oslo", "bergen", "favoritt", "legg til",
	"lagre", "saved", "sist", "publisert", "stillinger",
}

var knownCities = []string{"Oslo", "Bergen", "Trondheim", "Stavanger", "Tromsø"}

// FinnScraper scrapes job listings from Finn.no search result markup.
// Finn has shipped several page layouts over time, so card discovery and
// field extraction fall back through progressively less specific selectors.
type FinnScraper struct {
	BaseScraper
	BaseURL   string
	SearchURL string
}

// NewFinnScraper creates a Finn.no scraper for the configured location
func NewFinnScraper(cfg *config.Config, client *helpers.Client, cacheSvc cache.CacheService) *FinnScraper {
	return &FinnScraper{
		BaseScraper: BaseScraper{
			Source:    SourceFinn,
			Location:  cfg.SearchLocation,
			Client:    client,
			CacheSvc:  cacheSvc,
			CacheKey:  "finn_rate_limited",
			BlockTime: 300 * time.Second,
			Log:       logger.ForScraper(SourceFinn),
		},
		BaseURL:   cfg.FinnBaseURL,
		SearchURL: cfg.FinnSearchURL,
	}
}

// SourceName returns the source identifier
func (f *FinnScraper) SourceName() string {
	return SourceFinn
}

// buildSearchURL builds the search URL for a keyword and page
func (f *FinnScraper) buildSearchURL(keyword string, page int) string {
	params := url.Values{}
	params.Set("q", keyword)
	params.Set("sort", "PUBLISHED_DESC")

	if code, ok := finnLocationCodes[strings.ToLower(f.Location)]; ok {
		params.Set("location", code)
	}
	if page > 1 {
		params.Set("page", strconv.Itoa(page))
	}

	return f.SearchURL + "?" + params.Encode()
}

// totalPages reads the page count from the pagination control: the maximum
// numeric link label, or 1 when there is none.
func (f *FinnScraper) totalPages(doc *goquery.Document) int {
	total := 1
	findByClass(doc.Selection, "nav", finnPaginationRe).Find("a").
		Each(func(_ int, link *goquery.Selection) {
			if n, err := strconv.Atoi(strings.TrimSpace(link.Text())); err == nil && n > total {
				total = n
			}
		})
	return total
}

// listingCards finds the listing card elements, trying selector strategies
// in order of specificity and accepting the first that yields a match.
func (f *FinnScraper) listingCards(doc *goquery.Document) *goquery.Selection {
	cards := findByClass(doc.Selection, "article", finnCardClassRe)
	if cards.Length() > 0 {
		return cards
	}
	cards = doc.Find("article")
	if cards.Length() > 0 {
		return cards
	}
	return doc.Find("[data-testid='ad-card']")
}

// Search walks paginated search results for the keyword
func (f *FinnScraper) Search(ctx context.Context, keyword string, maxPages int) iter.Seq[*store.Job] {
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}

	return func(yield func(*store.Job) bool) {
		f.Log.Info().
			Str("keyword", keyword).
			Str("location", f.Location).
			Msg("Searching Finn.no")

		page := 1
		totalPages := 1

		for page <= maxPages && page <= totalPages {
			searchURL := f.buildSearchURL(keyword, page)
			f.Log.Debug().Int("page", page).Str("url", searchURL).Msg("Fetching page")

			body, err := f.fetch(ctx, searchURL)
			if err != nil {
				f.Log.Warn().Err(err).Int("page", page).Msg("Fetch failed, stopping pagination")
				return
			}

			doc, err := f.document(body)
			if err != nil {
				f.Log.Warn().Err(err).Int("page", page).Msg("Unparseable page, stopping pagination")
				return
			}

			if page == 1 {
				totalPages = f.totalPages(doc)
				f.Log.Debug().Int("total_pages", totalPages).Msg("Pagination detected")
			}

			cards := f.listingCards(doc)
			if cards.Length() == 0 {
				f.Log.Debug().Int("page", page).Msg("No listings found on page")
				return
			}

			stopped := false
			cards.EachWithBreak(func(_ int, s *goquery.Selection) bool {
				job := f.parseListing(s)
				if job == nil {
					return true
				}
				if !yield(job) {
					stopped = true
					return false
				}
				return true
			})
			if stopped {
				return
			}

			page++
		}
	}
}

// parseListing maps one listing card to a job candidate. Returns nil when
// the card can't be parsed; the rest of the page is unaffected.
func (f *FinnScraper) parseListing(s *goquery.Selection) *store.Job {
	link := findByClass(s, "a", finnAdLinkClassRe).First()
	if link.Length() == 0 {
		link = s.Find("a").FilterFunction(func(_ int, sel *goquery.Selection) bool {
			href, _ := sel.Attr("href")
			return finnAdLinkHrefRe.MatchString(href)
		}).First()
	}
	if link.Length() == 0 {
		f.Log.Debug().Msg("Skipping card without a listing link")
		return nil
	}

	jobURL, _ := link.Attr("href")
	if jobURL == "" {
		return nil
	}
	if strings.HasPrefix(jobURL, "/") {
		jobURL = f.BaseURL + jobURL
	}

	var sourceID string
	if m := finnkodeRe.FindStringSubmatch(jobURL); m != nil {
		sourceID = m[1]
	}

	// Title falls back through heading elements to the link text
	title := strings.TrimSpace(s.Find("h2").First().Text())
	if title == "" {
		title = strings.TrimSpace(s.Find("h3").First().Text())
	}
	if title == "" {
		title = strings.TrimSpace(link.Text())
	}
	if title == "" {
		f.Log.Warn().Str("url", jobURL).Msg("Skipping card without a title")
		return nil
	}

	company := f.extractCompany(s)
	location := f.extractLocation(s)

	var postedDate *time.Time
	if d, ok := ParseRelativeDate(f.extractDateText(s), time.Now().UTC()); ok {
		postedDate = &d
	}

	return &store.Job{
		Title:      title,
		Company:    company,
		Location:   &location,
		Source:     SourceFinn,
		SourceID:   sourceID,
		URL:        jobURL,
		PostedDate: postedDate,
		ScrapedAt:  time.Now().UTC(),
	}
}

// extractCompany pulls the company name from a card. There is no reliable
// company element across layouts, so after the dedicated selector fails we
// scan sibling spans and reject anything matching the UI-chrome denylist.
func (f *FinnScraper) extractCompany(s *goquery.Selection) *string {
	var company string

	if sel := findByClass(s, "span", finnCompanyClassRe).First(); sel.Length() > 0 {
		company = strings.TrimSpace(sel.Text())
	} else {
		s.Find("span").EachWithBreak(func(_ int, span *goquery.Selection) bool {
			text := strings.TrimSpace(span.Text())
			if len(text) > 2 && !matchesDenylist(text) {
				company = text
				return false
			}
			return true
		})
	}

	// Final validation: never store chrome text as a company
	if company == "" || matchesDenylist(company) {
		return nil
	}
	return &company
}

func matchesDenylist(text string) bool {
	lower := strings.ToLower(text)
	for _, entry := range companyDenylist {
		if strings.Contains(lower, entry) {
			return true
		}
	}
	return false
}

// extractLocation finds the listing's location, defaulting to the search
// location when the card carries none.
func (f *FinnScraper) extractLocation(s *goquery.Selection) string {
	if sel := findByClass(s, "span", finnLocationClassRe).First(); sel.Length() > 0 {
		if text := strings.TrimSpace(sel.Text()); text != "" {
			return text
		}
	}
	cardText := s.Text()
	for _, city := range knownCities {
		if strings.Contains(cardText, city) {
			return city
		}
	}
	return f.Location
}

// extractDateText finds the posted-date fragment on a card
func (f *FinnScraper) extractDateText(s *goquery.Selection) string {
	if sel := s.Find("time").First(); sel.Length() > 0 {
		return strings.TrimSpace(sel.Text())
	}
	var text string
	s.Find("span").EachWithBreak(func(_ int, span *goquery.Selection) bool {
		t := strings.TrimSpace(span.Text())
		if finnDateFragmentRe.MatchString(strings.ToLower(t)) {
			text = t
			return false
		}
		return true
	})
	return text
}

// FetchDetails fetches the listing's own page and fills in the full
// description. Best-effort: any failure returns the job unchanged.
func (f *FinnScraper) FetchDetails(ctx context.Context, job *store.Job) *store.Job {
	if job.URL == "" {
		return job
	}

	body, err := f.fetch(ctx, job.URL)
	if err != nil {
		f.Log.Warn().Err(err).Str("url", job.URL).Msg("Detail fetch failed")
		return job
	}

	doc, err := f.document(body)
	if err != nil {
		return job
	}

	if sel := findByClass(doc.Selection, "div", finnDescriptionRe).First(); sel.Length() > 0 {
		desc := strings.TrimSpace(sel.Text())
		if desc != "" {
			job.Description = &desc
		}
	}

	return job
}
