package scraper

import (
	"context"
	"encoding/json"
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

// SourceArbeidsplassen identifies NAV's job portal
const SourceArbeidsplassen = "arbeidsplassen"

// arbeidsplassenPageSize is the API page size
const arbeidsplassenPageSize = 25

// countyCodes maps major Norwegian cities to county codes. Unknown cities
// mean no location filter is sent.
var countyCodes = map[string]string{
	"oslo":         "03",
	"bergen":       "46", // Vestland
	"trondheim":    "50", // Trøndelag
	"stavanger":    "11", // Rogaland
	"tromsø":       "54", // Troms og Finnmark
	"kristiansand": "42", // Agder
}

var (
	stillingHrefRe     = regexp.MustCompile(`/stillinger/stilling/`)
	navCardClassRe     = regexp.MustCompile(`job-card|result-item|stilling`)
	navEmployerClassRe = regexp.MustCompile(`employer|company`)
	navLocationClassRe = regexp.MustCompile(`location|place|workplace`)
	navDescriptionRe   = regexp.MustCompile(`description|job-description|stillingsbeskrivelse`)
)

// searchEnvelope mirrors the API search response. Items are kept raw so one
// malformed item can be skipped without dropping the page.
type searchEnvelope struct {
	Content       []json.RawMessage `json:"content"`
	TotalElements int               `json:"totalElements"`
}

// searchItem mirrors a single listing in the API response
type searchItem struct {
	UUID     string `json:"uuid"`
	Title    string `json:"title"`
	Employer struct {
		Name string `json:"name"`
	} `json:"employer"`
	Workplace struct {
		City      string `json:"city"`
		Municipal string `json:"municipal"`
	} `json:"workplace"`
	Published string `json:"published"`
	Expires   string `json:"expires"`
}

// ArbeidsplassenScraper scrapes NAV's job portal. The structured search
// endpoint is the primary path; when the response isn't recognizable JSON it
// falls back to parsing the page markup.
type ArbeidsplassenScraper struct {
	BaseScraper
	BaseURL string
	APIURL  string
}

// NewArbeidsplassenScraper creates an Arbeidsplassen scraper for the
// configured location
func NewArbeidsplassenScraper(cfg *config.Config, client *helpers.Client, cacheSvc cache.CacheService) *ArbeidsplassenScraper {
	return &ArbeidsplassenScraper{
		BaseScraper: BaseScraper{
			Source:    SourceArbeidsplassen,
			Location:  cfg.SearchLocation,
			Client:    client,
			CacheSvc:  cacheSvc,
			CacheKey:  "arbeidsplassen_rate_limited",
			BlockTime: 300 * time.Second,
			Log:       logger.ForScraper(SourceArbeidsplassen),
		},
		BaseURL: cfg.ArbeidsplassenURL,
		APIURL:  cfg.ArbeidsplassenAPIURL,
	}
}

// SourceName returns the source identifier
func (a *ArbeidsplassenScraper) SourceName() string {
	return SourceArbeidsplassen
}

// buildSearchURL builds the API search URL for a keyword and zero-based page
func (a *ArbeidsplassenScraper) buildSearchURL(keyword string, page int) string {
	params := url.Values{}
	params.Set("q", keyword)
	params.Set("from", strconv.Itoa(page*arbeidsplassenPageSize))
	params.Set("size", strconv.Itoa(arbeidsplassenPageSize))

	if code, ok := countyCodes[strings.ToLower(a.Location)]; ok {
		params.Set("counties", code)
	}

	return a.APIURL + "?" + params.Encode()
}

// Search walks paginated search results for the keyword
func (a *ArbeidsplassenScraper) Search(ctx context.Context, keyword string, maxPages int) iter.Seq[*store.Job] {
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}

	return func(yield func(*store.Job) bool) {
		a.Log.Info().
			Str("keyword", keyword).
			Str("location", a.Location).
			Msg("Searching Arbeidsplassen.no")

		for page := 0; page < maxPages; page++ {
			searchURL := a.buildSearchURL(keyword, page)
			a.Log.Debug().Int("page", page+1).Str("url", searchURL).Msg("Fetching page")

			body, err := a.fetch(ctx, searchURL)
			if err != nil {
				a.Log.Warn().Err(err).Int("page", page+1).Msg("Fetch failed, stopping pagination")
				return
			}

			var envelope searchEnvelope
			if jsonErr := json.Unmarshal(body, &envelope); jsonErr == nil && envelope.Content != nil {
				if len(envelope.Content) == 0 {
					a.Log.Debug().Msg("No more results")
					return
				}

				for _, raw := range envelope.Content {
					job := a.parseItem(raw)
					if job == nil {
						continue
					}
					if !yield(job) {
						return
					}
				}

				// Stop once the source reports no further results
				if (page+1)*arbeidsplassenPageSize >= envelope.TotalElements {
					return
				}
				continue
			}

			// Fallback: the endpoint served markup instead of JSON
			if !a.searchHTML(body, yield) {
				return
			}
		}
	}
}

// parseItem maps one API item to a job candidate. Returns nil when the item
// can't be mapped; the rest of the page is unaffected.
func (a *ArbeidsplassenScraper) parseItem(raw json.RawMessage) *store.Job {
	var item searchItem
	if err := json.Unmarshal(raw, &item); err != nil {
		a.Log.Warn().Err(err).Msg("Failed to parse job listing")
		return nil
	}

	if item.UUID == "" || item.Title == "" {
		a.Log.Warn().Str("uuid", item.UUID).Msg("Skipping item without uuid or title")
		return nil
	}

	var company *string
	if item.Employer.Name != "" {
		name := item.Employer.Name
		company = &name
	}

	location := item.Workplace.City
	if location == "" {
		location = item.Workplace.Municipal
	}
	if location == "" {
		location = a.Location
	}

	return &store.Job{
		Title:      item.Title,
		Company:    company,
		Location:   &location,
		Source:     SourceArbeidsplassen,
		SourceID:   item.UUID,
		URL:        a.BaseURL + "/stillinger/stilling/" + item.UUID,
		PostedDate: parseISOTime(item.Published),
		Deadline:   parseISOTime(item.Expires),
		ScrapedAt:  time.Now().UTC(),
	}
}

// searchHTML parses a markup page of results. Returns false when pagination
// should stop, either because the page had no listings or because the
// consumer stopped taking candidates.
func (a *ArbeidsplassenScraper) searchHTML(body []byte, yield func(*store.Job) bool) bool {
	doc, err := a.document(body)
	if err != nil {
		a.Log.Warn().Err(err).Msg("Unparseable page, stopping pagination")
		return false
	}

	articles := doc.Find("article")
	if articles.Length() == 0 {
		articles = findByClass(doc.Selection, "div, section, li", navCardClassRe)
	}
	if articles.Length() == 0 {
		a.Log.Debug().Msg("No job listings found on page")
		return false
	}

	proceed := true
	articles.EachWithBreak(func(_ int, s *goquery.Selection) bool {
		job := a.parseHTMLListing(s)
		if job == nil {
			return true
		}
		if !yield(job) {
			proceed = false
			return false
		}
		return true
	})
	return proceed
}

// parseHTMLListing maps one markup listing card to a job candidate
func (a *ArbeidsplassenScraper) parseHTMLListing(s *goquery.Selection) *store.Job {
	link := s.Find("a").FilterFunction(func(_ int, sel *goquery.Selection) bool {
		href, _ := sel.Attr("href")
		return stillingHrefRe.MatchString(href)
	}).First()
	if link.Length() == 0 {
		return nil
	}

	jobURL, _ := link.Attr("href")
	if jobURL == "" {
		return nil
	}
	if strings.HasPrefix(jobURL, "/") {
		jobURL = a.BaseURL + jobURL
	}

	sourceID, err := helpers.GetSplitPart(jobURL, "/stilling/", 1)
	if err != nil {
		sourceID = ""
	}

	title := strings.TrimSpace(s.Find("h2").First().Text())
	if title == "" {
		title = strings.TrimSpace(s.Find("h3").First().Text())
	}
	if title == "" {
		title = strings.TrimSpace(link.Text())
	}
	if title == "" {
		return nil
	}

	var company *string
	if sel := findByClass(s, "*", navEmployerClassRe).First(); sel.Length() > 0 {
		if text := strings.TrimSpace(sel.Text()); text != "" {
			company = &text
		}
	}

	location := a.Location
	if sel := findByClass(s, "*", navLocationClassRe).First(); sel.Length() > 0 {
		if text := strings.TrimSpace(sel.Text()); text != "" {
			location = text
		}
	}

	return &store.Job{
		Title:     title,
		Company:   company,
		Location:  &location,
		Source:    SourceArbeidsplassen,
		SourceID:  sourceID,
		URL:       jobURL,
		ScrapedAt: time.Now().UTC(),
	}
}

// FetchDetails fetches the listing's own page and fills in the full
// description. Best-effort: any failure returns the job unchanged.
func (a *ArbeidsplassenScraper) FetchDetails(ctx context.Context, job *store.Job) *store.Job {
	if job.URL == "" {
		return job
	}

	body, err := a.fetch(ctx, job.URL)
	if err != nil {
		a.Log.Warn().Err(err).Str("url", job.URL).Msg("Detail fetch failed")
		return job
	}

	doc, err := a.document(body)
	if err != nil {
		return job
	}

	if sel := findByClass(doc.Selection, "div", navDescriptionRe).First(); sel.Length() > 0 {
		desc := strings.TrimSpace(sel.Text())
		if desc != "" {
			job.Description = &desc
		}
	}

	return job
}
