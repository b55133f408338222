// Package ingest drives the source adapters, deduplicates their candidates
// against the store and records one scraping log entry per run.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"jobhunter/worker/internal/scraper"
	"jobhunter/worker/internal/store"
	"jobhunter/worker/logger"
	pkgerrors "jobhunter/worker/pkg/errors"
	"jobhunter/worker/services/publisher"
)

// Engine ingests job candidates from one or more scrapers. Listing writes
// for a run are scoped to a single transaction; the scraping log row is
// written outside it so a failed run still leaves its log behind.
type Engine struct {
	store    *store.Store
	pub      publisher.Publisher // may be nil
	maxPages int
	log      *logger.Logger
}

// NewEngine creates an engine. pub may be nil to disable publishing.
func NewEngine(st *store.Store, pub publisher.Publisher, maxPages int) *Engine {
	return &Engine{
		store:    st,
		pub:      pub,
		maxPages: maxPages,
		log:      logger.ForEngine(),
	}
}

// Result summarizes one (source, keyword) run
type Result struct {
	Source  string
	Keyword string
	Found   int
	New     int
	Err     error
}

// Summary aggregates the results of a whole batch
type Summary struct {
	Results    []Result
	TotalFound int
	TotalNew   int
}

// Run drives one scraper to exhaustion for one keyword. Already-seen
// listings are skipped without update: the first scrape snapshot wins,
// including the keyword that found it. On failure the whole run's listings
// roll back and the log entry carries the error.
//
// The scrape is buffered before the store is touched: the write transaction
// is held only for the dedup+insert phase, never across network time, so
// concurrent runs against one database interleave instead of holding each
// other's writes at the lock for the length of a paginated scrape.
func (e *Engine) Run(ctx context.Context, s scraper.Scraper, keyword string) (Result, error) {
	res := Result{Source: s.SourceName(), Keyword: keyword}
	started := time.Now().UTC()

	var candidates []*store.Job
	var runErr error

	for job := range s.Search(ctx, keyword, e.maxPages) {
		res.Found++

		if ctx.Err() != nil {
			runErr = ctx.Err()
			break
		}

		// A candidate missing its required fields is skipped; the rest of
		// the run continues. A source mismatch means the adapter itself is
		// broken and fails the run.
		if job.Title == "" || job.URL == "" {
			e.log.Warn().Str("source", res.Source).Str("url", job.URL).
				Msg("Skipping candidate with missing required fields")
			continue
		}
		if job.Source != res.Source {
			runErr = pkgerrors.NewValidation(res.Source,
				"adapter yielded candidate for source "+job.Source)
			break
		}

		candidates = append(candidates, job)
	}

	var newJobs []*store.Job
	if runErr == nil {
		newJobs, runErr = e.ingest(ctx, keyword, candidates, &res)
	}

	if runErr != nil {
		res.New = 0 // nothing from this run persisted
		e.writeLog(ctx, &res, started, runErr)
		return res, runErr
	}

	e.writeLog(ctx, &res, started, nil)
	e.publish(newJobs)

	if err := e.store.RecordSearch(ctx, keyword); err != nil {
		e.log.Warn().Err(err).Str("keyword", keyword).Msg("Failed to refresh keyword stats")
	}

	e.log.Info().
		Str("source", res.Source).
		Str("keyword", keyword).
		Int("found", res.Found).
		Int("new", res.New).
		Msg("Run finished")

	return res, nil
}

// ingest dedups and inserts the buffered candidates inside one short
// transaction and returns the listings that were actually new.
func (e *Engine) ingest(ctx context.Context, keyword string, candidates []*store.Job, res *Result) ([]*store.Job, error) {
	tx, err := e.store.BeginRun(ctx)
	if err != nil {
		return nil, pkgerrors.NewPersistence(res.Source, "failed to begin run transaction", err)
	}

	var newJobs []*store.Job
	for _, job := range candidates {
		existing, lookupErr := e.lookup(ctx, tx, job)
		if lookupErr != nil {
			tx.Rollback()
			return nil, pkgerrors.NewPersistence(res.Source, "dedup lookup failed", lookupErr)
		}
		if existing != nil {
			e.log.Debug().Str("title", job.Title).Msg("Job already exists")
			continue
		}

		job.SearchKeyword = keyword
		if insertErr := tx.InsertJob(ctx, job); insertErr != nil {
			// A concurrent run inserted the same listing first; the unique
			// constraint is the backstop and this is not an error
			if errors.Is(insertErr, store.ErrDuplicate) {
				e.log.Debug().Str("url", job.URL).Msg("Job inserted by concurrent run")
				continue
			}
			tx.Rollback()
			return nil, pkgerrors.NewPersistence(res.Source, "failed to insert job", insertErr)
		}

		res.New++
		newJobs = append(newJobs, job)
		e.log.Info().
			Str("source", res.Source).
			Str("title", job.Title).
			Msg("New job")
	}

	if err := tx.Commit(); err != nil {
		return nil, pkgerrors.NewPersistence(res.Source, "failed to commit run", err)
	}
	return newJobs, nil
}

// lookup finds an already-stored listing by the candidate's dedup key:
// (source, source_id) when the source id is known, the URL otherwise.
func (e *Engine) lookup(ctx context.Context, tx *store.RunTx, job *store.Job) (*store.Job, error) {
	if job.SourceID != "" {
		existing, err := tx.FindBySourceID(ctx, job.Source, job.SourceID)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	existing, err := tx.FindByURL(ctx, job.URL)
	if err == nil {
		return existing, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return nil, err
}

// writeLog appends the run's log entry. The write deliberately survives
// context cancellation: a canceled run still gets its failure recorded.
func (e *Engine) writeLog(ctx context.Context, res *Result, started time.Time, runErr error) {
	finished := time.Now().UTC()
	entry := &store.ScrapingLog{
		Source:     res.Source,
		Keyword:    res.Keyword,
		StartedAt:  started,
		FinishedAt: &finished,
		JobsFound:  res.Found,
		JobsNew:    res.New,
		Success:    runErr == nil,
	}
	if runErr != nil {
		msg := runErr.Error()
		entry.ErrorMessage = &msg
	}

	if err := e.store.InsertLog(context.WithoutCancel(ctx), entry); err != nil {
		e.log.Error().Err(err).
			Str("source", res.Source).
			Str("keyword", res.Keyword).
			Msg("Failed to write scraping log")
	}
}

// publish pushes newly persisted listings to the stream, after commit so
// consumers never see listings that rolled back
func (e *Engine) publish(jobs []*store.Job) {
	if e.pub == nil {
		return
	}
	for _, job := range jobs {
		data, err := json.Marshal(job)
		if err != nil {
			e.log.Error().Err(err).Str("url", job.URL).Msg("Failed to marshal job")
			continue
		}
		if err := e.pub.Publish(job.Source, data); err != nil {
			e.log.Warn().Err(err).Str("url", job.URL).Msg("Failed to publish job")
		}
	}
}

// RunAll runs every (scraper, keyword) pair. Scrapers run concurrently,
// each with its own rate-limited client; keywords run sequentially within a
// scraper. A failing pair is reported in its Result and the batch continues.
func (e *Engine) RunAll(ctx context.Context, scrapers []scraper.Scraper, keywords []string) Summary {
	var mu sync.Mutex
	var summary Summary

	var wg sync.WaitGroup
	for _, s := range scrapers {
		wg.Add(1)
		go func(s scraper.Scraper) {
			defer wg.Done()
			for _, keyword := range keywords {
				res, err := e.Run(ctx, s, keyword)
				if err != nil {
					res.Err = err
					evt := e.log.Error()
					var serr *pkgerrors.ScrapeError
					if errors.As(err, &serr) && !serr.IsFatal() {
						evt = e.log.Warn()
					}
					evt.Err(err).
						Str("source", res.Source).
						Str("keyword", keyword).
						Msg("Run failed, continuing with remaining keywords")
				}

				mu.Lock()
				summary.Results = append(summary.Results, res)
				summary.TotalFound += res.Found
				summary.TotalNew += res.New
				mu.Unlock()
			}
		}(s)
	}
	wg.Wait()

	if e.pub != nil {
		if err := e.pub.TrimStreams(); err != nil {
			e.log.Warn().Err(err).Msg("Failed to trim streams")
		}
	}

	return summary
}
