package ingest

import (
	"context"
	"encoding/json"
	"iter"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobhunter/worker/internal/scraper"
	"jobhunter/worker/internal/store"
)

// fakeScraper yields a fixed set of candidates. Each Search call yields
// fresh copies so reruns behave like a real restartable search. onYield,
// when set, runs before each candidate and stands in for network latency
// or side activity during a scrape.
type fakeScraper struct {
	name    string
	jobs    []store.Job
	onYield func(i int)
}

func (f *fakeScraper) SourceName() string { return f.name }

func (f *fakeScraper) Search(ctx context.Context, keyword string, maxPages int) iter.Seq[*store.Job] {
	return func(yield func(*store.Job) bool) {
		for i := range f.jobs {
			if f.onYield != nil {
				f.onYield(i)
			}
			j := f.jobs[i]
			if !yield(&j) {
				return
			}
		}
	}
}

func (f *fakeScraper) FetchDetails(ctx context.Context, job *store.Job) *store.Job {
	return job
}

// capturePublisher records published messages in memory
type capturePublisher struct {
	mu       sync.Mutex
	messages map[string][][]byte
	trimmed  bool
}

func newCapturePublisher() *capturePublisher {
	return &capturePublisher{messages: make(map[string][][]byte)}
}

func (p *capturePublisher) Publish(source string, message []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages[source] = append(p.messages[source], message)
	return nil
}

func (p *capturePublisher) TrimStreams() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trimmed = true
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func makeJob(source, sourceID, url, title string) store.Job {
	return store.Job{
		Title:     title,
		Source:    source,
		SourceID:  sourceID,
		URL:       url,
		ScrapedAt: time.Now().UTC(),
	}
}

func TestRunPersistsAndDedups(t *testing.T) {
	st := newTestStore(t)
	s := &fakeScraper{name: "finn", jobs: []store.Job{
		makeJob("finn", "111", "https://finn.no/111", "Go-utvikler"),
		makeJob("finn", "222", "https://finn.no/222", "Dataingeniør"),
		makeJob("finn", "333", "https://finn.no/333", "Plattformutvikler"),
	}}
	e := NewEngine(st, nil, 5)
	ctx := context.Background()

	res, err := e.Run(ctx, s, "golang")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Found)
	assert.Equal(t, 3, res.New)

	// The same candidates on a rerun are all recognized as existing
	res, err = e.Run(ctx, s, "golang")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Found)
	assert.Equal(t, 0, res.New)

	job, err := st.FindJobBySourceID(ctx, "finn", "111")
	require.NoError(t, err)
	assert.Equal(t, "Go-utvikler", job.Title)
	assert.Equal(t, "golang", job.SearchKeyword)

	logs, err := st.Logs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	for _, l := range logs {
		assert.True(t, l.Success)
		assert.Equal(t, 3, l.JobsFound)
		assert.NotNil(t, l.FinishedAt)
	}

	keywords, err := st.Keywords(ctx, false)
	require.NoError(t, err)
	require.Len(t, keywords, 1)
	assert.Equal(t, "golang", keywords[0].Keyword)
	assert.Equal(t, 3, keywords[0].JobsFound)
	assert.NotNil(t, keywords[0].LastSearched)
}

func TestRunDedupsByURLWithoutSourceID(t *testing.T) {
	st := newTestStore(t)
	s := &fakeScraper{name: "arbeidsplassen", jobs: []store.Job{
		makeJob("arbeidsplassen", "", "https://nav.no/stilling/a", "Utvikler A"),
		makeJob("arbeidsplassen", "", "https://nav.no/stilling/b", "Utvikler B"),
	}}
	e := NewEngine(st, nil, 5)
	ctx := context.Background()

	res, err := e.Run(ctx, s, "utvikler")
	require.NoError(t, err)
	assert.Equal(t, 2, res.New)

	res, err = e.Run(ctx, s, "utvikler")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Found)
	assert.Equal(t, 0, res.New)
}

func TestRunFirstKeywordWins(t *testing.T) {
	st := newTestStore(t)
	jobs := []store.Job{makeJob("finn", "111", "https://finn.no/111", "Go-utvikler")}
	e := NewEngine(st, nil, 5)
	ctx := context.Background()

	_, err := e.Run(ctx, &fakeScraper{name: "finn", jobs: jobs}, "golang")
	require.NoError(t, err)
	_, err = e.Run(ctx, &fakeScraper{name: "finn", jobs: jobs}, "backend")
	require.NoError(t, err)

	// The listing keeps the keyword of the run that first found it
	job, err := st.FindJobBySourceID(ctx, "finn", "111")
	require.NoError(t, err)
	assert.Equal(t, "golang", job.SearchKeyword)
}

func TestRunSkipsCandidatesMissingRequiredFields(t *testing.T) {
	st := newTestStore(t)
	s := &fakeScraper{name: "finn", jobs: []store.Job{
		makeJob("finn", "111", "https://finn.no/111", "Go-utvikler"),
		makeJob("finn", "222", "https://finn.no/222", ""),
		makeJob("finn", "333", "", "Uten lenke"),
	}}
	e := NewEngine(st, nil, 5)

	res, err := e.Run(context.Background(), s, "golang")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Found)
	assert.Equal(t, 1, res.New)
}

func TestRunDuplicateWithinRunIsNotAnError(t *testing.T) {
	st := newTestStore(t)
	// The same listing surfaces twice in one search, e.g. promoted and organic
	s := &fakeScraper{name: "finn", jobs: []store.Job{
		makeJob("finn", "111", "https://finn.no/111", "Go-utvikler"),
		makeJob("finn", "111", "https://finn.no/111", "Go-utvikler"),
	}}
	e := NewEngine(st, nil, 5)

	res, err := e.Run(context.Background(), s, "golang")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Found)
	assert.Equal(t, 1, res.New)
}

func TestRunCanceledContextRollsBack(t *testing.T) {
	st := newTestStore(t)
	s := &fakeScraper{name: "finn", jobs: []store.Job{
		makeJob("finn", "111", "https://finn.no/111", "Go-utvikler"),
	}}
	e := NewEngine(st, nil, 5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Run(ctx, s, "golang")
	require.Error(t, err)

	// Nothing from the run persisted
	_, err = st.FindJobBySourceID(context.Background(), "finn", "111")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// The failure still left its log entry
	logs, lerr := st.Logs(context.Background(), 10)
	require.NoError(t, lerr)
	require.Len(t, logs, 1)
	assert.False(t, logs[0].Success)
	require.NotNil(t, logs[0].ErrorMessage)
	assert.Equal(t, 0, logs[0].JobsNew)
}

func TestRunSourceMismatchFailsRun(t *testing.T) {
	st := newTestStore(t)
	s := &fakeScraper{name: "finn", jobs: []store.Job{
		makeJob("finn", "111", "https://finn.no/111", "Go-utvikler"),
		makeJob("arbeidsplassen", "bbb", "https://nav.no/bbb", "Feil kilde"),
	}}
	e := NewEngine(st, nil, 5)

	_, err := e.Run(context.Background(), s, "golang")
	require.Error(t, err)

	// The run rolled back, including the listing yielded before the bad one
	_, err = st.FindJobBySourceID(context.Background(), "finn", "111")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunPublishesOnlyNewJobs(t *testing.T) {
	st := newTestStore(t)
	pub := newCapturePublisher()
	s := &fakeScraper{name: "finn", jobs: []store.Job{
		makeJob("finn", "111", "https://finn.no/111", "Go-utvikler"),
		makeJob("finn", "222", "https://finn.no/222", "Dataingeniør"),
	}}
	e := NewEngine(st, pub, 5)
	ctx := context.Background()

	_, err := e.Run(ctx, s, "golang")
	require.NoError(t, err)
	require.Len(t, pub.messages["finn"], 2)

	var published store.Job
	require.NoError(t, json.Unmarshal(pub.messages["finn"][0], &published))
	assert.Equal(t, "Go-utvikler", published.Title)

	// A rerun finds nothing new and publishes nothing
	_, err = e.Run(ctx, s, "golang")
	require.NoError(t, err)
	assert.Len(t, pub.messages["finn"], 2)
}

func TestRunAll(t *testing.T) {
	st := newTestStore(t)
	pub := newCapturePublisher()
	scrapers := []scraper.Scraper{
		&fakeScraper{name: "finn", jobs: []store.Job{
			makeJob("finn", "111", "https://finn.no/111", "Go-utvikler"),
		}},
		&fakeScraper{name: "arbeidsplassen", jobs: []store.Job{
			makeJob("arbeidsplassen", "aaa", "https://nav.no/aaa", "Utvikler"),
			makeJob("arbeidsplassen", "bbb", "https://nav.no/bbb", "Dataingeniør"),
		}},
	}
	e := NewEngine(st, pub, 5)

	summary := e.RunAll(context.Background(), scrapers, []string{"golang", "python"})

	require.Len(t, summary.Results, 4)
	assert.Equal(t, 6, summary.TotalFound)
	// Each listing is new exactly once across the whole batch
	assert.Equal(t, 3, summary.TotalNew)
	assert.True(t, pub.trimmed)

	logs, err := st.Logs(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, logs, 4)
}

func TestRunHoldsNoLockDuringScrape(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	defer st.Close()

	// A log write from another component lands mid-scrape. It must not
	// stall behind the run: the run's write transaction only covers the
	// dedup+insert phase after the scrape is done.
	s := &fakeScraper{name: "finn", jobs: []store.Job{
		makeJob("finn", "111", "https://finn.no/111", "Go-utvikler"),
		makeJob("finn", "222", "https://finn.no/222", "Dataingeniør"),
	}}
	s.onYield = func(i int) {
		if i != 1 {
			return
		}
		start := time.Now()
		err := st.InsertLog(context.Background(), &store.ScrapingLog{
			Source:    "arbeidsplassen",
			Keyword:   "golang",
			StartedAt: time.Now().UTC(),
			Success:   true,
		})
		require.NoError(t, err)
		assert.Less(t, time.Since(start), time.Second)
	}

	e := NewEngine(st, nil, 5)
	res, err := e.Run(context.Background(), s, "golang")
	require.NoError(t, err)
	assert.Equal(t, 2, res.New)

	logs, err := st.Logs(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, logs, 2)
}

func TestRunAllConcurrentOnFileStore(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	defer st.Close()

	// Slow scrapers overlap in time; their store writes must interleave,
	// with every run committing and leaving its log row.
	slow := func(int) { time.Sleep(50 * time.Millisecond) }
	scrapers := []scraper.Scraper{
		&fakeScraper{name: "finn", onYield: slow, jobs: []store.Job{
			makeJob("finn", "111", "https://finn.no/111", "Go-utvikler"),
			makeJob("finn", "222", "https://finn.no/222", "Dataingeniør"),
			makeJob("finn", "333", "https://finn.no/333", "Plattformutvikler"),
		}},
		&fakeScraper{name: "arbeidsplassen", onYield: slow, jobs: []store.Job{
			makeJob("arbeidsplassen", "aaa", "https://nav.no/aaa", "Utvikler"),
			makeJob("arbeidsplassen", "bbb", "https://nav.no/bbb", "Systemutvikler"),
		}},
	}

	e := NewEngine(st, nil, 5)
	summary := e.RunAll(context.Background(), scrapers, []string{"golang"})

	require.Len(t, summary.Results, 2)
	for _, res := range summary.Results {
		require.NoError(t, res.Err)
	}
	assert.Equal(t, 5, summary.TotalNew)

	logs, err := st.Logs(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	for _, l := range logs {
		assert.True(t, l.Success)
	}
}

func TestRunAllContinuesPastFailures(t *testing.T) {
	st := newTestStore(t)
	scrapers := []scraper.Scraper{
		&fakeScraper{name: "finn", jobs: []store.Job{
			makeJob("finn", "111", "https://finn.no/111", "Go-utvikler"),
			// Mismatched source fails every finn run
			makeJob("arbeidsplassen", "zzz", "https://nav.no/zzz", "Feil kilde"),
		}},
		&fakeScraper{name: "arbeidsplassen", jobs: []store.Job{
			makeJob("arbeidsplassen", "aaa", "https://nav.no/aaa", "Utvikler"),
		}},
	}
	e := NewEngine(st, nil, 5)

	summary := e.RunAll(context.Background(), scrapers, []string{"golang"})

	require.Len(t, summary.Results, 2)

	var failed, succeeded int
	for _, res := range summary.Results {
		if res.Err != nil {
			failed++
			assert.Equal(t, "finn", res.Source)
		} else {
			succeeded++
			assert.Equal(t, "arbeidsplassen", res.Source)
		}
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, succeeded)

	// The healthy scraper's listing persisted despite the other's failure
	job, err := st.FindJobBySourceID(context.Background(), "arbeidsplassen", "aaa")
	require.NoError(t, err)
	assert.Equal(t, "Utvikler", job.Title)
	assert.Equal(t, 1, summary.TotalNew)
}
