package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"jobhunter/worker/logger"
)

// Custom errors for store operations
var (
	// ErrNotFound is returned when a lookup matches no row
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when an insert violates a uniqueness
	// constraint; callers treat it as "already exists"
	ErrDuplicate = errors.New("already exists")
	// ErrInvalidTransition is returned for a disallowed status change
	ErrInvalidTransition = errors.New("invalid application status transition")
)

// Store manages job hunter persistence using SQLite.
type Store struct {
	db  *sql.DB
	log *logger.Logger
}

// Open opens (or creates) the database at the given path. WAL keeps
// concurrent runs and the log writer from stalling behind each other's
// write transactions; busy_timeout absorbs the remaining contention.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_fk=1&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Every pooled connection to :memory: gets its own empty database, so
	// in-memory stores must stay on a single connection
	if strings.Contains(path, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, log: logger.ForStore()}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	store.log.Info().Str("path", path).Msg("Opened database")
	return store, nil
}

// initSchema creates the tables and indexes if they don't exist.
// The unique indexes on url and (source, source_id) are the final backstop
// against concurrent runs double-inserting the same listing.
func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		company TEXT,
		location TEXT,
		description TEXT,
		salary_min INTEGER,
		salary_max INTEGER,
		salary_text TEXT,
		source TEXT NOT NULL,
		source_id TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL UNIQUE,
		posted_date TIMESTAMP,
		deadline TIMESTAMP,
		scraped_at TIMESTAMP NOT NULL,
		search_keyword TEXT NOT NULL DEFAULT ''
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_source_source_id
		ON jobs(source, source_id) WHERE source_id != '';
	CREATE INDEX IF NOT EXISTS idx_jobs_scraped_at ON jobs(scraped_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_search_keyword ON jobs(search_keyword);

	CREATE TABLE IF NOT EXISTS applications (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id INTEGER NOT NULL UNIQUE REFERENCES jobs(id),
		status TEXT NOT NULL DEFAULT 'new',
		applied_date TIMESTAMP,
		interview_date TIMESTAMP,
		follow_up_date TIMESTAMP,
		notes TEXT,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS search_keywords (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		keyword TEXT NOT NULL UNIQUE,
		jobs_found INTEGER NOT NULL DEFAULT 0,
		last_searched TIMESTAMP,
		applications_sent INTEGER NOT NULL DEFAULT 0,
		interviews_received INTEGER NOT NULL DEFAULT 0,
		is_active INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS scraping_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source TEXT NOT NULL,
		keyword TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP,
		jobs_found INTEGER NOT NULL DEFAULT 0,
		jobs_new INTEGER NOT NULL DEFAULT 0,
		success INTEGER NOT NULL DEFAULT 1,
		error_message TEXT
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// isDuplicate reports whether err is a SQLite uniqueness violation
func isDuplicate(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrConstraint
	}
	return false
}

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const jobColumns = `id, title, company, location, description,
	salary_min, salary_max, salary_text,
	source, source_id, url, posted_date, deadline, scraped_at, search_keyword`

// scanJob scans a single job row
func scanJob(row *sql.Row) (*Job, error) {
	var j Job
	var company, location, description, salaryText sql.NullString
	var salaryMin, salaryMax sql.NullInt64
	var postedDate, deadline sql.NullTime

	err := row.Scan(&j.ID, &j.Title, &company, &location, &description,
		&salaryMin, &salaryMax, &salaryText,
		&j.Source, &j.SourceID, &j.URL, &postedDate, &deadline, &j.ScrapedAt,
		&j.SearchKeyword)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	j.Company = nullString(company)
	j.Location = nullString(location)
	j.Description = nullString(description)
	j.SalaryText = nullString(salaryText)
	j.SalaryMin = nullInt(salaryMin)
	j.SalaryMax = nullInt(salaryMax)
	j.PostedDate = nullTime(postedDate)
	j.Deadline = nullTime(deadline)

	return &j, nil
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

func insertJob(ctx context.Context, q querier, job *Job) error {
	res, err := q.ExecContext(ctx, `
		INSERT INTO jobs (title, company, location, description,
			salary_min, salary_max, salary_text,
			source, source_id, url, posted_date, deadline, scraped_at, search_keyword)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.Title, job.Company, job.Location, job.Description,
		job.SalaryMin, job.SalaryMax, job.SalaryText,
		job.Source, job.SourceID, job.URL, job.PostedDate, job.Deadline,
		job.ScrapedAt, job.SearchKeyword)
	if err != nil {
		if isDuplicate(err) {
			return ErrDuplicate
		}
		return err
	}

	job.ID, err = res.LastInsertId()
	return err
}

func findJobBySourceID(ctx context.Context, q querier, source, sourceID string) (*Job, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE source = ? AND source_id = ?`,
		source, sourceID)
	return scanJob(row)
}

func findJobByURL(ctx context.Context, q querier, url string) (*Job, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE url = ?`, url)
	return scanJob(row)
}

// InsertJob persists a new job outside any run transaction.
func (s *Store) InsertJob(ctx context.Context, job *Job) error {
	return insertJob(ctx, s.db, job)
}

// FindJobBySourceID looks up a job by its (source, source_id) dedup key.
func (s *Store) FindJobBySourceID(ctx context.Context, source, sourceID string) (*Job, error) {
	return findJobBySourceID(ctx, s.db, source, sourceID)
}

// FindJobByURL looks up a job by URL.
func (s *Store) FindJobByURL(ctx context.Context, url string) (*Job, error) {
	return findJobByURL(ctx, s.db, url)
}

// SaveDescription stores the lazily fetched full description for a job.
func (s *Store) SaveDescription(ctx context.Context, jobID int64, description string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET description = ? WHERE id = ?`, description, jobID)
	return err
}

// JobsScrapedSince returns jobs scraped at or after the given time, ordered
// by source then recency. This is the query the daily digest consumes.
func (s *Store) JobsScrapedSince(ctx context.Context, since time.Time) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE scraped_at >= ?
		 ORDER BY source, scraped_at DESC`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		var j Job
		var company, location, description, salaryText sql.NullString
		var salaryMin, salaryMax sql.NullInt64
		var postedDate, deadline sql.NullTime

		err := rows.Scan(&j.ID, &j.Title, &company, &location, &description,
			&salaryMin, &salaryMax, &salaryText,
			&j.Source, &j.SourceID, &j.URL, &postedDate, &deadline,
			&j.ScrapedAt, &j.SearchKeyword)
		if err != nil {
			return nil, err
		}
		j.Company = nullString(company)
		j.Location = nullString(location)
		j.Description = nullString(description)
		j.SalaryText = nullString(salaryText)
		j.SalaryMin = nullInt(salaryMin)
		j.SalaryMax = nullInt(salaryMax)
		j.PostedDate = nullTime(postedDate)
		j.Deadline = nullTime(deadline)
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

// CountJobsForKeyword counts stored jobs first found under the keyword.
func (s *Store) CountJobsForKeyword(ctx context.Context, keyword string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE search_keyword = ?`, keyword).Scan(&count)
	return count, err
}

// RunTx scopes one ingestion run's listing writes to a single transaction.
// Either every new listing from the run commits, or none do.
type RunTx struct {
	tx *sql.Tx
}

// BeginRun opens the transaction for one ingestion run.
func (s *Store) BeginRun(ctx context.Context) (*RunTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &RunTx{tx: tx}, nil
}

// FindBySourceID looks up a job by its (source, source_id) dedup key.
func (t *RunTx) FindBySourceID(ctx context.Context, source, sourceID string) (*Job, error) {
	return findJobBySourceID(ctx, t.tx, source, sourceID)
}

// FindByURL looks up a job by URL.
func (t *RunTx) FindByURL(ctx context.Context, url string) (*Job, error) {
	return findJobByURL(ctx, t.tx, url)
}

// InsertJob persists a new job within the run transaction. A uniqueness
// violation (concurrent run won the race) comes back as ErrDuplicate.
func (t *RunTx) InsertJob(ctx context.Context, job *Job) error {
	return insertJob(ctx, t.tx, job)
}

// Commit commits the run's writes.
func (t *RunTx) Commit() error {
	return t.tx.Commit()
}

// Rollback discards the run's writes. Safe to call after Commit.
func (t *RunTx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

// InsertLog appends a scraping log entry. Log rows are written outside the
// run transaction so a failed run still leaves its log behind.
func (s *Store) InsertLog(ctx context.Context, log *ScrapingLog) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO scraping_logs (source, keyword, started_at, finished_at,
			jobs_found, jobs_new, success, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		log.Source, log.Keyword, log.StartedAt, log.FinishedAt,
		log.JobsFound, log.JobsNew, log.Success, log.ErrorMessage)
	if err != nil {
		return err
	}
	log.ID, err = res.LastInsertId()
	return err
}

// Logs returns the most recent scraping log entries, newest first.
func (s *Store) Logs(ctx context.Context, limit int) ([]*ScrapingLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source, keyword, started_at, finished_at,
			jobs_found, jobs_new, success, error_message
		FROM scraping_logs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*ScrapingLog
	for rows.Next() {
		var l ScrapingLog
		var finished sql.NullTime
		var errMsg sql.NullString
		if err := rows.Scan(&l.ID, &l.Source, &l.Keyword, &l.StartedAt,
			&finished, &l.JobsFound, &l.JobsNew, &l.Success, &errMsg); err != nil {
			return nil, err
		}
		l.FinishedAt = nullTime(finished)
		l.ErrorMessage = nullString(errMsg)
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

// RecordSearch refreshes a keyword's statistics after a run: jobs_found is
// recomputed as a full count against the store, not incremented, and
// last_searched is stamped with the current time.
func (s *Store) RecordSearch(ctx context.Context, keyword string) error {
	count, err := s.CountJobsForKeyword(ctx, keyword)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO search_keywords (keyword, jobs_found, last_searched)
		VALUES (?, ?, ?)
		ON CONFLICT(keyword) DO UPDATE SET
			jobs_found = excluded.jobs_found,
			last_searched = excluded.last_searched`,
		keyword, count, now)
	return err
}

// Keywords returns all tracked search keywords.
func (s *Store) Keywords(ctx context.Context, activeOnly bool) ([]*SearchKeyword, error) {
	query := `SELECT id, keyword, jobs_found, last_searched,
		applications_sent, interviews_received, is_active
		FROM search_keywords`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY keyword`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keywords []*SearchKeyword
	for rows.Next() {
		var k SearchKeyword
		var lastSearched sql.NullTime
		if err := rows.Scan(&k.ID, &k.Keyword, &k.JobsFound, &lastSearched,
			&k.ApplicationsSent, &k.InterviewsReceived, &k.IsActive); err != nil {
			return nil, err
		}
		k.LastSearched = nullTime(lastSearched)
		keywords = append(keywords, &k)
	}
	return keywords, rows.Err()
}

// EnsureApplication creates the application row for a job if it doesn't
// exist yet, with the initial "new" status, and returns it.
func (s *Store) EnsureApplication(ctx context.Context, jobID int64) (*Application, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO applications (job_id, status, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(job_id) DO NOTHING`,
		jobID, StatusNew, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return s.GetApplication(ctx, jobID)
}

// GetApplication returns the application for a job, or ErrNotFound.
func (s *Store) GetApplication(ctx context.Context, jobID int64) (*Application, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, job_id, status, applied_date, interview_date,
			follow_up_date, notes, updated_at
		FROM applications WHERE job_id = ?`, jobID)

	var a Application
	var applied, interview, followUp sql.NullTime
	var notes sql.NullString
	err := row.Scan(&a.ID, &a.JobID, &a.Status, &applied, &interview,
		&followUp, &notes, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.AppliedDate = nullTime(applied)
	a.InterviewDate = nullTime(interview)
	a.FollowUpDate = nullTime(followUp)
	a.Notes = nullString(notes)
	return &a, nil
}

// UpdateApplicationStatus moves a job's application to a new status,
// enforcing the transition graph.
func (s *Store) UpdateApplicationStatus(ctx context.Context, jobID int64, to ApplicationStatus) error {
	if _, err := ParseStatus(string(to)); err != nil {
		return err
	}

	app, err := s.EnsureApplication(ctx, jobID)
	if err != nil {
		return err
	}

	if !IsTransitionAllowed(app.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, app.Status, to)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE applications SET status = ?, updated_at = ? WHERE job_id = ?`,
		to, time.Now().UTC(), jobID)
	return err
}

// SetApplicationNotes replaces the freeform notes on a job's application.
func (s *Store) SetApplicationNotes(ctx context.Context, jobID int64, notes string) error {
	app, err := s.EnsureApplication(ctx, jobID)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE applications SET notes = ?, updated_at = ? WHERE id = ?`,
		notes, time.Now().UTC(), app.ID)
	return err
}
