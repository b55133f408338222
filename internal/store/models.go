// Package store provides SQLite persistence for scraped job listings,
// application tracking, search-keyword statistics and scraping run logs.
//
// Valid application status graph:
//
//	new ──► interested ──► applied ──► interview ──► offer
//	  │          │             │            │          │
//	  └──────────┴─────────────┴────────────┴──────────┴──► rejected / withdrawn
//
// rejected and withdrawn are terminal states.
package store

import (
	"fmt"
	"time"
)

// ApplicationStatus values mirror the status column on applications.
type ApplicationStatus string

const (
	StatusNew        ApplicationStatus = "new"
	StatusInterested ApplicationStatus = "interested"
	StatusApplied    ApplicationStatus = "applied"
	StatusInterview  ApplicationStatus = "interview"
	StatusOffer      ApplicationStatus = "offer"
	StatusRejected   ApplicationStatus = "rejected"
	StatusWithdrawn  ApplicationStatus = "withdrawn"
)

// validTransitions lists every allowed (from → to) pair.
var validTransitions = map[ApplicationStatus][]ApplicationStatus{
	StatusNew:        {StatusInterested, StatusApplied, StatusRejected, StatusWithdrawn},
	StatusInterested: {StatusApplied, StatusRejected, StatusWithdrawn},
	StatusApplied:    {StatusInterview, StatusRejected, StatusWithdrawn},
	StatusInterview:  {StatusOffer, StatusRejected, StatusWithdrawn},
	StatusOffer:      {StatusRejected, StatusWithdrawn},
	// rejected and withdrawn are terminal, no outgoing transitions
}

// ParseStatus converts a raw string to an ApplicationStatus, returning an
// error for unknown values.
func ParseStatus(s string) (ApplicationStatus, error) {
	st := ApplicationStatus(s)
	switch st {
	case StatusNew, StatusInterested, StatusApplied, StatusInterview,
		StatusOffer, StatusRejected, StatusWithdrawn:
		return st, nil
	}
	return "", fmt.Errorf("unknown application status %q", s)
}

// IsTransitionAllowed returns true when moving from → to is permitted by the
// state machine.
func IsTransitionAllowed(from, to ApplicationStatus) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false // terminal state
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// Job is a single job listing scraped from a source. SourceID is the
// source-native identifier; together with Source it is the dedup key when
// present, otherwise URL is. Optional fields are nil pointers.
type Job struct {
	ID          int64
	Title       string
	Company     *string
	Location    *string
	Description *string

	SalaryMin  *int
	SalaryMax  *int
	SalaryText *string

	Source   string
	SourceID string
	URL      string

	PostedDate *time.Time
	Deadline   *time.Time
	ScrapedAt  time.Time

	// SearchKeyword records which keyword first found this job; never
	// overwritten by later runs.
	SearchKeyword string
}

// IsNew reports whether the job was scraped in the last 24 hours
func (j *Job) IsNew() bool {
	return time.Since(j.ScrapedAt) < 24*time.Hour
}

// Application tracks the user's application for one job (at most one per job).
// Lifecycle is owned by the dashboard; ingestion never touches it.
type Application struct {
	ID            int64
	JobID         int64
	Status        ApplicationStatus
	AppliedDate   *time.Time
	InterviewDate *time.Time
	FollowUpDate  *time.Time
	Notes         *string
	UpdatedAt     time.Time
}

// SearchKeyword tracks a configured search term and its effectiveness.
type SearchKeyword struct {
	ID                 int64
	Keyword            string
	JobsFound          int
	LastSearched       *time.Time
	ApplicationsSent   int
	InterviewsReceived int
	IsActive           bool
}

// ScrapingLog is one append-only record per (source, keyword) ingestion run.
type ScrapingLog struct {
	ID           int64
	Source       string
	Keyword      string
	StartedAt    time.Time
	FinishedAt   *time.Time
	JobsFound    int
	JobsNew      int
	Success      bool
	ErrorMessage *string
}
