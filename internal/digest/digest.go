// Package digest renders a plain-text summary of recently scraped listings,
// grouped by source. The notification service sends it as-is.
package digest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"jobhunter/worker/internal/store"
)

// DefaultWindow is how far back the digest looks
const DefaultWindow = 24 * time.Hour

// Builder builds digests from the store
type Builder struct {
	store *store.Store
}

// NewBuilder creates a digest builder
func NewBuilder(st *store.Store) *Builder {
	return &Builder{store: st}
}

// Build renders the digest for listings scraped within the window. A zero
// window means DefaultWindow.
func (b *Builder) Build(ctx context.Context, window time.Duration) (string, error) {
	if window <= 0 {
		window = DefaultWindow
	}

	since := time.Now().UTC().Add(-window)
	jobs, err := b.store.JobsScrapedSince(ctx, since)
	if err != nil {
		return "", fmt.Errorf("failed to load recent jobs: %w", err)
	}

	var sb strings.Builder
	hours := int(window / time.Hour)
	fmt.Fprintf(&sb, "Job digest: %d new listings in the last %dh\n", len(jobs), hours)

	if len(jobs) == 0 {
		sb.WriteString("\nNo new listings.\n")
		return sb.String(), nil
	}

	// JobsScrapedSince orders by source, so grouping is a single pass
	currentSource := ""
	for _, job := range jobs {
		if job.Source != currentSource {
			currentSource = job.Source
			fmt.Fprintf(&sb, "\n=== %s ===\n", currentSource)
		}
		sb.WriteString(formatJob(job))
	}

	return sb.String(), nil
}

// formatJob renders one listing as two indented lines
func formatJob(job *store.Job) string {
	var sb strings.Builder

	sb.WriteString("- " + job.Title)
	if job.Company != nil {
		sb.WriteString(" | " + *job.Company)
	}
	if job.Location != nil {
		sb.WriteString(" | " + *job.Location)
	}
	if job.Deadline != nil {
		sb.WriteString(" | frist " + job.Deadline.Format("2006-01-02"))
	}
	sb.WriteString("\n  " + job.URL + "\n")

	return sb.String()
}
