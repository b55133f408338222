package scraper

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseRelativeDate(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		text string
		want time.Time
		ok   bool
	}{
		{"i dag", now, true},
		{"Nettopp publisert", now, true},
		{"i går", now.AddDate(0, 0, -1), true},
		{"2 dager siden", now.AddDate(0, 0, -2), true},
		{"3 timer siden", now.Add(-3 * time.Hour), true},
		{"1 uke siden", now.AddDate(0, 0, -7), true},
		{"2 måneder siden", now.AddDate(0, 0, -60), true},
		{"  5 dager siden  ", now.AddDate(0, 0, -5), true},
		{"", time.Time{}, false},
		{"ukjent tekst", time.Time{}, false},
		{"15. juni", time.Time{}, false},
	}

	for _, tt := range tests {
		got, ok := ParseRelativeDate(tt.text, now)
		assert.Equal(t, tt.ok, ok, "text: %q", tt.text)
		if tt.ok {
			assert.WithinDuration(t, tt.want, got, time.Second, "text: %q", tt.text)
		} else {
			// Unrecognized text must never yield an epoch-zero default
			assert.True(t, got.IsZero(), "text: %q", tt.text)
		}
	}
}

func TestParseISOTime(t *testing.T) {
	got := parseISOTime("2025-06-01T08:30:00Z")
	if assert.NotNil(t, got) {
		assert.Equal(t, time.Date(2025, 6, 1, 8, 30, 0, 0, time.UTC), got.UTC())
	}

	got = parseISOTime("2025-06-01T08:30:00")
	if assert.NotNil(t, got) {
		assert.Equal(t, 8, got.Hour())
	}

	assert.Nil(t, parseISOTime(""))
	assert.Nil(t, parseISOTime("not-a-date"))
}
