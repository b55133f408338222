package scraper

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// relativeDateRe matches Norwegian relative dates like "2 dager siden" or
// "1 uke siden". "dag" also matches inside "dager", "time" inside "timer".
var relativeDateRe = regexp.MustCompile(`(\d+)\s*(time|dag|uke|måned)`)

// ParseRelativeDate converts a Norwegian relative date string to an absolute
// timestamp anchored at now. Unrecognized text returns ok=false; callers
// must treat that as "unknown", never as a zero time.
func ParseRelativeDate(text string, now time.Time) (time.Time, bool) {
	text = strings.ToLower(strings.TrimSpace(text))

	// Phrase checks come first: "i dag" would otherwise never reach the
	// numeric pattern and "i går" has no numeral at all.
	if strings.Contains(text, "i dag") || strings.Contains(text, "nettopp") {
		return now, true
	}
	if strings.Contains(text, "i går") {
		return now.AddDate(0, 0, -1), true
	}

	match := relativeDateRe.FindStringSubmatch(text)
	if match == nil {
		return time.Time{}, false
	}

	num, err := strconv.Atoi(match[1])
	if err != nil {
		return time.Time{}, false
	}

	switch match[2] {
	case "time":
		return now.Add(-time.Duration(num) * time.Hour), true
	case "dag":
		return now.AddDate(0, 0, -num), true
	case "uke":
		return now.AddDate(0, 0, -7*num), true
	case "måned":
		// Months approximated as 30 days
		return now.AddDate(0, 0, -30*num), true
	}

	return time.Time{}, false
}

// parseISOTime parses an ISO8601 timestamp, tolerating a trailing "Z" zone
// marker and a missing zone. Returns nil when the value doesn't parse.
func parseISOTime(value string) *time.Time {
	if value == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, value); err == nil {
			return &t
		}
	}
	return nil
}
