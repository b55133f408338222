package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	pkgerrors "jobhunter/worker/pkg/errors"
)

func TestLoadConfig(t *testing.T) {
	// Test with default values
	config := LoadConfig()
	assert.Equal(t, "jobs.db", config.DatabasePath)
	assert.Equal(t, "Oslo", config.SearchLocation)
	assert.Equal(t, 5, config.MaxPages)
	assert.Equal(t, 1*time.Second, config.RequestInterval)
	assert.Equal(t, 30*time.Second, config.HTTPTimeout)
	assert.Equal(t, "https://www.finn.no", config.FinnBaseURL)
	assert.Equal(t, time.Duration(0), config.ScrapeInterval)
	assert.False(t, config.PublishNewJobs)
	assert.Len(t, config.SearchKeywords, 4)

	// Test with environment variables
	os.Setenv("DATABASE_PATH", "/tmp/test-jobs.db")
	os.Setenv("SEARCH_LOCATION", "Bergen")
	os.Setenv("SEARCH_KEYWORDS", "golang, devops ,,")
	os.Setenv("MAX_PAGES", "3")
	os.Setenv("REQUEST_INTERVAL_MS", "250")
	os.Setenv("FINN_SEARCH_URL", "https://example.com/search")
	os.Setenv("PUBLISH_NEW_JOBS", "true")

	config = LoadConfig()
	assert.Equal(t, "/tmp/test-jobs.db", config.DatabasePath)
	assert.Equal(t, "Bergen", config.SearchLocation)
	assert.Equal(t, []string{"golang", "devops"}, config.SearchKeywords)
	assert.Equal(t, 3, config.MaxPages)
	assert.Equal(t, 250*time.Millisecond, config.RequestInterval)
	assert.Equal(t, "https://example.com/search", config.FinnSearchURL)
	assert.True(t, config.PublishNewJobs)

	// Clean up
	os.Unsetenv("DATABASE_PATH")
	os.Unsetenv("SEARCH_LOCATION")
	os.Unsetenv("SEARCH_KEYWORDS")
	os.Unsetenv("MAX_PAGES")
	os.Unsetenv("REQUEST_INTERVAL_MS")
	os.Unsetenv("FINN_SEARCH_URL")
	os.Unsetenv("PUBLISH_NEW_JOBS")
}

func TestValidate(t *testing.T) {
	config := LoadConfig()
	assert.NoError(t, config.Validate())

	invalid := *config
	invalid.DatabasePath = ""
	assert.Error(t, invalid.Validate())

	invalid = *config
	invalid.SearchKeywords = nil
	assert.Error(t, invalid.Validate())

	invalid = *config
	invalid.MaxPages = 0
	err := invalid.Validate()
	assert.Error(t, err)
	// Config problems are classified as fatal configuration errors
	var serr *pkgerrors.ScrapeError
	if assert.ErrorAs(t, err, &serr) {
		assert.Equal(t, pkgerrors.ErrorTypeConfiguration, serr.Type)
		assert.True(t, serr.IsFatal())
	}

	invalid = *config
	invalid.RequestInterval = 0
	assert.Error(t, invalid.Validate())

	invalid = *config
	invalid.PublishNewJobs = true
	invalid.RedisAddr = ""
	assert.Error(t, invalid.Validate())
}
