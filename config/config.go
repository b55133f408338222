package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	pkgerrors "jobhunter/worker/pkg/errors"
)

// Config represents the application configuration
type Config struct {
	// Database configuration
	DatabasePath string

	// Search configuration
	SearchLocation string
	SearchKeywords []string
	MaxPages       int

	// HTTP client configuration
	RequestInterval time.Duration
	HTTPTimeout     time.Duration

	// URLs for the job sources
	FinnBaseURL          string
	FinnSearchURL        string
	ArbeidsplassenURL    string
	ArbeidsplassenAPIURL string

	// Redis configuration (new-listing stream, optional)
	RedisAddr            string
	RedisDB              int
	RedisStream          string
	RedisStreamCount     int
	RedisStreamMaxLength int
	PublishNewJobs       bool

	// Memcache configuration (source back-off cache, optional)
	MemcacheAddr string

	// Scrape loop interval; zero means run once and exit
	ScrapeInterval time.Duration

	// Environment
	Environment string
}

// LoadConfig loads the configuration from environment variables with defaults
func LoadConfig() *Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	streamCount, _ := strconv.Atoi(getEnv("REDIS_STREAM_COUNT", "1"))
	streamMaxLen, _ := strconv.Atoi(getEnv("REDIS_STREAM_MAX_LENGTH", "500"))
	maxPages, _ := strconv.Atoi(getEnv("MAX_PAGES", "5"))
	intervalMs, _ := strconv.Atoi(getEnv("REQUEST_INTERVAL_MS", "1000"))
	timeoutSec, _ := strconv.Atoi(getEnv("HTTP_TIMEOUT_SECONDS", "30"))
	scrapeInterval, _ := strconv.Atoi(getEnv("SCRAPE_INTERVAL_SECONDS", "0"))

	return &Config{
		DatabasePath:         getEnv("DATABASE_PATH", "jobs.db"),
		SearchLocation:       getEnv("SEARCH_LOCATION", "Oslo"),
		SearchKeywords:       splitKeywords(getEnv("SEARCH_KEYWORDS", "Junior utvikler,Python utvikler,Backend utvikler,Dataanalytiker")),
		MaxPages:             maxPages,
		RequestInterval:      time.Duration(intervalMs) * time.Millisecond,
		HTTPTimeout:          time.Duration(timeoutSec) * time.Second,
		FinnBaseURL:          getEnv("FINN_BASE_URL", "https://www.finn.no"),
		FinnSearchURL:        getEnv("FINN_SEARCH_URL", "https://www.finn.no/job/fulltime/search.html"),
		ArbeidsplassenURL:    getEnv("ARBEIDSPLASSEN_BASE_URL", "https://arbeidsplassen.nav.no"),
		ArbeidsplassenAPIURL: getEnv("ARBEIDSPLASSEN_API_URL", "https://arbeidsplassen.nav.no/stillinger/api/search"),
		RedisAddr:            getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:              redisDB,
		RedisStream:          getEnv("REDIS_STREAM", "newjobs"),
		RedisStreamCount:     streamCount,
		RedisStreamMaxLength: streamMaxLen,
		PublishNewJobs:       getEnv("PUBLISH_NEW_JOBS", "false") == "true",
		MemcacheAddr:         getEnv("MEMCACHE_ADDR", ""),
		ScrapeInterval:       time.Duration(scrapeInterval) * time.Second,
		Environment:          getEnv("JOBHUNTER_ENVIRONMENT", "development"),
	}
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return pkgerrors.NewConfiguration("database path must not be empty", nil)
	}
	if len(c.SearchKeywords) == 0 {
		return pkgerrors.NewConfiguration("at least one search keyword is required", nil)
	}
	if c.MaxPages <= 0 {
		return pkgerrors.NewConfiguration(fmt.Sprintf("max pages must be positive, got %d", c.MaxPages), nil)
	}
	if c.RequestInterval <= 0 {
		return pkgerrors.NewConfiguration(fmt.Sprintf("request interval must be positive, got %s", c.RequestInterval), nil)
	}
	if c.HTTPTimeout <= 0 {
		return pkgerrors.NewConfiguration(fmt.Sprintf("http timeout must be positive, got %s", c.HTTPTimeout), nil)
	}
	if c.PublishNewJobs && c.RedisAddr == "" {
		return pkgerrors.NewConfiguration("redis address is required when publishing is enabled", nil)
	}
	return nil
}

// splitKeywords splits a comma-separated keyword list, dropping empty entries
func splitKeywords(s string) []string {
	var keywords []string
	for _, k := range strings.Split(s, ",") {
		k = strings.TrimSpace(k)
		if k != "" {
			keywords = append(keywords, k)
		}
	}
	return keywords
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}
