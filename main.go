package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"jobhunter/worker/config"
	"jobhunter/worker/helpers"
	"jobhunter/worker/internal/ingest"
	"jobhunter/worker/internal/scraper"
	"jobhunter/worker/internal/store"
	"jobhunter/worker/logger"
	"jobhunter/worker/services/cache"
	"jobhunter/worker/services/publisher"

	"github.com/joho/godotenv"
)

func main() {
	// Load environment variables
	godotenv.Load()

	// Initialize logger first
	logger.Init()
	log := logger.Default

	// Load and validate configuration
	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	log.Info().
		Str("environment", cfg.Environment).
		Str("database", cfg.DatabasePath).
		Strs("keywords", cfg.SearchKeywords).
		Dur("scrape_interval", cfg.ScrapeInterval).
		Msg("Starting application")

	// Set up context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Initialize services
	services, err := initializeServices(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize services")
	}
	defer services.Cleanup()

	scrapers := createScrapers(cfg, services.Cache)
	log.Info().
		Int("scraper_count", len(scrapers)).
		Msg("Created scrapers")

	engine := ingest.NewEngine(services.Store, services.Publisher, cfg.MaxPages)

	// Run the batch in a goroutine so a signal can interrupt it
	done := make(chan struct{})
	go func() {
		defer close(done)
		runLoop(ctx, engine, scrapers, cfg)
	}()

	select {
	case sig := <-sigChan:
		log.Info().
			Str("signal", sig.String()).
			Msg("Received shutdown signal")
		cancel()
		<-done
	case <-done:
	}

	log.Info().Msg("Shutting down gracefully...")
}

// runLoop runs one scrape batch, then repeats on the configured interval.
// A zero interval means run once and exit.
func runLoop(ctx context.Context, engine *ingest.Engine, scrapers []scraper.Scraper, cfg *config.Config) {
	runBatch(ctx, engine, scrapers, cfg.SearchKeywords)

	if cfg.ScrapeInterval <= 0 {
		return
	}

	ticker := time.NewTicker(cfg.ScrapeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runBatch(ctx, engine, scrapers, cfg.SearchKeywords)
		}
	}
}

func runBatch(ctx context.Context, engine *ingest.Engine, scrapers []scraper.Scraper, keywords []string) {
	summary := engine.RunAll(ctx, scrapers, keywords)

	failures := 0
	for _, res := range summary.Results {
		if res.Err != nil {
			failures++
		}
	}

	logger.Default.Info().
		Int("runs", len(summary.Results)).
		Int("failures", failures).
		Int("found", summary.TotalFound).
		Int("new", summary.TotalNew).
		Msg("Batch finished")
}

// createScrapers builds one adapter per job source. Each gets its own HTTP
// client so the request interval applies per source, not globally.
func createScrapers(cfg *config.Config, cacheSvc cache.CacheService) []scraper.Scraper {
	return []scraper.Scraper{
		scraper.NewFinnScraper(cfg,
			helpers.NewClient(cfg.RequestInterval, cfg.HTTPTimeout), cacheSvc),
		scraper.NewArbeidsplassenScraper(cfg,
			helpers.NewClient(cfg.RequestInterval, cfg.HTTPTimeout), cacheSvc),
	}
}

// Services holds all the initialized services
type Services struct {
	Store     *store.Store
	Cache     cache.CacheService
	Publisher publisher.Publisher
}

// Cleanup cleans up all services
func (s *Services) Cleanup() {
	if s.Publisher != nil {
		s.Publisher.Close()
	}
	if s.Store != nil {
		s.Store.Close()
	}
}

// initializeServices initializes the store and the optional cache and
// publisher services
func initializeServices(ctx context.Context, cfg *config.Config) (*Services, error) {
	services := &Services{}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	services.Store = st

	// The back-off cache is optional; without it 429 blocks are not shared
	// across restarts
	if cfg.MemcacheAddr != "" {
		mc := cache.NewMemcacheService(cfg.MemcacheAddr)
		if err := mc.Ping(); err != nil {
			logger.Default.Warn().Err(err).Str("addr", cfg.MemcacheAddr).
				Msg("Memcached unreachable, rate-limit blocks will not persist")
		} else {
			logger.Info("Connected to Memcache at %s", cfg.MemcacheAddr)
		}
		services.Cache = mc
	}

	if cfg.PublishNewJobs {
		services.Publisher = publisher.NewRedisPublisher(
			ctx,
			cfg.RedisAddr,
			cfg.RedisDB,
			cfg.RedisStream,
			cfg.RedisStreamCount,
			cfg.RedisStreamMaxLength,
		)
		logger.Info("Connected to Redis at %s (DB: %d, Stream: %s)",
			cfg.RedisAddr, cfg.RedisDB, cfg.RedisStream)
	}

	return services, nil
}
