package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prismnotes/ingest/analyzer"
	"github.com/prismnotes/ingest/api"
	"github.com/prismnotes/ingest/db"
	"github.com/prismnotes/ingest/fetch"
	"github.com/prismnotes/ingest/llm"
	"github.com/prismnotes/ingest/metrics"
	"github.com/prismnotes/ingest/redisstore"
	"github.com/prismnotes/ingest/sources"
	"github.com/prismnotes/ingest/storage"
	"github.com/prismnotes/ingest/urlnorm"
)

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(logger *slog.Logger, key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		logger.Warn("invalid integer env value, using default",
			"key", key, "provided", raw, "default", defaultValue)
		return defaultValue
	}
	return value
}

func main() {
	// Setup structured logging with JSON output
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	logger.Info("ingest service initializing", "version", "1.0.0")

	// Command-line flags (override environment variables)
	port := flag.String("port", getEnv("PORT", "8080"), "Server port")
	workers := flag.Int("workers", getEnvInt(logger, "ANALYSIS_WORKERS", 2), "Analysis worker count")
	queueSize := flag.Int("queue-size", getEnvInt(logger, "ANALYSIS_QUEUE_SIZE", 64), "Analysis queue capacity")
	disableCORS := flag.Bool("disable-cors", false, "Disable CORS")
	flag.Parse()

	// PostgreSQL database configuration (required)
	dbHost := getEnv("DB_HOST", "")
	if dbHost == "" {
		logger.Error("DB_HOST environment variable is required")
		os.Exit(1)
	}
	dbPort := getEnv("DB_PORT", "5432")
	dbUser := getEnv("DB_USER", "prism")
	dbPassword := getEnv("DB_PASSWORD", "prism_dev_pass")
	dbName := getEnv("DB_NAME", "prism")

	database, err := db.New(db.Config{
		DSN: fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
			dbHost, dbPort, dbUser, dbPassword, dbName),
	})
	if err != nil {
		logger.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer database.Close()
	logger.Info("using PostgreSQL database", "host", dbHost, "port", dbPort, "database", dbName)

	// Redis backs rate limits and refresh job records. Optional: without
	// it the API runs unthrottled and refresh jobs cannot be polled.
	var redisStore *redisstore.Store
	if redisAddr := getEnv("REDIS_ADDR", ""); redisAddr != "" {
		redisStore, err = redisstore.New(redisstore.Config{
			Address:  redisAddr,
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt(logger, "REDIS_DB", 0),
		})
		if err != nil {
			logger.Error("failed to connect to redis", "addr", redisAddr, "error", err)
			os.Exit(1)
		}
		defer redisStore.Close()
		logger.Info("redis connected", "addr", redisAddr)
	} else {
		logger.Warn("REDIS_ADDR not set, rate limiting and job polling disabled")
	}

	// Audit archive: filesystem by default, S3-compatible when configured.
	var archive storage.Archive
	switch backend := getEnv("ARCHIVE_BACKEND", "fs"); backend {
	case "s3":
		archive, err = storage.NewS3Storage(context.Background(), storage.S3Config{
			Endpoint:        getEnv("S3_ENDPOINT", ""),
			Region:          getEnv("S3_REGION", "us-east-1"),
			Bucket:          getEnv("S3_BUCKET", ""),
			AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
			UsePathStyle:    getEnv("S3_USE_PATH_STYLE", "") == "true",
		})
	case "fs":
		archive, err = storage.New(storage.Config{
			BasePath: getEnv("ARCHIVE_BASE_PATH", "./archive"),
		})
	default:
		logger.Error("unknown ARCHIVE_BACKEND", "backend", backend)
		os.Exit(1)
	}
	if err != nil {
		logger.Error("failed to initialize archive", "error", err)
		os.Exit(1)
	}

	// Host blacklist for submitted URLs.
	blacklist := urlnorm.DefaultBlacklist()
	if path := getEnv("URL_BLACKLIST_PATH", ""); path != "" {
		blacklist, err = urlnorm.LoadBlacklist(path)
		if err != nil {
			logger.Error("failed to load URL blacklist", "path", path, "error", err)
			os.Exit(1)
		}
	}

	// Bootstrap preset feed sources when a config file is provided.
	if path := getEnv("SOURCES_PATH", ""); path != "" {
		presets, dropped, err := sources.Load(path)
		if err != nil {
			logger.Error("failed to load sources config", "path", path, "error", err)
			os.Exit(1)
		}
		for _, reason := range dropped {
			logger.Warn("dropped invalid source preset", "reason", reason)
		}
		if err := sources.Bootstrap(database, presets); err != nil {
			logger.Error("failed to bootstrap sources", "error", err)
			os.Exit(1)
		}
		logger.Info("sources bootstrapped", "count", len(presets), "dropped", len(dropped))
	}

	// Content fetcher.
	fetchConfig := fetch.DefaultConfig()
	fetchConfig.ProxyURL = getEnv("FETCH_PROXY_URL", "")
	fetchConfig.UseReader = getEnv("FETCH_USE_READER", "") == "true"
	if readerURL := getEnv("READER_BASE_URL", ""); readerURL != "" {
		fetchConfig.ReaderBaseURL = readerURL
	}
	fetchConfig.ReaderToken = getEnv("READER_TOKEN", "")
	fetcher, err := fetch.New(fetchConfig)
	if err != nil {
		logger.Error("failed to initialize fetcher", "error", err)
		os.Exit(1)
	}

	// LLM client (API key required).
	llmAPIKey := getEnv("LLM_API_KEY", "")
	if llmAPIKey == "" {
		logger.Error("LLM_API_KEY environment variable is required")
		os.Exit(1)
	}
	model, err := llm.NewClient(llm.Config{
		ProviderName:  getEnv("LLM_PROVIDER", "openai"),
		ModelName:     getEnv("LLM_MODEL", ""),
		APIKey:        llmAPIKey,
		BaseURL:       getEnv("LLM_BASE_URL", ""),
		PromptVersion: getEnv("LLM_PROMPT_VERSION", "v1"),
		MaxRetries:    getEnvInt(logger, "LLM_MAX_RETRIES", 3),
		ProxyURL:      getEnv("LLM_PROXY_URL", ""),
	})
	if err != nil {
		logger.Error("failed to initialize LLM client", "error", err)
		os.Exit(1)
	}

	serviceMetrics := metrics.New()

	analyzerConfig := analyzer.DefaultConfig()
	analyzerConfig.MaxItemsPerSource = getEnvInt(logger, "MAX_ITEMS_PER_SOURCE", analyzerConfig.MaxItemsPerSource)
	analyzerConfig.PromptVersion = getEnv("LLM_PROMPT_VERSION", "v1")
	pipeline, err := analyzer.New(database, fetcher, model, logger, analyzerConfig)
	if err != nil {
		logger.Error("failed to initialize analyzer", "error", err)
		os.Exit(1)
	}
	pipeline.WithArchive(archive).WithMetrics(serviceMetrics)
	if redisStore != nil {
		pipeline.WithJobs(redisStore)
	}

	poolCtx, poolCancel := context.WithCancel(context.Background())
	defer poolCancel()
	pool := analyzer.NewPool(pipeline, *queueSize)
	pool.Start(poolCtx, *workers)

	apiConfig := api.DefaultConfig()
	apiConfig.Addr = ":" + *port
	apiConfig.CORSEnabled = !*disableCORS
	apiConfig.CreateLimit = getEnvInt(logger, "CREATE_RATE_LIMIT", apiConfig.CreateLimit)
	apiConfig.ReanalyzeLimit = getEnvInt(logger, "REANALYZE_RATE_LIMIT", apiConfig.ReanalyzeLimit)

	server, err := api.New(database, pipeline, logger, apiConfig)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}
	server.WithQueue(pool).WithMetrics(serviceMetrics).WithBlacklist(blacklist)
	if redisStore != nil {
		server.WithRateLimiter(redisStore).WithJobs(redisStore)
	}

	// Start server in a goroutine
	go func() {
		logger.Info("ingest service starting",
			"port", *port,
			"workers", *workers,
			"llm_provider", model.Provider(),
			"llm_model", model.ModelName(),
			"reader_enabled", fetchConfig.UseReader,
		)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// Graceful shutdown
	logger.Info("shutting down gracefully")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
		os.Exit(1)
	}
	pool.Stop()

	logger.Info("server stopped")
}
