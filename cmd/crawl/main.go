package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/prismnotes/ingest/analyzer"
	"github.com/prismnotes/ingest/db"
	"github.com/prismnotes/ingest/fetch"
	"github.com/prismnotes/ingest/llm"
)

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	sourceSlug := flag.String("source", "", "Refresh a single source by slug (default: all active sources)")
	timeout := flag.Duration("timeout", 30*time.Minute, "Overall run timeout")
	flag.Parse()

	dbHost := getEnv("DB_HOST", "")
	if dbHost == "" {
		logger.Error("DB_HOST environment variable is required")
		os.Exit(1)
	}
	database, err := db.New(db.Config{
		DSN: fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
			dbHost, getEnv("DB_PORT", "5432"), getEnv("DB_USER", "prism"),
			getEnv("DB_PASSWORD", "prism_dev_pass"), getEnv("DB_NAME", "prism")),
	})
	if err != nil {
		logger.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer database.Close()

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
		ProxyURL:      getEnv("LLM_PROXY_URL", ""),
	})
	if err != nil {
		logger.Error("failed to initialize LLM client", "error", err)
		os.Exit(1)
	}

	analyzerConfig := analyzer.DefaultConfig()
	if raw := getEnv("MAX_ITEMS_PER_SOURCE", ""); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			analyzerConfig.MaxItemsPerSource = n
		}
	}
	pipeline, err := analyzer.New(database, fetcher, model, logger, analyzerConfig)
	if err != nil {
		logger.Error("failed to initialize analyzer", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var summary *analyzer.RefreshSummary
	if *sourceSlug != "" {
		source, err := database.GetSourceBySlug(*sourceSlug)
		if err != nil {
			logger.Error("failed to look up source", "slug", *sourceSlug, "error", err)
			os.Exit(1)
		}
		if source == nil {
			logger.Error("source not found", "slug", *sourceSlug)
			os.Exit(1)
		}
		summary, err = pipeline.RefreshSource(ctx, source.ID)
		if err != nil {
			logger.Error("refresh failed", "slug", *sourceSlug, "error", err)
			os.Exit(1)
		}
	} else {
		summary, err = pipeline.RefreshAll(ctx)
		if err != nil {
			logger.Error("refresh failed", "error", err)
			os.Exit(1)
		}
	}

	logger.Info("refresh finished",
		"sources", summary.TotalSources,
		"refreshed", summary.RefreshedItems,
		"failed", summary.FailedItems,
	)
	for _, failure := range summary.Failures {
		logger.Warn("item failed",
			"source", failure.SourceSlug,
			"url", failure.SourceURL,
			"stage", failure.Stage,
			"class", failure.ErrorClass,
			"error", failure.ErrorMessage,
			"retryable", failure.Retryable,
		)
	}

	if summary.FailedItems > 0 && summary.RefreshedItems == 0 {
		os.Exit(1)
	}
}
