package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prismnotes/ingest/db"
	"github.com/prismnotes/ingest/metrics"
	"github.com/prismnotes/ingest/models"
	"github.com/prismnotes/ingest/urlnorm"
)

// Store is the persistence surface the API reads and writes. *db.DB
// satisfies it.
type Store interface {
	CreateItem(item *models.ContentItem) error
	GetItem(id string) (*models.ContentItem, error)
	GetNoteByNormalizedURL(ownerID, normalizedURL string) (*models.ContentItem, error)
	ListItems(limit, offset int) ([]*models.ContentItem, error)
	ListItemsByCreator(creatorID string, limit, offset int) ([]*models.ContentItem, error)
	CountItemsByStatus() (map[models.AnalysisStatus]int, error)
	SoftDeleteItem(id string) error
	LatestResultForItem(itemID string) (*models.AnalysisResult, error)
	ListResultsForItem(itemID string, limit int) ([]*models.AnalysisResult, error)
	ListActiveSources() ([]*models.SourceCreator, error)
	GetSourceBySlug(slug string) (*models.SourceCreator, error)
}

// Refresher runs analyses and refresh jobs. *analyzer.Analyzer satisfies it.
type Refresher interface {
	ReanalyzeItem(ctx context.Context, itemID string) (bool, error)
	EnqueueRefreshJob(ctx context.Context, source *models.SourceCreator) (*models.RefreshJob, error)
	RunRefreshJob(ctx context.Context, jobID, sourceID string)
}

// Queue accepts newly created items for background analysis.
// *analyzer.Pool satisfies it.
type Queue interface {
	Enqueue(itemID string, source *models.SourceCreator) bool
}

// RateLimiter is a fixed-window request counter. *redisstore.Store
// satisfies it.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// JobReader reads refresh job records for polling.
type JobReader interface {
	GetJob(ctx context.Context, jobID string) (*models.RefreshJob, error)
}

// Config contains server configuration.
type Config struct {
	Addr            string
	CORSEnabled     bool
	CreateLimit     int // item creations per client per CreateWindow
	CreateWindow    time.Duration
	ReanalyzeLimit  int
	ReanalyzeWindow time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		CORSEnabled:     true,
		CreateLimit:     30,
		CreateWindow:    time.Hour,
		ReanalyzeLimit:  10,
		ReanalyzeWindow: 10 * time.Minute,
	}
}

// Server is the ingest HTTP API.
type Server struct {
	store     Store
	refresher Refresher
	queue     Queue
	limiter   RateLimiter
	jobs      JobReader
	metrics   *metrics.Metrics
	blacklist *urlnorm.Blacklist
	logger    *slog.Logger
	config    Config
	mux       *http.ServeMux
	server    *http.Server
}

// New creates an API server. Optional collaborators (queue, rate
// limiter, job reader, metrics, blacklist) attach via the With methods
// before Start.
func New(store Store, refresher Refresher, logger *slog.Logger, config Config) (*Server, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if refresher == nil {
		return nil, errors.New("refresher is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.Addr == "" {
		config.Addr = ":8080"
	}

	s := &Server{
		store:     store,
		refresher: refresher,
		logger:    logger,
		config:    config,
		mux:       http.NewServeMux(),
	}
	s.registerRoutes()

	s.server = &http.Server{
		Addr:         config.Addr,
		Handler:      s.middleware(s.mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}
	return s, nil
}

// WithQueue attaches the background analysis queue.
func (s *Server) WithQueue(queue Queue) *Server {
	s.queue = queue
	return s
}

// WithRateLimiter attaches the request rate limiter. Without one the
// create and reanalyze endpoints run unthrottled.
func (s *Server) WithRateLimiter(limiter RateLimiter) *Server {
	s.limiter = limiter
	return s
}

// WithJobs attaches the refresh job record reader.
func (s *Server) WithJobs(jobs JobReader) *Server {
	s.jobs = jobs
	return s
}

// WithMetrics attaches service metrics and exposes /metrics.
func (s *Server) WithMetrics(m *metrics.Metrics) *Server {
	s.metrics = m
	return s
}

// WithBlacklist attaches the host blacklist applied to submitted URLs.
func (s *Server) WithBlacklist(blacklist *urlnorm.Blacklist) *Server {
	s.blacklist = blacklist
	return s
}

// registerRoutes sets up all API routes.
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/metrics", s.handleMetrics)
	s.mux.HandleFunc("/api/items", s.handleItems)
	s.mux.HandleFunc("/api/items/", s.handleItem) // /api/items/{id}[/reanalyze|/results]
	s.mux.HandleFunc("/api/refresh", s.handleRefresh)
	s.mux.HandleFunc("/api/jobs/", s.handleJob) // /api/jobs/{id}
	s.mux.HandleFunc("/api/sources", s.handleSources)
}

// Handler returns the server's root handler, middleware included.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the API server.
func (s *Server) Start() error {
	s.logger.Info("starting API server", "addr", s.config.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	return s.server.Shutdown(ctx)
}

// middleware applies CORS and request logging to all routes.
func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.CORSEnabled {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
		}

		start := time.Now()
		next.ServeHTTP(w, r)

		// Health and metrics polls are noise.
		if r.URL.Path != "/health" && r.URL.Path != "/metrics" {
			s.logger.Info("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
		}
	})
}

// handleHealth returns server health status and item counts.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	counts, err := s.store.CountItemsByStatus()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to count items")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"items":  counts,
		"time":   time.Now().UTC(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		respondError(w, http.StatusNotFound, "metrics not enabled")
		return
	}
	s.metrics.Handler().ServeHTTP(w, r)
}

// CreateItemRequest is the body of POST /api/items.
type CreateItemRequest struct {
	URL        string `json:"url"`
	NoteBody   string `json:"note_body"`
	Visibility string `json:"visibility"`
	OwnerID    string `json:"owner_id"`
}

// ItemResponse wraps an item with its creation outcome and, on reads,
// the latest analysis result.
type ItemResponse struct {
	Item         *models.ContentItem    `json:"item"`
	Created      bool                   `json:"created"`
	LatestResult *models.AnalysisResult `json:"latest_result,omitempty"`
}

// handleItems dispatches POST (create) and GET (list) for /api/items.
func (s *Server) handleItems(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateItem(w, r)
	case http.MethodGet:
		s.handleListItems(w, r)
	default:
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleCreateItem creates a note item from a submitted URL. The
// normalized URL is the dedup key within the owner's scope:
// resubmitting a URL the owner already saved returns their existing
// item with created=false. Other owners' notes are never visible here.
func (s *Server) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	var req CreateItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		respondError(w, http.StatusBadRequest, "url is required")
		return
	}

	ownerID := strings.TrimSpace(req.OwnerID)
	client := firstNonEmpty(ownerID, clientIP(r))
	if !s.allow(r.Context(), "create:"+client, s.config.CreateLimit, s.config.CreateWindow) {
		s.countRateLimited("create_item")
		respondError(w, http.StatusTooManyRequests, "too many items created, try again later")
		return
	}

	norm, err := urlnorm.NormalizeWithBlacklist(req.URL, s.blacklist)
	if err != nil {
		respondURLError(w, err)
		return
	}

	existing, err := s.store.GetNoteByNormalizedURL(ownerID, norm.NormalizedURL)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "database error")
		return
	}
	if existing != nil {
		respondJSON(w, http.StatusOK, ItemResponse{Item: existing, Created: false})
		return
	}

	visibility := req.Visibility
	if visibility != "" && visibility != "private" && visibility != "public" {
		respondError(w, http.StatusBadRequest, "visibility must be private or public")
		return
	}

	item := &models.ContentItem{
		Kind:                models.KindNote,
		OwnerID:             ownerID,
		SourceURL:           norm.SourceURL,
		SourceURLNormalized: norm.NormalizedURL,
		SourceDomain:        norm.Host,
		NoteBody:            strings.TrimSpace(req.NoteBody),
		Visibility:          visibility,
	}
	if err := s.store.CreateItem(item); err != nil {
		// Lost the insert race: another request owns this URL now.
		if db.IsUniqueViolation(err) {
			winner, werr := s.store.GetNoteByNormalizedURL(ownerID, norm.NormalizedURL)
			if werr == nil && winner != nil {
				respondJSON(w, http.StatusOK, ItemResponse{Item: winner, Created: false})
				return
			}
		}
		s.logger.Error("failed to create item", "url", norm.NormalizedURL, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to create item")
		return
	}

	if s.queue != nil && !s.queue.Enqueue(item.ID, nil) {
		s.logger.Warn("analysis queue full, item stays pending", "item_id", item.ID)
	}

	respondJSON(w, http.StatusCreated, ItemResponse{Item: item, Created: true})
}

// handleListItems lists items with pagination, newest first.
func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	limit := 20
	offset := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		fmt.Sscanf(limitStr, "%d", &limit)
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		fmt.Sscanf(offsetStr, "%d", &offset)
	}
	if limit < 1 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	var (
		items []*models.ContentItem
		err   error
	)
	if creator := r.URL.Query().Get("creator"); creator != "" {
		items, err = s.store.ListItemsByCreator(creator, limit, offset)
	} else {
		items, err = s.store.ListItems(limit, offset)
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "database error")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"items":  items,
		"count":  len(items),
		"limit":  limit,
		"offset": offset,
	})
}

// handleItem routes /api/items/{id}, /api/items/{id}/results and
// /api/items/{id}/reanalyze.
func (s *Server) handleItem(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/items/")
	if path == "" {
		respondError(w, http.StatusBadRequest, "id is required")
		return
	}

	if id, ok := strings.CutSuffix(path, "/reanalyze"); ok {
		if r.Method != http.MethodPost {
			respondError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleReanalyze(w, r, id)
		return
	}
	if id, ok := strings.CutSuffix(path, "/results"); ok {
		if r.Method != http.MethodGet {
			respondError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleItemResults(w, r, id)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleGetItem(w, r, path)
	case http.MethodDelete:
		s.handleDeleteItem(w, r, path)
	default:
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleGetItem returns an item with its latest analysis result.
func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request, id string) {
	item, err := s.store.GetItem(id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "database error")
		return
	}
	if item == nil {
		respondError(w, http.StatusNotFound, "item not found")
		return
	}

	latest, err := s.store.LatestResultForItem(id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "database error")
		return
	}

	respondJSON(w, http.StatusOK, ItemResponse{Item: item, LatestResult: latest})
}

// handleItemResults returns the analysis attempt history for an item,
// newest first.
func (s *Server) handleItemResults(w http.ResponseWriter, r *http.Request, id string) {
	item, err := s.store.GetItem(id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "database error")
		return
	}
	if item == nil {
		respondError(w, http.StatusNotFound, "item not found")
		return
	}

	results, err := s.store.ListResultsForItem(id, 20)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "database error")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"item_id": id,
		"results": results,
		"count":   len(results),
	})
}

// handleDeleteItem soft deletes an item.
func (s *Server) handleDeleteItem(w http.ResponseWriter, r *http.Request, id string) {
	item, err := s.store.GetItem(id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "database error")
		return
	}
	if item == nil {
		respondError(w, http.StatusNotFound, "item not found")
		return
	}

	if err := s.store.SoftDeleteItem(id); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to delete item")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"message": "item deleted",
	})
}

// handleReanalyze resets a finished item and queues a fresh analysis
// run. Items mid-analysis are rejected with 409.
func (s *Server) handleReanalyze(w http.ResponseWriter, r *http.Request, id string) {
	if !s.allow(r.Context(), "reanalyze:"+clientIP(r), s.config.ReanalyzeLimit, s.config.ReanalyzeWindow) {
		s.countRateLimited("reanalyze_item")
		respondError(w, http.StatusTooManyRequests, "too many reanalyze requests, try again later")
		return
	}

	item, err := s.store.GetItem(id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "database error")
		return
	}
	if item == nil {
		respondError(w, http.StatusNotFound, "item not found")
		return
	}
	if item.AnalysisStatus == models.StatusRunning {
		respondError(w, http.StatusConflict, "analysis already running")
		return
	}

	go func() {
		if _, err := s.refresher.ReanalyzeItem(context.Background(), id); err != nil {
			s.logger.Error("reanalysis failed", "item_id", id, "error", err)
		}
	}()

	respondJSON(w, http.StatusAccepted, map[string]string{
		"item_id": id,
		"status":  "queued",
	})
}

// RefreshRequest is the optional body of POST /api/refresh. Without a
// slug the job covers every active source.
type RefreshRequest struct {
	SourceSlug string `json:"source_slug"`
}

// handleRefresh enqueues a refresh job and returns its record
// immediately; the job runs in the background and is polled via
// /api/jobs/{id}.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var source *models.SourceCreator
	if slug := strings.TrimSpace(req.SourceSlug); slug != "" {
		var err error
		source, err = s.store.GetSourceBySlug(slug)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "database error")
			return
		}
		if source == nil {
			respondError(w, http.StatusNotFound, "source not found")
			return
		}
	}

	job, err := s.refresher.EnqueueRefreshJob(r.Context(), source)
	if err != nil {
		s.logger.Error("failed to enqueue refresh job", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to enqueue refresh job")
		return
	}

	sourceID := ""
	if source != nil {
		sourceID = source.ID
	}
	go s.refresher.RunRefreshJob(context.Background(), job.JobID, sourceID)

	respondJSON(w, http.StatusAccepted, job)
}

// handleJob returns a refresh job record by ID.
func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	if id == "" {
		respondError(w, http.StatusBadRequest, "id is required")
		return
	}
	if s.jobs == nil {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}

	job, err := s.jobs.GetJob(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to read job")
		return
	}
	if job == nil {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}

	respondJSON(w, http.StatusOK, job)
}

// handleSources lists active feed sources.
func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	sources, err := s.store.ListActiveSources()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "database error")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"sources": sources,
		"count":   len(sources),
	})
}

// allow applies the rate limiter when one is attached. Limiter errors
// fail open: a broken counter must not take the write path down.
func (s *Server) allow(ctx context.Context, key string, limit int, window time.Duration) bool {
	if s.limiter == nil || limit <= 0 {
		return true
	}
	ok, err := s.limiter.Allow(ctx, key, limit, window)
	if err != nil {
		s.logger.Warn("rate limiter unavailable", "key", key, "error", err)
		return true
	}
	return ok
}

func (s *Server) countRateLimited(action string) {
	if s.metrics != nil {
		s.metrics.RateLimited.WithLabelValues(action).Inc()
	}
}

// clientIP extracts the caller's address for rate-limit keys.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		ip, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(ip)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}

// respondURLError maps a URL validation failure to a 400 or 422 with
// its stable code.
func respondURLError(w http.ResponseWriter, err error) {
	var uerr *urlnorm.Error
	if !errors.As(err, &uerr) {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	status := http.StatusBadRequest
	if uerr.Code == urlnorm.CodePrivateHost || uerr.Code == urlnorm.CodeBlacklistedHost {
		status = http.StatusUnprocessableEntity
	}
	respondJSON(w, status, map[string]string{
		"error": uerr.Message,
		"code":  uerr.Code,
	})
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
