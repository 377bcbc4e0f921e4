package api

import (
	"context"
	"crypto/subtle"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"dawnarchive/internal/archive"
	"dawnarchive/internal/scraper"
	"dawnarchive/internal/storage"
	"dawnarchive/internal/telemetry"
	"dawnarchive/pkg/types"
)

const (
	apiKeyHeader = "X-API-Key"
	openAPIPath  = "/openapi.yaml"
)

//go:embed static/openapi.yaml
var staticFS embed.FS

// docsTemplate renders the ReDoc reference for the embedded OpenAPI document.
var docsTemplate = template.Must(template.New("docs").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
</head>
<body>
<redoc spec-url="{{.DocumentURL}}" hide-download-button></redoc>
<script src="https://cdn.redoc.ly/redoc/latest/bundles/redoc.standalone.js"></script>
</body>
</html>
`))

// Archives is the cache surface the API reads and clears.
type Archives interface {
	Get(date string) (*types.DayArchive, bool)
	EvictOlderThan(ctx context.Context, cutoff string) (int, error)
	ListDates() ([]string, error)
	ClearAll(ctx context.Context) (int, []archive.FileError)
	MemoryDates() []string
	Size(date string) (int64, error)
}

// Scraper builds archives on a cache miss.
type Scraper interface {
	LogicalToday() string
	ScrapeDay(ctx context.Context, date string) (*types.DayArchive, error)
}

// Scheduler queues precomputation of the day following a date.
type Scheduler interface {
	Schedule(date string) bool
}

// ArticleSearcher pages through mirrored articles.
type ArticleSearcher interface {
	ListArticles(ctx context.Context, params storage.ArticleListParams) (storage.ArticleListResult, error)
}

// Metrics reads back the counters recorded by the fetcher and orchestrator.
type Metrics interface {
	Counters(ctx context.Context) ([]telemetry.Counter, error)
}

// Dependencies groups the components behind the HTTP API. Articles and
// Metrics may be nil.
type Dependencies struct {
	Archives  Archives
	Scraper   Scraper
	Scheduler Scheduler
	Articles  ArticleSearcher
	Metrics   Metrics
}

// Server exposes the day archive over HTTP.
type Server struct {
	deps    Dependencies
	apiKey  string
	logger  *slog.Logger
	mux     *http.ServeMux
	handler http.Handler
}

// NewServer wires handlers onto an HTTP mux. An empty apiKey leaves the
// /api routes open.
func NewServer(deps Dependencies, apiKey string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		deps:   deps,
		apiKey: apiKey,
		logger: logger,
		mux:    http.NewServeMux(),
	}
	s.routes()
	s.handler = s.requireAPIKey(s.mux)
	return s
}

// ServeHTTP satisfies the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/{$}", s.handleRoot)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/v1/archive/today", s.handleToday)
	s.mux.HandleFunc("/api/v1/archive/{date}", s.handleDate)
	s.mux.HandleFunc("/api/v1/cache", s.handleCache)
	s.mux.HandleFunc("/api/v1/cache/files", s.handleFiles)
	s.mux.HandleFunc("/api/v1/cache/clear", s.handleClear)
	s.mux.HandleFunc("/api/v1/articles", s.handleArticles)
	s.mux.HandleFunc("/api/v1/metrics", s.handleMetrics)
	s.mux.HandleFunc(openAPIPath, s.handleOpenAPI)
	s.mux.HandleFunc("/docs", s.handleDocs)
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
			got := r.Header.Get(apiKeyHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.apiKey)) != 1 {
				writeError(w, http.StatusForbidden, "Forbidden")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Dawn archive API",
		"docs":    "/docs",
		"endpoints": map[string]string{
			"today":    "/api/v1/archive/today",
			"date":     "/api/v1/archive/{date}",
			"cache":    "/api/v1/cache",
			"files":    "/api/v1/cache/files",
			"clear":    "/api/v1/cache/clear",
			"articles": "/api/v1/articles",
			"metrics":  "/api/v1/metrics",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleToday(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	today := s.deps.Scraper.LogicalToday()

	deleted, err := s.deps.Archives.EvictOlderThan(r.Context(), today)
	if err != nil {
		s.logger.Warn("evict old archives", "cutoff", today, "error", err)
	} else if deleted > 0 {
		s.logger.Info("evicted old archives", "cutoff", today, "deleted", deleted)
	}

	day, ok := s.deps.Archives.Get(today)
	if !ok {
		writeError(w, http.StatusNotFound, "No data for today ("+today+")")
		return
	}
	s.schedule(today)
	writeJSON(w, http.StatusOK, day)
}

func (s *Server) handleDate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	date := r.PathValue("date")
	if !types.ValidDate(date) {
		writeError(w, http.StatusBadRequest, "Invalid date format. Use YYYY-MM-DD")
		return
	}

	day, ok := s.deps.Archives.Get(date)
	if !ok {
		s.logger.Info("archive not cached, scraping", "date", date)
		var err error
		day, err = s.deps.Scraper.ScrapeDay(r.Context(), date)
		switch {
		case errors.Is(err, scraper.ErrAllSectionsFailed):
			// The empty archive is on disk, but the remote never answered.
			s.logger.Warn("every section failed", "date", date, "error", err)
			writeError(w, http.StatusBadGateway, "Scraping error: "+err.Error())
			return
		case day == nil:
			if err == nil {
				err = errors.New("no archive produced")
			}
			writeError(w, http.StatusInternalServerError, "Scraping error: "+err.Error())
			return
		case err != nil:
			// Sections were fetched but the archive did not persist.
			s.logger.Warn("scrape completed with error", "date", date, "error", err)
		}
	}

	s.schedule(date)
	writeJSON(w, http.StatusOK, day)
}

func (s *Server) schedule(date string) {
	if s.deps.Scheduler == nil {
		return
	}
	if !s.deps.Scheduler.Schedule(date) {
		s.logger.Debug("precompute not scheduled", "after", date)
	}
}

func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	dates := s.deps.Archives.MemoryDates()
	writeJSON(w, http.StatusOK, map[string]any{
		"cached_dates": dates,
		"count":        len(dates),
	})
}

type fileInfo struct {
	Date      string `json:"date"`
	SizeBytes int64  `json:"size_bytes"`
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	dates, err := s.deps.Archives.ListDates()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list archive files: "+err.Error())
		return
	}
	files := make([]fileInfo, 0, len(dates))
	for _, date := range dates {
		size, err := s.deps.Archives.Size(date)
		if err != nil {
			// Removed between listing and stat.
			continue
		}
		files = append(files, fileInfo{Date: date, SizeBytes: size})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"files": files,
		"count": len(files),
	})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	deleted, failures := s.deps.Archives.ClearAll(r.Context())
	messages := make([]string, 0, len(failures))
	for _, f := range failures {
		messages = append(messages, f.Error())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deleted_count": deleted,
		"errors":        messages,
	})
}

func (s *Server) handleArticles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if s.deps.Articles == nil {
		writeError(w, http.StatusServiceUnavailable, "article search requires a configured database")
		return
	}

	query := r.URL.Query()
	params := storage.ArticleListParams{
		Search:  strings.TrimSpace(query.Get("q")),
		Date:    strings.TrimSpace(query.Get("date")),
		Section: strings.TrimSpace(query.Get("section")),
	}
	if params.Date != "" && !types.ValidDate(params.Date) {
		writeError(w, http.StatusBadRequest, "Invalid date format. Use YYYY-MM-DD")
		return
	}
	var err error
	if params.Page, err = positiveParam(query.Get("page")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid page parameter")
		return
	}
	if params.PageSize, err = positiveParam(query.Get("page_size")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid page_size parameter")
		return
	}

	result, err := s.deps.Articles.ListArticles(r.Context(), params)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list articles: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if s.deps.Metrics == nil {
		writeError(w, http.StatusServiceUnavailable, "metrics are not enabled")
		return
	}
	counters, err := s.deps.Metrics.Counters(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "collect metrics: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"counters": counters})
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	http.ServeFileFS(w, r, staticFS, "static/openapi.yaml")
}

func (s *Server) handleDocs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := docsTemplate.Execute(w, struct{ Title, DocumentURL string }{
		Title:       "Dawn Archive API",
		DocumentURL: openAPIPath,
	})
	if err != nil {
		s.logger.Warn("render docs", "error", err)
	}
}

// positiveParam parses an optional positive integer; empty yields zero.
func positiveParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.New("must be a positive integer")
	}
	return n, nil
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

var _ Scraper = (*scraper.Orchestrator)(nil)
var _ Archives = (*archive.Cache)(nil)
var _ Scheduler = (*scraper.Background)(nil)
var _ ArticleSearcher = (*storage.SQLWriter)(nil)
var _ Metrics = (*telemetry.Telemetry)(nil)
