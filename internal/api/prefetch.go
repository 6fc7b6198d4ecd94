package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mundotango/prefetchd/internal/predict"
	"github.com/mundotango/prefetchd/internal/storage"
)

const maxRequestBodySize = 64 << 10 // 64KB

// maxBatchPages bounds POST /warm-cache/batch.
const maxBatchPages = 50

// Predictions is the prediction service as seen by the HTTP and MCP layers.
// Implemented by *predict.Service.
type Predictions interface {
	TrackNavigation(ctx context.Context, userID int64, fromPage, toPage string, timeOnPage int)
	GetOrWarm(ctx context.Context, userID int64, currentPage string) predict.Prediction
	WarmCache(ctx context.Context, userID int64, currentPage string) predict.WarmResult
	WarmPages(ctx context.Context, userID int64, pages []string) []predict.WarmResult
	RecordCacheHit(ctx context.Context, userID int64, currentPage, actualNextPage string)
	AccuracyStats(ctx context.Context, userID int64) predict.AccuracyStats
	RecentPatterns(ctx context.Context, userID int64, limit int) []storage.NavigationPattern
	CleanExpiredCache(ctx context.Context) int
}

type TrackRequest struct {
	FromPage   string `json:"fromPage"`
	ToPage     string `json:"toPage"`
	TimeOnPage *int   `json:"timeOnPage"`
}

type WarmRequest struct {
	CurrentPage string `json:"currentPage"`
}

type WarmBatchRequest struct {
	Pages []string `json:"pages"`
}

type RecordHitRequest struct {
	CurrentPage    string `json:"currentPage"`
	ActualNextPage string `json:"actualNextPage"`
}

type AppDeps struct {
	Service       Predictions
	Token         string
	PatternsLimit int // defaults to 20
	Logger        *slog.Logger
}

func NewAppHandler(deps AppDeps) http.Handler {
	if deps.PatternsLimit <= 0 {
		deps.PatternsLimit = 20
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(RequestLogger(deps.Logger))

	r.Get("/health", handleHealth())

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		// Maintenance routes act on every user and need only the service token.
		r.Delete("/clean-cache", handleCleanCache(deps))

		r.Group(func(r chi.Router) {
			r.Use(UserIdentity)

			r.Post("/track", handleTrack(deps))
			r.Get("/predict", handlePredict(deps))
			r.Post("/warm-cache", handleWarmCache(deps))
			r.Post("/warm-cache/batch", handleWarmBatch(deps))
			r.Post("/record-hit", handleRecordHit(deps))
			r.Get("/accuracy", handleAccuracy(deps))
			r.Get("/patterns", handlePatterns(deps))
		})
	})

	return r
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	}
}

func handleTrack(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req TrackRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.FromPage == "" || req.ToPage == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "fromPage and toPage are required")
			return
		}
		if req.TimeOnPage == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "timeOnPage is required")
			return
		}
		if *req.TimeOnPage < 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "timeOnPage must be >= 0")
			return
		}

		userID, _ := UserIDFrom(r.Context())
		deps.Service.TrackNavigation(r.Context(), userID, req.FromPage, req.ToPage, *req.TimeOnPage)

		writeJSON(w, map[string]bool{"success": true})
	}
}

func handlePredict(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("currentPage")
		if page == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "currentPage is required")
			return
		}

		userID, _ := UserIDFrom(r.Context())
		writeJSON(w, deps.Service.GetOrWarm(r.Context(), userID, page))
	}
}

func handleWarmCache(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req WarmRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.CurrentPage == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "currentPage is required")
			return
		}

		userID, _ := UserIDFrom(r.Context())
		writeJSON(w, deps.Service.WarmCache(r.Context(), userID, req.CurrentPage))
	}
}

func handleWarmBatch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req WarmBatchRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if len(req.Pages) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "pages must not be empty")
			return
		}
		if len(req.Pages) > maxBatchPages {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "at most %d pages per batch", maxBatchPages)
			return
		}
		for i, p := range req.Pages {
			if p == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "pages[%d] is empty", i)
				return
			}
		}

		userID, _ := UserIDFrom(r.Context())
		writeJSON(w, deps.Service.WarmPages(r.Context(), userID, req.Pages))
	}
}

func handleRecordHit(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RecordHitRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.CurrentPage == "" || req.ActualNextPage == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "currentPage and actualNextPage are required")
			return
		}

		userID, _ := UserIDFrom(r.Context())
		deps.Service.RecordCacheHit(r.Context(), userID, req.CurrentPage, req.ActualNextPage)

		writeJSON(w, map[string]bool{"success": true})
	}
}

func handleAccuracy(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, _ := UserIDFrom(r.Context())
		writeJSON(w, deps.Service.AccuracyStats(r.Context(), userID))
	}
}

func handlePatterns(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", deps.PatternsLimit, deps.PatternsLimit)
		if limit == 0 {
			limit = deps.PatternsLimit
		}

		userID, _ := UserIDFrom(r.Context())
		writeJSON(w, deps.Service.RecentPatterns(r.Context(), userID, limit))
	}
}

func handleCleanCache(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := deps.Service.CleanExpiredCache(r.Context())
		writeJSON(w, map[string]int{"deletedCount": n})
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
