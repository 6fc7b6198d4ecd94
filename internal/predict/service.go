package predict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/mundotango/prefetchd/internal/storage"
)

// DefaultCacheTTL is how long a warmed prediction stays servable.
const DefaultCacheTTL = 24 * time.Hour

// Store is everything the Service needs from persistence. Implemented by storage.Store.
type Store interface {
	PatternReader
	RecordTransition(ctx context.Context, userID int64, fromPage, toPage string, timeOnPage int, now time.Time) error
	RecentPatterns(ctx context.Context, userID int64, limit int) ([]storage.NavigationPattern, error)
	GetPredictionCache(ctx context.Context, userID int64, currentPage string) (storage.PredictionCacheEntry, error)
	UpsertPredictionCache(ctx context.Context, e storage.PredictionCacheEntry) error
	IncrementCacheOutcome(ctx context.Context, userID int64, currentPage string, hit bool, now time.Time) error
	CacheTotals(ctx context.Context, userID int64) (storage.CacheTotals, error)
	DeleteExpiredCache(ctx context.Context, now time.Time) (int64, error)
}

// Mirror is an optional fast copy of warmed predictions (e.g. Redis).
// The Store stays authoritative; a Mirror may lose entries at any time.
type Mirror interface {
	Get(ctx context.Context, userID int64, currentPage string) (Prediction, bool, error)
	Put(ctx context.Context, userID int64, p Prediction, ttl time.Duration) error
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Config tunes a Service. Zero values select the defaults.
type Config struct {
	MaxCandidates int
	CacheTTL      time.Duration
	Clock         Clock
	Mirror        Mirror
	Logger        *slog.Logger
}

// WarmResult reports the outcome of warming one (user, page) pair.
type WarmResult struct {
	UserID      int64    `json:"userId"`
	CurrentPage string   `json:"currentPage"`
	WarmedPages []string `json:"warmedPages"`
	CacheWarmed bool     `json:"cacheWarmed"`
}

// AccuracyStats summarises how often cached predictions matched the page the user
// actually opened next.
type AccuracyStats struct {
	TotalPredictions int `json:"totalPredictions"`
	Hits             int `json:"hits"`
	Misses           int `json:"misses"`
	Accuracy         int `json:"accuracy"`
}

// Service tracks navigation, serves predictions and keeps the prediction cache warm.
// Every method is best-effort: storage failures are logged and turned into empty
// results, never returned to the caller.
type Service struct {
	store     Store
	predictor *Predictor
	mirror    Mirror
	clock     Clock
	ttl       time.Duration
	logger    *slog.Logger

	cold singleflight.Group
}

// NewService creates a Service over store.
func NewService(store Store, cfg Config) *Service {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		store:     store,
		predictor: NewPredictor(store, cfg.MaxCandidates),
		mirror:    cfg.Mirror,
		clock:     cfg.Clock,
		ttl:       cfg.CacheTTL,
		logger:    cfg.Logger,
	}
}

// TrackNavigation records that userID spent timeOnPage seconds on fromPage before
// moving to toPage.
func (s *Service) TrackNavigation(ctx context.Context, userID int64, fromPage, toPage string, timeOnPage int) {
	if timeOnPage < 0 {
		timeOnPage = 0
	}
	if err := s.store.RecordTransition(ctx, userID, fromPage, toPage, timeOnPage, s.clock.Now()); err != nil {
		s.logger.Warn("tracking navigation failed", "user_id", userID, "from", fromPage, "to", toPage, "error", err)
	}
}

// PredictNextPages computes a fresh prediction, bypassing the cache.
func (s *Service) PredictNextPages(ctx context.Context, userID int64, currentPage string) Prediction {
	p, err := s.predictor.Predict(ctx, userID, currentPage)
	if err != nil {
		s.logger.Warn("prediction failed", "user_id", userID, "page", currentPage, "error", err)
		return emptyPrediction(currentPage)
	}
	return p
}

// GetCachedPrediction returns the warmed, unexpired prediction for the pair, if any.
func (s *Service) GetCachedPrediction(ctx context.Context, userID int64, currentPage string) (Prediction, bool) {
	if s.mirror != nil {
		p, ok, err := s.mirror.Get(ctx, userID, currentPage)
		if err != nil {
			s.logger.Debug("mirror lookup failed", "user_id", userID, "page", currentPage, "error", err)
		} else if ok {
			return p, true
		}
	}

	e, ok := s.liveEntry(ctx, userID, currentPage)
	if !ok {
		return Prediction{}, false
	}
	return Prediction{
		CurrentPage:    e.CurrentPage,
		PredictedPages: e.PredictedPages,
		Confidence:     e.Confidence,
	}, true
}

// liveEntry loads the stored row and applies the warmed/unexpired filter.
func (s *Service) liveEntry(ctx context.Context, userID int64, currentPage string) (storage.PredictionCacheEntry, bool) {
	e, err := s.store.GetPredictionCache(ctx, userID, currentPage)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.PredictionCacheEntry{}, false
	}
	if err != nil {
		s.logger.Warn("reading prediction cache failed", "user_id", userID, "page", currentPage, "error", err)
		return storage.PredictionCacheEntry{}, false
	}
	if !e.CacheWarmed || !e.ExpiresAt.After(s.clock.Now()) {
		return storage.PredictionCacheEntry{}, false
	}
	return e, true
}

// WarmCache recomputes the prediction for the pair and stores it. Nothing is
// written when the prediction is empty.
func (s *Service) WarmCache(ctx context.Context, userID int64, currentPage string) WarmResult {
	p := s.PredictNextPages(ctx, userID, currentPage)
	return s.persist(ctx, userID, p)
}

// WarmPages warms several pages for one user concurrently. Results keep the
// order of pages.
func (s *Service) WarmPages(ctx context.Context, userID int64, pages []string) []WarmResult {
	results := make([]WarmResult, len(pages))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for i, page := range pages {
		g.Go(func() error {
			results[i] = s.WarmCache(gCtx, userID, page)
			return nil
		})
	}
	g.Wait()
	return results
}

// persist stores a computed prediction as a warmed cache row.
func (s *Service) persist(ctx context.Context, userID int64, p Prediction) WarmResult {
	res := WarmResult{UserID: userID, CurrentPage: p.CurrentPage, WarmedPages: []string{}}
	if p.Empty() {
		return res
	}

	now := s.clock.Now()
	err := s.store.UpsertPredictionCache(ctx, storage.PredictionCacheEntry{
		UserID:         userID,
		CurrentPage:    p.CurrentPage,
		PredictedPages: p.PredictedPages,
		Confidence:     p.Confidence,
		CacheWarmed:    true,
		WarmedAt:       now,
		ExpiresAt:      now.Add(s.ttl),
	})
	if err != nil {
		s.logger.Warn("warming cache failed", "user_id", userID, "page", p.CurrentPage, "error", err)
		return res
	}

	if s.mirror != nil {
		if err := s.mirror.Put(ctx, userID, p, s.ttl); err != nil {
			s.logger.Debug("mirror write failed", "user_id", userID, "page", p.CurrentPage, "error", err)
		}
	}

	res.WarmedPages = p.PredictedPages
	res.CacheWarmed = true
	return res
}

// GetOrWarm serves the cached prediction when one is live. Otherwise it computes
// the prediction once, answers with it and seeds the cache with the same result.
// Concurrent cold requests for the same pair share one computation. The shared
// computation outlives any single caller; a caller whose ctx ends stops waiting
// and gets an empty prediction.
func (s *Service) GetOrWarm(ctx context.Context, userID int64, currentPage string) Prediction {
	if p, ok := s.GetCachedPrediction(ctx, userID, currentPage); ok {
		return p
	}

	key := fmt.Sprintf("%d\x00%s", userID, currentPage)
	ch := s.cold.DoChan(key, func() (any, error) {
		flightCtx := context.WithoutCancel(ctx)
		p := s.PredictNextPages(flightCtx, userID, currentPage)
		s.persist(flightCtx, userID, p)
		return p, nil
	})

	select {
	case <-ctx.Done():
		return emptyPrediction(currentPage)
	case res := <-ch:
		p := res.Val.(Prediction)
		p.PredictedPages = slices.Clone(p.PredictedPages)
		return p
	}
}

// RecordCacheHit scores the live cached prediction for the pair against the page
// the user actually opened. Without a live prediction this is a no-op.
func (s *Service) RecordCacheHit(ctx context.Context, userID int64, currentPage, actualNextPage string) {
	e, ok := s.liveEntry(ctx, userID, currentPage)
	if !ok {
		return
	}
	hit := slices.Contains(e.PredictedPages, actualNextPage)
	if err := s.store.IncrementCacheOutcome(ctx, userID, currentPage, hit, s.clock.Now()); err != nil {
		s.logger.Warn("recording cache outcome failed", "user_id", userID, "page", currentPage, "hit", hit, "error", err)
	}
}

// AccuracyStats aggregates hit/miss counters across the user's cache rows.
func (s *Service) AccuracyStats(ctx context.Context, userID int64) AccuracyStats {
	t, err := s.store.CacheTotals(ctx, userID)
	if err != nil {
		s.logger.Warn("loading accuracy stats failed", "user_id", userID, "error", err)
		return AccuracyStats{}
	}
	stats := AccuracyStats{
		TotalPredictions: t.Entries,
		Hits:             t.Hits,
		Misses:           t.Misses,
	}
	if scored := t.Hits + t.Misses; scored > 0 {
		stats.Accuracy = int(math.Round(float64(t.Hits) / float64(scored) * 100))
	}
	return stats
}

// CleanExpiredCache deletes every cache row past its expiry and returns how many
// were removed.
func (s *Service) CleanExpiredCache(ctx context.Context) int {
	n, err := s.store.DeleteExpiredCache(ctx, s.clock.Now())
	if err != nil {
		s.logger.Warn("cleaning expired cache failed", "error", err)
		return 0
	}
	return int(n)
}

// RecentPatterns lists the user's transition aggregates, most recent first.
func (s *Service) RecentPatterns(ctx context.Context, userID int64, limit int) []storage.NavigationPattern {
	patterns, err := s.store.RecentPatterns(ctx, userID, limit)
	if err != nil {
		s.logger.Warn("loading patterns failed", "user_id", userID, "error", err)
		return []storage.NavigationPattern{}
	}
	if patterns == nil {
		patterns = []storage.NavigationPattern{}
	}
	return patterns
}
