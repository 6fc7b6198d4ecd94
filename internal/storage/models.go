package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// NavigationPattern aggregates every observed move of one user from FromPage to ToPage.
type NavigationPattern struct {
	UserID           int64     `json:"userId"`
	FromPage         string    `json:"fromPage"`
	ToPage           string    `json:"toPage"`
	TransitionCount  int       `json:"transitionCount"`
	AvgTimeOnPage    int       `json:"avgTimeOnPage"`
	LastTransitionAt time.Time `json:"lastTransitionAt"`
}

// PageCount is a candidate next page with the transition mass behind it.
type PageCount struct {
	Page  string
	Count int
}

// PredictionCacheEntry is the warmed prediction for one (user, page) pair along
// with its hit/miss score. The counters survive re-warming.
type PredictionCacheEntry struct {
	UserID         int64
	CurrentPage    string
	PredictedPages []string
	Confidence     int
	CacheWarmed    bool
	WarmedAt       time.Time
	HitCount       int
	MissCount      int
	ExpiresAt      time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CacheTotals sums the prediction_cache rows of one user.
type CacheTotals struct {
	Entries int
	Hits    int
	Misses  int
}
