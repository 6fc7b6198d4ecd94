package predict

import (
	"context"
	"fmt"
	"math"

	"github.com/mundotango/prefetchd/internal/storage"
)

// DefaultMaxCandidates is the most next pages a prediction carries.
const DefaultMaxCandidates = 5

// PatternReader is the read side of the navigation pattern store.
type PatternReader interface {
	TopTransitions(ctx context.Context, userID int64, fromPage string, limit int) ([]storage.PageCount, error)
	GlobalTopTransitions(ctx context.Context, fromPage string, limit int) ([]storage.PageCount, error)
}

// Prediction is a ranked list of likely next pages, highest confidence first.
type Prediction struct {
	CurrentPage    string   `json:"currentPage"`
	PredictedPages []string `json:"predictedPages"`
	Confidence     int      `json:"confidence"`
}

// Empty reports whether the prediction carries no candidates.
func (p Prediction) Empty() bool {
	return len(p.PredictedPages) == 0
}

func emptyPrediction(page string) Prediction {
	return Prediction{CurrentPage: page, PredictedPages: []string{}}
}

// Predictor ranks next pages with an order-1 Markov model over transition counts.
// The user's own history wins; pages the user never left from fall back to the
// aggregate of all users.
type Predictor struct {
	patterns      PatternReader
	maxCandidates int
}

// NewPredictor creates a Predictor. maxCandidates outside 1..5 falls back to 5.
func NewPredictor(patterns PatternReader, maxCandidates int) *Predictor {
	if maxCandidates <= 0 || maxCandidates > DefaultMaxCandidates {
		maxCandidates = DefaultMaxCandidates
	}
	return &Predictor{patterns: patterns, maxCandidates: maxCandidates}
}

// Predict returns the ranked candidates for currentPage. A page without any
// recorded transitions yields an empty prediction with zero confidence.
func (p *Predictor) Predict(ctx context.Context, userID int64, currentPage string) (Prediction, error) {
	counts, err := p.patterns.TopTransitions(ctx, userID, currentPage, p.maxCandidates)
	if err != nil {
		return emptyPrediction(currentPage), fmt.Errorf("loading user transitions: %w", err)
	}
	if len(counts) == 0 {
		counts, err = p.patterns.GlobalTopTransitions(ctx, currentPage, p.maxCandidates)
		if err != nil {
			return emptyPrediction(currentPage), fmt.Errorf("loading global transitions: %w", err)
		}
	}
	if len(counts) == 0 {
		return emptyPrediction(currentPage), nil
	}

	pages := make([]string, len(counts))
	for i, c := range counts {
		pages[i] = c.Page
	}
	return Prediction{
		CurrentPage:    currentPage,
		PredictedPages: pages,
		Confidence:     confidence(counts),
	}, nil
}

// confidence is the top candidate's share of the returned candidates' mass,
// as a rounded percentage. counts must be sorted descending.
func confidence(counts []storage.PageCount) int {
	if len(counts) == 0 {
		return 0
	}
	total := 0
	for _, c := range counts {
		total += c.Count
	}
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(counts[0].Count) / float64(total) * 100))
}
