package predict

import (
	"context"
	"errors"
	"testing"

	"github.com/mundotango/prefetchd/internal/storage"
)

// fakePatterns serves fixed user and global counts.
type fakePatterns struct {
	user      []storage.PageCount
	global    []storage.PageCount
	userErr   error
	globalErr error

	globalCalls int
	lastLimit   int
}

func (f *fakePatterns) TopTransitions(_ context.Context, _ int64, _ string, limit int) ([]storage.PageCount, error) {
	f.lastLimit = limit
	return f.user, f.userErr
}

func (f *fakePatterns) GlobalTopTransitions(_ context.Context, _ string, _ int) ([]storage.PageCount, error) {
	f.globalCalls++
	return f.global, f.globalErr
}

func TestPredict_RanksUserTransitions(t *testing.T) {
	fp := &fakePatterns{user: []storage.PageCount{{Page: "Y", Count: 10}, {Page: "Z", Count: 5}, {Page: "W", Count: 1}}}
	p := NewPredictor(fp, 0)

	got, err := p.Predict(context.Background(), 1, "X")
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	want := []string{"Y", "Z", "W"}
	if len(got.PredictedPages) != len(want) {
		t.Fatalf("PredictedPages = %v, want %v", got.PredictedPages, want)
	}
	for i := range want {
		if got.PredictedPages[i] != want[i] {
			t.Errorf("PredictedPages[%d] = %q, want %q", i, got.PredictedPages[i], want[i])
		}
	}
	if got.Confidence != 63 {
		t.Errorf("Confidence = %d, want 63", got.Confidence)
	}
	if got.CurrentPage != "X" {
		t.Errorf("CurrentPage = %q, want X", got.CurrentPage)
	}
	if fp.globalCalls != 0 {
		t.Errorf("global fallback consulted %d times, want 0", fp.globalCalls)
	}
	if fp.lastLimit != DefaultMaxCandidates {
		t.Errorf("limit = %d, want %d", fp.lastLimit, DefaultMaxCandidates)
	}
}

func TestNewPredictor_CapsCandidates(t *testing.T) {
	counts := make([]storage.PageCount, 8)
	for i := range counts {
		counts[i] = storage.PageCount{Page: string(rune('a' + i)), Count: 8 - i}
	}

	for _, n := range []int{-1, 0, 6, 10} {
		fp := &fakePatterns{user: counts}
		p := NewPredictor(fp, n)
		if p.maxCandidates != DefaultMaxCandidates {
			t.Errorf("NewPredictor(%d).maxCandidates = %d, want %d", n, p.maxCandidates, DefaultMaxCandidates)
		}
		if _, err := p.Predict(context.Background(), 1, "X"); err != nil {
			t.Fatalf("Predict: %v", err)
		}
		if fp.lastLimit != DefaultMaxCandidates {
			t.Errorf("max %d: limit = %d, want %d", n, fp.lastLimit, DefaultMaxCandidates)
		}
	}

	if p := NewPredictor(&fakePatterns{}, 3); p.maxCandidates != 3 {
		t.Errorf("NewPredictor(3).maxCandidates = %d, want 3", p.maxCandidates)
	}
}

func TestPredict_FallsBackToGlobal(t *testing.T) {
	fp := &fakePatterns{global: []storage.PageCount{{Page: "Q", Count: 8}, {Page: "R", Count: 2}}}
	p := NewPredictor(fp, 5)

	got, err := p.Predict(context.Background(), 1, "X")
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if len(got.PredictedPages) != 2 || got.PredictedPages[0] != "Q" || got.PredictedPages[1] != "R" {
		t.Errorf("PredictedPages = %v, want [Q R]", got.PredictedPages)
	}
	if got.Confidence != 80 {
		t.Errorf("Confidence = %d, want 80", got.Confidence)
	}
}

func TestPredict_NoDataAnywhere(t *testing.T) {
	p := NewPredictor(&fakePatterns{}, 5)

	got, err := p.Predict(context.Background(), 1, "NeverVisited")
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if got.PredictedPages == nil || len(got.PredictedPages) != 0 {
		t.Errorf("PredictedPages = %#v, want empty non-nil slice", got.PredictedPages)
	}
	if got.Confidence != 0 {
		t.Errorf("Confidence = %d, want 0", got.Confidence)
	}
}

func TestPredict_StorageErrorYieldsEmpty(t *testing.T) {
	p := NewPredictor(&fakePatterns{userErr: errors.New("disk on fire")}, 5)

	got, err := p.Predict(context.Background(), 1, "X")
	if err == nil {
		t.Fatal("expected error from Predict")
	}
	if !got.Empty() || got.Confidence != 0 {
		t.Errorf("got %+v, want empty prediction", got)
	}

	p = NewPredictor(&fakePatterns{globalErr: errors.New("boom")}, 5)
	got, err = p.Predict(context.Background(), 1, "X")
	if err == nil {
		t.Fatal("expected error from global fallback")
	}
	if !got.Empty() {
		t.Errorf("got %+v, want empty prediction", got)
	}
}

func TestConfidence(t *testing.T) {
	tests := []struct {
		name   string
		counts []storage.PageCount
		want   int
	}{
		{"none", nil, 0},
		{"single", []storage.PageCount{{Page: "a", Count: 3}}, 100},
		{"even split", []storage.PageCount{{Page: "a", Count: 1}, {Page: "b", Count: 1}}, 50},
		{"rounds half up", []storage.PageCount{{Page: "a", Count: 7}, {Page: "b", Count: 1}}, 88},
		{"two thirds", []storage.PageCount{{Page: "a", Count: 2}, {Page: "b", Count: 1}}, 67},
		{"zero mass", []storage.PageCount{{Page: "a", Count: 0}}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := confidence(tt.counts); got != tt.want {
				t.Errorf("confidence(%v) = %d, want %d", tt.counts, got, tt.want)
			}
		})
	}
}
