package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mundotango/prefetchd/internal/predict"
	"github.com/mundotango/prefetchd/internal/storage"
)

const testToken = "test-token-12345"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T) (*predict.Service, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return predict.NewService(store, predict.Config{Logger: quietLogger()}), store
}

func setupAppHandler(t *testing.T) (http.Handler, *predict.Service, *storage.Store) {
	t.Helper()
	svc, store := newTestService(t)
	handler := NewAppHandler(AppDeps{
		Service: svc,
		Token:   testToken,
		Logger:  quietLogger(),
	})
	return handler, svc, store
}

func userReq(method, url, body string, userID string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	req.Header.Set("Authorization", "Bearer "+testToken)
	if userID != "" {
		req.Header.Set(UserIDHeader, userID)
	}
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding error envelope: %v; body = %s", err, rr.Body.String())
	}
	return env.Error.Type
}

func TestHealth_NoAuth(t *testing.T) {
	h, _, _ := setupAppHandler(t)

	rr := serve(h, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"ok"`) {
		t.Errorf("body = %s", rr.Body.String())
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
}

func TestAuth_RejectsBadToken(t *testing.T) {
	h, _, _ := setupAppHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/accuracy", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	req.Header.Set(UserIDHeader, "1")
	rr := serve(h, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
	if typ := decodeError(t, rr); typ != "authentication_error" {
		t.Errorf("error type = %q, want authentication_error", typ)
	}
}

func TestAuth_RequiresUserID(t *testing.T) {
	h, _, _ := setupAppHandler(t)

	for _, id := range []string{"", "abc", "0", "-3"} {
		rr := serve(h, userReq(http.MethodGet, "/accuracy", "", id))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("X-User-ID %q: status = %d, want 401", id, rr.Code)
		}
	}
}

func TestTrack_RecordsPattern(t *testing.T) {
	h, _, store := setupAppHandler(t)

	rr := serve(h, userReq(http.MethodPost, "/track", `{"fromPage":"/feed","toPage":"/events","timeOnPage":12}`, "7"))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if strings.TrimSpace(rr.Body.String()) != `{"success":true}` {
		t.Errorf("body = %s", rr.Body.String())
	}

	p, err := store.GetPattern(context.Background(), 7, "/feed", "/events")
	if err != nil {
		t.Fatalf("GetPattern: %v", err)
	}
	if p.TransitionCount != 1 || p.AvgTimeOnPage != 12 {
		t.Errorf("pattern = %+v, want count 1 avg 12", p)
	}
}

func TestTrack_Validation(t *testing.T) {
	h, _, store := setupAppHandler(t)

	bodies := []string{
		`not json`,
		`{"toPage":"/b","timeOnPage":1}`,
		`{"fromPage":"/a","timeOnPage":1}`,
		`{"fromPage":"/a","toPage":"/b"}`,
		`{"fromPage":"/a","toPage":"/b","timeOnPage":-1}`,
	}
	for _, body := range bodies {
		rr := serve(h, userReq(http.MethodPost, "/track", body, "1"))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want 400", body, rr.Code)
			continue
		}
		if typ := decodeError(t, rr); typ != "invalid_request_error" {
			t.Errorf("body %s: error type = %q", body, typ)
		}
	}

	patterns, _, err := store.TableCounts(context.Background())
	if err != nil {
		t.Fatalf("TableCounts: %v", err)
	}
	if patterns != 0 {
		t.Errorf("patterns = %d after rejected requests, want 0", patterns)
	}
}

func TestTrack_IgnoresUserIDInBody(t *testing.T) {
	h, _, store := setupAppHandler(t)

	serve(h, userReq(http.MethodPost, "/track", `{"userId":99,"fromPage":"/a","toPage":"/b","timeOnPage":1}`, "5"))

	if _, err := store.GetPattern(context.Background(), 5, "/a", "/b"); err != nil {
		t.Errorf("pattern for header user: %v", err)
	}
	if _, err := store.GetPattern(context.Background(), 99, "/a", "/b"); err == nil {
		t.Error("pattern was written for the body's userId")
	}
}

func TestPredict_WarmsOnMiss(t *testing.T) {
	h, svc, _ := setupAppHandler(t)
	ctx := context.Background()
	svc.TrackNavigation(ctx, 1, "/feed", "/events", 5)
	svc.TrackNavigation(ctx, 1, "/feed", "/events", 5)
	svc.TrackNavigation(ctx, 1, "/feed", "/profile", 5)

	rr := serve(h, userReq(http.MethodGet, "/predict?currentPage=/feed", "", "1"))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var got predict.Prediction
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.CurrentPage != "/feed" || len(got.PredictedPages) != 2 || got.PredictedPages[0] != "/events" {
		t.Errorf("prediction = %+v", got)
	}
	if got.Confidence != 67 {
		t.Errorf("Confidence = %d, want 67", got.Confidence)
	}

	if _, ok := svc.GetCachedPrediction(ctx, 1, "/feed"); !ok {
		t.Error("expected /predict to warm the cache")
	}
}

func TestPredict_EmptyIsArray(t *testing.T) {
	h, _, _ := setupAppHandler(t)

	rr := serve(h, userReq(http.MethodGet, "/predict?currentPage=/nowhere", "", "1"))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"predictedPages":[]`) {
		t.Errorf("body = %s, want empty predictedPages array", rr.Body.String())
	}
}

func TestPredict_RequiresCurrentPage(t *testing.T) {
	h, _, _ := setupAppHandler(t)

	rr := serve(h, userReq(http.MethodGet, "/predict", "", "1"))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestWarmCache(t *testing.T) {
	h, svc, _ := setupAppHandler(t)
	svc.TrackNavigation(context.Background(), 3, "/a", "/b", 1)

	rr := serve(h, userReq(http.MethodPost, "/warm-cache", `{"currentPage":"/a"}`, "3"))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var got predict.WarmResult
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.UserID != 3 || !got.CacheWarmed || len(got.WarmedPages) != 1 || got.WarmedPages[0] != "/b" {
		t.Errorf("result = %+v", got)
	}

	rr = serve(h, userReq(http.MethodPost, "/warm-cache", `{}`, "3"))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("missing currentPage: status = %d, want 400", rr.Code)
	}
}

func TestWarmCacheBatch(t *testing.T) {
	h, svc, _ := setupAppHandler(t)
	svc.TrackNavigation(context.Background(), 3, "/a", "/b", 1)

	rr := serve(h, userReq(http.MethodPost, "/warm-cache/batch", `{"pages":["/a","/unknown"]}`, "3"))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var got []predict.WarmResult
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].CurrentPage != "/a" || !got[0].CacheWarmed {
		t.Errorf("got[0] = %+v", got[0])
	}
	if got[1].CurrentPage != "/unknown" || got[1].CacheWarmed {
		t.Errorf("got[1] = %+v", got[1])
	}

	for _, body := range []string{`{"pages":[]}`, `{"pages":["/a",""]}`} {
		rr := serve(h, userReq(http.MethodPost, "/warm-cache/batch", body, "3"))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want 400", body, rr.Code)
		}
	}
}

func TestRecordHitAndAccuracy(t *testing.T) {
	h, svc, _ := setupAppHandler(t)
	ctx := context.Background()
	svc.TrackNavigation(ctx, 2, "/a", "/b", 1)
	svc.WarmCache(ctx, 2, "/a")

	for _, next := range []string{"/b", "/b", "/c"} {
		body := `{"currentPage":"/a","actualNextPage":"` + next + `"}`
		rr := serve(h, userReq(http.MethodPost, "/record-hit", body, "2"))
		if rr.Code != http.StatusOK {
			t.Fatalf("record-hit status = %d; body = %s", rr.Code, rr.Body.String())
		}
	}

	rr := serve(h, userReq(http.MethodGet, "/accuracy", "", "2"))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var got predict.AccuracyStats
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := predict.AccuracyStats{TotalPredictions: 1, Hits: 2, Misses: 1, Accuracy: 67}
	if got != want {
		t.Errorf("stats = %+v, want %+v", got, want)
	}

	rr = serve(h, userReq(http.MethodPost, "/record-hit", `{"currentPage":"/a"}`, "2"))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("missing actualNextPage: status = %d, want 400", rr.Code)
	}
}

func TestPatterns_LimitedAndScoped(t *testing.T) {
	svc, _ := newTestService(t)
	h := NewAppHandler(AppDeps{Service: svc, Token: testToken, PatternsLimit: 3, Logger: quietLogger()})
	ctx := context.Background()
	for _, to := range []string{"/1", "/2", "/3", "/4", "/5"} {
		svc.TrackNavigation(ctx, 4, "/home", to, 1)
	}
	svc.TrackNavigation(ctx, 5, "/home", "/other", 1)

	rr := serve(h, userReq(http.MethodGet, "/patterns", "", "4"))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var got []storage.NavigationPattern
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for _, p := range got {
		if p.UserID != 4 {
			t.Errorf("pattern for user %d leaked into user 4's list", p.UserID)
		}
	}

	rr = serve(h, userReq(http.MethodGet, "/patterns?limit=1", "", "4"))
	got = nil
	json.Unmarshal(rr.Body.Bytes(), &got)
	if len(got) != 1 {
		t.Errorf("limit=1: len = %d, want 1", len(got))
	}

	rr = serve(h, userReq(http.MethodGet, "/patterns", "", "6"))
	if strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Errorf("no patterns: body = %s, want []", rr.Body.String())
	}
}

func TestCleanCache(t *testing.T) {
	h, _, _ := setupAppHandler(t)

	rr := serve(h, userReq(http.MethodDelete, "/clean-cache", "", "1"))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if strings.TrimSpace(rr.Body.String()) != `{"deletedCount":0}` {
		t.Errorf("body = %s", rr.Body.String())
	}
}

func TestCleanCache_TokenOnly(t *testing.T) {
	h, _, _ := setupAppHandler(t)

	rr := serve(h, userReq(http.MethodDelete, "/clean-cache", "", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("without %s: status = %d, want 200; body = %s", UserIDHeader, rr.Code, rr.Body.String())
	}

	req := httptest.NewRequest(http.MethodDelete, "/clean-cache", nil)
	rr = serve(h, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("without token: status = %d, want 401", rr.Code)
	}
}
