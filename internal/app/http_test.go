package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"revstore/internal/config"
	"revstore/internal/digest"
	"revstore/internal/lock"
	"revstore/internal/store"
)

func testConfig() config.Config {
	return config.Config{
		BudgetBytes:    config.DefaultBudgetBytes,
		DebounceWindow: 10 * time.Second,
		MinByteDelta:   200,
		MaxEntries:     500,
	}
}

func newTestServer(t *testing.T, backends Opener) *HTTPServer {
	t.Helper()
	svc := New(testConfig(), backends, digest.New())
	t.Cleanup(func() { _ = svc.Close() })
	return NewHTTPServer(svc, "*")
}

func doJSON(t *testing.T, server *HTTPServer, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	var payload map[string]any
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("parse response %q: %v", rr.Body.String(), err)
		}
	}
	return rr, payload
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(t, Backends{})
	rr, payload := doJSON(t, server, http.MethodGet, "/api/health", nil)
	if rr.Code != http.StatusOK || payload["ok"] != true {
		t.Fatalf("expected ok health, got %d %v", rr.Code, payload)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected X-Request-ID header")
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("expected CORS header")
	}
}

func TestReadyEndpointReportsStorage(t *testing.T) {
	server := newTestServer(t, Backends{})
	rr, payload := doJSON(t, server, http.MethodGet, "/api/ready", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	checks := payload["checks"].(map[string]any)
	storage := checks["storage"].(map[string]any)
	if storage["kind"] != "memory" || storage["status"] != "ok" {
		t.Fatalf("unexpected storage check: %v", storage)
	}
}

func TestReadyEndpointFailsWhenRedisIsDown(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr(), MaxRetries: -1})
	defer client.Close()
	server := newTestServer(t, Backends{Redis: client, LockOptions: lock.DefaultOptions()})
	s.Close()

	rr, payload := doJSON(t, server, http.MethodGet, "/api/ready", nil)
	if rr.Code != http.StatusServiceUnavailable || payload["ok"] != false {
		t.Fatalf("expected not ready, got %d %v", rr.Code, payload)
	}
}

func TestRecordAndListEntries(t *testing.T) {
	server := newTestServer(t, Backends{})

	rr, payload := doJSON(t, server, http.MethodPost, "/api/documents/doc-1/history/record", CaptureInput{Content: `{"a": 1}`, Label: "First"})
	if rr.Code != http.StatusCreated || payload["recorded"] != true {
		t.Fatalf("expected created, got %d %v", rr.Code, payload)
	}
	entry := payload["entry"].(map[string]any)
	id := entry["id"].(string)
	if entry["label"] != "First" || entry["content"] != `{"a": 1}` {
		t.Fatalf("unexpected entry: %v", entry)
	}

	rr, payload = doJSON(t, server, http.MethodPost, "/api/documents/doc-1/history/record", CaptureInput{Content: `{"a": 1}`})
	if rr.Code != http.StatusOK || payload["recorded"] != false || payload["reason"] != "duplicate" {
		t.Fatalf("expected duplicate, got %d %v", rr.Code, payload)
	}

	rr, payload = doJSON(t, server, http.MethodGet, "/api/documents/doc-1/history/entries?newestFirst=true&limit=10", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	entries := payload["entries"].([]any)
	if len(entries) != 1 || payload["current"] != id {
		t.Fatalf("unexpected entries payload: %v", payload)
	}
	meta := entries[0].(map[string]any)["meta"].(map[string]any)
	if meta["occurrences"] != float64(2) {
		t.Fatalf("expected occurrences 2, got %v", meta["occurrences"])
	}

	rr, payload = doJSON(t, server, http.MethodGet, "/api/documents/doc-1/history/entries/"+id, nil)
	if rr.Code != http.StatusOK || payload["entry"].(map[string]any)["id"] != id {
		t.Fatalf("expected entry lookup, got %d %v", rr.Code, payload)
	}

	rr, payload = doJSON(t, server, http.MethodGet, "/api/documents/doc-1/history/stats", nil)
	stats := payload["stats"].(map[string]any)
	if rr.Code != http.StatusOK || stats["count"] != float64(1) || stats["latestLabel"] != "First" {
		t.Fatalf("unexpected stats: %d %v", rr.Code, payload)
	}

	rr, payload = doJSON(t, server, http.MethodGet, "/api/documents", nil)
	documents := payload["documents"].([]any)
	if rr.Code != http.StatusOK || len(documents) != 1 || documents[0] != "doc-1" {
		t.Fatalf("unexpected documents: %v", payload)
	}
}

func TestDocumentsAreIsolated(t *testing.T) {
	server := newTestServer(t, Backends{})
	doJSON(t, server, http.MethodPost, "/api/documents/a/history/record", CaptureInput{Content: `{"a": 1}`})

	_, payload := doJSON(t, server, http.MethodGet, "/api/documents/b/history/stats", nil)
	if payload["stats"].(map[string]any)["count"] != float64(0) {
		t.Fatalf("document b sees a's history: %v", payload)
	}
}

func TestUnknownEntryReturnsNotFound(t *testing.T) {
	server := newTestServer(t, Backends{})
	rr, payload := doJSON(t, server, http.MethodGet, "/api/documents/doc-1/history/entries/rev_missing", nil)
	if rr.Code != http.StatusNotFound || payload["code"] != "NOT_FOUND" {
		t.Fatalf("expected 404, got %d %v", rr.Code, payload)
	}

	rr, _ = doJSON(t, server, http.MethodPost, "/api/documents/doc-1/history/entries/rev_missing/current", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 marking unknown entry current, got %d", rr.Code)
	}
}

func TestMarkCurrentRoute(t *testing.T) {
	server := newTestServer(t, Backends{})
	_, first := doJSON(t, server, http.MethodPost, "/api/documents/doc-1/history/init", CaptureInput{Content: `{"a": 1}`})
	firstID := first["entry"].(map[string]any)["id"].(string)
	doJSON(t, server, http.MethodPost, "/api/documents/doc-1/history/record", CaptureInput{Content: `{"b": 2}`, Manual: true})

	rr, payload := doJSON(t, server, http.MethodPost, "/api/documents/doc-1/history/entries/"+firstID+"/current", nil)
	if rr.Code != http.StatusOK || payload["current"] != firstID {
		t.Fatalf("expected current moved, got %d %v", rr.Code, payload)
	}
	_, stats := doJSON(t, server, http.MethodGet, "/api/documents/doc-1/history/stats", nil)
	if stats["stats"].(map[string]any)["current"] != firstID {
		t.Fatalf("stats do not reflect current entry: %v", stats)
	}
}

func TestClearRoute(t *testing.T) {
	server := newTestServer(t, Backends{})
	doJSON(t, server, http.MethodPost, "/api/documents/doc-1/history/record", CaptureInput{Content: `{"a": 1}`})
	doJSON(t, server, http.MethodPost, "/api/documents/doc-1/history/record", CaptureInput{Content: `{"a": 2}`, Manual: true})

	rr, payload := doJSON(t, server, http.MethodPost, "/api/documents/doc-1/history/clear", ClearInput{KeepLatest: true, LatestContent: `{"a": 3}`})
	if rr.Code != http.StatusCreated || payload["entry"].(map[string]any)["label"] != "Current state" {
		t.Fatalf("expected re-seeded entry, got %d %v", rr.Code, payload)
	}
	_, stats := doJSON(t, server, http.MethodGet, "/api/documents/doc-1/history/stats", nil)
	if stats["stats"].(map[string]any)["count"] != float64(1) {
		t.Fatalf("expected one entry after clear, got %v", stats)
	}
}

func TestValidationErrors(t *testing.T) {
	server := newTestServer(t, Backends{})

	rr, payload := doJSON(t, server, http.MethodGet, "/api/documents/bad%20name/history/stats", nil)
	if rr.Code != http.StatusUnprocessableEntity || payload["code"] != "VALIDATION_ERROR" {
		t.Fatalf("expected invalid document id, got %d %v", rr.Code, payload)
	}

	long := make([]byte, 300)
	for i := range long {
		long[i] = 'l'
	}
	rr, payload = doJSON(t, server, http.MethodPost, "/api/documents/doc-1/history/record", CaptureInput{Content: "{}", Label: string(long)})
	if rr.Code != http.StatusUnprocessableEntity || payload["code"] != "VALIDATION_ERROR" {
		t.Fatalf("expected invalid meta, got %d %v", rr.Code, payload)
	}

	rr, _ = doJSON(t, server, http.MethodGet, "/api/documents/doc-1/history/entries?limit=-3", nil)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected invalid limit rejected, got %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/documents/doc-1/history/record", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", rec.Code)
	}

	rr, _ = doJSON(t, server, http.MethodDelete, "/api/documents/doc-1/history/stats", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unsupported method, got %d", rr.Code)
	}
}

type failingOpener struct{}

func (failingOpener) Open(context.Context, string) (store.Backend, *lock.Locker, error) {
	return nil, nil, errors.New("no storage")
}

func (failingOpener) Ping(context.Context) error { return errors.New("no storage") }

func (failingOpener) Kind() string { return "broken" }

func TestOpenFailureIsServerError(t *testing.T) {
	server := newTestServer(t, failingOpener{})
	rr, payload := doJSON(t, server, http.MethodGet, "/api/documents/doc-1/history/stats", nil)
	if rr.Code != http.StatusInternalServerError || payload["code"] != "SERVER_ERROR" {
		t.Fatalf("expected server error, got %d %v", rr.Code, payload)
	}
}

func TestRedisBackedHistoryIsShared(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()
	backends := Backends{Redis: client, LockOptions: lock.DefaultOptions()}

	first := newTestServer(t, backends)
	second := newTestServer(t, backends)

	rr, _ := doJSON(t, first, http.MethodPost, "/api/documents/shared/history/record", CaptureInput{Content: `{"mappings": []}`})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected created, got %d", rr.Code)
	}
	rr, payload := doJSON(t, second, http.MethodPost, "/api/documents/shared/history/record", CaptureInput{Content: `{"mappings": []}`})
	if rr.Code != http.StatusOK || payload["reason"] != "duplicate" {
		t.Fatalf("second server should dedup against shared history, got %d %v", rr.Code, payload)
	}
}
