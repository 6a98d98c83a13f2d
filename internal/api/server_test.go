package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/banshee-data/bottle.report/internal/config"
	"github.com/banshee-data/bottle.report/internal/inspect"
	"github.com/banshee-data/bottle.report/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.Store, *inspect.Pipeline) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.Options{})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	pipeline := inspect.NewPipeline(inspect.DefaultConfig(), st, nil)
	return NewServer(pipeline, st, nil), st, pipeline
}

func doRequest(t *testing.T, s *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rr := httptest.NewRecorder()
	s.ServeMux().ServeHTTP(rr, req)
	return rr
}

func seedDefect(t *testing.T, st *store.Store, key, defectType string) {
	t.Helper()
	conf := 0.9
	_, err := st.InsertDefect(context.Background(), key, nil, "sess", store.DefectInsert{
		DefectType: defectType,
		Confidence: &conf,
	})
	if err != nil {
		t.Fatalf("Failed to seed defect: %v", err)
	}
}

func TestStartSession(t *testing.T) {
	s, _, pipeline := newTestServer(t)

	rr := doRequest(t, s, http.MethodPost, "/api/session/start")
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["session_id"] == "" {
		t.Error("Expected a session id")
	}
	if resp["session_id"] != pipeline.SessionID() {
		t.Error("Response session id does not match the pipeline's")
	}
}

func TestStartSessionMethodNotAllowed(t *testing.T) {
	s, _, _ := newTestServer(t)

	rr := doRequest(t, s, http.MethodGet, "/api/session/start")
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", rr.Code)
	}
}

func TestListDefects(t *testing.T) {
	s, st, _ := newTestServer(t)
	seedDefect(t, st, "sess:BTL_00001", "no_cap")
	seedDefect(t, st, "sess:BTL_00002", "low_water")

	rr := doRequest(t, s, http.MethodGet, "/api/defects")
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var defects []store.DefectRecord
	if err := json.Unmarshal(rr.Body.Bytes(), &defects); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if len(defects) != 2 {
		t.Errorf("Expected 2 defects, got %d", len(defects))
	}
}

func TestListDefectsFilterByType(t *testing.T) {
	s, st, _ := newTestServer(t)
	seedDefect(t, st, "sess:BTL_00001", "no_cap")
	seedDefect(t, st, "sess:BTL_00002", "low_water")

	rr := doRequest(t, s, http.MethodGet, "/api/defects?type=no_cap")
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var defects []store.DefectRecord
	if err := json.Unmarshal(rr.Body.Bytes(), &defects); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if len(defects) != 1 {
		t.Fatalf("Expected 1 defect, got %d", len(defects))
	}
	if defects[0].DefectType != "no_cap" {
		t.Errorf("Expected no_cap, got %s", defects[0].DefectType)
	}
}

func TestListDefectsEmptyIsArray(t *testing.T) {
	s, _, _ := newTestServer(t)

	rr := doRequest(t, s, http.MethodGet, "/api/defects")
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rr.Code)
	}
	if body := rr.Body.String(); body != "[]\n" {
		t.Errorf("Expected empty JSON array, got %q", body)
	}
}

func TestListDefectsInvalidParams(t *testing.T) {
	s, _, _ := newTestServer(t)

	for _, target := range []string{
		"/api/defects?limit=0",
		"/api/defects?limit=abc",
		"/api/defects?start=yesterday",
		"/api/defects?end=later",
	} {
		if rr := doRequest(t, s, http.MethodGet, target); rr.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", target, rr.Code)
		}
	}
}

func TestBottleStatus(t *testing.T) {
	s, st, _ := newTestServer(t)

	if _, err := st.InsertBottle(context.Background(), "sess:BTL_00001", nil, "sess", nil, store.StatusPass); err != nil {
		t.Fatalf("Failed to seed bottle: %v", err)
	}

	rr := doRequest(t, s, http.MethodGet, "/api/bottle_status?key=sess:BTL_00001")
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["status"] != "PASS" {
		t.Errorf("Expected PASS, got %s", resp["status"])
	}
}

func TestBottleStatusNotFound(t *testing.T) {
	s, _, _ := newTestServer(t)

	rr := doRequest(t, s, http.MethodGet, "/api/bottle_status?key=sess:BTL_09999")
	if rr.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rr.Code)
	}
}

func TestBottleStatusMissingKey(t *testing.T) {
	s, _, _ := newTestServer(t)

	rr := doRequest(t, s, http.MethodGet, "/api/bottle_status")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rr.Code)
	}
}

func TestStats(t *testing.T) {
	s, st, _ := newTestServer(t)
	seedDefect(t, st, "sess:BTL_00001", "no_cap")

	rr := doRequest(t, s, http.MethodGet, "/api/stats")
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp struct {
		Session inspect.Snapshot `json:"session"`
		Stored  store.Statistics `json:"stored"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.Stored.TotalDefects != 1 {
		t.Errorf("Expected 1 stored defect, got %d", resp.Stored.TotalDefects)
	}
	if resp.Stored.WindowHours != 24 {
		t.Errorf("Expected 24h default window, got %d", resp.Stored.WindowHours)
	}
}

func TestStatsInvalidHours(t *testing.T) {
	s, _, _ := newTestServer(t)

	rr := doRequest(t, s, http.MethodGet, "/api/stats?hours=0")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rr.Code)
	}
}

func TestShowConfig(t *testing.T) {
	s, _, _ := newTestServer(t)

	rr := doRequest(t, s, http.MethodGet, "/api/config")
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rr.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["trigger_tolerance"] != float64(15) {
		t.Errorf("Expected trigger_tolerance 15, got %v", resp["trigger_tolerance"])
	}
}

func TestShowConfigReflectsLoadedValues(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.Options{})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	tol := 25
	cfg := &config.TuningConfig{TriggerTolerance: &tol}
	s := NewServer(inspect.NewPipeline(inspect.DefaultConfig(), st, nil), st, cfg)

	rr := doRequest(t, s, http.MethodGet, "/api/config")
	var resp map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["trigger_tolerance"] != float64(25) {
		t.Errorf("Expected trigger_tolerance 25, got %v", resp["trigger_tolerance"])
	}
}

func TestResetTracking(t *testing.T) {
	s, _, pipeline := newTestServer(t)
	pipeline.StartSession()
	session := pipeline.SessionID()

	rr := doRequest(t, s, http.MethodPost, "/api/tracking/reset")
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rr.Code)
	}
	if pipeline.SessionID() != session {
		t.Error("Tracking reset must not change the session")
	}
}

func TestClearRecords(t *testing.T) {
	s, st, _ := newTestServer(t)
	seedDefect(t, st, "sess:BTL_00001", "no_cap")

	rr := doRequest(t, s, http.MethodPost, "/api/records/clear")
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	defects, err := st.Defects(context.Background(), store.DefectQuery{})
	if err != nil {
		t.Fatalf("Failed to list defects: %v", err)
	}
	if len(defects) != 0 {
		t.Errorf("Expected no defects after clear, got %d", len(defects))
	}
}

func TestLoggingMiddlewarePassthrough(t *testing.T) {
	handler := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/anything", nil))
	if rr.Code != http.StatusTeapot {
		t.Errorf("Expected status to pass through, got %d", rr.Code)
	}
}
