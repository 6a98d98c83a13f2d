// Package api exposes the inspection server's HTTP surface: defect queries,
// live session statistics, and session lifecycle controls.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/bottle.report/internal/config"
	"github.com/banshee-data/bottle.report/internal/inspect"
	"github.com/banshee-data/bottle.report/internal/store"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

type Server struct {
	pipeline *inspect.Pipeline
	store    *store.Store
	cfg      *config.TuningConfig
}

func NewServer(pipeline *inspect.Pipeline, st *store.Store, cfg *config.TuningConfig) *Server {
	if cfg == nil {
		cfg = config.EmptyTuningConfig()
	}
	return &Server{
		pipeline: pipeline,
		store:    st,
		cfg:      cfg,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/defects", s.listDefects)
	mux.HandleFunc("/api/bottle_status", s.showBottleStatus)
	mux.HandleFunc("/api/stats", s.showStats)
	mux.HandleFunc("/api/config", s.showConfig)
	mux.HandleFunc("/api/session/start", s.startSession)
	mux.HandleFunc("/api/tracking/reset", s.resetTracking)
	mux.HandleFunc("/api/records/clear", s.clearRecords)
	return mux
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) listDefects(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var q store.DefectQuery
	q.DefectType = r.URL.Query().Get("type")
	if v := r.URL.Query().Get("start"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'start' parameter")
			return
		}
		q.StartTime = &ts
	}
	if v := r.URL.Query().Get("end"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'end' parameter")
			return
		}
		q.EndTime = &ts
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'limit' parameter")
			return
		}
		q.Limit = limit
	}

	defects, err := s.store.Defects(r.Context(), q)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to retrieve defects: %v", err))
		return
	}
	if defects == nil {
		defects = []store.DefectRecord{}
	}

	if err := json.NewEncoder(w).Encode(defects); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write defects")
		return
	}
}

func (s *Server) showBottleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSONError(w, http.StatusBadRequest, "Missing 'key' parameter")
		return
	}

	status, err := s.store.BottleStatus(r.Context(), key)
	if errors.Is(err, store.ErrNotFound) {
		s.writeJSONError(w, http.StatusNotFound, "Bottle not found")
		return
	}
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to retrieve bottle status: %v", err))
		return
	}

	json.NewEncoder(w).Encode(map[string]string{
		"bottle_key": key,
		"status":     string(status),
	})
}

func (s *Server) showStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	hours := 24 // default window
	if v := r.URL.Query().Get("hours"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'hours' parameter")
			return
		}
		hours = parsed
	}

	stored, err := s.store.Statistics(r.Context(), hours)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to retrieve statistics: %v", err))
		return
	}

	resp := map[string]interface{}{
		"session": s.pipeline.Stats(),
		"stored":  stored,
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write statistics")
		return
	}
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	resp := map[string]interface{}{
		"trigger_x":            s.cfg.GetTriggerX(),
		"trigger_tolerance":    s.cfg.GetTriggerTolerance(),
		"max_disappeared":      s.cfg.GetMaxDisappeared(),
		"max_distance":         s.cfg.GetMaxDistance(),
		"track_near_threshold": s.cfg.GetTrackNearThreshold(),
		"save_defect_images":   s.cfg.GetSaveDefectImages(),
		"images_dir":           s.cfg.GetImagesDir(),
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write config")
		return
	}
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	id := s.pipeline.StartSession()
	json.NewEncoder(w).Encode(map[string]string{"session_id": id})
}

func (s *Server) resetTracking(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	s.pipeline.ResetTracking()
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) clearRecords(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if err := s.store.ClearAllRecords(r.Context()); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to clear records: %v", err))
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "cleared"})
}
