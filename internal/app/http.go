package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"revstore/internal/history"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

type CaptureInput struct {
	Content string `json:"content"`
	Label   string `json:"label"`
	Reason  string `json:"reason"`
	Manual  bool   `json:"manual"`
	Force   bool   `json:"force"`
}

func (in CaptureInput) meta() history.Meta {
	return history.Meta{Label: in.Label, Reason: in.Reason, Manual: in.Manual, Force: in.Force}
}

type ClearInput struct {
	KeepLatest    bool   `json:"keepLatest"`
	LatestContent string `json:"latestContent"`
	Label         string `json:"label"`
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"storage": map[string]any{"status": "ok", "kind": s.service.StorageKind()},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["storage"] = map[string]any{
				"status": "error",
				"kind":   s.service.StorageKind(),
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/documents" {
		writeJSON(w, http.StatusOK, map[string]any{"documents": s.service.Documents()})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 5 && parts[0] == "api" && parts[1] == "documents" && parts[3] == "history" {
		s.handleHistory(w, r, parts[2], parts[4:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request, documentID string, parts []string) {
	svc, err := s.service.History(r.Context(), documentID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	switch {
	case len(parts) == 1 && parts[0] == "init" && r.Method == http.MethodPost:
		var body CaptureInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		outcome, err := svc.Initialize(r.Context(), body.Content, body.meta())
		writeOutcome(w, outcome, err)

	case len(parts) == 1 && parts[0] == "record" && r.Method == http.MethodPost:
		var body CaptureInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		outcome, err := svc.Record(r.Context(), body.Content, body.meta())
		writeOutcome(w, outcome, err)

	case len(parts) == 1 && parts[0] == "clear" && r.Method == http.MethodPost:
		var body ClearInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		outcome, err := svc.Clear(r.Context(), history.ClearOptions{
			KeepLatest:    body.KeepLatest,
			LatestContent: body.LatestContent,
			Label:         body.Label,
		})
		writeOutcome(w, outcome, err)

	case len(parts) == 1 && parts[0] == "stats" && r.Method == http.MethodGet:
		stats, err := svc.Stats(r.Context())
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"stats": stats})

	case len(parts) == 1 && parts[0] == "entries" && r.Method == http.MethodGet:
		opts := history.ListOptions{}
		query := r.URL.Query()
		if raw := strings.TrimSpace(query.Get("newestFirst")); raw != "" {
			opts.NewestFirst, _ = strconv.ParseBool(raw)
		}
		if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
			limit, err := strconv.Atoi(raw)
			if err != nil || limit < 0 {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be a non-negative integer", nil)
				return
			}
			opts.Limit = limit
		}
		entries, err := svc.Entries(r.Context(), opts)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "current": svc.Current()})

	case len(parts) == 2 && parts[0] == "entries" && r.Method == http.MethodGet:
		entry, err := svc.EntryByID(r.Context(), parts[1])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		if entry == nil {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "History entry not found", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entry": entry})

	case len(parts) == 3 && parts[0] == "entries" && parts[2] == "current" && r.Method == http.MethodPost:
		ok, err := svc.MarkCurrent(r.Context(), parts[1])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "History entry not found", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"current": parts[1]})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func writeOutcome(w http.ResponseWriter, outcome history.Outcome, err error) {
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	status := http.StatusOK
	if outcome.Recorded {
		status = http.StatusCreated
	}
	writeJSON(w, status, outcome)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var historyErr *history.HistoryError
	if errors.As(err, &historyErr) {
		switch historyErr.Code {
		case history.CodeInvalidMeta:
			return http.StatusUnprocessableEntity, "VALIDATION_ERROR", historyErr.Message, nil
		case history.CodeStorageUnavailable:
			return http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", historyErr.Message, map[string]any{"sessionOnly": true}
		}
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
