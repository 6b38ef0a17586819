// Package api exposes the daemon's HTTP surface: the bridge webhook,
// read endpoints for cases and jobs, operational stats, and the MCP
// server for agent access.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dejabot/deja/internal/ingest"
	"github.com/dejabot/deja/internal/storage"
)

const maxInboundBodySize = 1 << 20 // 1MB

// IndexStats reports the size of the vector index. Implemented by
// knowledge.Store.
type IndexStats interface {
	Count() int
}

// Deps holds dependencies for the HTTP handler.
type Deps struct {
	Store       *storage.Store
	Index       IndexStats
	Token       string
	MaxAttempts int
}

// NewHandler builds the router. Everything except /health requires the
// bearer token; the bridge and the CLI both authenticate with it.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Post("/inbound", handleInbound(deps))
		r.Get("/groups/{groupID}/cases", handleListGroupCases(deps))
		r.Get("/cases/{id}", handleGetCase(deps))
		r.Get("/jobs/dead", handleListDeadJobs(deps))
		r.Post("/jobs/{id}/retry", handleRetryJob(deps))
		r.Get("/stats", handleStats(deps))
		r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	})

	return r
}

// handleInbound is the bridge webhook. It validates the payload shape,
// assigns a message id when the bridge did not, and enqueues an INGEST
// job; the pipeline does everything else asynchronously.
func handleInbound(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxInboundBodySize)
		defer r.Body.Close()

		var in ingest.InboundMessage
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if in.GroupID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "group_id is required")
			return
		}
		if in.MessageID == "" {
			in.MessageID = uuid.New().String()
		}

		payload, err := json.Marshal(in)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to encode payload: %v", err)
			return
		}
		job := storage.Job{
			ID:          uuid.New().String(),
			Type:        storage.JobIngest,
			GroupID:     in.GroupID,
			PayloadJSON: string(payload),
			DedupeKey:   storage.JobIngest + ":" + in.MessageID,
			MaxAttempts: deps.MaxAttempts,
		}
		inserted, err := deps.Store.EnqueueJob(job)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue job: %v", err)
			return
		}
		status := "queued"
		if !inserted {
			status = "duplicate"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{
			"job_id":     job.ID,
			"message_id": in.MessageID,
			"status":     status,
		})
	}
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs, err := deps.Store.CountJobs()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to count jobs: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status": "ok",
			"jobs":   jobs,
		})
	}
}

func handleListGroupCases(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		groupID := chi.URLParam(r, "groupID")
		limit := parseIntParam(r, "limit", 20, 100)

		cases, err := deps.Store.ListGroupCases(groupID, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list cases: %v", err)
			return
		}
		if cases == nil {
			cases = []storage.Case{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(cases)
	}
}

func handleGetCase(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		c, err := deps.Store.GetCase(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "case not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get case: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(c)
	}
}

func handleListDeadJobs(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 50, 500)

		jobs, err := deps.Store.ListDeadJobs(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list dead jobs: %v", err)
			return
		}
		if jobs == nil {
			jobs = []storage.Job{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(jobs)
	}
}

func handleRetryJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := deps.Store.RetryJob(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusConflict, "invalid_request_error", "%v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "queued"})
	}
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		messages, err := deps.Store.CountMessages()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to count messages: %v", err)
			return
		}
		cases, err := deps.Store.CountCases()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to count cases: %v", err)
			return
		}
		jobs, err := deps.Store.CountJobs()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to count jobs: %v", err)
			return
		}
		indexed := 0
		if deps.Index != nil {
			indexed = deps.Index.Count()
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"messages":      messages,
			"cases":         cases,
			"indexed_cases": indexed,
			"jobs":          jobs,
		})
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
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
