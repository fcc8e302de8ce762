// Package admin implements the stateless administrative surface (C7):
// topic lifecycle and health, operating directly on the broker registry
// and never bypassing Topic's own operations (spec §4.7).
package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tanmay-xvx/inmem-pubsub/internal/admission"
	"github.com/tanmay-xvx/inmem-pubsub/internal/broker"
	"github.com/tanmay-xvx/inmem-pubsub/internal/metrics"
	"github.com/tanmay-xvx/inmem-pubsub/internal/sysmetrics"
)

// Handler serves the admin request/response surface over HTTP.
type Handler struct {
	registry *broker.Registry
	metrics  *metrics.Registry
	sampler  *sysmetrics.Sampler
	logger   *zap.Logger
	strict   bool
	limiter  *rate.Limiter
}

// NewHandler builds an admin Handler. strict, when true, makes create-on-existing
// a topic-exists error instead of an idempotent "exists" status (spec §7).
func NewHandler(registry *broker.Registry, metricsRegistry *metrics.Registry, sampler *sysmetrics.Sampler, logger *zap.Logger, strict bool, requestsPerSecond float64) *Handler {
	return &Handler{
		registry: registry,
		metrics:  metricsRegistry,
		sampler:  sampler,
		logger:   logger,
		strict:   strict,
		limiter:  admission.NewLimiter(requestsPerSecond),
	}
}

// Router builds the gorilla/mux router exposing the admin surface.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(h.rateLimitMiddleware)
	r.HandleFunc("/topics", h.listTopics).Methods(http.MethodGet)
	r.HandleFunc("/topics", h.createTopic).Methods(http.MethodPost)
	r.HandleFunc("/topics/{name}", h.deleteTopic).Methods(http.MethodDelete)
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	return r
}

func (h *Handler) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.limiter.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type createTopicRequest struct {
	Name     string `json:"name"`
	Capacity int    `json:"capacity,omitempty"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type errorResponse struct {
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

func (h *Handler) createTopic(w http.ResponseWriter, r *http.Request) {
	var req createTopicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(broker.CodeBadFrame), err.Error())
		return
	}

	status, err := h.registry.Create(req.Name, req.Capacity)
	if err != nil {
		h.metrics.AdminErrors.WithLabelValues(string(broker.CodeOf(err))).Inc()
		writeError(w, http.StatusBadRequest, string(broker.CodeOf(err)), err.Error())
		return
	}

	if status == broker.AlreadyExists && h.strict {
		h.metrics.AdminErrors.WithLabelValues(string(broker.CodeTopicExists)).Inc()
		writeError(w, http.StatusConflict, string(broker.CodeTopicExists), req.Name)
		return
	}

	resp := statusResponse{Status: "created"}
	if status == broker.AlreadyExists {
		resp.Status = "exists"
	}
	h.syncTopicsMetric()
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) deleteTopic(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	status := h.registry.Delete(name)
	if status == broker.NotFound {
		h.metrics.AdminErrors.WithLabelValues(string(broker.CodeTopicNotFound)).Inc()
		writeError(w, http.StatusNotFound, string(broker.CodeTopicNotFound), name)
		return
	}
	h.syncTopicsMetric()
	writeJSON(w, http.StatusOK, statusResponse{Status: "deleted"})
}

// syncTopicsMetric refreshes the Topics gauge from the registry, the
// source of truth, rather than incrementing/decrementing it at each call
// site (cheap: Count() is an O(1) map length under a read lock).
func (h *Handler) syncTopicsMetric() {
	if h.metrics != nil {
		h.metrics.Topics.Set(float64(h.registry.Count()))
	}
}

type topicSummary struct {
	Name        string `json:"name"`
	Subscribers int    `json:"subscribers"`
	HistorySize int    `json:"history_size"`
}

func (h *Handler) listTopics(w http.ResponseWriter, r *http.Request) {
	infos := h.registry.List()
	out := make([]topicSummary, 0, len(infos))
	for _, info := range infos {
		out = append(out, topicSummary{
			Name:        info.Name,
			Subscribers: info.SubscriberCount,
			HistorySize: info.HistorySize,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type healthResponse struct {
	OK         bool    `json:"ok"`
	Topics     int     `json:"topics"`
	CPUPercent float64 `json:"cpu_percent,omitempty"`
	MemoryRSS  uint64  `json:"memory_rss,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{OK: true, Topics: h.registry.Count()}
	if h.sampler != nil {
		sample := h.sampler.Last()
		if time.Since(sample.SampledAt) < 30*time.Second {
			resp.CPUPercent = sample.CPUPercent
			resp.MemoryRSS = sample.MemoryRSS
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, errorResponse{Code: code, Detail: detail})
}
