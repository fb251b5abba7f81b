// Package adminapi exposes the scheduler core's debug and observability
// surface over HTTP: health, Prometheus metrics, and read-only dumps of
// run-queue and dependency-graph state.
//
// The router shape (chi + middleware stack + writeJSON/writeError
// helpers + corsMiddleware) is grounded on the teacher's
// internal/api/server.go.
package adminapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tutu-network/gamesched/internal/kernel"
)

// Server is the admin HTTP surface over a running kernel.
type Server struct {
	k              *kernel.Kernel
	metricsEnabled bool
}

func NewServer(k *kernel.Kernel) *Server {
	return &Server{k: k}
}

// EnableMetrics turns on the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// Handler returns the chi router with every route mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Second))
	r.Use(corsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/debug", func(r chi.Router) {
		r.Get("/runqueues", s.handleDebugRunQueues)
		r.Get("/depgraph", s.handleDebugDepGraph)
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// handleDebugRunQueues dumps each CPU's ready-task-id ordering, for the
// same kind of "what is actually queued" visibility the teacher gives
// its model registry over /api/tags.
func (s *Server) handleDebugRunQueues(w http.ResponseWriter, r *http.Request) {
	if raw := r.URL.Query().Get("cpu"); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "cpu must be an integer")
			return
		}
		rq := s.k.RunQueue(id)
		if rq == nil {
			writeError(w, http.StatusNotFound, "no such cpu")
			return
		}
		writeJSON(w, http.StatusOK, map[string][]int64{raw: rq.Snapshot()})
		return
	}

	topo := s.k.Topology()
	out := make(map[string][]int64, topo.CPUCount())
	for _, fact := range topo.AllCPUs() {
		rq := s.k.RunQueue(fact.ID)
		if rq == nil {
			continue
		}
		out[strconv.Itoa(fact.ID)] = rq.Snapshot()
	}
	writeJSON(w, http.StatusOK, out)
}

// handleDebugDepGraph reports the live dependency-edge count, the
// cheapest useful signal for "is priority inheritance doing anything"
// without exposing every task pointer over HTTP.
func (s *Server) handleDebugDepGraph(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{
		"edges_active": s.k.Graph().EdgeCount(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": msg,
		},
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
