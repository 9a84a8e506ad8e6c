// Package api is the thin HTTP boundary of the namespace execution engine:
// JSON request/response bodies over the namespace manager and sharding
// router, per spec.md §6.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/elax-db/elax/internal/errs"
	"github.com/elax-db/elax/internal/nsmanager"
	"github.com/elax-db/elax/internal/objectstore"
	"github.com/elax-db/elax/internal/sharding"
)

// Server builds the namespace execution engine's HTTP surface.
type Server struct {
	manager   *nsmanager.Manager
	router    *sharding.Router
	store     objectstore.Store
	nodeID    string
	version   string
	log       *zap.Logger
	startedAt time.Time
}

// New returns a Server wired to manager, router, and store.
func New(manager *nsmanager.Manager, router *sharding.Router, store objectstore.Store, nodeID, version string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		manager:   manager,
		router:    router,
		store:     store,
		nodeID:    nodeID,
		version:   version,
		log:       log,
		startedAt: time.Now(),
	}
}

// Handler builds the chi router for this server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "PUT", "POST"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Get("/health", s.handleHealth)
	r.Put("/v1/namespaces/{ns}", s.handleCreateNamespace)
	r.Post("/v1/namespaces/{ns}/upsert", s.handleUpsert)
	r.Post("/v1/namespaces/{ns}/query", s.handleQuery)
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Duration("took", time.Since(start)))
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// writeError maps the error taxonomy of spec.md §7 onto the HTTP status
// codes of spec.md §6.
func writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case errs.Validation:
		status = http.StatusBadRequest
	case errs.NotFound:
		status = http.StatusNotFound
	case errs.Conflict:
		status = http.StatusConflict
	case errs.Consistency:
		status = http.StatusServiceUnavailable
	case errs.Timeout:
		status = http.StatusGatewayTimeout
	case errs.Unavailable:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: kind.String()})
}

// writeRedirect implements spec.md §6's write-misroute response: a 307 with
// Location and X-Correct-Indexer naming the owning node.
func writeRedirect(w http.ResponseWriter, r *http.Request, decision sharding.Decision) {
	w.Header().Set("Location", r.URL.Path)
	w.Header().Set("X-Correct-Indexer", indexerHeaderValue(decision.OwnerIndex))
	w.WriteHeader(http.StatusTemporaryRedirect)
}

func indexerHeaderValue(ownerIndex int) string {
	return "indexer-" + strconv.Itoa(ownerIndex)
}

type healthResponse struct {
	Status     string   `json:"status"`
	Version    string   `json:"version"`
	NodeID     string   `json:"node_id"`
	Namespaces []string `json:"namespaces"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:     "ok",
		Version:    s.version,
		NodeID:     s.nodeID,
		Namespaces: s.manager.Namespaces(),
	})
}

func elapsedMs(start time.Time) int64 { return time.Since(start).Milliseconds() }
