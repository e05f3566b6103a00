// Package api exposes the controller's HTTP surface: the inventory API
// consumed by the Scheduler Service and the migration intake API. Shaped
// after the teacher's api.Server — a thin struct wrapping a mux.Router,
// bearer-token middleware, and small respondJSON/respondError helpers.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/minicloud/controller/internal/config"
	"github.com/minicloud/controller/internal/inventory"
	"github.com/minicloud/controller/internal/queue"
	"github.com/minicloud/controller/internal/store"
)

// Server is the controller's HTTP API.
type Server struct {
	cfg       *config.Config
	store     *store.Store
	inventory *inventory.Service
	queue     *queue.Queue
}

// NewServer builds a Server over the given dependencies.
func NewServer(cfg *config.Config, st *store.Store, inv *inventory.Service, q *queue.Queue) *Server {
	return &Server{cfg: cfg, store: st, inventory: inv, queue: q}
}

// Router returns the configured HTTP router.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(loggingMiddleware)

	r.HandleFunc("/healthz", s.healthCheck).Methods("GET")

	protected := r.PathPrefix("").Subrouter()
	protected.Use(s.authMiddleware)

	protected.HandleFunc("/hosts", s.listHosts).Methods("GET")
	protected.HandleFunc("/hosts", s.registerHost).Methods("POST")
	protected.HandleFunc("/hosts/{id}/metrics", s.recordHostMetric).Methods("POST")
	protected.HandleFunc("/hosts/{id}/throttle", s.throttleHost).Methods("POST")

	protected.HandleFunc("/vms", s.listVMs).Methods("GET")
	protected.HandleFunc("/vms", s.registerVM).Methods("POST")

	protected.HandleFunc("/migrations", s.listMigrations).Methods("GET")
	protected.HandleFunc("/migrations", s.createMigration).Methods("POST")
	protected.HandleFunc("/migrations/{id}", s.getMigration).Methods("GET")
	protected.HandleFunc("/migrations/{id}/cancel", s.cancelMigration).Methods("POST")

	return r
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
