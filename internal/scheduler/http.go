package scheduler

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/minicloud/controller/internal/model"
)

// alertRequest is the wire shape of an inbound alert, per spec §4.6 and
// scheduler/main.py's receive_alert body.
type alertRequest struct {
	HostID    string                 `json:"host_id"`
	Level     string                 `json:"level"`
	Timestamp time.Time              `json:"timestamp"`
	Metrics   map[string]interface{} `json:"metrics"`
	RecentVMs []string               `json:"recent_vms"`
}

// Router exposes the scheduler's own small HTTP surface: the alert intake
// endpoint and a liveness check. Kept separate from internal/api's Server
// because the Scheduler Service and the controller are two independent
// long-running processes (spec §5), mirroring scheduler/main.py running as
// its own uvicorn app next to the controller's FastAPI app.
func (s *Service) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/scheduler/health", s.healthCheck).Methods("GET")
	r.HandleFunc("/scheduler/alert", s.receiveAlert).Methods("POST")
	return r
}

func (s *Service) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// receiveAlert accepts an inbound overload alert and responds immediately,
// handling it on a background goroutine — matching the original's
// BackgroundTasks.add_task(service.handle_alert, alert) so a slow inventory
// fetch or migration submission never holds up the alerting system.
func (s *Service) receiveAlert(w http.ResponseWriter, r *http.Request) {
	var req alertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid alert body")
		return
	}
	if req.HostID == "" {
		respondError(w, http.StatusBadRequest, "host_id is required")
		return
	}

	alert := model.Alert{
		HostID:    req.HostID,
		Level:     req.Level,
		Timestamp: req.Timestamp,
		Metrics:   req.Metrics,
		RecentVMs: req.RecentVMs,
	}

	go func() {
		// Deliberately not r.Context(): net/http cancels the request context
		// as soon as this handler returns, which would be immediately after
		// the 202 response below, the whole point of handling in the
		// background.
		outcome, err := s.HandleAlert(context.Background(), alert)
		if err != nil {
			log.Printf("scheduler: alert handling for host %s failed: %v", alert.HostID, err)
			return
		}
		log.Printf("scheduler: alert for host %s resolved: %s", alert.HostID, outcome)
	}()

	respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
