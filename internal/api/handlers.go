package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/minicloud/controller/internal/model"
	"github.com/minicloud/controller/internal/store"
)

type registerHostRequest struct {
	HostID   string            `json:"host_id"`
	Hostname string            `json:"hostname"`
	Address  string            `json:"address"`
	CPUCount int               `json:"cpu_count"`
	Labels   map[string]string `json:"labels"`
}

func (s *Server) registerHost(w http.ResponseWriter, r *http.Request) {
	var req registerHostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.HostID == "" {
		respondError(w, http.StatusBadRequest, "host_id is required")
		return
	}

	h := &model.Host{ID: req.HostID, Hostname: req.Hostname, Address: req.Address, CPUCount: req.CPUCount, Labels: req.Labels}
	if err := s.inventory.RegisterHost(h); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"host_id": req.HostID})
}

type hostMetricRequest struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemPercent float64 `json:"mem_percent"`
	Load1      float64 `json:"load1"`
	VMsRunning int     `json:"vms_running"`
}

func (s *Server) recordHostMetric(w http.ResponseWriter, r *http.Request) {
	hostID := mux.Vars(r)["id"]
	var req hostMetricRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	m := &model.HostMetric{HostID: hostID, CPUPercent: req.CPUPercent, MemPercent: req.MemPercent, Load1: req.Load1, VMsRunning: req.VMsRunning}
	if err := s.inventory.RecordMetric(m); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type throttleHostRequest struct {
	DurationSeconds int    `json:"duration_seconds"`
	Reason          string `json:"reason"`
}

func (s *Server) throttleHost(w http.ResponseWriter, r *http.Request) {
	hostID := mux.Vars(r)["id"]
	var req throttleHostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.inventory.ThrottleHost(hostID, req.DurationSeconds); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "throttled"})
}

func (s *Server) listHosts(w http.ResponseWriter, r *http.Request) {
	hosts, err := s.inventory.ListHosts()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, hosts)
}

type registerVMRequest struct {
	VMUUID      string `json:"vm_uuid"`
	Name        string `json:"name"`
	HostID      string `json:"host_id"`
	VCPUs       int    `json:"vcpus"`
	MemBytes    int64  `json:"mem_bytes"`
	Protected   bool   `json:"protected"`
}

func (s *Server) registerVM(w http.ResponseWriter, r *http.Request) {
	var req registerVMRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.VMUUID == "" {
		respondError(w, http.StatusBadRequest, "vm_uuid is required")
		return
	}
	v := &model.VM{HypervisorUUID: req.VMUUID, Name: req.Name, HostID: req.HostID, VCPUs: req.VCPUs, MemoryBytes: req.MemBytes, Protected: req.Protected}
	if err := s.inventory.RegisterVM(v); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"id": v.ID})
}

func (s *Server) listVMs(w http.ResponseWriter, r *http.Request) {
	vms, err := s.inventory.ListVMs()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, vms)
}

type createMigrationRequest struct {
	VMID            string `json:"vm_id"`
	VMUUID          string `json:"vm_uuid"`
	SourceHost      string `json:"source_host"`
	TargetHost      string `json:"target_host"`
	Reason          string `json:"reason"`
	ClientRequestID string `json:"client_request_id"`
}

// createMigration validates the request, resolves vm_uuid to the internal
// VM ID if needed, creates the Migration row (idempotently on
// client_request_id per P4), and enqueues it for asynchronous execution —
// falling back to synchronous execution when QUEUE_SYNC_FALLBACK is set.
func (s *Server) createMigration(w http.ResponseWriter, r *http.Request) {
	var req createMigrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	vmID := req.VMID
	if vmID == "" && req.VMUUID != "" {
		vm, err := s.store.GetVMByUUID(req.VMUUID)
		if err != nil {
			respondError(w, http.StatusBadRequest, "unknown vm_uuid")
			return
		}
		vmID = vm.ID
	}
	if vmID == "" || req.SourceHost == "" || req.TargetHost == "" {
		respondError(w, http.StatusBadRequest, "vm_id (or vm_uuid), source_host and target_host are required")
		return
	}
	if req.SourceHost == req.TargetHost {
		respondError(w, http.StatusBadRequest, "source_host and target_host must differ")
		return
	}
	if _, err := s.store.GetHost(req.SourceHost); err != nil {
		respondError(w, http.StatusBadRequest, "unknown source_host")
		return
	}
	if _, err := s.store.GetHost(req.TargetHost); err != nil {
		respondError(w, http.StatusBadRequest, "unknown target_host")
		return
	}

	m, err := s.store.CreateMigration(vmID, req.SourceHost, req.TargetHost, req.Reason, req.ClientRequestID)
	if err != nil {
		respondError(w, http.StatusConflict, err.Error())
		return
	}

	if s.queue != nil {
		var err error
		if s.cfg.QueueSyncFallback {
			err = s.queue.SubmitSync(r.Context(), m.ID)
		} else {
			err = s.queue.Submit(m.ID)
		}
		if err != nil {
			respondError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}

	respondJSON(w, http.StatusAccepted, map[string]interface{}{"migration_id": m.ID, "status": m.Status})
}

func (s *Server) getMigration(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	m, err := s.store.GetMigration(id)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "migration not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	events, err := s.store.Events(id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"migration": m, "events": events})
}

func (s *Server) cancelMigration(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	m, err := s.store.RequestCancel(id)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "migration not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, m)
}

func (s *Server) listMigrations(w http.ResponseWriter, r *http.Request) {
	var filter store.MigrationFilter
	if statusCSV := r.URL.Query().Get("status"); statusCSV != "" {
		for _, s := range splitCSV(statusCSV) {
			filter.Statuses = append(filter.Statuses, model.Status(s))
		}
	}
	if vmID := r.URL.Query().Get("vm_id"); vmID != "" {
		filter.VMID = vmID
	}
	migrations, err := s.store.List(filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, migrations)
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
