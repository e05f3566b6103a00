// Package inventory is the translation boundary between persisted store
// rows and the canonical Host/VM value types the rest of the controller
// operates on — resolving DESIGN NOTES' "dynamic attribute discovery"
// critique by giving every value exactly one shape once it crosses this
// boundary. It also optionally folds in a live vSphere snapshot via
// internal/providers/vmware, repurposing the teacher's govmomi client as
// an inventory source instead of a migration target.
package inventory

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/minicloud/controller/internal/model"
	"github.com/minicloud/controller/internal/providers/vmware"
	"github.com/minicloud/controller/internal/store"
)

// Service reads and writes host/VM inventory.
type Service struct {
	store  *store.Store
	vcsync *vmware.Client // nil unless VMWARE_INVENTORY_SYNC is enabled
}

// New builds a Service. vc may be nil when VMware-backed inventory sync is
// disabled.
func New(st *store.Store, vc *vmware.Client) *Service {
	return &Service{store: st, vcsync: vc}
}

// RegisterHost records a (re)registration from a pool node.
func (s *Service) RegisterHost(h *model.Host) error {
	return s.store.UpsertHost(h)
}

// RecordMetric appends a load sample for a host.
func (s *Service) RecordMetric(m *model.HostMetric) error {
	return s.store.RecordHostMetric(m)
}

// ThrottleHost marks a host as throttled for the given duration.
func (s *Service) ThrottleHost(hostID string, seconds int) error {
	if seconds <= 0 {
		seconds = 300
	}
	return s.store.ThrottleHost(hostID, time.Duration(seconds)*time.Second)
}

// ListHosts returns the current host snapshot, each with its latest
// metric denormalized in.
func (s *Service) ListHosts() ([]*model.Host, error) {
	return s.store.ListHosts()
}

// RegisterVM records a (re)registration of a VM.
func (s *Service) RegisterVM(v *model.VM) error {
	return s.store.UpsertVM(v)
}

// ListVMs returns every known VM.
func (s *Service) ListVMs() ([]*model.VM, error) {
	return s.store.ListVMs()
}

// VMsByHost groups the current VM list by host ID, the shape
// planner.PlanRebalance expects.
func (s *Service) VMsByHost() (map[string][]*model.VM, error) {
	vms, err := s.store.ListVMs()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]*model.VM)
	for _, v := range vms {
		out[v.HostID] = append(out[v.HostID], v)
	}
	return out, nil
}

// SyncFromVMware pulls the current VM list from vCenter and upserts it
// into the store, when a vcsync client was configured. It never touches
// host rows: pool hosts are registered directly by the orchestration
// agent running on them, not discovered through vCenter.
func (s *Service) SyncFromVMware(ctx context.Context) error {
	if s.vcsync == nil {
		return nil
	}
	vms, err := s.vcsync.ListVMs(ctx)
	if err != nil {
		return fmt.Errorf("inventory: vmware sync: %w", err)
	}
	for _, vm := range vms {
		if err := s.store.UpsertVM(vm); err != nil {
			log.Printf("inventory: vmware sync: upsert vm %s failed: %v", vm.HypervisorUUID, err)
		}
	}
	log.Printf("inventory: synced %d vms from vmware", len(vms))
	return nil
}
