package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/minicloud/controller/internal/driver"
	"github.com/minicloud/controller/internal/lock"
	"github.com/minicloud/controller/internal/model"
	"github.com/minicloud/controller/internal/store"
)

// fakeDriver is a scripted driver.Driver for exercising the orchestrator
// without a real hypervisor.
type fakeDriver struct {
	vmInfo       *driver.VMInfo
	getVMErr     error
	migrateErr   error
	migrateRes   *driver.MigrateResult
}

func (f *fakeDriver) Probe(ctx context.Context) error { return nil }

func (f *fakeDriver) GetVM(ctx context.Context, vmUUID string) (*driver.VMInfo, error) {
	return f.vmInfo, f.getVMErr
}

func (f *fakeDriver) Migrate(ctx context.Context, vmUUID, targetHost string, details map[string]interface{}) (*driver.MigrateResult, error) {
	return f.migrateRes, f.migrateErr
}

func (f *fakeDriver) Poll(ctx context.Context, opID string) (*driver.PollResult, error) {
	return &driver.PollResult{Done: true, Progress: 100}, nil
}

func (f *fakeDriver) Abort(ctx context.Context, opID string) error { return nil }

func newTestOrchestrator(t *testing.T, drv driver.Driver, simulate bool) (*Orchestrator, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	// vms.host_id references hosts(id), so both ends of every test
	// migration must exist before a VM is placed on or moved to them.
	for _, id := range []string{"host-a", "host-b"} {
		if err := st.UpsertHost(&model.Host{ID: id}); err != nil {
			t.Fatalf("UpsertHost(%s) error = %v", id, err)
		}
	}

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(mr.Close)

	locks, err := lock.New("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("lock.New() error = %v", err)
	}
	t.Cleanup(func() { locks.Close() })

	return New(st, locks, drv, simulate, Config{
		LockTTL:      2 * time.Second,
		LockWait:     2 * time.Second,
		PollInterval: 10 * time.Millisecond,
		PollTimeout:  time.Second,
	}), st
}

func TestRunSimulatedCompletesAndUpdatesVMHost(t *testing.T) {
	drv := &fakeDriver{vmInfo: &driver.VMInfo{LiveCapable: true}}
	orch, st := newTestOrchestrator(t, drv, true)

	if err := st.UpsertVM(&model.VM{ID: "vm1", HypervisorUUID: "vm1-uuid", HostID: "host-a"}); err != nil {
		t.Fatalf("UpsertVM() error = %v", err)
	}
	m, err := st.CreateMigration("vm1", "host-a", "host-b", "rebalance", "")
	if err != nil {
		t.Fatalf("CreateMigration() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := orch.Run(ctx, m.ID); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	got, err := st.GetMigration(m.ID)
	if err != nil {
		t.Fatalf("GetMigration() error = %v", err)
	}
	if got.Status != model.StatusCompleted {
		t.Fatalf("Status = %s, want completed", got.Status)
	}
	if got.Progress != 100 {
		t.Errorf("Progress = %d, want 100", got.Progress)
	}

	vm, err := st.GetVM("vm1")
	if err != nil {
		t.Fatalf("GetVM() error = %v", err)
	}
	if vm.HostID != "host-b" {
		t.Errorf("VM HostID = %q, want host-b after completed migration", vm.HostID)
	}
}

func TestRunFailsIneligibleVM(t *testing.T) {
	drv := &fakeDriver{vmInfo: &driver.VMInfo{LiveCapable: false, IneligibleWhy: "paravirtualized guest without PV tools"}}
	orch, st := newTestOrchestrator(t, drv, true)

	if err := st.UpsertVM(&model.VM{ID: "vm1", HypervisorUUID: "vm1-uuid", HostID: "host-a"}); err != nil {
		t.Fatalf("UpsertVM() error = %v", err)
	}
	m, err := st.CreateMigration("vm1", "host-a", "host-b", "rebalance", "")
	if err != nil {
		t.Fatalf("CreateMigration() error = %v", err)
	}

	if err := orch.Run(context.Background(), m.ID); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	got, err := st.GetMigration(m.ID)
	if err != nil {
		t.Fatalf("GetMigration() error = %v", err)
	}
	if got.Status != model.StatusFailed {
		t.Fatalf("Status = %s, want failed", got.Status)
	}
	if got.Details["error"] != "not_live_migratable" {
		t.Errorf("Details[\"error\"] = %v, want not_live_migratable", got.Details["error"])
	}

	vm, err := st.GetVM("vm1")
	if err != nil {
		t.Fatalf("GetVM() error = %v", err)
	}
	if vm.HostID != "host-a" {
		t.Errorf("VM HostID = %q, want unchanged host-a after a failed migration", vm.HostID)
	}
}

func TestRunSkipsAlreadyTerminalMigration(t *testing.T) {
	drv := &fakeDriver{vmInfo: &driver.VMInfo{LiveCapable: true}}
	orch, st := newTestOrchestrator(t, drv, true)

	if err := st.UpsertVM(&model.VM{ID: "vm1", HypervisorUUID: "vm1-uuid", HostID: "host-a"}); err != nil {
		t.Fatalf("UpsertVM() error = %v", err)
	}
	m, err := st.CreateMigration("vm1", "host-a", "host-b", "rebalance", "")
	if err != nil {
		t.Fatalf("CreateMigration() error = %v", err)
	}
	st.Transition(m.ID, model.StatusValidating, store.TransitionFields{})
	st.Transition(m.ID, model.StatusFailed, store.TransitionFields{})

	if err := orch.Run(context.Background(), m.ID); err != nil {
		t.Fatalf("Run() on an already-terminal migration returned error = %v, want nil (no-op)", err)
	}

	got, _ := st.GetMigration(m.ID)
	if got.Status != model.StatusFailed {
		t.Errorf("Status = %s, want unchanged failed", got.Status)
	}
}
