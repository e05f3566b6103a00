package store

import (
	"testing"
	"time"

	"github.com/minicloud/controller/internal/model"
)

// newTestStore opens a throwaway in-memory sqlite database with the schema
// applied, mirroring how Open is used in production minus the file on disk.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// seedHost registers a bare host row; vms.host_id references hosts(id).
func seedHost(t *testing.T, s *Store, id string) {
	t.Helper()
	if err := s.UpsertHost(&model.Host{ID: id}); err != nil {
		t.Fatalf("UpsertHost() error = %v", err)
	}
}

func seedVM(t *testing.T, s *Store, id, hostID string) {
	t.Helper()
	seedHost(t, s, hostID)
	if err := s.UpsertVM(&model.VM{ID: id, HypervisorUUID: id + "-uuid", HostID: hostID}); err != nil {
		t.Fatalf("UpsertVM() error = %v", err)
	}
}

func TestCreateMigrationRejectsSecondNonTerminal(t *testing.T) {
	s := newTestStore(t)
	seedVM(t, s, "vm1", "host-a")

	if _, err := s.CreateMigration("vm1", "host-a", "host-b", "rebalance", ""); err != nil {
		t.Fatalf("first CreateMigration() error = %v", err)
	}
	if _, err := s.CreateMigration("vm1", "host-a", "host-c", "rebalance", ""); err != ErrAlreadyExists {
		t.Errorf("second CreateMigration() error = %v, want ErrAlreadyExists", err)
	}
}

func TestCreateMigrationIdempotentOnClientRequestID(t *testing.T) {
	s := newTestStore(t)
	seedVM(t, s, "vm1", "host-a")

	first, err := s.CreateMigration("vm1", "host-a", "host-b", "rebalance", "req-1")
	if err != nil {
		t.Fatalf("first CreateMigration() error = %v", err)
	}
	second, err := s.CreateMigration("vm1", "host-a", "host-b", "rebalance", "req-1")
	if err != nil {
		t.Fatalf("second CreateMigration() error = %v, want the same migration back", err)
	}
	if second.ID != first.ID {
		t.Errorf("CreateMigration() with repeated client_request_id returned a different migration: %s vs %s", second.ID, first.ID)
	}
}

func TestTransitionEnforcesStateDiagram(t *testing.T) {
	s := newTestStore(t)
	seedVM(t, s, "vm1", "host-a")
	m, err := s.CreateMigration("vm1", "host-a", "host-b", "rebalance", "")
	if err != nil {
		t.Fatalf("CreateMigration() error = %v", err)
	}

	if _, err := s.Transition(m.ID, model.StatusRunning, TransitionFields{}); err == nil {
		t.Error("Transition(queued -> running) should be illegal, got nil error")
	}

	if _, err := s.Transition(m.ID, model.StatusValidating, TransitionFields{}); err != nil {
		t.Fatalf("Transition(queued -> validating) error = %v", err)
	}
	if _, err := s.Transition(m.ID, model.StatusRunning, TransitionFields{}); err != nil {
		t.Fatalf("Transition(validating -> running) error = %v", err)
	}
	if _, err := s.Transition(m.ID, model.StatusFinalizing, TransitionFields{}); err != nil {
		t.Fatalf("Transition(running -> finalizing) error = %v", err)
	}
	if _, err := s.Transition(m.ID, model.StatusCompleted, TransitionFields{}); err != nil {
		t.Fatalf("Transition(finalizing -> completed) error = %v", err)
	}

	if _, err := s.Transition(m.ID, model.StatusFailed, TransitionFields{}); err != ErrTerminalImmutable {
		t.Errorf("Transition() out of a terminal status error = %v, want ErrTerminalImmutable", err)
	}
}

func TestTransitionProgressNeverRegresses(t *testing.T) {
	s := newTestStore(t)
	seedVM(t, s, "vm1", "host-a")
	m, err := s.CreateMigration("vm1", "host-a", "host-b", "rebalance", "")
	if err != nil {
		t.Fatalf("CreateMigration() error = %v", err)
	}
	s.Transition(m.ID, model.StatusValidating, TransitionFields{})
	s.Transition(m.ID, model.StatusRunning, TransitionFields{})

	p50 := 50
	got, err := s.Transition(m.ID, model.StatusFinalizing, TransitionFields{Progress: &p50})
	if err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if got.Progress != 50 {
		t.Fatalf("Progress = %d, want 50", got.Progress)
	}

	p10 := 10
	got, err = s.Transition(m.ID, model.StatusCompleted, TransitionFields{Progress: &p10})
	if err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if got.Progress != 50 {
		t.Errorf("Progress regressed to %d after a lower update, want it clamped at 50", got.Progress)
	}
}

func TestUpdateProgressClampsAndIgnoresTerminal(t *testing.T) {
	s := newTestStore(t)
	seedVM(t, s, "vm1", "host-a")
	m, _ := s.CreateMigration("vm1", "host-a", "host-b", "rebalance", "")
	s.Transition(m.ID, model.StatusValidating, TransitionFields{})
	s.Transition(m.ID, model.StatusRunning, TransitionFields{})

	if err := s.UpdateProgress(m.ID, 150); err != nil {
		t.Fatalf("UpdateProgress() error = %v", err)
	}
	got, err := s.GetMigration(m.ID)
	if err != nil {
		t.Fatalf("GetMigration() error = %v", err)
	}
	if got.Progress != 100 {
		t.Errorf("Progress = %d, want clamped to 100", got.Progress)
	}

	s.Transition(m.ID, model.StatusFinalizing, TransitionFields{})
	s.Transition(m.ID, model.StatusCompleted, TransitionFields{})

	if err := s.UpdateProgress(m.ID, 10); err != nil {
		t.Fatalf("UpdateProgress() on a terminal migration returned error = %v", err)
	}
	got, _ = s.GetMigration(m.ID)
	if got.Progress != 100 {
		t.Errorf("UpdateProgress() mutated a terminal migration's progress to %d, want unchanged 100", got.Progress)
	}
}

func TestCountNonTerminal(t *testing.T) {
	s := newTestStore(t)
	seedVM(t, s, "vm1", "host-a")
	seedVM(t, s, "vm2", "host-a")

	m1, _ := s.CreateMigration("vm1", "host-a", "host-b", "rebalance", "")
	if _, err := s.CreateMigration("vm2", "host-a", "host-b", "rebalance", ""); err != nil {
		t.Fatalf("CreateMigration() error = %v", err)
	}

	count, err := s.CountNonTerminal()
	if err != nil {
		t.Fatalf("CountNonTerminal() error = %v", err)
	}
	if count != 2 {
		t.Fatalf("CountNonTerminal() = %d, want 2", count)
	}

	s.Transition(m1.ID, model.StatusValidating, TransitionFields{})
	s.Transition(m1.ID, model.StatusFailed, TransitionFields{})

	count, err = s.CountNonTerminal()
	if err != nil {
		t.Fatalf("CountNonTerminal() error = %v", err)
	}
	if count != 1 {
		t.Errorf("CountNonTerminal() after one failure = %d, want 1", count)
	}
}

func TestAppendAndListEvents(t *testing.T) {
	s := newTestStore(t)
	seedVM(t, s, "vm1", "host-a")
	m, _ := s.CreateMigration("vm1", "host-a", "host-b", "rebalance", "")

	if err := s.AppendEvent(m.ID, model.EventInfo, "queued", nil); err != nil {
		t.Fatalf("AppendEvent() error = %v", err)
	}
	if err := s.AppendEvent(m.ID, model.EventWarning, "slow poll", map[string]interface{}{"attempt": float64(3)}); err != nil {
		t.Fatalf("AppendEvent() error = %v", err)
	}

	events, err := s.Events(m.ID)
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Events() returned %d entries, want 2", len(events))
	}
	if events[0].Message != "queued" || events[1].Message != "slow poll" {
		t.Errorf("Events() not in insertion order: %+v", events)
	}
	if events[1].Meta["attempt"] != float64(3) {
		t.Errorf("Events()[1].Meta[\"attempt\"] = %v, want 3", events[1].Meta["attempt"])
	}
}

func TestHostUpsertAndListRoundTrip(t *testing.T) {
	s := newTestStore(t)
	h := &model.Host{ID: "host-a", Hostname: "hv1", CPUCount: 8, Labels: map[string]string{"rack": "1"}}
	if err := s.UpsertHost(h); err != nil {
		t.Fatalf("UpsertHost() error = %v", err)
	}
	if err := s.RecordHostMetric(&model.HostMetric{HostID: "host-a", CPUPercent: 42, MemPercent: 30, Load1: 2, VMsRunning: 3}); err != nil {
		t.Fatalf("RecordHostMetric() error = %v", err)
	}

	hosts, err := s.ListHosts()
	if err != nil {
		t.Fatalf("ListHosts() error = %v", err)
	}
	if len(hosts) != 1 {
		t.Fatalf("ListHosts() returned %d hosts, want 1", len(hosts))
	}
	got := hosts[0]
	if got.CPUPercent != 42 || got.VMsRunning != 3 {
		t.Errorf("ListHosts()[0] latest metric = %+v, want cpu=42 vms=3", got)
	}
	if got.Labels["rack"] != "1" {
		t.Errorf("ListHosts()[0].Labels = %+v, want rack=1", got.Labels)
	}
}

func TestVMUpsertDerivesIDFromHypervisorUUID(t *testing.T) {
	s := newTestStore(t)
	seedHost(t, s, "host-a")
	v := &model.VM{HypervisorUUID: "uuid-123", Name: "web-1", HostID: "host-a"}
	if err := s.UpsertVM(v); err != nil {
		t.Fatalf("UpsertVM() error = %v", err)
	}
	if v.ID != "vm-uuid-123" {
		t.Fatalf("UpsertVM() derived ID = %q, want vm-uuid-123", v.ID)
	}

	got, err := s.GetVMByUUID("uuid-123")
	if err != nil {
		t.Fatalf("GetVMByUUID() error = %v", err)
	}
	if got.ID != v.ID || got.Name != "web-1" {
		t.Errorf("GetVMByUUID() = %+v, want ID=%s name=web-1", got, v.ID)
	}
}

func TestSetVMHostUpdatesPointerOnCompletion(t *testing.T) {
	s := newTestStore(t)
	seedVM(t, s, "vm1", "host-a")
	seedHost(t, s, "host-b")

	now := time.Now().UTC()
	if err := s.SetVMHost("vm1", "host-b", now); err != nil {
		t.Fatalf("SetVMHost() error = %v", err)
	}
	got, err := s.GetVM("vm1")
	if err != nil {
		t.Fatalf("GetVM() error = %v", err)
	}
	if got.HostID != "host-b" {
		t.Errorf("GetVM().HostID = %q, want host-b", got.HostID)
	}
	if got.LastMigratedAt.Unix() != now.Unix() {
		t.Errorf("GetVM().LastMigratedAt = %v, want %v", got.LastMigratedAt, now)
	}
}
