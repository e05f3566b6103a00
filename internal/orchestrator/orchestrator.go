// Package orchestrator drives a single migration's state machine end to
// end: lock acquisition, eligibility check, driver invocation, progress
// polling, and finalization. Ported from app/migration/tasks.py's
// _run_migration_sync together with app/migration/orchestrator.py's run().
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/minicloud/controller/internal/driver"
	"github.com/minicloud/controller/internal/lock"
	"github.com/minicloud/controller/internal/model"
	"github.com/minicloud/controller/internal/store"
)

// DefaultLockTTL and DefaultLockWait match the original's
// RedisLock(ttl=300, wait=10); used when New is given a zero Config field.
const (
	DefaultLockTTL  = 300 * time.Second
	DefaultLockWait = 10 * time.Second
)

// Config tunes the orchestrator's lock and polling timeouts, sourced from
// the spec §6 config table (LOCK_TTL, LOCK_WAIT, POLL_INTERVAL, POLL_TIMEOUT).
type Config struct {
	LockTTL      time.Duration
	LockWait     time.Duration
	PollInterval time.Duration
	PollTimeout  time.Duration
}

// Orchestrator wires the store, advisory lock, and hypervisor driver
// together to drive migrations.
type Orchestrator struct {
	store    *store.Store
	locks    *lock.Service
	driver   driver.Driver
	simulate bool
	cfg      Config
}

// New builds an Orchestrator. simulate, when true, skips the real driver
// and walks progress through the canned {5,25,50,80,100} sequence, mirroring
// MigrationOrchestrator's simulate=True path — useful for demos and tests.
// Zero fields in cfg fall back to the spec's documented defaults.
func New(st *store.Store, locks *lock.Service, drv driver.Driver, simulate bool, cfg Config) *Orchestrator {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = DefaultLockWait
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = driver.PollInterval
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = driver.PollTimeout
	}
	return &Orchestrator{store: st, locks: locks, driver: drv, simulate: simulate, cfg: cfg}
}

// ErrLockBusy is lock.ErrTimeout under an orchestrator name, so callers (the
// queue's retry wrapper) can recognize a transient contention failure.
var ErrLockBusy = lock.ErrTimeout

// Run drives migrationID through validating -> running -> finalizing ->
// completed/failed. It is idempotent against repeated invocation of an
// already-running or already-terminal migration.
func (o *Orchestrator) Run(ctx context.Context, migrationID string) error {
	m, err := o.store.GetMigration(migrationID)
	if err != nil {
		return fmt.Errorf("orchestrator: load migration %s: %w", migrationID, err)
	}

	lease, err := o.locks.AcquireMigrationVM(ctx, m.VMID, o.cfg.LockTTL, o.cfg.LockWait)
	if err != nil {
		return fmt.Errorf("orchestrator: acquire lock for vm %s: %w", m.VMID, err)
	}
	defer lease.Release(ctx)

	// Re-fetch under the lock: another worker may have already advanced
	// this migration while we waited.
	m, err = o.store.GetMigration(migrationID)
	if err != nil {
		return fmt.Errorf("orchestrator: reload migration %s: %w", migrationID, err)
	}
	if m.Status == model.StatusRunning || m.Status.Terminal() {
		log.Printf("orchestrator: migration %s already %s, skipping", migrationID, m.Status)
		return nil
	}

	if _, err := o.store.Transition(migrationID, model.StatusValidating, store.TransitionFields{}); err != nil {
		return fmt.Errorf("orchestrator: mark validating: %w", err)
	}
	o.event(migrationID, model.EventInfo, fmt.Sprintf("validating migration prerequisites for vm %s", m.VMID), nil)

	vmInfo, err := o.driver.GetVM(ctx, o.hypervisorUUID(m.VMID))
	if err != nil {
		return o.fail(migrationID, "vm_not_found_or_driver_error", err.Error())
	}
	if !vmInfo.LiveCapable {
		return o.fail(migrationID, "not_live_migratable", vmInfo.IneligibleWhy)
	}

	if _, err := o.store.Transition(migrationID, model.StatusRunning, store.TransitionFields{}); err != nil {
		return fmt.Errorf("orchestrator: mark running: %w", err)
	}

	if o.simulate {
		return o.runSimulated(ctx, migrationID)
	}
	return o.runReal(ctx, migrationID, m)
}

func (o *Orchestrator) runSimulated(ctx context.Context, migrationID string) error {
	if _, err := o.store.Transition(migrationID, model.StatusFinalizing, store.TransitionFields{}); err != nil {
		return fmt.Errorf("orchestrator: mark finalizing: %w", err)
	}
	o.event(migrationID, model.EventInfo, "simulating live migration", nil)
	for _, p := range []int{5, 25, 50, 80, 100} {
		if cancelled, _ := o.store.IsCancelRequested(migrationID); cancelled {
			return o.cancel(migrationID)
		}
		_ = o.store.UpdateProgress(migrationID, p)
		o.event(migrationID, model.EventInfo, fmt.Sprintf("transferring memory and state (simulated) %d%%", p), nil)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return o.complete(migrationID)
}

func (o *Orchestrator) runReal(ctx context.Context, migrationID string, m *model.Migration) error {
	vmUUID := o.hypervisorUUID(m.VMID)

	res, err := o.driver.Migrate(ctx, vmUUID, m.TargetHost, m.Details)
	if err != nil {
		return o.fail(migrationID, "migrate_invoke_failed", err.Error())
	}
	o.event(migrationID, model.EventInfo, fmt.Sprintf("migration invoked via %s", res.Endpoint), res.Raw)

	if _, err := o.store.Transition(migrationID, model.StatusFinalizing, store.TransitionFields{}); err != nil {
		return fmt.Errorf("orchestrator: mark finalizing: %w", err)
	}

	if res.OpID == "" {
		// Synchronous driver (e.g. shellxe), or an asynchronous one that
		// didn't hand back an operation handle: best-effort mark progress
		// and declare success, matching the original's fallback when
		// op_id is absent.
		_ = o.store.UpdateProgress(migrationID, 75)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
		_ = o.store.UpdateProgress(migrationID, 100)
		return o.complete(migrationID)
	}

	return o.pollToCompletion(ctx, migrationID, res.OpID)
}

func (o *Orchestrator) pollToCompletion(ctx context.Context, migrationID, opID string) error {
	deadline := time.Now().Add(o.cfg.PollTimeout)
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	o.event(migrationID, model.EventInfo, fmt.Sprintf("polling operation %s", opID), nil)

	for {
		if cancelled, _ := o.store.IsCancelRequested(migrationID); cancelled {
			_ = o.driver.Abort(ctx, opID)
			return o.cancel(migrationID)
		}

		result, err := o.driver.Poll(ctx, opID)
		if err == nil {
			if result.Progress > 0 {
				_ = o.store.UpdateProgress(migrationID, result.Progress)
			}
			if result.Done {
				o.event(migrationID, model.EventInfo, fmt.Sprintf("operation %s completed", opID), result.Raw)
				return o.complete(migrationID)
			}
			if result.Failed {
				return o.fail(migrationID, "op_failed", fmt.Sprintf("operation %s reported failure", opID))
			}
		}

		if time.Now().After(deadline) {
			return o.fail(migrationID, "timeout", fmt.Sprintf("operation %s did not complete within %s", opID, o.cfg.PollTimeout))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) complete(migrationID string) error {
	m, err := o.store.GetMigration(migrationID)
	if err != nil {
		return err
	}
	progress := 100
	if _, err := o.store.Transition(migrationID, model.StatusCompleted, store.TransitionFields{Progress: &progress}); err != nil {
		return fmt.Errorf("orchestrator: mark completed: %w", err)
	}
	if err := o.store.SetVMHost(m.VMID, m.TargetHost, time.Now().UTC()); err != nil {
		log.Printf("orchestrator: migration %s completed but vm host pointer update failed: %v", migrationID, err)
	}
	log.Printf("orchestrator: migration %s completed", migrationID)
	return nil
}

func (o *Orchestrator) fail(migrationID, code, detail string) error {
	details := map[string]interface{}{"error": code, "detail": detail}
	if _, err := o.store.Transition(migrationID, model.StatusFailed, store.TransitionFields{Details: details}); err != nil {
		return fmt.Errorf("orchestrator: mark failed: %w", err)
	}
	o.event(migrationID, model.EventError, fmt.Sprintf("migration failed: %s: %s", code, detail), details)
	log.Printf("orchestrator: migration %s failed: %s: %s", migrationID, code, detail)
	return nil
}

func (o *Orchestrator) cancel(migrationID string) error {
	if _, err := o.store.Transition(migrationID, model.StatusCancelled, store.TransitionFields{}); err != nil {
		if !errors.Is(err, store.ErrIllegalTransition) {
			return fmt.Errorf("orchestrator: mark cancelled: %w", err)
		}
	}
	o.event(migrationID, model.EventWarning, "migration cancelled by request", nil)
	return nil
}

func (o *Orchestrator) event(migrationID string, level model.EventLevel, message string, meta map[string]interface{}) {
	if err := o.store.AppendEvent(migrationID, level, message, meta); err != nil {
		log.Printf("orchestrator: append event for migration %s failed: %v", migrationID, err)
	}
}

// hypervisorUUID resolves a VM's internal store ID to the UUID the driver
// layer expects. Falls back to the ID itself if the VM can't be found,
// since some drivers (tests, fakes) address VMs directly by UUID.
func (o *Orchestrator) hypervisorUUID(vmID string) string {
	vm, err := o.store.GetVM(vmID)
	if err != nil {
		return vmID
	}
	return vm.HypervisorUUID
}
