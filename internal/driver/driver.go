// Package driver defines the hypervisor-facing abstraction the orchestrator
// drives. Two implementations exist: xoa (REST management API) and shellxe
// (SSH + `xe` CLI), mirroring the two client styles found in the original
// controller (app/xoa_client.py and
// app/migration_service/clients/xen_ssh_client.py).
package driver

import (
	"context"
	"time"
)

// VMInfo is the subset of hypervisor-reported VM state the orchestrator
// needs to validate eligibility and report progress.
type VMInfo struct {
	UUID         string
	NameLabel    string
	PowerState   string
	ResidentOn   string
	LiveCapable  bool
	IneligibleWhy string
}

// MigrateResult captures the outcome of invoking a migrate operation.
// OpID is empty when the driver's underlying call is synchronous (the
// shellxe driver never returns one; the xoa driver may or may not,
// depending which candidate endpoint answered).
type MigrateResult struct {
	OpID     string
	Endpoint string
	Raw      map[string]interface{}
}

// PollResult is returned by Poll for an in-flight asynchronous operation.
type PollResult struct {
	Done     bool
	Failed   bool
	Progress int
	Raw      map[string]interface{}
}

// Driver is the hypervisor control-plane abstraction. Implementations must
// be safe for concurrent use by multiple in-flight migrations.
type Driver interface {
	// Probe checks that the driver can reach the hypervisor pool at all.
	// The orchestrator does not call it, and neither does the controller's
	// /healthz handler.
	Probe(ctx context.Context) error

	// GetVM fetches current hypervisor-side state for a VM.
	GetVM(ctx context.Context, vmUUID string) (*VMInfo, error)

	// Migrate starts a live migration of vmUUID to targetHost. details may
	// carry driver-specific hints (e.g. target_sr for the xoa driver).
	Migrate(ctx context.Context, vmUUID, targetHost string, details map[string]interface{}) (*MigrateResult, error)

	// Poll checks the status of a previously started asynchronous
	// operation. Not called for synchronous drivers whose Migrate already
	// blocked until completion (MigrateResult.OpID == "").
	Poll(ctx context.Context, opID string) (*PollResult, error)

	// Abort best-effort cancels an in-flight operation. Not all drivers or
	// hypervisor versions support this; implementations may return nil
	// without having done anything.
	Abort(ctx context.Context, opID string) error
}

// PollInterval and PollTimeout are the defaults from the original
// orchestrator's POLL_INTERVAL/POLL_TIMEOUT. The shellxe driver polls
// resident-on with them; internal/orchestrator falls back to them when its
// Config leaves the poll fields zero. The xoa driver does not use them.
const (
	PollInterval = 2 * time.Second
	PollTimeout  = 300 * time.Second
)
