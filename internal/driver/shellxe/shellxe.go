// Package shellxe implements driver.Driver by SSHing into a pool host and
// driving the `xe` CLI, the way XenServer/XCP-ng admins do it by hand.
// Ported from app/migration_service/clients/xen_ssh_client.py and
// app/migration_service/orchestrator.py's run_live_migration/
// is_live_migratable.
package shellxe

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/minicloud/controller/internal/driver"
)

// Config configures a Driver.
type Config struct {
	Host           string
	User           string
	PrivateKeyPath string
	Password       string
	DialTimeout    time.Duration
}

// Driver drives `xe` over SSH against a single pool host (normally the pool
// master). It holds one persistent SSH connection, reconnecting lazily on
// failure.
type Driver struct {
	cfg    Config
	client *ssh.Client
}

// New dials the configured host and returns a ready Driver.
func New(cfg Config) (*Driver, error) {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	if cfg.User == "" {
		cfg.User = "root"
	}

	client, err := dial(cfg)
	if err != nil {
		return nil, err
	}
	return &Driver{cfg: cfg, client: client}, nil
}

func dial(cfg Config) (*ssh.Client, error) {
	var auth []ssh.AuthMethod
	if cfg.PrivateKeyPath != "" {
		key, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("shellxe: no authentication method configured")
	}

	sshConfig := &ssh.ClientConfig{
		User: cfg.User,
		Auth: auth,
		// The pool master's host key is not pinned: pool membership changes
		// (failover, host replacement) would otherwise require operator
		// intervention on every migration attempt.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         cfg.DialTimeout,
	}

	addr := cfg.Host
	if !strings.Contains(addr, ":") {
		addr = addr + ":22"
	}
	client, err := ssh.Dial("tcp", addr, sshConfig)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}
	return client, nil
}

// xe runs `xe <cmd>` over a fresh SSH session and returns stdout/stderr.
func (d *Driver) xe(ctx context.Context, cmd string) (string, string, error) {
	session, err := d.client.NewSession()
	if err != nil {
		// Reconnect once; the original client never handled dropped
		// connections explicitly, but a long-lived controller process
		// will outlive many transient SSH session failures.
		client, dialErr := dial(d.cfg)
		if dialErr != nil {
			return "", "", fmt.Errorf("ssh session: %w (reconnect failed: %v)", err, dialErr)
		}
		d.client = client
		session, err = d.client.NewSession()
		if err != nil {
			return "", "", fmt.Errorf("ssh session after reconnect: %w", err)
		}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run("xe " + cmd) }()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return stdout.String(), stderr.String(), ctx.Err()
	case err := <-done:
		return stdout.String(), stderr.String(), err
	}
}

// Probe runs a trivial xe command to confirm the connection is alive.
func (d *Driver) Probe(ctx context.Context) error {
	_, stderr, err := d.xe(ctx, "host-list params=uuid --minimal")
	if err != nil {
		return fmt.Errorf("shellxe probe: %w (%s)", err, stderr)
	}
	return nil
}

// parseParamBlock parses `xe vm-list ... params=a,b,c` output of the form
// "key ( RO): value" lines into a map keyed by the bare param name.
func parseParamBlock(out string, params []string) map[string]string {
	record := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			if len(record) > 0 {
				break
			}
			continue
		}
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		record[key] = val
	}
	result := make(map[string]string, len(params))
	for _, p := range params {
		for k, v := range record {
			if strings.HasPrefix(k, p) {
				result[p] = v
				break
			}
		}
	}
	return result
}

func (d *Driver) vmParams(ctx context.Context, vmUUID string, params []string) (map[string]string, error) {
	joined := strings.Join(params, ",")
	out, stderr, err := d.xe(ctx, fmt.Sprintf("vm-list uuid=%s params=%s", vmUUID, joined))
	if err != nil {
		return nil, fmt.Errorf("xe vm-list: %w (%s)", err, stderr)
	}
	return parseParamBlock(out, params), nil
}

// GetVM fetches resident-on, power-state, and the live-migratability
// heuristic from orchestrator.py's is_live_migratable.
func (d *Driver) GetVM(ctx context.Context, vmUUID string) (*driver.VMInfo, error) {
	params, err := d.vmParams(ctx, vmUUID, []string{"other-config", "HVM-boot-policy", "platform", "power-state", "resident-on", "name-label"})
	if err != nil {
		return nil, err
	}

	info := &driver.VMInfo{
		UUID:       vmUUID,
		NameLabel:  params["name-label"],
		PowerState: params["power-state"],
		ResidentOn: params["resident-on"],
	}
	info.LiveCapable, info.IneligibleWhy = isLiveMigratable(params)
	return info, nil
}

// isLiveMigratable reimplements the conservative heuristic from the
// original: running VMs are eligible unless their HVM-boot-policy is set
// and neither other-config nor platform show a PV marker.
func isLiveMigratable(params map[string]string) (bool, string) {
	if ps := params["power-state"]; ps != "" && !strings.EqualFold(ps, "running") {
		return false, fmt.Sprintf("VM power-state is not running: %s", ps)
	}

	oc := params["other-config"]
	if strings.Contains(oc, "guest_tools_installed") {
		return true, "guest_tools_installed key present in other-config"
	}

	hvmPolicy := params["HVM-boot-policy"]
	if hvmPolicy == "" {
		return true, "HVM-boot-policy empty => PV/PVHVM likely, allow live migrate"
	}

	platform := strings.ToLower(params["platform"])
	for _, marker := range []string{"xen_platform", "pvdrivers", "pv", "hvm-boot-policy", "xen"} {
		if strings.Contains(platform, marker) {
			return true, fmt.Sprintf("platform contains PV marker '%s' => allow", marker)
		}
	}

	return false, fmt.Sprintf("HVM policy present and platform not indicating PV support (hvm_policy=%q)", hvmPolicy)
}

// Migrate runs `xe vm-migrate live=true` and blocks until resident-on
// matches targetHost or PollTimeout elapses, exactly as
// run_live_migration did. The SSH driver has no async operation handle, so
// MigrateResult.OpID is always empty — the orchestrator must not call Poll
// for this driver.
func (d *Driver) Migrate(ctx context.Context, vmUUID, targetHost string, _ map[string]interface{}) (*driver.MigrateResult, error) {
	_, stderr, err := d.xe(ctx, fmt.Sprintf("vm-migrate vm=%s host=%s live=true", vmUUID, targetHost))
	if err != nil {
		return nil, fmt.Errorf("xe vm-migrate: %w (%s)", err, stderr)
	}

	deadline := time.Now().Add(driver.PollTimeout)
	ticker := time.NewTicker(driver.PollInterval)
	defer ticker.Stop()

	for {
		params, err := d.vmParams(ctx, vmUUID, []string{"resident-on"})
		if err == nil && strings.TrimSpace(params["resident-on"]) == targetHost {
			return &driver.MigrateResult{}, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("shellxe: migration of %s did not complete within %s", vmUUID, driver.PollTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll is never called for this driver's operations (Migrate always
// blocks to completion), but is implemented to satisfy the interface for
// callers that don't special-case driver kind.
func (d *Driver) Poll(ctx context.Context, opID string) (*driver.PollResult, error) {
	return &driver.PollResult{Done: true, Progress: 100}, nil
}

// Abort is a no-op: `xe` has no supported live-migration cancellation.
func (d *Driver) Abort(ctx context.Context, opID string) error {
	return nil
}

// Close closes the underlying SSH connection.
func (d *Driver) Close() error {
	return d.client.Close()
}
