// Package xoa implements driver.Driver against a Xen Orchestra (XOA) style
// REST management API. It ports the original's defensive
// try-every-endpoint-and-payload-shape behavior from
// app/migration/orchestrator.py's CANDIDATE_MIGRATE_PATHS and
// _payload_variants, on the theory that different XOA versions expose
// different migrate routes and field names.
package xoa

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/minicloud/controller/internal/driver"
)

// candidateMigratePaths mirrors CANDIDATE_MIGRATE_PATHS verbatim, including
// its duplicated "/vms/%s/actions/migrate_vm" entry. The duplicate is kept
// rather than deduped, so Migrate tries that path twice with every payload
// variant.
var candidateMigratePaths = []string{
	"/vms/%s/actions/migrate",
	"/vms/%s/migrate",
	"/vms/%s/actions/migrate_vm",
	"/vms/%s/actions/migrate_vm",
}

// payloadVariants enumerates the request body shapes different XOA
// versions have been observed to accept for the same migrate action.
func payloadVariants(targetHost, targetSR string) []map[string]interface{} {
	variants := []map[string]interface{}{
		{"host": targetHost},
		{"target": targetHost},
		{"destination": targetHost},
		{"target_host": targetHost},
		{"host_uuid": targetHost},
		{"to": map[string]interface{}{"host": targetHost}},
		{"destination": map[string]interface{}{"host": targetHost}},
	}
	if targetSR != "" {
		variants = append(variants,
			map[string]interface{}{"host": targetHost, "sr": targetSR},
			map[string]interface{}{"host": targetHost, "sr_uuid": targetSR},
			map[string]interface{}{"target": targetHost, "sr": targetSR},
			// Placeholder for per-vdi mapping, carried over from the
			// original's candidate list rather than dropped.
			map[string]interface{}{"vdi_to_sr": map[string]interface{}{}, "host": targetHost},
		)
	}
	return variants
}

// Config configures a Driver.
type Config struct {
	BaseURL  string // e.g. https://xoa.example.com/rest/v0
	Token    string
	Insecure bool
	Timeout  time.Duration
}

// Driver is a REST-backed driver.Driver implementation.
type Driver struct {
	cfg    Config
	client *http.Client
}

// New builds a Driver from cfg.
func New(cfg Config) *Driver {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	transport := &http.Transport{}
	if cfg.Insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Driver{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout, Transport: transport},
	}
}

func (d *Driver) do(ctx context.Context, method, path string, body interface{}) (interface{}, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+d.cfg.Token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if len(data) == 0 {
		return nil, nil
	}

	var parsed interface{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		// Not every successful migrate response is JSON; callers treat a
		// non-JSON 2xx body as success-ish, matching the original's
		// "non-dict JSON treat as success" branch.
		return string(data), nil
	}
	return parsed, nil
}

func (d *Driver) get(ctx context.Context, path string) (interface{}, error) {
	return d.do(ctx, http.MethodGet, path, nil)
}

func (d *Driver) post(ctx context.Context, path string, body interface{}) (interface{}, error) {
	return d.do(ctx, http.MethodPost, path, body)
}

// Probe fetches the pool list as a cheap reachability check.
func (d *Driver) Probe(ctx context.Context) error {
	_, err := d.get(ctx, "/pools")
	if err != nil {
		return fmt.Errorf("xoa probe: %w", err)
	}
	return nil
}

// GetVM fetches a VM's current record from XOA.
func (d *Driver) GetVM(ctx context.Context, vmUUID string) (*driver.VMInfo, error) {
	resp, err := d.get(ctx, fmt.Sprintf("/vms/%s", vmUUID))
	if err != nil {
		return nil, fmt.Errorf("xoa get vm %s: %w", vmUUID, err)
	}
	info := &driver.VMInfo{UUID: vmUUID, LiveCapable: true}
	if m, ok := resp.(map[string]interface{}); ok {
		if name, ok := m["name_label"].(string); ok {
			info.NameLabel = name
		}
		if ps, ok := m["power_state"].(string); ok {
			info.PowerState = ps
			if !strings.EqualFold(ps, "Running") {
				info.LiveCapable = false
				info.IneligibleWhy = fmt.Sprintf("VM power_state is not Running: %s", ps)
			}
		}
	}
	return info, nil
}

// migrateAttempt records one endpoint+payload combination tried against
// XOA. When every combination fails, only the number of attempts appears in
// Migrate's error; the endpoints and payloads themselves are not returned.
type migrateAttempt struct {
	Endpoint string                 `json:"endpoint"`
	Payload  map[string]interface{} `json:"payload"`
}

// Migrate tries each candidate endpoint/payload combination in turn,
// stopping at the first one the server accepts, exactly like
// _try_migrate_via_xoa.
func (d *Driver) Migrate(ctx context.Context, vmUUID, targetHost string, details map[string]interface{}) (*driver.MigrateResult, error) {
	targetSR, _ := details["target_sr"].(string)

	var tried []migrateAttempt
	for _, pathTpl := range candidateMigratePaths {
		path := fmt.Sprintf(pathTpl, vmUUID)
		for _, payload := range payloadVariants(targetHost, targetSR) {
			tried = append(tried, migrateAttempt{Endpoint: path, Payload: payload})

			resp, err := d.post(ctx, path, payload)
			if err != nil {
				continue
			}

			result := &driver.MigrateResult{Endpoint: path}
			if m, ok := resp.(map[string]interface{}); ok {
				result.Raw = m
				result.OpID = firstString(m, "id", "task", "operation", "result")
			}
			return result, nil
		}
	}

	return nil, fmt.Errorf("xoa: no supported migrate endpoint for vm %s (tried %d combinations)", vmUUID, len(tried))
}

func firstString(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// candidatePollPaths mirrors _poll_operation's candidate_paths list.
func candidatePollPaths(opID string) []string {
	return []string{
		fmt.Sprintf("/tasks/%s", opID),
		fmt.Sprintf("/operations/%s", opID),
		fmt.Sprintf("/jobs/%s", opID),
		fmt.Sprintf("/tasks/%s/status", opID),
	}
}

var doneStates = map[string]bool{"done": true, "success": true, "ok": true, "completed": true}
var failedStates = map[string]bool{"failed": true, "error": true, "aborted": true}

// Poll checks an in-flight operation across XOA's various status-reporting
// endpoints and field names, extracting progress with the
// progress -> percent -> percentage precedence resolved for this port.
func (d *Driver) Poll(ctx context.Context, opID string) (*driver.PollResult, error) {
	for _, p := range candidatePollPaths(opID) {
		resp, err := d.get(ctx, p)
		if err != nil {
			continue
		}
		m, ok := resp.(map[string]interface{})
		if !ok {
			continue
		}

		result := &driver.PollResult{Raw: m}
		status := strings.ToLower(firstString(m, "status", "state", "result"))
		switch {
		case doneStates[status]:
			result.Done = true
			result.Progress = 100
		case failedStates[status]:
			result.Failed = true
		}
		if prog, ok := firstNumber(m, "progress", "percent", "percentage"); ok {
			result.Progress = prog
		}
		return result, nil
	}
	// None of the candidate endpoints answered this round; treat as "not
	// done yet" rather than an error so the orchestrator's poll loop keeps
	// retrying until PollTimeout.
	return &driver.PollResult{}, nil
}

func firstNumber(m map[string]interface{}, keys ...string) (int, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			switch n := v.(type) {
			case float64:
				return int(n), true
			case int:
				return n, true
			}
		}
	}
	return 0, false
}

// Abort attempts to cancel a task via XOA's generic task-abort action.
// XOA may not support this for every task kind; a failure here is
// best-effort and not surfaced as a hard error to the caller.
func (d *Driver) Abort(ctx context.Context, opID string) error {
	_, err := d.post(ctx, fmt.Sprintf("/tasks/%s/actions/abort", opID), nil)
	return err
}
