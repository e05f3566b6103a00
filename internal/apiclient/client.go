// Package apiclient is the Scheduler Service's view of the controller's
// inventory and migration intake API. Ported from scheduler/api_client.py's
// ControllerClient, which the background rebalance loop and alert handler
// both call instead of touching the store directly.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/minicloud/controller/internal/model"
)

// Client is a thin HTTP client for the controller's API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New builds a Client against baseURL (e.g. http://controller:8080),
// authenticating with token when non-empty.
func New(baseURL, token string) *Client {
	return &Client{baseURL: baseURL, token: token, http: &http.Client{Timeout: 15 * time.Second}}
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, string(data))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetHosts fetches the current host snapshot.
func (c *Client) GetHosts(ctx context.Context) ([]*model.Host, error) {
	var hosts []*model.Host
	if err := c.do(ctx, http.MethodGet, "/hosts", nil, &hosts); err != nil {
		return nil, err
	}
	return hosts, nil
}

// GetVMs fetches the current VM snapshot.
func (c *Client) GetVMs(ctx context.Context) ([]*model.VM, error) {
	var vms []*model.VM
	if err := c.do(ctx, http.MethodGet, "/vms", nil, &vms); err != nil {
		return nil, err
	}
	return vms, nil
}

// GetRunningMigrationsCount returns how many migrations are currently
// non-terminal, for MAX_CONCURRENT_MIGRATIONS accounting.
func (c *Client) GetRunningMigrationsCount(ctx context.Context) (int, error) {
	var migrations []*model.Migration
	if err := c.do(ctx, http.MethodGet, "/migrations?status=queued,validating,running,finalizing", nil, &migrations); err != nil {
		return 0, err
	}
	return len(migrations), nil
}

// RequestMigrationResult is the controller's 202 response body.
type RequestMigrationResult struct {
	MigrationID string `json:"migration_id"`
	Status      string `json:"status"`
}

// RequestMigration asks the controller to create and enqueue a migration.
func (c *Client) RequestMigration(ctx context.Context, vmUUID, sourceHost, targetHost, reason string) (*RequestMigrationResult, error) {
	body := map[string]string{
		"vm_uuid":     vmUUID,
		"source_host": sourceHost,
		"target_host": targetHost,
		"reason":      reason,
	}
	var out RequestMigrationResult
	if err := c.do(ctx, http.MethodPost, "/migrations", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ThrottleHost asks the controller to throttle a host for durationSeconds.
func (c *Client) ThrottleHost(ctx context.Context, hostID string, durationSeconds int, reason string) error {
	body := map[string]interface{}{"duration_seconds": durationSeconds, "reason": reason}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/hosts/%s/throttle", hostID), body, nil)
}
