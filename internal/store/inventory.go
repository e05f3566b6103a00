package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/minicloud/controller/internal/model"
)

// UpsertHost creates or updates a Host on (re)registration. host_id is the
// stable hypervisor UUID; repeated calls refresh hostname/address/labels and
// last_seen without ever destroying the row, per spec §3's Host lifecycle.
func (s *Store) UpsertHost(h *model.Host) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	labelsJSON, err := json.Marshal(h.Labels)
	if err != nil {
		return fmt.Errorf("marshal labels: %w", err)
	}
	status := h.Status
	if status == "" {
		status = "UP"
	}
	cpuCount := h.CPUCount
	if cpuCount <= 0 {
		cpuCount = 1
	}
	lastSeen := h.LastSeenAt
	if lastSeen.IsZero() {
		lastSeen = time.Now().UTC()
	}

	_, err = s.db.Exec(`
		INSERT INTO hosts (id, hostname, address, status, cpu_count, labels, last_seen_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			hostname = excluded.hostname,
			address = excluded.address,
			status = excluded.status,
			cpu_count = excluded.cpu_count,
			labels = excluded.labels,
			last_seen_ts = excluded.last_seen_ts
	`, h.ID, h.Hostname, h.Address, status, cpuCount, string(labelsJSON), lastSeen.Unix())
	if err != nil {
		return fmt.Errorf("upsert host: %w", err)
	}
	return nil
}

// RecordHostMetric appends a metric sample for a host.
func (s *Store) RecordHostMetric(m *model.HostMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO host_metrics (host_id, cpu_percent, mem_percent, load1, vms_running, ts)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.HostID, m.CPUPercent, m.MemPercent, m.Load1, m.VMsRunning, ts.Unix())
	if err != nil {
		return fmt.Errorf("insert host metric: %w", err)
	}
	return nil
}

// ThrottleHost marks a host as throttled until now+duration, so the
// scheduler's snapshot can skip planning against it.
func (s *Store) ThrottleHost(hostID string, duration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	until := time.Now().UTC().Add(duration)
	_, err := s.db.Exec(`UPDATE hosts SET throttled_until_ts = ? WHERE id = ?`, until.Unix(), hostID)
	if err != nil {
		return fmt.Errorf("throttle host: %w", err)
	}
	return nil
}

// ListHosts returns every known host with its latest metric joined in.
func (s *Store) ListHosts() ([]*model.Host, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT h.id, h.hostname, h.address, h.status, h.cpu_count, h.labels, h.last_seen_ts, h.throttled_until_ts,
		       COALESCE(lm.cpu_percent, 0), COALESCE(lm.mem_percent, 0), COALESCE(lm.load1, 0), COALESCE(lm.vms_running, 0)
		FROM hosts h
		LEFT JOIN (
			SELECT hm1.host_id, hm1.cpu_percent, hm1.mem_percent, hm1.load1, hm1.vms_running
			FROM host_metrics hm1
			INNER JOIN (
				SELECT host_id, MAX(ts) AS max_ts FROM host_metrics GROUP BY host_id
			) hm2 ON hm1.host_id = hm2.host_id AND hm1.ts = hm2.max_ts
		) lm ON lm.host_id = h.id
	`)
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	defer rows.Close()

	var out []*model.Host
	for rows.Next() {
		var h model.Host
		var labelsJSON sql.NullString
		var lastSeen, throttledUntil int64
		if err := rows.Scan(&h.ID, &h.Hostname, &h.Address, &h.Status, &h.CPUCount, &labelsJSON,
			&lastSeen, &throttledUntil, &h.CPUPercent, &h.MemPercent, &h.Load1, &h.VMsRunning); err != nil {
			return nil, fmt.Errorf("scan host: %w", err)
		}
		h.LastSeenAt = time.Unix(lastSeen, 0).UTC()
		if throttledUntil > 0 {
			h.ThrottledAt = time.Unix(throttledUntil, 0).UTC()
		}
		if labelsJSON.Valid && labelsJSON.String != "" && labelsJSON.String != "null" {
			if err := json.Unmarshal([]byte(labelsJSON.String), &h.Labels); err != nil {
				return nil, fmt.Errorf("unmarshal labels: %w", err)
			}
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}

// GetHost fetches a single host by ID (without the latest-metric join).
func (s *Store) GetHost(id string) (*model.Host, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var h model.Host
	var labelsJSON sql.NullString
	var lastSeen, throttledUntil int64
	row := s.db.QueryRow(`SELECT id, hostname, address, status, cpu_count, labels, last_seen_ts, throttled_until_ts FROM hosts WHERE id = ?`, id)
	err := row.Scan(&h.ID, &h.Hostname, &h.Address, &h.Status, &h.CPUCount, &labelsJSON, &lastSeen, &throttledUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get host: %w", err)
	}
	h.LastSeenAt = time.Unix(lastSeen, 0).UTC()
	if throttledUntil > 0 {
		h.ThrottledAt = time.Unix(throttledUntil, 0).UTC()
	}
	if labelsJSON.Valid && labelsJSON.String != "" && labelsJSON.String != "null" {
		if err := json.Unmarshal([]byte(labelsJSON.String), &h.Labels); err != nil {
			return nil, fmt.Errorf("unmarshal labels: %w", err)
		}
	}
	return &h, nil
}

// UpsertVM creates or updates a VM by its hypervisor UUID.
func (s *Store) UpsertVM(v *model.VM) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v.ID == "" {
		// Deterministic internal ID derived from the hypervisor UUID so
		// repeated registration calls resolve to the same row without a
		// separate lookup-then-insert round trip.
		v.ID = "vm-" + v.HypervisorUUID
	}

	_, err := s.db.Exec(`
		INSERT INTO vms (id, hypervisor_uuid, name, host_id, vcpus, memory_bytes, cpu_percent, protected)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			hypervisor_uuid = excluded.hypervisor_uuid,
			name = excluded.name,
			host_id = excluded.host_id,
			vcpus = excluded.vcpus,
			memory_bytes = excluded.memory_bytes,
			cpu_percent = excluded.cpu_percent,
			protected = excluded.protected
	`, v.ID, v.HypervisorUUID, v.Name, v.HostID, v.VCPUs, v.MemoryBytes, v.CPUPercent, v.Protected)
	if err != nil {
		return fmt.Errorf("upsert vm: %w", err)
	}
	return nil
}

// SetVMHost updates a VM's host pointer and last-migrated timestamp on
// successful completion of a migration (spec invariant I6).
func (s *Store) SetVMHost(vmID, hostID string, migratedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE vms SET host_id = ?, last_migrated_at = ? WHERE id = ?`,
		hostID, migratedAt.Unix(), vmID)
	if err != nil {
		return fmt.Errorf("set vm host: %w", err)
	}
	return nil
}

// ListVMs returns every known VM.
func (s *Store) ListVMs() ([]*model.VM, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT id, hypervisor_uuid, name, host_id, vcpus, memory_bytes, cpu_percent, protected, last_migrated_at FROM vms`)
	if err != nil {
		return nil, fmt.Errorf("list vms: %w", err)
	}
	defer rows.Close()

	var out []*model.VM
	for rows.Next() {
		v, err := scanVM(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// GetVM fetches a single VM by internal ID.
func (s *Store) GetVM(id string) (*model.VM, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`SELECT id, hypervisor_uuid, name, host_id, vcpus, memory_bytes, cpu_percent, protected, last_migrated_at FROM vms WHERE id = ?`, id)
	return scanVM(row)
}

// GetVMByUUID fetches a single VM by its hypervisor UUID.
func (s *Store) GetVMByUUID(uuid string) (*model.VM, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`SELECT id, hypervisor_uuid, name, host_id, vcpus, memory_bytes, cpu_percent, protected, last_migrated_at FROM vms WHERE hypervisor_uuid = ?`, uuid)
	return scanVM(row)
}

func scanVM(row rowScanner) (*model.VM, error) {
	var v model.VM
	var lastMigrated sql.NullInt64
	err := row.Scan(&v.ID, &v.HypervisorUUID, &v.Name, &v.HostID, &v.VCPUs, &v.MemoryBytes,
		&v.CPUPercent, &v.Protected, &lastMigrated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan vm: %w", err)
	}
	if lastMigrated.Valid {
		v.LastMigratedAt = time.Unix(lastMigrated.Int64, 0).UTC()
	}
	return &v, nil
}
