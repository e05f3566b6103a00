package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/minicloud/controller/internal/model"
)

// validTransitions encodes the state diagram from the orchestration spec.
// Cancellation is allowed from any non-terminal status.
var validTransitions = map[model.Status][]model.Status{
	model.StatusQueued:     {model.StatusValidating, model.StatusCancelled, model.StatusFailed},
	model.StatusValidating: {model.StatusRunning, model.StatusFailed, model.StatusCancelled},
	model.StatusRunning:    {model.StatusFinalizing, model.StatusFailed, model.StatusCancelled},
	model.StatusFinalizing: {model.StatusCompleted, model.StatusFailed, model.StatusCancelled},
}

func canTransition(from, to model.Status) bool {
	if from.Terminal() {
		return false
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// CreateMigration creates a new Migration row, enforcing idempotency on
// clientRequestID and the single-non-terminal-migration-per-VM invariant
// (I1/I2 in the spec).
func (s *Store) CreateMigration(vmID, sourceHost, targetHost, reason, clientRequestID string) (*model.Migration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if clientRequestID != "" {
		existing, err := s.getMigrationByClientRequestID(clientRequestID)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	var count int
	row := s.db.QueryRow(`SELECT COUNT(*) FROM migrations WHERE vm_id = ? AND status NOT IN (?, ?, ?)`,
		vmID, model.StatusCompleted, model.StatusFailed, model.StatusCancelled)
	if err := row.Scan(&count); err != nil {
		return nil, fmt.Errorf("check existing migrations: %w", err)
	}
	if count > 0 {
		return nil, ErrAlreadyExists
	}

	m := &model.Migration{
		ID:         uuid.New().String(),
		VMID:       vmID,
		SourceHost: sourceHost,
		TargetHost: targetHost,
		Status:     model.StatusQueued,
		Progress:   0,
		Reason:     reason,
		UpdatedAt:  time.Now().UTC(),
	}
	if clientRequestID != "" {
		m.ClientRequestID = clientRequestID
	}

	var crid sql.NullString
	if m.ClientRequestID != "" {
		crid = sql.NullString{String: m.ClientRequestID, Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT INTO migrations (id, vm_id, source_host, target_host, status, progress, reason, client_request_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.VMID, m.SourceHost, m.TargetHost, string(m.Status), m.Progress, m.Reason, crid, m.UpdatedAt.Unix())
	if err != nil {
		// A UNIQUE constraint race on client_request_id means another
		// concurrent create won; return its record instead of erroring.
		if clientRequestID != "" {
			if existing, gerr := s.getMigrationByClientRequestID(clientRequestID); gerr == nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("insert migration: %w", err)
	}

	return m, nil
}

// GetMigration fetches a single Migration by ID.
func (s *Store) GetMigration(id string) (*model.Migration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getMigration(id)
}

func (s *Store) getMigration(id string) (*model.Migration, error) {
	row := s.db.QueryRow(`
		SELECT id, vm_id, source_host, target_host, status, progress, reason,
		       client_request_id, details, cancel_requested, started_at, updated_at, finished_at
		FROM migrations WHERE id = ?
	`, id)
	return scanMigration(row)
}

func (s *Store) getMigrationByClientRequestID(clientRequestID string) (*model.Migration, error) {
	row := s.db.QueryRow(`
		SELECT id, vm_id, source_host, target_host, status, progress, reason,
		       client_request_id, details, cancel_requested, started_at, updated_at, finished_at
		FROM migrations WHERE client_request_id = ?
	`, clientRequestID)
	return scanMigration(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMigration(row rowScanner) (*model.Migration, error) {
	var m model.Migration
	var status string
	var reason, crid sql.NullString
	var details sql.NullString
	var cancelRequested bool
	var started, updated, finished sql.NullInt64

	err := row.Scan(&m.ID, &m.VMID, &m.SourceHost, &m.TargetHost, &status, &m.Progress,
		&reason, &crid, &details, &cancelRequested, &started, &updated, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan migration: %w", err)
	}

	m.Status = model.Status(status)
	m.Reason = reason.String
	m.ClientRequestID = crid.String
	m.CancelRequested = cancelRequested
	m.StartedAt = timeFromNull(started)
	m.UpdatedAt = timeFromNull(updated)
	m.FinishedAt = timeFromNull(finished)

	detailsMap, err := unmarshalJSONMap(details)
	if err != nil {
		return nil, fmt.Errorf("unmarshal details: %w", err)
	}
	m.Details = detailsMap

	return &m, nil
}

// MigrationFilter selects a subset of migrations for List.
type MigrationFilter struct {
	Statuses []model.Status
	VMID     string
	Since    time.Time
}

// List returns migrations matching filter, most recently updated first.
func (s *Store) List(filter MigrationFilter) ([]*model.Migration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT id, vm_id, source_host, target_host, status, progress, reason,
	                 client_request_id, details, cancel_requested, started_at, updated_at, finished_at
	          FROM migrations WHERE 1=1`
	var args []interface{}

	if len(filter.Statuses) > 0 {
		query += " AND status IN (" + placeholders(len(filter.Statuses)) + ")"
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.VMID != "" {
		query += " AND vm_id = ?"
		args = append(args, filter.VMID)
	}
	if !filter.Since.IsZero() {
		query += " AND updated_at >= ?"
		args = append(args, filter.Since.Unix())
	}
	query += " ORDER BY updated_at DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	defer rows.Close()

	var out []*model.Migration
	for rows.Next() {
		m, err := scanMigration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			s += ","
		}
		s += "?"
	}
	return s
}

// CountNonTerminal reports how many migrations are currently not in a
// terminal status — used to enforce MAX_CONCURRENT_MIGRATIONS.
func (s *Store) CountNonTerminal() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	row := s.db.QueryRow(`SELECT COUNT(*) FROM migrations WHERE status NOT IN (?, ?, ?)`,
		model.StatusCompleted, model.StatusFailed, model.StatusCancelled)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count non-terminal: %w", err)
	}
	return count, nil
}

// TransitionFields carries the optional fields a transition may set.
type TransitionFields struct {
	Progress *int
	Details  map[string]interface{}
}

// Transition validates and applies a status change per the spec's state
// diagram. Progress is clamped to [0,100] and never allowed to regress.
func (s *Store) Transition(id string, newStatus model.Status, fields TransitionFields) (*model.Migration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.getMigration(id)
	if err != nil {
		return nil, err
	}

	if m.Status.Terminal() {
		return nil, ErrTerminalImmutable
	}
	if !canTransition(m.Status, newStatus) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, m.Status, newStatus)
	}

	now := time.Now().UTC()
	progress := m.Progress
	if fields.Progress != nil {
		p := *fields.Progress
		if p < 0 {
			p = 0
		}
		if p > 100 {
			p = 100
		}
		if p > progress {
			progress = p
		}
	}

	details := m.Details
	if fields.Details != nil {
		details = fields.Details
	}
	detailsNS, err := marshalJSON(details)
	if err != nil {
		return nil, fmt.Errorf("marshal details: %w", err)
	}

	var startedAt = nullTime(m.StartedAt)
	if newStatus == model.StatusValidating && m.StartedAt.IsZero() {
		startedAt = nullTime(now)
	}
	var finishedAt sql.NullInt64
	if newStatus.Terminal() {
		finishedAt = nullTime(now)
	} else {
		finishedAt = nullTime(m.FinishedAt)
	}

	_, err = s.db.Exec(`
		UPDATE migrations
		SET status = ?, progress = ?, details = ?, started_at = ?, updated_at = ?, finished_at = ?
		WHERE id = ?
	`, string(newStatus), progress, detailsNS, startedAt, now.Unix(), finishedAt, id)
	if err != nil {
		return nil, fmt.Errorf("update migration: %w", err)
	}

	return s.getMigration(id)
}

// UpdateProgress bumps progress without a status change (best-effort polling
// updates). Never returns ErrIllegalTransition. internal/orchestrator
// discards its error: a failed update does not fail the migration and is
// not recorded as a migration event.
func (s *Store) UpdateProgress(id string, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}

	_, err := s.db.Exec(`
		UPDATE migrations SET progress = MAX(progress, ?), updated_at = ? WHERE id = ? AND status NOT IN (?, ?, ?)
	`, progress, time.Now().UTC().Unix(), id, model.StatusCompleted, model.StatusFailed, model.StatusCancelled)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

// RequestCancel sets the cancel flag read by the orchestrator between polls.
// If the migration is not currently running, it is cancelled immediately.
func (s *Store) RequestCancel(id string) (*model.Migration, error) {
	s.mu.Lock()
	m, err := s.getMigration(id)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if m.Status.Terminal() {
		s.mu.Unlock()
		return m, nil
	}
	if m.Status == model.StatusRunning || m.Status == model.StatusFinalizing {
		_, err := s.db.Exec(`UPDATE migrations SET cancel_requested = 1, updated_at = ? WHERE id = ?`,
			time.Now().UTC().Unix(), id)
		s.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("flag cancel request: %w", err)
		}
		return s.GetMigration(id)
	}
	s.mu.Unlock()
	return s.Transition(id, model.StatusCancelled, TransitionFields{})
}

// IsCancelRequested reports whether a running migration has a pending cancel.
func (s *Store) IsCancelRequested(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var flag bool
	row := s.db.QueryRow(`SELECT cancel_requested FROM migrations WHERE id = ?`, id)
	if err := row.Scan(&flag); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, err
	}
	return flag, nil
}

// AppendEvent appends an audit log entry for a migration.
func (s *Store) AppendEvent(migrationID string, level model.EventLevel, message string, meta map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	metaNS, err := marshalJSON(meta)
	if err != nil {
		return fmt.Errorf("marshal event meta: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO migration_events (migration_id, ts, level, message, meta)
		VALUES (?, ?, ?, ?, ?)
	`, migrationID, time.Now().UTC().Unix(), string(level), message, metaNS)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Events returns the event log for a migration, oldest first.
func (s *Store) Events(migrationID string) ([]*model.MigrationEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT id, migration_id, ts, level, message, meta
		FROM migration_events WHERE migration_id = ? ORDER BY id ASC
	`, migrationID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []*model.MigrationEvent
	for rows.Next() {
		var e model.MigrationEvent
		var ts int64
		var level, message string
		var meta sql.NullString
		if err := rows.Scan(&e.ID, &e.MigrationID, &ts, &level, &message, &meta); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Timestamp = time.Unix(ts, 0).UTC()
		e.Level = model.EventLevel(level)
		e.Message = message
		metaMap, err := unmarshalJSONMap(meta)
		if err != nil {
			return nil, fmt.Errorf("unmarshal event meta: %w", err)
		}
		e.Meta = metaMap
		out = append(out, &e)
	}
	return out, rows.Err()
}
