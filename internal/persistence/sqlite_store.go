package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/petrijr/loom/pkg/api"
)

// SQLiteStore implements ExecutionStore and IdempotencyStore on SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ ExecutionStore   = (*SQLiteStore)(nil)
	_ IdempotencyStore = (*SQLiteStore)(nil)
)

// NewSQLiteStore initializes the required schema in the given database and
// returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			phase TEXT NOT NULL,
			next_sequence INTEGER NOT NULL,
			parent_id TEXT NOT NULL DEFAULT '',
			child_entity_id TEXT NOT NULL DEFAULT '',
			idempotency_key TEXT NOT NULL DEFAULT '',
			input BLOB,
			output BLOB,
			error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_until INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_executions_phase ON executions(phase);
		CREATE INDEX IF NOT EXISTS idx_executions_kind ON executions(kind);

		CREATE TABLE IF NOT EXISTS idempotency_slots (
			tenant_id TEXT NOT NULL,
			slot_key TEXT NOT NULL,
			target_id TEXT NOT NULL,
			target_kind TEXT NOT NULL,
			expires_at INTEGER NOT NULL,
			PRIMARY KEY (tenant_id, slot_key)
		);
		CREATE INDEX IF NOT EXISTS idx_idempotency_expires ON idempotency_slots(expires_at);
	`)
	return err
}

func (s *SQLiteStore) SaveExecution(ctx context.Context, exec *api.Execution) error {
	input, err := EncodeValue(exec.Input)
	if err != nil {
		return err
	}
	output, err := EncodeValue(exec.Output)
	if err != nil {
		return err
	}
	errStr := ""
	if exec.Err != nil {
		errStr = exec.Err.Error()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions
			(id, tenant_id, kind, phase, next_sequence, parent_id, child_entity_id,
			 idempotency_key, input, output, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID,
		exec.TenantID,
		exec.Kind,
		string(exec.Phase),
		exec.NextSequence,
		exec.ParentID,
		exec.ChildEntityID,
		exec.IdempotencyKey,
		input,
		output,
		errStr,
		exec.CreatedAt.UnixNano(),
		exec.UpdatedAt.UnixNano(),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrExecutionExists
	}
	return err
}

func (s *SQLiteStore) UpdateExecution(ctx context.Context, exec *api.Execution) error {
	input, err := EncodeValue(exec.Input)
	if err != nil {
		return err
	}
	output, err := EncodeValue(exec.Output)
	if err != nil {
		return err
	}
	errStr := ""
	if exec.Err != nil {
		errStr = exec.Err.Error()
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET phase = ?, next_sequence = ?, input = ?, output = ?, error = ?, updated_at = ?
		WHERE id = ?`,
		string(exec.Phase),
		exec.NextSequence,
		input,
		output,
		errStr,
		exec.UpdatedAt.UnixNano(),
		exec.ID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return api.ErrExecutionNotFound
	}
	return nil
}

const executionColumns = `id, tenant_id, kind, phase, next_sequence, parent_id,
	child_entity_id, idempotency_key, input, output, error, created_at, updated_at`

func scanExecution(scan func(dest ...any) error) (*api.Execution, error) {
	var (
		exec                 api.Execution
		phaseStr             string
		input, output        []byte
		errStr               string
		createdAt, updatedAt int64
	)
	if err := scan(&exec.ID, &exec.TenantID, &exec.Kind, &phaseStr, &exec.NextSequence,
		&exec.ParentID, &exec.ChildEntityID, &exec.IdempotencyKey,
		&input, &output, &errStr, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	exec.Phase = api.Phase(phaseStr)

	inVal, err := DecodeValue(input)
	if err != nil {
		return nil, err
	}
	exec.Input = inVal

	outVal, err := DecodeValue(output)
	if err != nil {
		return nil, err
	}
	exec.Output = outVal

	if errStr != "" {
		exec.Err = errors.New(errStr)
	}
	exec.CreatedAt = time.Unix(0, createdAt)
	exec.UpdatedAt = time.Unix(0, updatedAt)
	return &exec, nil
}

func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+executionColumns+`
		FROM executions
		WHERE id = ?`, id)

	exec, err := scanExecution(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, api.ErrExecutionNotFound
		}
		return nil, err
	}
	return exec, nil
}

func (s *SQLiteStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*api.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions`
	var args []any
	var clauses []string

	if filter.TenantID != "" {
		clauses = append(clauses, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.Kind != "" {
		clauses = append(clauses, "kind = ?")
		args = append(args, filter.Kind)
	}
	if filter.Phase != "" {
		clauses = append(clauses, "phase = ?")
		args = append(args, string(filter.Phase))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []*api.Execution
	for rows.Next() {
		exec, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, err
		}
		executions = append(executions, exec)
	}
	return executions, rows.Err()
}

func (s *SQLiteStore) TryAcquireLease(ctx context.Context, executionID, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET lease_owner = ?, lease_until = ?
		WHERE id = ? AND (lease_owner = '' OR lease_owner = ? OR lease_until <= ?)`,
		owner,
		now.Add(ttl).UnixNano(),
		executionID,
		owner,
		now.UnixNano(),
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (s *SQLiteStore) RenewLease(ctx context.Context, executionID, owner string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET lease_until = ?
		WHERE id = ? AND lease_owner = ?`,
		time.Now().Add(ttl).UnixNano(),
		executionID,
		owner,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return api.ErrClaimLost
	}
	return nil
}

func (s *SQLiteStore) ReleaseLease(ctx context.Context, executionID, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET lease_owner = '', lease_until = 0
		WHERE id = ? AND lease_owner = ?`,
		executionID,
		owner,
	)
	return err
}

func (s *SQLiteStore) GetSlot(ctx context.Context, tenantID, key string) (*api.IdempotencySlot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, slot_key, target_id, target_kind, expires_at
		FROM idempotency_slots
		WHERE tenant_id = ? AND slot_key = ?`,
		tenantID, key)

	var slot api.IdempotencySlot
	var expiresAt int64
	if err := row.Scan(&slot.TenantID, &slot.Key, &slot.TargetID, &slot.TargetKind, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}
	if expiresAt != 0 {
		slot.ExpiresAt = time.Unix(0, expiresAt)
	}
	return &slot, nil
}

func (s *SQLiteStore) PutSlot(ctx context.Context, slot api.IdempotencySlot) error {
	var expiresAt int64
	if !slot.ExpiresAt.IsZero() {
		expiresAt = slot.ExpiresAt.UnixNano()
	}
	// The upsert only displaces an expired slot or refreshes one that
	// already names this target; a live slot for another target is left
	// alone and the zero row count signals the conflict.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_slots (tenant_id, slot_key, target_id, target_kind, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, slot_key)
		DO UPDATE SET target_id = excluded.target_id,
			target_kind = excluded.target_kind,
			expires_at = excluded.expires_at
		WHERE idempotency_slots.target_id = excluded.target_id
			OR (idempotency_slots.expires_at != 0 AND idempotency_slots.expires_at <= ?)`,
		slot.TenantID, slot.Key, slot.TargetID, slot.TargetKind, expiresAt,
		time.Now().UnixNano())
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrSlotConflict
	}
	return nil
}

func (s *SQLiteStore) DeleteSlot(ctx context.Context, tenantID, key string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_slots
		WHERE tenant_id = ? AND slot_key = ?`,
		tenantID, key)
	return err
}

func (s *SQLiteStore) ExpireSlots(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_slots
		WHERE expires_at != 0 AND expires_at <= ?`,
		now.UnixNano())
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}
