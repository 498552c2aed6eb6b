package pending

import (
	"context"
	"database/sql"
	"time"

	"github.com/petrijr/loom/internal/persistence"
	"github.com/petrijr/loom/pkg/api"
)

// SQLiteStore is a persistent pending-work store backed by SQLite.
//
// Claiming selects a bounded batch of eligible rows ordered by readiness
// time and marks them claimed in the same transaction, so a second process
// selecting concurrently skips rows the first already took instead of
// blocking or double-assigning.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore initializes the pending_work table in the given DB and
// returns a new store.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS pending_work (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			execution_id TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			task_kind TEXT NOT NULL DEFAULT '',
			input BLOB,
			attempt INTEGER NOT NULL DEFAULT 0,
			enqueued_at INTEGER NOT NULL,
			not_before INTEGER NOT NULL,
			claimed_by TEXT NOT NULL DEFAULT '',
			claimed_until INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_pending_work_ready ON pending_work(not_before, id);
	`)
	return err
}

func (s *SQLiteStore) Enqueue(ctx context.Context, item Item) error {
	input, err := persistence.EncodeValue(item.Input)
	if err != nil {
		return err
	}

	now := time.Now()
	enqueuedAt := item.EnqueuedAt
	if enqueuedAt.IsZero() {
		enqueuedAt = now
	}
	notBefore := item.NotBefore
	if notBefore.IsZero() {
		notBefore = enqueuedAt
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_work
			(id, kind, execution_id, entity_id, task_kind, input, attempt, enqueued_at, not_before)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		item.ID,
		string(item.Kind),
		item.ExecutionID,
		item.EntityID,
		item.TaskKind,
		input,
		item.Attempt,
		enqueuedAt.UnixNano(),
		notBefore.UnixNano(),
	)
	return err
}

func (s *SQLiteStore) Claim(ctx context.Context, owner string, batch int, lease time.Duration) ([]Item, error) {
	now := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Select-and-mark in one transaction: eligible rows are either never
	// claimed or hold an expired lease. Rows claimed by a live owner are
	// simply not selected.
	rows, err := tx.QueryContext(ctx, `
		SELECT id, kind, execution_id, entity_id, task_kind, input, attempt, enqueued_at, not_before
		FROM pending_work
		WHERE not_before <= ? AND (claimed_by = '' OR claimed_until <= ?)
		ORDER BY not_before, id
		LIMIT ?`,
		now.UnixNano(), now.UnixNano(), batch)
	if err != nil {
		return nil, err
	}

	var claimed []Item
	for rows.Next() {
		var (
			it          Item
			kindStr     string
			input       []byte
			enqueuedInt int64
			notBefore   int64
		)
		if err := rows.Scan(&it.ID, &kindStr, &it.ExecutionID, &it.EntityID,
			&it.TaskKind, &input, &it.Attempt, &enqueuedInt, &notBefore); err != nil {
			rows.Close()
			return nil, err
		}
		it.Kind = api.WorkKind(kindStr)
		val, err := persistence.DecodeValue(input)
		if err != nil {
			rows.Close()
			return nil, err
		}
		it.Input = val
		it.EnqueuedAt = time.Unix(0, enqueuedInt)
		it.NotBefore = time.Unix(0, notBefore)
		claimed = append(claimed, it)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	until := now.Add(lease)
	for i := range claimed {
		claimed[i].Attempt++
		claimed[i].ClaimedBy = owner
		claimed[i].ClaimedUntil = until
		if _, err := tx.ExecContext(ctx, `
			UPDATE pending_work
			SET claimed_by = ?, claimed_until = ?, attempt = ?
			WHERE id = ?`,
			owner, until.UnixNano(), claimed[i].Attempt, claimed[i].ID); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *SQLiteStore) Complete(ctx context.Context, id, owner string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM pending_work WHERE id = ? AND claimed_by = ?`,
		id, owner)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotClaimed
	}
	return nil
}

func (s *SQLiteStore) Release(ctx context.Context, id, owner string, delay time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_work
		SET claimed_by = '', claimed_until = 0, not_before = ?
		WHERE id = ? AND claimed_by = ?`,
		time.Now().Add(delay).UnixNano(), id, owner)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotClaimed
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_work WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) Len(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_work`).Scan(&n)
	return n, err
}
