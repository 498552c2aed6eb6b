package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/petrijr/loom/pkg/api"
)

// SQLiteEventStore stores execution histories in SQLite. The primary key
// (execution_id, seq) makes duplicate sequences impossible at the storage
// layer; the expected-sequence check in AppendEvents makes lost updates
// impossible.
type SQLiteEventStore struct {
	db *sql.DB
}

var _ EventStore = (*SQLiteEventStore)(nil)

func NewSQLiteEventStore(db *sql.DB) (*SQLiteEventStore, error) {
	s := &SQLiteEventStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteEventStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS execution_events (
			execution_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			type_seq INTEGER NOT NULL DEFAULT 0,
			type TEXT NOT NULL,
			at INTEGER NOT NULL,
			entity_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			payload BLOB,
			detail TEXT NOT NULL DEFAULT '',
			attempt INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (execution_id, seq)
		);
	`)
	return err
}

func (s *SQLiteEventStore) AppendEvents(ctx context.Context, executionID string, expectedNext uint64, events []api.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var maxSeq uint64
	row := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM execution_events WHERE execution_id = ?`,
		executionID)
	if err := row.Scan(&maxSeq); err != nil {
		return err
	}
	if maxSeq+1 != expectedNext {
		return api.ErrConcurrentAppend
	}

	for _, ev := range events {
		payload, err := EncodeValue(ev.Payload)
		if err != nil {
			return err
		}
		at := ev.At
		if at.IsZero() {
			at = time.Now()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO execution_events
				(execution_id, seq, type_seq, type, at, entity_id, name, payload, detail, attempt)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			executionID,
			ev.Sequence,
			ev.TypeSequence,
			string(ev.Type),
			at.UnixNano(),
			ev.EntityID,
			ev.Name,
			payload,
			ev.Detail,
			ev.Attempt,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteEventStore) ListEvents(ctx context.Context, executionID string, afterSeq uint64) ([]api.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, type_seq, type, at, entity_id, name, payload, detail, attempt
		FROM execution_events
		WHERE execution_id = ? AND seq > ?
		ORDER BY seq ASC`,
		executionID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.Event
	for rows.Next() {
		var (
			ev      api.Event
			typ     string
			atN     int64
			payload []byte
		)
		if err := rows.Scan(&ev.Sequence, &ev.TypeSequence, &typ, &atN,
			&ev.EntityID, &ev.Name, &payload, &ev.Detail, &ev.Attempt); err != nil {
			return nil, err
		}
		ev.ExecutionID = executionID
		ev.Type = api.EventType(typ)
		ev.At = time.Unix(0, atN)

		val, err := DecodeValue(payload)
		if err != nil {
			return nil, err
		}
		ev.Payload = val
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLiteEventStore) ReplaceHistory(ctx context.Context, executionID string, events []api.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM execution_events WHERE execution_id = ?`, executionID); err != nil {
		return err
	}
	for _, ev := range events {
		payload, err := EncodeValue(ev.Payload)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO execution_events
				(execution_id, seq, type_seq, type, at, entity_id, name, payload, detail, attempt)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			executionID,
			ev.Sequence,
			ev.TypeSequence,
			string(ev.Type),
			ev.At.UnixNano(),
			ev.EntityID,
			ev.Name,
			payload,
			ev.Detail,
			ev.Attempt,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}
