// Package sqlite stores node state in a single SQLite database per node.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gatewaylog/internal/domain"
	"gatewaylog/internal/storage"

	_ "modernc.org/sqlite"
)

const fileName = "node-state.db"

const schema = `
CREATE TABLE IF NOT EXISTS node_state (
	id INTEGER PRIMARY KEY CHECK (id = 0),
	current_term INTEGER NOT NULL,
	voted_for INTEGER NOT NULL,
	commit_position INTEGER NOT NULL,
	updated_at_utc_ns INTEGER NOT NULL
);

INSERT OR IGNORE INTO node_state(id, current_term, voted_for, commit_position, updated_at_utc_ns)
VALUES (0, 0, -1, 0, 0);

CREATE TRIGGER IF NOT EXISTS trg_node_state_term_monotonic
BEFORE UPDATE ON node_state
WHEN NEW.current_term < OLD.current_term
BEGIN
	SELECT RAISE(ABORT, 'node_state: current_term must not decrease');
END;

CREATE TRIGGER IF NOT EXISTS trg_node_state_commit_monotonic
BEFORE UPDATE ON node_state
WHEN NEW.commit_position < OLD.commit_position
BEGIN
	SELECT RAISE(ABORT, 'node_state: commit_position must not decrease');
END;

CREATE TABLE IF NOT EXISTS vote_history (
	term INTEGER PRIMARY KEY,
	candidate INTEGER NOT NULL,
	recorded_at_utc_ns INTEGER NOT NULL
);

CREATE TRIGGER IF NOT EXISTS trg_vote_history_no_update
BEFORE UPDATE ON vote_history
BEGIN
	SELECT RAISE(ABORT, 'vote_history is append-only: UPDATE forbidden');
END;

CREATE TRIGGER IF NOT EXISTS trg_vote_history_no_delete
BEFORE DELETE ON vote_history
BEGIN
	SELECT RAISE(ABORT, 'vote_history is append-only: DELETE forbidden');
END;
`

type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ storage.Engine = (*Store)(nil)

// NewStore opens or creates the node state database in dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir state dir: %w", err)
	}
	db, err := openSQLite(filepath.Join(dir, fileName))
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Load(ctx context.Context) (storage.NodeState, error) {
	return loadState(ctx, s.db)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadState(ctx context.Context, q queryer) (storage.NodeState, error) {
	var st storage.NodeState
	var votedFor int64
	err := q.QueryRowContext(ctx, `SELECT current_term, voted_for, commit_position FROM node_state WHERE id = 0`).
		Scan(&st.CurrentTerm, &votedFor, &st.CommitPosition)
	if err != nil {
		return storage.NodeState{}, fmt.Errorf("load node state: %w", err)
	}
	st.VotedFor = domain.NodeID(votedFor)
	return st, nil
}

func (s *Store) SaveVote(ctx context.Context, term int64, votedFor domain.NodeID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	st, err := loadState(ctx, tx)
	if err != nil {
		return err
	}
	changed, err := storage.CheckVote(st, term, votedFor)
	if err != nil {
		return fmt.Errorf("vote for %d in term %d (recorded term %d vote %d): %w", votedFor, term, st.CurrentTerm, st.VotedFor, err)
	}
	if !changed {
		return nil
	}
	now := s.now().UTC().UnixNano()
	if votedFor != domain.NoNode {
		if _, err := tx.ExecContext(ctx, `INSERT INTO vote_history(term, candidate, recorded_at_utc_ns) VALUES (?, ?, ?)`, term, int64(votedFor), now); err != nil {
			return fmt.Errorf("record vote: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE node_state SET current_term = ?, voted_for = ?, updated_at_utc_ns = ? WHERE id = 0`, term, int64(votedFor), now); err != nil {
		return fmt.Errorf("update node state: %w", err)
	}
	return tx.Commit()
}

func (s *Store) SaveCommit(ctx context.Context, term, position int64) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE node_state SET
	voted_for = CASE WHEN ? > current_term THEN -1 ELSE voted_for END,
	current_term = MAX(current_term, ?),
	commit_position = MAX(commit_position, ?),
	updated_at_utc_ns = ?
WHERE id = 0`, term, term, position, s.now().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("save commit: %w", err)
	}
	return nil
}

func (s *Store) Votes(ctx context.Context) ([]storage.Vote, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT term, candidate, recorded_at_utc_ns FROM vote_history ORDER BY term`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []storage.Vote
	for rows.Next() {
		var v storage.Vote
		var candidate int64
		if err := rows.Scan(&v.Term, &candidate, &v.RecordedAtUTCNs); err != nil {
			return nil, err
		}
		v.Candidate = domain.NodeID(candidate)
		out = append(out, v)
	}
	return out, rows.Err()
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection serialises writers and keeps the pragmas in effect.
	db.SetMaxOpenConns(1)
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}
