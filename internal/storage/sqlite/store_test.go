package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"gatewaylog/internal/domain"
	"gatewaylog/internal/storage"
)

func TestFreshStoreHasNoVote(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	st, err := s.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.CurrentTerm != 0 || st.VotedFor != domain.NoNode || st.CommitPosition != 0 {
		t.Fatalf("fresh state %+v", st)
	}
}

func TestVoteIsRecordedOncePerTerm(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.SaveVote(ctx, 1, 2); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveVote(ctx, 1, 2); err != nil {
		t.Fatalf("same vote again: %v", err)
	}
	if err := s.SaveVote(ctx, 1, 0); !errors.Is(err, storage.ErrAlreadyVoted) {
		t.Fatalf("second vote: got %v, want ErrAlreadyVoted", err)
	}
	if err := s.SaveVote(ctx, 0, 0); !errors.Is(err, storage.ErrStaleTerm) {
		t.Fatalf("old term: got %v, want ErrStaleTerm", err)
	}
	if err := s.SaveVote(ctx, 2, domain.NoNode); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveVote(ctx, 2, 0); err != nil {
		t.Fatalf("vote after adopting term: %v", err)
	}

	votes, err := s.Votes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(votes) != 2 || votes[0].Candidate != 2 || votes[1].Term != 2 || votes[1].Candidate != 0 {
		t.Fatalf("vote history %+v", votes)
	}
}

func TestVoteHistoryIsAppendOnly(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.SaveVote(context.Background(), 3, 1); err != nil {
		t.Fatal(err)
	}
	_, err = s.db.Exec(`UPDATE vote_history SET candidate = 2 WHERE term = 3`)
	if err == nil || !strings.Contains(err.Error(), "append-only") {
		t.Fatalf("expected append-only update error, got %v", err)
	}
	_, err = s.db.Exec(`DELETE FROM vote_history WHERE term = 3`)
	if err == nil || !strings.Contains(err.Error(), "append-only") {
		t.Fatalf("expected append-only delete error, got %v", err)
	}
	_, err = s.db.Exec(`UPDATE node_state SET current_term = 1 WHERE id = 0`)
	if err == nil || !strings.Contains(err.Error(), "must not decrease") {
		t.Fatalf("expected monotonic term error, got %v", err)
	}
}

func TestCommitPositionOnlyRises(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.SaveVote(ctx, 1, 1); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveCommit(ctx, 1, 480); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveCommit(ctx, 1, 96); err != nil {
		t.Fatal(err)
	}
	st, _ := s.Load(ctx)
	if st.CommitPosition != 480 || st.VotedFor != 1 {
		t.Fatalf("state %+v", st)
	}
	if err := s.SaveCommit(ctx, 4, 512); err != nil {
		t.Fatal(err)
	}
	st, _ = s.Load(ctx)
	if st.CurrentTerm != 4 || st.VotedFor != domain.NoNode || st.CommitPosition != 512 {
		t.Fatalf("state after newer term %+v", st)
	}
}

func TestRecoveryReopenWALDatabase(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	{
		s, err := NewStore(dir)
		if err != nil {
			t.Fatal(err)
		}
		if err := s.SaveVote(ctx, 7, 2); err != nil {
			t.Fatal(err)
		}
		if err := s.SaveCommit(ctx, 7, 1024); err != nil {
			t.Fatal(err)
		}
		_ = s.Close()
	}

	s, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	st, err := s.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.CurrentTerm != 7 || st.VotedFor != 2 || st.CommitPosition != 1024 {
		t.Fatalf("recovered %+v", st)
	}
	if err := s.SaveVote(ctx, 7, 1); !errors.Is(err, storage.ErrAlreadyVoted) {
		t.Fatalf("vote after restart: got %v, want ErrAlreadyVoted", err)
	}
}

func TestSQLiteWALModeEnabled(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	var mode string
	if err := s.db.QueryRow(`PRAGMA journal_mode;`).Scan(&mode); err != nil && err != sql.ErrNoRows {
		t.Fatal(err)
	}
	if strings.ToLower(mode) != "wal" {
		t.Fatalf("journal mode must be WAL, got %q", mode)
	}
}
