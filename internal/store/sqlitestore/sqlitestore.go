// Package sqlitestore persists Call and Participant rows in SQLite and
// feeds committed writes into the shared change-feed dispatcher. It is the
// production Store of single-node deployments; multi-node deployments pair
// it with store.Relay so feeds cross process boundaries.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/formcrew/crewcall/internal/store"
)

const timeLayout = time.RFC3339Nano

// Store wraps one SQLite database.
type Store struct {
	db   *sql.DB
	feed *store.Feed
	log  zerolog.Logger
	now  func() time.Time
}

// Open opens or creates the database under dir and runs migrations.
func Open(dir string, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sqlitestore: create dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, "calls.db"))
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: configure: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			id           TEXT PRIMARY KEY,
			group_id     TEXT NOT NULL,
			initiated_by TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'active',
			started_at   TEXT NOT NULL,
			ended_at     TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_calls_group_status ON calls(group_id, status);

		CREATE TABLE IF NOT EXISTS call_participants (
			id        TEXT PRIMARY KEY,
			call_id   TEXT NOT NULL REFERENCES calls(id),
			user_id   TEXT NOT NULL,
			joined_at TEXT NOT NULL,
			left_at   TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_participants_call ON call_participants(call_id);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: migrate: %w", err)
	}

	return &Store{
		db:   db,
		feed: store.NewFeed(),
		log:  log.With().Str("comp", "store").Logger(),
		now:  time.Now,
	}, nil
}

// SetNow overrides the time source. Test hook.
func (s *Store) SetNow(now func() time.Time) { s.now = now }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Feed exposes the dispatcher for relaying across processes.
func (s *Store) Feed() *store.Feed { return s.feed }

func (s *Store) InsertCall(ctx context.Context, groupID, initiatedBy string) (store.Call, error) {
	c := store.Call{
		ID:          uuid.NewString(),
		GroupID:     groupID,
		InitiatedBy: initiatedBy,
		Status:      store.StatusActive,
		StartedAt:   s.now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calls (id, group_id, initiated_by, status, started_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.GroupID, c.InitiatedBy, string(c.Status), c.StartedAt.Format(timeLayout))
	if err != nil {
		return store.Call{}, fmt.Errorf("sqlitestore: insert call: %w", err)
	}

	s.feed.Emit(store.Event{Kind: store.KindCall, Op: store.OpInsert, Call: &c})
	return c, nil
}

func (s *Store) GetCall(ctx context.Context, callID string) (store.Call, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, group_id, initiated_by, status, started_at, ended_at
		FROM calls WHERE id = ?`, callID)
	return scanCall(row)
}

func (s *Store) ActiveCall(ctx context.Context, groupID string) (store.Call, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, group_id, initiated_by, status, started_at, ended_at
		FROM calls WHERE group_id = ? AND status = 'active'
		ORDER BY started_at DESC LIMIT 1`, groupID)
	return scanCall(row)
}

func (s *Store) UpdateCallStatus(ctx context.Context, callID string, status store.CallStatus, endedAt *time.Time) error {
	var ended sql.NullString
	if endedAt != nil {
		ended = sql.NullString{String: endedAt.UTC().Format(timeLayout), Valid: true}
	}
	// The status guard collapses the simultaneous last-leaver double-write
	// into one observable transition.
	res, err := s.db.ExecContext(ctx, `
		UPDATE calls SET status = ?, ended_at = ?
		WHERE id = ? AND status != ?`,
		string(status), ended, callID, string(status))
	if err != nil {
		return fmt.Errorf("sqlitestore: update call status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Either already in the target state (fine) or missing.
		if _, err := s.GetCall(ctx, callID); err != nil {
			return err
		}
		return nil
	}

	c, err := s.GetCall(ctx, callID)
	if err != nil {
		return err
	}
	s.feed.Emit(store.Event{Kind: store.KindCall, Op: store.OpUpdate, Call: &c})
	return nil
}

func (s *Store) InsertParticipant(ctx context.Context, callID, userID string) (store.Participant, error) {
	if _, err := s.GetCall(ctx, callID); err != nil {
		return store.Participant{}, err
	}
	p := store.Participant{
		ID:       uuid.NewString(),
		CallID:   callID,
		UserID:   userID,
		JoinedAt: s.now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO call_participants (id, call_id, user_id, joined_at)
		VALUES (?, ?, ?, ?)`,
		p.ID, p.CallID, p.UserID, p.JoinedAt.Format(timeLayout))
	if err != nil {
		return store.Participant{}, fmt.Errorf("sqlitestore: insert participant: %w", err)
	}

	s.feed.Emit(store.Event{Kind: store.KindParticipant, Op: store.OpInsert, Participant: &p})
	return p, nil
}

func (s *Store) MarkParticipantLeft(ctx context.Context, participantID string, leftAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE call_participants SET left_at = ?
		WHERE id = ? AND left_at IS NULL`,
		leftAt.UTC().Format(timeLayout), participantID)
	if err != nil {
		return fmt.Errorf("sqlitestore: mark left: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		row := s.db.QueryRowContext(ctx, `
			SELECT id, call_id, user_id, joined_at, left_at
			FROM call_participants WHERE id = ?`, participantID)
		if _, err := scanParticipant(row); err != nil {
			return err
		}
		return nil // already closed
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, call_id, user_id, joined_at, left_at
		FROM call_participants WHERE id = ?`, participantID)
	p, err := scanParticipant(row)
	if err != nil {
		return err
	}
	s.feed.Emit(store.Event{Kind: store.KindParticipant, Op: store.OpUpdate, Participant: &p})
	return nil
}

func (s *Store) OpenParticipant(ctx context.Context, callID, userID string) (store.Participant, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, call_id, user_id, joined_at, left_at
		FROM call_participants
		WHERE call_id = ? AND user_id = ? AND left_at IS NULL
		LIMIT 1`, callID, userID)
	return scanParticipant(row)
}

func (s *Store) OpenParticipants(ctx context.Context, callID string) ([]store.Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, call_id, user_id, joined_at, left_at
		FROM call_participants
		WHERE call_id = ? AND left_at IS NULL
		ORDER BY joined_at`, callID)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open participants: %w", err)
	}
	defer rows.Close()

	var out []store.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) SubscribeCallChanges(callID string, fn func(store.Event)) (cancel func()) {
	return s.feed.SubscribeCall(callID, fn)
}

func (s *Store) SubscribeParticipantChanges(callID string, fn func(store.Event)) (cancel func()) {
	return s.feed.SubscribeParticipant(callID, fn)
}

func (s *Store) SubscribeNewCalls(fn func(store.Call)) (cancel func()) {
	return s.feed.SubscribeNewCalls(fn)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (store.Call, error) {
	var c store.Call
	var status, started string
	var ended sql.NullString
	err := row.Scan(&c.ID, &c.GroupID, &c.InitiatedBy, &status, &started, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Call{}, store.ErrNotFound
	}
	if err != nil {
		return store.Call{}, fmt.Errorf("sqlitestore: scan call: %w", err)
	}
	c.Status = store.CallStatus(status)
	if c.StartedAt, err = time.Parse(timeLayout, started); err != nil {
		return store.Call{}, fmt.Errorf("sqlitestore: parse started_at: %w", err)
	}
	if ended.Valid {
		t, err := time.Parse(timeLayout, ended.String)
		if err != nil {
			return store.Call{}, fmt.Errorf("sqlitestore: parse ended_at: %w", err)
		}
		c.EndedAt = &t
	}
	return c, nil
}

func scanParticipant(row rowScanner) (store.Participant, error) {
	var p store.Participant
	var joined string
	var left sql.NullString
	err := row.Scan(&p.ID, &p.CallID, &p.UserID, &joined, &left)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Participant{}, store.ErrNotFound
	}
	if err != nil {
		return store.Participant{}, fmt.Errorf("sqlitestore: scan participant: %w", err)
	}
	if p.JoinedAt, err = time.Parse(timeLayout, joined); err != nil {
		return store.Participant{}, fmt.Errorf("sqlitestore: parse joined_at: %w", err)
	}
	if left.Valid {
		t, err := time.Parse(timeLayout, left.String)
		if err != nil {
			return store.Participant{}, fmt.Errorf("sqlitestore: parse left_at: %w", err)
		}
		p.LeftAt = &t
	}
	return p, nil
}
