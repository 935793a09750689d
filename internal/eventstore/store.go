package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/jerga/internal/config"
	"github.com/loqalabs/jerga/internal/protocol"
	_ "modernc.org/sqlite"
)

// Fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Utterance is one final transcript together with the slang flagged in it.
type Utterance struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Text      string          `json:"text"`
	Flags     []protocol.Flag `json:"flags"`
	CreatedAt time.Time       `json:"created_at"`
}

// TermCount is how often a term was flagged.
type TermCount struct {
	Term       string `json:"term"`
	Generation string `json:"generation"`
	Count      int    `json:"count"`
}

// Store wraps a SQLite-backed log of sessions, utterances and flags.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS utterances (
    utterance_id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    text TEXT NOT NULL,
    created_at TEXT NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS flags (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    utterance_id TEXT NOT NULL,
    position INTEGER NOT NULL,
    term TEXT NOT NULL,
    definition TEXT NOT NULL,
    generation TEXT NOT NULL,
    start_offset INTEGER NOT NULL,
    end_offset INTEGER NOT NULL,
    surface TEXT,
    created_at TEXT NOT NULL,
    FOREIGN KEY(utterance_id) REFERENCES utterances(utterance_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_utterances_session_created ON utterances(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_flags_created ON flags(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) disabled() bool {
	return s == nil || s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// RecordUtterance writes an utterance and its flags, creating the session row
// on first use.
func (s *Store) RecordUtterance(ctx context.Context, u Utterance) (err error) {
	if s.disabled() {
		return nil
	}
	if u.ID == "" || u.SessionID == "" {
		return errors.New("utterance id and session id are required")
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.clock()
	}
	created := u.CreatedAt.UTC().Format(timeLayout)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO sessions(session_id, created_at) VALUES(?, ?) ON CONFLICT(session_id) DO NOTHING`,
		u.SessionID, created); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO utterances(utterance_id, session_id, text, created_at) VALUES(?, ?, ?, ?)`,
		u.ID, u.SessionID, u.Text, created); err != nil {
		return fmt.Errorf("insert utterance: %w", err)
	}
	for i, f := range u.Flags {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO flags(utterance_id, position, term, definition, generation, start_offset, end_offset, surface, created_at)
			 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			u.ID, i, f.Term, f.Definition, f.Generation, f.Start, f.End, f.Surface, created); err != nil {
			return fmt.Errorf("insert flag: %w", err)
		}
	}
	err = tx.Commit()
	return err
}

// ListSessionUtterances returns up to limit utterances for a session, oldest
// first, with their flags in scan order.
func (s *Store) ListSessionUtterances(ctx context.Context, sessionID string, limit int) ([]Utterance, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT utterance_id, session_id, text, created_at
		 FROM utterances WHERE session_id = ? ORDER BY created_at ASC, rowid ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var utterances []Utterance
	index := make(map[string]int)
	for rows.Next() {
		var u Utterance
		var created string
		if err := rows.Scan(&u.ID, &u.SessionID, &u.Text, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(timeLayout, created); err == nil {
			u.CreatedAt = ts
		}
		u.Flags = []protocol.Flag{}
		index[u.ID] = len(utterances)
		utterances = append(utterances, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(utterances) == 0 {
		return utterances, nil
	}

	flagRows, err := s.db.QueryContext(ctx,
		`SELECT f.utterance_id, f.term, f.definition, f.generation, f.start_offset, f.end_offset, COALESCE(f.surface, '')
		 FROM flags f JOIN utterances u ON u.utterance_id = f.utterance_id
		 WHERE u.session_id = ? ORDER BY f.utterance_id, f.position`, sessionID)
	if err != nil {
		return nil, err
	}
	defer flagRows.Close()
	for flagRows.Next() {
		var id string
		var f protocol.Flag
		if err := flagRows.Scan(&id, &f.Term, &f.Definition, &f.Generation, &f.Start, &f.End, &f.Surface); err != nil {
			return nil, err
		}
		if i, ok := index[id]; ok {
			utterances[i].Flags = append(utterances[i].Flags, f)
		}
	}
	return utterances, flagRows.Err()
}

// TermCounts aggregates flags recorded at or after since, most frequent first.
func (s *Store) TermCounts(ctx context.Context, since time.Time) ([]TermCount, error) {
	if s.disabled() {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT term, generation, COUNT(*) AS n FROM flags WHERE created_at >= ?
		 GROUP BY term, generation ORDER BY n DESC, term ASC, generation ASC`,
		since.UTC().Format(timeLayout))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []TermCount
	for rows.Next() {
		var c TermCount
		if err := rows.Scan(&c.Term, &c.Generation, &c.Count); err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC().Format(timeLayout)
		if _, err = tx.ExecContext(ctx, `DELETE FROM utterances WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions); err != nil {
			return err
		}
	}
	// Cascades only fire when the connection has foreign_keys enabled.
	if _, err = tx.ExecContext(ctx, `DELETE FROM utterances WHERE session_id NOT IN (SELECT session_id FROM sessions)`); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM flags WHERE utterance_id NOT IN (SELECT utterance_id FROM utterances)`); err != nil {
		return err
	}
	err = tx.Commit()
	return err
}

// Ensure reports a misconfigured ephemeral store.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
