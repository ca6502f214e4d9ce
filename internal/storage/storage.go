package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence of guiding sessions: every published
// offset and every reported error, keyed by session.
type Store struct {
	DB      *sql.DB // Export for direct database access
	Session string
}

// New opens (or creates) the database at path, ensures the schema and starts
// a new session.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer; sqlite serializes anyway and this avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)
	s := &Store{DB: db, Session: uuid.NewString()}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`INSERT INTO sessions (id, started_at) VALUES (?, ?);`, s.Session, formatTime(time.Now())); err != nil {
		db.Close()
		return nil, fmt.Errorf("start session: %w", err)
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
            id TEXT PRIMARY KEY,
            started_at TEXT NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS offsets (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            session_id TEXT NOT NULL,
            seq INTEGER NOT NULL,
            dx REAL NOT NULL,
            dy REAL NOT NULL,
            sky_ra REAL,
            sky_dec REAL,
            working_size INTEGER,
            measured_at TEXT NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS reported_errors (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            session_id TEXT NOT NULL,
            source TEXT NOT NULL,
            message TEXT NOT NULL,
            reported_at TEXT NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_offsets_session ON offsets(session_id, id);`,
		`CREATE INDEX IF NOT EXISTS idx_errors_session ON reported_errors(session_id, id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// OffsetRecord is one persisted guiding measurement.
type OffsetRecord struct {
	Session     string    `json:"session"`
	Seq         uint64    `json:"seq"`
	DX          float64   `json:"dx"`
	DY          float64   `json:"dy"`
	SkyRA       *float64  `json:"sky_ra,omitempty"`
	SkyDec      *float64  `json:"sky_dec,omitempty"`
	WorkingSize int       `json:"working_size"`
	At          time.Time `json:"at"`
}

// ErrorRecord is one persisted error report.
type ErrorRecord struct {
	Session string    `json:"session"`
	Source  string    `json:"source"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// RecordOffset appends an offset to the current session.
func (s *Store) RecordOffset(rec OffsetRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO offsets (session_id, seq, dx, dy, sky_ra, sky_dec, working_size, measured_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		s.Session, int64(rec.Seq), rec.DX, rec.DY, nullFloat(rec.SkyRA), nullFloat(rec.SkyDec), rec.WorkingSize, formatTime(rec.At))
	return err
}

// RecordError appends an error report to the current session.
func (s *Store) RecordError(source, message string, at time.Time) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO reported_errors (session_id, source, message, reported_at) VALUES (?, ?, ?, ?);`,
		s.Session, source, message, formatTime(at))
	return err
}

// RecentOffsets returns the latest offsets of the current session, newest
// first.
func (s *Store) RecentOffsets(limit int) ([]OffsetRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT session_id, seq, dx, dy, sky_ra, sky_dec, working_size, measured_at FROM offsets WHERE session_id=? ORDER BY id DESC LIMIT ?;`, s.Session, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []OffsetRecord
	for rows.Next() {
		var rec OffsetRecord
		var seq int64
		var ra, dec sql.NullFloat64
		var size sql.NullInt64
		var at string
		if err := rows.Scan(&rec.Session, &seq, &rec.DX, &rec.DY, &ra, &dec, &size, &at); err != nil {
			return nil, err
		}
		rec.Seq = uint64(seq)
		if ra.Valid {
			rec.SkyRA = &ra.Float64
		}
		if dec.Valid {
			rec.SkyDec = &dec.Float64
		}
		rec.WorkingSize = int(size.Int64)
		if rec.At, err = parseTime(at); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RecentErrors returns the latest error reports of the current session,
// newest first.
func (s *Store) RecentErrors(limit int) ([]ErrorRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT session_id, source, message, reported_at FROM reported_errors WHERE session_id=? ORDER BY id DESC LIMIT ?;`, s.Session, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []ErrorRecord
	for rows.Next() {
		var rec ErrorRecord
		var at string
		if err := rows.Scan(&rec.Session, &rec.Source, &rec.Message, &at); err != nil {
			return nil, err
		}
		if rec.At, err = parseTime(at); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// SessionCount returns how many sessions the database has seen.
func (s *Store) SessionCount() (int, error) {
	if s == nil {
		return 0, errors.New("store not initialized")
	}
	var n int
	err := s.DB.QueryRow(`SELECT COUNT(*) FROM sessions;`).Scan(&n)
	return n, err
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
