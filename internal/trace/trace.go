// Package trace records control sessions in SQLite so a run can be
// inspected after the fact.
package trace

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/relabs-tech/haptic_feedback/internal/guard"
)

type Store struct {
	*sql.DB
}

// Open opens or creates the trace database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer keeps SQLite from returning SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			vehicle TEXT NOT NULL,
			started_ms BIGINT NOT NULL,
			ended_ms BIGINT,
			final_state TEXT
		);
		CREATE TABLE IF NOT EXISTS cycles (
			session_id TEXT NOT NULL,
			cycle BIGINT NOT NULL,
			state TEXT NOT NULL,
			value DOUBLE,
			valid INTEGER NOT NULL,
			held INTEGER NOT NULL,
			power INTEGER NOT NULL,
			error TEXT,
			recorded_ms BIGINT NOT NULL,
			FOREIGN KEY(session_id) REFERENCES sessions(session_id)
		);
		CREATE INDEX IF NOT EXISTS idx_cycles_session ON cycles(session_id, cycle);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create trace schema: %w", err)
	}
	return &Store{db}, nil
}

// Record stores one status. Transitions update the session row; statuses
// that carry a command become cycle rows.
func (s *Store) Record(st guard.Status) error {
	_, err := s.Exec(
		"INSERT OR IGNORE INTO sessions (session_id, vehicle, started_ms) VALUES (?, ?, ?)",
		st.Session, st.Vehicle, st.Time.UnixMilli(),
	)
	if err != nil {
		return err
	}

	if st.Power >= 0 {
		_, err = s.Exec(
			`INSERT INTO cycles (session_id, cycle, state, value, valid, held, power, error, recorded_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			st.Session, st.Cycle, st.State.String(), st.Value, st.Valid, st.Held, st.Power, st.Err, st.Time.UnixMilli(),
		)
		if err != nil {
			return err
		}
	}

	if st.State == guard.Idle {
		_, err = s.Exec(
			"UPDATE sessions SET ended_ms = ?, final_state = ? WHERE session_id = ?",
			st.Time.UnixMilli(), st.State.String(), st.Session,
		)
	}
	return err
}

type Session struct {
	ID        string
	Vehicle   string
	StartedAt time.Time
	EndedAt   time.Time // zero while the session is open
}

// Sessions lists recorded sessions, newest first.
func (s *Store) Sessions() ([]Session, error) {
	rows, err := s.Query("SELECT session_id, vehicle, started_ms, ended_ms FROM sessions ORDER BY started_ms DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var (
			sess    Session
			started int64
			ended   sql.NullInt64
		)
		if err := rows.Scan(&sess.ID, &sess.Vehicle, &started, &ended); err != nil {
			return nil, err
		}
		sess.StartedAt = time.UnixMilli(started)
		if ended.Valid {
			sess.EndedAt = time.UnixMilli(ended.Int64)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

type Cycle struct {
	Cycle uint64
	State string
	Value float64
	Valid bool
	Held  bool
	Power int
	Err   string
	Time  time.Time
}

// Cycles returns the cycles of session in order.
func (s *Store) Cycles(session string) ([]Cycle, error) {
	rows, err := s.Query(
		`SELECT cycle, state, value, valid, held, power, error, recorded_ms
		 FROM cycles WHERE session_id = ? ORDER BY rowid`, session)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cycles []Cycle
	for rows.Next() {
		var (
			c  Cycle
			ms int64
		)
		if err := rows.Scan(&c.Cycle, &c.State, &c.Value, &c.Valid, &c.Held, &c.Power, &c.Err, &ms); err != nil {
			return nil, err
		}
		c.Time = time.UnixMilli(ms)
		cycles = append(cycles, c)
	}
	return cycles, rows.Err()
}

// Recorder writes statuses to a Store off the control loop.
type Recorder struct {
	store   *Store
	ch      chan guard.Status
	dropped atomic.Uint64
}

func NewRecorder(store *Store, depth int) *Recorder {
	if depth < 1 {
		depth = 1
	}
	return &Recorder{store: store, ch: make(chan guard.Status, depth)}
}

// Observe queues st without blocking; it is dropped when the queue is full.
func (r *Recorder) Observe(st guard.Status) {
	select {
	case r.ch <- st:
	default:
		r.dropped.Add(1)
	}
}

func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Run writes queued statuses until ctx ends, then flushes what is left.
func (r *Recorder) Run(ctx context.Context) error {
	var lastErr string
	write := func(st guard.Status) {
		if err := r.store.Record(st); err != nil {
			if err.Error() != lastErr {
				log.Printf("trace: record error: %v", err)
			}
			lastErr = err.Error()
			return
		}
		lastErr = ""
	}

	for {
		select {
		case st := <-r.ch:
			write(st)
		case <-ctx.Done():
			for {
				select {
				case st := <-r.ch:
					write(st)
				default:
					return nil
				}
			}
		}
	}
}
