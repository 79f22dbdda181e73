package diagnostics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/quadtrack/internal/scan"
)

// ErrStoreClosed is returned by Flush after Close.
var ErrStoreClosed = errors.New("diagnostics store closed")

// TurnRecord is the persisted summary of one frame turn.
type TurnRecord struct {
	FrameSeq       uint64
	FrameTimestamp time.Time
	State          string
	Tracks         []TrackRecord
}

// TrackRecord is one emitted track observation within a turn.
type TrackRecord struct {
	TrackID     string
	Confidence  float64
	Terminal    bool
	Refined     bool
	Observation scan.Observation
}

// TrackPoint is one row of a track's timeline.
type TrackPoint struct {
	FrameSeq       uint64
	FrameTimestamp time.Time
	Confidence     float64
	Terminal       bool
	Refined        bool
	Observation    scan.Observation
}

// StoreStats counts writer activity.
type StoreStats struct {
	Written uint64
	Dropped uint64
	Failed  uint64
}

// Store persists diagnostics to sqlite. Report and RecordTurn enqueue work
// for a single background writer; when the queue is full the item is
// dropped and counted instead of blocking the frame turn.
type Store struct {
	db   *sql.DB
	path string

	mu     sync.RWMutex
	closed bool
	queue  chan writeOp
	done   chan struct{}

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

type writeOp interface {
	write(ctx context.Context, db *sql.DB) error
}

// OpenStore opens (creating if needed) the database at path, applies the
// schema migrations and starts the writer.
func OpenStore(path string, queueSize int) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection serialises the writer and readers and keeps
	// per-connection pragmas in effect.
	db.SetMaxOpenConns(1)
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", p, err)
		}
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	s := &Store{
		db:    db,
		path:  path,
		queue: make(chan writeOp, queueSize),
		done:  make(chan struct{}),
	}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	go s.writer()
	return s, nil
}

// DB exposes the underlying handle for read-only tooling.
func (s *Store) DB() *sql.DB { return s.db }

// Report implements Sink.
func (s *Store) Report(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	s.enqueue(eventOp(e))
}

// RecordTurn persists the observations one frame turn emitted.
func (s *Store) RecordTurn(r TurnRecord) {
	s.enqueue(turnOp(r))
}

func (s *Store) enqueue(op writeOp) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}
	select {
	case s.queue <- op:
	default:
		if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
			log.Printf("[diagnostics] store queue full, %d items dropped", n)
		}
	}
}

// Flush blocks until every item queued before the call has been written.
func (s *Store) Flush(ctx context.Context) error {
	f := flushOp(make(chan struct{}))
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	select {
	case s.queue <- f:
		s.mu.RUnlock()
	case <-ctx.Done():
		s.mu.RUnlock()
		return ctx.Err()
	}
	select {
	case <-f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns writer counters.
func (s *Store) Stats() StoreStats {
	return StoreStats{
		Written: s.written.Load(),
		Dropped: s.dropped.Load(),
		Failed:  s.failed.Load(),
	}
}

// Close drains the queue and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	<-s.done
	return s.db.Close()
}

func (s *Store) writer() {
	defer close(s.done)
	ctx := context.Background()
	for op := range s.queue {
		if f, ok := op.(flushOp); ok {
			close(f)
			continue
		}
		if err := op.write(ctx, s.db); err != nil {
			s.failed.Add(1)
			log.Printf("[diagnostics] write failed: %v", err)
			continue
		}
		s.written.Add(1)
	}
}

type flushOp chan struct{}

func (flushOp) write(context.Context, *sql.DB) error { return nil }

type eventOp Event

func (e eventOp) write(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO diagnostic_events
			(recorded_at, frame_seq, frame_timestamp, stage, kind, track_id, message)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Time.UnixNano(), int64(e.FrameSeq), unixNanos(e.FrameTimestamp),
		e.Stage, string(e.Kind), e.TrackID, e.Message)
	return err
}

type turnOp TurnRecord

func (r turnOp) write(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO frame_turns (frame_seq, frame_timestamp, state, track_count)
		VALUES (?, ?, ?, ?)`,
		int64(r.FrameSeq), unixNanos(r.FrameTimestamp), r.State, len(r.Tracks))
	if err != nil {
		return err
	}
	turnID, err := res.LastInsertId()
	if err != nil {
		return err
	}
	for i, tr := range r.Tracks {
		o := tr.Observation
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO track_observations
				(turn_id, ordinal, track_id, confidence, terminal, refined,
				 bl_x, bl_y, br_x, br_y, tr_x, tr_y, tl_x, tl_y)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			turnID, i, tr.TrackID, tr.Confidence, tr.Terminal, tr.Refined,
			o.BottomLeft.X, o.BottomLeft.Y, o.BottomRight.X, o.BottomRight.Y,
			o.TopRight.X, o.TopRight.Y, o.TopLeft.X, o.TopLeft.Y); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Events returns up to limit stored events, newest first.
func (s *Store) Events(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT recorded_at, frame_seq, frame_timestamp, stage, kind, track_id, message
		FROM diagnostic_events
		ORDER BY event_id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e                      Event
			recorded, seq, frameTS int64
			kind                   string
		)
		if err := rows.Scan(&recorded, &seq, &frameTS, &e.Stage, &kind, &e.TrackID, &e.Message); err != nil {
			return nil, err
		}
		e.Time = time.Unix(0, recorded)
		e.FrameSeq = uint64(seq)
		e.FrameTimestamp = fromUnixNanos(frameTS)
		e.Kind = Kind(kind)
		events = append(events, e)
	}
	return events, rows.Err()
}

// TrackTimeline returns every stored observation of one track in turn order.
func (s *Store) TrackTimeline(ctx context.Context, trackID string) ([]TrackPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.frame_seq, t.frame_timestamp, o.confidence, o.terminal, o.refined,
		       o.bl_x, o.bl_y, o.br_x, o.br_y, o.tr_x, o.tr_y, o.tl_x, o.tl_y
		FROM track_observations o
		JOIN frame_turns t ON t.turn_id = o.turn_id
		WHERE o.track_id = ?
		ORDER BY o.turn_id`, trackID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []TrackPoint
	for rows.Next() {
		var (
			p       TrackPoint
			seq, ts int64
		)
		o := &p.Observation
		if err := rows.Scan(&seq, &ts, &p.Confidence, &p.Terminal, &p.Refined,
			&o.BottomLeft.X, &o.BottomLeft.Y, &o.BottomRight.X, &o.BottomRight.Y,
			&o.TopRight.X, &o.TopRight.Y, &o.TopLeft.X, &o.TopLeft.Y); err != nil {
			return nil, err
		}
		p.FrameSeq = uint64(seq)
		p.FrameTimestamp = fromUnixNanos(ts)
		o.Confidence = p.Confidence
		points = append(points, p)
	}
	return points, rows.Err()
}

// CountTurns returns the number of stored frame turns.
func (s *Store) CountTurns(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM frame_turns`).Scan(&n)
	return n, err
}

// AttachAdminRoutes mounts the tailsql console for the diagnostics database
// under /debug/tailsql/.
func (s *Store) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+s.path, s.db, &tailsql.DBOptions{
		Label: "Diagnostics DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	return nil
}

func unixNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
