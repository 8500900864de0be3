// Package ledger records connection sessions in sqlite. Writes are queued to
// a single writer goroutine and dropped when the queue is full, so the tick
// loop never waits on disk.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/zeusync/scopesync/internal/core/observability/log"
	"github.com/zeusync/scopesync/internal/core/protocol"
)

const defaultQueue = 4096

var ErrClosed = errors.New("ledger closed")

// Session is one row of the sessions table. Closed is zero while the
// connection is open.
type Session struct {
	ID        int64
	Client    string
	Addr      string
	Transport string
	Opened    time.Time
	Closed    time.Time
	Reason    string
	Code      protocol.ErrorCode

	DatagramsIn  uint64
	DatagramsOut uint64
	BytesIn      uint64
	BytesOut     uint64
}

// Traffic is what a connection exchanged over its lifetime.
type Traffic struct {
	DatagramsIn  uint64
	DatagramsOut uint64
	BytesIn      uint64
	BytesOut     uint64
}

type Stats struct {
	Written       uint64
	Dropped       uint64
	Failed        uint64
	QueueDepth    int
	QueueCapacity int
}

type reqKind int

const (
	reqOpen reqKind = iota + 1
	reqClose
	reqSync
)

type req struct {
	kind    reqKind
	session Session
	traffic Traffic
	done    chan struct{}
}

type Ledger struct {
	db     *sql.DB
	logger log.Log

	ch     chan req
	wg     sync.WaitGroup
	once   sync.Once
	mu     sync.RWMutex
	closed bool

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// Open creates the database file and schema. queue <= 0 selects the default
// queue length.
func Open(path string, queue int, logger log.Log) (*Ledger, error) {
	if path == "" {
		return nil, fmt.Errorf("ledger: empty database path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("ledger: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err = initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: %w", err)
	}
	if queue <= 0 {
		queue = defaultQueue
	}

	l := &Ledger{
		db:     db,
		logger: logger.With(log.String("component", "ledger")),
		ch:     make(chan req, queue),
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.loop()
	}()
	return l, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		`CREATE TABLE IF NOT EXISTS sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			client_id TEXT NOT NULL,
			addr TEXT NOT NULL,
			transport TEXT NOT NULL,
			opened_at INTEGER NOT NULL,
			closed_at INTEGER,
			reason TEXT,
			reason_code INTEGER NOT NULL DEFAULT 0,
			datagrams_in INTEGER NOT NULL DEFAULT 0,
			datagrams_out INTEGER NOT NULL DEFAULT 0,
			bytes_in INTEGER NOT NULL DEFAULT 0,
			bytes_out INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_client ON sessions(client_id, opened_at);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Opened queues a new open session.
func (l *Ledger) Opened(client, addr, transport string, at time.Time) {
	l.enqueue(req{kind: reqOpen, session: Session{Client: client, Addr: addr, Transport: transport, Opened: at}})
}

// Closed queues the close of the client's open session.
func (l *Ledger) Closed(client string, at time.Time, reason error, traffic Traffic) {
	s := Session{Client: client, Closed: at}
	if reason != nil {
		s.Reason = reason.Error()
	}
	s.Code = protocol.Code(reason)
	l.enqueue(req{kind: reqClose, session: s, traffic: traffic})
}

func (l *Ledger) enqueue(r req) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.ch <- r:
	default:
		l.dropped.Add(1)
	}
}

// Sync waits until every write queued before it has been applied.
func (l *Ledger) Sync(ctx context.Context) error {
	done := make(chan struct{})
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return ErrClosed
	}
	select {
	case l.ch <- req{kind: reqSync, done: done}:
		l.mu.RUnlock()
	case <-ctx.Done():
		l.mu.RUnlock()
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sessions lists the recorded sessions, oldest first.
func (l *Ledger) Sessions(ctx context.Context) ([]Session, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT id, client_id, addr, transport, opened_at, closed_at, reason,
		reason_code, datagrams_in, datagrams_out, bytes_in, bytes_out FROM sessions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Session
	for rows.Next() {
		var (
			s      Session
			opened int64
			closed sql.NullInt64
			reason sql.NullString
		)
		if err = rows.Scan(&s.ID, &s.Client, &s.Addr, &s.Transport, &opened, &closed, &reason,
			&s.Code, &s.DatagramsIn, &s.DatagramsOut, &s.BytesIn, &s.BytesOut); err != nil {
			return nil, fmt.Errorf("ledger: %w", err)
		}
		s.Opened = time.Unix(0, opened).UTC()
		if closed.Valid {
			s.Closed = time.Unix(0, closed.Int64).UTC()
		}
		s.Reason = reason.String
		out = append(out, s)
	}
	return out, rows.Err()
}

func (l *Ledger) Stats() Stats {
	return Stats{
		Written:       l.written.Load(),
		Dropped:       l.dropped.Load(),
		Failed:        l.failed.Load(),
		QueueDepth:    len(l.ch),
		QueueCapacity: cap(l.ch),
	}
}

// Close drains the queue and closes the database.
func (l *Ledger) Close() error {
	var err error
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.ch)
		l.mu.Unlock()
		l.wg.Wait()
		err = l.db.Close()
	})
	return err
}

func (l *Ledger) loop() {
	ctx := context.Background()
	for r := range l.ch {
		var err error
		switch r.kind {
		case reqOpen:
			s := r.session
			_, err = l.db.ExecContext(ctx,
				`INSERT INTO sessions(client_id, addr, transport, opened_at) VALUES(?,?,?,?)`,
				s.Client, s.Addr, s.Transport, s.Opened.UnixNano())
		case reqClose:
			s, t := r.session, r.traffic
			_, err = l.db.ExecContext(ctx,
				`UPDATE sessions SET closed_at=?, reason=?, reason_code=?, datagrams_in=?, datagrams_out=?, bytes_in=?, bytes_out=?
				WHERE id = (SELECT id FROM sessions WHERE client_id=? AND closed_at IS NULL ORDER BY id DESC LIMIT 1)`,
				s.Closed.UnixNano(), s.Reason, int(s.Code), int64(t.DatagramsIn), int64(t.DatagramsOut),
				int64(t.BytesIn), int64(t.BytesOut), s.Client)
		case reqSync:
			close(r.done)
			continue
		}
		if err != nil {
			l.failed.Add(1)
			l.logger.Warn("Ledger write failed", log.Error(err))
			continue
		}
		l.written.Add(1)
	}
}
