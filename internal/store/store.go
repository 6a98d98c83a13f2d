// Package store persists inspection records to sqlite behind a single-writer
// facade. Exactly one worker goroutine owns the database connection and
// serves a FIFO request queue; callers on any goroutine get a blocking,
// synchronous call contract with a definite outcome per request.
package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrStoreClosed is returned by any call made after Close.
	ErrStoreClosed = errors.New("store: closed")

	// ErrReentrantCall is returned when a call is made from the worker's own
	// execution context. The worker cannot service its own queue while
	// waiting on a response it has not produced, so this is always a
	// programming error rather than something to wait out.
	ErrReentrantCall = errors.New("store: reentrant call from worker context")

	// ErrCloseTimeout is returned when the worker does not exit within the
	// close timeout. The worker should be treated as stuck.
	ErrCloseTimeout = errors.New("store: worker did not exit before close timeout")

	// ErrNotFound is wrapped by lookups for keys with no record.
	ErrNotFound = errors.New("store: not found")
)

// DefaultCloseTimeout bounds how long Close waits for the worker to exit.
const DefaultCloseTimeout = 5 * time.Second

// ownerKey tags a context as belonging to the worker goroutine.
type ownerKey struct{}

// ownerToken is the capability handed to the worker at start-up. A context
// carrying this store's token proves the caller is executing on the worker,
// which makes enqueuing a deadlock; such calls are rejected immediately.
type ownerToken struct {
	s *Store
}

type opFunc func(ctx context.Context, c *core) (any, error)

type request struct {
	op       opFunc
	reply    chan response
	shutdown bool
}

type response struct {
	val any
	err error
}

// Options configures Open.
type Options struct {
	// MigrationsDir, if non-empty, runs pending migrations before the
	// worker starts serving requests.
	MigrationsDir string

	// CloseTimeout bounds the worker join in Close. Zero means
	// DefaultCloseTimeout.
	CloseTimeout time.Duration
}

// Store is the persistent store facade. All methods are safe for concurrent
// use from any goroutine; requests are served strictly in enqueue order.
type Store struct {
	requests     chan request
	done         chan struct{} // closed when the worker has exited
	closed       atomic.Bool
	closeOnce    sync.Once
	closeErr     error
	closeTimeout time.Duration
	owner        *ownerToken
}

// Open opens (creating if needed) the sqlite database at path and starts the
// worker goroutine that owns it.
func Open(path string, opts Options) (*Store, error) {
	c, err := openCore(path)
	if err != nil {
		return nil, err
	}

	if opts.MigrationsDir != "" {
		if err := migrateUp(c.db, opts.MigrationsDir); err != nil {
			c.close()
			return nil, err
		}
	}

	timeout := opts.CloseTimeout
	if timeout <= 0 {
		timeout = DefaultCloseTimeout
	}

	s := &Store{
		requests:     make(chan request, 64),
		done:         make(chan struct{}),
		closeTimeout: timeout,
	}
	s.owner = &ownerToken{s: s}
	go s.worker(c)
	return s, nil
}

// worker drains the request queue. It is the only goroutine that ever touches
// the core. A failed operation is reported to its caller and the worker moves
// on to the next request.
func (s *Store) worker(c *core) {
	defer close(s.done)

	// Ops run under a context carrying the ownership token, so a callback
	// into the facade from inside an op is caught before it can deadlock.
	workerCtx := context.WithValue(context.Background(), ownerKey{}, s.owner)

	for req := range s.requests {
		if req.shutdown {
			req.reply <- response{err: c.close()}
			return
		}
		val, err := req.op(workerCtx, c)
		req.reply <- response{val: val, err: err}
	}
}

// do enqueues one operation and blocks until the worker replies. There is no
// per-call timeout: abandoning a write mid-flight would break the
// exactly-once persistence guarantee, so callers wait for a definite outcome.
func (s *Store) do(ctx context.Context, op opFunc) (any, error) {
	if tok, ok := ctx.Value(ownerKey{}).(*ownerToken); ok && tok.s == s {
		return nil, ErrReentrantCall
	}
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}

	req := request{op: op, reply: make(chan response, 1)}
	select {
	case s.requests <- req:
	case <-s.done:
		return nil, ErrStoreClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case resp := <-req.reply:
		return resp.val, resp.err
	case <-s.done:
		// The worker may have replied just before exiting.
		select {
		case resp := <-req.reply:
			return resp.val, resp.err
		default:
			return nil, ErrStoreClosed
		}
	}
}

// InsertBottle inserts or upserts one bottle record and returns its primary
// key. Status can only move PASS -> FAIL across upserts.
func (s *Store) InsertBottle(ctx context.Context, key string, displayID *string, sessionID string, lot *string, status Status) (int64, error) {
	v, err := s.do(ctx, func(_ context.Context, c *core) (any, error) {
		return c.insertBottle(key, displayID, sessionID, lot, status)
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// InsertDefect records one defect and upserts its parent bottle to FAIL,
// returning the defect row id.
func (s *Store) InsertDefect(ctx context.Context, key string, displayID *string, sessionID string, d DefectInsert) (int64, error) {
	v, err := s.do(ctx, func(_ context.Context, c *core) (any, error) {
		return c.insertDefect(key, displayID, sessionID, d)
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// Defects lists defect records matching the query, most recent first.
func (s *Store) Defects(ctx context.Context, q DefectQuery) ([]DefectRecord, error) {
	v, err := s.do(ctx, func(_ context.Context, c *core) (any, error) {
		return c.getDefects(q)
	})
	if err != nil {
		return nil, err
	}
	return v.([]DefectRecord), nil
}

// DefectByBottleKey returns the most recent defect for a bottle key, or nil
// if the bottle has none.
func (s *Store) DefectByBottleKey(ctx context.Context, key string) (*DefectRecord, error) {
	v, err := s.do(ctx, func(_ context.Context, c *core) (any, error) {
		return c.getDefectByBottleKey(key)
	})
	if err != nil {
		return nil, err
	}
	return v.(*DefectRecord), nil
}

// BottleStatus returns the persisted status for a bottle key.
func (s *Store) BottleStatus(ctx context.Context, key string) (Status, error) {
	v, err := s.do(ctx, func(_ context.Context, c *core) (any, error) {
		return c.getBottleStatus(key)
	})
	if err != nil {
		return "", err
	}
	return v.(Status), nil
}

// Statistics aggregates inspection results over the trailing window.
func (s *Store) Statistics(ctx context.Context, windowHours int) (Statistics, error) {
	v, err := s.do(ctx, func(_ context.Context, c *core) (any, error) {
		return c.getStatistics(windowHours)
	})
	if err != nil {
		return Statistics{}, err
	}
	return v.(Statistics), nil
}

// ClearAllRecords deletes every bottle and defect row.
func (s *Store) ClearAllRecords(ctx context.Context) error {
	_, err := s.do(ctx, func(_ context.Context, c *core) (any, error) {
		return nil, c.clearAllRecords()
	})
	return err
}

// Close enqueues the shutdown marker, after which all further calls fail fast
// with ErrStoreClosed, and joins the worker with a bounded timeout. Close is
// idempotent; the second and later calls return the first call's result.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)

		req := request{shutdown: true, reply: make(chan response, 1)}
		select {
		case s.requests <- req:
		case <-s.done:
			return
		}

		select {
		case resp := <-req.reply:
			s.closeErr = resp.err
		case <-time.After(s.closeTimeout):
			s.closeErr = ErrCloseTimeout
			return
		}

		select {
		case <-s.done:
		case <-time.After(s.closeTimeout):
			s.closeErr = ErrCloseTimeout
		}
	})
	return s.closeErr
}
