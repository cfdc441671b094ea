package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zen-systems/routecore/pkg/config"
	"github.com/zen-systems/routecore/pkg/decision"
)

// Reasons passed to the drop hook.
const (
	DropQueueFull = "queue_full"
	DropClosed    = "closed"
)

// dropQueue is a bounded FIFO that discards its oldest entry when full.
type dropQueue struct {
	mu     sync.Mutex
	items  []DecisionLog
	size   int
	closed bool
}

// push enqueues l and reports how many entries were discarded to make room.
// It returns false without enqueueing once the queue is closed.
func (q *dropQueue) push(l DecisionLog) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, false
	}
	dropped := 0
	for len(q.items) >= q.size {
		q.items = q.items[1:]
		dropped++
	}
	q.items = append(q.items, l)
	return dropped, true
}

func (q *dropQueue) pop() (DecisionLog, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return DecisionLog{}, false
	}
	l := q.items[0]
	q.items = q.items[1:]
	return l, true
}

func (q *dropQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// Recalled is a recall hit with its stored log.
type Recalled struct {
	Match
	Log DecisionLog `json:"log"`
}

// Memory records decisions off the request path and serves recall and
// capability statistics from what has been written.
type Memory struct {
	store        Store
	index        *SimilarityIndex
	queue        *dropQueue
	writeTimeout time.Duration
	logger       *slog.Logger
	onDrop       func(reason string, n int)
	onWriteError func(error)
	onAppend     func(DecisionLog)

	notify    chan struct{}
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	statsMu sync.RWMutex
	stats   map[string]decision.Stats

	dropped     atomic.Uint64
	written     atomic.Uint64
	writeErrors atomic.Uint64
}

// Option configures a Memory.
type Option func(*Memory)

// WithQueueSize bounds the pending-write queue.
func WithQueueSize(n int) Option {
	return func(m *Memory) {
		if n > 0 {
			m.queue.size = n
		}
	}
}

// WithWriteTimeout bounds each store write.
func WithWriteTimeout(d time.Duration) Option {
	return func(m *Memory) {
		if d > 0 {
			m.writeTimeout = d
		}
	}
}

// WithIndexLimit bounds the similarity index.
func WithIndexLimit(n int) Option {
	return func(m *Memory) { m.index = NewSimilarityIndex(n) }
}

// WithDropHook is called with the reason and number of records discarded by
// Record.
func WithDropHook(fn func(reason string, n int)) Option {
	return func(m *Memory) { m.onDrop = fn }
}

// WithWriteErrorHook is called for every failed store write.
func WithWriteErrorHook(fn func(error)) Option {
	return func(m *Memory) { m.onWriteError = fn }
}

// WithAppendHook is called from the writer goroutine after each record is
// persisted. A panicking hook is logged and does not stop the writer.
func WithAppendHook(fn func(DecisionLog)) Option {
	return func(m *Memory) { m.onAppend = fn }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Memory) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithConfig applies the memory section of the engine config.
func WithConfig(cfg config.MemoryConfig) Option {
	return func(m *Memory) {
		WithQueueSize(cfg.QueueSize)(m)
		WithWriteTimeout(cfg.WriteTimeout)(m)
	}
}

// New starts a memory over store. The index and statistics are warmed from
// the store's most recent records; warm-up failures are logged and ignored.
// Memory owns store and closes it in Close.
func New(ctx context.Context, store Store, opts ...Option) *Memory {
	m := &Memory{
		store:        store,
		index:        NewSimilarityIndex(0),
		queue:        &dropQueue{size: 256},
		writeTimeout: 2 * time.Second,
		logger:       slog.Default(),
		notify:       make(chan struct{}, 1),
		closing:      make(chan struct{}),
		done:         make(chan struct{}),
		stats:        map[string]decision.Stats{},
	}
	for _, opt := range opts {
		opt(m)
	}

	if recent, err := store.Query(ctx, Filter{Limit: m.index.limit}); err != nil {
		m.logger.Warn("routing memory warm-up failed", slog.Any("error", err))
	} else {
		for i := len(recent) - 1; i >= 0; i-- {
			m.index.Add(recent[i].DecisionID, recent[i].Summary.Text())
		}
	}
	m.refreshStats(ctx)

	go m.run()
	return m
}

// Record enqueues log for persistence. It never blocks; when the queue is
// full the oldest pending record is discarded. Records arriving after Close
// are discarded.
func (m *Memory) Record(log DecisionLog) {
	n, ok := m.queue.push(log)
	if !ok {
		m.dropped.Add(1)
		m.logger.Warn("routing memory closed, discarded record",
			slog.String("decision_id", log.DecisionID),
		)
		if m.onDrop != nil {
			m.onDrop(DropClosed, 1)
		}
		return
	}
	if n > 0 {
		m.dropped.Add(uint64(n))
		m.logger.Warn("routing memory queue full, dropped oldest record",
			slog.Int("dropped", n),
			slog.String("decision_id", log.DecisionID),
		)
		if m.onDrop != nil {
			m.onDrop(DropQueueFull, n)
		}
	}
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *Memory) run() {
	defer close(m.done)
	for {
		select {
		case <-m.notify:
			m.drain()
		case <-m.closing:
			m.drain()
			return
		}
	}
}

func (m *Memory) drain() {
	wrote := false
	for {
		l, ok := m.queue.pop()
		if !ok {
			break
		}
		err := guard(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), m.writeTimeout)
			defer cancel()
			return m.store.Append(ctx, l)
		})
		if err != nil {
			m.writeErrors.Add(1)
			m.logger.Warn("routing memory write failed",
				slog.String("decision_id", l.DecisionID),
				slog.Any("error", err),
			)
			if m.onWriteError != nil {
				m.onWriteError(err)
			}
			continue
		}
		m.written.Add(1)
		m.index.Add(l.DecisionID, l.Summary.Text())
		if m.onAppend != nil {
			if err := guard(func() error { m.onAppend(l); return nil }); err != nil {
				m.logger.Error("routing memory append hook failed",
					slog.String("decision_id", l.DecisionID),
					slog.Any("error", err),
				)
			}
		}
		wrote = true
	}
	if wrote {
		err := guard(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), m.writeTimeout)
			defer cancel()
			m.refreshStats(ctx)
			return nil
		})
		if err != nil {
			m.logger.Error("routing memory stats refresh failed", slog.Any("error", err))
		}
	}
}

// guard runs fn and turns a panic into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

func (m *Memory) refreshStats(ctx context.Context) {
	stats, err := m.store.CapabilityStats(ctx)
	if err != nil {
		m.logger.Warn("routing memory stats refresh failed", slog.Any("error", err))
		return
	}
	m.statsMu.Lock()
	m.stats = stats
	m.statsMu.Unlock()
}

// CapabilityStats returns the observed outcome statistics for a capability.
func (m *Memory) CapabilityStats(id string) (decision.Stats, bool) {
	m.statsMu.RLock()
	defer m.statsMu.RUnlock()
	s, ok := m.stats[id]
	if !ok || s.Samples == 0 {
		return decision.Stats{}, false
	}
	return s, true
}

// Recall returns up to k stored decisions whose summaries resemble query.
// The query is only used as a search probe. Results are advisory.
func (m *Memory) Recall(ctx context.Context, query string, k int) ([]Recalled, error) {
	var out []Recalled
	for _, hit := range m.index.Search(query, k) {
		l, err := m.store.Get(ctx, hit.DecisionID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return out, err
		}
		out = append(out, Recalled{Match: hit, Log: l})
	}
	return out, nil
}

// Get returns one stored decision.
func (m *Memory) Get(ctx context.Context, id string) (DecisionLog, error) {
	return m.store.Get(ctx, id)
}

// Query passes an exact-filter query through to the store.
func (m *Memory) Query(ctx context.Context, f Filter) ([]DecisionLog, error) {
	return m.store.Query(ctx, f)
}

// Dropped returns the number of records discarded before being written.
func (m *Memory) Dropped() uint64 { return m.dropped.Load() }

// Written returns the number of records persisted.
func (m *Memory) Written() uint64 { return m.written.Load() }

// WriteErrors returns the number of failed store writes.
func (m *Memory) WriteErrors() uint64 { return m.writeErrors.Load() }

// Close stops accepting records, drains the queue and closes the store. If
// ctx expires first the writer keeps draining in the background and the
// store is left open.
func (m *Memory) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		m.queue.close()
		close(m.closing)
	})
	select {
	case <-m.done:
		return m.store.Close()
	case <-ctx.Done():
		return ctx.Err()
	}
}
