// Package eventlog is the unified run logger: records are journaled to a local
// SQLite database and shipped to a backend in checksummed batches.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/curtismu7/oauthplayground/internal/metrics"
)

const (
	DefaultBatchSize     = 50
	DefaultFlushInterval = 5 * time.Second
	maxQueued            = 1000
)

// Options configures a Logger. DB and Shipper are both optional: without a
// shipper records are only journaled, without a DB only shipped.
type Options struct {
	DB            *DB
	Shipper       Shipper
	Breaker       *CircuitBreaker
	BatchSize     int
	FlushInterval time.Duration
	Clock         clockwork.Clock
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

// Stats is a point-in-time view of the logger.
type Stats struct {
	Queued         int  `json:"queued"`
	BatchesShipped int  `json:"batchesShipped"`
	BatchesFailed  int  `json:"batchesFailed"`
	BreakerOpen    bool `json:"breakerOpen"`
}

// Logger queues records and ships them in batches.
type Logger struct {
	db        *DB
	shipper   Shipper
	breaker   *CircuitBreaker
	batchSize int
	interval  time.Duration
	clock     clockwork.Clock
	log       *slog.Logger
	metrics   *metrics.Metrics

	flushMu sync.Mutex // serializes shipments

	mu      sync.Mutex
	queue   []Record
	shipped int
	failed  int

	kick chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a Logger and applies defaults.
func New(opts Options) *Logger {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Breaker == nil {
		opts.Breaker = NewCircuitBreaker(5, 0, opts.Clock)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Logger{
		db:        opts.DB,
		shipper:   opts.Shipper,
		breaker:   opts.Breaker,
		batchSize: opts.BatchSize,
		interval:  opts.FlushInterval,
		clock:     opts.Clock,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		kick:      make(chan struct{}, 1),
	}
}

// Log journals a record and queues it for shipping. High-priority categories
// and a full batch wake the flush loop started by Start; Log itself never
// waits on the backend. Shipping failures are counted against the circuit
// breaker, not returned.
func (l *Logger) Log(ctx context.Context, r Record) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = l.clock.Now().UTC()
	}
	if r.Level == "" {
		r.Level = LevelInfo
	}
	if l.db != nil {
		if err := l.db.Insert(ctx, r); err != nil {
			return err
		}
	}
	if l.shipper == nil {
		return nil
	}

	l.mu.Lock()
	l.queue = append(l.queue, r)
	if over := len(l.queue) - maxQueued; over > 0 {
		// Oldest records stay in the journal; only the in-memory copy is dropped.
		l.queue = l.queue[over:]
	}
	full := len(l.queue) >= l.batchSize
	l.mu.Unlock()

	if r.Category.HighPriority() || full {
		select {
		case l.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

// Info logs an info record.
func (l *Logger) Info(ctx context.Context, runID string, cat Category, msg string, fields map[string]any) error {
	return l.Log(ctx, Record{RunID: runID, Level: LevelInfo, Category: cat, Message: msg, Fields: fields})
}

// Error logs an error record.
func (l *Logger) Error(ctx context.Context, runID string, cat Category, msg string, fields map[string]any) error {
	return l.Log(ctx, Record{RunID: runID, Level: LevelError, Category: cat, Message: msg, Fields: fields})
}

// Flush ships queued records in batches until the queue is empty, a shipment
// fails, or the circuit breaker is open.
func (l *Logger) Flush(ctx context.Context) error {
	if l.shipper == nil {
		return nil
	}
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	for {
		l.mu.Lock()
		n := min(len(l.queue), l.batchSize)
		records := append([]Record(nil), l.queue[:n]...)
		l.mu.Unlock()
		if n == 0 {
			return nil
		}

		if !l.breaker.Allow() {
			l.metrics.IncBatchSkipped()
			return ErrCircuitOpen
		}

		batch, err := NewBatch(records, l.clock.Now())
		if err != nil {
			return err
		}
		if err := l.shipper.Ship(ctx, batch); err != nil {
			open := l.breaker.RecordFailure()
			l.metrics.IncBatchFailed()
			l.metrics.SetCircuitBreakerState(open)
			l.mu.Lock()
			l.failed++
			l.mu.Unlock()
			if open {
				l.log.Warn("Log shipping disabled after repeated failures", "failures", l.breaker.Failures(), "error", err)
			} else {
				l.log.Debug("Log batch shipment failed", "batch_id", batch.BatchID, "error", err)
			}
			return fmt.Errorf("flush: %w", err)
		}

		l.breaker.RecordSuccess()
		l.metrics.IncBatchShipped()
		l.metrics.SetCircuitBreakerState(false)

		l.mu.Lock()
		l.queue = l.queue[min(n, len(l.queue)):]
		l.shipped++
		l.mu.Unlock()

		if l.db != nil {
			ids := make([]string, len(records))
			for i, r := range records {
				ids[i] = r.ID
			}
			if err := l.db.MarkShipped(ctx, batch.BatchID, ids); err != nil {
				l.log.Warn("Failed to mark batch shipped", "batch_id", batch.BatchID, "error", err)
			}
		}
	}
}

// ErrCircuitOpen is returned by Flush while shipping is disabled.
var ErrCircuitOpen = errors.New("log shipping circuit open")

// ResetBreaker re-enables shipping after the circuit opened.
func (l *Logger) ResetBreaker() {
	l.breaker.Reset()
	l.metrics.SetCircuitBreakerState(false)
}

// Stats returns queue and shipping counters.
func (l *Logger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Queued:         len(l.queue),
		BatchesShipped: l.shipped,
		BatchesFailed:  l.failed,
		BreakerOpen:    l.breaker.IsOpen(),
	}
}

// Start requeues records the journal holds as unshipped, then runs the
// flush loop until ctx is cancelled or Close is called. The loop ships on
// every tick and whenever Log asks for an immediate flush.
func (l *Logger) Start(ctx context.Context) {
	l.mu.Lock()
	if l.stop != nil {
		l.mu.Unlock()
		return
	}
	l.stop = make(chan struct{})
	stop := l.stop
	l.mu.Unlock()

	if err := l.replay(ctx); err != nil {
		l.log.Warn("Failed to requeue unshipped log records", "error", err)
	}

	ticker := l.clock.NewTicker(l.interval)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.Chan():
				if err := l.Flush(ctx); err != nil && !errors.Is(err, ErrCircuitOpen) {
					l.log.Debug("Periodic log flush failed", "error", err)
				}
			case <-l.kick:
				if err := l.Flush(ctx); err != nil && !errors.Is(err, ErrCircuitOpen) {
					l.log.Debug("Log flush failed", "error", err)
				}
			}
		}
	}()
}

// replay puts journaled records that never reached the backend, typically
// from an earlier process, at the front of the queue.
func (l *Logger) replay(ctx context.Context) error {
	if l.db == nil || l.shipper == nil {
		return nil
	}
	records, err := l.db.Unshipped(ctx, maxQueued)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	queued := make(map[string]bool, len(l.queue))
	for _, r := range l.queue {
		queued[r.ID] = true
	}
	var older []Record
	for _, r := range records {
		if !queued[r.ID] {
			older = append(older, r)
		}
	}
	if len(older) > 0 {
		l.log.Info("Requeued unshipped log records", "count", len(older))
		l.queue = append(older, l.queue...)
		if over := len(l.queue) - maxQueued; over > 0 {
			l.queue = l.queue[over:]
		}
	}
	return nil
}

// Close stops the periodic flush and makes a final attempt to ship queued records.
func (l *Logger) Close(ctx context.Context) error {
	l.mu.Lock()
	stop := l.stop
	l.stop = nil
	l.mu.Unlock()
	if stop != nil {
		close(stop)
		l.wg.Wait()
	}
	err := l.Flush(ctx)
	if errors.Is(err, ErrCircuitOpen) {
		return nil
	}
	return err
}
