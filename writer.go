// Package vylog implements the vinyl metadata log: a crash-safe,
// append-only journal of structural changes to an LSM storage engine's
// indexes, ranges and runs, and the recovery/rotation machinery built on
// top of it.
package vylog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vinylog/vylog/internal/latch"
	"github.com/vinylog/vylog/types"
	"github.com/vinylog/vylog/xlog"
)

// DefaultTxCapacity is the fixed transaction-buffer capacity: large enough
// to batch a realistic structural change (e.g. a compaction replacing
// several runs) while bounding worst-case commit size.
const DefaultTxCapacity = 64

// Writer is the transactional, latch-protected append API for the journal.
// The zero value is not usable; construct with New.
type Writer struct {
	// mu guards the fields below that are mutated by the logical-caller
	// side of the API (tx buffer bookkeeping, id counters). Callers are
	// expected to serialize their own transactions, but this mutex makes
	// misuse (concurrent TxBegin/Write from two goroutines) fail safely
	// rather than corrupt the buffer.
	mu sync.Mutex

	dir       string
	signature int64
	handle    *xlog.Handle
	openedAt  time.Time

	latch latch.Latch

	nextRangeID int64
	nextRunID   int64

	capacity int
	buf      []types.Record
	txBegin  int
	txEnd    int
	active   bool
	poisoned bool

	logger  log.Logger
	metrics *vylogMetrics
	reg     prometheus.Registerer
}

// Option configures a Writer at construction time.
type Option func(*Writer)

// WithLogger sets the structured logger used for lifecycle and error
// events. Defaults to a no-op logger.
func WithLogger(l log.Logger) Option {
	return func(w *Writer) { w.logger = l }
}

// WithMetricsRegisterer sets the Prometheus registerer metrics are
// registered against. Defaults to prometheus.DefaultRegisterer.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(w *Writer) { w.reg = reg }
}

// WithTxCapacity overrides the transaction buffer capacity (default
// DefaultTxCapacity). Exists primarily so tests can exercise
// capacity-boundary behavior without writing 64 records every time.
func WithTxCapacity(n int) Option {
	return func(w *Writer) { w.capacity = n }
}

// New creates a writer not yet bound to a journal file. Call Open to bind
// it before issuing transactions, or call Write/TxBegin first to exercise
// the bootstrap-before-open buffering pattern described on Open.
func New(opts ...Option) *Writer {
	w := &Writer{}
	for _, opt := range opts {
		opt(w)
	}
	if w.capacity <= 0 {
		w.capacity = DefaultTxCapacity
	}
	if w.logger == nil {
		w.logger = log.NewNopLogger()
	}
	if w.reg == nil {
		w.reg = prometheus.DefaultRegisterer
	}
	w.metrics = newVylogMetrics(w.reg)
	w.buf = make([]types.Record, w.capacity)
	return w
}

// Open binds w to the journal at {dir}/{signature:020d}.vylog, opening it
// for append. Any records buffered by Write calls made before Open is
// called are flushed as the journal's first transaction.
func (w *Writer) Open(ctx context.Context, dir string, signature int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.handle != nil {
		return fmt.Errorf("vylog: writer already open")
	}
	h, err := xlog.OpenForAppend(dir, signature)
	if err != nil {
		return err
	}
	w.dir = dir
	w.signature = signature
	w.handle = h
	w.openedAt = time.Now()
	level.Debug(w.logger).Log("msg", "opened journal", "dir", dir, "signature", signature)

	if w.txEnd > w.txBegin || w.poisoned {
		if err := w.commitLocked(ctx, true); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying xlog handle and discards any buffered
// records. The writer must not be used again afterwards.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.txBegin, w.txEnd = 0, 0
	w.active = false
	w.poisoned = false
	if w.handle == nil {
		return nil
	}
	err := w.handle.Close()
	w.handle = nil
	return err
}

// TxBegin starts a new transaction. It panics with ErrTxActive if a
// transaction is already active (a prior TxBegin has not yet been resolved
// by TxCommit or TxTryCommit) and the buffer holds records; over an empty
// buffer a repeated TxBegin simply restarts the transaction. A transaction
// left pending by a failed TxTryCommit is not
// "active" in this sense (TxTryCommit always
// resolves the begin/commit pairing, successfully or not); calling TxBegin
// afterwards simply reopens a window over the still-buffered records so
// the next Write calls extend, rather than replace, the retried batch.
func (w *Writer) TxBegin() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active && w.txEnd > 0 {
		panic(types.ErrTxActive)
	}
	w.txBegin = w.txEnd
	w.active = true
}

// Write buffers rec as the next record of the current transaction (or, if
// called before any TxBegin/Open, as part of the bootstrap batch flushed
// by Open). If the buffer is already at capacity, the record is dropped
// and the transaction is poisoned; the next TxCommit/TxTryCommit will fail
// with ErrTxFull.
func (w *Writer) Write(rec types.Record) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.txEnd >= w.capacity {
		w.poisoned = true
		return
	}
	w.buf[w.txEnd] = rec
	w.txEnd++
}

// TxCommit writes the current transaction's buffered records to the
// journal as a single batch, fsyncs, and releases the latch. On any
// error the transaction's records are discarded (tx_end reset to
// tx_begin); the caller must re-issue the logical operation if it wants to
// retry. Use TxTryCommit instead if retry-by-extension is desired.
func (w *Writer) TxCommit(ctx context.Context) error {
	w.latch.Await()
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.commitLocked(ctx, true)
}

// TxTryCommit is identical to TxCommit except that on error the buffered
// records are left in place so a subsequent TxBegin/Write/TxCommit
// (or another TxTryCommit) can retry with exactly the same batch, possibly
// extended with further records.
func (w *Writer) TxTryCommit(ctx context.Context) error {
	w.latch.Await()
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.commitLocked(ctx, false)
}

// commitLocked implements the shared body of TxCommit/TxTryCommit. mu must
// be held by the caller.
func (w *Writer) commitLocked(ctx context.Context, discardOnError bool) error {
	w.active = false

	if w.poisoned {
		if discardOnError {
			w.txEnd = w.txBegin
			w.poisoned = false
		}
		w.metrics.txAborts.WithLabelValues("tx_full").Inc()
		return types.ErrTxFull
	}

	batch := w.buf[w.txBegin:w.txEnd]
	if len(batch) == 0 {
		w.txBegin, w.txEnd = 0, 0
		return nil
	}
	if w.handle == nil {
		// Records are buffered before Open; nothing to flush to yet.
		// Leave them exactly where they are so Open can flush them.
		return nil
	}

	if err := ctx.Err(); err != nil {
		if discardOnError {
			w.txEnd = w.txBegin
		}
		return err
	}

	nBytes := 0
	err := w.latch.WithLock(func() error {
		rollbackPoint, sizeErr := w.handle.Size()
		if sizeErr != nil {
			return sizeErr
		}
		for _, rec := range batch {
			payload, err := types.Encode(rec)
			if err != nil {
				_ = w.handle.TruncateTo(rollbackPoint)
				return err
			}
			if err := w.handle.Write(payload); err != nil {
				_ = w.handle.TruncateTo(rollbackPoint)
				return err
			}
			nBytes += len(payload)
		}
		if err := w.handle.CommitBatch(); err != nil {
			_ = w.handle.TruncateTo(rollbackPoint)
			return err
		}
		return nil
	})
	if err != nil {
		if discardOnError {
			w.txEnd = w.txBegin
		}
		level.Error(w.logger).Log("msg", "transaction commit failed", "err", err, "discarded", discardOnError)
		w.metrics.txAborts.WithLabelValues("io").Inc()
		return err
	}

	w.metrics.txCommits.Inc()
	w.metrics.recordsWritten.Add(float64(len(batch)))
	w.metrics.bytesWritten.Add(float64(nBytes))
	w.txBegin, w.txEnd = 0, 0
	return nil
}

// AllocRangeID returns the next monotonic range id and advances the
// allocator. Ids are never reused, even if the record carrying them is
// never persisted.
func (w *Writer) AllocRangeID() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextRangeID++
	return w.nextRangeID
}

// AllocRunID returns the next monotonic run id and advances the allocator.
func (w *Writer) AllocRunID() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextRunID++
	return w.nextRunID
}

// seedAllocators primes the id allocators from a recovered model: the next
// id to be issued is max(prev_max, 0) + 1, so we store prev_max itself and
// let alloc*ID's pre-increment produce it.
func (w *Writer) seedAllocators(rangeIDMax, runIDMax int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if rangeIDMax > w.nextRangeID {
		w.nextRangeID = rangeIDMax
	}
	if runIDMax > w.nextRunID {
		w.nextRunID = runIDMax
	}
}

// swapHandleAndClose atomically replaces w's xlog handle with h (a handle
// already open on the freshly rotated journal), closing the old one, so
// that subsequent commits land in the new journal. Rotate calls this only
// after the new journal has been durably published (fsynced, renamed into
// place).
func (w *Writer) swapHandleAndClose(dir string, signature int64, h *xlog.Handle) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	old := w.handle
	w.dir = dir
	w.signature = signature
	w.handle = h
	w.openedAt = time.Now()
	if old != nil {
		return old.Close()
	}
	return nil
}

// currentSignature returns the signature of the journal w is currently
// bound to.
func (w *Writer) currentSignature() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.signature
}

// currentJournalAge returns how long w has been bound to its current
// journal, used by Rotate to report lastRotationAgeSeconds.
func (w *Writer) currentJournalAge() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return time.Since(w.openedAt)
}

// currentDir returns the directory w is currently bound to.
func (w *Writer) currentDir() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dir
}
