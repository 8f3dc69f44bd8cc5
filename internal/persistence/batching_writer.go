package persistence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	opBatchEnqueue = "batching.enqueue"
	opBatchFlush   = "batching.flush"

	flushReasonTimeout = "timeout"
	flushReasonSize    = "size"
	flushReasonCount   = "count"
	flushReasonManual  = "manual"
)

type pendingUpdate struct {
	payload  []byte
	producer ProducerID
}

// docQueue holds one doc's in-memory batch state. Every field is guarded by
// mu; the at-most-one-flush-in-flight invariant is enforced by flushing and
// done, not by holding mu across the flush itself.
type docQueue struct {
	mu sync.Mutex

	pending    []pendingUpdate
	bytes      int64
	nextReason string

	debounceTimer *time.Timer
	deadlineTimer *time.Timer

	flushing   bool
	flushAgain bool
	done       chan struct{}
}

func newDocQueue() *docQueue {
	q := &docQueue{done: make(chan struct{})}
	close(q.done)
	return q
}

func (q *docQueue) cancelTimersLocked() {
	if q.debounceTimer != nil {
		q.debounceTimer.Stop()
		q.debounceTimer = nil
	}
	if q.deadlineTimer != nil {
		q.deadlineTimer.Stop()
		q.deadlineTimer = nil
	}
}

// Metrics is a point-in-time snapshot of BatchingWriter counters, per §3 and
// §4.6's observability requirements.
type Metrics struct {
	TotalEnqueued   uint64
	TotalFlushed    uint64
	TotalCoalesced  uint64
	FlushesByReason map[string]uint64
	ErrorCount      uint64
	AverageBatch    float64
	CompressionRatio float64
	LastFlushTime   time.Time
}

type metricsState struct {
	totalEnqueued  atomic.Uint64
	totalFlushed   atomic.Uint64
	flushEvents    atomic.Uint64
	errorCount     atomic.Uint64
	preMergeBytes  atomic.Uint64
	postMergeBytes atomic.Uint64
	lastFlushNanos atomic.Int64

	mu           sync.Mutex
	flushReasons map[string]uint64
}

func newMetricsState() *metricsState {
	return &metricsState{flushReasons: make(map[string]uint64)}
}

func (m *metricsState) recordFlush(reason string) {
	m.mu.Lock()
	m.flushReasons[reason]++
	m.mu.Unlock()
}

func (m *metricsState) snapshot() Metrics {
	enqueued := m.totalEnqueued.Load()
	flushed := m.totalFlushed.Load()
	events := m.flushEvents.Load()
	coalesced := uint64(0)
	if enqueued > flushed {
		coalesced = enqueued - flushed
	}
	avg := 0.0
	if events > 0 {
		avg = float64(enqueued) / float64(events)
	}
	ratio := 1.0
	if post := m.postMergeBytes.Load(); post > 0 {
		ratio = float64(m.preMergeBytes.Load()) / float64(post)
	}
	m.mu.Lock()
	reasons := make(map[string]uint64, len(m.flushReasons))
	for k, v := range m.flushReasons {
		reasons[k] = v
	}
	m.mu.Unlock()

	var lastFlush time.Time
	if nanos := m.lastFlushNanos.Load(); nanos != 0 {
		lastFlush = time.Unix(0, nanos).UTC()
	}
	return Metrics{
		TotalEnqueued:    enqueued,
		TotalFlushed:     flushed,
		TotalCoalesced:   coalesced,
		FlushesByReason:  reasons,
		ErrorCount:       m.errorCount.Load(),
		AverageBatch:     avg,
		CompressionRatio: ratio,
		LastFlushTime:    lastFlush,
	}
}

// BatchingWriter coalesces bursts of updates into larger, less frequent
// LogEngine.Append calls, per §4.6. One docQueue exists per doc that has
// ever been enqueued; queues are never removed, matching the teacher's
// preference for long-lived per-key state over churn.
type BatchingWriter struct {
	mu     sync.Mutex
	queues map[string]*docQueue

	cfg       BatchingConfig
	logEngine *LogEngine
	codec     Codec
	logger    *zap.Logger

	onFlushed func(DocName)

	shuttingDown atomic.Bool
	metrics      *metricsState
}

// NewBatchingWriter constructs a BatchingWriter. onFlushed, if non-nil, is
// invoked when a successful flush pass finishes with no rerun requested
// (a pass followed by a rerun that finds the queue empty does not invoke
// it) and is used by the Service to drive
// the post-Append compaction check without blocking the flush itself.
func NewBatchingWriter(cfg BatchingConfig, logEngine *LogEngine, codec Codec, logger *zap.Logger, onFlushed func(DocName)) (*BatchingWriter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logEngine == nil {
		return nil, newError(KindConfig, "batching.new", "missing_log_engine", errMissingStore)
	}
	if codec == nil {
		return nil, newError(KindConfig, "batching.new", "missing_codec", errMissingCodec)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchingWriter{
		queues:    make(map[string]*docQueue),
		cfg:       cfg,
		logEngine: logEngine,
		codec:     codec,
		logger:    logger,
		onFlushed: onFlushed,
		metrics:   newMetricsState(),
	}, nil
}

func (w *BatchingWriter) queueFor(doc DocName) *docQueue {
	w.mu.Lock()
	defer w.mu.Unlock()
	q, ok := w.queues[doc.String()]
	if !ok {
		q = newDocQueue()
		w.queues[doc.String()] = q
	}
	return q
}

// Enqueue adds payload to doc's pending batch. If the writer is shutting
// down, Enqueue bypasses batching entirely and appends directly so no
// update is lost to a batch that will never flush again. Otherwise it
// arms/refreshes the debounce timer, arms the hard-deadline timer on the
// first item of a new batch, and triggers an immediate flush if the count
// or byte threshold is crossed.
func (w *BatchingWriter) Enqueue(ctx context.Context, doc DocName, payload []byte, producer ProducerID) error {
	if len(payload) == 0 {
		return newError(KindValidation, opBatchEnqueue, "empty_payload", errEmptyPayload)
	}
	if w.shuttingDown.Load() {
		_, err := w.logEngine.Append(ctx, doc, payload, producer)
		return err
	}

	w.metrics.totalEnqueued.Add(1)
	q := w.queueFor(doc)

	q.mu.Lock()
	q.pending = append(q.pending, pendingUpdate{payload: payload, producer: producer})
	q.bytes += int64(len(payload))
	count := len(q.pending)
	size := q.bytes
	if q.deadlineTimer == nil {
		q.deadlineTimer = time.AfterFunc(w.cfg.BatchTimeout, func() { w.triggerFlush(doc, flushReasonTimeout) })
	}
	if q.debounceTimer == nil {
		q.debounceTimer = time.AfterFunc(w.cfg.DebounceDelay, func() { w.triggerFlush(doc, flushReasonTimeout) })
	} else {
		q.debounceTimer.Reset(w.cfg.DebounceDelay)
	}
	q.mu.Unlock()

	switch {
	case count >= w.cfg.MaxBatchCount:
		return w.flushSync(ctx, doc, flushReasonCount)
	case size >= w.cfg.MaxBatchBytes:
		return w.flushSync(ctx, doc, flushReasonSize)
	}
	return nil
}

// flushSync marks reason as the next flush's reason and runs it
// synchronously on the caller's goroutine, per §4.6's requirement that the
// count/size thresholds trigger an immediate flush rather than a detached
// one.
func (w *BatchingWriter) flushSync(ctx context.Context, doc DocName, reason string) error {
	q := w.queueFor(doc)
	q.mu.Lock()
	q.nextReason = reason
	q.mu.Unlock()
	return w.Flush(ctx, doc)
}

// triggerFlush requests a flush of doc without blocking the caller. It
// backs the timer-driven paths (debounce/hard-deadline), where there is no
// caller goroutine to flush synchronously on. If a flush is already in
// flight, it marks flushAgain so the in-flight flush picks up the new batch
// itself instead of racing a second goroutine onto the same queue.
func (w *BatchingWriter) triggerFlush(doc DocName, reason string) {
	q := w.queueFor(doc)
	q.mu.Lock()
	q.nextReason = reason
	already := q.flushing
	if already {
		q.flushAgain = true
	}
	q.mu.Unlock()
	if already {
		return
	}
	go func() {
		if err := w.Flush(context.Background(), doc); err != nil {
			w.logger.Warn("batch flush failed", zap.String("doc", doc.String()), zap.Error(err))
		}
	}()
}

// Flush drains doc's pending batch, merges it (if coalescing is enabled)
// and appends it to the log. If a flush for doc is already running, Flush
// blocks until that flush (and any chained rerun triggered by flushAgain)
// settles, then re-checks whether anything is left to do — this is the
// synchronous form Load/Compact/Delete use to establish read-your-writes
// consistency before touching the update log directly.
func (w *BatchingWriter) Flush(ctx context.Context, doc DocName) error {
	q := w.queueFor(doc)
	for {
		q.mu.Lock()
		if q.flushing {
			waitCh := q.done
			q.flushAgain = true
			q.mu.Unlock()
			select {
			case <-waitCh:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return nil
		}

		batch := q.pending
		batchBytes := q.bytes
		reason := q.nextReason
		if reason == "" {
			reason = flushReasonManual
		}
		q.pending = nil
		q.bytes = 0
		q.nextReason = ""
		q.flushAgain = false
		q.flushing = true
		q.cancelTimersLocked()
		q.done = make(chan struct{})
		doneCh := q.done
		q.mu.Unlock()

		err := w.flushBatch(ctx, doc, batch, reason)

		q.mu.Lock()
		q.flushing = false
		if err != nil {
			q.pending = append(batch, q.pending...)
			q.bytes += batchBytes
			q.deadlineTimer = time.AfterFunc(w.cfg.BatchTimeout, func() { w.triggerFlush(doc, flushReasonTimeout) })
			q.debounceTimer = time.AfterFunc(w.cfg.DebounceDelay, func() { w.triggerFlush(doc, flushReasonTimeout) })
		}
		again := q.flushAgain
		close(doneCh)
		q.mu.Unlock()

		if err != nil {
			return err
		}
		if !again {
			if w.onFlushed != nil {
				w.onFlushed(doc)
			}
			return nil
		}
	}
}

// flushBatch merges (if enabled) and persists one already-owned batch. It
// runs outside any docQueue lock so a slow Append never blocks Enqueue.
func (w *BatchingWriter) flushBatch(ctx context.Context, doc DocName, batch []pendingUpdate, reason string) error {
	w.metrics.recordFlush(reason)
	w.metrics.flushEvents.Add(1)

	var preBytes int
	for _, u := range batch {
		preBytes += len(u.payload)
	}
	w.metrics.preMergeBytes.Add(uint64(preBytes))

	blobs := make([][]byte, len(batch))
	for i, u := range batch {
		blobs[i] = u.payload
	}

	if w.cfg.Coalesce && len(blobs) >= 2 {
		merged, err := w.codec.Merge(blobs)
		if err == nil {
			producer := batch[len(batch)-1].producer
			if _, err := w.logEngine.Append(ctx, doc, merged, producer); err != nil {
				w.metrics.errorCount.Add(1)
				return err
			}
			w.metrics.totalFlushed.Add(1)
			w.metrics.postMergeBytes.Add(uint64(len(merged)))
			w.metrics.lastFlushNanos.Store(time.Now().UnixNano())
			return nil
		}
		w.logger.Warn("batch merge failed, appending individually", zap.String("doc", doc.String()), zap.Error(err))
	}

	var postBytes int
	for _, u := range batch {
		if _, err := w.logEngine.Append(ctx, doc, u.payload, u.producer); err != nil {
			w.metrics.errorCount.Add(1)
			return err
		}
		w.metrics.totalFlushed.Add(1)
		postBytes += len(u.payload)
	}
	w.metrics.postMergeBytes.Add(uint64(postBytes))
	w.metrics.lastFlushNanos.Store(time.Now().UnixNano())
	return nil
}

// FlushAll synchronously flushes every doc with a known queue. Used before
// shutdown and before operations that need a consistent read across every
// doc (there are none in the current surface, but the teacher's pool-wide
// drain primitives follow this shape).
func (w *BatchingWriter) FlushAll(ctx context.Context) error {
	w.mu.Lock()
	docs := make([]string, 0, len(w.queues))
	for name := range w.queues {
		docs = append(docs, name)
	}
	w.mu.Unlock()

	var firstErr error
	for _, name := range docs {
		doc, err := NewDocName(name)
		if err != nil {
			continue
		}
		if err := w.Flush(ctx, doc); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Shutdown stops accepting batched writes and drains every pending batch.
// After Shutdown returns, any further Enqueue calls append directly to the
// log, bypassing batching, so callers never lose an update to a writer that
// has stopped flushing.
func (w *BatchingWriter) Shutdown(ctx context.Context) error {
	w.shuttingDown.Store(true)
	return w.FlushAll(ctx)
}

// Metrics returns a snapshot of the writer's counters.
func (w *BatchingWriter) Metrics() Metrics {
	return w.metrics.snapshot()
}
