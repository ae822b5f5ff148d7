package batcher

import (
	"context"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"audiocache/work/logger"
	"audiocache/work/metrics"
)

// maxBatchSize caps ids per round trip to match the server-side limit.
const maxBatchSize = 50

// DefaultDebounce is the quiet window that ends a burst of enqueues.
const DefaultDebounce = 500 * time.Millisecond

// CheckFunc performs one existence-check round trip and returns the subset
// of ids that have a cached artifact.
type CheckFunc func(ctx context.Context, ids []string) (found []string, err error)

// Batcher coalesces individual existence checks into debounced batch round
// trips. Callers enqueue ids as list rows come into view; after the enqueue
// stream goes quiet for the debounce window, pending ids are checked in
// chunks of at most maxBatchSize. Confirmed ids enter a known-present set
// and are never re-requested.
type Batcher struct {
	check    CheckFunc
	debounce time.Duration

	known   *xsync.MapOf[string, struct{}]
	pending *xsync.MapOf[string, struct{}]
	kick    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a batcher and starts its runner goroutine.
func New(check CheckFunc, debounce time.Duration) *Batcher {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Batcher{
		check:    check,
		debounce: debounce,
		known:    xsync.NewMapOf[string, struct{}](),
		pending:  xsync.NewMapOf[string, struct{}](),
		kick:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
	b.wg.Add(1)
	go b.run()
	return b
}

// Enqueue registers ids for an eventual batch check. Ids already confirmed
// present are dropped immediately; any new pending id restarts the debounce
// window.
func (b *Batcher) Enqueue(ids ...string) {
	added := false
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := b.known.Load(id); ok {
			continue
		}
		if _, loaded := b.pending.LoadOrStore(id, struct{}{}); !loaded {
			added = true
		}
	}
	if added {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
}

// IsKnownPresent reports whether a prior round trip confirmed the id.
func (b *Batcher) IsKnownPresent(id string) bool {
	_, ok := b.known.Load(id)
	return ok
}

// Close stops the runner. Pending ids are discarded; they were only ever
// advisory.
func (b *Batcher) Close() {
	b.cancel()
	b.wg.Wait()
}

// run is the single goroutine that owns flush timing. Each kick restarts
// the debounce window; a flush happens only after a full quiet window.
func (b *Batcher) run() {
	defer b.wg.Done()

	timer := time.NewTimer(b.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false

	for {
		select {
		case <-b.ctx.Done():
			return

		case <-b.kick:
			if armed && !timer.Stop() {
				<-timer.C
			}
			timer.Reset(b.debounce)
			armed = true

		case <-timer.C:
			armed = false
			b.flush()
			// Ids enqueued during the flush start a fresh window.
			if b.pending.Size() > 0 {
				timer.Reset(b.debounce)
				armed = true
			}
		}
	}
}

// flush drains everything pending and checks it in chunks. A failed round
// trip leaves its ids unconfirmed; a later enqueue will request them again.
func (b *Batcher) flush() {
	var ids []string
	b.pending.Range(func(id string, _ struct{}) bool {
		ids = append(ids, id)
		b.pending.Delete(id)
		return true
	})
	if len(ids) == 0 {
		return
	}

	logger.Debug("{batcher - flush} Checking %d ids in %d batches",
		len(ids), (len(ids)+maxBatchSize-1)/maxBatchSize)

	for start := 0; start < len(ids); start += maxBatchSize {
		end := start + maxBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		ctx, cancel := context.WithTimeout(b.ctx, 15*time.Second)
		found, err := b.check(ctx, chunk)
		cancel()

		if err != nil {
			logger.Warn("{batcher - flush} Batch check failed for %d ids: %v", len(chunk), err)
			metrics.BatchRoundTrips.WithLabelValues("error").Inc()
			continue
		}
		metrics.BatchRoundTrips.WithLabelValues("ok").Inc()

		for _, id := range found {
			b.known.Store(id, struct{}{})
		}
	}
}
