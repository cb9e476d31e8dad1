package storage

import (
	"context"
	"sync"
	"time"

	"github.com/farepilot/farepilot/internal/resilience"
	"github.com/farepilot/farepilot/internal/trace"
)

const (
	DefaultBatcherMaxSize    = 32
	DefaultBatcherFlushDelay = 15 * time.Second
)

// Batcher accumulates offer records and flushes them in batches, so the
// scoring hot path never waits on disk. Flushes trigger on size or delay,
// run in their own goroutine, and retry transient storage errors.
type Batcher struct {
	writer     OfferWriter
	maxSize    int
	flushDelay time.Duration
	mu         sync.Mutex
	offers     []OfferRecord
	timer      *time.Timer
	wg         sync.WaitGroup
}

// NewBatcher creates an offer batcher.
func NewBatcher(writer OfferWriter, maxSize int, flushDelay time.Duration) *Batcher {
	if maxSize <= 0 {
		maxSize = DefaultBatcherMaxSize
	}
	if flushDelay <= 0 {
		flushDelay = DefaultBatcherFlushDelay
	}
	return &Batcher{
		writer:     writer,
		maxSize:    maxSize,
		flushDelay: flushDelay,
		offers:     make([]OfferRecord, 0, maxSize),
	}
}

// Add queues a record for batched storage.
func (b *Batcher) Add(rec OfferRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.offers = append(b.offers, rec)
	if len(b.offers) >= b.maxSize {
		b.flushLocked()
		return
	}

	if b.timer == nil {
		b.timer = time.AfterFunc(b.flushDelay, b.timerFlush)
	} else {
		b.timer.Reset(b.flushDelay)
	}
}

// Flush forces an immediate flush of pending records.
func (b *Batcher) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
}

// Stop flushes remaining records and waits for in-flight writes.
func (b *Batcher) Stop() {
	b.Flush()
	b.wg.Wait()
}

func (b *Batcher) timerFlush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
}

func (b *Batcher) flushLocked() {
	if len(b.offers) == 0 {
		return
	}
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	offers := b.offers
	b.offers = make([]OfferRecord, 0, b.maxSize)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ctx, span := trace.StartSpan(context.Background(), "offer_batch_flush")
		defer span.End()
		span.SetAttr("count", len(offers))

		log := trace.Logger(ctx)
		err := resilience.Retry(ctx, resilience.StorageRetryConfig(), func() error {
			return b.writer.PutOffers(ctx, offers)
		})
		if err != nil {
			span.RecordError(err)
			log.Warn("offer batch flush failed", "error", err, "count", len(offers))
			return
		}
		log.Debug("offer batch flushed", "count", len(offers))
	}()
}
