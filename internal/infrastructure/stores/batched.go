package stores

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"partyline/internal/core/domain"
	"partyline/internal/core/ports"
	"partyline/pkg/batch"
)

// appendOperation queues one envelope for the underlying store.
type appendOperation struct {
	store ports.SignalStore
	env   domain.SignalEnvelope
}

func (op *appendOperation) Execute(ctx context.Context) error {
	return op.store.Append(ctx, op.env)
}

type appendProcessor struct {
	logger *zap.Logger
}

func (p *appendProcessor) ProcessBatch(ctx context.Context, operations []batch.Operation) error {
	var failed int
	var lastErr error
	for _, op := range operations {
		if err := op.Execute(ctx); err != nil {
			failed++
			lastErr = err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d batched appends failed: %w", failed, len(operations), lastErr)
	}
	return nil
}

// BatchedStore coalesces appends and writes them in the background, cutting
// round trips to slow backends during signal bursts. An append is durable no
// later than one batch interval after the call; reads flush first so a peer
// always sees its own writes.
type BatchedStore struct {
	inner   ports.SignalStore
	batcher *batch.Batcher
	logger  *zap.Logger
}

func NewBatchedStore(inner ports.SignalStore, maxSize int, interval time.Duration, logger *zap.Logger) *BatchedStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := batch.NewBatcher(maxSize, interval, &appendProcessor{logger: logger})
	b.OnError = func(err error) {
		logger.Warn("batched append flush failed", zap.Error(err))
	}
	return &BatchedStore{
		inner:   inner,
		batcher: b,
		logger:  logger,
	}
}

func (b *BatchedStore) Append(ctx context.Context, env domain.SignalEnvelope) error {
	return b.batcher.Add(&appendOperation{store: b.inner, env: env})
}

func (b *BatchedStore) Read(ctx context.Context) ([]domain.SignalEnvelope, error) {
	if err := b.batcher.Flush(ctx); err != nil {
		b.logger.Warn("flush before read failed", zap.Error(err))
	}
	return b.inner.Read(ctx)
}

func (b *BatchedStore) Purge(ctx context.Context, olderThan time.Time) error {
	return b.inner.Purge(ctx, olderThan)
}

func (b *BatchedStore) Close() error {
	b.batcher.Stop()
	// Drain anything the background flush has not picked up yet before the
	// inner store goes away.
	if err := b.batcher.Flush(context.Background()); err != nil {
		b.logger.Warn("final flush failed", zap.Error(err))
	}
	return b.inner.Close()
}

// Pending reports queued, not yet written appends.
func (b *BatchedStore) Pending() int {
	return b.batcher.PendingCount()
}
