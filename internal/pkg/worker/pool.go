// Package worker provides goroutine pool management. All concurrency in the
// sync engine goes through a Pool with context propagation; there are no
// naked goroutines.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"entity-mirror.io/entity/internal/pkg/logger"
)

// ErrPoolClosed is returned when submitting to a closed pool.
var ErrPoolClosed = errors.New("worker pool is closed")

// Task is a context-aware task function.
type Task func(ctx context.Context)

// Pool wraps ants.Pool with context-aware submission. It bounds the
// parallelism of per-type source fetches during a sync pass.
type Pool struct {
	pool *ants.Pool
	name string
}

// NewPool creates a named pool of the given size.
func NewPool(name string, size int) (*Pool, error) {
	if size <= 0 {
		size = 8
	}

	panicHandler := func(p interface{}) {
		logger.Error("worker panic recovered",
			zap.Any("panic", p),
			zap.Stack("stack"),
		)
	}

	p, err := ants.NewPool(size,
		ants.WithPanicHandler(panicHandler),
		ants.WithNonblocking(false),
		ants.WithExpiryDuration(10*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &Pool{pool: p, name: name}, nil
}

// Submit submits a context-aware task. If the context is already cancelled
// the task is not submitted and ctx.Err() is returned; a task queued before
// cancellation checks the context again before running.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	err := p.pool.Submit(func() {
		select {
		case <-ctx.Done():
			logger.Debug("task skipped: context cancelled",
				zap.String("pool", p.name),
				zap.Error(ctx.Err()),
			)
			return
		default:
		}
		task(ctx)
	})
	if errors.Is(err, ants.ErrPoolClosed) {
		return ErrPoolClosed
	}
	return err
}

// Map runs fn for every key on the pool and waits for all of them. The first
// error wins; remaining tasks still run to completion. Unlike Submit, queued
// tasks are not skipped on context cancellation — fn is expected to honor
// ctx itself, and the WaitGroup accounting must always balance.
func Map[K comparable](ctx context.Context, p *Pool, keys []K, fn func(ctx context.Context, key K) error) error {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	record := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}
	for _, key := range keys {
		key := key
		wg.Add(1)
		err := p.pool.Submit(func() {
			defer wg.Done()
			if err := ctx.Err(); err != nil {
				record(err)
				return
			}
			if err := fn(ctx, key); err != nil {
				record(err)
			}
		})
		if err != nil {
			wg.Done()
			record(err)
		}
	}
	wg.Wait()
	return firstErr
}

// Release closes the pool and releases its workers.
func (p *Pool) Release() {
	p.pool.Release()
}

// Running returns the number of currently running workers.
func (p *Pool) Running() int {
	return p.pool.Running()
}
