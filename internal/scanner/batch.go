package scanner

import (
	"sync"
)

// BatchAccumulator collects items and hands them to flush in batches, so a
// build inserts its hashed records through the open transaction in bounded
// multi-row statements.
//
// Thread-safety:
// - Multiple goroutines can safely call Add() concurrently
// - Mutex protects the buffer and ensures atomic flush operations
type BatchAccumulator[T any] struct {
	batchSize int
	mu        sync.Mutex
	buffer    []T
	flush     func([]T) error
	onFlush   func(count int)
	flushed   int64
}

// NewBatchAccumulator creates a new batch accumulator
func NewBatchAccumulator[T any](batchSize int, flush func([]T) error, onFlush func(int)) *BatchAccumulator[T] {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &BatchAccumulator[T]{
		batchSize: batchSize,
		buffer:    make([]T, 0, batchSize),
		flush:     flush,
		onFlush:   onFlush,
	}
}

// Add adds items to the batch, flushing if batch size is reached
func (ba *BatchAccumulator[T]) Add(items ...T) error {
	ba.mu.Lock()
	defer ba.mu.Unlock()

	ba.buffer = append(ba.buffer, items...)

	if len(ba.buffer) >= ba.batchSize {
		return ba.flushLocked()
	}

	return nil
}

// Flush flushes any remaining items in the buffer
func (ba *BatchAccumulator[T]) Flush() error {
	ba.mu.Lock()
	defer ba.mu.Unlock()

	return ba.flushLocked()
}

// flushLocked performs the actual flush (must be called with mutex held)
func (ba *BatchAccumulator[T]) flushLocked() error {
	if len(ba.buffer) == 0 {
		return nil
	}

	if err := ba.flush(ba.buffer); err != nil {
		return err
	}

	if ba.onFlush != nil {
		ba.onFlush(len(ba.buffer))
	}
	ba.flushed += int64(len(ba.buffer))

	ba.buffer = make([]T, 0, ba.batchSize)

	return nil
}

// Flushed returns how many items have been handed to flush
func (ba *BatchAccumulator[T]) Flushed() int64 {
	ba.mu.Lock()
	defer ba.mu.Unlock()

	return ba.flushed
}

// Size returns the current number of items in the buffer
func (ba *BatchAccumulator[T]) Size() int {
	ba.mu.Lock()
	defer ba.mu.Unlock()

	return len(ba.buffer)
}
