package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"

	"github.com/mmenanno/shield/internal/constants"
	"github.com/mmenanno/shield/internal/disk"
)

// ErrPoolFatal is returned when a worker crashed and the phase was aborted
var ErrPoolFatal = errors.New("worker pool aborted")

// LogEntry is a log line buffered by a worker until its chunk is merged
type LogEntry struct {
	Level   slog.Level
	Message string
}

// ChunkOutput collects what one worker produced for its chunk
type ChunkOutput[R any] struct {
	Results []R
	Logs    []LogEntry
}

// Emit appends a result
func (o *ChunkOutput[R]) Emit(r R) {
	o.Results = append(o.Results, r)
}

// Log buffers a log line
func (o *ChunkOutput[R]) Log(level slog.Level, format string, args ...interface{}) {
	o.Logs = append(o.Logs, LogEntry{Level: level, Message: fmt.Sprintf(format, args...)})
}

// TaskFunc processes one item. Items within a chunk run sequentially.
type TaskFunc[T, R any] func(item T, out *ChunkOutput[R])

// PoolConfig holds the scheduling policy of a phase
type PoolConfig struct {
	// BatchSize is the item count below which the phase runs serially
	BatchSize int
	// MaxWorkers caps the number of chunks
	MaxWorkers int
	// MinChunk is the minimum number of items per chunk
	MinChunk int
	// DriveType forces serial execution for rotational disks
	DriveType disk.DriveType
	// CPUCount overrides runtime.NumCPU, mainly for tests
	CPUCount int
}

// DefaultPoolConfig returns the standard hashing policy
func DefaultPoolConfig(driveType disk.DriveType) PoolConfig {
	return PoolConfig{
		BatchSize:  constants.DefaultBatchSize,
		MaxWorkers: constants.MaxChunkWorkers,
		MinChunk:   1,
		DriveType:  driveType,
	}
}

// WorkerPool partitions items into contiguous chunks and runs one goroutine
// per chunk.
//
// Concurrency model:
//   - Serial when the item count is below BatchSize or the drive is an HDD
//   - Otherwise min(MaxWorkers, CPUs, items/MinChunk) chunks run in parallel
//   - Results and buffered logs are merged in completion order
//   - The caller context is checked only before a chunk is dispatched; an
//     in-flight chunk always finishes
//   - A panic in a task is recovered and aborts every other chunk between
//     items, and Run returns ErrPoolFatal
type WorkerPool[T, R any] struct {
	cfg      PoolConfig
	task     TaskFunc[T, R]
	logger   *slog.Logger
	progress *Progress
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool[T, R any](cfg PoolConfig, task TaskFunc[T, R], logger *slog.Logger, progress *Progress) *WorkerPool[T, R] {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = constants.MaxChunkWorkers
	}
	if cfg.MinChunk <= 0 {
		cfg.MinChunk = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool[T, R]{
		cfg:      cfg,
		task:     task,
		logger:   logger,
		progress: progress,
	}
}

// Workers returns how many chunks n items are split into
func (p *WorkerPool[T, R]) Workers(n int) int {
	if n == 0 {
		return 0
	}
	if n < p.cfg.BatchSize || p.cfg.DriveType == disk.DriveHDD {
		return 1
	}

	cpus := p.cfg.CPUCount
	if cpus <= 0 {
		cpus = runtime.NumCPU()
	}

	return max(1, min(p.cfg.MaxWorkers, cpus, n/p.cfg.MinChunk))
}

type chunkResult[R any] struct {
	out ChunkOutput[R]
	err error
}

// Run processes every item and returns the merged results. When ctx is
// cancelled before all chunks were dispatched, the results of the dispatched
// chunks are returned together with ctx.Err().
func (p *WorkerPool[T, R]) Run(ctx context.Context, items []T) ([]R, error) {
	if len(items) == 0 {
		return nil, nil
	}

	chunks := Partition(items, p.Workers(len(items)))

	abortCtx, abort := context.WithCancel(context.Background())
	defer abort()

	done := make(chan chunkResult[R], len(chunks))
	dispatched := 0
	var cancelErr error

	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			cancelErr = err
			break
		}
		dispatched++

		if len(chunks) == 1 {
			out, err := p.runChunk(abortCtx, chunk)
			done <- chunkResult[R]{out: out, err: err}
			continue
		}

		go func(chunk []T) {
			out, err := p.runChunk(abortCtx, chunk)
			done <- chunkResult[R]{out: out, err: err}
		}(chunk)
	}

	var results []R
	var fatal error
	for i := 0; i < dispatched; i++ {
		res := <-done
		if res.err != nil && fatal == nil {
			fatal = res.err
			abort()
		}
		results = append(results, res.out.Results...)
		p.flushLogs(res.out.Logs)
	}

	if fatal != nil {
		return results, fatal
	}
	return results, cancelErr
}

// runChunk processes a chunk sequentially and turns a panic into ErrPoolFatal
func (p *WorkerPool[T, R]) runChunk(abort context.Context, chunk []T) (out ChunkOutput[R], err error) {
	defer func() {
		if r := recover(); r != nil {
			out.Logs = append(out.Logs, LogEntry{Level: slog.LevelError, Message: fmt.Sprintf("worker crashed: %v\n%s", r, debug.Stack())})
			err = fmt.Errorf("%w: %v", ErrPoolFatal, r)
		}
	}()

	for _, item := range chunk {
		if abort.Err() != nil {
			return out, nil
		}
		p.task(item, &out)
		p.progress.Add(1)
	}
	return out, nil
}

// flushLogs writes buffered entries to the shared logger; errors also go to
// the run's error ring
func (p *WorkerPool[T, R]) flushLogs(logs []LogEntry) {
	for _, entry := range logs {
		p.logger.Log(context.Background(), entry.Level, entry.Message)
		if entry.Level >= slog.LevelError {
			p.progress.AddError(entry.Message)
		}
	}
}

// Partition splits items into min(n, len(items)) contiguous chunks whose
// sizes differ by at most one. Every item lands in exactly one chunk.
func Partition[T any](items []T, n int) [][]T {
	if len(items) == 0 {
		return nil
	}
	if n <= 1 {
		return [][]T{items}
	}
	n = min(n, len(items))

	size, rem := len(items)/n, len(items)%n
	chunks := make([][]T, 0, n)
	start := 0
	for i := 0; i < n; i++ {
		end := start + size
		if i < rem {
			end++
		}
		chunks = append(chunks, items[start:end])
		start = end
	}
	return chunks
}
