package scanner

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/mmenanno/shield/internal/constants"
)

// Progress tracks completed items of one phase and prints coarse percentage
// milestones. A phase may be mapped onto a sub-range of the overall run, for
// example 0-65 for hashing and 65-90 for analysis.
type Progress struct {
	mu sync.Mutex

	out        io.Writer
	total      int64
	processed  int64
	start, end int
	nextStep   int
	phase      string
	startTime  time.Time
	errors     []string
	errorCount int
}

// NewProgress creates a progress tracker writing milestones to out. A nil
// writer disables printing.
func NewProgress(out io.Writer) *Progress {
	return &Progress{
		out:       out,
		end:       100,
		startTime: time.Now(),
		errors:    make([]string, 0, constants.ErrorSliceCapacity),
	}
}

// StartPhase resets the counters for a new phase reporting within [start, end]
func (p *Progress) StartPhase(phase string, total int, start, end int) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.phase = phase
	p.total = int64(total)
	p.processed = 0
	p.start = start
	p.end = end
	p.nextStep = 1
}

// Add records n completed items and prints every milestone crossed
func (p *Progress) Add(n int) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.processed += int64(n)
	if p.total <= 0 {
		return
	}

	for p.nextStep <= constants.ProgressMilestones &&
		p.processed*int64(constants.ProgressMilestones) >= int64(p.nextStep)*p.total {
		pct := p.start + (p.end-p.start)*p.nextStep/constants.ProgressMilestones
		if p.out != nil {
			fmt.Fprintf(p.out, "Progress: %d%%\n", pct)
		}
		p.nextStep++
	}
}

// Reset clears the error ring and restarts the clock for a new run
func (p *Progress) Reset() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.phase = ""
	p.total = 0
	p.processed = 0
	p.startTime = time.Now()
	p.errors = p.errors[:0]
	p.errorCount = 0
}

// AddError keeps the most recent errors for the run summary
func (p *Progress) AddError(err string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.errorCount++
	p.errors = append(p.errors, err)
	if len(p.errors) > constants.MaxStoredErrors {
		p.errors = p.errors[len(p.errors)-constants.MaxStoredErrors:]
	}
}

// GetSnapshot returns a snapshot of the current progress
func (p *Progress) GetSnapshot() ProgressSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	return ProgressSnapshot{
		Phase:      p.phase,
		Processed:  p.processed,
		Errors:     p.errorCount,
		LastErrors: append([]string(nil), p.errors...),
		Elapsed:    time.Since(p.startTime),
	}
}

// ProgressSnapshot represents a point-in-time snapshot of progress
type ProgressSnapshot struct {
	Phase     string
	Processed int64

	// Errors counts every error of the run; LastErrors keeps the most recent
	Errors     int
	LastErrors []string
	Elapsed    time.Duration
}
