package download

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ProgressState accumulates byte counts from every worker of one download
// and forwards them to a ProgressFunc. All updates go through one mutex, so
// the callback never runs concurrently with itself.
type ProgressState struct {
	mu       sync.Mutex
	done     int64
	total    int64
	base     int64
	started  time.Time
	sink     ProgressFunc
	throttle rate.Sometimes
}

// NewProgressState starts counting at already bytes (data present from an
// earlier attempt, which does not count towards the rate).
func NewProgressState(total, already int64, interval time.Duration, sink ProgressFunc) *ProgressState {
	return &ProgressState{
		done:     already,
		total:    total,
		base:     already,
		started:  time.Now(),
		sink:     sink,
		throttle: rate.Sometimes{Interval: interval},
	}
}

func (p *ProgressState) Add(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done += n
	if p.sink != nil {
		p.throttle.Do(p.emitLocked)
	}
}

// Reset restarts the count, used when a server ignores a range request and
// the file starts over.
func (p *ProgressState) Reset(total int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done, p.base, p.total = 0, 0, total
	p.started = time.Now()
}

// Flush reports the current numbers regardless of the throttle.
func (p *ProgressState) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sink != nil {
		p.emitLocked()
	}
}

func (p *ProgressState) Snapshot() (done, total int64, rate float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done, p.total, p.rateLocked()
}

func (p *ProgressState) rateLocked() float64 {
	elapsed := time.Since(p.started).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(p.done-p.base) / elapsed
}

func (p *ProgressState) emitLocked() {
	p.sink(p.done, p.total, p.rateLocked())
}
