package monitor

import (
	"sort"
	"sync"
	"time"
)

// durationRing is a fixed-capacity ring of duration samples.
//
// Insert is O(1) and allocation-free, safe to call from the pipeline hot
// path. Snapshot computation copies the window and is paid only when a
// snapshot is requested.
type durationRing struct {
	mu      sync.Mutex
	samples []int64
	next    int
	filled  bool
}

func newDurationRing(capacity int) *durationRing {
	if capacity <= 0 {
		capacity = defaultWindowSize
	}
	return &durationRing{samples: make([]int64, capacity)}
}

// add inserts one sample, evicting the oldest once the window is full.
func (r *durationRing) add(d time.Duration) {
	r.mu.Lock()
	r.samples[r.next] = int64(d)
	r.next++
	if r.next == len(r.samples) {
		r.next = 0
		r.filled = true
	}
	r.mu.Unlock()
}

// snapshot copies the current window contents.
func (r *durationRing) snapshot() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.next
	if r.filled {
		n = len(r.samples)
	}
	out := make([]int64, n)
	copy(out, r.samples[:n])
	return out
}

// StageStats summarizes one stage's duration window.
type StageStats struct {
	Samples int
	Mean    time.Duration
	P95     time.Duration
	Max     time.Duration
}

// computeStats reduces a sample window to mean, p95, and max.
func computeStats(samples []int64) StageStats {
	if len(samples) == 0 {
		return StageStats{}
	}

	sorted := make([]int64, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum int64
	for _, s := range sorted {
		sum += s
	}

	idx := (len(sorted) * 95) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}

	return StageStats{
		Samples: len(sorted),
		Mean:    time.Duration(sum / int64(len(sorted))),
		P95:     time.Duration(sorted[idx]),
		Max:     time.Duration(sorted[len(sorted)-1]),
	}
}

// timeRing is a fixed-capacity ring of timestamps used to derive the
// achieved frame rate from publish completions.
type timeRing struct {
	mu     sync.Mutex
	stamps []time.Time
	next   int
	filled bool
}

func newTimeRing(capacity int) *timeRing {
	if capacity <= 0 {
		capacity = defaultWindowSize
	}
	return &timeRing{stamps: make([]time.Time, capacity)}
}

func (r *timeRing) add(t time.Time) {
	r.mu.Lock()
	r.stamps[r.next] = t
	r.next++
	if r.next == len(r.stamps) {
		r.next = 0
		r.filled = true
	}
	r.mu.Unlock()
}

// rate returns events per second across the window, 0 with fewer than
// two samples.
func (r *timeRing) rate() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.next
	if r.filled {
		n = len(r.stamps)
	}
	if n < 2 {
		return 0
	}

	var oldest, newest time.Time
	if r.filled {
		// next points at the oldest slot once the ring has wrapped.
		oldest = r.stamps[r.next]
		newest = r.stamps[(r.next+len(r.stamps)-1)%len(r.stamps)]
	} else {
		oldest = r.stamps[0]
		newest = r.stamps[r.next-1]
	}

	span := newest.Sub(oldest)
	if span <= 0 {
		return 0
	}
	return float64(n-1) / span.Seconds()
}
