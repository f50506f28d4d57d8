package fetch

import (
	"sync"
	"time"
)

// ProgressReport is one throttled snapshot of a fetch's progress.
type ProgressReport struct {
	URL         string
	Transferred int64
	Total       int64
	Average     float64       // bytes/sec since the fetch began
	Rate        float64       // bytes/sec since the last report
	ETA         time.Duration // 0 when Total is unknown
}

// ProgressFunc receives throttled progress reports from FetchMany.
type ProgressFunc func(ProgressReport)

// throttledReporter gates calls to a ProgressFunc to at most once per
// interval, protecting consumers from being flooded by a tight read loop —
// the same role a time.Ticker plays in the teacher's own non-network
// progress-free style, generalized here from the pack's terassyi/tomei
// EventProgress shape.
type throttledReporter struct {
	mu       sync.Mutex
	fn       ProgressFunc
	interval time.Duration
	last     time.Time
	start    time.Time
	url      string

	lastTransferred int64 // bytes transferred as of the last report
}

func newThrottledReporter(url string, fn ProgressFunc, interval time.Duration) *throttledReporter {
	now := time.Now()
	return &throttledReporter{fn: fn, interval: interval, start: now, last: now, url: url}
}

func (r *throttledReporter) report(transferred, total int64) {
	if r.fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	elapsedSinceLast := now.Sub(r.last)
	if elapsedSinceLast < r.interval && total != transferred {
		return
	}

	elapsedTotal := now.Sub(r.start).Seconds()
	var average float64
	if elapsedTotal > 0 {
		average = float64(transferred) / elapsedTotal
	}
	var rate float64
	if elapsedSinceLast.Seconds() > 0 {
		rate = float64(transferred-r.lastTransferred) / elapsedSinceLast.Seconds()
	}

	var eta time.Duration
	if total > 0 && average > 0 && transferred < total {
		remaining := float64(total-transferred) / average
		eta = time.Duration(remaining * float64(time.Second))
	}

	r.last = now
	r.lastTransferred = transferred
	r.fn(ProgressReport{
		URL:         r.url,
		Transferred: transferred,
		Total:       total,
		Average:     average,
		Rate:        rate,
		ETA:         eta,
	})
}
