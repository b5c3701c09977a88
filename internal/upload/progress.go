package upload

import (
	"fmt"
	"sync"
)

const unknownSizeStep = 1 << 20

// PercentTracker turns cumulative byte counts into non-decreasing uploading
// updates. With an unknown total it emits byte counts roughly once per MiB.
type PercentTracker struct {
	mu       sync.Mutex
	total    int64
	sink     ProgressSink
	last     int
	lastByte int64
}

// NewPercentTracker reports through sink. total <= 0 means unknown.
func NewPercentTracker(total int64, sink ProgressSink) *PercentTracker {
	return &PercentTracker{total: total, sink: sink, last: -1}
}

// Percent computes done/total clamped to [0,100].
func Percent(done, total int64) int {
	if total <= 0 || done <= 0 {
		return 0
	}
	if done >= total {
		return 100
	}
	return int(done * 100 / total)
}

// Advance records the cumulative byte count.
func (t *PercentTracker) Advance(done int64) {
	t.mu.Lock()
	if t.total <= 0 {
		if done-t.lastByte < unknownSizeStep {
			t.mu.Unlock()
			return
		}
		t.lastByte = done
		t.mu.Unlock()
		t.sink(Uploading(-1, fmt.Sprintf("%d bytes sent", done)))
		return
	}
	pct := Percent(done, t.total)
	if pct <= t.last {
		t.mu.Unlock()
		return
	}
	t.last = pct
	t.mu.Unlock()
	t.sink(Uploading(pct, fmt.Sprintf("%d of %d bytes sent", min(done, t.total), t.total)))
}
