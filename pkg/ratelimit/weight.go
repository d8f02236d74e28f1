package ratelimit

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"
)

// WeightTracker follows the server-reported request weight consumed in the
// current window and tells callers how long to hold off before the next
// request. Last observation wins; concurrent callers may interleave freely.
type WeightTracker struct {
	sync.Mutex
	capacity   int           // max weight per window
	threshold  int           // delay once remaining drops below this
	window     time.Duration // usually one minute
	usedWeight int
	observedAt time.Time
	observed   bool

	now func() time.Time
}

func NewWeightTracker(capacity, threshold int, window time.Duration) *WeightTracker {
	if window <= 0 {
		window = time.Minute
	}
	return &WeightTracker{
		capacity:  capacity,
		threshold: threshold,
		window:    window,
		now:       time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (t *WeightTracker) SetClock(now func() time.Time) {
	t.Lock()
	defer t.Unlock()
	t.now = now
}

// Observe records a usage header value. Unparseable values are ignored.
func (t *WeightTracker) Observe(header string) bool {
	header = strings.TrimSpace(header)
	if header == "" {
		return false
	}
	used, err := strconv.Atoi(header)
	if err != nil || used < 0 {
		return false
	}

	t.Lock()
	defer t.Unlock()
	t.usedWeight = used
	t.observedAt = t.now()
	t.observed = true
	return true
}

// Remaining is capacity minus the last observed weight, floored at zero.
func (t *WeightTracker) Remaining() int {
	t.Lock()
	defer t.Unlock()
	return t.remaining()
}

func (t *WeightTracker) UsedWeight() int {
	t.Lock()
	defer t.Unlock()
	return t.usedWeight
}

func (t *WeightTracker) remaining() int {
	if !t.observed {
		return t.capacity
	}
	r := t.capacity - t.usedWeight
	if r < 0 {
		return 0
	}
	return r
}

// Delay returns how long the next request should wait. Zero when there is
// enough headroom or when the last observation belongs to an elapsed window.
func (t *WeightTracker) Delay() time.Duration {
	t.Lock()
	defer t.Unlock()

	if !t.observed || t.remaining() >= t.threshold {
		return 0
	}
	windowEnd := t.observedAt.Truncate(t.window).Add(t.window)
	d := windowEnd.Sub(t.now())
	if d <= 0 {
		return 0
	}
	return d
}

// Wait sleeps for Delay using the supplied sleep function and reports the
// delay it applied.
func (t *WeightTracker) Wait(ctx context.Context, sleep func(context.Context, time.Duration) error) (time.Duration, error) {
	d := t.Delay()
	if d <= 0 {
		return 0, nil
	}
	if err := sleep(ctx, d); err != nil {
		return d, err
	}
	return d, nil
}
