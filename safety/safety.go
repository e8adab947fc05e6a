// Package safety implements the three independent pipeline guards run at
// step 2: call-depth limiting, cycle detection, and frequency throttling.
package safety

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultMaxDepth is the default call-depth ceiling.
const DefaultMaxDepth = 32

// CheckDepth reports whether chain (the call chain including the module
// about to be invoked) exceeds maxDepth. maxDepth <= 0 means
// DefaultMaxDepth.
func CheckDepth(chain []string, maxDepth int) (exceeded bool, depth, limit int) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return len(chain) > maxDepth, len(chain), maxDepth
}

// CheckCycle looks for a repeated contiguous window in chain (the call
// chain with the candidate module already appended): a pattern of length
// w >= 2 that occupies the final 2w elements, appearing twice
// consecutively. Self-recursion (a length-1 pattern) is deliberately not
// flagged here — use CheckDepth or a readonly annotation for that. Returns
// the repeated pattern and true on the first (shortest) window found.
func CheckCycle(chain []string) (cycle []string, found bool) {
	n := len(chain)
	for w := 2; w*2 <= n; w++ {
		a := chain[n-2*w : n-w]
		b := chain[n-w:]
		if equalStrings(a, b) {
			return append([]string(nil), b...), true
		}
	}
	return nil, false
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// FrequencyLimiter is a process-wide, sliding-window call counter keyed by
// moduleId. Safe for concurrent use. Eviction of stale timestamps is lazy,
// performed on each Check call.
type FrequencyLimiter struct {
	mu         sync.Mutex
	windowMs   int64
	maxPerWin  int
	timestamps map[string][]int64
	now        func() time.Time
}

// NewFrequencyLimiter constructs a limiter. maxPerWindow <= 0 means
// unlimited (Check always succeeds without recording — matching the
// "unlimited unless configured" default).
func NewFrequencyLimiter(windowMs int64, maxPerWindow int) *FrequencyLimiter {
	return &FrequencyLimiter{
		windowMs:   windowMs,
		maxPerWin:  maxPerWindow,
		timestamps: make(map[string][]int64),
		now:        time.Now,
	}
}

// Check records a call attempt for moduleId at the current time and
// reports whether it would exceed the configured limit. On exceeding, the
// attempt is NOT recorded (it never started).
func (f *FrequencyLimiter) Check(moduleID string) (exceeded bool, count, limit int) {
	if f.maxPerWin <= 0 {
		return false, 0, 0
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now().UnixMilli()
	cutoff := now - f.windowMs
	kept := f.timestamps[moduleID][:0]
	for _, ts := range f.timestamps[moduleID] {
		if ts >= cutoff {
			kept = append(kept, ts)
		}
	}
	f.timestamps[moduleID] = kept

	if len(kept)+1 > f.maxPerWin {
		return true, len(kept), f.maxPerWin
	}
	f.timestamps[moduleID] = append(kept, now)
	return false, len(kept) + 1, f.maxPerWin
}

// Sweep evicts stale timestamps for every moduleId currently tracked,
// fanning the per-moduleId scans out across a bounded worker pool so
// memory doesn't grow with moduleId cardinality even for ids that have
// stopped being called. Intended to be run periodically by a caller-owned
// janitor goroutine, not from inside Check.
func (f *FrequencyLimiter) Sweep(ctx context.Context, concurrency int) error {
	if concurrency <= 0 {
		concurrency = 4
	}

	f.mu.Lock()
	ids := make([]string, 0, len(f.timestamps))
	for id := range f.timestamps {
		ids = append(ids, id)
	}
	f.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, id := range ids {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			f.evict(id)
			return nil
		})
	}
	return g.Wait()
}

func (f *FrequencyLimiter) evict(moduleID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := f.now().UnixMilli() - f.windowMs
	kept := f.timestamps[moduleID][:0]
	for _, ts := range f.timestamps[moduleID] {
		if ts >= cutoff {
			kept = append(kept, ts)
		}
	}
	if len(kept) == 0 {
		delete(f.timestamps, moduleID)
	} else {
		f.timestamps[moduleID] = kept
	}
}
