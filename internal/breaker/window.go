package breaker

import (
	"sync"
	"time"
)

type bucket struct {
	start   time.Time
	success int
	failure int
}

// Breaker is the state for one key. All fields are guarded by mu.
type Breaker struct {
	key string
	cfg Config

	mu        sync.Mutex
	state     State
	openedAt  time.Time
	bucketDur time.Duration
	buckets   []bucket
}

func newBreaker(key string, cfg Config) *Breaker {
	b := &Breaker{
		key:       key,
		cfg:       cfg,
		bucketDur: cfg.Window / time.Duration(cfg.Buckets),
		buckets:   make([]bucket, cfg.Buckets),
	}
	if b.bucketDur <= 0 {
		b.bucketDur = time.Millisecond
	}
	return b
}

// allow reports whether a call may proceed, closing an open breaker whose
// window has elapsed.
func (b *Breaker) allow(now time.Time) (bool, *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if now.Sub(b.openedAt) < b.cfg.Window {
			return false, nil
		}
		total, errs := b.totals(now)
		b.reset()
		b.state = StateClosed
		return true, b.event(StateOpen, StateClosed, total, errs)
	}
	return true, nil
}

// record stores one outcome and opens the breaker when thresholds are crossed.
func (b *Breaker) record(now time.Time, failed bool) *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur := b.current(now)
	if failed {
		cur.failure++
	} else {
		cur.success++
	}

	if b.state != StateClosed {
		return nil
	}
	total, errs := b.totals(now)
	if total < b.cfg.VolumeThreshold || total == 0 {
		return nil
	}
	if percentage(total, errs) < b.cfg.ErrorThreshold {
		return nil
	}
	b.state = StateOpen
	b.openedAt = now
	return b.event(StateClosed, StateOpen, total, errs)
}

func (b *Breaker) status(now time.Time) Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	total, errs := b.totals(now)
	return Status{
		Key:             b.key,
		State:           b.state.String(),
		Total:           total,
		Errors:          errs,
		ErrorPercentage: percentage(total, errs),
	}
}

// current returns the bucket covering now, recycling it if it holds an older slot.
func (b *Breaker) current(now time.Time) *bucket {
	start := now.Truncate(b.bucketDur)
	idx := int((start.UnixNano() / int64(b.bucketDur)) % int64(len(b.buckets)))
	if idx < 0 {
		idx += len(b.buckets)
	}
	cur := &b.buckets[idx]
	if !cur.start.Equal(start) {
		*cur = bucket{start: start}
	}
	return cur
}

// totals sums the buckets that still fall inside the window.
func (b *Breaker) totals(now time.Time) (total, errs int) {
	horizon := now.Add(-b.cfg.Window)
	for _, bk := range b.buckets {
		if bk.start.IsZero() || !bk.start.After(horizon) {
			continue
		}
		total += bk.success + bk.failure
		errs += bk.failure
	}
	return total, errs
}

func (b *Breaker) reset() {
	for i := range b.buckets {
		b.buckets[i] = bucket{}
	}
}

func (b *Breaker) event(from, to State, total, errs int) *Event {
	return &Event{
		Key:             b.key,
		From:            from,
		To:              to,
		Total:           total,
		Errors:          errs,
		ErrorPercentage: percentage(total, errs),
	}
}

func percentage(total, errs int) float64 {
	if total == 0 {
		return 0
	}
	return float64(errs) * 100 / float64(total)
}
