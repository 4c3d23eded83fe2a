package cis

import (
	"sync"
	"time"

	"github.com/izavyalov-dev/idcache/identifier"
)

// backoff tracks consecutive reservation failures. After the n-th consecutive
// failure the guarded scope stays unavailable for levels[n-1], capped at the
// last level.
type backoff struct {
	levels []time.Duration
	now    func() time.Time

	mu          sync.Mutex
	failures    int
	lastFailure time.Time
}

func newBackoff(levels []time.Duration, now func() time.Time) *backoff {
	return &backoff{
		levels: append([]time.Duration(nil), levels...),
		now:    now,
	}
}

// until returns the end of the current backoff window and whether it is still in effect.
func (b *backoff) until() (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures == 0 || len(b.levels) == 0 {
		return time.Time{}, false
	}
	end := b.lastFailure.Add(b.currentLevel())
	return end, b.now().Before(end)
}

// recordFailure registers a failure and returns the new backoff duration.
func (b *backoff) recordFailure() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFailure = b.now()
	if b.failures < len(b.levels) {
		b.failures++
	}
	if len(b.levels) == 0 {
		return 0
	}
	return b.currentLevel()
}

func (b *backoff) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.lastFailure = time.Time{}
}

func (b *backoff) currentLevel() time.Duration {
	idx := b.failures - 1
	if idx >= len(b.levels) {
		idx = len(b.levels) - 1
	}
	return b.levels[idx]
}

// streamBackoffs keeps one ladder per stream, so a partition CIS keeps
// rejecting is held back on its own. Entries are dropped on success.
type streamBackoffs struct {
	levels []time.Duration
	now    func() time.Time

	mu    sync.Mutex
	byKey map[identifier.Key]*backoff
}

func newStreamBackoffs(levels []time.Duration, now func() time.Time) *streamBackoffs {
	return &streamBackoffs{levels: levels, now: now, byKey: map[identifier.Key]*backoff{}}
}

func (s *streamBackoffs) until(key identifier.Key) (time.Time, bool) {
	s.mu.Lock()
	b, ok := s.byKey[key]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return b.until()
}

func (s *streamBackoffs) recordFailure(key identifier.Key) time.Duration {
	s.mu.Lock()
	b, ok := s.byKey[key]
	if !ok {
		b = newBackoff(s.levels, s.now)
		s.byKey[key] = b
	}
	s.mu.Unlock()
	return b.recordFailure()
}

func (s *streamBackoffs) reset(key identifier.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byKey, key)
}
