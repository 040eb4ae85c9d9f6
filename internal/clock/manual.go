package clock

import (
	"sync"
	"time"
)

// Manual is a Clock whose time only moves when Advance or Set is called.
// Due timers fire synchronously, in deadline order, on the goroutine that
// advances the clock.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers []*manualTimer
}

type manualTimer struct {
	clock *Manual
	when  time.Time
	seq   uint64
	fn    func()
	done  bool
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{clock: m, when: m.now.Add(d), seq: m.seq, fn: f}
	m.timers = append(m.timers, t)
	return t
}

// Advance moves the clock forward by d, firing every timer that falls due
// on the way, including timers armed by callbacks during the advance.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		next := m.popDueLocked(target)
		if next == nil {
			if target.After(m.now) {
				m.now = target
			}
			m.mu.Unlock()
			return
		}
		if next.when.After(m.now) {
			m.now = next.when
		}
		m.mu.Unlock()
		next.fn()
	}
}

// Set jumps to t. Moving backwards is not supported and is ignored.
func (m *Manual) Set(t time.Time) {
	d := t.Sub(m.Now())
	if d < 0 {
		return
	}
	m.Advance(d)
}

// Pending returns the number of armed timers that have not fired or been stopped.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

func (m *Manual) popDueLocked(target time.Time) *manualTimer {
	idx := -1
	for i, t := range m.timers {
		if t.when.After(target) {
			continue
		}
		if idx == -1 || t.when.Before(m.timers[idx].when) ||
			(t.when.Equal(m.timers[idx].when) && t.seq < m.timers[idx].seq) {
			idx = i
		}
	}
	if idx == -1 {
		return nil
	}
	t := m.timers[idx]
	m.timers = append(m.timers[:idx], m.timers[idx+1:]...)
	t.done = true
	return t
}

func (t *manualTimer) Stop() bool {
	m := t.clock
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	for i, other := range m.timers {
		if other == t {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			break
		}
	}
	return true
}
