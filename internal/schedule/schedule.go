// Package schedule runs delayed tasks against a swappable clock so callers
// can express "do X in 1.2s" without sleeping, and tests can drive time by
// hand.
package schedule

import (
	"sort"
	"sync"
	"time"
)

// Clock is the time source used by the engine, the naming pipeline and the
// model pool.
type Clock interface {
	Now() time.Time
	// AfterFunc runs f once after d and returns a function that cancels it.
	AfterFunc(d time.Duration, f func()) (cancel func() bool)
}

// Real is the wall clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) AfterFunc(d time.Duration, f func()) func() bool {
	t := time.AfterFunc(d, f)
	return t.Stop
}

// Manual is a clock that only moves when Advance is called. Due tasks run
// synchronously inside Advance, in due order.
type Manual struct {
	mu    sync.Mutex
	now   time.Time
	seq   int
	tasks []*manualTask
}

type manualTask struct {
	at       time.Time
	seq      int
	f        func()
	canceled bool
}

// NewManual returns a manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) AfterFunc(d time.Duration, f func()) func() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTask{at: m.now.Add(d), seq: m.seq, f: f}
	m.tasks = append(m.tasks, t)
	return func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, x := range m.tasks {
			if x == t {
				m.tasks = append(m.tasks[:i], m.tasks[i+1:]...)
				t.canceled = true
				return true
			}
		}
		return false
	}
}

// Advance moves the clock forward by d, running every task that becomes
// due. Tasks scheduled by a running task are honored if they fall inside
// the window.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		sort.SliceStable(m.tasks, func(i, j int) bool {
			if m.tasks[i].at.Equal(m.tasks[j].at) {
				return m.tasks[i].seq < m.tasks[j].seq
			}
			return m.tasks[i].at.Before(m.tasks[j].at)
		})
		if len(m.tasks) == 0 || m.tasks[0].at.After(target) {
			m.now = target
			m.mu.Unlock()
			return
		}
		t := m.tasks[0]
		m.tasks = m.tasks[1:]
		if t.at.After(m.now) {
			m.now = t.at
		}
		m.mu.Unlock()
		t.f()
	}
}

// Pending reports how many tasks are waiting.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// Scheduler tracks delayed tasks so they can all be canceled on shutdown.
type Scheduler struct {
	clock Clock

	mu      sync.Mutex
	next    int
	pending map[int]func() bool
	stopped bool
}

// New returns a scheduler backed by clock.
func New(clock Clock) *Scheduler {
	return &Scheduler{clock: clock, pending: make(map[int]func() bool)}
}

// Clock returns the clock the scheduler runs on.
func (s *Scheduler) Clock() Clock { return s.clock }

// After runs f once d has elapsed. It is a no-op after Stop.
func (s *Scheduler) After(d time.Duration, f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.next++
	id := s.next
	s.pending[id] = s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		_, ok := s.pending[id]
		delete(s.pending, id)
		stopped := s.stopped
		s.mu.Unlock()
		if !ok || stopped {
			return
		}
		f()
	})
}

// Len reports the number of tasks not yet run.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Stop cancels everything still pending and rejects new tasks.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, cancel := range s.pending {
		cancel()
		delete(s.pending, id)
	}
}
