// Package schedule is the single registry of cancellable timers a session
// controller owns. Every timer reports on one channel; a fire is delivered
// only while its timer is still registered, so cancelled timers never fire
// late.
package schedule

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// ID identifies a registered timer.
type ID uint64

// Fire is delivered on C when a timer elapses.
type Fire struct {
	ID   ID
	Name string
}

type entry struct {
	name    string
	oneShot bool
	stop    chan struct{}
}

// Scheduler multiplexes one-shot and repeating timers onto a single channel.
type Scheduler struct {
	clock clock.WithTicker
	fires chan Fire

	mu      sync.Mutex
	next    ID
	entries map[ID]*entry
	wg      sync.WaitGroup
	stopped bool
}

// New returns a scheduler that reads time from clk.
func New(clk clock.WithTicker) *Scheduler {
	return &Scheduler{
		clock:   clk,
		fires:   make(chan Fire, 16),
		entries: make(map[ID]*entry),
	}
}

// C delivers fires. Receivers must check Live before acting on a fire.
func (s *Scheduler) C() <-chan Fire {
	return s.fires
}

// After registers a one-shot timer.
func (s *Scheduler) After(name string, d time.Duration) ID {
	id, e := s.register(name, true)
	if e == nil {
		return id
	}
	timer := s.clock.NewTimer(d)
	go func() {
		defer s.wg.Done()
		defer timer.Stop()
		select {
		case <-e.stop:
		case <-timer.C():
			s.deliver(id, e)
		}
	}()
	return id
}

// Every registers a repeating timer. When immediate is set the first fire is
// delivered right away.
func (s *Scheduler) Every(name string, d time.Duration, immediate bool) ID {
	id, e := s.register(name, false)
	if e == nil {
		return id
	}
	ticker := s.clock.NewTicker(d)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		if immediate && !s.deliver(id, e) {
			return
		}
		for {
			select {
			case <-e.stop:
				return
			case <-ticker.C():
				if !s.deliver(id, e) {
					return
				}
			}
		}
	}()
	return id
}

func (s *Scheduler) register(name string, oneShot bool) (ID, *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	if s.stopped {
		return s.next, nil
	}
	e := &entry{name: name, oneShot: oneShot, stop: make(chan struct{})}
	s.entries[s.next] = e
	s.wg.Add(1)
	return s.next, e
}

func (s *Scheduler) deliver(id ID, e *entry) bool {
	select {
	case s.fires <- Fire{ID: id, Name: e.name}:
		return true
	case <-e.stop:
		return false
	}
}

// Live reports whether a received fire still belongs to a registered timer.
// A live one-shot is unregistered by this call.
func (s *Scheduler) Live(f Fire) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[f.ID]
	if !ok {
		return false
	}
	if e.oneShot {
		delete(s.entries, f.ID)
		close(e.stop)
	}
	return true
}

// Cancel unregisters a timer. Cancelling an unknown or finished timer is a no-op.
func (s *Scheduler) Cancel(id ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		delete(s.entries, id)
		close(e.stop)
	}
}

// Pending returns the number of registered timers.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stop cancels every timer and waits for their goroutines to exit. Timers
// registered afterwards never fire.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, e := range s.entries {
		delete(s.entries, id)
		close(e.stop)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
