// Package scheduler owns the delayed and periodic callbacks of one component so
// they can be cancelled together when the component stops.
package scheduler

import (
	"sync"
	"time"
)

// TaskID identifies a scheduled callback. The zero value is never issued.
type TaskID uint64

type task struct {
	timer *time.Timer
	stop  chan struct{}
}

// Scheduler tracks outstanding timers by id. CancelAll removes every pending
// task atomically; a callback whose task was cancelled before it fired never runs.
type Scheduler struct {
	mu    sync.Mutex
	next  TaskID
	tasks map[TaskID]*task
}

func New() *Scheduler {
	return &Scheduler{tasks: make(map[TaskID]*task)}
}

// After runs fn once after d.
func (s *Scheduler) After(d time.Duration, fn func()) TaskID {
	if d < 0 {
		d = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	id := s.next
	t := &task{}
	t.timer = time.AfterFunc(d, func() {
		if !s.claim(id) {
			return
		}
		fn()
	})
	s.tasks[id] = t
	return id
}

// Every runs fn every d until the task is cancelled.
func (s *Scheduler) Every(d time.Duration, fn func()) TaskID {
	if d <= 0 {
		d = time.Millisecond
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	id := s.next
	t := &task{stop: make(chan struct{})}
	s.tasks[id] = t

	ticker := time.NewTicker(d)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-ticker.C:
				if !s.isPending(id) {
					return
				}
				fn()
			}
		}
	}()
	return id
}

// Cancel stops a single task. It reports whether the task was still pending.
func (s *Scheduler) Cancel(id TaskID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false
	}
	delete(s.tasks, id)
	t.cancel()
	return true
}

// CancelAll stops every pending task and returns how many were cancelled.
func (s *Scheduler) CancelAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.tasks)
	for id, t := range s.tasks {
		delete(s.tasks, id)
		t.cancel()
	}
	return n
}

// Pending returns the number of tasks that have neither fired nor been cancelled.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// claim removes a one-shot task right before it runs.
func (s *Scheduler) claim(id TaskID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return false
	}
	delete(s.tasks, id)
	return true
}

func (s *Scheduler) isPending(id TaskID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[id]
	return ok
}

func (t *task) cancel() {
	if t.timer != nil {
		t.timer.Stop()
	}
	if t.stop != nil {
		close(t.stop)
	}
}
