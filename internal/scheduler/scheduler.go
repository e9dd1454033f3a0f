// Package scheduler provides delayed callback execution for the sync
// engine's retry path. The engine never owns a timer itself; it asks a
// Scheduler to fire a job later, which keeps retry timing pluggable and
// deterministic in tests.
package scheduler

import (
	"sync"
	"time"
)

// Scheduler fires a job once at (or after) the given time. Scheduling
// a job under a name that already has a pending job replaces it.
type Scheduler interface {
	ScheduleOnce(name string, when time.Time, job func())
}

// TimerScheduler runs jobs on real timers.
type TimerScheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewTimerScheduler creates a timer-backed scheduler.
func NewTimerScheduler() *TimerScheduler {
	return &TimerScheduler{timers: make(map[string]*time.Timer)}
}

// ScheduleOnce implements Scheduler.
func (s *TimerScheduler) ScheduleOnce(name string, when time.Time, job func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, ok := s.timers[name]; ok {
		timer.Stop()
	}

	delay := time.Until(when)
	if delay < 0 {
		delay = 0
	}

	s.timers[name] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, name)
		s.mu.Unlock()
		job()
	})
}

// Stop cancels all pending jobs.
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, timer := range s.timers {
		timer.Stop()
		delete(s.timers, name)
	}
}
