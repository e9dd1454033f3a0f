package scheduler

import (
	"testing"
	"time"
)

func TestScheduleOnce_FiresJob(t *testing.T) {
	s := NewTimerScheduler()
	defer s.Stop()

	fired := make(chan struct{})
	s.ScheduleOnce("job", time.Now(), func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("job never fired")
	}
}

func TestScheduleOnce_ReplacesPendingJob(t *testing.T) {
	s := NewTimerScheduler()
	defer s.Stop()

	fired := make(chan string, 2)
	s.ScheduleOnce("job", time.Now().Add(time.Hour), func() { fired <- "first" })
	s.ScheduleOnce("job", time.Now(), func() { fired <- "second" })

	select {
	case got := <-fired:
		if got != "second" {
			t.Fatalf("fired %q, want %q", got, "second")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("replacement job never fired")
	}

	select {
	case got := <-fired:
		t.Fatalf("replaced job %q fired anyway", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStop_CancelsPendingJobs(t *testing.T) {
	s := NewTimerScheduler()

	fired := make(chan struct{}, 1)
	s.ScheduleOnce("job", time.Now().Add(10*time.Millisecond), func() { fired <- struct{}{} })
	s.Stop()

	select {
	case <-fired:
		t.Fatal("cancelled job fired")
	case <-time.After(100 * time.Millisecond):
	}
}
