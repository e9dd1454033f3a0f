package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// manualScheduler collects scheduled jobs so tests fire them
// explicitly.
type manualScheduler struct {
	mu   sync.Mutex
	jobs map[string]func()
}

func newManualScheduler() *manualScheduler {
	return &manualScheduler{jobs: make(map[string]func())}
}

func (s *manualScheduler) ScheduleOnce(name string, when time.Time, job func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[name] = job
}

func (s *manualScheduler) runAll() {
	s.mu.Lock()
	jobs := s.jobs
	s.jobs = make(map[string]func())
	s.mu.Unlock()
	for _, job := range jobs {
		job()
	}
}

// recorder is an executor that collects bodies and replays scripted
// results.
type recorder struct {
	mu       sync.Mutex
	executed [][]byte
	results  []execOutcome
}

type execOutcome struct {
	result ExecResult
	err    error
}

func (r *recorder) exec(ctx context.Context, body []byte) (ExecResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executed = append(r.executed, body)
	if len(r.results) == 0 {
		return ExecResult{}, nil
	}
	out := r.results[0]
	r.results = r.results[1:]
	return out.result, out.err
}

func (r *recorder) bodies() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.executed))
	for i, b := range r.executed {
		out[i] = string(b)
	}
	return out
}

func testConn(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		t.Fatalf("sql.Open() failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func testQueue(t *testing.T, conn *sql.DB, rec *recorder, sched *manualScheduler) *Queue {
	t.Helper()
	q := New(conn, Config{
		Executor:      rec.exec,
		Scheduler:     sched,
		RetryInterval: time.Minute,
	})
	if err := q.Setup(context.Background(), false); err != nil {
		t.Fatalf("Setup() failed: %v", err)
	}
	return q
}

// drain runs the drain loop in the background and waits for the queue
// to go idle.
func drain(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- q.ExecutePendingActions(ctx) }()

	if err := q.WaitForSync(ctx); err != nil {
		t.Fatalf("WaitForSync() failed: %v", err)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("ExecutePendingActions() returned unexpected error: %v", err)
	}
}

func TestScheduleAction_ExecutesInOrder(t *testing.T) {
	conn := testConn(t)
	rec := &recorder{}
	q := testQueue(t, conn, rec, newManualScheduler())
	ctx := context.Background()

	for i := range 3 {
		body := fmt.Appendf(nil, `{"n":%d}`, i)
		if err := q.ScheduleAction(ctx, body, QueueAndReturn); err != nil {
			t.Fatalf("ScheduleAction() failed: %v", err)
		}
	}
	if got := q.PendingCount(); got != 3 {
		t.Errorf("PendingCount() = %d, want 3", got)
	}

	drain(t, q)

	want := []string{`{"n":0}`, `{"n":1}`, `{"n":2}`}
	got := rec.bodies()
	if len(got) != len(want) {
		t.Fatalf("executed %d actions, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("action %d = %s, want %s", i, got[i], want[i])
		}
	}
	if q.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d after drain, want 0", q.PendingCount())
	}
}

func TestQueue_SurvivesReopen(t *testing.T) {
	conn := testConn(t)
	rec := &recorder{}
	q := testQueue(t, conn, rec, newManualScheduler())
	ctx := context.Background()

	if err := q.ScheduleAction(ctx, []byte(`{"n":1}`), QueueAndReturn); err != nil {
		t.Fatalf("ScheduleAction() failed: %v", err)
	}

	// A fresh queue on the same database sees the persisted action.
	rec2 := &recorder{}
	q2 := testQueue(t, conn, rec2, newManualScheduler())
	if got := q2.PendingCount(); got != 1 {
		t.Fatalf("PendingCount() after reopen = %d, want 1", got)
	}

	drain(t, q2)
	if got := rec2.bodies(); len(got) != 1 || got[0] != `{"n":1}` {
		t.Errorf("executed = %v, want the persisted action", got)
	}
}

func TestSkipQueue_ExecutesInlineWithoutPersisting(t *testing.T) {
	conn := testConn(t)
	rec := &recorder{}
	q := testQueue(t, conn, rec, newManualScheduler())
	ctx := context.Background()

	if err := q.ScheduleAction(ctx, []byte(`{"skip":true}`), SkipQueue); err != nil {
		t.Fatalf("ScheduleAction(SkipQueue) failed: %v", err)
	}
	if got := rec.bodies(); len(got) != 1 {
		t.Fatalf("executed %d actions, want immediate execution", len(got))
	}
	if q.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d, skip-queue must not persist", q.PendingCount())
	}

	// Skip-queue failures surface to the caller.
	rec.results = []execOutcome{{err: errors.New("boom")}}
	if err := q.ScheduleAction(ctx, []byte(`{"skip":true}`), SkipQueue); err == nil {
		t.Error("ScheduleAction(SkipQueue) swallowed the executor error")
	}
}

func TestPauseAndRetry_SchedulesResume(t *testing.T) {
	conn := testConn(t)
	rec := &recorder{results: []execOutcome{{result: ExecResult{PauseAndRetry: true}}}}
	sched := newManualScheduler()
	q := testQueue(t, conn, rec, sched)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := q.ScheduleAction(ctx, []byte(`{"n":1}`), QueueAndReturn); err != nil {
		t.Fatalf("ScheduleAction() failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- q.ExecutePendingActions(ctx) }()

	// Wait until the queue paused itself after the first run.
	deadline := time.Now().Add(5 * time.Second)
	for !q.Paused() {
		if time.Now().After(deadline) {
			t.Fatal("queue never paused after pause-and-retry")
		}
		time.Sleep(time.Millisecond)
	}
	if q.PendingCount() != 1 {
		t.Fatalf("PendingCount() = %d, action must stay queued", q.PendingCount())
	}

	// The scheduled retry resumes and the action succeeds this time.
	sched.runAll()
	if err := q.WaitForSync(ctx); err != nil {
		t.Fatalf("WaitForSync() failed: %v", err)
	}
	if got := rec.bodies(); len(got) != 2 {
		t.Errorf("executed %d times, want 2 (pause, then retry)", len(got))
	}

	cancel()
	<-done
}

func TestExecutorError_KeepsActionAtHead(t *testing.T) {
	conn := testConn(t)
	rec := &recorder{results: []execOutcome{{err: errors.New("transient")}}}
	q := testQueue(t, conn, rec, newManualScheduler())
	ctx := context.Background()

	if err := q.ScheduleAction(ctx, []byte(`{"n":1}`), QueueAndReturn); err != nil {
		t.Fatalf("ScheduleAction() failed: %v", err)
	}

	err := q.ExecutePendingActions(ctx)
	if err == nil || err.Error() != "transient" {
		t.Fatalf("ExecutePendingActions() = %v, want the executor error", err)
	}
	if q.PendingCount() != 1 {
		t.Fatalf("PendingCount() = %d, failed action must stay", q.PendingCount())
	}

	// Next drain cycle retries the same action and succeeds.
	drain(t, q)
	if got := rec.bodies(); len(got) != 2 || got[1] != `{"n":1}` {
		t.Errorf("executed = %v, want the same action twice", got)
	}
}

func TestResetPendingActions(t *testing.T) {
	conn := testConn(t)
	rec := &recorder{}
	sched := newManualScheduler()
	q := testQueue(t, conn, rec, sched)
	ctx := context.Background()

	var statsSeen []int
	q.config.OnStatsChange = func(pending int) { statsSeen = append(statsSeen, pending) }

	if err := q.ScheduleManyActions(ctx, [][]byte{[]byte(`{"n":1}`), []byte(`{"n":2}`)}); err != nil {
		t.Fatalf("ScheduleManyActions() failed: %v", err)
	}
	if q.PendingCount() != 2 {
		t.Fatalf("PendingCount() = %d, want 2", q.PendingCount())
	}

	if err := q.ResetPendingActions(ctx); err != nil {
		t.Fatalf("ResetPendingActions() failed: %v", err)
	}
	if q.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d after reset, want 0", q.PendingCount())
	}
	if len(statsSeen) == 0 || statsSeen[len(statsSeen)-1] != 0 {
		t.Errorf("stats callbacks = %v, want final 0", statsSeen)
	}
}

func TestValidationError_RejectsWithoutPersisting(t *testing.T) {
	conn := testConn(t)
	rec := &recorder{}
	sched := newManualScheduler()

	q := New(conn, Config{
		Executor:     rec.exec,
		Preprocessor: func(body []byte) error { return errors.New("bad action") },
		Scheduler:    sched,
	})
	ctx := context.Background()
	if err := q.Setup(ctx, false); err != nil {
		t.Fatalf("Setup() failed: %v", err)
	}

	err := q.ScheduleAction(ctx, []byte(`{}`), QueueAndReturn)
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("ScheduleAction() error = %v, want ValidationError", err)
	}
	if q.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d, rejected action must not persist", q.PendingCount())
	}
}
