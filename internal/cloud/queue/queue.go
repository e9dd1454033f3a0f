// Package queue provides the durable action queue for outbound sync
// work.
//
// The queue is payload-agnostic: callers hand it encoded action bodies
// and an executor that knows how to decode and run them. Bodies are
// persisted in creation order and executed one at a time. Transient failures pause the queue and
// a scheduled callback retries later; the queue itself never owns a
// timer. Execution is at-least-once: an action stays at the head of
// the queue until its executor run succeeds, so executors must be
// idempotent.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/pagevault/pagevault/internal/scheduler"
)

// retryJobName is the scheduler job used to resume a paused queue.
const retryJobName = "cloud-action-queue-retry"

// Interaction controls how ScheduleAction relates to the persisted
// queue order.
type Interaction string

const (
	// QueueAndReturn appends the action and returns without waiting
	// for execution.
	QueueAndReturn Interaction = "queue-and-return"

	// SkipQueue executes the action ahead of the persisted order,
	// before control returns to the drain loop. Used only for
	// follow-up instructions that must run immediately after the push
	// that produced them.
	SkipQueue Interaction = "skip-queue"
)

// ExecResult reports the outcome of one executor run.
type ExecResult struct {
	// PauseAndRetry signals a transient condition (missing device id,
	// signed-out user). The queue pauses itself and schedules a retry.
	PauseAndRetry bool
}

// Executor runs one encoded action body. Returning an error keeps the
// action at the head of the queue for the next drain cycle; returning
// a zero ExecResult and nil error removes it. An executor that cannot
// decode a body must treat it as succeeded, or the queue blocks
// forever.
type Executor func(ctx context.Context, body []byte) (ExecResult, error)

// Preprocessor inspects an encoded action before it enters the queue.
// A non-nil error rejects the action; it is never persisted.
type Preprocessor func(body []byte) error

// ValidationError is returned by ScheduleAction when the preprocessor
// rejects an action.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("action rejected: %v", e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Config holds queue configuration.
type Config struct {
	// Executor runs dequeued actions. Required.
	Executor Executor

	// Preprocessor validates actions before queuing. Optional.
	Preprocessor Preprocessor

	// Scheduler fires the retry callback after a pause-and-retry.
	// Required.
	Scheduler scheduler.Scheduler

	// RetryInterval is how long to wait before resuming after a
	// pause-and-retry (default: 5 minutes).
	RetryInterval time.Duration

	// OnStatsChange is invoked with the pending action count whenever
	// it changes. Optional.
	OnStatsChange func(pending int)

	// Logger for queue activity (default: stderr logger).
	Logger *log.Logger
}

// Queue is a durable, ordered, retryable action queue backed by a
// SQLite table.
type Queue struct {
	conn   *sql.DB
	config Config

	mu        sync.Mutex // guards the fields below
	paused    bool
	executing bool
	pending   int
	changed   chan struct{} // closed and replaced on every state change
}

// New creates a queue on an open database connection.
func New(conn *sql.DB, config Config) *Queue {
	if config.RetryInterval == 0 {
		config.RetryInterval = 5 * time.Minute
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}

	return &Queue{
		conn:    conn,
		config:  config,
		changed: make(chan struct{}),
	}
}

// signalLocked wakes everyone blocked on a state change.
// Callers must hold the lock.
func (q *Queue) signalLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// Setup initializes the queue table and recomputes the pending count
// from persisted state.
func (q *Queue) Setup(ctx context.Context, paused bool) error {
	schema := `
	CREATE TABLE IF NOT EXISTS cloud_actions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		body TEXT NOT NULL  -- JSON action envelope
	);
	`
	if _, err := q.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize queue schema: %w", err)
	}

	var count int
	if err := q.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM cloud_actions`).Scan(&count); err != nil {
		return fmt.Errorf("failed to count pending actions: %w", err)
	}

	q.mu.Lock()
	q.paused = paused
	q.pending = count
	q.signalLocked()
	q.mu.Unlock()

	q.notifyStats(count)
	return nil
}

// PendingCount returns the number of persisted, unexecuted actions.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Paused reports whether the drain loop is currently suspended.
func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Pause suspends the drain loop. Work already in flight completes;
// no new work starts.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.signalLocked()
	q.mu.Unlock()
}

// Unpause resumes the drain loop.
func (q *Queue) Unpause() {
	q.mu.Lock()
	q.paused = false
	q.signalLocked()
	q.mu.Unlock()
}

func (q *Queue) notifyStats(pending int) {
	if q.config.OnStatsChange != nil {
		q.config.OnStatsChange(pending)
	}
}

// ScheduleAction validates an action and either appends it to the
// durable queue (QueueAndReturn) or executes it immediately
// (SkipQueue). Skip-queue actions are never persisted; their failures
// surface to the caller, which for follow-up instructions is the
// in-flight executor of the push that produced them.
func (q *Queue) ScheduleAction(ctx context.Context, body []byte, interaction Interaction) error {
	if q.config.Preprocessor != nil {
		if err := q.config.Preprocessor(body); err != nil {
			return &ValidationError{Err: err}
		}
	}

	if interaction == SkipQueue {
		result, err := q.config.Executor(ctx, body)
		if err != nil {
			return err
		}
		if result.PauseAndRetry {
			q.pauseForRetry()
		}
		return nil
	}

	if _, err := q.conn.ExecContext(ctx,
		`INSERT INTO cloud_actions (body) VALUES (?)`, string(body)); err != nil {
		return fmt.Errorf("failed to persist action: %w", err)
	}

	q.mu.Lock()
	q.pending++
	pending := q.pending
	q.signalLocked()
	q.mu.Unlock()

	q.notifyStats(pending)
	return nil
}

// ScheduleManyActions appends a batch of actions in one transaction.
func (q *Queue) ScheduleManyActions(ctx context.Context, bodies [][]byte) error {
	if q.config.Preprocessor != nil {
		for _, body := range bodies {
			if err := q.config.Preprocessor(body); err != nil {
				return &ValidationError{Err: err}
			}
		}
	}

	tx, err := q.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, body := range bodies {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO cloud_actions (body) VALUES (?)`, string(body)); err != nil {
			return fmt.Errorf("failed to persist action: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit actions: %w", err)
	}

	q.mu.Lock()
	q.pending += len(bodies)
	pending := q.pending
	q.signalLocked()
	q.mu.Unlock()

	q.notifyStats(pending)
	return nil
}

// ResetPendingActions drops every persisted action and zeroes the
// pending count. Used when a migration rebuilds the queue from
// scratch.
func (q *Queue) ResetPendingActions(ctx context.Context) error {
	if _, err := q.conn.ExecContext(ctx, `DELETE FROM cloud_actions`); err != nil {
		return fmt.Errorf("failed to clear action queue: %w", err)
	}

	q.mu.Lock()
	q.pending = 0
	q.signalLocked()
	q.mu.Unlock()

	q.notifyStats(0)
	return nil
}

// pauseForRetry pauses the queue and asks the scheduler to resume it
// after the retry interval.
func (q *Queue) pauseForRetry() {
	q.Pause()
	q.config.Logger.Printf("Execution paused, retrying in %s", q.config.RetryInterval)
	q.config.Scheduler.ScheduleOnce(retryJobName, time.Now().Add(q.config.RetryInterval), func() {
		q.Unpause()
	})
}

// ExecutePendingActions drains the queue: it executes persisted
// actions strictly in enqueue order, one at a time, waiting whenever
// the queue is empty or paused. It blocks until ctx is cancelled or an
// executor returns an error; in the error case the failed action
// remains at the head of the queue and is retried on the next drain
// cycle.
func (q *Queue) ExecutePendingActions(ctx context.Context) error {
	for {
		q.mu.Lock()
		if q.paused || q.pending == 0 {
			changed := q.changed
			q.mu.Unlock()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-changed:
			}
			continue
		}
		q.executing = true
		q.signalLocked()
		q.mu.Unlock()

		err := q.executeHead(ctx)

		q.mu.Lock()
		q.executing = false
		q.signalLocked()
		q.mu.Unlock()

		if err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// executeHead runs the oldest persisted action and removes it on
// success.
func (q *Queue) executeHead(ctx context.Context) error {
	var seq int64
	var body string
	err := q.conn.QueryRowContext(ctx,
		`SELECT seq, body FROM cloud_actions ORDER BY seq LIMIT 1`).Scan(&seq, &body)
	if err == sql.ErrNoRows {
		// Raced with a reset; nothing to do.
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load head action: %w", err)
	}

	result, err := q.config.Executor(ctx, []byte(body))
	if err != nil {
		return err
	}
	if result.PauseAndRetry {
		q.pauseForRetry()
		return nil
	}

	return q.removeAction(ctx, seq)
}

func (q *Queue) removeAction(ctx context.Context, seq int64) error {
	if _, err := q.conn.ExecContext(ctx,
		`DELETE FROM cloud_actions WHERE seq = ?`, seq); err != nil {
		return fmt.Errorf("failed to remove executed action: %w", err)
	}

	q.mu.Lock()
	if q.pending > 0 {
		q.pending--
	}
	pending := q.pending
	q.signalLocked()
	q.mu.Unlock()

	q.notifyStats(pending)
	return nil
}

// WaitForSync blocks until the queue is empty and idle. It is the
// "fully flushed" barrier for callers that need an outbound-quiescence
// guarantee.
func (q *Queue) WaitForSync(ctx context.Context) error {
	for {
		q.mu.Lock()
		if q.pending == 0 && !q.executing {
			q.mu.Unlock()
			return nil
		}
		changed := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}
