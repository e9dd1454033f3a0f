// Package cloudtest provides in-memory fakes for the sync engine's
// external surfaces: backend, media storage, scheduler and auth.
// Tests drive them directly instead of standing up network peers.
package cloudtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pagevault/pagevault/internal/auth"
	"github.com/pagevault/pagevault/internal/cloud"
	"github.com/pagevault/pagevault/internal/scheduler"
)

// Backend is an in-memory cloud.Backend. Pushed updates accumulate in
// order; batches published with PublishBatch flow to the active stream
// consumer.
type Backend struct {
	mu           sync.Mutex
	pushed       []cloud.Update
	history      []cloud.Update
	pushErr      error
	instructions []cloud.ClientInstruction
	listener     cloud.ChangeListener
	stream       chan cloud.UpdateBatch
	continuation int
	lastSeen     int64
}

// NewBackend creates an empty fake backend.
func NewBackend() *Backend {
	return &Backend{stream: make(chan cloud.UpdateBatch)}
}

// PushUpdates implements cloud.Backend.
func (b *Backend) PushUpdates(ctx context.Context, updates []cloud.Update) (cloud.PushResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pushErr != nil {
		return cloud.PushResult{}, b.pushErr
	}
	b.pushed = append(b.pushed, updates...)
	instructions := b.instructions
	b.instructions = nil
	return cloud.PushResult{ClientInstructions: instructions}, nil
}

// StreamUpdates implements cloud.Backend.
func (b *Backend) StreamUpdates(ctx context.Context, since int64) (<-chan cloud.UpdateBatch, error) {
	out := make(chan cloud.UpdateBatch)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case batch, ok := <-b.stream:
				if !ok {
					return
				}
				select {
				case <-ctx.Done():
					return
				case out <- batch:
					b.notifyProcessed(len(batch.Batch))
				}
			}
		}
	}()
	return out, nil
}

// BulkDownloadUpdates implements cloud.Backend. It replays the history
// seeded with AddHistory after the given cursor; history positions are
// 1-based, matching the cursor values a real backend hands out.
func (b *Backend) BulkDownloadUpdates(ctx context.Context, since int64) (cloud.UpdateBatch, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	batch := cloud.UpdateBatch{LastSeen: b.lastSeen}
	if since < int64(len(b.history)) {
		batch.Batch = append([]cloud.Update(nil), b.history[since:]...)
	}
	return batch, nil
}

// AddHistory appends updates to the replayable history served by
// BulkDownloadUpdates and advances the backend's cursor past them.
func (b *Backend) AddHistory(updates ...cloud.Update) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = append(b.history, updates...)
	b.lastSeen = int64(len(b.history))
}

// TriggerSyncContinuation implements cloud.Backend.
func (b *Backend) TriggerSyncContinuation() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.continuation++
}

// SetChangeListener implements cloud.Backend.
func (b *Backend) SetChangeListener(l cloud.ChangeListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listener = l
}

func (b *Backend) notifyPending(delta int) {
	b.mu.Lock()
	l := b.listener
	b.mu.Unlock()
	if l != nil {
		l.IncomingChangesPending(delta)
	}
}

func (b *Backend) notifyProcessed(count int) {
	b.mu.Lock()
	l := b.listener
	b.mu.Unlock()
	if l != nil {
		l.IncomingChangesProcessed(count)
	}
}

// PublishBatch hands one batch to the stream consumer, blocking until
// it is accepted. The pending notice fires before the handoff, the
// processed notice after, mirroring a real backend's bookkeeping.
func (b *Backend) PublishBatch(batch cloud.UpdateBatch) {
	b.mu.Lock()
	b.lastSeen = batch.LastSeen
	b.mu.Unlock()

	b.notifyPending(len(batch.Batch))
	b.stream <- batch
}

// QueueInstructions makes the next push return the given client
// instructions.
func (b *Backend) QueueInstructions(instructions ...cloud.ClientInstruction) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.instructions = append(b.instructions, instructions...)
}

// FailPushes makes every push return err until called with nil.
func (b *Backend) FailPushes(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pushErr = err
}

// Pushed returns all updates received so far, in push order.
func (b *Backend) Pushed() []cloud.Update {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]cloud.Update, len(b.pushed))
	copy(out, b.pushed)
	return out
}

// Continuations returns how often TriggerSyncContinuation was called.
func (b *Backend) Continuations() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.continuation
}

// Media is an in-memory cloud.MediaBackend.
type Media struct {
	mu      sync.Mutex
	objects map[string][]byte
	latency map[string]time.Duration
	uploads []cloud.MediaUpload
	failErr error
}

// NewMedia creates an empty fake media backend.
func NewMedia() *Media {
	return &Media{
		objects: make(map[string][]byte),
		latency: make(map[string]time.Duration),
	}
}

// Upload implements cloud.MediaBackend.
func (m *Media) Upload(ctx context.Context, upload cloud.MediaUpload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	payload, _, err := cloud.PrepareUpload(upload.Object, false, upload.ContentType)
	if err != nil {
		return err
	}
	m.objects[upload.Path] = payload
	m.uploads = append(m.uploads, upload)
	return nil
}

// Download implements cloud.MediaBackend. A latency set with
// SetLatency is served before the lookup and aborts when ctx ends.
func (m *Media) Download(ctx context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	failErr := m.failErr
	delay := m.latency[path]
	data, ok := m.objects[path]
	m.mu.Unlock()

	if failErr != nil {
		return nil, failErr
	}
	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if !ok {
		return nil, fmt.Errorf("no media object at %s", path)
	}
	return data, nil
}

// Put seeds a media object for later download.
func (m *Media) Put(path string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = data
}

// SetLatency makes downloads of path take d before resolving.
func (m *Media) SetLatency(path string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency[path] = d
}

// Fail makes every call return err until called with nil.
func (m *Media) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

// Uploads returns all uploads received so far.
func (m *Media) Uploads() []cloud.MediaUpload {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]cloud.MediaUpload, len(m.uploads))
	copy(out, m.uploads)
	return out
}

// Scheduler is a manual scheduler.Scheduler: jobs fire only when the
// test calls RunPending.
type Scheduler struct {
	mu   sync.Mutex
	jobs map[string]scheduledJob
}

type scheduledJob struct {
	when time.Time
	job  func()
}

// NewScheduler creates a manual scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{jobs: make(map[string]scheduledJob)}
}

var _ scheduler.Scheduler = (*Scheduler)(nil)

// ScheduleOnce implements scheduler.Scheduler.
func (s *Scheduler) ScheduleOnce(name string, when time.Time, job func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[name] = scheduledJob{when: when, job: job}
}

// PendingJobs returns the names of all scheduled jobs, sorted.
func (s *Scheduler) PendingJobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunPending fires every scheduled job regardless of its due time.
func (s *Scheduler) RunPending() {
	s.mu.Lock()
	jobs := make([]func(), 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j.job)
	}
	s.jobs = make(map[string]scheduledJob)
	s.mu.Unlock()

	for _, job := range jobs {
		job()
	}
}

// Auth is a controllable auth.Provider.
type Auth struct {
	mu       sync.Mutex
	userID   string
	deviceID string
	changes  chan auth.Change
}

// NewAuth creates a provider in the given initial state.
func NewAuth(userID, deviceID string) *Auth {
	return &Auth{
		userID:   userID,
		deviceID: deviceID,
		changes:  make(chan auth.Change, 16),
	}
}

var _ auth.Provider = (*Auth)(nil)

// Changes implements auth.Provider.
func (a *Auth) Changes() <-chan auth.Change {
	return a.changes
}

// CurrentUserID implements auth.Provider.
func (a *Auth) CurrentUserID(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.userID, nil
}

// CurrentDeviceID implements auth.Provider.
func (a *Auth) CurrentDeviceID(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.deviceID, nil
}

// Token implements auth.Provider.
func (a *Auth) Token(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.userID == "" {
		return "", nil
	}
	return "token-" + a.userID, nil
}

// SignIn switches to the given identity and emits a change.
func (a *Auth) SignIn(userID, deviceID string) {
	a.mu.Lock()
	a.userID = userID
	a.deviceID = deviceID
	a.mu.Unlock()
	a.changes <- auth.Change{UserID: userID, DeviceID: deviceID}
}

// SignOut clears the user and emits a change. The device identity is
// kept; it belongs to the installation, not the session.
func (a *Auth) SignOut() {
	a.mu.Lock()
	a.userID = ""
	deviceID := a.deviceID
	a.mu.Unlock()
	a.changes <- auth.Change{DeviceID: deviceID}
}
