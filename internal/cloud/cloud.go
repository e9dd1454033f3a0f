package cloud

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/pagevault/pagevault/internal/auth"
	"github.com/pagevault/pagevault/internal/cloud/queue"
	"github.com/pagevault/pagevault/internal/scheduler"
	"github.com/pagevault/pagevault/internal/storage"
)

// drainRestartJobName is the scheduler job used to restart the drain
// loop after an executor failure.
const drainRestartJobName = "cloud-drain-restart"

// defaultPassiveDataCutoff is the install-time threshold before which
// installations still carry passively collected browsing data that has
// to be wiped before their first sync.
var defaultPassiveDataCutoff = time.Date(2021, time.October, 5, 0, 0, 0, 0, time.UTC)

// passiveVisitLimit is how many of the most recent visits survive a
// passive data wipe.
const passiveVisitLimit = 20

// migrationChunkSize is how many objects go into one queued push
// action during migration preparation.
const migrationChunkSize = 350

// Options configures a Coordinator. Backend, Store, Settings,
// Registry, Auth and Scheduler are required.
type Options struct {
	// Backend is the push/pull protocol peer.
	Backend Backend

	// Media moves large field values in and out of blob storage.
	// Optional; without it client instructions are dropped and media
	// references in pulled updates are ignored.
	Media MediaBackend

	// Usage reports remote storage consumption. Optional.
	Usage UsageQuerier

	// Store is the normal-tier object store. Its change events feed
	// the push pipeline.
	Store *storage.Store

	// Persistent is the persistent-tier object store. Optional; falls
	// back to Store.
	Persistent storage.ObjectStore

	// Settings persists the engine's own state: device id, stream
	// cursor, setup flag.
	Settings *storage.Settings

	// Registry describes the synchronized collections.
	Registry *storage.Registry

	// Auth supplies the current user and device identity.
	Auth auth.Provider

	// Scheduler fires delayed retry callbacks.
	Scheduler scheduler.Scheduler

	// AppVersion is stamped on every outbound update.
	AppVersion string

	// RetryInterval is how long to wait before retrying after a
	// transient failure (default: 5 minutes).
	RetryInterval time.Duration

	// StrictErrors makes WaitForSync rethrow integration errors
	// instead of only logging them. Used by tests.
	StrictErrors bool

	// PassiveDataCutoff overrides the install-time threshold for
	// passive data removal. Zero means the default.
	PassiveDataCutoff time.Time

	// OnExecuteAction is invoked with each action just before its
	// executor runs. Used by tests to observe queue traffic.
	OnExecuteAction func(action Action)

	// Logger for engine activity (default: stderr logger).
	Logger *log.Logger
}

// Coordinator owns the sync engine: the durable action queue, the push
// and pull pipelines and the authentication lifecycle around them.
//
// Example:
//
//	coord, err := cloud.New(cloud.Options{
//		Backend:   backend,
//		Media:     media,
//		Store:     store,
//		Settings:  settings,
//		Registry:  storage.DefaultRegistry(),
//		Auth:      tokens,
//		Scheduler: scheduler.NewTimerScheduler(),
//	})
//	if err != nil {
//		return err
//	}
//	if err := coord.Setup(ctx); err != nil {
//		return err
//	}
//	if err := coord.StartSync(ctx); err != nil {
//		return err
//	}
//	defer coord.Close()
type Coordinator struct {
	opts   Options
	logger *log.Logger
	queue  *queue.Queue

	pushMu *pipelineMutex
	pullMu *pipelineMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu             sync.Mutex // guards the fields below
	deviceID       string
	schemaVersion  time.Time
	stats          Stats
	statsListeners []StatsListener
	emitEvents     bool
	integrationErr error
	drainStarted   bool
	authStarted    bool
	pullStarted    bool
}

// New creates a coordinator. It registers itself for the store's
// change events and the backend's incoming-change notices, but starts
// no background work until Setup and StartSync.
func New(opts Options) (*Coordinator, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Settings == nil {
		return nil, fmt.Errorf("settings store is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("collection registry is required")
	}
	if opts.Auth == nil {
		return nil, fmt.Errorf("auth provider is required")
	}
	if opts.Scheduler == nil {
		return nil, fmt.Errorf("scheduler is required")
	}
	if opts.RetryInterval == 0 {
		opts.RetryInterval = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[cloud] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		opts:       opts,
		logger:     opts.Logger,
		pushMu:     newPipelineMutex(),
		pullMu:     newPipelineMutex(),
		ctx:        ctx,
		cancel:     cancel,
		emitEvents: true,
	}

	c.queue = queue.New(opts.Store.RawDB(), queue.Config{
		Executor:      c.runAction,
		Preprocessor:  c.validateAction,
		Scheduler:     opts.Scheduler,
		RetryInterval: opts.RetryInterval,
		OnStatsChange: c.onQueueStats,
		Logger:        opts.Logger,
	})

	opts.Store.OnPostChange(func(ctx context.Context, event storage.ChangeEvent) {
		if err := c.HandlePostStorageChange(ctx, event); err != nil {
			c.logger.Printf("Warning: failed to queue storage change: %v", err)
		}
	})
	opts.Backend.SetChangeListener(c)

	return c, nil
}

// persistentStore returns the store for the given tier.
func (c *Coordinator) persistentStore() storage.ObjectStore {
	if c.opts.Persistent != nil {
		return c.opts.Persistent
	}
	return c.opts.Store
}

func (c *Coordinator) storeFor(tier StorageTier) storage.ObjectStore {
	if tier == TierPersistent {
		return c.persistentStore()
	}
	return c.opts.Store
}

// Setup initializes the engine's persisted state: the action queue
// table, the device identity and the pending-upload count. The queue
// starts paused; StartSync unpauses it once a user is signed in.
func (c *Coordinator) Setup(ctx context.Context) error {
	deviceID, err := c.opts.Auth.CurrentDeviceID(ctx)
	if err != nil {
		return fmt.Errorf("failed to read device id: %w", err)
	}
	if deviceID == "" {
		deviceID, err = c.opts.Settings.GetString(ctx, storage.SettingDeviceID)
		if err != nil {
			return fmt.Errorf("failed to load device id: %w", err)
		}
	} else if err := c.opts.Settings.Set(ctx, storage.SettingDeviceID, deviceID); err != nil {
		return fmt.Errorf("failed to store device id: %w", err)
	}

	c.mu.Lock()
	c.deviceID = deviceID
	c.schemaVersion = c.opts.Registry.SchemaVersion()
	c.mu.Unlock()

	if err := c.queue.Setup(ctx, true); err != nil {
		return fmt.Errorf("failed to set up action queue: %w", err)
	}
	return nil
}

// StartSync starts the engine's background loops (queue drain, auth
// observation, continuous pull) and unpauses the queue if a user is
// signed in. It is idempotent: loops already running are left alone.
func (c *Coordinator) StartSync(ctx context.Context) error {
	userID, err := c.opts.Auth.CurrentUserID(ctx)
	if err != nil {
		return fmt.Errorf("failed to read current user: %w", err)
	}
	if userID != "" {
		c.queue.Unpause()
	} else {
		c.queue.Pause()
	}

	c.mu.Lock()
	startDrain := !c.drainStarted
	c.drainStarted = true
	startAuth := !c.authStarted
	c.authStarted = true
	startPull := !c.pullStarted && userID != ""
	if startPull {
		c.pullStarted = true
	}
	c.mu.Unlock()

	if startDrain {
		c.wg.Add(1)
		go c.drainLoop()
	}
	if startAuth {
		c.wg.Add(1)
		go c.observeAuthChanges()
	}
	if startPull {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.IntegrateContinuously(c.ctx)
		}()
	}
	return nil
}

// Close stops all background loops and waits for them to finish.
// In-flight executor runs complete; nothing new starts.
func (c *Coordinator) Close() error {
	c.cancel()
	c.wg.Wait()
	return nil
}

// drainLoop keeps the queue draining for the coordinator's lifetime.
// When an executor run fails the failed action stays at the queue head
// and the loop restarts after the retry interval.
func (c *Coordinator) drainLoop() {
	defer c.wg.Done()
	for {
		err := c.queue.ExecutePendingActions(c.ctx)
		if c.ctx.Err() != nil {
			return
		}
		c.logger.Printf("Warning: action execution failed, retrying in %s: %v", c.opts.RetryInterval, err)

		resume := make(chan struct{})
		c.opts.Scheduler.ScheduleOnce(drainRestartJobName, time.Now().Add(c.opts.RetryInterval), func() {
			close(resume)
		})
		select {
		case <-c.ctx.Done():
			return
		case <-resume:
		}
	}
}

// observeAuthChanges reacts to sign-in and sign-out: sign-in refreshes
// the device identity and resumes sync, sign-out pauses the queue and
// zeroes the stats. In-flight work is never interrupted.
func (c *Coordinator) observeAuthChanges() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case change, ok := <-c.opts.Auth.Changes():
			if !ok {
				return
			}
			c.setDeviceID(change.DeviceID)

			if change.UserID != "" {
				c.queue.Unpause()
				if err := c.StartSync(c.ctx); err != nil {
					c.logger.Printf("Warning: failed to resume sync after sign-in: %v", err)
				}
			} else {
				c.queue.Pause()
				c.modifyStats(func(s *Stats) {
					s.PendingDownloads = 0
					s.PendingUploads = 0
				})
			}
		}
	}
}

func (c *Coordinator) setDeviceID(deviceID string) {
	c.mu.Lock()
	changed := deviceID != "" && deviceID != c.deviceID
	if changed {
		c.deviceID = deviceID
	}
	c.mu.Unlock()

	if changed {
		if err := c.opts.Settings.Set(c.ctx, storage.SettingDeviceID, deviceID); err != nil {
			c.logger.Printf("Warning: failed to persist device id: %v", err)
		}
	}
}

func (c *Coordinator) currentDeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}

func (c *Coordinator) currentSchemaVersion() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.schemaVersion
}

// AddStatsListener registers a listener for stats changes and
// download bracketing events.
func (c *Coordinator) AddStatsListener(l StatsListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statsListeners = append(c.statsListeners, l)
}

// Stats returns a snapshot of the current sync progress.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// setEventEmission suppresses or restores stats broadcasts. Migration
// preparation churns the queue through thousands of actions; listeners
// only care about the final state.
func (c *Coordinator) setEventEmission(enabled bool) {
	c.mu.Lock()
	c.emitEvents = enabled
	c.mu.Unlock()
}

func (c *Coordinator) modifyStats(mutate func(*Stats)) {
	c.mu.Lock()
	mutate(&c.stats)
	stats := c.stats
	emit := c.emitEvents
	listeners := slices.Clone(c.statsListeners)
	c.mu.Unlock()

	if !emit {
		return
	}
	for _, l := range listeners {
		l.StatsUpdated(stats)
	}
}

func (c *Coordinator) emitDownloadEvent(started bool) {
	c.mu.Lock()
	emit := c.emitEvents
	listeners := slices.Clone(c.statsListeners)
	c.mu.Unlock()

	if !emit {
		return
	}
	for _, l := range listeners {
		if started {
			l.DownloadStarted()
		} else {
			l.DownloadStopped()
		}
	}
}

// onQueueStats mirrors the queue's pending count into the stats and
// records when outbound state last moved.
func (c *Coordinator) onQueueStats(pending int) {
	c.modifyStats(func(s *Stats) {
		s.PendingUploads = pending
	})
	if err := c.opts.Settings.Set(c.ctx, storage.SettingLastSyncUpload, time.Now().UnixMilli()); err != nil {
		c.logger.Printf("Warning: failed to record last upload time: %v", err)
	}
}

// IncomingChangesPending implements ChangeListener.
func (c *Coordinator) IncomingChangesPending(delta int) {
	c.modifyStats(func(s *Stats) {
		s.PendingDownloads += delta
	})
}

// IncomingChangesProcessed implements ChangeListener.
func (c *Coordinator) IncomingChangesProcessed(count int) {
	c.modifyStats(func(s *Stats) {
		s.PendingDownloads -= count
		if s.PendingDownloads < 0 {
			s.PendingDownloads = 0
		}
	})
}

func (c *Coordinator) recordIntegrationError(err error) {
	c.mu.Lock()
	c.integrationErr = err
	c.mu.Unlock()
}

// WaitForSync blocks until both pipelines are quiescent and the action
// queue is fully drained: first the push mutex, then the pull mutex,
// then the queue barrier. With StrictErrors set, a recorded
// integration error is returned after the barriers pass.
func (c *Coordinator) WaitForSync(ctx context.Context) error {
	if err := c.pushMu.Wait(ctx); err != nil {
		return err
	}
	if err := c.pullMu.Wait(ctx); err != nil {
		return err
	}
	if err := c.queue.WaitForSync(ctx); err != nil {
		return err
	}
	if c.opts.StrictErrors {
		c.mu.Lock()
		err := c.integrationErr
		c.mu.Unlock()
		if err != nil {
			return fmt.Errorf("sync integration failed: %w", err)
		}
	}
	return nil
}

// RunDataMigration blocks until the initial sync traffic queued by
// migration preparation has fully flushed. It is the same barrier as
// WaitForSync under a migration-facing name.
func (c *Coordinator) RunDataMigration(ctx context.Context) error {
	return c.WaitForSync(ctx)
}

// TriggerSyncContinuation hints the backend to flush or advance a
// paused stream.
func (c *Coordinator) TriggerSyncContinuation() {
	c.opts.Backend.TriggerSyncContinuation()
}

// IsCloudSyncEnabled reports whether sync has been set up on this
// installation.
func (c *Coordinator) IsCloudSyncEnabled(ctx context.Context) (bool, error) {
	return c.opts.Settings.GetBool(ctx, storage.SettingIsSetUp)
}

// EnableSync marks sync as set up.
func (c *Coordinator) EnableSync(ctx context.Context) error {
	if err := c.opts.Settings.Set(ctx, storage.SettingIsSetUp, true); err != nil {
		return fmt.Errorf("failed to enable sync: %w", err)
	}
	return nil
}

// EnableSyncForNewInstall enables sync on a fresh installation and
// starts it. Fresh installs never carry passive data, so the install
// time is recorded to exempt them from the passive wipe.
func (c *Coordinator) EnableSyncForNewInstall(ctx context.Context) error {
	if err := c.EnableSync(ctx); err != nil {
		return err
	}
	installTime, err := c.opts.Settings.GetInt64(ctx, storage.SettingInstallTime)
	if err != nil {
		return fmt.Errorf("failed to load install time: %w", err)
	}
	if installTime == 0 {
		if err := c.opts.Settings.Set(ctx, storage.SettingInstallTime, time.Now().UnixMilli()); err != nil {
			return fmt.Errorf("failed to record install time: %w", err)
		}
	}
	return c.StartSync(ctx)
}

// IsPassiveDataRemovalNeeded reports whether this installation
// predates the passive data cutoff and still needs a wipe before its
// first sync.
func (c *Coordinator) IsPassiveDataRemovalNeeded(ctx context.Context) (bool, error) {
	installTime, err := c.opts.Settings.GetInt64(ctx, storage.SettingInstallTime)
	if err != nil {
		return false, fmt.Errorf("failed to load install time: %w", err)
	}
	cutoff := c.opts.PassiveDataCutoff
	if cutoff.IsZero() {
		cutoff = defaultPassiveDataCutoff
	}
	return installTime < cutoff.UnixMilli(), nil
}

// GetBlockStats returns the signed-in user's remote storage usage in
// blocks.
func (c *Coordinator) GetBlockStats(ctx context.Context) (int, error) {
	if c.opts.Usage == nil {
		return 0, fmt.Errorf("usage reporting is not configured")
	}
	userID, err := c.opts.Auth.CurrentUserID(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read current user: %w", err)
	}
	if userID == "" {
		return 0, fmt.Errorf("cannot get block stats while signed out")
	}
	return c.opts.Usage.UsedBlocks(ctx, userID)
}
