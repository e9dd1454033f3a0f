package cloud

import (
	"context"
	"time"
)

// StorageTier selects which local store an update targets.
type StorageTier string

const (
	// TierNormal is the regular object store.
	TierNormal StorageTier = "normal"

	// TierPersistent is the document-content store.
	TierPersistent StorageTier = "persistent"
)

// MediaType declares how a media field's raw blob is interpreted after
// download.
type MediaType string

const (
	// MediaBlob leaves the downloaded value as raw bytes.
	MediaBlob MediaType = "blob"

	// MediaText coerces the downloaded value to a string.
	MediaText MediaType = "text"

	// MediaJSON coerces to a string and parses it as JSON.
	MediaJSON MediaType = "json"
)

// MediaRef points at an out-of-band field value held by the media
// backend.
type MediaRef struct {
	Path string    `json:"path"`
	Type MediaType `json:"type"`
}

// UpdateInfo carries the provenance metadata common to all update
// variants. The values are attached when the update is created and
// never recomputed later: they pin the update to the schema and device
// state that produced it.
type UpdateInfo struct {
	Collection    string      `json:"collection"`
	SchemaVersion time.Time   `json:"schemaVersion"`
	DeviceID      string      `json:"deviceId,omitempty"`
	AppVersion    string      `json:"appVersion"`
	Storage       StorageTier `json:"storage,omitempty"`
}

// Tier returns the update's storage tier, defaulting to normal.
func (i UpdateInfo) Tier() StorageTier {
	if i.Storage == "" {
		return TierNormal
	}
	return i.Storage
}

// Update is one row-level change carried inside a push action or a
// pull batch. The two variants are OverwriteUpdate and DeleteUpdate.
type Update interface {
	Info() UpdateInfo
	isUpdate()
}

// OverwriteUpdate fully replaces the row identified by its key (or by
// Where) in the target collection and tier.
type OverwriteUpdate struct {
	UpdateInfo
	Object map[string]any      `json:"object"`
	Where  map[string]any      `json:"where,omitempty"`
	Media  map[string]MediaRef `json:"media,omitempty"`
}

// DeleteUpdate removes all rows matching Where.
type DeleteUpdate struct {
	UpdateInfo
	Where map[string]any `json:"where"`
}

func (u OverwriteUpdate) Info() UpdateInfo { return u.UpdateInfo }
func (u OverwriteUpdate) isUpdate()        {}
func (u DeleteUpdate) Info() UpdateInfo    { return u.UpdateInfo }
func (u DeleteUpdate) isUpdate()           {}

// ClientInstruction is a backend-issued follow-up directive, produced
// in response to a push and consumed locally by one follow-up action.
// The only current directive uploads one object field to media storage.
type ClientInstruction struct {
	Storage           StorageTier    `json:"storage,omitempty"`
	Collection        string         `json:"collection"`
	UploadWhere       map[string]any `json:"uploadWhere"`
	UploadField       string         `json:"uploadField"`
	UploadPath        string         `json:"uploadPath"`
	UploadAsJSON      bool           `json:"uploadAsJson,omitempty"`
	UploadContentType string         `json:"uploadContentType,omitempty"`
	ChangeInfo        any            `json:"changeInfo,omitempty"`
}

// Action is a queued unit of outbound synchronization work. The two
// variants are PushObjectAction and ExecuteInstructionsAction.
type Action interface {
	isAction()
}

// PushObjectAction pushes a batch of updates to the backend.
type PushObjectAction struct {
	Updates []Update `json:"updates"`
}

// ExecuteInstructionsAction executes backend-issued client
// instructions, currently media uploads.
type ExecuteInstructionsAction struct {
	Instructions []ClientInstruction `json:"instructions"`
}

func (a PushObjectAction) isAction()          {}
func (a ExecuteInstructionsAction) isAction() {}

// UpdateBatch is one ordered slice of the remote update stream together
// with the cursor position to persist once the batch is integrated.
type UpdateBatch struct {
	Batch    []Update
	LastSeen int64
}

// PushResult is the backend's response to a push.
type PushResult struct {
	ClientInstructions []ClientInstruction
}

// ChangeListener receives the backend's incoming-change notices, which
// feed the pending-download stat.
type ChangeListener interface {
	IncomingChangesPending(delta int)
	IncomingChangesProcessed(count int)
}

// Backend is the push/pull protocol peer.
type Backend interface {
	// PushUpdates sends a batch of updates. The call is atomic: either
	// every update in the batch is accepted or the whole call fails.
	PushUpdates(ctx context.Context, updates []Update) (PushResult, error)

	// StreamUpdates returns an ordered, unbounded sequence of update
	// batches, resuming after the given cursor. The producer blocks
	// while the consumer integrates a batch; the channel closes when
	// ctx is cancelled or the stream fails.
	StreamUpdates(ctx context.Context, since int64) (<-chan UpdateBatch, error)

	// BulkDownloadUpdates fetches everything after the cursor in one
	// shot.
	BulkDownloadUpdates(ctx context.Context, since int64) (UpdateBatch, error)

	// TriggerSyncContinuation hints the backend to flush or advance a
	// paused stream.
	TriggerSyncContinuation()

	// SetChangeListener registers the listener for incoming-change
	// notices. Must be called before StreamUpdates.
	SetChangeListener(l ChangeListener)
}

// MediaUpload describes one blob upload to the media backend.
type MediaUpload struct {
	DeviceID    string
	Path        string
	Object      any // string or []byte
	ChangeInfo  any
	ContentType string
}

// MediaBackend moves large field values in and out of blob storage.
type MediaBackend interface {
	Upload(ctx context.Context, upload MediaUpload) error

	// Download fetches the raw blob at path. Declared-type coercion
	// happens in the caller; the backend returns bytes.
	Download(ctx context.Context, path string) ([]byte, error)
}

// UsageQuerier reports remote storage usage for a user.
type UsageQuerier interface {
	UsedBlocks(ctx context.Context, userID string) (int, error)
}

// Stats is the engine's sync progress, re-broadcast on every change.
// It is never persisted: pending uploads are recomputed from the
// queue's own count at startup.
type Stats struct {
	PendingDownloads int `json:"pendingDownloads"`
	PendingUploads   int `json:"pendingUploads"`
}

// StatsListener observes stats changes and download start/stop
// bracketing events.
type StatsListener interface {
	StatsUpdated(stats Stats)
	DownloadStarted()
	DownloadStopped()
}
