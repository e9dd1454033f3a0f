package cloud

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/pagevault/pagevault/internal/storage"
)

// IntegrateAllUpdates bulk-downloads everything after the persisted
// cursor and applies it in one pass. The cursor advances only after
// the whole batch is integrated.
func (c *Coordinator) IntegrateAllUpdates(ctx context.Context) error {
	since, err := c.opts.Settings.GetInt64(ctx, storage.SettingLastSeen)
	if err != nil {
		return fmt.Errorf("failed to load stream cursor: %w", err)
	}

	batch, err := c.opts.Backend.BulkDownloadUpdates(ctx, since)
	if err != nil {
		return fmt.Errorf("failed to bulk download updates: %w", err)
	}
	if err := c.integrateUpdates(ctx, batch.Batch); err != nil {
		return err
	}
	if err := c.opts.Settings.Set(ctx, storage.SettingLastSeen, batch.LastSeen); err != nil {
		return fmt.Errorf("failed to persist stream cursor: %w", err)
	}
	return nil
}

// IntegrateContinuously consumes the remote update stream until ctx is
// cancelled or the stream ends. Each batch is integrated under the
// pull mutex and the cursor persisted afterwards, so a batch that
// fails to apply is re-delivered on the next stream resume.
//
// Integration errors are recorded and, outside strict mode, logged and
// skipped so one bad batch doesn't stall the stream.
func (c *Coordinator) IntegrateContinuously(ctx context.Context) {
	since, err := c.opts.Settings.GetInt64(ctx, storage.SettingLastSeen)
	if err != nil {
		c.recordIntegrationError(err)
		c.logger.Printf("Warning: failed to load stream cursor: %v", err)
		return
	}

	batches, err := c.opts.Backend.StreamUpdates(ctx, since)
	if err != nil {
		c.recordIntegrationError(err)
		c.logger.Printf("Warning: failed to open update stream: %v", err)
		return
	}

	for batch := range batches {
		if err := c.integrateUpdates(ctx, batch.Batch); err != nil {
			c.recordIntegrationError(err)
			if c.opts.StrictErrors {
				return
			}
			c.logger.Printf("Warning: failed to integrate update batch: %v", err)
			continue
		}
		if err := c.opts.Settings.Set(ctx, storage.SettingLastSeen, batch.LastSeen); err != nil {
			c.recordIntegrationError(err)
			if c.opts.StrictErrors {
				return
			}
			c.logger.Printf("Warning: failed to persist stream cursor: %v", err)
		}
	}
}

// integrateUpdates applies one batch under the pull mutex, bracketed
// by download events. An error aborts the rest of the batch; the
// caller decides whether to advance the cursor.
func (c *Coordinator) integrateUpdates(ctx context.Context, updates []Update) error {
	if len(updates) == 0 {
		return nil
	}

	c.emitDownloadEvent(true)
	defer c.emitDownloadEvent(false)

	release, err := c.pullMu.Lock(ctx)
	if err != nil {
		return err
	}
	defer release()

	for _, update := range updates {
		if err := c.integrateUpdate(ctx, update); err != nil {
			return err
		}
	}
	return nil
}

// integrateUpdate applies one remote update to the local store for its
// tier.
func (c *Coordinator) integrateUpdate(ctx context.Context, update Update) error {
	info := update.Info()
	coll, ok := c.opts.Registry.Collection(info.Collection)
	if !ok {
		return fmt.Errorf("update names unknown collection %q", info.Collection)
	}
	store := c.storeFor(info.Tier())

	switch u := update.(type) {
	case OverwriteUpdate:
		object := c.preprocessPulledObject(coll, u.Object)
		if len(u.Media) > 0 {
			// Media failures leave the field unset rather than losing
			// the whole update.
			if err := c.downloadMedia(ctx, object, u.Media); err != nil {
				c.logger.Printf("Warning: failed to download media for %s update: %v", info.Collection, err)
			}
		}
		if err := store.WriteIncoming(ctx, info.Collection, object, u.Where); err != nil {
			return fmt.Errorf("failed to write incoming %s object: %w", info.Collection, err)
		}
		return nil

	case DeleteUpdate:
		if err := store.DeleteObjects(ctx, info.Collection, u.Where); err != nil {
			return fmt.Errorf("failed to delete %s objects: %w", info.Collection, err)
		}
		return nil

	default:
		return fmt.Errorf("unknown update type %T", update)
	}
}

// preprocessPulledObject coerces wire values to their registered field
// types and drops derived search-index fields; those are rebuilt
// locally, never transferred.
func (c *Coordinator) preprocessPulledObject(coll storage.Collection, object map[string]any) map[string]any {
	out := make(map[string]any, len(object))
	for field, value := range object {
		if coll.IsTermsField(field) {
			continue
		}
		switch coll.Fields[field] {
		case storage.FieldInt, storage.FieldTimestamp:
			if f, ok := value.(float64); ok {
				value = int64(f)
			}
		}
		out[field] = value
	}
	return out
}

// downloadMedia fetches all media fields of one update concurrently
// and fills them into the object. Fields are independent: a failed
// download leaves only its own field unset, every other field still
// lands. That is why the group carries no shared cancellation.
func (c *Coordinator) downloadMedia(ctx context.Context, object map[string]any, media map[string]MediaRef) error {
	if c.opts.Media == nil {
		return fmt.Errorf("no media backend configured")
	}

	var mu sync.Mutex
	var g errgroup.Group
	for field, ref := range media {
		g.Go(func() error {
			data, err := c.opts.Media.Download(ctx, ref.Path)
			if err != nil {
				return fmt.Errorf("failed to download %s: %w", ref.Path, err)
			}
			value, err := CoerceDownloaded(data, ref.Type)
			if err != nil {
				return err
			}
			mu.Lock()
			object[field] = value
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}
