package cloud

import (
	"context"
	"errors"
	"fmt"

	"github.com/pagevault/pagevault/internal/cloud/queue"
	"github.com/pagevault/pagevault/internal/storage"
)

// ErrUnauthenticated is returned by backends when a call is rejected
// for a missing or invalid credential. The executor maps it to a
// pause-and-retry instead of a hard failure.
var ErrUnauthenticated = errors.New("not authenticated")

// HandlePostStorageChange translates one local change event into a
// queued push action. The pipeline holds the push mutex for the whole
// translation: every change event becomes exactly one action, and
// actions enter the queue in event order.
//
// Reads happen at queue time, not execution time. An object created
// and deleted before the event is handled simply drops out of the
// action; the later delete event still carries the removal.
func (c *Coordinator) HandlePostStorageChange(ctx context.Context, event storage.ChangeEvent) error {
	release, err := c.pushMu.Lock(ctx)
	if err != nil {
		return err
	}
	defer release()

	var updates []Update
	for _, change := range event.Changes {
		coll, ok := c.opts.Registry.Collection(change.Collection)
		if !ok {
			continue
		}

		switch change.Type {
		case storage.ChangeCreate, storage.ChangeModify:
			for _, pk := range change.PKs {
				object, err := c.opts.Store.GetByPK(ctx, change.Collection, pk)
				if errors.Is(err, storage.ErrNotFound) {
					// Deleted again before we could look at it.
					continue
				}
				if err != nil {
					return fmt.Errorf("failed to load changed object: %w", err)
				}
				updates = append(updates, OverwriteUpdate{
					UpdateInfo: c.updateInfo(change.Collection),
					Object:     c.preprocessObjectForPush(coll, object),
				})
			}
		case storage.ChangeDelete:
			for _, pk := range change.PKs {
				where, err := coll.WhereByPK(pk)
				if err != nil {
					return fmt.Errorf("failed to build delete clause: %w", err)
				}
				updates = append(updates, DeleteUpdate{
					UpdateInfo: c.updateInfo(change.Collection),
					Where:      where,
				})
			}
		}
	}

	if len(updates) == 0 {
		return nil
	}
	return c.scheduleAction(ctx, PushObjectAction{Updates: updates}, queue.QueueAndReturn)
}

// updateInfo stamps the provenance metadata for an outbound update.
// The values are frozen at creation time.
func (c *Coordinator) updateInfo(collection string) UpdateInfo {
	return UpdateInfo{
		Collection:    collection,
		SchemaVersion: c.currentSchemaVersion(),
		DeviceID:      c.currentDeviceID(),
		AppVersion:    c.opts.AppVersion,
	}
}

// preprocessObjectForPush strips derived search-index fields and
// fields the registry marks as excluded from pushes. The stored object
// is left untouched.
func (c *Coordinator) preprocessObjectForPush(coll storage.Collection, object map[string]any) map[string]any {
	out := make(map[string]any, len(object))
	for field, value := range object {
		if coll.IsTermsField(field) || coll.IsStrippedField(field) {
			continue
		}
		out[field] = value
	}
	return out
}

// scheduleAction encodes an action and hands it to the queue.
func (c *Coordinator) scheduleAction(ctx context.Context, action Action, interaction queue.Interaction) error {
	body, err := EncodeAction(action)
	if err != nil {
		return err
	}
	return c.queue.ScheduleAction(ctx, body, interaction)
}

// validateAction is the queue preprocessor: it rejects actions that
// could never execute, before they are persisted.
//
// This is stricter than a pass-through hook on purpose. The engine's
// own producers never emit empty pushes or unknown collections, so in
// normal operation every action passes; the checks exist so a registry
// that drifted across an upgrade cannot wedge the durable queue with
// actions that would fail on every retry.
func (c *Coordinator) validateAction(body []byte) error {
	action, err := DecodeAction(body)
	if err != nil {
		return err
	}
	if push, ok := action.(PushObjectAction); ok {
		if len(push.Updates) == 0 {
			return fmt.Errorf("push action carries no updates")
		}
		for _, update := range push.Updates {
			if !c.opts.Registry.Has(update.Info().Collection) {
				return fmt.Errorf("unknown collection %q", update.Info().Collection)
			}
		}
	}
	return nil
}

// runAction is the queue executor. Persisted bodies that no longer
// decode are dropped with a warning rather than blocking the queue.
func (c *Coordinator) runAction(ctx context.Context, body []byte) (queue.ExecResult, error) {
	action, err := DecodeAction(body)
	if err != nil {
		c.logger.Printf("Warning: dropping undecodable action: %v", err)
		return queue.ExecResult{}, nil
	}
	return c.executeAction(ctx, action)
}

// executeAction runs one queued action. Without a device identity or a
// signed-in user nothing can be pushed, so the queue pauses and
// retries later.
func (c *Coordinator) executeAction(ctx context.Context, action Action) (queue.ExecResult, error) {
	deviceID := c.currentDeviceID()
	userID, err := c.opts.Auth.CurrentUserID(ctx)
	if err != nil {
		return queue.ExecResult{}, fmt.Errorf("failed to read current user: %w", err)
	}
	if deviceID == "" || userID == "" {
		return queue.ExecResult{PauseAndRetry: true}, nil
	}

	if c.opts.OnExecuteAction != nil {
		c.opts.OnExecuteAction(action)
	}

	switch a := action.(type) {
	case PushObjectAction:
		result, err := c.opts.Backend.PushUpdates(ctx, c.stampDeviceID(a.Updates, deviceID))
		if errors.Is(err, ErrUnauthenticated) {
			return queue.ExecResult{PauseAndRetry: true}, nil
		}
		if err != nil {
			return queue.ExecResult{}, err
		}
		if len(result.ClientInstructions) > 0 {
			followUp := ExecuteInstructionsAction{Instructions: result.ClientInstructions}
			if err := c.scheduleAction(ctx, followUp, queue.SkipQueue); err != nil {
				return queue.ExecResult{}, err
			}
		}
		return queue.ExecResult{}, nil

	case ExecuteInstructionsAction:
		for _, instruction := range a.Instructions {
			c.executeUploadInstruction(ctx, instruction)
		}
		return queue.ExecResult{}, nil

	default:
		c.logger.Printf("Warning: dropping action of unknown type %T", action)
		return queue.ExecResult{}, nil
	}
}

// stampDeviceID fills in the device id on updates queued before the
// identity was known. Updates that already carry one keep it.
func (c *Coordinator) stampDeviceID(updates []Update, deviceID string) []Update {
	stamped := make([]Update, len(updates))
	for i, update := range updates {
		if update.Info().DeviceID != "" {
			stamped[i] = update
			continue
		}
		switch u := update.(type) {
		case OverwriteUpdate:
			u.UpdateInfo.DeviceID = deviceID
			stamped[i] = u
		case DeleteUpdate:
			u.UpdateInfo.DeviceID = deviceID
			stamped[i] = u
		default:
			stamped[i] = update
		}
	}
	return stamped
}

// executeUploadInstruction uploads one object field to media storage.
// Every failure is logged and the instruction skipped: instructions
// are follow-ups to an already-acknowledged push and must never wedge
// the queue. The backend re-issues instructions for uploads it is
// still missing.
func (c *Coordinator) executeUploadInstruction(ctx context.Context, instruction ClientInstruction) {
	if c.opts.Media == nil {
		c.logger.Printf("Warning: no media backend, dropping upload instruction for %s", instruction.UploadPath)
		return
	}
	if !c.opts.Registry.Has(instruction.Collection) {
		c.logger.Printf("Warning: upload instruction names unknown collection %q", instruction.Collection)
		return
	}

	store := c.storeFor(instruction.Storage)
	object, err := store.FindObject(ctx, instruction.Collection, instruction.UploadWhere)
	if errors.Is(err, storage.ErrNotFound) {
		// Deleted since the push; the delete will propagate on its own.
		return
	}
	if err != nil {
		c.logger.Printf("Warning: failed to load object for upload instruction: %v", err)
		return
	}

	payload, contentType, err := PrepareUpload(object[instruction.UploadField], instruction.UploadAsJSON, instruction.UploadContentType)
	if err != nil {
		c.logger.Printf("Warning: cannot prepare upload for %s.%s: %v", instruction.Collection, instruction.UploadField, err)
		return
	}

	err = c.opts.Media.Upload(ctx, MediaUpload{
		DeviceID:    c.currentDeviceID(),
		Path:        instruction.UploadPath,
		Object:      payload,
		ChangeInfo:  instruction.ChangeInfo,
		ContentType: contentType,
	})
	if err != nil {
		c.logger.Printf("Warning: failed to upload media for %s: %v", instruction.UploadPath, err)
	}
}
