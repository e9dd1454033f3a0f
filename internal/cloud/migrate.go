package cloud

import (
	"context"
	"fmt"
)

// PrepareDataMigration rebuilds the action queue from the full local
// dataset: the queue is cleared, then every object of every registered
// collection is queued as a push, in chunks, in registry order. Stats
// broadcasts are suppressed while the queue churns through the
// rebuild; listeners see one final update. Sync is enabled and started
// when the rebuild is queued.
//
// The queued actions are drained by the normal push pipeline;
// RunDataMigration waits for that drain to finish.
func (c *Coordinator) PrepareDataMigration(ctx context.Context) error {
	c.setEventEmission(false)
	defer func() {
		c.setEventEmission(true)
		c.modifyStats(func(*Stats) {})
	}()

	if err := c.queue.ResetPendingActions(ctx); err != nil {
		return fmt.Errorf("failed to reset action queue: %w", err)
	}
	c.modifyStats(func(s *Stats) {
		s.PendingDownloads = 0
		s.PendingUploads = 0
	})

	for _, name := range c.opts.Registry.Names() {
		coll, _ := c.opts.Registry.Collection(name)
		objects, err := c.opts.Store.FindObjects(ctx, name, nil)
		if err != nil {
			return fmt.Errorf("failed to enumerate %s objects: %w", name, err)
		}

		for start := 0; start < len(objects); start += migrationChunkSize {
			end := min(start+migrationChunkSize, len(objects))

			bodies := make([][]byte, 0, end-start)
			for _, object := range objects[start:end] {
				action := PushObjectAction{Updates: []Update{OverwriteUpdate{
					UpdateInfo: c.updateInfo(name),
					Object:     c.preprocessObjectForPush(coll, object),
				}}}
				body, err := EncodeAction(action)
				if err != nil {
					return err
				}
				bodies = append(bodies, body)
			}
			if err := c.queue.ScheduleManyActions(ctx, bodies); err != nil {
				return fmt.Errorf("failed to queue %s migration chunk: %w", name, err)
			}
		}
	}

	if err := c.EnableSync(ctx); err != nil {
		return err
	}
	return c.StartSync(ctx)
}

// RunPassiveDataClean removes passively collected browsing data ahead
// of a first sync: pages nothing points at (no annotation, no list
// entry) are deleted along with their visits and icon, and the
// surviving history keeps only the most recent visits. The deletions
// run through the regular mutation path, so they propagate to other
// devices once sync starts.
func (c *Coordinator) RunPassiveDataClean(ctx context.Context) error {
	return c.wipePassiveData(ctx, passiveVisitLimit)
}

func (c *Coordinator) wipePassiveData(ctx context.Context, visitLimit int) error {
	store := c.opts.Store

	referenced := make(map[string]bool)
	for _, coll := range []string{"annotations", "listEntries"} {
		if !c.opts.Registry.Has(coll) {
			continue
		}
		objects, err := store.FindObjects(ctx, coll, nil)
		if err != nil {
			return fmt.Errorf("failed to enumerate %s objects: %w", coll, err)
		}
		for _, object := range objects {
			if url, ok := object["pageUrl"].(string); ok {
				referenced[url] = true
			}
		}
	}

	pages, err := store.FindObjects(ctx, "pages", nil)
	if err != nil {
		return fmt.Errorf("failed to enumerate pages: %w", err)
	}
	for _, page := range pages {
		url, ok := page["url"].(string)
		if !ok || referenced[url] {
			continue
		}
		if err := store.DeleteObject(ctx, "pages", url); err != nil {
			return fmt.Errorf("failed to delete passive page: %w", err)
		}
		for _, coll := range []string{"visits", "icons"} {
			if !c.opts.Registry.Has(coll) {
				continue
			}
			field := "url"
			if coll == "icons" {
				field = "hostname"
			}
			if err := store.DeleteObjects(ctx, coll, map[string]any{field: url}); err != nil {
				return fmt.Errorf("failed to delete passive %s rows: %w", coll, err)
			}
		}
	}

	return c.trimVisits(ctx, visitLimit)
}

// trimVisits keeps only the visitLimit most recent visits per page.
func (c *Coordinator) trimVisits(ctx context.Context, visitLimit int) error {
	if !c.opts.Registry.Has("visits") {
		return nil
	}
	visits, err := c.opts.Store.FindObjects(ctx, "visits", nil)
	if err != nil {
		return fmt.Errorf("failed to enumerate visits: %w", err)
	}

	byPage := make(map[string][]map[string]any)
	for _, visit := range visits {
		if url, ok := visit["url"].(string); ok {
			byPage[url] = append(byPage[url], visit)
		}
	}

	for url, pageVisits := range byPage {
		if len(pageVisits) <= visitLimit {
			continue
		}
		// FindObjects returns rows in key order; for visits the key is
		// (url, time), so the oldest come first.
		for _, visit := range pageVisits[:len(pageVisits)-visitLimit] {
			t, ok := visit["time"]
			if !ok {
				continue
			}
			if err := c.opts.Store.DeleteObject(ctx, "visits", []any{url, t}); err != nil {
				return fmt.Errorf("failed to trim visits for %s: %w", url, err)
			}
		}
	}
	return nil
}
