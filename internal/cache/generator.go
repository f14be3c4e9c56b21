package cache

import (
	"context"
	"time"
)

// Start runs the cache maintenance loop: it waits for ephemeris, fills the
// window, then on every step computes the leading edge, evicts the trailing
// edge and rebuilds after store changes. Blocks until ctx is cancelled.
func (c *SnapshotCache) Start(ctx context.Context) {
	if !c.waitForData(ctx) {
		return
	}

	c.warmup(ctx)

	ticker := time.NewTicker(c.config.Step)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("cache generator stopped")
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// waitForData blocks until the store holds records, checking every second.
// Returns false if ctx is cancelled.
func (c *SnapshotCache) waitForData(ctx context.Context) bool {
	if c.store.Len() > 0 {
		return true
	}

	c.logger.Info("cache waiting for navigation data")
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if c.store.Len() > 0 {
				c.logger.Info("navigation data available, starting cache warmup")
				return true
			}
		}
	}
}

// warmup fills the window for the current store version.
func (c *SnapshotCache) warmup(ctx context.Context) {
	start := time.Now()
	version := c.store.Version()
	entries := c.buildWindow(ctx, version)
	if ctx.Err() != nil {
		return
	}
	c.replaceAll(entries)
	c.builtVersion.Store(version)

	c.logger.Info("cache warmup complete",
		"generated", len(entries),
		"store_version", version,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// buildWindow computes every snapshot of [now, now+horizon]. Epochs that
// fail are skipped.
func (c *SnapshotCache) buildWindow(ctx context.Context, version uint64) map[time.Time]*Entry {
	now := c.RoundToStep(c.now())
	numFrames := int(c.config.Horizon/c.config.Step) + 1
	entries := make(map[time.Time]*Entry, numFrames)

	for i := 0; i < numFrames; i++ {
		if ctx.Err() != nil {
			return entries
		}
		target := now.Add(time.Duration(i) * c.config.Step)
		snap, err := c.snap.SnapshotAt(ctx, target, nil)
		if err != nil {
			c.logger.Warn("cache snapshot failed",
				"time", target.Format(time.RFC3339),
				"error", err,
			)
			continue
		}
		entries[target] = &Entry{Snapshot: snap, StoreVersion: version, GeneratedAt: time.Now()}
	}
	return entries
}

// tick runs one iteration of the maintenance loop.
func (c *SnapshotCache) tick(ctx context.Context) {
	if c.storeChanged() {
		c.performRebuild(ctx)
		return
	}
	c.generateLeadingEdge(ctx)
	c.evictExpired()
}

// generateLeadingEdge computes the snapshot at the leading edge of the window.
func (c *SnapshotCache) generateLeadingEdge(ctx context.Context) {
	target := c.RoundToStep(c.now().Add(c.config.Horizon))

	c.mu.RLock()
	_, ok := c.entries[target]
	c.mu.RUnlock()
	if ok {
		return
	}

	version := c.store.Version()
	snap, err := c.snap.SnapshotAt(ctx, target, nil)
	if err != nil {
		c.logger.Warn("leading edge snapshot failed",
			"time", target.Format(time.RFC3339),
			"error", err,
		)
		return
	}
	c.put(snap, version)
	c.logger.Debug("leading edge generated", "time", target.Format(time.RFC3339))
}
