package cache

import (
	"context"
	"time"

	"github.com/jprillam8/gnsstk/internal/metrics"
)

// storeChanged reports whether the store moved on since the window was built.
func (c *SnapshotCache) storeChanged() bool {
	return c.store.Version() != c.builtVersion.Load()
}

// performRebuild recomputes the whole window from the current store and
// swaps it in. Reads keep hitting the previous window until the swap.
func (c *SnapshotCache) performRebuild(ctx context.Context) {
	version := c.store.Version()
	c.logger.Info("cache rebuild starting",
		"old_store_version", c.builtVersion.Load(),
		"new_store_version", version,
	)

	c.rebuilding.Store(true)
	defer c.rebuilding.Store(false)

	start := time.Now()
	entries := c.buildWindow(ctx, version)
	if ctx.Err() != nil {
		c.logger.Warn("cache rebuild cancelled by context")
		return
	}

	c.replaceAll(entries)
	c.builtVersion.Store(version)
	c.rebuilds.Add(1)
	metrics.IncCacheRebuilds()

	c.logger.Info("cache rebuild complete",
		"duration_ms", time.Since(start).Milliseconds(),
		"entries", len(entries),
	)
}
