package scene

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gogpu/gpures/diag"
	"github.com/gogpu/gpures/registry"
)

// SyncAll syncs prims concurrently with at most limit workers; limit <= 0
// means no limit. The first error cancels the remaining syncs.
func SyncAll(ctx context.Context, d Delegate, reg *registry.Registry, prims []*Prim, limit int) error {
	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, p := range prims {
		g.Go(func() error { return p.Sync(ctx, d, reg) })
	}
	err := g.Wait()
	diag.Logger().Debug("scene: synced",
		slog.String("registry", reg.Label()),
		slog.Int("prims", len(prims)),
		slog.Duration("elapsed", time.Since(start)),
	)
	return err
}
