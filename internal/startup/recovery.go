// Package startup runs the one-shot recovery tasks that put the catalog and
// the videos directory back into a consistent state after a crash or restart.
package startup

import (
	"context"
	"log/slog"
	"time"

	"github.com/vidarr/vidarr/internal/repository"
	"github.com/vidarr/vidarr/internal/storage"
)

// DefaultTmpMaxAge is how old an in-progress fetch file must be before boot
// recovery reclaims it. Young tmp files may belong to a download that is about
// to be resumed.
const DefaultTmpMaxAge = 7 * 24 * time.Hour

// RecoverQueue returns every item stuck in downloading or muxing to pending.
// The in-memory worker state is lost on restart, so without this the rows
// would never be picked up again.
//
// Returns the number of items recovered.
func RecoverQueue(ctx context.Context, logger *slog.Logger, catalog repository.Catalog) (int64, error) {
	recovered, err := catalog.ResetOrphanedDownloads(ctx)
	if err != nil {
		logger.Error("failed to recover orphaned queue items",
			"error", err,
		)
		return 0, err
	}
	if recovered > 0 {
		logger.Warn("recovered orphaned queue items",
			"count", recovered,
		)
	}
	return recovered, nil
}

// CollectStaleTmp removes partial fetch files older than maxAge from the
// videos directory. Fresh tmp files are preserved so a resumed download can
// continue from its existing offset.
//
// Returns the number of files removed.
func CollectStaleTmp(logger *slog.Logger, library *storage.Library, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = DefaultTmpMaxAge
	}

	removed, err := library.CollectStaleTmp(maxAge)
	if err != nil {
		logger.Error("failed to collect stale tmp files",
			"error", err,
		)
		return 0, err
	}
	if removed > 0 {
		logger.Info("collected stale tmp files",
			"count", removed,
			"max_age", maxAge.String(),
		)
	}
	return removed, nil
}

// Run performs all boot recovery tasks. Failures are logged but only the
// catalog recovery error is fatal; a tmp sweep failure never blocks startup.
func Run(ctx context.Context, logger *slog.Logger, catalog repository.Catalog, library *storage.Library, tmpMaxAge time.Duration) error {
	if _, err := RecoverQueue(ctx, logger, catalog); err != nil {
		return err
	}
	_, _ = CollectStaleTmp(logger, library, tmpMaxAge)
	return nil
}
