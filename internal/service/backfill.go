package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mmcdole/pixmirror/internal/domain"
)

const defaultBackfillBatch = 25

// backfill refreshes counters and flags of up to batch items recorded
// without metadata. Unavailable items are marked synced so they are not
// retried forever. Only ledger failures and cancellation are returned.
func backfill(ctx context.Context, repo domain.BookmarkRepository, s *domain.Session, ledger domain.Ledger, batch int, logger *slog.Logger) (int, error) {
	if batch <= 0 {
		batch = defaultBackfillBatch
	}
	ids, err := ledger.PendingMetadata(ctx, batch)
	if err != nil || len(ids) == 0 {
		return 0, err
	}

	logger.Info("backfilling metadata", "items", len(ids))
	done := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return done, err
		}

		d, err := repo.ItemDetail(ctx, s, id)
		switch {
		case errors.Is(err, domain.ErrItemUnavailable):
			logger.Debug("item unavailable, marking synced", "item", id)
		case errors.Is(err, domain.ErrRateLimited), errors.Is(err, domain.ErrAuth):
			logger.Warn("metadata backfill interrupted", "item", id, "error", err)
			return done, nil
		case err != nil:
			logger.Warn("failed to backfill metadata", "item", id, "error", err)
			continue
		default:
			if err := ledger.UpdateMetadata(ctx, domain.MetadataUpdateFrom(*d)); err != nil {
				return done, err
			}
		}

		if err := ledger.MarkMetadataSynced(ctx, id); err != nil {
			return done, err
		}
		done++
	}
	return done, nil
}
