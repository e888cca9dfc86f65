package service

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"identity-service/internal/config"
	"identity-service/internal/events"
	"identity-service/internal/models"
	"identity-service/internal/repository"
	"identity-service/internal/util"
)

// purgeParallelism bounds how many identities are cascaded at once.
// The cascade within one identity is a single atomic batch; only the
// fan-out across identities runs concurrently.
const purgeParallelism = 8

// DeletionService implements the two-phase account deletion: a soft
// request starts the grace period, the purge trigger hard-deletes
// everything past it.
type DeletionService struct {
	store   repository.IdentityStore
	emitter events.Emitter
	cfg     *config.Config
}

func NewDeletionService(store repository.IdentityStore, emitter events.Emitter, cfg *config.Config) *DeletionService {
	return &DeletionService{
		store:   store,
		emitter: emitter,
		cfg:     cfg,
	}
}

// RequestDeletion schedules the identity for purge after the grace
// period. Repeated calls reset the window from the latest call.
func (s *DeletionService) RequestDeletion(ctx context.Context, identityID string) (time.Time, error) {
	identity, err := s.store.GetIdentity(ctx, identityID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return time.Time{}, ErrNotFound
		}
		return time.Time{}, err
	}

	now := time.Now().UTC()
	scheduledAt := now.Add(s.cfg.Deletion.GracePeriod)

	if err := s.store.ScheduleDeletion(ctx, identity, now, scheduledAt); err != nil {
		return time.Time{}, err
	}

	s.emitter.Emit(ctx, models.IdentityEvent{
		IdentityID: identity.ID,
		EventType:  models.EventDeletionRequested,
	})

	util.Info("account deletion scheduled",
		zap.String("identity_id", identity.ID),
		zap.Time("scheduled_at", scheduledAt))
	return scheduledAt, nil
}

// PurgeDue hard-deletes every identity whose grace period has elapsed.
// Identities are processed independently: a failure on one is logged
// and skipped, never aborting the rest. Returns the number purged.
func (s *DeletionService) PurgeDue(ctx context.Context, now time.Time) (int, error) {
	due, err := s.store.DueDeletions(ctx, now, s.cfg.Deletion.ScanBackDays)
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}

	var purged atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(purgeParallelism)

	for _, row := range due {
		row := row
		g.Go(func() error {
			identity, err := s.store.GetIdentity(gctx, row.IdentityID)
			if err != nil {
				util.Error("purge: failed to load identity",
					zap.String("identity_id", row.IdentityID),
					zap.Error(err))
				return nil
			}
			if !identity.PurgeEligible(now) {
				// The schedule moved after this row was written
				// (deletion re-requested); the newer row will pick
				// it up.
				return nil
			}

			if err := s.store.PurgeIdentity(gctx, identity); err != nil {
				util.Error("purge: cascade failed",
					zap.String("identity_id", identity.ID),
					zap.Error(err))
				return nil
			}

			purged.Add(1)
			s.emitter.Emit(gctx, models.IdentityEvent{
				IdentityID: identity.ID,
				EventType:  models.EventIdentityPurged,
			})
			return nil
		})
	}

	// Workers never return errors; Wait is just the join point.
	_ = g.Wait()

	util.Info("purge pass completed",
		zap.Int("due", len(due)),
		zap.Int64("purged", purged.Load()))
	return int(purged.Load()), nil
}
