package sync

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

// TransitionConfig carries the deploy-configured knobs for the
// TransitionRunner.
type TransitionConfig struct {
	TransitionType string
	PageSize       int
	SettleDelay    time.Duration
}

// TransitionRunner moves one user's items from a source store to a target
// store, resumably: precondition, copy, settle, verify, cleanup,
// finalize. Source and target are named "primary"/"secondary" only by the
// caller's choice of which Store to pass where — the runner itself treats
// them symmetrically. Per-user, per-phase mutual exclusion uses
// golang.org/x/sync/singleflight: the lock covers one phase only, so a
// crashed run can be resumed without waiting out a stale whole-run lock.
type TransitionRunner struct {
	source    Store
	target    Store
	clock     *Clock
	publisher DomainEventPublisher
	cfg       TransitionConfig
	log       *slog.Logger

	phaseLock singleflight.Group
}

// NewTransitionRunner constructs a TransitionRunner.
func NewTransitionRunner(source, target Store, clock *Clock, publisher DomainEventPublisher, cfg TransitionConfig, log *slog.Logger) *TransitionRunner {
	if log == nil {
		log = slog.Default()
	}
	return &TransitionRunner{source: source, target: target, clock: clock, publisher: publisher, cfg: cfg, log: log}
}

// Run executes (or resumes) the transition for userUUID, returning the
// final status record.
func (t *TransitionRunner) Run(ctx context.Context, userUUID string) (*TransitionStatus, error) {
	log := t.log.With(slog.String("user_uuid", userUUID), slog.String("transition_type", t.cfg.TransitionType))

	status, err := t.loadOrInitStatus(ctx, userUUID)
	if err != nil {
		return nil, WrapKind(KindTransient, err)
	}

	if status.Status == TransitionVerified {
		return status, nil
	}

	if status.Status == TransitionNotStarted {
		migrated, err := t.alreadyMigrated(ctx, userUUID)
		if err != nil {
			return nil, WrapKind(KindTransient, err)
		}
		if migrated {
			status.Status = TransitionVerified
			if err := t.saveStatus(ctx, status); err != nil {
				return nil, WrapKind(KindTransient, err)
			}
			t.emitStatus(ctx, log, userUUID, TransitionVerified)
			return status, nil
		}

		status.Status = TransitionInProgress
		if err := t.saveStatus(ctx, status); err != nil {
			return nil, WrapKind(KindTransient, err)
		}
	}

	if err := t.runPhase(userUUID, "copy", func() error {
		return t.copyPhase(ctx, log, userUUID, status)
	}); err != nil {
		return status, err
	}

	time.Sleep(t.cfg.SettleDelay)

	verified, err := t.verifyPhaseResult(ctx, log, userUUID, status)
	if err != nil {
		return status, err
	}

	if !verified {
		status.PagingProgress = 1
		status.IntegrityProgress = 1
		status.Status = TransitionFailed
		if err := t.saveStatus(ctx, status); err != nil {
			return status, WrapKind(KindTransient, err)
		}
		t.emitStatus(ctx, log, userUUID, TransitionFailed)
		return status, ErrTransitionVerifyFailed
	}

	if err := t.runPhase(userUUID, "cleanup", func() error {
		_, err := t.source.DeleteByUserUUIDAndNotInSharedVault(ctx, userUUID)
		return err
	}); err != nil {
		return status, WrapKind(KindTransient, err)
	}

	status.Status = TransitionVerified
	if err := t.saveStatus(ctx, status); err != nil {
		return status, WrapKind(KindTransient, err)
	}
	t.emitStatus(ctx, log, userUUID, TransitionVerified)

	return status, nil
}

// runPhase serializes one named phase per user via singleflight, so a
// phase in progress is never started twice concurrently for the same user,
// while leaving later phases free to run once this one completes.
func (t *TransitionRunner) runPhase(userUUID, phase string, fn func() error) error {
	key := userUUID + ":" + t.cfg.TransitionType + ":" + phase
	_, err, _ := t.phaseLock.Do(key, func() (any, error) {
		return nil, fn()
	})
	return err
}

func (t *TransitionRunner) loadOrInitStatus(ctx context.Context, userUUID string) (*TransitionStatus, error) {
	status, err := t.source.GetTransitionStatus(ctx, userUUID, t.cfg.TransitionType)
	if err != nil {
		return nil, err
	}
	if status == nil {
		status = &TransitionStatus{
			UserUUID:          userUUID,
			TransitionType:    t.cfg.TransitionType,
			PagingProgress:    1,
			IntegrityProgress: 1,
			Status:            TransitionNotStarted,
		}
	}
	return status, nil
}

func (t *TransitionRunner) saveStatus(ctx context.Context, status *TransitionStatus) error {
	return t.source.SaveTransitionStatus(ctx, status)
}

func (t *TransitionRunner) alreadyMigrated(ctx context.Context, userUUID string) (bool, error) {
	count, err := t.target.CountAll(ctx, ItemQuery{UserUUID: userUUID})
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// copyPhase streams the source's items page by page into the target,
// checkpointing paging progress at every page boundary so an interrupted
// run resumes at the same page.
func (t *TransitionRunner) copyPhase(ctx context.Context, log *slog.Logger, userUUID string, status *TransitionStatus) error {
	totalCount, err := t.source.CountAll(ctx, ItemQuery{UserUUID: userUUID})
	if err != nil {
		return err
	}

	pageSize := t.cfg.PageSize
	if pageSize <= 0 {
		pageSize = 1
	}
	totalPages := (totalCount + pageSize - 1) / pageSize
	reportEvery := totalPages / 10
	if reportEvery == 0 {
		reportEvery = 1
	}

	for page := status.PagingProgress; ; page++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		items, err := t.source.FindAll(ctx, ItemQuery{
			UserUUID: userUUID,
			SortKey:  SortByCreatedAt,
			SortDir:  SortAsc,
			Offset:   (page - 1) * pageSize,
			Limit:    pageSize,
		})
		if err != nil {
			return err
		}
		if len(items) == 0 {
			break
		}

		for _, item := range items {
			if err := t.copyItem(ctx, userUUID, item); err != nil {
				return err
			}
		}

		status.PagingProgress = page + 1
		if err := t.saveStatus(ctx, status); err != nil {
			return err
		}

		if page%reportEvery == 0 {
			t.emitStatus(ctx, log, userUUID, TransitionInProgress)
		}
	}

	return nil
}

// copyItem reconciles a single source item into the target store: a
// strictly newer target version wins, identical items are skipped, and a
// divergent target version is replaced after a settle delay.
func (t *TransitionRunner) copyItem(ctx context.Context, userUUID string, source *Item) error {
	target, err := t.target.FindByUUID(ctx, userUUID, source.UUID, nil)
	if err != nil {
		return err
	}

	if target != nil {
		if target.UpdatedAtTimestamp > source.UpdatedAtTimestamp {
			return nil
		}
		if isIdenticalTo(target, source) {
			return nil
		}

		time.Sleep(t.cfg.SettleDelay)
		if err := t.target.RemoveByUUID(ctx, userUUID, source.UUID); err != nil {
			return err
		}
	}

	_, err = t.target.Save(ctx, source)
	return err
}

// verifyPhaseResult runs the verify phase under its own per-user phase
// lock and reports whether verification succeeded.
func (t *TransitionRunner) verifyPhaseResult(ctx context.Context, log *slog.Logger, userUUID string, status *TransitionStatus) (bool, error) {
	var verified bool
	err := t.runPhase(userUUID, "verify", func() error {
		ok, err := t.verifyPhase(ctx, log, userUUID, status)
		verified = ok
		return err
	})
	return verified, err
}

// verifyPhase walks the target page by page, confirming every item
// exists identically in the source, checkpointing integrity progress.
func (t *TransitionRunner) verifyPhase(ctx context.Context, log *slog.Logger, userUUID string, status *TransitionStatus) (bool, error) {
	pageSize := t.cfg.PageSize
	if pageSize <= 0 {
		pageSize = 1
	}

	for page := status.IntegrityProgress; ; page++ {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		items, err := t.target.FindAll(ctx, ItemQuery{
			UserUUID: userUUID,
			SortKey:  SortByCreatedAt,
			SortDir:  SortAsc,
			Offset:   (page - 1) * pageSize,
			Limit:    pageSize,
		})
		if err != nil {
			return false, err
		}
		if len(items) == 0 {
			break
		}

		for _, targetItem := range items {
			sourceItem, err := t.source.FindByUUID(ctx, userUUID, targetItem.UUID, nil)
			if err != nil {
				return false, err
			}
			if sourceItem == nil {
				log.Warn("transition verify: missing source item", slog.String("item_uuid", targetItem.UUID))
				return false, nil
			}
			if sourceItem.UpdatedAtTimestamp > targetItem.UpdatedAtTimestamp {
				log.Warn("transition verify: source item diverged", slog.String("item_uuid", targetItem.UUID))
				return false, nil
			}
			if !isIdenticalTo(sourceItem, targetItem) {
				log.Warn("transition verify: content mismatch", slog.String("item_uuid", targetItem.UUID))
				return false, nil
			}
		}

		status.IntegrityProgress = page + 1
		if err := t.saveStatus(ctx, status); err != nil {
			return false, err
		}
	}

	return true, nil
}

func (t *TransitionRunner) emitStatus(ctx context.Context, log *slog.Logger, userUUID string, state TransitionState) {
	if t.publisher == nil {
		return
	}
	event := DomainEvent{
		Name:           EventTransitionStatusUpdated,
		UserUUID:       userUUID,
		TransitionType: t.cfg.TransitionType,
		Status:         state,
		Timestamp:      t.clock.NowMicros(),
	}
	if err := t.publisher.Publish(ctx, event); err != nil {
		log.Warn("failed to publish transition status event", slog.Any("error", err))
	}
}
