package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTransitionPair(t *testing.T) (*SQLiteRepository, *SQLiteRepository) {
	t.Helper()
	return newTestRepo(t), newTestRepo(t)
}

func seedItems(t *testing.T, repo *SQLiteRepository, userUUID string, uuids []string) {
	t.Helper()
	ctx := context.Background()
	for i, u := range uuids {
		_, err := repo.Save(ctx, &Item{
			UUID:               u,
			UserUUID:           userUUID,
			ContentType:        ContentTypeNote,
			Content:            []byte("content"),
			CreatedAtTimestamp: int64(i + 1),
			UpdatedAtTimestamp: int64(i + 1),
		})
		require.NoError(t, err)
	}
}

func TestTransitionRunner_Run_CopiesAndVerifiesAllItems(t *testing.T) {
	source, target := newTransitionPair(t)
	seedItems(t, source, "user-1", []string{"item-1", "item-2", "item-3"})

	runner := NewTransitionRunner(source, target, NewClock(), nil, TransitionConfig{
		TransitionType: "primary_to_secondary",
		PageSize:       2,
		SettleDelay:    time.Millisecond,
	}, nil)

	status, err := runner.Run(context.Background(), "user-1")
	require.NoError(t, err)
	require.Equal(t, TransitionVerified, status.Status)

	items, err := target.FindAll(context.Background(), ItemQuery{UserUUID: "user-1"})
	require.NoError(t, err)
	require.Len(t, items, 3)
}

func TestTransitionRunner_Run_CleansUpSourceAfterVerification(t *testing.T) {
	source, target := newTransitionPair(t)
	seedItems(t, source, "user-1", []string{"item-1"})

	runner := NewTransitionRunner(source, target, NewClock(), nil, TransitionConfig{
		TransitionType: "primary_to_secondary",
		PageSize:       10,
		SettleDelay:    time.Millisecond,
	}, nil)

	_, err := runner.Run(context.Background(), "user-1")
	require.NoError(t, err)

	remaining, err := source.FindAll(context.Background(), ItemQuery{UserUUID: "user-1"})
	require.NoError(t, err)
	require.Empty(t, remaining)
}

func TestTransitionRunner_Run_AlreadyMigratedShortCircuitsToVerified(t *testing.T) {
	source, target := newTransitionPair(t)
	seedItems(t, source, "user-1", []string{"item-1"})
	seedItems(t, target, "user-1", []string{"item-1"})

	runner := NewTransitionRunner(source, target, NewClock(), nil, TransitionConfig{
		TransitionType: "primary_to_secondary",
		PageSize:       10,
		SettleDelay:    time.Millisecond,
	}, nil)

	status, err := runner.Run(context.Background(), "user-1")
	require.NoError(t, err)
	require.Equal(t, TransitionVerified, status.Status)

	// Already-migrated short circuit must not run cleanup: source item stays.
	remaining, err := source.FindAll(context.Background(), ItemQuery{UserUUID: "user-1"})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
}

func TestTransitionRunner_Run_VerifiedStatusIsANoOpOnRerun(t *testing.T) {
	source, target := newTransitionPair(t)
	seedItems(t, source, "user-1", []string{"item-1", "item-2"})

	runner := NewTransitionRunner(source, target, NewClock(), nil, TransitionConfig{
		TransitionType: "primary_to_secondary",
		PageSize:       1,
		SettleDelay:    time.Millisecond,
	}, nil)

	status, err := runner.Run(context.Background(), "user-1")
	require.NoError(t, err)
	require.Equal(t, TransitionVerified, status.Status)

	// Running again after verification is a no-op that returns the cached status.
	status2, err := runner.Run(context.Background(), "user-1")
	require.NoError(t, err)
	require.Equal(t, TransitionVerified, status2.Status)
}

// A run that crashed mid-copy with paging_progress=5 must resume
// iteration at page 5 on restart, not restart from page 1. 10 items at
// page size 2 means pages 1-4 cover items 1-8; persisting
// PagingProgress=5 before Run should leave items 1-8 uncopied and copy
// only items 9-10 (page 5).
func TestTransitionRunner_Run_ResumesCopyFromPersistedPagingProgress(t *testing.T) {
	source, target := newTransitionPair(t)
	uuids := []string{
		"item-1", "item-2", "item-3", "item-4", "item-5",
		"item-6", "item-7", "item-8", "item-9", "item-10",
	}
	seedItems(t, source, "user-1", uuids)

	require.NoError(t, source.SaveTransitionStatus(context.Background(), &TransitionStatus{
		UserUUID:          "user-1",
		TransitionType:    "primary_to_secondary",
		PagingProgress:    5,
		IntegrityProgress: 1,
		Status:            TransitionInProgress,
	}))

	runner := NewTransitionRunner(source, target, NewClock(), nil, TransitionConfig{
		TransitionType: "primary_to_secondary",
		PageSize:       2,
		SettleDelay:    time.Millisecond,
	}, nil)

	_, err := runner.Run(context.Background(), "user-1")
	require.NoError(t, err)

	copied, err := target.FindAll(context.Background(), ItemQuery{UserUUID: "user-1"})
	require.NoError(t, err)

	var copiedUUIDs []string
	for _, item := range copied {
		copiedUUIDs = append(copiedUUIDs, item.UUID)
	}

	require.ElementsMatch(t, []string{"item-9", "item-10"}, copiedUUIDs,
		"resuming from paging_progress=5 must skip pages 1-4 (items 1-8) entirely, copying only page 5 onward")
}
