package sync

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeVaults struct {
	memberships []SharedVaultUser
}

func (f fakeVaults) FindAllForUser(_ context.Context, userUUID string) ([]SharedVaultUser, error) {
	var own []SharedVaultUser
	for _, m := range f.memberships {
		if m.UserUUID == userUUID {
			own = append(own, m)
		}
	}
	return own, nil
}

type fakeUserEvents struct {
	removed int
	created int
}

func (f *fakeUserEvents) RemoveUserEventsAfterItemAddedToSharedVault(context.Context, string, string, string) error {
	f.removed++
	return nil
}

func (f *fakeUserEvents) CreateItemRemovedFromSharedVaultUserEvent(context.Context, string, string, string) error {
	f.created++
	return nil
}

type fakePublisher struct {
	events []DomainEvent
}

func (f *fakePublisher) Publish(_ context.Context, event DomainEvent) error {
	f.events = append(f.events, event)
	return nil
}

func newTestService(t *testing.T, vaults []SharedVaultUser) (*Service, *SQLiteRepository, *fakePublisher, *fakeUserEvents) {
	t.Helper()
	repo := newTestRepo(t)
	publisher := &fakePublisher{}
	userEvents := &fakeUserEvents{}

	svc := NewService(repo, NewClock(), fakeVaults{memberships: vaults}, userEvents, publisher, ServiceConfig{
		DefaultLimit:          150,
		MaxSyncLimit:          1000,
		ContentTransferBudget: 1 << 20,
	}, nil)

	return svc, repo, publisher, userEvents
}

func TestService_SaveItems_CreatesNewItemAndEmitsRevisionEvent(t *testing.T) {
	svc, _, publisher, _ := newTestService(t, nil)
	ctx := context.Background()

	result, err := svc.SaveItems(ctx, SaveItemsRequest{
		UserUUID: "user-1",
		ItemHashes: []ItemHash{
			{UUID: "item-1", ContentSet: true, Content: []byte("hi"), ContentType: ctp(ContentTypeNote)},
		},
	})
	require.NoError(t, err)
	require.Len(t, result.SavedItems, 1)
	require.Empty(t, result.Conflicts)
	require.NotEmpty(t, result.SyncToken)

	require.Len(t, publisher.events, 1)
	require.Equal(t, EventItemRevisionCreationRequested, publisher.events[0].Name)
}

func TestService_SaveItems_ReadOnlyAccessProducesConflictWithoutWriting(t *testing.T) {
	svc, repo, _, _ := newTestService(t, nil)
	ctx := context.Background()

	result, err := svc.SaveItems(ctx, SaveItemsRequest{
		UserUUID:       "user-1",
		ReadOnlyAccess: true,
		ItemHashes:     []ItemHash{{UUID: "item-1", ContentSet: true, Content: []byte("hi")}},
	})
	require.NoError(t, err)
	require.Empty(t, result.SavedItems)
	require.Len(t, result.Conflicts, 1)
	require.Equal(t, ConflictReadOnly, result.Conflicts[0].Type)

	found, err := repo.FindByUUID(ctx, "user-1", "item-1", nil)
	require.NoError(t, err)
	require.Nil(t, found)
}

func TestService_SaveItems_UUIDCollisionAcrossUsersReportsConflict(t *testing.T) {
	svc, _, _, _ := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.SaveItems(ctx, SaveItemsRequest{
		UserUUID:   "user-1",
		ItemHashes: []ItemHash{{UUID: "shared-uuid", ContentSet: true, Content: []byte("a"), ContentType: ctp(ContentTypeNote)}},
	})
	require.NoError(t, err)

	result, err := svc.SaveItems(ctx, SaveItemsRequest{
		UserUUID:   "user-2",
		ItemHashes: []ItemHash{{UUID: "shared-uuid", ContentSet: true, Content: []byte("b"), ContentType: ctp(ContentTypeNote)}},
	})
	require.NoError(t, err)
	require.Empty(t, result.SavedItems)
	require.Len(t, result.Conflicts, 1)
	require.Equal(t, ConflictUUID, result.Conflicts[0].Type)
}

func TestService_SaveItems_WriteToSharedVaultWithoutMembershipConflicts(t *testing.T) {
	svc, _, _, _ := newTestService(t, nil)
	ctx := context.Background()

	result, err := svc.SaveItems(ctx, SaveItemsRequest{
		UserUUID: "user-1",
		ItemHashes: []ItemHash{
			{UUID: "item-1", ContentSet: true, Content: []byte("hi"), SharedVaultUUID: strp("vault-1")},
		},
	})
	require.NoError(t, err)
	require.Empty(t, result.SavedItems)
	require.Len(t, result.Conflicts, 1)
	require.Equal(t, ConflictSharedVaultPerm, result.Conflicts[0].Type)
}

func TestService_SaveItems_WriteToSharedVaultWithMembershipSucceedsAndEmitsEvent(t *testing.T) {
	svc, _, _, userEvents := newTestService(t, []SharedVaultUser{
		{UserUUID: "user-1", SharedVaultUUID: "vault-1", Permission: VaultPermissionWrite},
	})
	ctx := context.Background()

	result, err := svc.SaveItems(ctx, SaveItemsRequest{
		UserUUID: "user-1",
		ItemHashes: []ItemHash{
			{UUID: "item-1", ContentSet: true, Content: []byte("hi"), ContentType: ctp(ContentTypeNote), SharedVaultUUID: strp("vault-1")},
		},
	})
	require.NoError(t, err)
	require.Len(t, result.SavedItems, 1)
	require.Equal(t, "vault-1", result.SavedItems[0].SharedVaultUUID)
	require.Equal(t, 1, userEvents.removed)
}

func TestService_SaveItems_SecondVaultMemberUpdatesAnotherMembersVaultItem(t *testing.T) {
	svc, _, _, _ := newTestService(t, []SharedVaultUser{
		{UserUUID: "user-1", SharedVaultUUID: "vault-1", Permission: VaultPermissionWrite},
		{UserUUID: "user-2", SharedVaultUUID: "vault-1", Permission: VaultPermissionWrite},
	})
	ctx := context.Background()

	created, err := svc.SaveItems(ctx, SaveItemsRequest{
		UserUUID: "user-1",
		ItemHashes: []ItemHash{
			{UUID: "shared-note", ContentSet: true, Content: []byte("v1"), ContentType: ctp(ContentTypeNote), SharedVaultUUID: strp("vault-1")},
		},
	})
	require.NoError(t, err)
	require.Len(t, created.SavedItems, 1)
	require.Empty(t, created.Conflicts)

	updated, err := svc.SaveItems(ctx, SaveItemsRequest{
		UserUUID: "user-2",
		ItemHashes: []ItemHash{
			{UUID: "shared-note", ContentSet: true, Content: []byte("v2"), UpdatedAtTimestamp: i64p(created.SavedItems[0].UpdatedAtTimestamp)},
		},
	})
	require.NoError(t, err)
	require.Empty(t, updated.Conflicts)
	require.Len(t, updated.SavedItems, 1)
	require.Equal(t, "v2", string(updated.SavedItems[0].Content))
	require.Equal(t, "vault-1", updated.SavedItems[0].SharedVaultUUID)
}

func TestService_SaveItems_ReadOnlyVaultMemberCannotEditAnotherMembersItem(t *testing.T) {
	svc, _, _, _ := newTestService(t, []SharedVaultUser{
		{UserUUID: "user-1", SharedVaultUUID: "vault-1", Permission: VaultPermissionWrite},
		{UserUUID: "user-2", SharedVaultUUID: "vault-1", Permission: VaultPermissionRead},
	})
	ctx := context.Background()

	created, err := svc.SaveItems(ctx, SaveItemsRequest{
		UserUUID: "user-1",
		ItemHashes: []ItemHash{
			{UUID: "shared-note", ContentSet: true, Content: []byte("v1"), ContentType: ctp(ContentTypeNote), SharedVaultUUID: strp("vault-1")},
		},
	})
	require.NoError(t, err)
	require.Len(t, created.SavedItems, 1)

	// user-2 omits shared_vault_uuid on the hash (a plain content edit), so
	// the permission check must still resolve against the existing item's
	// vault rather than silently passing.
	attempted, err := svc.SaveItems(ctx, SaveItemsRequest{
		UserUUID: "user-2",
		ItemHashes: []ItemHash{
			{UUID: "shared-note", ContentSet: true, Content: []byte("v2"), UpdatedAtTimestamp: i64p(created.SavedItems[0].UpdatedAtTimestamp)},
		},
	})
	require.NoError(t, err)
	require.Empty(t, attempted.SavedItems)
	require.Len(t, attempted.Conflicts, 1)
	require.Equal(t, ConflictSharedVaultPerm, attempted.Conflicts[0].Type)
}

func TestService_SaveItems_RemovalFromSharedVaultEmitsUserEvent(t *testing.T) {
	svc, _, _, userEvents := newTestService(t, []SharedVaultUser{
		{UserUUID: "user-1", SharedVaultUUID: "vault-1", Permission: VaultPermissionWrite},
	})
	ctx := context.Background()

	created, err := svc.SaveItems(ctx, SaveItemsRequest{
		UserUUID: "user-1",
		ItemHashes: []ItemHash{
			{UUID: "item-1", ContentSet: true, Content: []byte("hi"), ContentType: ctp(ContentTypeNote), SharedVaultUUID: strp("vault-1")},
		},
	})
	require.NoError(t, err)
	require.Len(t, created.SavedItems, 1)
	require.Equal(t, 1, userEvents.removed)

	result, err := svc.SaveItems(ctx, SaveItemsRequest{
		UserUUID: "user-1",
		ItemHashes: []ItemHash{
			{UUID: "item-1", ContentSet: true, Content: []byte("hi"), SharedVaultUUID: strp(""), UpdatedAtTimestamp: i64p(created.SavedItems[0].UpdatedAtTimestamp)},
		},
	})
	require.NoError(t, err)
	require.Len(t, result.SavedItems, 1)
	require.Empty(t, result.SavedItems[0].SharedVaultUUID)
	require.Equal(t, 1, userEvents.created)
}

func TestService_SaveItems_RevisionEventOnlyFiresOnceWithinFrequencyWindow(t *testing.T) {
	repo := newTestRepo(t)
	publisher := &fakePublisher{}
	svc := NewService(repo, NewClock(), fakeVaults{}, &fakeUserEvents{}, publisher, ServiceConfig{
		DefaultLimit:          150,
		MaxSyncLimit:          1000,
		ContentTransferBudget: 1 << 20,
		RevisionFrequency:     time.Hour,
	}, nil)
	ctx := context.Background()

	first, err := svc.SaveItems(ctx, SaveItemsRequest{
		UserUUID: "user-1",
		ItemHashes: []ItemHash{
			{UUID: "note-1", ContentSet: true, Content: []byte("v1"), ContentType: ctp(ContentTypeNote)},
		},
	})
	require.NoError(t, err)
	require.Len(t, publisher.events, 1)
	require.Equal(t, EventItemRevisionCreationRequested, publisher.events[0].Name)

	// Second save lands well inside the revision-frequency window (the
	// monotonic clock only ticks by microseconds between calls), so no
	// second revision event should fire.
	_, err = svc.SaveItems(ctx, SaveItemsRequest{
		UserUUID: "user-1",
		ItemHashes: []ItemHash{
			{UUID: "note-1", ContentSet: true, Content: []byte("v2"), UpdatedAtTimestamp: i64p(first.SavedItems[0].UpdatedAtTimestamp)},
		},
	})
	require.NoError(t, err)
	require.Len(t, publisher.events, 1, "no new revision event should fire inside the frequency window")

	// A third save whose declared updated_at_timestamp is far enough in the
	// past that the elapsed gap exceeds RevisionFrequency must fire again.
	past := first.SavedItems[0].UpdatedAtTimestamp - int64(2*time.Hour/time.Microsecond)
	_, err = repo.Save(ctx, &Item{
		UUID: "note-1", UserUUID: "user-1", ContentType: ContentTypeNote,
		Content: []byte("v2"), CreatedAtTimestamp: past, UpdatedAtTimestamp: past,
	})
	require.NoError(t, err)

	_, err = svc.SaveItems(ctx, SaveItemsRequest{
		UserUUID: "user-1",
		ItemHashes: []ItemHash{
			{UUID: "note-1", ContentSet: true, Content: []byte("v3"), UpdatedAtTimestamp: i64p(past)},
		},
	})
	require.NoError(t, err)
	require.Len(t, publisher.events, 2, "elapsed gap beyond the frequency window must emit a fresh revision event")
	require.Equal(t, EventItemRevisionCreationRequested, publisher.events[1].Name)
}

func TestService_GetItems_ReturnsSyncTokenWhenUnderBudget(t *testing.T) {
	svc, _, _, _ := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.SaveItems(ctx, SaveItemsRequest{
		UserUUID: "user-1",
		ItemHashes: []ItemHash{
			{UUID: "item-1", ContentSet: true, Content: []byte("a"), ContentType: ctp(ContentTypeNote)},
			{UUID: "item-2", ContentSet: true, Content: []byte("b"), ContentType: ctp(ContentTypeNote)},
		},
	})
	require.NoError(t, err)

	result, err := svc.GetItems(ctx, GetItemsRequest{UserUUID: "user-1"})
	require.NoError(t, err)
	require.Len(t, result.RetrievedItems, 2)
	require.NotEmpty(t, result.SyncToken)
	require.Empty(t, result.CursorToken)
}

func TestService_GetItems_InitialSyncFrontLoadsItemsKeyTruncatedByBudget(t *testing.T) {
	repo := newTestRepo(t)
	svc := NewService(repo, NewClock(), fakeVaults{}, &fakeUserEvents{}, &fakePublisher{}, ServiceConfig{
		DefaultLimit:          150,
		MaxSyncLimit:          1000,
		ContentTransferBudget: 1, // forces everything after the first item to be cut
	}, nil)
	ctx := context.Background()

	_, err := svc.SaveItems(ctx, SaveItemsRequest{
		UserUUID: "user-1",
		ItemHashes: []ItemHash{
			{UUID: "note-1", ContentSet: true, Content: []byte("a"), ContentType: ctp(ContentTypeNote)},
			{UUID: "key-1", ContentSet: true, Content: []byte("k"), ContentType: ctp(ContentTypeItemsKey)},
		},
	})
	require.NoError(t, err)

	result, err := svc.GetItems(ctx, GetItemsRequest{UserUUID: "user-1"})
	require.NoError(t, err)
	require.Len(t, result.RetrievedItems, 2)
	require.Equal(t, "key-1", result.RetrievedItems[0].UUID)
	require.NotEmpty(t, result.CursorToken)
}

func TestService_SaveItems_TombstoneClearsContentAndEnvelope(t *testing.T) {
	svc, repo, _, _ := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.SaveItems(ctx, SaveItemsRequest{
		UserUUID: "user-1",
		ItemHashes: []ItemHash{{
			UUID: "item-1", ContentSet: true, Content: []byte("secret"),
			ContentType: ctp(ContentTypeNote),
			EncItemKey:  strp("ek"), AuthHash: strp("ah"), ItemsKeyID: strp("ik"),
		}},
	})
	require.NoError(t, err)

	deleted := true
	result, err := svc.SaveItems(ctx, SaveItemsRequest{
		UserUUID:   "user-1",
		ItemHashes: []ItemHash{{UUID: "item-1", Deleted: &deleted}},
	})
	require.NoError(t, err)
	require.Len(t, result.SavedItems, 1)

	found, err := repo.FindByUUID(ctx, "user-1", "item-1", nil)
	require.NoError(t, err)
	require.True(t, found.Deleted)
	require.Nil(t, found.Content)
	require.Zero(t, found.ContentSize)
	require.Empty(t, found.EncItemKey)
	require.Empty(t, found.AuthHash)
	require.Empty(t, found.ItemsKeyID)
}

func TestService_GetItems_InitialSyncHidesTombstones(t *testing.T) {
	svc, _, _, _ := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.SaveItems(ctx, SaveItemsRequest{
		UserUUID: "user-1",
		ItemHashes: []ItemHash{
			{UUID: "item-a", ContentSet: true, Content: []byte("live"), ContentType: ctp(ContentTypeNote)},
			{UUID: "item-b", ContentSet: true, Content: []byte("doomed"), ContentType: ctp(ContentTypeNote)},
		},
	})
	require.NoError(t, err)

	deleted := true
	_, err = svc.SaveItems(ctx, SaveItemsRequest{
		UserUUID:   "user-1",
		ItemHashes: []ItemHash{{UUID: "item-b", Deleted: &deleted}},
	})
	require.NoError(t, err)

	result, err := svc.GetItems(ctx, GetItemsRequest{UserUUID: "user-1"})
	require.NoError(t, err)
	require.Len(t, result.RetrievedItems, 1)
	require.Equal(t, "item-a", result.RetrievedItems[0].UUID)

	// The sync token points one microsecond past the highest delivered
	// timestamp, so a follow-up sync does not re-fetch the boundary item.
	ts, comparator, err := DecodeToken(result.SyncToken)
	require.NoError(t, err)
	require.Equal(t, result.RetrievedItems[0].UpdatedAtTimestamp+1, ts)
	require.Equal(t, ComparatorGreaterThan, comparator)

	// A chained sync with that token delivers the tombstone, since the
	// client now needs to learn of deletions.
	next, err := svc.GetItems(ctx, GetItemsRequest{UserUUID: "user-1", SyncToken: result.SyncToken})
	require.NoError(t, err)
	require.Len(t, next.RetrievedItems, 1)
	require.Equal(t, "item-b", next.RetrievedItems[0].UUID)
	require.True(t, next.RetrievedItems[0].Deleted)
}

func TestService_GetItems_CursorPaginationUnderTransferBudget(t *testing.T) {
	repo := newTestRepo(t)
	svc := NewService(repo, NewClock(), fakeVaults{}, &fakeUserEvents{}, &fakePublisher{}, ServiceConfig{
		DefaultLimit:          150,
		MaxSyncLimit:          1000,
		ContentTransferBudget: 100,
	}, nil)
	ctx := context.Background()

	// Canonical size = 24 bytes of field framing + content + content type,
	// so 32 bytes of content in a Note comes to 60 bytes: two of those
	// exceed the 100-byte budget, forcing one item per page.
	big := bytes.Repeat([]byte("x"), 32)

	_, err := svc.SaveItems(ctx, SaveItemsRequest{
		UserUUID: "user-1",
		ItemHashes: []ItemHash{
			{UUID: "item-a", ContentSet: true, Content: big, ContentType: ctp(ContentTypeNote)},
			{UUID: "item-b", ContentSet: true, Content: big, ContentType: ctp(ContentTypeNote)},
			{UUID: "item-c", ContentSet: true, Content: []byte("tiny"), ContentType: ctp(ContentTypeNote)},
		},
	})
	require.NoError(t, err)

	first, err := svc.GetItems(ctx, GetItemsRequest{UserUUID: "user-1"})
	require.NoError(t, err)
	require.Len(t, first.RetrievedItems, 1)
	require.Equal(t, "item-a", first.RetrievedItems[0].UUID)
	require.NotEmpty(t, first.CursorToken)
	require.Empty(t, first.SyncToken)

	second, err := svc.GetItems(ctx, GetItemsRequest{UserUUID: "user-1", CursorToken: first.CursorToken})
	require.NoError(t, err)
	require.Len(t, second.RetrievedItems, 1)
	require.Equal(t, "item-b", second.RetrievedItems[0].UUID)
	require.NotEmpty(t, second.CursorToken)

	third, err := svc.GetItems(ctx, GetItemsRequest{UserUUID: "user-1", CursorToken: second.CursorToken})
	require.NoError(t, err)
	require.Len(t, third.RetrievedItems, 1)
	require.Equal(t, "item-c", third.RetrievedItems[0].UUID)
	require.Empty(t, third.CursorToken)
	require.NotEmpty(t, third.SyncToken)

	final, err := svc.GetItems(ctx, GetItemsRequest{UserUUID: "user-1", SyncToken: third.SyncToken})
	require.NoError(t, err)
	require.Empty(t, final.RetrievedItems)
}

func TestService_SaveItems_DuplicateOfEmitsDuplicateItemSyncedEvent(t *testing.T) {
	svc, _, publisher, _ := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.SaveItems(ctx, SaveItemsRequest{
		UserUUID: "user-1",
		ItemHashes: []ItemHash{
			{UUID: "original", ContentSet: true, Content: []byte("v1"), ContentType: ctp(ContentTypeNote)},
			{UUID: "fork", ContentSet: true, Content: []byte("v1"), ContentType: ctp(ContentTypeNote), DuplicateOf: strp("original")},
		},
	})
	require.NoError(t, err)

	var duplicateEvents int
	for _, event := range publisher.events {
		if event.Name == EventDuplicateItemSynced {
			duplicateEvents++
			require.Equal(t, "fork", event.ItemUUID)
		}
	}
	require.Equal(t, 1, duplicateEvents)

	// Marking an existing item as a duplicate after the fact fires too.
	result, err := svc.SaveItems(ctx, SaveItemsRequest{
		UserUUID:   "user-1",
		ItemHashes: []ItemHash{{UUID: "original", DuplicateOf: strp("fork")}},
	})
	require.NoError(t, err)
	require.Len(t, result.SavedItems, 1)

	duplicateEvents = 0
	for _, event := range publisher.events {
		if event.Name == EventDuplicateItemSynced {
			duplicateEvents++
		}
	}
	require.Equal(t, 2, duplicateEvents)
}

func TestService_SaveItems_DuplicateResendIsSkippedWithoutError(t *testing.T) {
	svc, _, _, _ := newTestService(t, nil)
	ctx := context.Background()

	hash := ItemHash{UUID: "item-1", ContentSet: true, Content: []byte("hi"), ContentType: ctp(ContentTypeNote)}

	first, err := svc.SaveItems(ctx, SaveItemsRequest{UserUUID: "user-1", ItemHashes: []ItemHash{hash}})
	require.NoError(t, err)
	require.Len(t, first.SavedItems, 1)

	second, err := svc.SaveItems(ctx, SaveItemsRequest{UserUUID: "user-1", ItemHashes: []ItemHash{hash}})
	require.NoError(t, err)
	require.Len(t, second.SavedItems, 1)
	require.Empty(t, second.Conflicts)
}
