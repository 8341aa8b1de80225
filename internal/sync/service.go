package sync

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/vaultnotes/itemsync/pkg/canon"
)

// ServiceConfig carries the deploy-configured knobs the item service needs.
type ServiceConfig struct {
	DefaultLimit                int
	MaxSyncLimit                int
	ContentTransferBudget       int64
	RevisionFrequency           time.Duration
	SyncConflictToleranceMicros int64
}

// Service exposes the two sync entry points, GetItems and SaveItems,
// orchestrating the token codec, transfer calculator, save validator,
// and item repository. Each entry point is a short, logged pipeline of
// named steps rather than one long function, and every step is
// independently testable.
type Service struct {
	store      Store
	clock      *Clock
	vaults     SharedVaultUserRepository
	userEvents UserEventService
	publisher  DomainEventPublisher
	cfg        ServiceConfig
	log        *slog.Logger
}

// NewService constructs a Service from its collaborators.
func NewService(store Store, clock *Clock, vaults SharedVaultUserRepository, userEvents UserEventService, publisher DomainEventPublisher, cfg ServiceConfig, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}

	return &Service{
		store:      store,
		clock:      clock,
		vaults:     vaults,
		userEvents: userEvents,
		publisher:  publisher,
		cfg:        cfg,
		log:        log,
	}
}

// GetItemsRequest is the input to GetItems.
type GetItemsRequest struct {
	UserUUID         string
	SyncToken        string
	CursorToken      string
	Limit            int
	ContentType      *ContentType
	SharedVaultUUIDs []string
}

// GetItemsResult is the output of GetItems.
type GetItemsResult struct {
	RetrievedItems []*Item
	SyncToken      string
	CursorToken    string
}

// GetItems implements the read side of sync: decode the client's token,
// select a page of changes under the transfer budget, and hand back the
// token for the next call.
func (s *Service) GetItems(ctx context.Context, req GetItemsRequest) (GetItemsResult, error) {
	log := s.log.With(slog.String("user_uuid", req.UserUUID), slog.String("op", "get_items"))

	lastSyncTime, comparator, hadToken, err := s.decodeInputToken(req)
	if err != nil {
		return GetItemsResult{}, err
	}

	limit := clampLimit(req.Limit, s.cfg.DefaultLimit, s.cfg.MaxSyncLimit)

	effectiveVaults, err := s.effectiveVaultUUIDs(ctx, req.UserUUID, req.SharedVaultUUIDs)
	if err != nil {
		return GetItemsResult{}, WrapKind(KindTransient, err)
	}

	query := ItemQuery{
		UserUUID:                req.UserUUID,
		ContentType:             req.ContentType,
		IncludeSharedVaultUUIDs: effectiveVaults,
		SortKey:                 SortByUpdatedAt,
		SortDir:                 SortAsc,
		Limit:                   limit,
	}
	if hadToken {
		ts := lastSyncTime
		query.LastSyncTime = &ts
		query.Comparator = comparator
	} else {
		notDeleted := false
		query.Deleted = &notDeleted
	}

	projQuery := query
	var boundary *int64
	if hadToken && comparator == ComparatorGreaterOrEqual {
		// A cursor's inclusive comparator re-reads the row the previous
		// page was cut at; widen the projection by one so that re-read
		// does not crowd a new row out of the page.
		projQuery.Limit = limit + 1
		b := lastSyncTime
		boundary = &b
	}

	refs, err := s.store.FindAllProjection(ctx, projQuery)
	if err != nil {
		return GetItemsResult{}, WrapKind(KindTransient, err)
	}

	plan := PlanTransfer(refs, s.cfg.ContentTransferBudget, boundary)

	items, err := s.hydrate(ctx, req.UserUUID, effectiveVaults, plan.Selected)
	if err != nil {
		return GetItemsResult{}, WrapKind(KindTransient, err)
	}

	if !hadToken {
		items, err = s.frontLoadItemsKeys(ctx, req.UserUUID, items)
		if err != nil {
			return GetItemsResult{}, WrapKind(KindTransient, err)
		}
	}

	countQuery := query
	countQuery.Offset, countQuery.Limit = 0, 0
	total, err := s.store.CountAll(ctx, countQuery)
	if err != nil {
		return GetItemsResult{}, WrapKind(KindTransient, err)
	}

	result := GetItemsResult{RetrievedItems: items}

	switch {
	case plan.Truncated, total > limit:
		cursorTS := lastItemTimestamp(items)
		if cursorTS == 0 {
			cursorTS = lastSyncTime
		}
		result.CursorToken = EncodeToken(TokenCursor, cursorTS)
	default:
		var maxTS int64
		if len(items) > 0 {
			maxTS = items[len(items)-1].UpdatedAtTimestamp
		} else if hadToken {
			maxTS = lastSyncTime
		}
		result.SyncToken = EncodeToken(TokenSync, maxTS)
	}

	log.Debug("get_items complete", slog.Int("returned", len(items)), slog.Bool("truncated", plan.Truncated))
	return result, nil
}

// lastItemTimestamp resolves the updated_at_timestamp of the last
// delivered item, for use as a cursor token boundary.
func lastItemTimestamp(items []*Item) int64 {
	if len(items) == 0 {
		return 0
	}
	return items[len(items)-1].UpdatedAtTimestamp
}

func (s *Service) decodeInputToken(req GetItemsRequest) (ts int64, comparator Comparator, hadToken bool, err error) {
	switch {
	case req.CursorToken != "":
		ts, comparator, err = DecodeCursor(req.CursorToken)
		return ts, comparator, true, err
	case req.SyncToken != "":
		ts, comparator, err = DecodeToken(req.SyncToken)
		return ts, comparator, true, err
	default:
		return 0, ComparatorGreaterThan, false, nil
	}
}

func clampLimit(requested, defaultLimit, maxLimit int) int {
	if requested <= 0 {
		requested = defaultLimit
	}
	if requested > maxLimit {
		requested = maxLimit
	}
	if requested < 1 {
		requested = 1
	}
	return requested
}

// effectiveVaultUUIDs intersects the requested vault UUIDs (if any) with
// the user's actual memberships; an empty request means "all memberships."
func (s *Service) effectiveVaultUUIDs(ctx context.Context, userUUID string, requested []string) ([]string, error) {
	memberships, err := s.vaults.FindAllForUser(ctx, userUUID)
	if err != nil {
		return nil, err
	}

	memberSet := make(map[string]bool, len(memberships))
	for _, m := range memberships {
		memberSet[m.SharedVaultUUID] = true
	}

	if len(requested) == 0 {
		all := make([]string, 0, len(memberSet))
		for uuid := range memberSet {
			all = append(all, uuid)
		}
		sort.Strings(all)
		return all, nil
	}

	var effective []string
	for _, uuid := range requested {
		if memberSet[uuid] {
			effective = append(effective, uuid)
		}
	}
	return effective, nil
}

// hydrate fetches the full items named by refs, in refs order.
// effectiveVaults must match the vault scope used to select refs (the main
// projection query in GetItems), or a vault-mate's item would be selected
// but then silently dropped on hydration.
func (s *Service) hydrate(ctx context.Context, userUUID string, effectiveVaults []string, refs []ItemSizeRef) ([]*Item, error) {
	if len(refs) == 0 {
		return nil, nil
	}

	uuids := make([]string, len(refs))
	for i, r := range refs {
		uuids[i] = r.UUID
	}

	found, err := s.store.FindAll(ctx, ItemQuery{UserUUID: userUUID, IncludeSharedVaultUUIDs: effectiveVaults, UUIDs: uuids, SortKey: SortByUpdatedAt, SortDir: SortAsc})
	if err != nil {
		return nil, err
	}

	byUUID := make(map[string]*Item, len(found))
	for _, it := range found {
		byUUID[it.UUID] = it
	}

	ordered := make([]*Item, 0, len(refs))
	for _, r := range refs {
		if it, ok := byUUID[r.UUID]; ok {
			ordered = append(ordered, it)
		}
	}
	return ordered, nil
}

// frontLoadItemsKeys prepends any ItemsKey items the user owns that are not
// already present in items, so clients can decrypt the rest of the
// response immediately.
func (s *Service) frontLoadItemsKeys(ctx context.Context, userUUID string, items []*Item) ([]*Item, error) {
	present := make(map[string]bool, len(items))
	for _, it := range items {
		present[it.UUID] = true
	}

	keyType := ContentTypeItemsKey
	keys, err := s.store.FindAll(ctx, ItemQuery{UserUUID: userUUID, ContentType: &keyType, SortKey: SortByCreatedAt, SortDir: SortAsc})
	if err != nil {
		return nil, err
	}

	var missing []*Item
	for _, k := range keys {
		if !present[k.UUID] {
			missing = append(missing, k)
		}
	}

	if len(missing) == 0 {
		return items, nil
	}
	return append(missing, items...), nil
}

// --- save_items ---

// SaveItemsRequest is the input to SaveItems.
type SaveItemsRequest struct {
	UserUUID       string
	SessionUUID    string
	APIVersion     string
	SDKVersion     string
	ReadOnlyAccess bool
	ItemHashes     []ItemHash
	RequestStartTS int64
}

// SaveItemsResult is the output of SaveItems.
type SaveItemsResult struct {
	SavedItems []*Item
	Conflicts  []ItemConflict
	SyncToken  string
}

// saveOperation classifies what a single save did, for event emission.
type saveOperation int

const (
	opCreate saveOperation = iota
	opUpdate
	opAddToSharedVault
	opRemoveFromSharedVault
	opNoopInVault
)

// SaveItems implements the write side of sync: validate and persist each
// item_hash in request order, reporting per-item conflicts without
// aborting the rest of the batch.
func (s *Service) SaveItems(ctx context.Context, req SaveItemsRequest) (SaveItemsResult, error) {
	log := s.log.With(slog.String("user_uuid", req.UserUUID), slog.String("op", "save_items"))

	membership, vaultUUIDs, err := s.membershipLookup(ctx, req.UserUUID)
	if err != nil {
		return SaveItemsResult{}, WrapKind(KindTransient, err)
	}

	result := SaveItemsResult{}
	maxSavedTS := req.RequestStartTS

	for _, hash := range req.ItemHashes {
		if ctx.Err() != nil {
			break
		}

		existing, err := s.store.FindByUUID(ctx, req.UserUUID, hash.UUID, vaultUUIDs)
		if err != nil {
			return SaveItemsResult{}, WrapKind(KindTransient, err)
		}

		if req.ReadOnlyAccess {
			result.Conflicts = append(result.Conflicts, ItemConflict{UnsavedItem: hash, ServerItem: existing, Type: ConflictReadOnly})
			continue
		}

		outcome := Validate(saveContext{
			Hash:            hash,
			Existing:        existing,
			ToleranceMicros: s.cfg.SyncConflictToleranceMicros,
			Membership:      membership,
		})

		switch {
		case outcome.Conflict:
			result.Conflicts = append(result.Conflicts, ItemConflict{UnsavedItem: hash, ServerItem: existing, Type: outcome.ConflictKind})
			continue
		case outcome.Skip:
			result.SavedItems = append(result.SavedItems, outcome.SkipItem)
			continue
		}

		op := classifySaveOperation(hash, existing)

		var saved *Item
		var wasMarkedDuplicate bool

		if existing == nil {
			saved, err = s.createItem(ctx, req.UserUUID, hash)
			if err != nil {
				if _, ok := err.(*UUIDCollisionError); ok {
					result.Conflicts = append(result.Conflicts, ItemConflict{UnsavedItem: hash, Type: ConflictUUID})
					continue
				}
				return SaveItemsResult{}, WrapKind(KindTransient, err)
			}
			wasMarkedDuplicate = saved.DuplicateOf != ""
		} else {
			saved, wasMarkedDuplicate, err = s.updateItem(ctx, existing, hash)
			if err != nil {
				return SaveItemsResult{}, WrapKind(KindTransient, err)
			}
		}

		result.SavedItems = append(result.SavedItems, saved)
		if saved.UpdatedAtTimestamp > maxSavedTS {
			maxSavedTS = saved.UpdatedAtTimestamp
		}

		s.emitSaveEvents(ctx, log, existing, saved, op, wasMarkedDuplicate)
	}

	result.SyncToken = EncodeToken(TokenSync, maxSavedTS)
	log.Debug("save_items complete", slog.Int("saved", len(result.SavedItems)), slog.Int("conflicts", len(result.Conflicts)))
	return result, nil
}

// membershipLookup returns both a permission-checking closure (for the save
// validator) and the flat list of vault UUIDs the user belongs to (for
// Store.FindByUUID's visibility broadening) — the two views share the same
// underlying membership fetch.
func (s *Service) membershipLookup(ctx context.Context, userUUID string) (VaultMembership, []string, error) {
	memberships, err := s.vaults.FindAllForUser(ctx, userUUID)
	if err != nil {
		return nil, nil, err
	}

	byVault := make(map[string]VaultPermission, len(memberships))
	vaultUUIDs := make([]string, 0, len(memberships))
	for _, m := range memberships {
		byVault[m.SharedVaultUUID] = m.Permission
		vaultUUIDs = append(vaultUUIDs, m.SharedVaultUUID)
	}

	lookup := func(vaultUUID string) (VaultPermission, bool) {
		perm, ok := byVault[vaultUUID]
		return perm, ok
	}
	return lookup, vaultUUIDs, nil
}

func classifySaveOperation(hash ItemHash, existing *Item) saveOperation {
	if existing == nil {
		return opCreate
	}

	hadVault := existing.SharedVaultUUID != ""
	var wantsVault string
	if hash.SharedVaultUUID != nil {
		wantsVault = *hash.SharedVaultUUID
	} else {
		wantsVault = existing.SharedVaultUUID
	}

	switch {
	case !hadVault && wantsVault != "":
		return opAddToSharedVault
	case hadVault && wantsVault != existing.SharedVaultUUID:
		return opRemoveFromSharedVault
	case hadVault && wantsVault == existing.SharedVaultUUID:
		return opNoopInVault
	default:
		return opUpdate
	}
}

func (s *Service) createItem(ctx context.Context, userUUID string, hash ItemHash) (*Item, error) {
	now := s.clock.NowMicros()

	item := &Item{
		UUID:               hash.UUID,
		UserUUID:           userUUID,
		CreatedAtTimestamp: now,
		UpdatedAtTimestamp: now,
	}
	if hash.CreatedAtTimestamp != nil {
		item.CreatedAtTimestamp = *hash.CreatedAtTimestamp
		s.clock.Observe(*hash.CreatedAtTimestamp)
	}

	applyHash(item, hash)
	item.ContentSize = canon.Size(itemCanonFields(item))

	return s.store.Save(ctx, item)
}

func (s *Service) updateItem(ctx context.Context, existing *Item, hash ItemHash) (*Item, bool, error) {
	updated := *existing
	hadDuplicateOf := existing.DuplicateOf != ""

	applyHash(&updated, hash)
	updated.UpdatedAtTimestamp = s.clock.NowMicros()

	if updated.Deleted {
		updated.Content = nil
		updated.ContentSize = 0
		updated.EncItemKey = ""
		updated.AuthHash = ""
		updated.ItemsKeyID = ""
	} else {
		updated.ContentSize = canon.Size(itemCanonFields(&updated))
	}

	saved, err := s.store.Save(ctx, &updated)
	if err != nil {
		return nil, false, err
	}

	wasMarkedDuplicate := !hadDuplicateOf && saved.DuplicateOf != ""
	return saved, wasMarkedDuplicate, nil
}

// applyHash mutates item in place, overwriting only the fields present
// (non-nil) on hash.
func applyHash(item *Item, hash ItemHash) {
	if hash.SharedVaultUUID != nil {
		item.SharedVaultUUID = *hash.SharedVaultUUID
	}
	if hash.KeySystemIdentifier != nil {
		item.KeySystemIdentifier = *hash.KeySystemIdentifier
	}
	if hash.ContentSet {
		item.Content = hash.Content
	}
	if hash.ContentType != nil {
		item.ContentType = *hash.ContentType
	}
	if hash.EncItemKey != nil {
		item.EncItemKey = *hash.EncItemKey
	}
	if hash.AuthHash != nil {
		item.AuthHash = *hash.AuthHash
	}
	if hash.ItemsKeyID != nil {
		item.ItemsKeyID = *hash.ItemsKeyID
	}
	if hash.Deleted != nil {
		item.Deleted = *hash.Deleted
	}
	if hash.DuplicateOf != nil {
		item.DuplicateOf = *hash.DuplicateOf
	}
	if hash.LastEditedByUUID != nil {
		item.LastEditedByUUID = *hash.LastEditedByUUID
	}
	if hash.UpdatedWithSession != nil {
		item.UpdatedWithSession = *hash.UpdatedWithSession
	}
}

func itemCanonFields(item *Item) canon.Fields {
	return canon.Fields{
		item.Content,
		[]byte(item.ContentType),
		[]byte(item.EncItemKey),
		[]byte(item.AuthHash),
		[]byte(item.ItemsKeyID),
		[]byte(item.KeySystemIdentifier),
	}
}

// emitSaveEvents publishes the revision, duplicate, and shared-vault
// side effects of one successful save. Publisher errors are logged and
// swallowed: sync must never fail because a downstream event could not
// be queued.
func (s *Service) emitSaveEvents(ctx context.Context, log *slog.Logger, previous, saved *Item, op saveOperation, wasMarkedDuplicate bool) {
	isRevisionable := saved.ContentType == ContentTypeNote || saved.ContentType == ContentTypeFile

	shouldPublishRevision := false
	if op == opCreate && isRevisionable {
		shouldPublishRevision = true
	} else if previous != nil && isRevisionable {
		elapsed := time.Duration(saved.UpdatedAtTimestamp-previous.UpdatedAtTimestamp) * time.Microsecond
		if elapsed >= s.cfg.RevisionFrequency {
			shouldPublishRevision = true
		}
	}

	if shouldPublishRevision {
		s.publish(ctx, log, DomainEvent{Name: EventItemRevisionCreationRequested, ItemUUID: saved.UUID, UserUUID: saved.UserUUID, Timestamp: saved.UpdatedAtTimestamp})
	}

	if wasMarkedDuplicate || saved.DuplicateOf != "" && op == opCreate {
		s.publish(ctx, log, DomainEvent{Name: EventDuplicateItemSynced, ItemUUID: saved.UUID, UserUUID: saved.UserUUID, Timestamp: saved.UpdatedAtTimestamp})
	}

	// A new item created directly inside a vault enters that vault just as
	// an existing private item moved into one does.
	addedToVault := op == opAddToSharedVault || op == opCreate && saved.SharedVaultUUID != ""

	switch {
	case addedToVault:
		if err := s.userEvents.RemoveUserEventsAfterItemAddedToSharedVault(ctx, saved.UserUUID, saved.UUID, saved.SharedVaultUUID); err != nil {
			log.Warn("failed to clear user events after shared-vault add", slog.String("item_uuid", saved.UUID), slog.Any("error", err))
		}
	case op == opRemoveFromSharedVault:
		removedVault := previous.SharedVaultUUID
		if err := s.userEvents.CreateItemRemovedFromSharedVaultUserEvent(ctx, saved.UserUUID, saved.UUID, removedVault); err != nil {
			log.Warn("failed to create shared-vault removal user event", slog.String("item_uuid", saved.UUID), slog.Any("error", err))
		}
	}
}

func (s *Service) publish(ctx context.Context, log *slog.Logger, event DomainEvent) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		log.Warn("failed to publish domain event", slog.String("event", event.Name), slog.Any("error", err))
	}
}
