// Package sync implements the item-sync core: the token codec, transfer
// calculator, save validator, item service, item repository, and transition
// runner that together let thin clients holding opaque encrypted blobs
// periodically exchange changes with a multi-tenant backend.
package sync

import "context"

// ContentType classifies an Item. Most values are opaque to the sync core;
// Note, File, and ItemsKey are behaviorally significant.
type ContentType string

// Behaviorally significant content types.
const (
	ContentTypeNote     ContentType = "Note"
	ContentTypeFile     ContentType = "File"
	ContentTypeItemsKey ContentType = "ItemsKey"
)

// Item is the unit of sync.
type Item struct {
	UUID                string
	UserUUID            string
	SharedVaultUUID     string // empty means user-private
	KeySystemIdentifier string
	Content             []byte // nil when Deleted
	ContentType         ContentType
	ContentSize         int64
	EncItemKey          string
	AuthHash            string
	ItemsKeyID          string
	Deleted             bool
	DuplicateOf         string
	LastEditedByUUID    string
	UpdatedWithSession  string
	CreatedAtTimestamp  int64 // microseconds
	UpdatedAtTimestamp  int64 // microseconds
}

// ItemHash is the client-supplied upload shape: a superset of Item's mutable
// fields plus UUID. All fields except UUID and Content are pointers so that
// nil means "omitted — do not change" rather than "set to zero value";
// Content's presence is carried by ContentSet instead.
type ItemHash struct {
	UUID                string
	SharedVaultUUID     *string
	KeySystemIdentifier *string
	Content             []byte
	ContentSet          bool // true if Content was present in the upload, even if nil/empty
	ContentType         *ContentType
	EncItemKey          *string
	AuthHash            *string
	ItemsKeyID          *string
	Deleted             *bool
	DuplicateOf         *string
	LastEditedByUUID    *string
	UpdatedWithSession  *string
	CreatedAtTimestamp  *int64
	UpdatedAtTimestamp  *int64
}

// ConflictKind classifies why an item_hash was not applied.
type ConflictKind string

const (
	ConflictUUID            ConflictKind = "uuid_conflict"
	ConflictSync            ConflictKind = "sync_conflict"
	ConflictContentType     ConflictKind = "content_type_error"
	ConflictReadOnly        ConflictKind = "read_only_error"
	ConflictSharedVaultPerm ConflictKind = "shared_vault_permission_error"
)

// ItemConflict reports a single item_hash that could not be saved.
type ItemConflict struct {
	UnsavedItem ItemHash
	ServerItem  *Item // nil unless the conflict kind concerns an existing item
	Type        ConflictKind
}

// Comparator selects the boundary operator used when filtering items by
// last_sync_time.
type Comparator int

const (
	ComparatorGreaterThan Comparator = iota
	ComparatorGreaterOrEqual
)

// SortKey names the column an ItemQuery orders by.
type SortKey int

const (
	SortByUpdatedAt SortKey = iota
	SortByCreatedAt
)

// SortDir is the direction of an ItemQuery's ordering.
type SortDir int

const (
	SortAsc SortDir = iota
	SortDesc
)

// ItemQuery describes a filtered, ordered, paginated read over a user's
// items, widened or replaced by the shared-vault fields to cover the items
// of the named vaults.
type ItemQuery struct {
	UserUUID                  string
	ContentType               *ContentType
	Deleted                   *bool // nil means "no filter on deleted"
	IncludeSharedVaultUUIDs   []string
	ExclusiveSharedVaultUUIDs []string
	UUIDs                     []string
	LastSyncTime              *int64 // microseconds; nil means "no lower bound"
	Comparator                Comparator
	SortKey                   SortKey
	SortDir                   SortDir
	Offset                    int
	Limit                     int
}

// TransitionState is the lifecycle state of a per-user transition
// progress record.
type TransitionState string

const (
	TransitionNotStarted TransitionState = "not_started"
	TransitionInProgress TransitionState = "in_progress"
	TransitionVerified   TransitionState = "verified"
	TransitionFailed     TransitionState = "failed"
)

// TransitionStatus is the per-user migration progress record.
type TransitionStatus struct {
	UserUUID          string
	TransitionType    string
	PagingProgress    int
	IntegrityProgress int
	Status            TransitionState
}

// --- Consumer-defined interfaces ---
// These decouple the sync package from its collaborators' concrete types:
// the package accepts interfaces and returns structs.

// SharedVaultUser is a single user's membership row in a shared vault.
type SharedVaultUser struct {
	UserUUID        string
	SharedVaultUUID string
	Permission      VaultPermission
}

// VaultPermission is the access level a user holds on a shared vault.
type VaultPermission string

const (
	VaultPermissionRead  VaultPermission = "read"
	VaultPermissionWrite VaultPermission = "write"
)

// SharedVaultUserRepository resolves a user's shared-vault memberships.
type SharedVaultUserRepository interface {
	FindAllForUser(ctx context.Context, userUUID string) ([]SharedVaultUser, error)
}

// UserEventService emits and retracts per-user notifications about items
// moving in and out of shared vaults.
type UserEventService interface {
	RemoveUserEventsAfterItemAddedToSharedVault(ctx context.Context, userUUID, itemUUID, vaultUUID string) error
	CreateItemRemovedFromSharedVaultUserEvent(ctx context.Context, userUUID, itemUUID, vaultUUID string) error
}

// DomainEvent is the common shape of every event this package publishes.
type DomainEvent struct {
	Name            string
	ItemUUID        string
	UserUUID        string
	SharedVaultUUID string // only set on ItemRemovedFromSharedVault
	TransitionType  string // only set on TransitionStatusUpdated
	Status          TransitionState
	Timestamp       int64
}

// Event name constants.
const (
	EventItemRevisionCreationRequested = "ItemRevisionCreationRequested"
	EventDuplicateItemSynced           = "DuplicateItemSynced"
	EventTransitionStatusUpdated       = "TransitionStatusUpdated"
	EventItemRemovedFromSharedVault    = "ItemRemovedFromSharedVault"
)

// DomainEventPublisher publishes fire-and-forget domain events. Publisher
// errors are logged and swallowed by callers: sync must never fail
// because a downstream event could not be queued.
type DomainEventPublisher interface {
	Publish(ctx context.Context, event DomainEvent) error
}

// Store is the interface for the item-sync state database. All sync
// components operate against this interface rather than a concrete SQL
// implementation, so the transition runner can treat two Store instances
// as symmetric collaborators.
type Store interface {
	// FindByUUID looks up uuid owned by userUUID. visibleVaultUUIDs
	// broadens that to any item belonging to one of those shared vaults
	// regardless of who created it, so a second vault member can find
	// (and then update) an item another member created; pass nil for a
	// strict owner-only lookup.
	FindByUUID(ctx context.Context, userUUID, uuid string, visibleVaultUUIDs []string) (*Item, error)
	FindAll(ctx context.Context, query ItemQuery) ([]*Item, error)
	// FindAllProjection streams only uuid/content_size/updated_at rows
	// honoring the same filters and ordering as FindAll, for the transfer
	// calculator to walk without hydrating full item bodies.
	FindAllProjection(ctx context.Context, query ItemQuery) ([]ItemSizeRef, error)
	CountAll(ctx context.Context, query ItemQuery) (int, error)
	Save(ctx context.Context, item *Item) (*Item, error)
	RemoveByUUID(ctx context.Context, userUUID, uuid string) error
	DeleteByUserUUIDAndNotInSharedVault(ctx context.Context, userUUID string) (int64, error)

	GetTransitionStatus(ctx context.Context, userUUID, transitionType string) (*TransitionStatus, error)
	SaveTransitionStatus(ctx context.Context, status *TransitionStatus) error

	Close() error
}

// ItemSizeRef is a projected (uuid, content_size, updated_at_timestamp)
// row, the shape the transfer calculator walks to select a page under
// budget. The timestamp lets a cursor-resumed walk recognize the boundary
// rows the previous page already delivered.
type ItemSizeRef struct {
	UUID               string
	ContentSize        int64
	UpdatedAtTimestamp int64
}

// UUIDCollisionError is returned by Store.Save on a uuid collision during
// item creation.
type UUIDCollisionError struct {
	UUID string
}

func (e *UUIDCollisionError) Error() string {
	return "sync: uuid collision on create: " + e.UUID
}
