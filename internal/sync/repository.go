package sync

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // pure-Go SQLite driver, registers as "sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const walJournalSizeLimit = 67108864 // 64 MiB

// itemStatements groups the fixed-shape prepared statements used by the
// item repository, avoiding a flat list of statement fields on
// SQLiteRepository itself.
type itemStatements struct {
	upsert, removeByUUID, deleteUserPrivate *sql.Stmt
}

type transitionStatements struct {
	get, save *sql.Stmt
}

// SQLiteRepository implements Store against an embedded SQLite database
// in WAL mode, with goose-managed migrations. Fixed-shape writes use
// prepared statements; the flexible ItemQuery filters are built
// dynamically rather than as a fixed statement set.
type SQLiteRepository struct {
	db     *sql.DB
	logger *slog.Logger

	itemStmts       itemStatements
	transitionStmts transitionStatements
}

// NewSQLiteRepository opens dbPath (use ":memory:" for tests), applies
// migrations, and prepares all repeated statements.
func NewSQLiteRepository(ctx context.Context, dbPath string, logger *slog.Logger) (*SQLiteRepository, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("opening item store", slog.String("path", dbPath))

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := setPragmas(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(db, logger); err != nil {
		db.Close()
		return nil, err
	}

	repo := &SQLiteRepository{db: db, logger: logger}

	if err := repo.prepareStatements(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare statements: %w", err)
	}

	logger.Info("item store ready", slog.String("path", dbPath))
	return repo, nil
}

func setPragmas(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	pragmas := []struct{ sql, desc string }{
		{"PRAGMA journal_mode = WAL", "WAL mode"},
		{"PRAGMA synchronous = FULL", "synchronous FULL"},
		{"PRAGMA foreign_keys = ON", "foreign keys"},
		{fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit), "journal size limit"},
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p.sql); err != nil {
			return fmt.Errorf("set pragma %s: %w", p.desc, err)
		}
		logger.Debug("pragma set", slog.String("pragma", p.desc))
	}

	return nil
}

func runMigrations(db *sql.DB, logger *slog.Logger) error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	logger.Debug("migrations applied")
	return nil
}

const (
	itemColumns = `uuid, user_uuid, shared_vault_uuid, key_system_identifier,
		content, content_type, content_size, enc_item_key, auth_hash, items_key_id,
		deleted, duplicate_of, last_edited_by_uuid, updated_with_session,
		created_at_timestamp, updated_at_timestamp`

	sqlUpsertItem = `INSERT INTO items (` + itemColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			user_uuid             = excluded.user_uuid,
			shared_vault_uuid     = excluded.shared_vault_uuid,
			key_system_identifier = excluded.key_system_identifier,
			content               = excluded.content,
			content_type          = excluded.content_type,
			content_size          = excluded.content_size,
			enc_item_key          = excluded.enc_item_key,
			auth_hash             = excluded.auth_hash,
			items_key_id          = excluded.items_key_id,
			deleted               = excluded.deleted,
			duplicate_of          = excluded.duplicate_of,
			last_edited_by_uuid   = excluded.last_edited_by_uuid,
			updated_with_session  = excluded.updated_with_session,
			updated_at_timestamp  = excluded.updated_at_timestamp
		WHERE items.user_uuid = excluded.user_uuid`

	sqlRemoveByUUID = `DELETE FROM items WHERE user_uuid = ? AND uuid = ?`

	sqlDeleteUserPrivate = `DELETE FROM items WHERE user_uuid = ? AND shared_vault_uuid IS NULL`

	sqlGetTransitionStatus = `SELECT user_uuid, transition_type, paging_progress, integrity_progress, status
		FROM transition_status WHERE user_uuid = ? AND transition_type = ?`

	sqlSaveTransitionStatus = `INSERT INTO transition_status
		(user_uuid, transition_type, paging_progress, integrity_progress, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_uuid, transition_type) DO UPDATE SET
			paging_progress    = excluded.paging_progress,
			integrity_progress = excluded.integrity_progress,
			status             = excluded.status,
			updated_at         = excluded.updated_at`
)

func (r *SQLiteRepository) prepareStatements(ctx context.Context) error {
	prepare := func(dest **sql.Stmt, query, name string) error {
		stmt, err := r.db.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("prepare %s: %w", name, err)
		}
		*dest = stmt
		return nil
	}

	if err := prepare(&r.itemStmts.upsert, sqlUpsertItem, "upsertItem"); err != nil {
		return err
	}
	if err := prepare(&r.itemStmts.removeByUUID, sqlRemoveByUUID, "removeByUUID"); err != nil {
		return err
	}
	if err := prepare(&r.itemStmts.deleteUserPrivate, sqlDeleteUserPrivate, "deleteUserPrivate"); err != nil {
		return err
	}
	if err := prepare(&r.transitionStmts.get, sqlGetTransitionStatus, "getTransitionStatus"); err != nil {
		return err
	}
	return prepare(&r.transitionStmts.save, sqlSaveTransitionStatus, "saveTransitionStatus")
}

func scanItem(row interface{ Scan(...any) error }) (*Item, error) {
	item := &Item{}
	var sharedVault, keySystemID, encItemKey, authHash, itemsKeyID, duplicateOf, lastEditedBy, updatedWithSession sql.NullString
	var content []byte

	err := row.Scan(
		&item.UUID, &item.UserUUID, &sharedVault, &keySystemID,
		&content, &item.ContentType, &item.ContentSize, &encItemKey, &authHash, &itemsKeyID,
		&item.Deleted, &duplicateOf, &lastEditedBy, &updatedWithSession,
		&item.CreatedAtTimestamp, &item.UpdatedAtTimestamp,
	)
	if err != nil {
		return nil, err
	}

	item.Content = content
	item.SharedVaultUUID = sharedVault.String
	item.KeySystemIdentifier = keySystemID.String
	item.EncItemKey = encItemKey.String
	item.AuthHash = authHash.String
	item.ItemsKeyID = itemsKeyID.String
	item.DuplicateOf = duplicateOf.String
	item.LastEditedByUUID = lastEditedBy.String
	item.UpdatedWithSession = updatedWithSession.String

	return item, nil
}

func scanItemRows(rows *sql.Rows) ([]*Item, error) {
	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate item rows: %w", err)
	}
	return items, nil
}

func upsertArgs(item *Item) []any {
	return []any{
		item.UUID, item.UserUUID, nullableString(item.SharedVaultUUID), nullableString(item.KeySystemIdentifier),
		item.Content, string(item.ContentType), item.ContentSize, nullableString(item.EncItemKey), nullableString(item.AuthHash), nullableString(item.ItemsKeyID),
		item.Deleted, nullableString(item.DuplicateOf), nullableString(item.LastEditedByUUID), nullableString(item.UpdatedWithSession),
		item.CreatedAtTimestamp, item.UpdatedAtTimestamp,
	}
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// FindByUUID implements Store. visibleVaultUUIDs broadens visibility beyond
// plain ownership to any item in one of those shared vaults, regardless of
// who created it; pass nil for a strict owner-only lookup (the transition
// runner's own-items-only scope).
func (r *SQLiteRepository) FindByUUID(ctx context.Context, userUUID, uuid string, visibleVaultUUIDs []string) (*Item, error) {
	where, args := scopeClause(ItemQuery{UserUUID: userUUID, IncludeSharedVaultUUIDs: visibleVaultUUIDs})
	query := "SELECT " + itemColumns + " FROM items WHERE " + where + " AND uuid = ?"
	args = append(args, uuid)

	item, err := scanItem(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find item %s/%s: %w", userUUID, uuid, err)
	}
	return item, nil
}

// Save implements Store (upsert by uuid). A uuid collision across
// different owners surfaces as *UUIDCollisionError so the item service can
// translate it to a UuidConflict.
func (r *SQLiteRepository) Save(ctx context.Context, item *Item) (*Item, error) {
	existingOwner, err := r.ownerOf(ctx, item.UUID)
	if err != nil {
		return nil, err
	}
	if existingOwner != "" && existingOwner != item.UserUUID {
		return nil, &UUIDCollisionError{UUID: item.UUID}
	}

	if _, err := r.itemStmts.upsert.ExecContext(ctx, upsertArgs(item)...); err != nil {
		return nil, fmt.Errorf("save item %s: %w", item.UUID, err)
	}

	return r.FindByUUID(ctx, item.UserUUID, item.UUID, nil)
}

func (r *SQLiteRepository) ownerOf(ctx context.Context, uuid string) (string, error) {
	var owner string
	err := r.db.QueryRowContext(ctx, `SELECT user_uuid FROM items WHERE uuid = ?`, uuid).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup owner of %s: %w", uuid, err)
	}
	return owner, nil
}

// RemoveByUUID implements Store.
func (r *SQLiteRepository) RemoveByUUID(ctx context.Context, userUUID, uuid string) error {
	if _, err := r.itemStmts.removeByUUID.ExecContext(ctx, userUUID, uuid); err != nil {
		return fmt.Errorf("remove item %s/%s: %w", userUUID, uuid, err)
	}
	return nil
}

// DeleteByUserUUIDAndNotInSharedVault implements Store.
func (r *SQLiteRepository) DeleteByUserUUIDAndNotInSharedVault(ctx context.Context, userUUID string) (int64, error) {
	result, err := r.itemStmts.deleteUserPrivate.ExecContext(ctx, userUUID)
	if err != nil {
		return 0, fmt.Errorf("delete user-private items %s: %w", userUUID, err)
	}
	return result.RowsAffected()
}

// queryFilter builds the WHERE clause and args shared by FindAll,
// FindAllProjection, and CountAll, so the three stay in lockstep.
func queryFilter(q ItemQuery) (string, []any) {
	var sb strings.Builder

	scope, args := scopeClause(q)
	sb.WriteString(scope)

	if q.ContentType != nil {
		sb.WriteString(" AND content_type = ?")
		args = append(args, string(*q.ContentType))
	}

	if q.Deleted != nil {
		sb.WriteString(" AND deleted = ?")
		args = append(args, *q.Deleted)
	}

	if len(q.UUIDs) > 0 {
		sb.WriteString(" AND uuid IN (" + placeholders(len(q.UUIDs)) + ")")
		for _, u := range q.UUIDs {
			args = append(args, u)
		}
	}

	if q.LastSyncTime != nil {
		op := ">"
		if q.Comparator == ComparatorGreaterOrEqual {
			op = ">="
		}
		sb.WriteString(fmt.Sprintf(" AND updated_at_timestamp %s ?", op))
		args = append(args, *q.LastSyncTime)
	}

	return sb.String(), args
}

// scopeClause builds the visibility fragment every read and write-side
// lookup shares: a user's own user-private items, plus — when the caller
// supplies its effective shared-vault memberships via
// IncludeSharedVaultUUIDs — any item belonging to one of those vaults
// regardless of who created it, so one member's writes are visible to the
// rest of the vault. A bare `user_uuid = ?` must never be AND'd
// unconditionally onto vault-scoped filters: that hard-gates every row to
// the requesting user's own rows before the vault filter can broaden
// anything. ExclusiveSharedVaultUUIDs narrows to only the named vaults
// with no private-item fallback, for callers that want a pure vault
// listing rather than "my stuff plus these vaults."
func scopeClause(q ItemQuery) (string, []any) {
	if len(q.ExclusiveSharedVaultUUIDs) > 0 {
		clause := "shared_vault_uuid IN (" + placeholders(len(q.ExclusiveSharedVaultUUIDs)) + ")"
		return clause, toAnySlice(q.ExclusiveSharedVaultUUIDs)
	}

	if len(q.IncludeSharedVaultUUIDs) > 0 {
		clause := "((user_uuid = ? AND shared_vault_uuid IS NULL) OR shared_vault_uuid IN (" +
			placeholders(len(q.IncludeSharedVaultUUIDs)) + "))"
		args := append([]any{q.UserUUID}, toAnySlice(q.IncludeSharedVaultUUIDs)...)
		return clause, args
	}

	return "user_uuid = ?", []any{q.UserUUID}
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func orderClause(q ItemQuery) string {
	col := "updated_at_timestamp"
	if q.SortKey == SortByCreatedAt {
		col = "created_at_timestamp"
	}
	dir := "ASC"
	if q.SortDir == SortDesc {
		dir = "DESC"
	}
	return fmt.Sprintf(" ORDER BY %s %s, uuid ASC", col, dir)
}

// FindAll implements Store.
func (r *SQLiteRepository) FindAll(ctx context.Context, q ItemQuery) ([]*Item, error) {
	where, args := queryFilter(q)
	query := "SELECT " + itemColumns + " FROM items WHERE " + where + orderClause(q)

	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
		if q.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, q.Offset)
		}
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find all items: %w", err)
	}
	defer rows.Close()

	return scanItemRows(rows)
}

// FindAllProjection implements Store.
func (r *SQLiteRepository) FindAllProjection(ctx context.Context, q ItemQuery) ([]ItemSizeRef, error) {
	where, args := queryFilter(q)
	query := "SELECT uuid, content_size, updated_at_timestamp FROM items WHERE " + where + orderClause(q)

	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find all projection: %w", err)
	}
	defer rows.Close()

	var refs []ItemSizeRef
	for rows.Next() {
		var ref ItemSizeRef
		if err := rows.Scan(&ref.UUID, &ref.ContentSize, &ref.UpdatedAtTimestamp); err != nil {
			return nil, fmt.Errorf("scan projection row: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// CountAll implements Store.
func (r *SQLiteRepository) CountAll(ctx context.Context, q ItemQuery) (int, error) {
	where, args := queryFilter(q)
	query := "SELECT COUNT(*) FROM items WHERE " + where

	var count int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count all items: %w", err)
	}
	return count, nil
}

// GetTransitionStatus implements Store.
func (r *SQLiteRepository) GetTransitionStatus(ctx context.Context, userUUID, transitionType string) (*TransitionStatus, error) {
	status := &TransitionStatus{}
	var statusStr string

	err := r.transitionStmts.get.QueryRowContext(ctx, userUUID, transitionType).Scan(
		&status.UserUUID, &status.TransitionType, &status.PagingProgress, &status.IntegrityProgress, &statusStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transition status %s/%s: %w", userUUID, transitionType, err)
	}

	status.Status = TransitionState(statusStr)
	return status, nil
}

// SaveTransitionStatus implements Store.
func (r *SQLiteRepository) SaveTransitionStatus(ctx context.Context, status *TransitionStatus) error {
	_, err := r.transitionStmts.save.ExecContext(ctx,
		status.UserUUID, status.TransitionType, status.PagingProgress, status.IntegrityProgress, string(status.Status), time.Now().UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("save transition status %s/%s: %w", status.UserUUID, status.TransitionType, err)
	}
	return nil
}

// Close implements Store.
func (r *SQLiteRepository) Close() error {
	r.logger.Info("closing item store")

	for _, stmt := range []*sql.Stmt{
		r.itemStmts.upsert, r.itemStmts.removeByUUID, r.itemStmts.deleteUserPrivate,
		r.transitionStmts.get, r.transitionStmts.save,
	} {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				r.logger.Error("error closing statement", slog.Any("error", err))
			}
		}
	}

	if err := r.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

var _ Store = (*SQLiteRepository)(nil)
