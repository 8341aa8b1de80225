package sync

// Outcome is the result of validating a single (item_hash, existing_item?)
// pair.
type Outcome struct {
	Pass         bool
	Skip         bool
	SkipItem     *Item
	Conflict     bool
	ConflictKind ConflictKind
}

var outcomePass = Outcome{Pass: true}

func outcomeSkip(item *Item) Outcome {
	return Outcome{Skip: true, SkipItem: item}
}

func outcomeConflict(kind ConflictKind) Outcome {
	return Outcome{Conflict: true, ConflictKind: kind}
}

// immutableContentTypes cannot change content_type once created.
var immutableContentTypes = map[ContentType]bool{
	ContentTypeItemsKey: true,
}

// VaultMembership reports the caller's permission on a shared vault, and
// whether they are a member at all.
type VaultMembership func(sharedVaultUUID string) (perm VaultPermission, isMember bool)

// saveContext carries everything a single save rule needs to classify one
// item_hash. It is deliberately unexported: rules are an internal
// implementation detail of Validate.
type saveContext struct {
	Hash            ItemHash
	Existing        *Item
	ToleranceMicros int64
	Membership      VaultMembership
}

// saveRule classifies a saveContext, returning (outcome, true) if it has a
// verdict, or (zero, false) to defer to the next rule.
type saveRule func(ctx saveContext) (Outcome, bool)

var saveRules = []saveRule{
	ruleContentType,
	ruleSharedVaultPermission,
	ruleDuplicateResend,
	ruleSyncConflict,
}

// Validate runs ctx through the ordered save-rule list and returns the
// first non-pass verdict, or Pass if every rule defers. ReadOnlyError is
// not produced here: the orchestrator checks read-only access before
// invoking the validator at all.
func Validate(ctx saveContext) Outcome {
	for _, rule := range saveRules {
		if outcome, handled := rule(ctx); handled {
			return outcome
		}
	}

	return outcomePass
}

// ruleContentType rejects writes that attempt to change the content_type of
// an item whose existing type is immutable.
func ruleContentType(ctx saveContext) (Outcome, bool) {
	if ctx.Existing == nil || ctx.Hash.ContentType == nil {
		return Outcome{}, false
	}

	if immutableContentTypes[ctx.Existing.ContentType] && *ctx.Hash.ContentType != ctx.Existing.ContentType {
		return outcomeConflict(ConflictContentType), true
	}

	return Outcome{}, false
}

// ruleSharedVaultPermission rejects writes that target a shared vault the
// writer cannot write to. The target vault is the hash's explicit
// shared_vault_uuid when set, or otherwise the existing item's current
// vault — a plain content edit on an existing vault item omits
// shared_vault_uuid from the hash entirely, and checking only the hash
// would let any vault member (even a read-only one) silently edit another
// member's vault item once FindByUUID starts returning vault-mates' items.
func ruleSharedVaultPermission(ctx saveContext) (Outcome, bool) {
	vaultUUID := effectiveVaultUUID(ctx.Hash, ctx.Existing)
	if vaultUUID == "" {
		return Outcome{}, false
	}

	perm, isMember := ctx.Membership(vaultUUID)
	if !isMember || perm != VaultPermissionWrite {
		return outcomeConflict(ConflictSharedVaultPerm), true
	}

	return Outcome{}, false
}

// effectiveVaultUUID resolves the vault a save actually targets: the
// hash's explicit value when present, else the existing item's current
// vault, else none.
func effectiveVaultUUID(hash ItemHash, existing *Item) string {
	if hash.SharedVaultUUID != nil {
		return *hash.SharedVaultUUID
	}
	if existing != nil {
		return existing.SharedVaultUUID
	}
	return ""
}

// ruleDuplicateResend detects a client re-sending a change that has
// already been fully applied — the content the hash describes exactly
// matches the persisted item — and treats it as a no-op skip: reported as
// successfully saved, nothing written. A hash that sets none of the
// compared fields describes no change at all and is left to the later
// rules.
func ruleDuplicateResend(ctx saveContext) (Outcome, bool) {
	h := ctx.Hash
	describesChange := h.SharedVaultUUID != nil || h.KeySystemIdentifier != nil || h.ContentSet ||
		h.ContentType != nil || h.EncItemKey != nil || h.AuthHash != nil || h.ItemsKeyID != nil ||
		h.Deleted != nil || h.DuplicateOf != nil
	if ctx.Existing == nil || !describesChange {
		return Outcome{}, false
	}

	if hashMatchesExisting(ctx.Hash, ctx.Existing) {
		return outcomeSkip(ctx.Existing), true
	}

	return Outcome{}, false
}

// ruleSyncConflict rejects a write whose declared updated_at_timestamp
// diverges from the persisted value by more than the configured tolerance
// — the "stale read" case.
func ruleSyncConflict(ctx saveContext) (Outcome, bool) {
	if ctx.Existing == nil || ctx.Hash.UpdatedAtTimestamp == nil {
		return Outcome{}, false
	}

	delta := ctx.Existing.UpdatedAtTimestamp - *ctx.Hash.UpdatedAtTimestamp
	if delta < 0 {
		delta = -delta
	}

	if delta > ctx.ToleranceMicros {
		return outcomeConflict(ConflictSync), true
	}

	return Outcome{}, false
}

// hashMatchesExisting reports whether every field set on hash already
// equals the corresponding field on existing, meaning applying hash would
// be a true no-op.
func hashMatchesExisting(hash ItemHash, existing *Item) bool {
	if hash.SharedVaultUUID != nil && *hash.SharedVaultUUID != existing.SharedVaultUUID {
		return false
	}
	if hash.KeySystemIdentifier != nil && *hash.KeySystemIdentifier != existing.KeySystemIdentifier {
		return false
	}
	if hash.ContentSet && string(hash.Content) != string(existing.Content) {
		return false
	}
	if hash.ContentType != nil && *hash.ContentType != existing.ContentType {
		return false
	}
	if hash.EncItemKey != nil && *hash.EncItemKey != existing.EncItemKey {
		return false
	}
	if hash.AuthHash != nil && *hash.AuthHash != existing.AuthHash {
		return false
	}
	if hash.ItemsKeyID != nil && *hash.ItemsKeyID != existing.ItemsKeyID {
		return false
	}
	if hash.Deleted != nil && *hash.Deleted != existing.Deleted {
		return false
	}
	if hash.DuplicateOf != nil && *hash.DuplicateOf != existing.DuplicateOf {
		return false
	}

	return true
}

// isIdenticalTo reports whether a and b are equal across the fields the
// transition runner treats as semantically significant: content,
// content_type, deleted, enc_item_key, auth_hash, items_key_id,
// duplicate_of, shared_vault_uuid, key_system_identifier, and
// updated_at_timestamp.
func isIdenticalTo(a, b *Item) bool {
	return string(a.Content) == string(b.Content) &&
		a.ContentType == b.ContentType &&
		a.Deleted == b.Deleted &&
		a.EncItemKey == b.EncItemKey &&
		a.AuthHash == b.AuthHash &&
		a.ItemsKeyID == b.ItemsKeyID &&
		a.DuplicateOf == b.DuplicateOf &&
		a.SharedVaultUUID == b.SharedVaultUUID &&
		a.KeySystemIdentifier == b.KeySystemIdentifier &&
		a.UpdatedAtTimestamp == b.UpdatedAtTimestamp
}
