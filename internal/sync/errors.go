package sync

import (
	"errors"
	"fmt"
)

// Kind classifies an error surfaced to callers of the sync core.
type Kind int

// Error kinds. The zero value, KindUnspecified, never appears on a wrapped
// *Error returned by this package.
const (
	KindUnspecified Kind = iota
	KindBadToken
	KindBadRequest
	KindReadOnly
	KindConflictingItem
	KindTransient
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindBadToken:
		return "bad_token"
	case KindBadRequest:
		return "bad_request"
	case KindReadOnly:
		return "read_only"
	case KindConflictingItem:
		return "conflicting_item"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	default:
		return "unspecified"
	}
}

// Error wraps an underlying error with a Kind, so callers can branch on
// retriability without string-matching messages.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("sync: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WrapKind wraps err with kind, or returns nil if err is nil. Use
// errors.As to recover the Kind from a returned error.
func WrapKind(kind Kind, err error) error {
	if err == nil {
		return nil
	}

	return &Error{Kind: kind, Err: err}
}

// KindOf reports the Kind of err, or KindUnspecified if err was not
// produced by WrapKind.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}

	return KindUnspecified
}

// errBadTokenVersion is the sentinel wrapped by ErrBadToken when the token's
// version prefix is absent or unrecognized.
var errBadTokenVersion = errors.New("sync: missing or unrecognized token version")

// ErrBadToken is returned by token decoding when the version prefix is
// absent or unrecognized; other malformed input (bad base64, an
// unparsable payload) yields a different error of the same KindBadToken.
var ErrBadToken = WrapKind(KindBadToken, errBadTokenVersion)

// ErrTransitionVerifyFailed is returned by the transition runner's verify
// phase when a target item diverges from its source counterpart in a way
// that cannot be automatically reconciled.
var ErrTransitionVerifyFailed = errors.New("sync: transition verification failed")
