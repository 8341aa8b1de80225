package sync

import (
	"encoding/base64"
	"math"
	"strconv"
	"strings"
	"time"
)

// Token versions. Both are accepted on decode; only tokenVersionCurrent is
// ever emitted by Encode, so old clients keep working while new tokens
// stay uniform.
const (
	tokenVersion1       = "1"
	tokenVersionCurrent = "2"
)

// TokenKind distinguishes a sync token (the "as of" boundary returned to a
// client after a page, paired with ComparatorGreaterThan on the next read)
// from a cursor token (the "resume here" boundary mid-page, paired with
// ComparatorGreaterOrEqual).
type TokenKind int

const (
	TokenSync TokenKind = iota
	TokenCursor
)

// EncodeToken produces an opaque, versioned, base64-encoded token for ts
// (Unix microseconds). A sync token is issued with a +1µs offset so that a
// subsequent read using ComparatorGreaterThan does not re-include the item
// that produced ts; a cursor token is issued bare, for use with
// ComparatorGreaterOrEqual so a resumed page does not skip it. The v2
// wire payload is a decimal count of seconds since the epoch (the
// microsecond value divided by 1e6), not a raw microsecond integer.
func EncodeToken(kind TokenKind, ts int64) string {
	encoded := ts
	if kind == TokenSync {
		encoded = ts + 1
	}

	seconds := float64(encoded) / 1e6
	payload := tokenVersionCurrent + ":" + strconv.FormatFloat(seconds, 'f', 6, 64)
	return base64.StdEncoding.EncodeToString([]byte(payload))
}

// DecodeToken parses a token produced by EncodeToken (or its v1
// predecessor) into Unix microseconds plus the comparator to apply when
// using it as a lower bound on updated_at_timestamp.
//
// v1 tokens carry an ISO-8601 date string payload (seconds precision); v2
// tokens carry a decimal count of seconds since the epoch, converted to
// microseconds on decode. Both decode to
// ComparatorGreaterThan, matching the legacy sync-token semantics — callers
// that need cursor semantics use DecodeCursor instead.
func DecodeToken(token string) (ts int64, comparator Comparator, err error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return 0, 0, WrapKind(KindBadToken, err)
	}

	version, payload, ok := strings.Cut(string(raw), ":")
	if !ok {
		return 0, 0, ErrBadToken
	}

	switch version {
	case tokenVersion1:
		t, parseErr := time.Parse(time.RFC3339, payload)
		if parseErr != nil {
			return 0, 0, WrapKind(KindBadToken, parseErr)
		}
		return t.UnixMicro(), ComparatorGreaterThan, nil

	case tokenVersionCurrent:
		seconds, parseErr := strconv.ParseFloat(payload, 64)
		if parseErr != nil {
			return 0, 0, WrapKind(KindBadToken, parseErr)
		}
		return int64(math.Round(seconds * 1e6)), ComparatorGreaterThan, nil

	default:
		return 0, 0, ErrBadToken
	}
}

// DecodeCursor parses a cursor token (issued mid-page by a prior
// get_items response that was truncated by the transfer budget or the page
// limit) into Unix
// microseconds plus ComparatorGreaterOrEqual, so the resumed page does not
// skip the item the cursor was cut at.
func DecodeCursor(token string) (ts int64, comparator Comparator, err error) {
	ts, _, err = DecodeToken(token)
	if err != nil {
		return 0, 0, err
	}

	return ts, ComparatorGreaterOrEqual, nil
}
