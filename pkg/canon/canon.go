// Package canon computes the canonical serialized size of an item, the
// quantity the sync core persists as content_size and recomputes on every
// write.
//
// The encoding is deterministic: each field is framed as a 4-byte
// big-endian length prefix followed by its raw bytes, in the order given.
// The size depends only on the field lengths, so two items with the same
// field values always serialize to the same size regardless of map or
// struct field ordering upstream.
package canon

import "encoding/binary"

const lengthPrefixBytes = 4

// Fields is the ordered set of byte-string values that make up an item's
// canonical serialization. Callers populate exactly the fields their type
// defines; a nil entry still contributes its length prefix.
type Fields [][]byte

// Size returns the canonical serialized size, in bytes, of fields.
func Size(fields Fields) int64 {
	var total int64
	for _, f := range fields {
		total += lengthPrefixBytes + int64(len(f))
	}

	return total
}

// Encode returns the canonical serialized bytes of fields, in case a caller
// needs the encoding itself (e.g. for a content-addressed check) rather
// than just its length.
func Encode(fields Fields) []byte {
	out := make([]byte, 0, Size(fields))
	var lenBuf [lengthPrefixBytes]byte

	for _, f := range fields {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(f)))
		out = append(out, lenBuf[:]...)
		out = append(out, f...)
	}

	return out
}
