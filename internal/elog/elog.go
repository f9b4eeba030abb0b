// Package elog provides small helpers for values passed to [log/slog].
package elog

import (
	"encoding/hex"
	"fmt"
)

type hexBytes []byte

func (h hexBytes) String() string {
	return hex.EncodeToString(h)
}

// Hex wraps b so that a structured logger renders it as lowercase hex,
// and only if the record is actually emitted.
func Hex(b []byte) fmt.Stringer {
	return hexBytes(b)
}
