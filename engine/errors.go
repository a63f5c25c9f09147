package engine

import (
	"github.com/cockroachdb/errors"

	"cowkv/btree"
)

var (
	ErrNotFound      = errors.New("key not found")
	ErrTxClosed      = errors.New("transaction closed")
	ErrReadOnlyTx    = errors.New("transaction is read-only")
	ErrKeyTooLarge   = errors.New("key too large")
	ErrValueTooLarge = errors.New("value too large")
	ErrClosed        = errors.New("database closed")

	// ErrCorrupted marks integrity failures: checksum mismatches, truncated
	// or missing segments, malformed records. The store must not be used
	// further.
	ErrCorrupted = btree.ErrCorrupted
)

func corruptf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrCorrupted)
}
