package varint

import "github.com/cockroachdb/errors"

// ErrTruncated is returned when a buffer ends inside an encoded value.
var ErrTruncated = errors.New("varint: truncated input")
