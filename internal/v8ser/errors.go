package v8ser

import "errors"

var (
	// ErrInvalid reports malformed or truncated serialized data.
	ErrInvalid = errors.New("v8ser: invalid data")

	// ErrUnsupported reports a well-formed value this package cannot represent.
	ErrUnsupported = errors.New("v8ser: unsupported value")
)

const (
	maxDepth       = 256
	maxArrayLength = 1 << 24

	// sparse arrays materialize their holes
	maxSparseLength = 1 << 16

	// ECMAScript time values span ±8.64e15 ms around the epoch
	maxTimeValue = 8.64e15
)
