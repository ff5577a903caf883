package store

import (
	"encoding/base64"
	"fmt"

	"github.com/kvexplorer/kvexplorer/internal/kvkey"
)

// scanRange is the half-open byte range [start, end) of one page of a prefix
// scan
type scanRange struct {
	prefix []byte
	start  []byte
	end    []byte
}

// newScanRange covers every key strictly under prefix. Encoded key parts
// start with a tag byte in 0x01..0x27, so prefix+0x00 and prefix+0xff bound
// all descendants and exclude prefix itself.
func newScanRange(prefix []byte, cursor string, reverse bool) (scanRange, error) {
	r := scanRange{
		prefix: prefix,
		start:  concat(prefix, []byte{0x00}),
		end:    concat(prefix, []byte{0xff}),
	}
	if cursor == "" {
		return r, nil
	}

	rest, err := decodeCursor(cursor)
	if err != nil {
		return scanRange{}, err
	}
	if reverse {
		r.end = concat(prefix, rest)
	} else {
		r.start = concat(prefix, rest, []byte{0x00})
	}
	return r, nil
}

// cursorFor returns the cursor resuming after key, which must lie under the
// range prefix
func (r scanRange) cursorFor(key []byte) string {
	return base64.RawURLEncoding.EncodeToString(key[len(r.prefix):])
}

func decodeCursor(cursor string) ([]byte, error) {
	rest, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if len(rest) == 0 {
		return nil, ErrInvalidCursor
	}
	if _, err := kvkey.UnmarshalBinary(rest); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	return rest, nil
}

func concat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// page trims a limit+1 read down to limit entries and reports whether more
// remain
func page[T any](items []T, limit int) ([]T, bool) {
	if len(items) > limit {
		return items[:limit], true
	}
	return items, false
}
