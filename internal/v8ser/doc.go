// Package v8ser reads and writes the V8 ValueSerializer format that the hosted
// store uses for structured values (the VE_V8 value encoding).
//
// Only the JSON-compatible subset round-trips: null, booleans, numbers, strings,
// arrays and plain objects. Decoding additionally understands undefined, bigints,
// dates, boxed primitives, Maps, Sets and back-references; anything else yields
// ErrUnsupported so callers can fall back to exposing the raw bytes.
package v8ser
