// Package store defines the two-tier storage abstraction: a metastore
// mapping a cache key to its ordered list of request/response header
// variants, and an entitystore mapping a content digest to a response body.
// Splitting the two lets identical bodies served under different keys (or
// different Vary-selected variants of the same key) share storage.
package store

import "net/http"

// Variant is one cached request/response header pair for a key. The request
// header is the storing request's full header, from which the headers named
// by the stored response's Vary are compared so a later lookup can pick the
// matching variant; the response header carries
// the response metadata, including the content digest used to fetch the
// body from an Entitystore.
type Variant struct {
	RequestHeader  http.Header
	ResponseHeader http.Header
}

// Metastore stores, per key, an ordered list of variants.
//
// Implementations must be safe for concurrent use.
type Metastore interface {
	// Load returns the variant list for key. A missing key returns a nil
	// slice and a nil error: cache miss is not an error condition.
	Load(key string) ([]Variant, error)

	// Swap atomically replaces the variant list for key with fn(old) and
	// returns the resulting list. fn observes a consistent snapshot of the
	// prior state and its result becomes the new state, satisfying the
	// per-key read-modify-write atomicity the invalidation and storage
	// algorithms depend on.
	Swap(key string, fn func(old []Variant) []Variant) ([]Variant, error)
}

// Entitystore stores response bodies addressed by content digest.
//
// Implementations must be safe for concurrent use.
type Entitystore interface {
	// Load returns the body for digest. A missing digest returns
	// (nil, false, nil).
	Load(digest string) ([]byte, bool, error)

	// Store saves body under digest. Storing the same digest twice is a
	// no-op on the second call (content-addressed, so the body cannot
	// have changed).
	Store(digest string, body []byte) error
}
