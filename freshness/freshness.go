// Package freshness implements the age and freshness arithmetic of RFC 2616
// §13.2/§13.3: max-age, age, ttl, and the fresh/cacheable/validateable
// predicates. Every function takes the response's header map (and, where
// relevant, its status) directly, rather than a concrete response type, so
// it has no dependency on the root package.
package freshness

import (
	"net/http"
	"strconv"
	"time"

	"github.com/always-cache/plugcache/cachecontrol"
)

// cacheableStatuses are the status codes eligible for storage.
var cacheableStatuses = map[int]bool{
	200: true, 203: true, 300: true, 301: true, 302: true, 404: true, 410: true,
}

// MaxAge returns the response's effective max-age: the first of r-maxage,
// s-maxage, max-age (in that order, because this is a shared/reverse cache -
// this is a shared/reverse cache), falling back to Expires-minus-Date when no
// Cache-Control max-age directive is present at all.
func MaxAge(header http.Header, now func() time.Time) (int, bool) {
	cc := cachecontrol.Parse(header.Get("Cache-Control"))
	if v, ok := cc.ReverseMaxAge(); ok {
		return v, true
	}
	if v, ok := cc.SMaxAge(); ok {
		return v, true
	}
	if v, ok := cc.MaxAge(); ok {
		return v, true
	}
	if expires := header.Get("Expires"); expires != "" {
		if expiresAt, err := http.ParseTime(expires); err == nil {
			delta := int(expiresAt.Sub(DateOf(header, now)).Seconds())
			return delta, true
		}
	}
	return 0, false
}

// DateOf returns the parsed Date header, or now() if absent or malformed.
func DateOf(header http.Header, now func() time.Time) time.Time {
	if date := header.Get("Date"); date != "" {
		if t, err := http.ParseTime(date); err == nil {
			return t
		}
	}
	return now()
}

// Age returns the response's Age header if present, else the elapsed time
// since Date, floored at zero.
func Age(header http.Header, now func() time.Time) int {
	if ageStr := header.Get("Age"); ageStr != "" {
		if age, err := strconv.Atoi(ageStr); err == nil {
			return age
		}
	}
	delta := int(now().Sub(DateOf(header, now)).Seconds())
	if delta < 0 {
		return 0
	}
	return delta
}

// TTL returns max_age - age, or (0, false) when there is no max-age.
func TTL(header http.Header, now func() time.Time) (int, bool) {
	maxAge, ok := MaxAge(header, now)
	if !ok {
		return 0, false
	}
	return maxAge - Age(header, now), true
}

// Fresh reports whether the response still has positive time-to-live.
func Fresh(header http.Header, now func() time.Time) bool {
	ttl, ok := TTL(header, now)
	return ok && ttl > 0
}

// Validateable reports whether the response carries a conditional-request
// validator.
func Validateable(header http.Header) bool {
	return header.Get("Last-Modified") != "" || header.Get("ETag") != ""
}

// Cacheable reports whether a response with this status and header is
// eligible for storage: cacheable status, not private, not no-store, and
// either fresh or validateable.
func Cacheable(status int, header http.Header, now func() time.Time) bool {
	if !cacheableStatuses[status] {
		return false
	}
	cc := cachecontrol.Parse(header.Get("Cache-Control"))
	if cc.Private() || cc.NoStore() {
		return false
	}
	return Validateable(header) || Fresh(header, now)
}

// Expire rewrites a fresh response's Age header to its max-age, making it
// stale on the next read. It is a no-op on a response that isn't fresh.
// Applying it twice has the same effect as applying it once.
func Expire(header http.Header, now func() time.Time) {
	if !Fresh(header, now) {
		return
	}
	maxAge, _ := MaxAge(header, now)
	header.Set("Age", strconv.Itoa(maxAge))
}
