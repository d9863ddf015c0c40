// Package cachekey derives the canonical cache key for a request: scheme,
// host, port-if-nondefault, path, and a normalized query string.
package cachekey

import (
	"net"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// Key returns the canonical cache key for r. If generator is non-nil, it is
// used instead, letting a caller override key derivation per request via
// plugcache.WithKeyGenerator.
func Key(r *http.Request, generator func(*http.Request) string) string {
	if generator != nil {
		return generator(r)
	}
	return canonicalKey(r)
}

func canonicalKey(r *http.Request) string {
	scheme := schemeOf(r)
	host, port := hostPortOf(r)

	key := scheme + "://" + host
	if includePort(scheme, port) {
		key += ":" + port
	}

	// A request for the root path contributes nothing to the key, so
	// "GET /" keys as "http://host", not "http://host/".
	if path := r.URL.Path; path != "" && path != "/" {
		key += path
	}

	if q := normalizedQuery(r.URL.RawQuery); q != "" {
		key += "?" + q
	}

	return key
}

func schemeOf(r *http.Request) string {
	if r.URL.Scheme != "" {
		return r.URL.Scheme
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func hostPortOf(r *http.Request) (host, port string) {
	hostport := r.Host
	if hostport == "" {
		hostport = r.URL.Host
	}
	if h, p, err := net.SplitHostPort(hostport); err == nil {
		return h, p
	}
	return hostport, ""
}

func includePort(scheme, port string) bool {
	if port == "" {
		return false
	}
	switch scheme {
	case "https":
		return port != "443"
	case "http":
		return port != "80"
	}
	return true
}

var querySplitRE = regexp.MustCompile(`[&;] *`)

// normalizedQuery splits the raw query on [&;] followed by optional spaces,
// URL-decodes each pair, splits on the first "=", sorts the resulting
// (k, v) tuples lexicographically, URL-encodes each part, and joins with
// "&".
func normalizedQuery(raw string) string {
	if raw == "" {
		return ""
	}

	type pair struct {
		key, value string
		hasValue   bool
	}

	var pairs []pair
	for _, part := range querySplitRE.Split(raw, -1) {
		if part == "" {
			continue
		}
		decoded, err := url.QueryUnescape(part)
		if err != nil {
			decoded = part
		}
		k, v, found := strings.Cut(decoded, "=")
		pairs = append(pairs, pair{key: k, value: v, hasValue: found})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].key != pairs[j].key {
			return pairs[i].key < pairs[j].key
		}
		return pairs[i].value < pairs[j].value
	})

	parts := make([]string, len(pairs))
	for i, p := range pairs {
		encoded := url.QueryEscape(p.key)
		if p.hasValue {
			encoded += "=" + url.QueryEscape(p.value)
		}
		parts[i] = encoded
	}
	return strings.Join(parts, "&")
}
