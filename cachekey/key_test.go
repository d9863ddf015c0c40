package cachekey

import (
	"crypto/tls"
	"net/http"
	"net/url"
	"testing"
)

func newRequest(rawURL string) *http.Request {
	u, err := url.Parse(rawURL)
	if err != nil {
		panic(err)
	}
	return &http.Request{URL: u, Host: u.Host}
}

func TestKeySortsQueryParams(t *testing.T) {
	r := newRequest("http://www.example.com/?z=last&a=first")
	if got, want := Key(r, nil), "http://www.example.com?a=first&z=last"; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestKeyDecodesBeforeSorting(t *testing.T) {
	r := newRequest("http://www.example.com/?x=q&a=b&%78=c")
	if got, want := Key(r, nil), "http://www.example.com?a=b&x=c&x=q"; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestKeyRootPathWithNoQueryElidesPath(t *testing.T) {
	r := newRequest("http://www.example.com/")
	if got, want := Key(r, nil), "http://www.example.com"; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestKeyIsDeterministicUnderPermutation(t *testing.T) {
	a := newRequest("http://example.com/path?b=2&a=1")
	b := newRequest("http://example.com/path?a=1&b=2")
	if Key(a, nil) != Key(b, nil) {
		t.Fatalf("expected permutation-invariant keys, got %q and %q", Key(a, nil), Key(b, nil))
	}
}

func TestKeyElidesDefaultPorts(t *testing.T) {
	http80 := newRequest("http://example.com:80/path")
	if got, want := Key(http80, nil), "http://example.com/path"; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	https443 := newRequest("https://example.com:443/path")
	if got, want := Key(https443, nil), "https://example.com/path"; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestKeyKeepsNonDefaultPort(t *testing.T) {
	r := newRequest("http://example.com:8080/path")
	if got, want := Key(r, nil), "http://example.com:8080/path"; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestKeyUsesOverrideGenerator(t *testing.T) {
	r := newRequest("http://example.com/path")
	generator := func(r *http.Request) string { return "custom-key" }
	if got := Key(r, generator); got != "custom-key" {
		t.Fatalf("got %q want custom-key", got)
	}
}

func TestKeySchemeFromRequestTLS(t *testing.T) {
	r := newRequest("/secure")
	r.URL.Scheme = ""
	r.TLS = &tls.ConnectionState{}
	r.Host = "example.com"
	if got, want := Key(r, nil), "https://example.com/secure"; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}
