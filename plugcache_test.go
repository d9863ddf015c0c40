package plugcache

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/always-cache/plugcache/store"
)

func newTestCache(now func() time.Time) *PlugCache {
	return New(Config{
		Metastore:   store.NewMemMetastore(),
		Entitystore: store.NewMemEntitystore(),
		Now:         now,
	})
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func doRequest(mw http.Handler, method, target string, headers map[string]string) *http.Response {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	mw.ServeHTTP(rr, req)
	return rr.Result()
}

func TestMiddlewarePassesThroughResponseBody(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Hello world"))
	})
	mw := newTestCache(nil).Middleware(handler)

	resp := doRequest(mw, "GET", "/", nil)
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "Hello world" {
		t.Fatalf("got body %q", body)
	}
}

func TestSecondIdenticalGETIsServedFresh(t *testing.T) {
	now := fixedClock(time.Now())
	var handleCount int
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		w.Header().Set("Cache-Control", "public, max-age=60")
		w.Write([]byte("Hi"))
	})
	mw := newTestCache(now).Middleware(handler)

	first := doRequest(mw, "GET", "/", nil)
	if got := first.Header.Get("X-Plug-Cache"); got != "miss" {
		t.Fatalf("expected trace 'miss', got %q", got)
	}

	second := doRequest(mw, "GET", "/", nil)
	if got := second.Header.Get("X-Plug-Cache"); got != "fresh" {
		t.Fatalf("expected trace 'fresh', got %q", got)
	}
	if second.Header.Get("Age") == "" {
		t.Fatal("expected Age header on fresh hit")
	}
	if handleCount != 1 {
		t.Fatalf("downstream handler called %d times, want 1", handleCount)
	}
	body, _ := io.ReadAll(second.Body)
	if string(body) != "Hi" {
		t.Fatalf("got body %q", body)
	}
}

func TestUnsafeMethodInvalidatesAndPasses(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mw := newTestCache(nil).Middleware(handler)

	resp := doRequest(mw, "POST", "/", nil)
	if got := resp.Header.Get("X-Plug-Cache"); got != "invalidate, pass" {
		t.Fatalf("got trace %q", got)
	}
	if resp.Header.Get("Age") != "" {
		t.Fatal("unsafe-method response must not carry an Age header")
	}
}

func TestForcePassBypassesCache(t *testing.T) {
	var handleCount int
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		w.Header().Set("Cache-Control", "public, max-age=60")
		w.Write([]byte("x"))
	})
	pc := newTestCache(nil)
	mw := pc.Middleware(handler)

	req := httptest.NewRequest("GET", "/", nil)
	req = req.WithContext(WithForcePass(req.Context()))
	rr := httptest.NewRecorder()
	mw.ServeHTTP(rr, req)

	if got := rr.Result().Header.Get("X-Plug-Cache"); got != "pass" {
		t.Fatalf("got trace %q", got)
	}

	// A second, ordinary request must still be a miss: nothing was stored.
	second := doRequest(mw, "GET", "/", nil)
	if got := second.Header.Get("X-Plug-Cache"); got != "miss" {
		t.Fatalf("expected force-pass request to skip storage, got trace %q", got)
	}
	if handleCount != 2 {
		t.Fatalf("downstream called %d times, want 2", handleCount)
	}
}

func TestExpectHeaderShortCircuits(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("x"))
	})
	mw := newTestCache(nil).Middleware(handler)

	resp := doRequest(mw, "GET", "/", map[string]string{"Expect": "100-continue"})
	if got := resp.Header.Get("X-Plug-Cache"); got != "pass" {
		t.Fatalf("got trace %q", got)
	}
}

func TestRequestNoCacheForcesReload(t *testing.T) {
	var handleCount int
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		w.Header().Set("Cache-Control", "public, max-age=60")
		w.Write([]byte("x"))
	})
	mw := newTestCache(nil).Middleware(handler)

	doRequest(mw, "GET", "/", nil)
	resp := doRequest(mw, "GET", "/", map[string]string{"Cache-Control": "no-cache"})
	if got := resp.Header.Get("X-Plug-Cache"); got != "reload" {
		t.Fatalf("got trace %q", got)
	}
	if handleCount != 2 {
		t.Fatalf("downstream called %d times, want 2", handleCount)
	}
}

func TestStaleEntryRevalidatesWith304(t *testing.T) {
	base := time.Now()
	var current time.Time = base
	now := func() time.Time { return current }

	var handleCount int
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		if inm := r.Header.Get("If-None-Match"); inm != "" {
			w.Header().Set("ETag", `"v1"`)
			w.Header().Set("Cache-Control", "public, max-age=60")
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Cache-Control", "public, max-age=1")
		w.Write([]byte("body"))
	})
	mw := newTestCache(now).Middleware(handler)

	doRequest(mw, "GET", "/", nil)
	current = base.Add(2 * time.Second) // now stale

	resp := doRequest(mw, "GET", "/", nil)
	if got := resp.Header.Get("X-Plug-Cache"); got != "stale, valid" {
		t.Fatalf("got trace %q", got)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "body" {
		t.Fatalf("expected cached body to survive revalidation, got %q", body)
	}
	if handleCount != 2 {
		t.Fatalf("downstream called %d times, want 2", handleCount)
	}
}

func TestConditionalGETMatrix(t *testing.T) {
	lastModified := "Wed, 21 Oct 2015 07:28:00 GMT"
	older := "Wed, 21 Oct 2015 07:27:59 GMT"

	cases := []struct {
		name           string
		ifNoneMatch    string
		ifModifiedSince string
		wantStatus     int
	}{
		{"etag match + date match", "12345", lastModified, http.StatusNotModified},
		{"etag match + date mismatch", "12345", older, http.StatusOK},
		{"etag mismatch", "12346", lastModified, http.StatusOK},
		{"wildcard etag", "*", "", http.StatusNotModified},
		{"date only match", "", lastModified, http.StatusNotModified},
		{"date only mismatch", "", older, http.StatusOK},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("ETag", "12345")
				w.Header().Set("Last-Modified", lastModified)
				w.Write([]byte("body"))
			})
			mw := newTestCache(nil).Middleware(handler)

			headers := map[string]string{}
			if c.ifNoneMatch != "" {
				headers["If-None-Match"] = c.ifNoneMatch
			}
			if c.ifModifiedSince != "" {
				headers["If-Modified-Since"] = c.ifModifiedSince
			}
			headers["Cache-Control"] = "no-cache" // force reload so every case hits the handler directly
			resp := doRequest(mw, "GET", "/", headers)
			if resp.StatusCode != c.wantStatus {
				t.Fatalf("got status %d, want %d", resp.StatusCode, c.wantStatus)
			}
		})
	}
}

func TestNotModifiedResponseHasHygienicHeadersAndEmptyBody(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", "12345")
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Last-Modified", "Wed, 21 Oct 2015 07:28:00 GMT")
		w.Write([]byte("body"))
	})
	mw := newTestCache(nil).Middleware(handler)

	resp := doRequest(mw, "GET", "/", map[string]string{
		"Cache-Control": "no-cache",
		"If-None-Match": "12345",
	})
	if resp.StatusCode != http.StatusNotModified {
		t.Fatalf("got status %d", resp.StatusCode)
	}
	for _, h := range []string{"Content-Type", "Content-Length", "Last-Modified"} {
		if resp.Header.Get(h) != "" {
			t.Fatalf("304 must not carry %s", h)
		}
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) != 0 {
		t.Fatalf("304 must have empty body, got %q", body)
	}
}

func TestHeadRequestHasEmptyBody(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("should not appear in HEAD response"))
	})
	mw := newTestCache(nil).Middleware(handler)

	resp := doRequest(mw, "HEAD", "/", nil)
	body, _ := io.ReadAll(resp.Body)
	if len(body) != 0 {
		t.Fatalf("expected empty HEAD body, got %q", body)
	}
}

func TestVaryProducesDistinctVariants(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Vary", "Accept-Language")
		w.Header().Set("Cache-Control", "public, max-age=60")
		w.Write([]byte("lang:" + r.Header.Get("Accept-Language")))
	})
	mw := newTestCache(nil).Middleware(handler)

	en := doRequest(mw, "GET", "/", map[string]string{"Accept-Language": "en"})
	fr := doRequest(mw, "GET", "/", map[string]string{"Accept-Language": "fr"})

	enBody, _ := io.ReadAll(en.Body)
	frBody, _ := io.ReadAll(fr.Body)
	if string(enBody) != "lang:en" || string(frBody) != "lang:fr" {
		t.Fatalf("got en=%q fr=%q", enBody, frBody)
	}

	enAgain := doRequest(mw, "GET", "/", map[string]string{"Accept-Language": "en"})
	if got := enAgain.Header.Get("X-Plug-Cache"); got != "fresh" {
		t.Fatalf("expected second 'en' request to hit the 'en' variant, got trace %q", got)
	}
}

func TestKeyGeneratorOverride(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=60")
		w.Write([]byte("x"))
	})
	mw := newTestCache(nil).Middleware(handler)

	generator := func(r *http.Request) string { return "fixed-key" }
	ctx := WithKeyGenerator(context.Background(), generator)

	req1 := httptest.NewRequest("GET", "/a", nil).WithContext(ctx)
	rr1 := httptest.NewRecorder()
	mw.ServeHTTP(rr1, req1)

	req2 := httptest.NewRequest("GET", "/b", nil).WithContext(ctx)
	rr2 := httptest.NewRecorder()
	mw.ServeHTTP(rr2, req2)

	if got := rr2.Result().Header.Get("X-Plug-Cache"); got != "fresh" {
		t.Fatalf("expected override key to unify /a and /b under one entry, got trace %q", got)
	}
}
