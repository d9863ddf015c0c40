package plugcache

import (
	"crypto/sha1"
	"encoding/hex"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/always-cache/plugcache/cachecontrol"
	"github.com/always-cache/plugcache/cachekey"
	"github.com/always-cache/plugcache/freshness"
	"github.com/always-cache/plugcache/internal/recorder"
	"github.com/always-cache/plugcache/store"
)

// PlugCache is an RFC 2616 §13 caching layer that wraps a downstream
// http.Handler. Construct one with New and install it with Middleware.
type PlugCache struct {
	cfg Config
}

// New returns a ready-to-use PlugCache. A nil Metastore or Entitystore in
// cfg defaults to an in-memory implementation.
func New(cfg Config) *PlugCache {
	if cfg.Metastore == nil {
		cfg.Metastore = store.NewMemMetastore()
	}
	if cfg.Entitystore == nil {
		cfg.Entitystore = store.NewMemEntitystore()
	}
	return &PlugCache{cfg: cfg}
}

// Middleware wraps next with the caching layer.
func (pc *PlugCache) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pc.serve(w, r, next)
	})
}

func (pc *PlugCache) serve(w http.ResponseWriter, r *http.Request, next http.Handler) {
	tr := newTrace()
	logger := pc.cfg.logger()
	key := cachekey.Key(r, keyGenerator(r.Context()))

	// Rule 1: unsafe methods invalidate then pass through unconditionally,
	// regardless of force_pass or Expect (method check wins first).
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		if err := pc.invalidate(key); err != nil {
			logger.Warn().Err(err).Str("key", key).Msg("store backend error on invalidate")
		}
		tr.record("invalidate")
		tr.record("pass")
		pc.finalize(w, r, pc.callDownstream(r, next), tr)
		return
	}

	// Rule 2: private force-pass flag.
	if forcePass(r.Context()) {
		tr.record("pass")
		pc.finalize(w, r, pc.callDownstream(r, next), tr)
		return
	}

	// Rule 3: any Expect header short-circuits straight through.
	if hasExpectHeader(r) {
		tr.record("pass")
		pc.finalize(w, r, pc.callDownstream(r, next), tr)
		return
	}

	// Rule 4: explicit reload requested by the client.
	reqCC := cachecontrol.Parse(r.Header.Get("Cache-Control"))
	if reqCC.NoCache() || r.Header.Get("Pragma") == "no-cache" {
		tr.record("reload")
		pc.finalize(w, r, pc.fetch(key, r, next), tr)
		return
	}

	// Rule 5: consult the store.
	entry, err := pc.lookup(key, r.Header)
	if err != nil {
		logger.Warn().Err(err).Str("key", key).Msg("store backend error on lookup")
		pc.finalize(w, r, pc.callDownstream(r, next), tr)
		return
	}
	if entry == nil {
		tr.record("miss")
		pc.finalize(w, r, pc.fetch(key, r, next), tr)
		return
	}
	if pc.freshEnough(entry, r) {
		tr.record("fresh")
		pc.serveFresh(entry)
		pc.finalize(w, r, entry, tr)
		return
	}
	tr.record("stale")
	pc.finalize(w, r, pc.validate(key, entry, r, next, tr), tr)
}

// callDownstream runs next over a buffering recorder and returns the
// recorded response, rather than writing it straight through — the caching
// layer needs a chance to inspect and rewrite it first.
func (pc *PlugCache) callDownstream(r *http.Request, next http.Handler) *Response {
	rec := recorder.New()
	next.ServeHTTP(rec, r)
	status, header, body := rec.Result()
	if header.Get("Date") == "" {
		// A real network response always carries a Date header (net/http's
		// server stamps one automatically); our recorder bypasses that, so
		// without this the freshness calculus would see every downstream
		// response as perpetually zero-age.
		header.Set("Date", pc.cfg.now()().Format(http.TimeFormat))
	}
	return &Response{Status: status, Header: header, Body: body}
}

// fetch implements spec §4.5 Fetch: force GET, call downstream, clean the
// response's Cache-Control, and store it if cacheable.
func (pc *PlugCache) fetch(key string, r *http.Request, next http.Handler) *Response {
	r2 := r.Clone(r.Context())
	r2.Method = http.MethodGet

	resp := pc.callDownstream(r2, next)
	pc.cleanCacheControl(resp)
	if freshness.Cacheable(resp.Status, resp.Header, pc.cfg.now()) {
		resp = pc.store(key, r.Header, resp)
	}
	return resp
}

// validate implements spec §4.5 Validate: issue a conditional GET merging
// the client's and the cached entry's validators, then reconcile the
// origin's answer with the cached entry.
func (pc *PlugCache) validate(key string, entry *Response, r *http.Request, next http.Handler, tr *trace) *Response {
	cachedETags := splitETags(entry.Header.Get("ETag"))
	origRequestETags := splitETags(r.Header.Get("If-None-Match"))

	r2 := r.Clone(r.Context())
	r2.Method = http.MethodGet
	r2.Header = r.Header.Clone()
	if union := unionStrings(cachedETags, origRequestETags); len(union) > 0 {
		r2.Header.Set("If-None-Match", strings.Join(union, ", "))
	}
	if lm := entry.Header.Get("Last-Modified"); lm != "" {
		r2.Header.Set("If-Modified-Since", lm)
	}

	resp := pc.callDownstream(r2, next)

	if resp.Status != http.StatusNotModified {
		// Origin didn't find our variant still valid: treat as a fresh
		// miss and store whatever it returned.
		return pc.store(key, r.Header, resp)
	}
	tr.record("valid")

	originETag := resp.Header.Get("ETag")
	validatedClientVariant := originETag != "" &&
		contains(origRequestETags, originETag) &&
		!contains(cachedETags, originETag)
	if validatedClientVariant {
		// The origin validated a variant the client already held but we
		// never cached: pass its 304 through unchanged.
		return resp
	}

	for _, h := range []string{"Date", "Expires", "Cache-Control", "ETag", "Last-Modified"} {
		if v := resp.Header.Get(h); v != "" {
			entry.Header.Set(h, v)
		}
	}
	return pc.store(key, r.Header, entry)
}

// store strips ignored headers, persists resp via storeResponse, and stamps
// Age on the result. Used by both the fetch path's store step and the
// revalidation path's merge-then-store step; the two are the same
// procedure with a different input response.
func (pc *PlugCache) store(key string, reqHeader http.Header, resp *Response) *Response {
	for _, h := range pc.cfg.IgnoredHeaders {
		resp.Header.Del(h)
	}
	stored, err := pc.storeResponse(key, reqHeader, resp)
	if err != nil {
		pc.cfg.logger().Warn().Err(err).Str("key", key).Msg("store backend error on store_response")
		return resp
	}
	stored.Header.Set("Age", strconv.Itoa(freshness.Age(stored.Header, pc.cfg.now())))
	return stored
}

// storeResponse implements spec §4.4 store_response.
func (pc *PlugCache) storeResponse(key string, reqHeader http.Header, resp *Response) (*Response, error) {
	if resp.Header.Get("X-Content-Digest") == "" {
		digest := sha1HexUpper(resp.Body)
		if err := pc.cfg.Entitystore.Store(digest, resp.Body); err != nil {
			return resp, err
		}
		resp.Header.Set("X-Content-Digest", digest)
		if resp.Header.Get("Transfer-Encoding") == "" {
			resp.Header.Set("Content-Length", strconv.Itoa(len(resp.Body)))
		}
		if body, ok, err := pc.cfg.Entitystore.Load(digest); err == nil && ok {
			resp.Body = body
		}
	}

	vary := resp.Header.Get("Vary")
	storedReq := reqHeader.Clone()
	persisted := persistedResponseHeader(resp)

	_, err := pc.cfg.Metastore.Swap(key, func(old []store.Variant) []store.Variant {
		kept := make([]store.Variant, 0, len(old)+1)
		for _, v := range old {
			if v.ResponseHeader.Get("Vary") == vary && varyMatches(vary, v.RequestHeader, storedReq) {
				continue
			}
			kept = append(kept, v)
		}
		return append([]store.Variant{{RequestHeader: storedReq, ResponseHeader: persisted}}, kept...)
	})
	if err != nil {
		return resp, err
	}
	return resp, nil
}

// lookup implements spec §4.4 lookup.
func (pc *PlugCache) lookup(key string, reqHeader http.Header) (*Response, error) {
	variants, err := pc.cfg.Metastore.Load(key)
	if err != nil {
		return nil, err
	}
	for _, v := range variants {
		if !varyMatches(v.ResponseHeader.Get("Vary"), v.RequestHeader, reqHeader) {
			continue
		}
		digest := v.ResponseHeader.Get("X-Content-Digest")
		body, ok, err := pc.cfg.Entitystore.Load(digest)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Orphaned metastore entry: treat as a miss, per spec §7.
			return nil, nil
		}
		status, _ := strconv.Atoi(v.ResponseHeader.Get("X-Status"))
		header := v.ResponseHeader.Clone()
		header.Del("X-Status")
		return &Response{Status: status, Header: header, Body: body}, nil
	}
	return nil, nil
}

// invalidate implements spec §4.4 invalidate: fresh variants are rewritten
// stale by stamping Age to their max-age. This is the one sanctioned
// exception to invariant 3 (persisted responses otherwise never carry an
// Age header) — overwriting Age is the only way to make a stored variant
// observably stale on the next read, since Age is recomputed from Date on
// every other path.
func (pc *PlugCache) invalidate(key string) error {
	now := pc.cfg.now()
	_, err := pc.cfg.Metastore.Swap(key, func(old []store.Variant) []store.Variant {
		if old == nil {
			return nil
		}
		next := make([]store.Variant, len(old))
		for i, v := range old {
			header := v.ResponseHeader.Clone()
			if freshness.Fresh(header, now) {
				freshness.Expire(header, now)
			}
			next[i] = store.Variant{RequestHeader: v.RequestHeader, ResponseHeader: header}
		}
		return next
	})
	return err
}

// freshEnough implements spec §4.5 fresh_enough?, per the resolution in
// SPEC_FULL.md §4.5: an absent request max-age can only be interpreted as
// "no additional constraint", not as an automatic freshness failure.
func (pc *PlugCache) freshEnough(entry *Response, r *http.Request) bool {
	now := pc.cfg.now()
	if !freshness.Fresh(entry.Header, now) {
		return false
	}
	if !pc.cfg.allowRevalidate() {
		return true
	}
	reqCC := cachecontrol.Parse(r.Header.Get("Cache-Control"))
	m, ok := reqCC.MaxAge()
	if !ok {
		return true
	}
	return m > freshness.Age(entry.Header, now)
}

// serveFresh implements spec §4.5 ServeFresh: stamp the served Age onto the
// stored entry's header before it flows to the finalizer.
func (pc *PlugCache) serveFresh(entry *Response) {
	entry.Header.Set("Age", strconv.Itoa(freshness.Age(entry.Header, pc.cfg.now())))
}

// cleanCacheControl implements spec §4.5 CleanCacheControl.
func (pc *PlugCache) cleanCacheControl(resp *Response) {
	d := cachecontrol.Parse(resp.Header.Get("Cache-Control"))

	hasPrivateHeader := false
	for _, h := range pc.cfg.PrivateHeaderKeys {
		if resp.Header.Get(h) != "" {
			hasPrivateHeader = true
			break
		}
	}

	if hasPrivateHeader && !d.Public() {
		d.Delete("public")
		d.SetBool("private", true)
	} else if pc.cfg.DefaultTTL > 0 {
		if _, hasTTL := freshness.TTL(resp.Header, pc.cfg.now()); !hasTTL && !d.MustRevalidate() {
			age := freshness.Age(resp.Header, pc.cfg.now())
			d.Set("s-maxage", strconv.Itoa(age+int(pc.cfg.DefaultTTL.Seconds())))
		}
	}

	resp.Header.Set("Cache-Control", d.String())
}

// finalize implements spec §4.6: append the trace header, and either
// short-circuit to a hygienic 304 or empty a HEAD body.
func (pc *PlugCache) finalize(w http.ResponseWriter, r *http.Request, resp *Response, tr *trace) {
	if resp == nil {
		resp = emptyResponse()
	}
	resp.Header.Set("X-Plug-Cache", tr.String())

	switch {
	case (r.Method == http.MethodGet || r.Method == http.MethodHead) && notModified(r.Header, resp):
		for _, h := range []string{
			"Allow", "Content-Encoding", "Content-Language", "Content-Length",
			"Content-MD5", "Content-Type", "Last-Modified",
		} {
			resp.Header.Del(h)
		}
		resp.Status = http.StatusNotModified
		resp.Body = nil
	case r.Method == http.MethodHead:
		resp.Body = nil
	}

	writeResponse(w, resp)
}

func writeResponse(w http.ResponseWriter, resp *Response) {
	dst := w.Header()
	for name, values := range resp.Header {
		for _, v := range values {
			dst.Add(name, v)
		}
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(resp.Body) > 0 {
		w.Write(resp.Body)
	}
}

// notModified implements spec §4.6 not_modified?. Go's http.Header has no
// memory of which distinct header name arrived first on the wire, so the
// "whichever comes first" tie-break resolves to If-None-Match-wins-when-
// present (SPEC_FULL.md §4.6): the only reading consistent with every row
// of the conditional-GET matrix.
func notModified(reqHeader http.Header, resp *Response) bool {
	inm := reqHeader.Get("If-None-Match")
	ims := reqHeader.Get("If-Modified-Since")

	if inm != "" {
		reqETags := splitETags(inm)
		respETag := resp.Header.Get("ETag")
		if respETag == "" {
			return contains(reqETags, "*")
		}
		etagMatch := contains(reqETags, "*") || contains(reqETags, respETag)
		if ims == "" {
			return etagMatch
		}
		return etagMatch && ims == resp.Header.Get("Last-Modified")
	}
	if ims != "" {
		return ims == resp.Header.Get("Last-Modified")
	}
	return false
}

func persistedResponseHeader(resp *Response) http.Header {
	h := resp.Header.Clone()
	h.Del("Age")
	h.Set("X-Status", strconv.Itoa(resp.Status))
	return h
}

var varySplitRE = regexp.MustCompile(`[\s,]+`)

// varyMatches implements the Vary match predicate shared by spec §4.4
// lookup and store_response's dedupe check (called "requests_match?"
// there — it is the same predicate).
func varyMatches(vary string, saved, current http.Header) bool {
	vary = strings.TrimSpace(vary)
	if vary == "" {
		return true
	}
	for _, h := range varySplitRE.Split(vary, -1) {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if saved.Get(h) != current.Get(h) {
			return false
		}
	}
	return true
}

var etagSplitRE = regexp.MustCompile(`\s*,\s*`)

func splitETags(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	var out []string
	for _, p := range etagSplitRE.Split(v, -1) {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}

func hasExpectHeader(r *http.Request) bool {
	_, ok := r.Header["Expect"]
	return ok
}

func sha1HexUpper(body []byte) string {
	sum := sha1.Sum(body)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}
