// Package originrules applies path/method-matched Cache-Control overrides
// and extra headers to an origin's response before it reaches the caching
// middleware, for origins that can't be updated to send their own freshness
// headers. It operates on a request's method/path/query directly, since it
// runs from an httputil.ReverseProxy ModifyResponse hook which hands us the
// *http.Response with its originating *http.Request attached. Unlike a
// GET-only rule matcher, rules here may be scoped to any method.
package originrules

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

// Rule matches requests by path prefix, exact path, method, and query
// parameters, and either sets or defaults the response's Cache-Control,
// plus any additional headers.
type Rule struct {
	Prefix   string            `yaml:"prefix"`
	Path     string            `yaml:"path"`
	Method   string            `yaml:"method"`
	Default  string            `yaml:"default"`
	Override string            `yaml:"override"`
	Query    map[string]string `yaml:"query"`
	Headers  map[string]string `yaml:"headers"`
}

// Rules is an ordered list of Rule; the first match wins.
type Rules []Rule

// Apply finds the first matching rule for resp's originating request and
// applies it. It is a no-op for non-200 responses or when no rule matches.
func (rs Rules) Apply(resp *http.Response) {
	if resp.StatusCode != http.StatusOK {
		return
	}
	rule := rs.find(resp.Request)
	if rule == nil {
		return
	}
	applyRule(*rule, resp.Header)
}

func (rs Rules) find(req *http.Request) *Rule {
	log.Trace().Msgf("finding rule for request %s:%s", req.Method, req.URL.Path)
ruleLoop:
	for _, rule := range rs {
		log.Trace().Msgf("checking rule %+v", rule)
		if rule.Method == "" && req.Method != http.MethodGet {
			continue
		}
		if rule.Method != "" && rule.Method != req.Method {
			continue
		}
		if rule.Path != "" && rule.Path != req.URL.Path {
			continue
		}
		if rule.Prefix != "" && !strings.HasPrefix(req.URL.Path, rule.Prefix) {
			continue
		}
		if len(rule.Query) > 0 {
			q := req.URL.Query()
			for name, value := range rule.Query {
				if value == "" && !q.Has(name) {
					continue ruleLoop
				}
				if value != "" && q.Get(name) != value {
					continue ruleLoop
				}
			}
		}
		r := rule
		return &r
	}
	return nil
}

func applyRule(rule Rule, header http.Header) {
	switch {
	case rule.Override != "":
		log.Trace().Msg("overriding Cache-Control header")
		header.Set("Cache-Control", rule.Override)
	case rule.Default != "" && header.Get("Cache-Control") == "":
		log.Trace().Msg("applying default Cache-Control header")
		header.Set("Cache-Control", rule.Default)
	}
	for name, value := range rule.Headers {
		log.Trace().Msgf("setting header %s", name)
		header.Set(name, value)
	}
}
