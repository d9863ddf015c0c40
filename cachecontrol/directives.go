// Package cachecontrol parses, queries, and serializes the Cache-Control
// header into a directive map, per RFC 2616 §14.9.
package cachecontrol

import (
	"sort"
	"strconv"
	"strings"
)

type directive struct {
	boolean bool
	value   string
}

// Directives is a parsed Cache-Control header: a mapping from lowercase
// directive name to either a boolean presence or a string argument.
type Directives struct {
	m map[string]directive
}

// Parse splits header on "," and each piece on the first "=", lowercasing
// directive names. A bare directive is boolean; a name=value directive
// carries its (unquoted) value verbatim. Empty names are dropped. An empty
// header string parses to an empty, valid Directives.
func Parse(header string) Directives {
	d := Directives{m: make(map[string]directive)}
	if header == "" {
		return d
	}
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, hasValue := strings.Cut(part, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if hasValue {
			d.m[name] = directive{value: strings.Trim(strings.TrimSpace(value), `"`)}
		} else {
			d.m[name] = directive{boolean: true}
		}
	}
	return d
}

// Bool reports whether directive is present at all, regardless of whether it
// was declared boolean or name=value.
func (d Directives) Bool(name string) bool {
	_, ok := d.m[name]
	return ok
}

// StringValue returns the raw string value of a name=value directive.
// ok is false if the directive is absent, or present only as boolean.
func (d Directives) StringValue(name string) (string, bool) {
	dir, ok := d.m[name]
	if !ok || dir.boolean {
		return "", false
	}
	return dir.value, true
}

// Int parses a directive's value as a delta-seconds integer. A missing or
// malformed value is reported as absent rather than an error.
func (d Directives) Int(name string) (int, bool) {
	s, ok := d.StringValue(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (d Directives) Public() bool          { return d.Bool("public") }
func (d Directives) Private() bool         { return d.Bool("private") }
func (d Directives) NoCache() bool         { return d.Bool("no-cache") }
func (d Directives) NoStore() bool         { return d.Bool("no-store") }
func (d Directives) MustRevalidate() bool  { return d.Bool("must-revalidate") }
func (d Directives) ProxyRevalidate() bool { return d.Bool("proxy-revalidate") }

func (d Directives) MaxAge() (int, bool)        { return d.Int("max-age") }
func (d Directives) SMaxAge() (int, bool)       { return d.Int("s-maxage") }
func (d Directives) ReverseMaxAge() (int, bool) { return d.Int("r-maxage") }

// Set assigns a name=value directive, overwriting any prior value or
// boolean presence.
func (d Directives) Set(name, value string) {
	d.m[strings.ToLower(name)] = directive{value: value}
}

// SetBool assigns a boolean directive when present is true, otherwise it
// removes the directive entirely (there is no such thing as a directive
// explicitly set to "false" on the wire).
func (d Directives) SetBool(name string, present bool) {
	name = strings.ToLower(name)
	if !present {
		delete(d.m, name)
		return
	}
	d.m[name] = directive{boolean: true}
}

// Delete removes a directive if present.
func (d Directives) Delete(name string) {
	delete(d.m, strings.ToLower(name))
}

// String serializes the directive map back into a Cache-Control header
// value: boolean directives sorted alphabetically, then name=value
// directives sorted alphabetically, the two groups joined by ", ".
func (d Directives) String() string {
	var bools, vals []string
	for name, dir := range d.m {
		if dir.boolean {
			bools = append(bools, name)
		} else {
			vals = append(vals, name)
		}
	}
	sort.Strings(bools)
	sort.Strings(vals)

	parts := make([]string, 0, len(bools)+len(vals))
	parts = append(parts, bools...)
	for _, name := range vals {
		parts = append(parts, name+"="+d.m[name].value)
	}
	return strings.Join(parts, ", ")
}
