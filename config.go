package plugcache

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/always-cache/plugcache/store"
)

// Config configures a PlugCache instance. Every field has a zero-config
// default: New substitutes in-memory stores for a nil Metastore or
// Entitystore, AllowRevalidate defaults to true and DefaultTTL to 0.
type Config struct {
	Metastore   store.Metastore
	Entitystore store.Entitystore

	// AllowRevalidate, when false, disables shortening a cached entry's
	// freshness window with the request's own max-age (fresh_enough?
	// always returns true once the entry itself is fresh). Defaults to
	// true when nil.
	AllowRevalidate *bool

	// DefaultTTL is assigned as s-maxage to responses that otherwise
	// carry no freshness information and are not must-revalidate.
	DefaultTTL time.Duration

	// PrivateHeaderKeys forces a response private (rather than applying
	// DefaultTTL) when any of these header names is present on it and its
	// Cache-Control does not already say public.
	PrivateHeaderKeys []string

	// IgnoredHeaders are stripped from a response before it is stored.
	IgnoredHeaders []string

	// Verbose is carried in the configuration but not read by the
	// middleware: it changes neither logging nor caching behaviour.
	Verbose bool

	// Now returns the current time; overridable for deterministic tests.
	// Defaults to time.Now.
	Now func() time.Time

	// Logger receives structured log events. Defaults to the package
	// logger from github.com/rs/zerolog/log.
	Logger *zerolog.Logger
}

func (c Config) allowRevalidate() bool {
	if c.AllowRevalidate == nil {
		return true
	}
	return *c.AllowRevalidate
}

func (c Config) now() func() time.Time {
	if c.Now != nil {
		return c.Now
	}
	return time.Now
}

func (c Config) logger() *zerolog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return &log.Logger
}
