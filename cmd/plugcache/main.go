// Command plugcache is a standalone reverse-caching proxy built on the
// plugcache library: it proxies to a configured origin, applies any
// path-matched Cache-Control overrides, and serves cacheable responses
// straight from its own store on subsequent requests.
package main

import (
	"flag"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	"github.com/always-cache/plugcache"
	"github.com/always-cache/plugcache/internal/originrules"
	"github.com/always-cache/plugcache/store"
)

var (
	configFlag     string
	originFlag     string
	addrFlag       string
	dbFlag         string
	defaultTTLFlag time.Duration
	verboseFlag    bool
	logFileFlag    string
)

func init() {
	flag.StringVar(&configFlag, "config", "", "YAML config file (origin, addr, db, rules)")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides config)")
	flag.StringVar(&addrFlag, "addr", ":8080", "Address to listen on (overrides config)")
	flag.StringVar(&dbFlag, "db", "cache.db", "SQLite DB file for the cache store ('memory' for in-memory)")
	flag.DurationVar(&defaultTTLFlag, "default-ttl", 0, "Default TTL assigned to responses with no freshness info")
	flag.BoolVar(&verboseFlag, "vv", false, "Trace-level logging")
	flag.StringVar(&logFileFlag, "log-file", "", "Log file to use in addition to stdout")
}

func main() {
	flag.Parse()

	cfg, err := loadConfig(configFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("could not load config")
	}
	if originFlag != "" {
		cfg.Origin = originFlag
	}
	addrSet := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "addr" {
			addrSet = true
		}
	})
	if addrSet || cfg.Addr == "" {
		cfg.Addr = addrFlag
	}
	if dbFlag != "" && cfg.DB == "" {
		cfg.DB = dbFlag
	}
	if defaultTTLFlag != 0 {
		cfg.DefaultTTL = defaultTTLFlag
	}
	if cfg.Origin == "" {
		log.Fatal().Msg("origin is required (-origin or config's 'origin')")
	}

	setupLogger()

	originURL, err := url.Parse(cfg.Origin)
	if err != nil {
		log.Fatal().Err(err).Msg("could not parse origin URL")
	}

	dbFilename := cfg.DB
	if dbFilename == "memory" {
		dbFilename = ""
	}
	metastore, err := store.NewSQLiteMetastore(dbFilename)
	if err != nil {
		log.Fatal().Err(err).Msg("could not open metastore")
	}
	entitystore, err := store.NewSQLiteEntitystore(dbFilename)
	if err != nil {
		log.Fatal().Err(err).Msg("could not open entitystore")
	}

	proxy := newOriginProxy(originURL, cfg.Rules)

	pc := plugcache.New(plugcache.Config{
		Metastore:         metastore,
		Entitystore:       entitystore,
		DefaultTTL:        cfg.DefaultTTL,
		PrivateHeaderKeys: cfg.PrivateHeaderKeys,
		IgnoredHeaders:    cfg.IgnoredHeaders,
		Verbose:           verboseFlag,
	})

	router := chi.NewRouter()
	router.Use(hlog.NewHandler(log.Logger))
	router.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Dur("duration", duration).
			Msg("request")
	}))
	router.Handle("/*", pc.Middleware(proxy))

	log.Info().Msgf("proxying %s to origin %s", cfg.Addr, originURL)
	if err := http.ListenAndServe(cfg.Addr, router); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

// newOriginProxy builds a reverse proxy to origin whose ModifyResponse hook
// applies rules before the response reaches the caching middleware.
func newOriginProxy(origin *url.URL, rules originrules.Rules) http.Handler {
	proxy := httputil.NewSingleHostReverseProxy(origin)
	proxy.ModifyResponse = func(resp *http.Response) error {
		rules.Apply(resp)
		return nil
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		hlog.FromRequest(r).Error().Err(err).Msg("origin request failed")
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}
	return proxy
}

func setupLogger() {
	level := zerolog.InfoLevel
	if verboseFlag {
		level = zerolog.TraceLevel
	}

	outputs := []io.Writer{zerolog.ConsoleWriter{Out: os.Stdout}}
	if logFileFlag != "" {
		f, err := os.OpenFile(logFileFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			log.Fatal().Err(err).Msg("cannot open log file")
		}
		outputs = append(outputs, f)
	}

	log.Logger = log.Output(zerolog.MultiLevelWriter(outputs...)).Level(level)
}
