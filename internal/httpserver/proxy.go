// Package httpserver holds the two HTTP listeners: the proxy endpoint that
// fronts the Graph API, and the realtime endpoint that receives push
// notifications and turns them into cache invalidations.
package httpserver

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"graphproxy/internal/apps"
	"graphproxy/internal/cache"
	"graphproxy/internal/upstream"
)

// userFields are the profile fields assumed requested when a direct-user
// request carries no fields parameter.
var userFields = []string{
	"first_name", "last_name", "name", "hometown", "location",
	"about", "bio", "relationship_status", "significant_other",
	"work", "education", "gender",
}

// invalidateMap names the sibling connections whose cached entries a write
// to a connection may have changed. A POST to /{uid}/feed can change the
// contents of /{uid}/statuses, so those are dropped proactively rather than
// waiting for a realtime notification.
var invalidateMap = map[string][]string{
	"feed":  {"statuses", "feed", "links"},
	"links": {"feed", "links"},
}

// connectionsBlacklist lists connections known not to deliver realtime
// updates; requests for them are never cached.
var connectionsBlacklist = map[string]struct{}{
	"home": {}, "tagged": {}, "posts": {}, "likes": {}, "photos": {},
	"albums": {}, "videos": {}, "groups": {}, "notes": {}, "events": {},
	"inbox": {}, "outbox": {}, "updates": {},
}

// Cache is the engine capability surface the gate depends on.
type Cache interface {
	HandleRequest(ctx context.Context, query url.Values, path, rawQuery string, app *apps.App, fetch cache.Fetcher) (*cache.Result, error)
	Invalidate(appID, url string)
}

// Proxy is the request gate: it decides cache eligibility per request and
// routes to the cache engine or passes straight through to the upstream.
type Proxy struct {
	registry *apps.Registry
	cache    Cache
	fetcher  upstreamSender
	validate Validator
	log      *zap.Logger
}

// upstreamSender is the full upstream surface pass-through needs; Fetch
// alone is what the cache engine gets.
type upstreamSender interface {
	cache.Fetcher
	Send(ctx context.Context, method, path, rawQuery string, header http.Header, body io.Reader) (*upstream.Response, error)
}

// NewProxyRouter builds the proxy listener. validate may be nil; engine may
// be nil, in which case everything passes through.
func NewProxyRouter(registry *apps.Registry, engine Cache, fetcher upstreamSender, validate Validator, logger *zap.Logger) http.Handler {
	p := &Proxy{
		registry: registry,
		cache:    engine,
		fetcher:  fetcher,
		validate: validate,
		log:      logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))
	r.HandleFunc("/*", p.serve)
	return r
}

// serve runs the eligibility checks in order and dispatches to the cache or
// to pass-through. Reasons a request bypasses the cache: a non-GET method,
// a path deeper than a direct connection, a blacklisted connection, fields
// or connections outside the app's subscription, a target user the app has
// not been observed serving, or no applicable app at all.
func (p *Proxy) serve(w http.ResponseWriter, r *http.Request) {
	uriParts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	query := r.URL.Query()

	if p.validate != nil && !p.validate(r) {
		proxyRequestsTotal.WithLabelValues(outcomeRejected).Inc()
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("Failed to validate request\n"))
		return
	}

	var app *apps.App
	pieces := [4]string{}
	if vs, ok := query["access_token"]; ok && len(vs) > 0 {
		if parsed, ok := apps.ParseAccessToken(vs[0]); ok {
			pieces = parsed
			app = p.registry.Get(pieces[0])
		} else {
			app = p.registry.Default()
		}
	}

	// /me is not a stable cache key; substitute the token's uid.
	if strings.ToUpper(uriParts[0]) == "ME" && pieces[2] != "" {
		uriParts[0] = pieces[2]
	}
	path := "/" + strings.Join(uriParts, "/")

	if app == nil {
		app = p.registry.Default()
	}
	if app == nil {
		p.log.Info("bypassing cache due to missing application settings")
		p.passThrough(w, r, path)
		return
	}

	if r.Method != http.MethodGet {
		p.invalidateForPost(app, uriParts)
		p.passThrough(w, r, path)
		return
	}

	fields := userFields
	if vs, ok := query["fields"]; ok && len(vs) > 0 {
		fields = strings.Split(vs[0], ",")
	}

	if !app.CheckUser(pieces[2], uriParts[0], p.registry.Default()) {
		p.log.Info("bypassing cache since user not known to be app user",
			zap.String("app", app.ID), zap.String("user", uriParts[0]))
		p.passThrough(w, r, path)
		return
	}
	if p.cannotCache(r.Method, uriParts) {
		p.log.Info("bypassing cache because the URI is not cacheable",
			zap.String("path", path))
		p.passThrough(w, r, path)
		return
	}
	if !app.CheckRequest(uriParts, fields) {
		p.log.Info("bypassing cache since the app rejected the request",
			zap.String("app", app.ID), zap.String("path", path))
		p.passThrough(w, r, path)
		return
	}

	if p.cache == nil {
		p.log.Warn("cache does not exist, passing request through")
		p.passThrough(w, r, path)
		return
	}

	res, err := p.cache.HandleRequest(r.Context(), query, path, r.URL.RawQuery, app, p.fetcher)
	if err != nil {
		proxyRequestsTotal.WithLabelValues(outcomeError).Inc()
		p.internalError(w)
		return
	}
	mode := outcomeMiss
	if res.Hit {
		mode = outcomeHit
	}
	proxyRequestsTotal.WithLabelValues(mode).Inc()

	copyHeader(w.Header(), res.Header)
	w.Header().Set("X-Graph-Cache", strings.ToUpper(mode))
	w.WriteHeader(res.Status)
	w.Write(res.Body)
}

// cannotCache rules out requests that can never be cached: non-GETs, paths
// deeper than a direct connection, and blacklisted connections.
func (p *Proxy) cannotCache(method string, uriParts []string) bool {
	if method != http.MethodGet {
		return true
	}
	if len(uriParts) > 2 {
		return true
	}
	if len(uriParts) == 2 {
		if _, ok := connectionsBlacklist[uriParts[1]]; ok {
			return true
		}
	}
	return false
}

// invalidateForPost proactively drops cache entries a non-GET to a
// connection is likely to have changed. Best effort; unknown keys are
// ignored.
func (p *Proxy) invalidateForPost(app *apps.App, uriParts []string) {
	if p.cache == nil || len(uriParts) != 2 {
		return
	}
	siblings, ok := invalidateMap[uriParts[1]]
	if !ok {
		return
	}
	for _, sibling := range siblings {
		url := "/" + uriParts[0] + "/" + sibling
		p.log.Debug("invalidating after write", zap.String("url", url))
		p.cache.Invalidate(app.ID, url)
		invalidationsTotal.WithLabelValues("write").Inc()
	}
}

// passThrough forwards the request upstream verbatim and mirrors the reply.
func (p *Proxy) passThrough(w http.ResponseWriter, r *http.Request, path string) {
	proxyRequestsTotal.WithLabelValues(outcomeBypass).Inc()

	header := r.Header.Clone()
	header.Del("Host")
	resp, err := p.fetcher.Send(r.Context(), r.Method, path, r.URL.RawQuery, header, r.Body)
	if err != nil {
		proxyRequestsTotal.WithLabelValues(outcomeError).Inc()
		p.internalError(w)
		return
	}
	copyHeader(w.Header(), resp.Header)
	w.Header().Set("X-Graph-Cache", "BYPASS")
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}

func (p *Proxy) internalError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusInternalServerError)
	w.Write([]byte("An internal error occurred\n"))
}

func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

// requestLogger logs each request with its status and timing.
func requestLogger(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("requestID", middleware.GetReqID(r.Context())),
			)
		})
	}
}
