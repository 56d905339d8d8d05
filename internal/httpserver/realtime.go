package httpserver

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"graphproxy/internal/apps"
)

// Invalidator is the cache capability the receiver needs.
type Invalidator interface {
	Invalidate(appID, url string)
}

// Realtime handles the push endpoint: GET for the subscription handshake,
// POST for update deliveries. Each delivery entry names a user and the
// fields that changed; entries matching an app's subscription turn into
// point invalidations.
type Realtime struct {
	registry    *apps.Registry
	cache       Invalidator
	verifyToken string
	log         *zap.Logger
}

// NewRealtimeRouter builds the realtime listener. verifyToken is the random
// token sent with subscription registrations; the handshake must echo it.
func NewRealtimeRouter(registry *apps.Registry, cache Invalidator, verifyToken string, logger *zap.Logger) http.Handler {
	rt := &Realtime{
		registry:    registry,
		cache:       cache,
		verifyToken: verifyToken,
		log:         logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/*", rt.handleValidate)
	r.Post("/{appID}", rt.handleUpdate)
	return r
}

// handleValidate answers the subscription handshake by echoing the
// challenge, provided the verify token matches the one we registered with.
func (rt *Realtime) handleValidate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rt.log.Info("validating subscription")
	if q.Get("hub.mode") != "subscribe" {
		badRequest(w, "expecting hub.mode")
		return
	}
	if token := q.Get("hub.verify_token"); token == "" || token != rt.verifyToken {
		forbidden(w)
		return
	}
	if !q.Has("hub.challenge") {
		badRequest(w, "Missing challenge")
		return
	}
	success(w, q.Get("hub.challenge"))
}

// updateEntry is one changed object in a delivery. Pointers distinguish
// absent keys from empty values.
type updateEntry struct {
	UID           *string   `json:"uid"`
	ChangedFields *[]string `json:"changed_fields"`
}

// handleUpdate verifies a delivery's signature and invalidates every cached
// entry the delivery touches: the user object itself when a subscribed
// scalar field changed, and each subscribed connection named in the change
// set.
func (rt *Realtime) handleUpdate(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "appID")
	app := rt.registry.Get(appID)
	if app == nil {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("The requested application was not found on this server"))
		return
	}
	if r.ContentLength < 0 {
		badRequest(w, "Missing content length")
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		badRequest(w, "")
		return
	}

	sig := r.Header.Get("X-Hub-Signature")
	if sig == "" {
		rt.log.Info("received request with missing signature")
		forbidden(w)
		return
	}
	sig = strings.TrimPrefix(sig, "sha1=")
	if app.Secret != "" {
		mac := hmac.New(sha1.New, []byte(app.Secret))
		mac.Write(body)
		expected := hex.EncodeToString(mac.Sum(nil))
		if !hmac.Equal([]byte(sig), []byte(expected)) {
			rt.log.Warn("received request with invalid signature",
				zap.String("app", appID))
			badRequest(w, "Invalid signature.")
			return
		}
	}

	var updates struct {
		Entry *[]updateEntry `json:"entry"`
	}
	if err := json.Unmarshal(body, &updates); err != nil {
		badRequest(w, "Expected JSON.")
		return
	}
	rt.log.Info("received a realtime update", zap.String("app", appID))

	if updates.Entry == nil {
		badRequest(w, "Missing fields")
		return
	}
	for _, entry := range *updates.Entry {
		if entry.UID == nil || entry.ChangedFields == nil {
			badRequest(w, "Missing fields")
			return
		}
		uid := *entry.UID
		fieldChanged := false
		for _, changed := range *entry.ChangedFields {
			if app.FieldSubscribed(changed) {
				fieldChanged = true
			}
			if app.ConnSubscribed(changed) {
				rt.cache.Invalidate(appID, "/"+uid+"/"+changed)
				invalidationsTotal.WithLabelValues("realtime").Inc()
			}
		}
		if fieldChanged {
			rt.cache.Invalidate(appID, "/"+uid)
			invalidationsTotal.WithLabelValues("realtime").Inc()
		}
	}
	success(w, "Updates successfully handled")
}

func badRequest(w http.ResponseWriter, message string) {
	if message == "" {
		message = "This is not a valid update"
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusBadRequest)
	w.Write([]byte(message))
}

func forbidden(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusForbidden)
	w.Write([]byte("Request validation failed"))
}

func success(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(message))
}
