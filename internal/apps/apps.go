package apps

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// DefaultAppID is the id of the synthesized catch-all application.
const DefaultAppID = "default"

// Record is one application entry from the apps file.
type Record struct {
	AppID                string   `yaml:"app_id"`
	Cred                 string   `yaml:"app_cred"`
	Secret               string   `yaml:"app_secret"`
	BlacklistFields      []string `yaml:"blacklist_fields"`
	BlacklistConnections []string `yaml:"blacklist_connections"`
	WhitelistFields      []string `yaml:"whitelist_fields"`
	WhitelistConnections []string `yaml:"whitelist_connections"`
}

// LoadFile reads application records from a YAML file.
func LoadFile(path string) ([]Record, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read apps file: %w", err)
	}
	var doc struct {
		Apps []Record `yaml:"apps"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse apps file: %w", err)
	}
	return doc.Apps, nil
}

// App holds per-application policy: the realtime-subscribed fields and
// connections, credentials, and the set of users observed making requests
// under this app. An app only receives realtime updates for users who have
// authorized it, and the proxy learns that set empirically: any user issuing
// a request through the proxy under app X is assumed to have authorized X.
type App struct {
	ID     string
	Cred   string
	Secret string

	goodFields map[string]struct{}
	goodConns  map[string]struct{}

	mu    sync.Mutex
	users map[string]struct{}
}

// NewApp builds an App from its config record. Whitelisted fields and
// connections are reduced by the corresponding blacklists.
func NewApp(rec Record) *App {
	a := &App{
		ID:         rec.AppID,
		Cred:       rec.Cred,
		Secret:     rec.Secret,
		goodFields: make(map[string]struct{}),
		goodConns:  make(map[string]struct{}),
		users:      make(map[string]struct{}),
	}
	for _, f := range rec.WhitelistFields {
		a.goodFields[f] = struct{}{}
	}
	for _, c := range rec.WhitelistConnections {
		a.goodConns[c] = struct{}{}
	}
	for _, f := range rec.BlacklistFields {
		delete(a.goodFields, f)
	}
	for _, c := range rec.BlacklistConnections {
		delete(a.goodConns, c)
	}
	return a
}

// CheckUser adds requestor to the app's known users and reports whether
// requestee is already known. When def is a distinct app, the same
// bookkeeping runs on it for its side effect, since updates for the user
// will reach the default context too.
func (a *App) CheckUser(requestor, requestee string, def *App) bool {
	a.mu.Lock()
	a.users[requestor] = struct{}{}
	_, ok := a.users[requestee]
	a.mu.Unlock()

	if def != nil && def != a {
		def.CheckUser(requestor, requestee, nil)
	}
	return ok
}

// CheckRequest reports whether a request for pathParts with the given fields
// is within this app's realtime subscription. One part means direct profile
// fields; two parts means a connection. Anything else falls back to
// pass-through.
func (a *App) CheckRequest(pathParts, fields []string) bool {
	switch len(pathParts) {
	case 1:
		for _, f := range fields {
			if _, ok := a.goodFields[f]; !ok {
				return false
			}
		}
		return true
	case 2:
		_, ok := a.goodConns[pathParts[1]]
		return ok
	}
	return false
}

// FieldSubscribed reports whether name is one of the app's subscribed
// scalar fields.
func (a *App) FieldSubscribed(name string) bool {
	_, ok := a.goodFields[name]
	return ok
}

// ConnSubscribed reports whether name is one of the app's subscribed
// connections.
func (a *App) ConnSubscribed(name string) bool {
	_, ok := a.goodConns[name]
	return ok
}

// GoodFields returns the subscribed scalar fields, sorted.
func (a *App) GoodFields() []string {
	return sortedKeys(a.goodFields)
}

// GoodConns returns the subscribed connections, sorted.
func (a *App) GoodConns() []string {
	return sortedKeys(a.goodConns)
}

// SubscriptionFields returns the union of subscribed fields and
// connections, sorted. This is the field list registered with the upstream.
func (a *App) SubscriptionFields() []string {
	union := make(map[string]struct{}, len(a.goodFields)+len(a.goodConns))
	for f := range a.goodFields {
		union[f] = struct{}{}
	}
	for c := range a.goodConns {
		union[c] = struct{}{}
	}
	return sortedKeys(union)
}

// FieldsParam returns the subscribed scalar fields as a comma-joined query
// parameter value.
func (a *App) FieldsParam() string {
	return strings.Join(a.GoodFields(), ",")
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Registry maps app ids to their App. It is built once at startup and
// read-only afterwards; the Apps themselves carry the mutable state.
type Registry struct {
	apps map[string]*App
}

// NewRegistry builds the registry from config records. If no record defines
// the "default" app it is synthesized with the intersection of every
// configured app's subscribed fields and connections.
func NewRegistry(records []Record) *Registry {
	apps := make(map[string]*App, len(records)+1)
	for _, rec := range records {
		apps[rec.AppID] = NewApp(rec)
	}
	if _, ok := apps[DefaultAppID]; !ok {
		def := NewApp(Record{AppID: DefaultAppID})
		def.goodFields = intersectAll(apps, func(a *App) map[string]struct{} { return a.goodFields })
		def.goodConns = intersectAll(apps, func(a *App) map[string]struct{} { return a.goodConns })
		apps[DefaultAppID] = def
	}
	return &Registry{apps: apps}
}

// Get returns the app with exactly the given id, or nil.
func (r *Registry) Get(id string) *App {
	return r.apps[id]
}

// Lookup returns the app with the given id, falling back to the default
// app, or nil when neither exists.
func (r *Registry) Lookup(id string) *App {
	if a, ok := r.apps[id]; ok {
		return a
	}
	return r.apps[DefaultAppID]
}

// Default returns the default app, or nil.
func (r *Registry) Default() *App {
	return r.apps[DefaultAppID]
}

// All returns every registered app in unspecified order.
func (r *Registry) All() []*App {
	out := make([]*App, 0, len(r.apps))
	for _, a := range r.apps {
		out = append(out, a)
	}
	return out
}

func intersectAll(apps map[string]*App, pick func(*App) map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{})
	first := true
	for _, a := range apps {
		set := pick(a)
		if first {
			for k := range set {
				out[k] = struct{}{}
			}
			first = false
			continue
		}
		for k := range out {
			if _, ok := set[k]; !ok {
				delete(out, k)
			}
		}
	}
	return out
}

// ParseAccessToken splits an access token of the form A|B-C|D into its four
// pieces. Non-user tokens do not match this shape and fail the parse.
func ParseAccessToken(token string) ([4]string, bool) {
	var pieces [4]string
	halves := strings.SplitN(token, "-", 2)
	if len(halves) != 2 {
		return pieces, false
	}
	parts := strings.Split(halves[0], "|")
	parts = append(parts, strings.Split(halves[1], "|")...)
	if len(parts) != 4 {
		return pieces, false
	}
	copy(pieces[:], parts)
	return pieces, true
}
