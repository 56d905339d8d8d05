// Package cache implements the caching core of the proxy: a bounded LRU of
// per-path dedup maps holding parsed Graph API responses, with field
// projection for direct-user requests.
package cache

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"graphproxy/internal/apps"
	"graphproxy/internal/upstream"
)

// Fetcher is the upstream collaborator the engine fetches through.
type Fetcher interface {
	Fetch(ctx context.Context, method, path, rawQuery string) (*upstream.Response, error)
}

// Result is the reply produced for a cacheable request.
type Result struct {
	Status int
	Header http.Header
	Body   []byte
	Hit    bool
}

// tableEntry is the cached form of a direct-user response: the upstream
// body parsed into a field table, projected per caller at read time.
type tableEntry struct {
	status int
	header http.Header
	fields map[string]json.RawMessage
}

// rawEntry is the cached form of a connection response, kept verbatim.
type rawEntry struct {
	status int
	header http.Header
	body   []byte
}

// Engine is the two-tier request cache. The outer LRU is keyed by
// path__appid; each outer entry is a DedupMap keyed by uid__query. One
// engine-wide mutex guards the outer LRU and first-time DedupMap
// installation; it is released before any upstream fetch and before a hit
// is returned.
type Engine struct {
	mu     sync.Mutex
	lru    *LRU
	flight singleflight.Group
	log    *zap.Logger
}

// NewEngine creates an Engine whose outer LRU holds at most size entries.
func NewEngine(size int, logger *zap.Logger) *Engine {
	return &Engine{
		lru: NewLRU(size),
		log: logger,
	}
}

// HandleRequest serves a request the gate has already judged cacheable.
// query is the decoded (multi-valued) query for the rewritten path; rawQuery
// is the original query string. On a miss the request is fetched from
// upstream through fetch, stored when it is a 200, and answered from the
// stored form. Direct-user requests are fetched with the app's full
// subscribed field set so one upstream call serves every field-subset
// request, then projected down to the caller's requested fields.
func (e *Engine) HandleRequest(ctx context.Context, query url.Values, path, rawQuery string, app *apps.App, fetch Fetcher) (*Result, error) {
	var token string
	appID, uid := "0", "0"
	if vs, ok := query["access_token"]; ok && len(vs) > 0 {
		token = vs[0]
		if pieces, ok := apps.ParseAccessToken(token); ok {
			appID, uid = pieces[0], pieces[2]
		}
		delete(query, "access_token")
	}

	useTable := !strings.Contains(strings.TrimPrefix(path, "/"), "/")
	var requested []string
	if useTable {
		if vs, ok := query["fields"]; ok {
			if len(vs) > 0 && vs[0] != "" {
				requested = strings.Split(vs[0], ",")
			}
			delete(query, "fields")
		}
	}

	key := path + "__" + appID
	subKey := uid + "__" + query.Encode()
	e.log.Debug("cache handling request",
		zap.String("key", key),
		zap.String("subkey", subKey),
		zap.String("uid", uid))

	e.mu.Lock()
	var dict *DedupMap
	if v, ok := e.lru.Get(key); ok {
		dict = v.(*DedupMap)
	} else {
		dict = NewDedupMap()
		e.lru.Put(key, dict)
	}
	value, found := dict.Get(subKey)
	e.mu.Unlock()

	if found {
		return hitResult(value, useTable, requested), nil
	}

	// Miss. The freshly installed DedupMap is already reachable by
	// concurrent readers; coalesce identical fingerprints so only one
	// worker fetches.
	out, err, _ := e.flight.Do(key+"\x00"+subKey, func() (any, error) {
		if useTable {
			return e.fetchTable(ctx, query, path, token, app, dict, subKey, fetch)
		}
		return e.fetchRaw(ctx, path, rawQuery, dict, subKey, fetch)
	})
	if err != nil {
		return nil, err
	}

	switch v := out.(type) {
	case *upstream.Response:
		// Non-200: propagated as-is, not cached.
		return &Result{Status: v.Status, Header: v.Header.Clone(), Body: v.Body}, nil
	default:
		res := hitResult(out, useTable, requested)
		res.Hit = false
		return res, nil
	}
}

// hitResult materializes a reply from a stored entry. Direct-user entries
// are projected through the caller's requested fields; connection entries
// come back verbatim.
func hitResult(value any, useTable bool, requested []string) *Result {
	if useTable {
		ent := value.(*tableEntry)
		return &Result{
			Status: ent.status,
			Header: ent.header.Clone(),
			Body:   projectFields(ent.fields, requested),
			Hit:    true,
		}
	}
	ent := value.(*rawEntry)
	return &Result{Status: ent.status, Header: ent.header.Clone(), Body: ent.body, Hit: true}
}

// fetchTable fetches a direct-user object with the app's whole subscribed
// field set and the caller's access token restored, and stores the parsed
// field table. Bodies whose hash is already known are not re-parsed; the
// sub-key is simply bound to the existing entry. Returns either the stored
// *tableEntry or, on a non-200, the raw *upstream.Response.
func (e *Engine) fetchTable(ctx context.Context, query url.Values, path, token string, app *apps.App, dict *DedupMap, subKey string, fetch Fetcher) (any, error) {
	fq := url.Values{}
	for k, vs := range query {
		fq[k] = vs
	}
	fq.Set("fields", app.FieldsParam())
	if token != "" {
		fq.Set("access_token", token)
	}

	resp, err := fetch.Fetch(ctx, http.MethodGet, path, fq.Encode())
	if err != nil {
		return nil, err
	}
	if resp.Status != http.StatusOK {
		return resp, nil
	}

	if dict.ContainsHash(resp.Body) {
		dict.Put(subKey, nil, resp.Body)
	} else {
		header := resp.Header.Clone()
		// The projection is re-serialized, so the original length is wrong.
		header.Del("Content-Length")
		dict.Put(subKey, &tableEntry{
			status: resp.Status,
			header: header,
			fields: responseToTable(resp.Body),
		}, resp.Body)
	}
	stored, _ := dict.Get(subKey)
	return stored, nil
}

// fetchRaw fetches a connection object with the original query string and
// stores the reply verbatim when it is a 200.
func (e *Engine) fetchRaw(ctx context.Context, path, rawQuery string, dict *DedupMap, subKey string, fetch Fetcher) (any, error) {
	resp, err := fetch.Fetch(ctx, http.MethodGet, path, rawQuery)
	if err != nil {
		return nil, err
	}
	if resp.Status != http.StatusOK {
		return resp, nil
	}
	ent := &rawEntry{status: resp.Status, header: resp.Header.Clone(), body: resp.Body}
	dict.Put(subKey, ent, resp.Body)
	stored, _ := dict.Get(subKey)
	return stored, nil
}

// Invalidate drops the cached entries for url under the owning app and
// under the anonymous context. Missing keys are ignored.
func (e *Engine) Invalidate(appID, url string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log.Debug("invalidating", zap.String("key", url+"__"+appID))
	e.lru.Delete(url + "__" + appID)
	e.lru.Delete(url + "__0")
}

// responseToTable parses a JSON response body into a field table. A body
// that fails to parse yields an empty table.
func responseToTable(body []byte) map[string]json.RawMessage {
	table := make(map[string]json.RawMessage)
	if err := json.Unmarshal(body, &table); err != nil {
		return make(map[string]json.RawMessage)
	}
	return table
}

// projectFields serializes the requested fields out of a field table. With
// no requested fields, every field not prefixed with an underscore is
// returned.
func projectFields(table map[string]json.RawMessage, requested []string) []byte {
	out := make(map[string]json.RawMessage)
	if len(requested) > 0 {
		for _, f := range requested {
			if v, ok := table[f]; ok {
				out[f] = v
			}
		}
	} else {
		for k, v := range table {
			if !strings.HasPrefix(k, "_") {
				out[k] = v
			}
		}
	}
	body, err := json.Marshal(out)
	if err != nil {
		return []byte("{}")
	}
	return body
}
