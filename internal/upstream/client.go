// Package upstream holds the HTTPS client for the Graph API server the
// proxy fronts.
package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Response is a fully read upstream reply.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Client fetches objects from the Graph API server. The server identity is
// fixed at construction; all requests go over HTTPS. A circuit breaker sits
// in front of the transport so a misbehaving upstream sheds load quickly
// instead of tying up every worker.
type Client struct {
	host  string
	httpc *http.Client
	cb    *gobreaker.CircuitBreaker
	log   *zap.Logger
}

// NewClient creates a Client for the given Graph server host.
func NewClient(host string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		host:  host,
		httpc: &http.Client{Timeout: timeout},
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "upstream",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		log: logger,
	}
}

// Fetch performs a bodyless request against the Graph server and reads the
// whole reply. A non-2xx status is not an error; only transport failures are.
func (c *Client) Fetch(ctx context.Context, method, path, rawQuery string) (*Response, error) {
	return c.Send(ctx, method, path, rawQuery, nil, nil)
}

// Send performs a request with optional headers and body. The response body
// is fully read and the connection released before Send returns.
func (c *Client) Send(ctx context.Context, method, path, rawQuery string, header http.Header, body io.Reader) (*Response, error) {
	u := url.URL{Scheme: "https", Host: c.host, Path: path, RawQuery: rawQuery}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	for k, vs := range header {
		req.Header[k] = vs
	}

	out, err := c.cb.Execute(func() (interface{}, error) {
		resp, err := c.httpc.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		return &Response{Status: resp.StatusCode, Header: resp.Header, Body: data}, nil
	})
	if err != nil {
		c.log.Warn("upstream request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err))
		return nil, fmt.Errorf("upstream %s %s: %w", method, path, err)
	}
	return out.(*Response), nil
}
