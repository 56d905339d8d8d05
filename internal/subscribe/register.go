// Package subscribe registers applications for realtime updates with the
// Graph server.
package subscribe

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"graphproxy/internal/apps"
	"graphproxy/internal/upstream"
)

// Sender posts subscription requests to the Graph server.
type Sender interface {
	Send(ctx context.Context, method, path, rawQuery string, header http.Header, body io.Reader) (*upstream.Response, error)
}

// Registrar creates realtime-update subscriptions for every app that
// carries credentials. It must run only after the realtime endpoint accepts
// connections, since the Graph server calls back during registration.
type Registrar struct {
	client      Sender
	verifyToken string
	log         *zap.Logger
}

// NewRegistrar builds a Registrar. verifyToken must be the same token the
// realtime receiver checks during the handshake.
func NewRegistrar(client Sender, verifyToken string, logger *zap.Logger) *Registrar {
	return &Registrar{client: client, verifyToken: verifyToken, log: logger}
}

// RegisterApps subscribes each credentialed app to user updates for its
// subscribed fields and connections. callbackBase is the public realtime
// URL; the app id is appended per subscription. Failures are logged and do
// not abort the remaining registrations.
func (r *Registrar) RegisterApps(ctx context.Context, registry *apps.Registry, callbackBase string) {
	for _, app := range registry.All() {
		token := app.Cred
		if token == "" && app.Secret != "" {
			token = app.ID + "|" + app.Secret
		}
		if token == "" {
			continue
		}
		if err := r.register(ctx, app, token, callbackBase+app.ID); err != nil {
			r.log.Error("subscription registration failed",
				zap.String("app", app.ID), zap.Error(err))
		}
	}
}

func (r *Registrar) register(ctx context.Context, app *apps.App, token, callback string) error {
	form := url.Values{}
	form.Set("object", "user")
	form.Set("fields", strings.Join(app.SubscriptionFields(), ","))
	form.Set("callback_url", callback)
	form.Set("verify_token", r.verifyToken)

	query := url.Values{}
	query.Set("access_token", token)

	header := http.Header{}
	header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.client.Send(ctx, http.MethodPost, "/"+app.ID+"/subscriptions",
		query.Encode(), header, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	if resp.Status != http.StatusOK {
		r.log.Error("graph server rejected subscription",
			zap.String("app", app.ID),
			zap.Int("status", resp.Status),
			zap.ByteString("body", resp.Body))
	}
	return nil
}
