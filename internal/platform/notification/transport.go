package notification

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/organmatch/organmatch/internal/platform/sentinel"
	"github.com/organmatch/organmatch/internal/platform/webhook"
)

// ErrTransientDelivery marks a send failure worth retrying.
var ErrTransientDelivery = sentinel.ErrTransientDelivery

// Transport makes one delivery attempt of payload to address. It returns
// delivered=false with a nil error when the address was reachable but
// nobody took the message.
type Transport interface {
	Send(ctx context.Context, address string, payload []byte) (delivered bool, err error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, address string, payload []byte) (bool, error)

func (f TransportFunc) Send(ctx context.Context, address string, payload []byte) (bool, error) {
	return f(ctx, address, payload)
}

// ---------------------------------------------------------------------------
// RoutingTransport
// ---------------------------------------------------------------------------

// InboxPusher pushes to a live inbox topic.
type InboxPusher interface {
	Deliver(ctx context.Context, topic string, payload []byte) (bool, error)
}

// WebhookPoster posts to a hospital endpoint.
type WebhookPoster interface {
	Post(ctx context.Context, url string, payload []byte) (webhook.Result, error)
}

// RoutingTransport sends URL addresses through the webhook poster and every
// other address to the inbox pusher.
type RoutingTransport struct {
	Webhooks WebhookPoster
	Inbox    InboxPusher
}

func (t *RoutingTransport) Send(ctx context.Context, address string, payload []byte) (bool, error) {
	if webhook.IsURL(address) {
		if t.Webhooks == nil {
			return false, fmt.Errorf("no webhook sender configured for %s", address)
		}
		if _, err := t.Webhooks.Post(ctx, address, payload); err != nil {
			return false, err
		}
		return true, nil
	}
	if t.Inbox == nil {
		return false, fmt.Errorf("no inbox configured for %s", address)
	}
	return t.Inbox.Deliver(ctx, address, payload)
}

// ---------------------------------------------------------------------------
// LogTransport
// ---------------------------------------------------------------------------

// LogTransport logs every notification and reports it delivered. Used in
// development when no real channel is wired.
type LogTransport struct {
	Logger zerolog.Logger
}

func (t LogTransport) Send(_ context.Context, address string, payload []byte) (bool, error) {
	t.Logger.Info().Str("address", address).RawJSON("payload", payload).Msg("notification (log only)")
	return true, nil
}

var (
	_ Transport = (*RoutingTransport)(nil)
	_ Transport = LogTransport{}
)
