// Package realtime opens the process-wide sync channel from config.
package realtime

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"order-tracking/internal/common/auth"
	"order-tracking/internal/common/config"
	"order-tracking/internal/common/logger"
	"order-tracking/internal/syncchan"
)

// Open mints a rotating token for role, builds the configured transport and
// starts the channel. When relay is set and the transport is not rabbit, the
// channel is attached to the relay in-process.
func Open(ctx context.Context, cfg config.App, role string, relay *syncchan.Relay, lg *logger.Logger) (*syncchan.Channel, *auth.TokenSource, error) {
	clientID := cfg.Realtime.ClientID
	if clientID == "" {
		clientID = role + "-" + uuid.NewString()[:8]
	}
	ts, err := auth.NewTokenSource([]byte(cfg.Realtime.JWTSecret), clientID, role, cfg.Realtime.TokenTTL)
	if err != nil {
		return nil, nil, fmt.Errorf("token: %w", err)
	}
	go ts.Run(ctx)

	var tr syncchan.Transport
	if relay != nil && cfg.Realtime.Transport != syncchan.TransportRabbit {
		tr = relay.Local()
	} else {
		tr, err = syncchan.NewTransport(syncchan.TransportConfig{
			Kind:   cfg.Realtime.Transport,
			URL:    cfg.Realtime.URL,
			Tokens: ts,
			Rabbit: cfg.Rabbit,
		}, lg)
		if err != nil {
			return nil, nil, err
		}
	}

	ch := syncchan.New(tr, lg, syncchan.WithClientID(clientID))
	if err := ch.Start(ctx); err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("realtime connect: %w", err)
	}
	return ch, ts, nil
}
