package syncchan

import (
	"fmt"

	"order-tracking/internal/common/logger"
	"order-tracking/internal/common/mq"
)

const (
	TransportWS     = "ws"
	TransportRabbit = "rabbit"
	TransportMemory = "memory"
)

type TransportConfig struct {
	Kind   string
	URL    string
	Tokens TokenProvider
	Rabbit mq.Config
	WS     WSOptions
	// Bus backs the memory transport; a fresh one is created when nil.
	Bus *Bus
}

func NewTransport(cfg TransportConfig, lg *logger.Logger) (Transport, error) {
	switch cfg.Kind {
	case TransportWS, "":
		if cfg.Tokens == nil {
			return nil, fmt.Errorf("ws transport: no token provider")
		}
		return NewWSTransport(cfg.URL, cfg.Tokens, lg, cfg.WS), nil
	case TransportRabbit:
		return NewRabbitTransport(cfg.Rabbit, lg), nil
	case TransportMemory:
		bus := cfg.Bus
		if bus == nil {
			bus = NewBus()
		}
		return bus.NewTransport(), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Kind)
	}
}
