package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/civion/civion/pkg/channels/gochannel"
	"github.com/civion/civion/pkg/channels/kafka"
	"github.com/civion/civion/pkg/eventbus"
)

// NewEventBus creates the run event bus for the given provider. The memory
// provider wires publisher and subscriber inside one process and is meant
// for development; separate processes need Kafka to see each other's events.
func NewEventBus(provider string, brokers []string, logger *slog.Logger) eventbus.EventBus {
	wmLogger := watermill.NewSlogLogger(logger)

	switch provider {
	case "kafka":
		pub, sub, err := kafka.CreateChannel(wmLogger, "civion", brokers)
		if err != nil {
			panic(fmt.Errorf("failed to create Kafka pub/sub: %w", err))
		}

		return eventbus.NewWatermillEventBus(pub, sub)
	case "memory":
		pub, sub, err := gochannel.CreateChannel(wmLogger)
		if err != nil {
			panic(fmt.Errorf("failed to create in-memory pub/sub: %w", err))
		}

		return eventbus.NewWatermillEventBus(pub, sub)
	default:
		panic("Unsupported event bus provider: " + provider)
	}
}
