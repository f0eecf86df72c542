// Package publisher delivers call lifecycle and bridge status messages to
// a message broker.
package publisher

import "context"

// Publisher defines the interface for publishing messages.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// PublishRetained stores payload as the topic's last known value.
	PublishRetained(ctx context.Context, topic string, payload []byte) error
	Close() error
}
