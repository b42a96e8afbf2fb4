// Package broker carries resolve requests and results between the CLI and the
// monitor agent, either in process or through Redpanda.
package broker

import (
	"context"
	"errors"
)

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("broker is closed")

// Broker abstracts message publishing and consumption.
type Broker interface {
	// Publish sends a message to a topic. For Redpanda the key selects the
	// partition, so results for one request stay ordered.
	Publish(ctx context.Context, topic string, key string, value []byte) error

	// Subscribe returns a channel of messages on topic. The channel is closed
	// when ctx is done or the broker is closed. groupID names the consumer group;
	// the in-memory broker delivers to every subscriber regardless of group.
	Subscribe(ctx context.Context, topic string, groupID string) (<-chan Message, error)

	// Close shuts down the broker connection gracefully.
	Close() error
}

// Message represents a consumed message from a broker.
type Message struct {
	Topic     string
	Key       string
	Value     []byte
	Offset    int64
	Partition int32
	Timestamp int64
}
