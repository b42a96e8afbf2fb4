package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"

	"prbuild-resolver/src/logger"
)

// RedpandaBroker is a Kafka-compatible broker implementation using franz-go.
type RedpandaBroker struct {
	client    *kgo.Client
	brokers   []string
	logger    logger.Logger
	mu        sync.RWMutex
	consumers map[string]*kgo.Client // topic:groupID -> consumer client
	closed    bool
}

// NewRedpandaBroker connects a producer to the given seed brokers
// (e.g. ["localhost:19092"]). Consumers are created per Subscribe call.
func NewRedpandaBroker(brokers []string, log logger.Logger) (*RedpandaBroker, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("at least one broker address is required")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka client: %w", err)
	}

	return &RedpandaBroker{
		client:    client,
		brokers:   brokers,
		logger:    log,
		consumers: make(map[string]*kgo.Client),
	}, nil
}

func (b *RedpandaBroker) Publish(ctx context.Context, topic string, key string, value []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}

	record := &kgo.Record{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	}

	if err := b.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("failed to produce to %s: %w", topic, err)
	}
	return nil
}

// Subscribe joins groupID on topic. A second subscription for the same
// topic and group is rejected.
func (b *RedpandaBroker) Subscribe(ctx context.Context, topic string, groupID string) (<-chan Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	consumerKey := topic + ":" + groupID
	if _, exists := b.consumers[consumerKey]; exists {
		return nil, fmt.Errorf("consumer already exists for topic %s and group %s", topic, groupID)
	}

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(b.brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}
	b.consumers[consumerKey] = consumer

	msgChan := make(chan Message, subscriberBuffer)
	go b.consumeLoop(ctx, consumer, msgChan)

	return msgChan, nil
}

func (b *RedpandaBroker) consumeLoop(ctx context.Context, consumer *kgo.Client, msgChan chan<- Message) {
	defer close(msgChan)

	for ctx.Err() == nil {
		fetches := consumer.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return
		}

		if errs := fetches.Errors(); len(errs) > 0 {
			for _, fe := range errs {
				if ctx.Err() != nil {
					return
				}
				b.logger.Warn("[RedpandaBroker] Fetch error on %s[%d]: %v", fe.Topic, fe.Partition, fe.Err)
			}
			continue
		}

		iter := fetches.RecordIter()
		for !iter.Done() {
			record := iter.Next()
			msg := Message{
				Topic:     record.Topic,
				Key:       string(record.Key),
				Value:     record.Value,
				Offset:    record.Offset,
				Partition: record.Partition,
				Timestamp: record.Timestamp.UnixMilli(),
			}

			select {
			case msgChan <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Close shuts down the broker and all consumer connections.
func (b *RedpandaBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for _, consumer := range b.consumers {
		consumer.Close()
	}
	b.consumers = make(map[string]*kgo.Client)
	b.client.Close()

	return nil
}
