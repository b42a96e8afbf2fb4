package broker

import (
	"context"
	"sync"
	"time"

	"prbuild-resolver/src/logger"
)

const subscriberBuffer = 100

type subscriber struct {
	ch   chan Message
	done <-chan struct{}
}

// InMemoryBroker fans every published message out to all current subscribers
// of its topic. It backs the monitor when no Redpanda brokers are configured.
type InMemoryBroker struct {
	mu      sync.RWMutex
	subs    map[string][]*subscriber
	closed  bool
	logger  logger.Logger

	offsetMu sync.Mutex
	offsets  map[string]int64
}

func NewInMemoryBroker(log logger.Logger) *InMemoryBroker {
	return &InMemoryBroker{
		subs:    make(map[string][]*subscriber),
		offsets: make(map[string]int64),
		logger:  log,
	}
}

// Publish blocks until every subscriber of topic has room for the message or
// ctx is done. Subscribers whose context has ended are skipped.
func (b *InMemoryBroker) Publish(ctx context.Context, topic string, key string, value []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	msg := Message{
		Topic:     topic,
		Key:       key,
		Value:     append([]byte(nil), value...),
		Offset:    b.nextOffset(topic),
		Timestamp: time.Now().UnixMilli(),
	}
	subs := b.subs[topic]
	for _, s := range subs {
		select {
		case s.ch <- msg:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	b.logger.Debug("[InMemoryBroker] Published to '%s' (key %s, %d subscribers)", topic, key, len(subs))
	return nil
}

func (b *InMemoryBroker) nextOffset(topic string) int64 {
	b.offsetMu.Lock()
	defer b.offsetMu.Unlock()
	off := b.offsets[topic]
	b.offsets[topic]++
	return off
}

func (b *InMemoryBroker) Subscribe(ctx context.Context, topic string, groupID string) (<-chan Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	s := &subscriber{ch: make(chan Message, subscriberBuffer), done: ctx.Done()}
	b.subs[topic] = append(b.subs[topic], s)

	go func() {
		<-ctx.Done()
		b.unsubscribe(topic, s)
	}()
	return s.ch, nil
}

// unsubscribe closes s.ch. Publish sends under the read lock, so the channel
// is never closed under a sender.
func (b *InMemoryBroker) unsubscribe(topic string, s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[topic]
	for i := range subs {
		if subs[i] == s {
			b.subs[topic] = append(subs[:i:i], subs[i+1:]...)
			close(s.ch)
			return
		}
	}
}

// Close closes every subscriber channel.
func (b *InMemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for topic, subs := range b.subs {
		for _, s := range subs {
			close(s.ch)
		}
		delete(b.subs, topic)
	}
	return nil
}
