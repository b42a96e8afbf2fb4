package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"prbuild-resolver/src/broker"
	"prbuild-resolver/src/contracts"
	"prbuild-resolver/src/logger"
)

// Client submits resolve requests and collects their results.
type Client struct {
	broker broker.Broker
	logger logger.Logger

	mu      sync.Mutex
	pending map[string]chan contracts.ResolveResult
}

// NewClient subscribes to prbuild.results under a group of its own, so every
// client sees every result. The subscription ends with ctx.
func NewClient(ctx context.Context, brk broker.Broker, log logger.Logger) (*Client, error) {
	results, err := brk.Subscribe(ctx, contracts.TopicResults, "prbuild-client-"+uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", contracts.TopicResults, err)
	}

	c := &Client{
		broker:  brk,
		logger:  log,
		pending: make(map[string]chan contracts.ResolveResult),
	}
	go c.dispatch(results)
	return c, nil
}

func (c *Client) dispatch(results <-chan broker.Message) {
	for msg := range results {
		var res contracts.ResolveResult
		if err := json.Unmarshal(msg.Value, &res); err != nil {
			c.logger.Warn("[Pipeline] Failed to unmarshal result: %v", err)
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[res.RequestID]
		delete(c.pending, res.RequestID)
		c.mu.Unlock()

		if ok {
			ch <- res
		}
	}
}

// Submit publishes req, assigning a request id and timestamp when missing.
func (c *Client) Submit(ctx context.Context, req contracts.ResolveRequest) (string, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.Timestamp == "" {
		req.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}
	if err := c.broker.Publish(ctx, contracts.TopicRequests, req.RequestID, data); err != nil {
		return "", fmt.Errorf("failed to publish request: %w", err)
	}
	return req.RequestID, nil
}

// Resolve submits req and waits for its result.
func (c *Client) Resolve(ctx context.Context, req contracts.ResolveRequest) (*contracts.ResolveResult, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	ch := make(chan contracts.ResolveResult, 1)
	c.mu.Lock()
	c.pending[req.RequestID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.RequestID)
		c.mu.Unlock()
	}()

	if _, err := c.Submit(ctx, req); err != nil {
		return nil, err
	}

	select {
	case res := <-ch:
		return &res, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for result of %s: %w", req.RequestID, ctx.Err())
	}
}
