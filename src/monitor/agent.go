// Package monitor provides the agent that answers resolve requests arriving
// on the broker.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/buildkite/roko"
	"golang.org/x/sync/errgroup"

	"prbuild-resolver/src/broker"
	"prbuild-resolver/src/contracts"
	"prbuild-resolver/src/logger"
	"prbuild-resolver/src/resolver"
)

const (
	// GroupID is the consumer group the agent joins on the requests topic.
	GroupID = "prbuild-monitor"

	DefaultRetryDelay    = 10 * time.Second
	DefaultRetryAttempts = 2
	DefaultConcurrency   = 4
	// DefaultSince bounds pull-request searches that do not carry their own window.
	DefaultSince = 30 * 24 * time.Hour
)

var errNotReady = errors.New("artifact not available yet")

// Resolver is the part of *resolver.Resolver the agent needs.
type Resolver interface {
	ResolveByStatusURL(ctx context.Context, statusURL string) resolver.Result
	ResolveByPullRequest(ctx context.Context, pr int, cutoff time.Time) resolver.Result
}

// Agent consumes resolve requests and publishes their results.
type Agent struct {
	broker        broker.Broker
	resolver      Resolver
	logger        logger.Logger
	concurrency   int
	retryDelay    time.Duration
	retryAttempts int
	since         time.Duration
	sleep         func(time.Duration)
	now           func() time.Time
}

type Option func(*Agent)

func WithConcurrency(n int) Option {
	return func(a *Agent) { a.concurrency = n }
}

// WithRetry sets how often, and how far apart, a request whose artifact is
// not available yet is tried.
func WithRetry(delay time.Duration, attempts int) Option {
	return func(a *Agent) {
		a.retryDelay = delay
		a.retryAttempts = attempts
	}
}

func WithDefaultSince(d time.Duration) Option {
	return func(a *Agent) { a.since = d }
}

// WithSleepFunc replaces the retry sleep, for tests.
func WithSleepFunc(f func(time.Duration)) Option {
	return func(a *Agent) { a.sleep = f }
}

func NewAgent(brk broker.Broker, res Resolver, log logger.Logger, opts ...Option) *Agent {
	a := &Agent{
		broker:        brk,
		resolver:      res,
		logger:        log,
		concurrency:   DefaultConcurrency,
		retryDelay:    DefaultRetryDelay,
		retryAttempts: DefaultRetryAttempts,
		since:         DefaultSince,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.concurrency < 1 {
		a.concurrency = 1
	}
	if a.retryAttempts < 1 {
		a.retryAttempts = 1
	}
	return a
}

// Run consumes prbuild.requests until ctx is done or the subscription ends,
// then waits for in-flight requests to finish.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("[Monitor] Starting...")

	msgChan, err := a.broker.Subscribe(ctx, contracts.TopicRequests, GroupID)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", contracts.TopicRequests, err)
	}

	a.logger.Info("[Monitor] Listening for requests on '%s' topic...", contracts.TopicRequests)

	var g errgroup.Group
	g.SetLimit(a.concurrency)
	defer g.Wait()

	for {
		select {
		case msg, ok := <-msgChan:
			if !ok {
				a.logger.Info("[Monitor] Message channel closed, shutting down")
				return ctx.Err()
			}
			g.Go(func() error {
				if err := a.processRequest(ctx, msg); err != nil {
					a.logger.Error("[Monitor] Error processing request: %v", err)
				}
				return nil
			})

		case <-ctx.Done():
			a.logger.Info("[Monitor] Context cancelled, shutting down")
			return ctx.Err()
		}
	}
}

func (a *Agent) processRequest(ctx context.Context, msg broker.Message) error {
	var req contracts.ResolveRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		return fmt.Errorf("failed to unmarshal request: %w", err)
	}
	if req.RequestID == "" {
		req.RequestID = msg.Key
	}

	a.logger.Info("[Monitor] Processing request %s", req.RequestID)

	res, attempts, err := a.resolve(ctx, req)
	if err != nil {
		return fmt.Errorf("request %s: %w", req.RequestID, err)
	}
	if res.Outcome == resolver.OutcomeCancelled {
		a.logger.Debug("[Monitor] Request %s cancelled", req.RequestID)
		return nil
	}

	out := contracts.ResolveResult{
		RequestID:   req.RequestID,
		StatusURL:   req.StatusURL,
		PullRequest: req.PullRequest,
		Outcome:     res.Outcome.String(),
		Artifact:    res.Artifact,
		Attempts:    attempts,
		Timestamp:   a.now().UTC().Format(time.RFC3339),
	}
	if err := res.Error(); err != nil {
		out.Error = err.Error()
	}

	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := a.broker.Publish(ctx, contracts.TopicResults, req.RequestID, data); err != nil {
		return fmt.Errorf("failed to publish result: %w", err)
	}

	a.logger.Info("[Monitor] Completed request %s: %s after %d attempt(s)", req.RequestID, out.Outcome, attempts)
	return nil
}

// resolve answers req, retrying while the artifact is missing or AppVeyor is
// unavailable. The last result is returned once attempts run out.
func (a *Agent) resolve(ctx context.Context, req contracts.ResolveRequest) (resolver.Result, int, error) {
	resolveOnce, err := a.resolveFunc(req)
	if err != nil {
		return resolver.Result{Outcome: resolver.OutcomeInvalidInput, Err: err}, 0, nil
	}

	var (
		last     resolver.Result
		attempts int
	)
	err = a.newRetrier().DoWithContext(ctx, func(r *roko.Retrier) error {
		attempts++
		last = resolveOnce(ctx)
		switch last.Outcome {
		case resolver.OutcomeNotFound, resolver.OutcomeUnavailable:
			a.logger.Debug("[Monitor] Request %s: %s (%s)", req.RequestID, last.Outcome, r)
			return errNotReady
		default:
			return nil
		}
	})
	if err != nil && !errors.Is(err, errNotReady) {
		if ctx.Err() != nil {
			return resolver.Result{Outcome: resolver.OutcomeCancelled, Err: err}, attempts, nil
		}
		return last, attempts, err
	}
	return last, attempts, nil
}

func (a *Agent) newRetrier() *roko.Retrier {
	if a.sleep != nil {
		return roko.NewRetrier(
			roko.WithMaxAttempts(a.retryAttempts),
			roko.WithStrategy(roko.Constant(a.retryDelay)),
			roko.WithSleepFunc(a.sleep),
		)
	}
	return roko.NewRetrier(
		roko.WithMaxAttempts(a.retryAttempts),
		roko.WithStrategy(roko.Constant(a.retryDelay)),
	)
}

func (a *Agent) resolveFunc(req contracts.ResolveRequest) (func(context.Context) resolver.Result, error) {
	switch {
	case req.StatusURL != "" && req.PullRequest != 0:
		return nil, fmt.Errorf("request %s sets both status_url and pull_request", req.RequestID)
	case req.StatusURL != "":
		return func(ctx context.Context) resolver.Result {
			return a.resolver.ResolveByStatusURL(ctx, req.StatusURL)
		}, nil
	case req.PullRequest > 0:
		since := a.since
		if req.Since != "" {
			d, err := time.ParseDuration(req.Since)
			if err != nil {
				return nil, fmt.Errorf("invalid since %q: %w", req.Since, err)
			}
			since = d
		}
		cutoff := a.now().Add(-since)
		return func(ctx context.Context) resolver.Result {
			return a.resolver.ResolveByPullRequest(ctx, req.PullRequest, cutoff)
		}, nil
	default:
		return nil, fmt.Errorf("request %s has neither status_url nor a positive pull_request", req.RequestID)
	}
}
