// Package pipeline wires the broker, the monitor agent and the cache sweeper
// together. It is shared by the CLI and the MCP server.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"prbuild-resolver/src/appveyor"
	"prbuild-resolver/src/broker"
	"prbuild-resolver/src/cache"
	"prbuild-resolver/src/config"
	"prbuild-resolver/src/logger"
	"prbuild-resolver/src/metrics"
	"prbuild-resolver/src/monitor"
	"prbuild-resolver/src/resolver"
)

// Mode selects the broker backing the pipeline.
type Mode int

const (
	// InMemoryMode keeps requests and results inside the process.
	InMemoryMode Mode = iota
	// RedpandaMode exchanges them through Redpanda topics.
	RedpandaMode
)

func (m Mode) String() string {
	if m == RedpandaMode {
		return "redpanda"
	}
	return "in-memory"
}

// DetectMode picks Redpanda when brokers are configured.
func DetectMode(cfg *config.Config) Mode {
	if len(cfg.RedpandaBrokers) > 0 {
		return RedpandaMode
	}
	return InMemoryMode
}

// NewBroker creates the broker for the detected mode.
func NewBroker(cfg *config.Config, log logger.Logger) (broker.Broker, error) {
	switch DetectMode(cfg) {
	case RedpandaMode:
		brk, err := broker.NewRedpandaBroker(cfg.RedpandaBrokers, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create Redpanda broker: %w", err)
		}
		return brk, nil
	default:
		return broker.NewInMemoryBroker(log), nil
	}
}

// NewResolver builds the AppVeyor client, the cache and the resolver from cfg.
// m may be nil.
func NewResolver(cfg *config.Config, log logger.Logger, m *metrics.Metrics) (*resolver.Resolver, *cache.Cache) {
	client := appveyor.NewClient(cfg.BaseURL, cfg.Account, cfg.Project,
		appveyor.WithTimeout(cfg.HTTPTimeout),
		appveyor.WithUserAgent(cfg.UserAgent),
		appveyor.WithMetrics(m),
	)
	c := cache.New(cache.WithMetrics(m))
	res := resolver.New(client, c, log,
		resolver.WithArtifactName(cfg.ArtifactName),
		resolver.WithTTL(cfg.CacheTTL),
		resolver.WithPullRequestFallback(cfg.FallbackPullRequests),
		resolver.WithMetrics(m),
	)
	return res, c
}

// Start runs the monitor agent and the cache sweeper as goroutines until ctx
// is done. Errors other than cancellation are logged.
func Start(ctx context.Context, brk broker.Broker, res monitor.Resolver, c *cache.Cache, cfg *config.Config, log logger.Logger) {
	agent := monitor.NewAgent(brk, res, log,
		monitor.WithRetry(cfg.RetryDelay, cfg.RetryAttempts),
	)
	go func() {
		if err := agent.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("[Pipeline] Monitor agent error: %v", err)
		}
	}()

	go func() {
		if err := c.Run(ctx, cfg.CacheSweep); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("[Pipeline] Cache sweeper error: %v", err)
		}
	}()
}
