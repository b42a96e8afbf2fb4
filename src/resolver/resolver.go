// Package resolver turns AppVeyor status links and pull-request numbers into
// artifact download links, answering from cache when AppVeyor fails.
package resolver

import (
	"context"
	"errors"
	"time"

	"github.com/dustin/go-humanize"

	"prbuild-resolver/src/appveyor"
	"prbuild-resolver/src/cache"
	"prbuild-resolver/src/logger"
	"prbuild-resolver/src/metrics"
	"prbuild-resolver/src/provider"
)

// DefaultArtifactName is the logical name of the deliverable artifact.
const DefaultArtifactName = "rpcs3"

// Resolver is safe for concurrent use; the cache is its only shared state.
type Resolver struct {
	client       *appveyor.Client
	history      *appveyor.HistoryPaginator
	cache        *cache.Cache
	logger       logger.Logger
	metrics      *metrics.Metrics
	artifactName string
	ttl          time.Duration
	fallbackPRs  bool
}

type Option func(*Resolver)

func WithArtifactName(name string) Option {
	return func(r *Resolver) { r.artifactName = name }
}

func WithTTL(ttl time.Duration) Option {
	return func(r *Resolver) { r.ttl = ttl }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// WithPullRequestFallback makes ResolveByPullRequest serve the last answer
// cached for the pull request when AppVeyor fails. Off by default.
func WithPullRequestFallback(enabled bool) Option {
	return func(r *Resolver) { r.fallbackPRs = enabled }
}

func New(client *appveyor.Client, c *cache.Cache, log logger.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		client:       client,
		cache:        c,
		logger:       log,
		artifactName: DefaultArtifactName,
		ttl:          cache.DefaultTTL,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.history = appveyor.NewHistoryPaginator(client, log, r.metrics)
	return r
}

// ResolveByStatusURL resolves the build a status-check link points at. When
// AppVeyor fails, the last artifact resolved for the same link is returned.
func (r *Resolver) ResolveByStatusURL(ctx context.Context, statusURL string) Result {
	res := r.resolveByStatusURL(ctx, statusURL)
	r.metrics.Resolved("status_url", res.Outcome.String())
	return res
}

func (r *Resolver) resolveByStatusURL(ctx context.Context, statusURL string) Result {
	buildURL, err := r.client.StatusToBuildURL(statusURL)
	if err != nil {
		r.logger.Warn("[Resolver] Unexpected AppVeyor link: %s", statusURL)
		return Result{Outcome: OutcomeInvalidInput, Err: err}
	}

	key := cache.QueryURLKey(statusURL)
	info, err := r.resolveBuild(ctx, buildURL)
	switch {
	case err == nil && info == nil:
		r.logger.Debug("[Resolver] No %s artifact for %s", r.artifactName, statusURL)
		return Result{Outcome: OutcomeNotFound}
	case err == nil:
		r.cache.Set(key, info, r.ttl)
		return Result{Artifact: info, Outcome: OutcomeResolved}
	case provider.IsCancelled(err):
		return Result{Outcome: OutcomeCancelled, Err: err}
	}

	r.logger.Error("[Resolver] Failed to resolve %s: %v", statusURL, err)
	return r.fallback(key, err)
}

// ResolveByPullRequest finds the newest successful build of pr that started
// after cutoff. A cached answer for pr is returned without contacting AppVeyor.
func (r *Resolver) ResolveByPullRequest(ctx context.Context, pr int, cutoff time.Time) Result {
	res := r.resolveByPullRequest(ctx, pr, cutoff)
	r.metrics.Resolved("pull_request", res.Outcome.String())
	return res
}

func (r *Resolver) resolveByPullRequest(ctx context.Context, pr int, cutoff time.Time) Result {
	key := cache.PullRequestKey(pr)
	lookup := cache.Get[*appveyor.ArtifactInfo]
	if r.fallbackPRs {
		lookup = cache.Peek[*appveyor.ArtifactInfo]
	}
	if info, ok := lookup(r.cache, key); ok {
		return Result{Artifact: info, Outcome: OutcomeCached}
	}

	info, err := r.resolvePullRequest(ctx, pr, cutoff)
	switch {
	case err == nil && info == nil:
		r.logger.Debug("[Resolver] No successful build for PR #%d since %s", pr, cutoff.Format(time.RFC3339))
		return Result{Outcome: OutcomeNotFound}
	case err == nil:
		r.cache.Set(key, info, r.ttl)
		return Result{Artifact: info, Outcome: OutcomeResolved}
	case provider.IsCancelled(err):
		return Result{Outcome: OutcomeCancelled, Err: err}
	}

	r.logger.Error("[Resolver] Failed to resolve PR #%d: %v", pr, err)
	if r.fallbackPRs {
		return r.fallback(key, err)
	}
	return Result{Outcome: OutcomeUnavailable, Err: err}
}

func (r *Resolver) resolvePullRequest(ctx context.Context, pr int, cutoff time.Time) (*appveyor.ArtifactInfo, error) {
	build, err := r.history.FindBuild(ctx, appveyor.SuccessfulPullRequest(pr), cutoff)
	if err != nil || build == nil {
		return nil, err
	}
	return r.resolveBuild(ctx, r.client.BuildURL(build.BuildID))
}

func (r *Resolver) fallback(key cache.Key, err error) Result {
	if info, ok := cache.Fallback[*appveyor.ArtifactInfo](r.cache, key); ok {
		r.logger.Info("[Resolver] Serving cached artifact for %s", key)
		return Result{Artifact: info, Outcome: OutcomeFallback, Err: err}
	}
	return Result{Outcome: OutcomeUnavailable, Err: err}
}

// resolveBuild walks build -> first successful job -> named artifact.
// It returns nil, nil when any of them does not exist.
func (r *Resolver) resolveBuild(ctx context.Context, buildURL string) (*appveyor.ArtifactInfo, error) {
	detail, err := fetchWithFallback(ctx, r, buildURL, func(ctx context.Context) (*appveyor.BuildInfo, error) {
		return r.client.Build(ctx, buildURL)
	})
	if err != nil {
		return nil, err
	}

	job := detail.Build.FirstSuccessfulJob()
	if job == nil {
		return nil, nil
	}

	artifacts, err := fetchWithFallback(ctx, r, r.client.ArtifactsURL(job.JobID), func(ctx context.Context) ([]appveyor.Artifact, error) {
		return r.client.JobArtifacts(ctx, job.JobID)
	})
	if err != nil {
		return nil, err
	}

	artifact := appveyor.FindArtifact(artifacts, r.artifactName)
	if artifact == nil {
		return nil, nil
	}

	r.logger.Info("[Resolver] Build %d job %s: %s (%s)", detail.Build.BuildID, job.JobID, artifact.FileName, humanize.Bytes(uint64(max(artifact.Size, 0))))
	return &appveyor.ArtifactInfo{
		Artifact:    *artifact,
		DownloadURL: r.client.DownloadURL(job.JobID, artifact.FileName),
	}, nil
}

// fetchWithFallback caches a single AppVeyor response under its URL. A stale
// value is used when the live call fails; the failure is still logged.
func fetchWithFallback[T any](ctx context.Context, r *Resolver, url string, fetch func(context.Context) (T, error)) (T, error) {
	v, ok, err := cache.GetOrFetchWithFallback(ctx, r.cache, cache.RemoteURLKey(url), r.ttl, fetch)
	if !ok {
		return v, err
	}
	if err != nil {
		r.logger.Error("[Resolver] Using cached response for %s: %v", url, err)
	}
	if ctxErr := ctx.Err(); errors.Is(ctxErr, context.Canceled) {
		return v, ctxErr
	}
	return v, nil
}
