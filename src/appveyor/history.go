package appveyor

import (
	"context"
	"fmt"
	"time"

	"prbuild-resolver/src/logger"
	"prbuild-resolver/src/metrics"
)

// Predicate selects a build from a history page.
type Predicate func(Build) bool

// SuccessfulPullRequest matches successful builds of pull request pr.
// A pr of zero matches any successful build.
func SuccessfulPullRequest(pr int) Predicate {
	return func(b Build) bool {
		if b.Status != StatusSuccess {
			return false
		}
		return pr == 0 || int(b.PullRequestID) == pr
	}
}

// HistoryPaginator walks build history from newest to oldest.
type HistoryPaginator struct {
	client  *Client
	logger  logger.Logger
	metrics *metrics.Metrics
}

func NewHistoryPaginator(client *Client, log logger.Logger, m *metrics.Metrics) *HistoryPaginator {
	return &HistoryPaginator{client: client, logger: log, metrics: m}
}

// FindBuild returns the newest build matching match. Paging stops at the first
// hit, at an empty page, or once the oldest started build on a page started at
// or before notBefore. A nil build with a nil error means nothing matched.
func (h *HistoryPaginator) FindBuild(ctx context.Context, match Predicate, notBefore time.Time) (*Build, error) {
	cursor := 0
	for page := 1; ; page++ {
		h.metrics.HistoryPage()
		hp, err := h.client.History(ctx, cursor)
		if err != nil {
			return nil, fmt.Errorf("history page %d: %w", page, err)
		}

		for i := range hp.Builds {
			if match(hp.Builds[i]) {
				b := hp.Builds[i]
				h.logger.Debug("[History] Found build %d on page %d", b.BuildID, page)
				return &b, nil
			}
		}

		if len(hp.Builds) == 0 {
			h.logger.Debug("[History] Page %d is empty, history exhausted", page)
			return nil, nil
		}

		oldest, ok := hp.OldestStarted()
		if !ok {
			h.logger.Debug("[History] No started builds on page %d, stopping", page)
			return nil, nil
		}
		if !oldest.After(notBefore) {
			h.logger.Debug("[History] Page %d reaches %s, past the %s cutoff", page, oldest.Format(time.RFC3339), notBefore.Format(time.RFC3339))
			return nil, nil
		}

		next := hp.Builds[len(hp.Builds)-1].BuildID
		if next == cursor {
			h.logger.Warn("[History] Cursor did not advance past build %d, stopping", cursor)
			return nil, nil
		}
		cursor = next
	}
}
