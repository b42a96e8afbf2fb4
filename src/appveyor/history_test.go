package appveyor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"prbuild-resolver/src/logger"
	"prbuild-resolver/src/metrics"
)

// historyServer serves pre-built history pages. Page 0 answers the request
// without startBuildId; page n answers startBuildId equal to the last build id
// of page n-1. Unknown cursors get an empty page.
type historyServer struct {
	*httptest.Server
	mu       sync.Mutex
	pages    [][]Build
	requests []int
}

func newHistoryServer(t *testing.T, pages ...[]Build) *historyServer {
	t.Helper()
	hs := &historyServer{pages: pages}
	hs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("recordsNumber") != "100" {
			t.Errorf("recordsNumber = %q, want 100", r.URL.Query().Get("recordsNumber"))
		}
		cursor, _ := strconv.Atoi(r.URL.Query().Get("startBuildId"))

		hs.mu.Lock()
		hs.requests = append(hs.requests, cursor)
		hs.mu.Unlock()

		page := []Build{}
		if cursor == 0 && len(hs.pages) > 0 {
			page = hs.pages[0]
		}
		for i := 0; cursor != 0 && i < len(hs.pages)-1; i++ {
			if prev := hs.pages[i]; len(prev) > 0 && prev[len(prev)-1].BuildID == cursor {
				page = hs.pages[i+1]
			}
		}
		json.NewEncoder(w).Encode(HistoryPage{Builds: page})
	}))
	t.Cleanup(hs.Close)
	return hs
}

func (hs *historyServer) Requests() []int {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return append([]int(nil), hs.requests...)
}

func ago(d time.Duration) *time.Time {
	t := time.Now().Add(-d)
	return &t
}

// buildRange returns builds from newest down to oldest, all failed, started
// at evenly spaced times between newestAge and oldestAge ago.
func buildRange(newest, oldest int, newestAge, oldestAge time.Duration) []Build {
	n := newest - oldest
	var builds []Build
	for id := newest; id >= oldest; id-- {
		age := newestAge
		if n > 0 {
			age += (oldestAge - newestAge) * time.Duration(newest-id) / time.Duration(n)
		}
		builds = append(builds, Build{BuildID: id, Status: StatusFailed, PullRequestID: PullRequestID(id), Started: ago(age)})
	}
	return builds
}

func newPaginator(hs *historyServer, m *metrics.Metrics) *HistoryPaginator {
	client := NewClient(hs.URL, "org", "repo")
	return NewHistoryPaginator(client, logger.NewSilentLogger(), m)
}

func TestFindBuild_MatchOnSecondPage(t *testing.T) {
	page1 := buildRange(200, 101, time.Hour, 5*24*time.Hour)
	page2 := buildRange(100, 1, 6*24*time.Hour, 40*24*time.Hour)
	for i := range page2 {
		if page2[i].BuildID == 55 {
			page2[i] = Build{BuildID: 55, PullRequestID: 1000, Status: StatusSuccess, Started: ago(10 * 24 * time.Hour)}
		}
	}
	hs := newHistoryServer(t, page1, page2)

	build, err := newPaginator(hs, nil).FindBuild(context.Background(), SuccessfulPullRequest(1000), time.Now().Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("FindBuild() error = %v", err)
	}
	if build == nil || build.BuildID != 55 {
		t.Fatalf("FindBuild() = %+v, want build 55", build)
	}

	reqs := hs.Requests()
	if len(reqs) != 2 {
		t.Fatalf("made %d page requests, want 2", len(reqs))
	}
	if reqs[1] != 101 {
		t.Errorf("second page cursor = %d, want 101 (oldest build on page 1)", reqs[1])
	}
}

func TestFindBuild_CutoffStopsAfterFirstPage(t *testing.T) {
	page1 := buildRange(200, 101, 2*time.Hour, 5*24*time.Hour)
	page2 := buildRange(100, 1, 6*24*time.Hour, 40*24*time.Hour)
	page2[0] = Build{BuildID: 100, PullRequestID: 1000, Status: StatusSuccess, Started: ago(6 * 24 * time.Hour)}
	hs := newHistoryServer(t, page1, page2)

	build, err := newPaginator(hs, nil).FindBuild(context.Background(), SuccessfulPullRequest(1000), time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("FindBuild() error = %v", err)
	}
	if build != nil {
		t.Errorf("FindBuild() = %+v, want nil", build)
	}
	if n := len(hs.Requests()); n != 1 {
		t.Errorf("made %d page requests, want 1", n)
	}
}

func TestFindBuild_NewestMatchWins(t *testing.T) {
	page1 := buildRange(200, 101, time.Hour, 2*24*time.Hour)
	page1[30] = Build{BuildID: 170, PullRequestID: 1000, Status: StatusSuccess, Started: ago(24 * time.Hour)}
	page1[60] = Build{BuildID: 140, PullRequestID: 1000, Status: StatusSuccess, Started: ago(36 * time.Hour)}
	page2 := buildRange(100, 1, 3*24*time.Hour, 4*24*time.Hour)
	page2[0] = Build{BuildID: 100, PullRequestID: 1000, Status: StatusSuccess, Started: ago(3 * 24 * time.Hour)}
	hs := newHistoryServer(t, page1, page2)

	build, err := newPaginator(hs, nil).FindBuild(context.Background(), SuccessfulPullRequest(1000), time.Now().Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("FindBuild() error = %v", err)
	}
	if build == nil || build.BuildID != 170 {
		t.Fatalf("FindBuild() = %+v, want newest match 170", build)
	}
	if n := len(hs.Requests()); n != 1 {
		t.Errorf("made %d page requests, want 1", n)
	}
}

func TestFindBuild_EmptyHistory(t *testing.T) {
	hs := newHistoryServer(t)

	build, err := newPaginator(hs, nil).FindBuild(context.Background(), SuccessfulPullRequest(1000), time.Time{})
	if err != nil || build != nil {
		t.Fatalf("FindBuild() = %+v, %v; want nil, nil", build, err)
	}
	if n := len(hs.Requests()); n != 1 {
		t.Errorf("made %d page requests, want 1", n)
	}
}

func TestFindBuild_ExhaustsPages(t *testing.T) {
	page1 := buildRange(30, 21, time.Hour, 2*time.Hour)
	page2 := buildRange(20, 11, 3*time.Hour, 4*time.Hour)
	page3 := buildRange(10, 1, 5*time.Hour, 6*time.Hour)
	hs := newHistoryServer(t, page1, page2, page3)

	build, err := newPaginator(hs, nil).FindBuild(context.Background(), SuccessfulPullRequest(1000), time.Time{})
	if err != nil || build != nil {
		t.Fatalf("FindBuild() = %+v, %v; want nil, nil", build, err)
	}
	if n := len(hs.Requests()); n != 4 {
		t.Errorf("made %d page requests, want 4 (three pages then an empty one)", n)
	}
}

func TestFindBuild_PageWithoutStartedBuilds(t *testing.T) {
	page1 := []Build{
		{BuildID: 12, Status: StatusQueued},
		{BuildID: 11, Status: StatusQueued},
	}
	page2 := buildRange(10, 1, time.Hour, 2*time.Hour)
	hs := newHistoryServer(t, page1, page2)

	build, err := newPaginator(hs, nil).FindBuild(context.Background(), SuccessfulPullRequest(1000), time.Time{})
	if err != nil || build != nil {
		t.Fatalf("FindBuild() = %+v, %v; want nil, nil", build, err)
	}
	if n := len(hs.Requests()); n != 1 {
		t.Errorf("made %d page requests, want 1", n)
	}
}

func TestFindBuild_UnstartedBuildStillMatches(t *testing.T) {
	page1 := []Build{
		{BuildID: 12, Status: StatusSuccess, PullRequestID: 1000},
		{BuildID: 11, Status: StatusFailed, Started: ago(time.Hour)},
	}
	hs := newHistoryServer(t, page1)

	build, err := newPaginator(hs, nil).FindBuild(context.Background(), SuccessfulPullRequest(1000), time.Now())
	if err != nil {
		t.Fatalf("FindBuild() error = %v", err)
	}
	if build == nil || build.BuildID != 12 {
		t.Errorf("FindBuild() = %+v, want build 12", build)
	}
}

func TestFindBuild_StalledCursor(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(HistoryPage{Builds: []Build{{BuildID: 5, Status: StatusFailed, Started: ago(time.Minute)}}})
	}))
	defer server.Close()

	p := NewHistoryPaginator(NewClient(server.URL, "org", "repo"), logger.NewSilentLogger(), nil)
	build, err := p.FindBuild(context.Background(), SuccessfulPullRequest(1), time.Time{})
	if err != nil || build != nil {
		t.Fatalf("FindBuild() = %+v, %v; want nil, nil", build, err)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("made %d page requests, want 2", n)
	}
}

func TestFindBuild_TransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	m := metrics.New(prometheus.NewRegistry())
	p := NewHistoryPaginator(NewClient(server.URL, "org", "repo", WithMetrics(m)), logger.NewSilentLogger(), m)
	build, err := p.FindBuild(context.Background(), SuccessfulPullRequest(1), time.Time{})
	if err == nil {
		t.Fatalf("FindBuild() = %+v, want error", build)
	}
	if got := testutil.ToFloat64(m.RemoteErrors.WithLabelValues("history")); got != 1 {
		t.Errorf("history errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.HistoryPages); got != 1 {
		t.Errorf("history pages = %v, want 1", got)
	}
}

func TestSuccessfulPullRequest(t *testing.T) {
	tests := []struct {
		name  string
		pr    int
		build Build
		want  bool
	}{
		{"matching pr", 1000, Build{Status: StatusSuccess, PullRequestID: 1000}, true},
		{"other pr", 1000, Build{Status: StatusSuccess, PullRequestID: 999}, false},
		{"failed build", 1000, Build{Status: StatusFailed, PullRequestID: 1000}, false},
		{"unconstrained", 0, Build{Status: StatusSuccess}, true},
		{"unconstrained running", 0, Build{Status: StatusRunning}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SuccessfulPullRequest(tt.pr)(tt.build); got != tt.want {
				t.Errorf("SuccessfulPullRequest(%d)(%+v) = %v, want %v", tt.pr, tt.build, got, tt.want)
			}
		})
	}
}
