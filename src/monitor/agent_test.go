package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"prbuild-resolver/src/appveyor"
	"prbuild-resolver/src/broker"
	"prbuild-resolver/src/contracts"
	"prbuild-resolver/src/logger"
	"prbuild-resolver/src/provider"
	"prbuild-resolver/src/resolver"
)

// scriptedResolver returns results in order, repeating the last one.
type scriptedResolver struct {
	mu      sync.Mutex
	results []resolver.Result
	calls   int
	urls    []string
	prs     []int
	cutoffs []time.Time
}

func (s *scriptedResolver) next() resolver.Result {
	s.calls++
	if s.calls <= len(s.results) {
		return s.results[s.calls-1]
	}
	return s.results[len(s.results)-1]
}

func (s *scriptedResolver) ResolveByStatusURL(_ context.Context, statusURL string) resolver.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.urls = append(s.urls, statusURL)
	return s.next()
}

func (s *scriptedResolver) ResolveByPullRequest(_ context.Context, pr int, cutoff time.Time) resolver.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prs = append(s.prs, pr)
	s.cutoffs = append(s.cutoffs, cutoff)
	return s.next()
}

func (s *scriptedResolver) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

var artifact = &appveyor.ArtifactInfo{
	Artifact:    appveyor.Artifact{Name: "rpcs3", FileName: "build.7z", Size: 42},
	DownloadURL: "https://ci.appveyor.com/api/buildjobs/job-b/artifacts/build.7z",
}

type harness struct {
	broker  *broker.InMemoryBroker
	results <-chan broker.Message
	sleeps  *[]time.Duration
	done    chan error
	cancel  context.CancelFunc
}

func startAgent(t *testing.T, res Resolver, opts ...Option) *harness {
	t.Helper()
	brk := broker.NewInMemoryBroker(logger.NewSilentLogger())
	t.Cleanup(func() { brk.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	results, err := brk.Subscribe(ctx, contracts.TopicResults, "test")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	var mu sync.Mutex
	sleeps := []time.Duration{}
	opts = append([]Option{WithSleepFunc(func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		sleeps = append(sleeps, d)
	})}, opts...)

	agent := NewAgent(brk, res, logger.NewSilentLogger(), opts...)
	agent.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }

	h := &harness{broker: brk, results: results, sleeps: &sleeps, done: make(chan error, 1), cancel: cancel}
	ready := make(chan struct{})
	go func() {
		close(ready)
		h.done <- agent.Run(ctx)
	}()
	<-ready
	// The agent subscribes asynchronously; give it a moment before publishing.
	time.Sleep(50 * time.Millisecond)
	return h
}

func (h *harness) send(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := h.broker.Publish(context.Background(), contracts.TopicRequests, "", data); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
}

func (h *harness) sendRaw(t *testing.T, data []byte) {
	t.Helper()
	if err := h.broker.Publish(context.Background(), contracts.TopicRequests, "", data); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
}

func (h *harness) result(t *testing.T) (contracts.ResolveResult, broker.Message) {
	t.Helper()
	select {
	case msg := <-h.results:
		var out contracts.ResolveResult
		if err := json.Unmarshal(msg.Value, &out); err != nil {
			t.Fatalf("unmarshal result: %v", err)
		}
		return out, msg
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for result")
	}
	return contracts.ResolveResult{}, broker.Message{}
}

func TestAgent_ResolvesStatusURL(t *testing.T) {
	res := &scriptedResolver{results: []resolver.Result{{Artifact: artifact, Outcome: resolver.OutcomeResolved}}}
	h := startAgent(t, res)

	h.send(t, contracts.ResolveRequest{RequestID: "req-1", StatusURL: "https://ci.appveyor.com/project/rpcs3/rpcs3/build/1.0.42"})

	got, msg := h.result(t)
	want := contracts.ResolveResult{
		RequestID: "req-1",
		StatusURL: "https://ci.appveyor.com/project/rpcs3/rpcs3/build/1.0.42",
		Outcome:   "resolved",
		Artifact:  artifact,
		Attempts:  1,
		Timestamp: "2024-03-01T12:00:00Z",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
	if msg.Key != "req-1" {
		t.Errorf("result key = %q, want request id", msg.Key)
	}
	if len(*h.sleeps) != 0 {
		t.Errorf("slept %v, want no retries", *h.sleeps)
	}
}

func TestAgent_RetriesUntilAvailable(t *testing.T) {
	res := &scriptedResolver{results: []resolver.Result{
		{Outcome: resolver.OutcomeNotFound},
		{Artifact: artifact, Outcome: resolver.OutcomeResolved},
	}}
	h := startAgent(t, res)

	h.send(t, contracts.ResolveRequest{RequestID: "req-2", PullRequest: 1000})

	got, _ := h.result(t)
	if got.Outcome != "resolved" || got.Attempts != 2 {
		t.Errorf("result = %+v, want resolved after 2 attempts", got)
	}
	if diff := cmp.Diff([]time.Duration{DefaultRetryDelay}, *h.sleeps); diff != "" {
		t.Errorf("sleeps mismatch (-want +got):\n%s", diff)
	}
}

func TestAgent_GivesUpAfterMaxAttempts(t *testing.T) {
	res := &scriptedResolver{results: []resolver.Result{{Outcome: resolver.OutcomeNotFound}}}
	h := startAgent(t, res, WithRetry(time.Second, 3))

	h.send(t, contracts.ResolveRequest{RequestID: "req-3", PullRequest: 1000})

	got, _ := h.result(t)
	if got.Outcome != "not_found" || got.Attempts != 3 {
		t.Errorf("result = %+v, want not_found after 3 attempts", got)
	}
	if got.Error != provider.ErrNotFound.Error() {
		t.Errorf("Error = %q, want %q", got.Error, provider.ErrNotFound.Error())
	}
	if res.Calls() != 3 {
		t.Errorf("resolver called %d times, want 3", res.Calls())
	}
}

func TestAgent_DoesNotRetryInvalidInput(t *testing.T) {
	res := &scriptedResolver{results: []resolver.Result{{Outcome: resolver.OutcomeInvalidInput, Err: provider.ErrInvalidURL}}}
	h := startAgent(t, res)

	h.send(t, contracts.ResolveRequest{RequestID: "req-4", StatusURL: "https://github.com/rpcs3/rpcs3/pull/1"})

	got, _ := h.result(t)
	if got.Outcome != "invalid_input" || got.Attempts != 1 {
		t.Errorf("result = %+v, want invalid_input after 1 attempt", got)
	}
}

func TestAgent_RejectsMalformedRequests(t *testing.T) {
	res := &scriptedResolver{results: []resolver.Result{{Artifact: artifact, Outcome: resolver.OutcomeResolved}}}
	h := startAgent(t, res)

	tests := []struct {
		name string
		req  contracts.ResolveRequest
	}{
		{"neither", contracts.ResolveRequest{RequestID: "bad-1"}},
		{"both", contracts.ResolveRequest{RequestID: "bad-2", StatusURL: "u", PullRequest: 1}},
		{"bad since", contracts.ResolveRequest{RequestID: "bad-3", PullRequest: 1, Since: "a while"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.send(t, tt.req)
			got, _ := h.result(t)
			if got.RequestID != tt.req.RequestID || got.Outcome != "invalid_input" || got.Error == "" {
				t.Errorf("result = %+v, want invalid_input with an error", got)
			}
		})
	}
	if res.Calls() != 0 {
		t.Errorf("resolver called %d times for invalid requests", res.Calls())
	}
}

func TestAgent_SkipsUndecodableMessages(t *testing.T) {
	res := &scriptedResolver{results: []resolver.Result{{Artifact: artifact, Outcome: resolver.OutcomeResolved}}}
	h := startAgent(t, res)

	h.sendRaw(t, []byte("{not json"))
	h.send(t, contracts.ResolveRequest{RequestID: "after", StatusURL: "https://ci.appveyor.com/project/a/b/build/1"})

	got, _ := h.result(t)
	if got.RequestID != "after" {
		t.Errorf("first result is for %q, want the request after the bad message", got.RequestID)
	}
}

func TestAgent_PullRequestWindow(t *testing.T) {
	res := &scriptedResolver{results: []resolver.Result{{Artifact: artifact, Outcome: resolver.OutcomeResolved}}}
	h := startAgent(t, res, WithDefaultSince(72*time.Hour))

	h.send(t, contracts.ResolveRequest{RequestID: "a", PullRequest: 1000})
	h.result(t)
	h.send(t, contracts.ResolveRequest{RequestID: "b", PullRequest: 1001, Since: "48h"})
	h.result(t)

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	res.mu.Lock()
	defer res.mu.Unlock()
	if diff := cmp.Diff([]int{1000, 1001}, res.prs); diff != "" {
		t.Errorf("pull requests mismatch (-want +got):\n%s", diff)
	}
	want := []time.Time{now.Add(-72 * time.Hour), now.Add(-48 * time.Hour)}
	if diff := cmp.Diff(want, res.cutoffs); diff != "" {
		t.Errorf("cutoffs mismatch (-want +got):\n%s", diff)
	}
}

func TestAgent_StopsOnCancel(t *testing.T) {
	res := &scriptedResolver{results: []resolver.Result{{Outcome: resolver.OutcomeResolved}}}
	h := startAgent(t, res)

	h.cancel()
	select {
	case err := <-h.done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestAgent_StopsWhenBrokerCloses(t *testing.T) {
	res := &scriptedResolver{results: []resolver.Result{{Outcome: resolver.OutcomeResolved}}}
	h := startAgent(t, res)

	h.broker.Close()
	select {
	case err := <-h.done:
		if err != nil {
			t.Errorf("Run() error = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after broker close")
	}
}
