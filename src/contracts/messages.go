// Package contracts defines the messages exchanged over the broker.
package contracts

import "prbuild-resolver/src/appveyor"

// ResolveRequest asks the monitor agent to resolve one artifact.
// Exactly one of StatusURL and PullRequest is set.
// Published to: prbuild.requests
// Key: {request_id}
type ResolveRequest struct {
	RequestID   string `json:"request_id"`
	StatusURL   string `json:"status_url,omitempty"`
	PullRequest int    `json:"pull_request,omitempty"`
	// Since bounds the history search of a pull-request request, e.g. "720h".
	// Empty means the agent default.
	Since     string `json:"since,omitempty"`
	Timestamp string `json:"timestamp"`
}

// ResolveResult is the monitor agent's answer to a ResolveRequest.
// Published to: prbuild.results
// Key: {request_id}
type ResolveResult struct {
	RequestID   string                 `json:"request_id"`
	StatusURL   string                 `json:"status_url,omitempty"`
	PullRequest int                    `json:"pull_request,omitempty"`
	Outcome     string                 `json:"outcome"`
	Artifact    *appveyor.ArtifactInfo `json:"artifact,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Attempts    int                    `json:"attempts"`
	Timestamp   string                 `json:"timestamp"`
}

// Topic names
const (
	// TopicRequests carries ResolveRequest messages
	TopicRequests = "prbuild.requests"

	// TopicResults carries ResolveResult messages
	TopicResults = "prbuild.results"
)
