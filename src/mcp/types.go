// Package mcp exposes the resolver to tool-calling clients over the Model
// Context Protocol.
package mcp

import "prbuild-resolver/src/appveyor"

// Resolution is the JSON body returned by the resolve tools.
type Resolution struct {
	RequestID   string                 `json:"request_id"`
	StatusURL   string                 `json:"status_url,omitempty"`
	PullRequest int                    `json:"pull_request,omitempty"`
	Outcome     string                 `json:"outcome"`
	Artifact    *appveyor.ArtifactInfo `json:"artifact,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Timestamp   string                 `json:"timestamp"`
}
