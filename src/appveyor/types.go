package appveyor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Status is the lifecycle state AppVeyor reports for builds and jobs.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// PullRequestID is the originating pull request of a build. AppVeyor encodes it
// as a string ("1000"), but numbers and null are accepted too. Zero means none.
type PullRequestID int

func (p *PullRequestID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*p = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*p = 0
			return nil
		}
		data = []byte(s)
	}
	n, err := strconv.Atoi(string(data))
	if err != nil {
		return fmt.Errorf("invalid pull request id %s: %w", data, err)
	}
	*p = PullRequestID(n)
	return nil
}

// Build represents one AppVeyor run. History pages carry builds without jobs;
// the build detail endpoint fills Jobs in.
type Build struct {
	BuildID       int           `json:"buildId"`
	Version       string        `json:"version,omitempty"`
	Branch        string        `json:"branch,omitempty"`
	PullRequestID PullRequestID `json:"pullRequestId,omitempty"`
	Status        Status        `json:"status"`
	Started       *time.Time    `json:"started,omitempty"`
	Jobs          []Job         `json:"jobs,omitempty"`
}

// FirstSuccessfulJob returns the first job in matrix order that succeeded.
func (b *Build) FirstSuccessfulJob() *Job {
	for i := range b.Jobs {
		if b.Jobs[i].Status == StatusSuccess && b.Jobs[i].JobID != "" {
			return &b.Jobs[i]
		}
	}
	return nil
}

// Job represents one matrix leg of a build.
type Job struct {
	JobID  string `json:"jobId"`
	Name   string `json:"name,omitempty"`
	Status Status `json:"status"`
}

// BuildInfo is the response of the build detail endpoint.
type BuildInfo struct {
	Build Build `json:"build"`
}

// HistoryPage is one page of the build history endpoint, newest build first.
type HistoryPage struct {
	Builds []Build `json:"builds"`
}

// OldestStarted returns the earliest start time among builds that have started.
// Builds that never started are ignored; ok is false if none started.
func (h *HistoryPage) OldestStarted() (oldest time.Time, ok bool) {
	for _, b := range h.Builds {
		if b.Started == nil {
			continue
		}
		if !ok || b.Started.Before(oldest) {
			oldest = *b.Started
			ok = true
		}
	}
	return oldest, ok
}

// Artifact is a file published by a job.
type Artifact struct {
	Name     string `json:"name"`
	FileName string `json:"fileName"`
	Type     string `json:"type,omitempty"`
	Size     int64  `json:"size"`
}

// ArtifactInfo is the resolver's answer: the artifact and where to download it.
type ArtifactInfo struct {
	Artifact    Artifact `json:"artifact"`
	DownloadURL string   `json:"downloadUrl"`
}

// FindArtifact returns the artifact with the given logical name.
func FindArtifact(artifacts []Artifact, name string) *Artifact {
	for i := range artifacts {
		if artifacts[i].Name == name {
			return &artifacts[i]
		}
	}
	return nil
}
