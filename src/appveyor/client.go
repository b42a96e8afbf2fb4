// Package appveyor provides a read-only client for the AppVeyor REST API and
// the build history search used to find pull-request builds.
package appveyor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"

	"prbuild-resolver/src/metrics"
	"prbuild-resolver/src/provider"
	"prbuild-resolver/src/sanitize"
)

const (
	// DefaultBaseURL is the AppVeyor web root. The API lives under /api.
	DefaultBaseURL = "https://ci.appveyor.com"
	// DefaultUserAgent identifies this client to AppVeyor.
	DefaultUserAgent = "RPCS3CompatibilityBot/2.0"
	// HistoryPageSize is the number of builds requested per history page.
	HistoryPageSize = 100

	maxBodySize      = 32 << 20
	errorSnippetSize = 256
)

// Client is an AppVeyor API client. It never retries and never caches.
type Client struct {
	httpClient *http.Client
	baseURL    string
	account    string
	project    string
	userAgent  string
	metrics    *metrics.Metrics
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a client for the given AppVeyor project.
func NewClient(baseURL, account, project string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL:   strings.TrimRight(baseURL, "/"),
		account:   account,
		project:   project,
		userAgent: DefaultUserAgent,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) apiURL() string {
	return c.baseURL + "/api"
}

// HistoryURL is the history page ending just before startBuildID, or the newest
// page when startBuildID is zero.
func (c *Client) HistoryURL(startBuildID int) string {
	q := url.Values{}
	q.Set("recordsNumber", strconv.Itoa(HistoryPageSize))
	if startBuildID > 0 {
		q.Set("startBuildId", strconv.Itoa(startBuildID))
	}
	return fmt.Sprintf("%s/projects/%s/%s/history?%s", c.apiURL(), c.account, c.project, q.Encode())
}

// BuildURL is the build detail endpoint for a build id.
func (c *Client) BuildURL(buildID int) string {
	return fmt.Sprintf("%s/projects/%s/%s/builds/%d", c.apiURL(), c.account, c.project, buildID)
}

// ArtifactsURL lists the artifacts of a job.
func (c *Client) ArtifactsURL(jobID string) string {
	return fmt.Sprintf("%s/buildjobs/%s/artifacts", c.apiURL(), url.PathEscape(jobID))
}

// DownloadURL is the direct download link of a job artifact.
func (c *Client) DownloadURL(jobID, fileName string) string {
	return fmt.Sprintf("%s/buildjobs/%s/artifacts/%s", c.apiURL(), url.PathEscape(jobID), fileName)
}

// StatusToBuildURL rewrites a status-check link such as
// https://ci.appveyor.com/project/org/repo/build/1.0.42 into the equivalent
// build detail API URL.
func (c *Client) StatusToBuildURL(statusURL string) (string, error) {
	host := strings.TrimPrefix(strings.TrimPrefix(c.baseURL, "https://"), "http://")
	from := host + "/project/"
	to := host + "/api/projects/"

	buildURL := strings.Replace(statusURL, from, to, 1)
	if buildURL == statusURL {
		return "", fmt.Errorf("%w: %s", provider.ErrInvalidURL, statusURL)
	}
	return buildURL, nil
}

// History fetches one page of build history.
func (c *Client) History(ctx context.Context, startBuildID int) (*HistoryPage, error) {
	page, err := Fetch[HistoryPage](ctx, c, c.HistoryURL(startBuildID))
	if err != nil {
		c.metrics.RemoteError("history")
		return nil, err
	}
	return &page, nil
}

// Build fetches build detail, including jobs, from a build detail URL.
func (c *Client) Build(ctx context.Context, buildURL string) (*BuildInfo, error) {
	info, err := Fetch[BuildInfo](ctx, c, buildURL)
	if err != nil {
		c.metrics.RemoteError("build")
		return nil, err
	}
	return &info, nil
}

// JobArtifacts fetches the artifact list of a job.
func (c *Client) JobArtifacts(ctx context.Context, jobID string) ([]Artifact, error) {
	artifacts, err := Fetch[[]Artifact](ctx, c, c.ArtifactsURL(jobID))
	if err != nil {
		c.metrics.RemoteError("artifacts")
		return nil, err
	}
	return artifacts, nil
}

// Fetch issues a GET for url and decodes the JSON body into T. The whole body is
// read before decoding. Every failure is a *provider.TransportError.
func Fetch[T any](ctx context.Context, c *Client, url string) (T, error) {
	var result T

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return result, &provider.TransportError{URL: url, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip, deflate")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return result, &provider.TransportError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	body, err := readBody(resp)
	if err != nil {
		return result, &provider.TransportError{URL: url, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return result, &provider.TransportError{
			URL:        url,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, sanitize.Snippet(body, errorSnippetSize)),
		}
	}

	if err := json.Unmarshal(body, &result); err != nil {
		return result, &provider.TransportError{URL: url, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return result, nil
}

// readBody buffers the response and undoes any Content-Encoding.
func readBody(resp *http.Response) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "", "identity":
		return raw, nil
	case "gzip":
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to read gzip response: %w", err)
		}
		defer zr.Close()
		return decompressed(zr)
	case "deflate":
		// Servers disagree on whether deflate means zlib-wrapped or raw.
		if zr, err := zlib.NewReader(bytes.NewReader(raw)); err == nil {
			defer zr.Close()
			return decompressed(zr)
		}
		fr := flate.NewReader(bytes.NewReader(raw))
		defer fr.Close()
		return decompressed(fr)
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", resp.Header.Get("Content-Encoding"))
	}
}

func decompressed(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress response: %w", err)
	}
	return data, nil
}
