// Package assets wraps the two remote generation capabilities — text to
// image and image to 3D — behind one asynchronous submit/poll job
// protocol, so retry, backoff and cancellation logic exists exactly once.
package assets

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/BaSui01/dreamforge/config"
	"github.com/BaSui01/dreamforge/types"
)

// JobState is the remote job lifecycle reported by poll.
type JobState string

const (
	JobPending JobState = "pending"
	JobDone    JobState = "done"
	JobFailed  JobState = "failed"
)

// JobStatus is one poll observation of a remote job.
type JobStatus struct {
	State JobState `json:"status"`
	// Ref is the opaque asset reference, set when State is done.
	Ref string `json:"ref,omitempty"`
	// Cause describes the failure, set when State is failed.
	Cause string `json:"cause,omitempty"`
}

// JobRequest is the submit payload for a remote generation job.
type JobRequest struct {
	Input map[string]any `json:"input"`
}

// JobClient is the transport to one remote generation service.
type JobClient interface {
	// Submit enqueues a job and returns its id.
	Submit(ctx context.Context, req JobRequest) (string, error)

	// Poll reports the current state of a job.
	Poll(ctx context.Context, jobID string) (JobStatus, error)
}

// HTTPJobClient talks to a remote generation service over its HTTP job
// API: POST /execute to submit, GET /jobs/{id} to poll.
type HTTPJobClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPJobClient creates a client for one service endpoint. The HTTP
// client carries no overall timeout; per-call deadlines come from the
// caller's context so a slow poll cannot outlive its stage.
func NewHTTPJobClient(cfg config.ServiceConfig) *HTTPJobClient {
	return &HTTPJobClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{},
	}
}

type submitResponse struct {
	JobID string `json:"job_id"`
	Error string `json:"error,omitempty"`
}

// Submit enqueues a job.
func (c *HTTPJobClient) Submit(ctx context.Context, req JobRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", types.NewError(types.ErrGenRemoteFailed, "failed to encode job request").WithCause(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return "", types.NewError(types.ErrGenRemoteFailed, "failed to build submit request").WithCause(err)
	}
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", classifyTransportError(err, "submit failed")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		// Overload and server trouble are worth another attempt.
		return "", types.NewError(types.ErrGenRemoteRejected,
			fmt.Sprintf("service rejected submission with status %d", resp.StatusCode)).
			WithRetryable(true)
	default:
		return "", types.NewError(types.ErrGenRemoteFailed,
			fmt.Sprintf("service refused job with status %d: %s", resp.StatusCode, readBody(resp.Body)))
	}

	var sub submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return "", types.NewError(types.ErrGenRemoteFailed, "failed to decode submit response").WithCause(err)
	}
	if sub.JobID == "" {
		return "", types.NewError(types.ErrGenRemoteFailed, "service returned no job id")
	}
	return sub.JobID, nil
}

// Poll reports the current state of a job.
func (c *HTTPJobClient) Poll(ctx context.Context, jobID string) (JobStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/jobs/"+jobID, nil)
	if err != nil {
		return JobStatus{}, types.NewError(types.ErrGenRemoteFailed, "failed to build poll request").WithCause(err)
	}
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return JobStatus{}, classifyTransportError(err, "poll failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return JobStatus{}, types.NewError(types.ErrGenRemoteRejected,
			fmt.Sprintf("poll returned status %d", resp.StatusCode)).
			WithRetryable(true)
	}

	var status JobStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return JobStatus{}, types.NewError(types.ErrGenRemoteFailed, "failed to decode poll response").WithCause(err)
	}
	return status, nil
}

func (c *HTTPJobClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// classifyTransportError maps HTTP client failures onto the generation
// error taxonomy: timeouts keep their own code, everything else is a
// retryable rejection.
func classifyTransportError(err error, msg string) *types.Error {
	if errors.Is(err, context.Canceled) {
		return types.NewError(types.ErrCancelled, "run cancelled").WithCause(err)
	}
	var t interface{ Timeout() bool }
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &t) && t.Timeout()) {
		return types.NewError(types.ErrGenTimeout, msg+": timed out").WithRetryable(true).WithCause(err)
	}
	return types.NewError(types.ErrGenRemoteRejected, msg).WithRetryable(true).WithCause(err)
}

// readBody reads a short failure body for error messages.
func readBody(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 512))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Ensure HTTPJobClient implements JobClient
var _ JobClient = (*HTTPJobClient)(nil)
