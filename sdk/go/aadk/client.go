package aadk

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
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the job service (e.g. "http://127.0.0.1:50051").
	BaseURL string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used for request/response calls.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	// Streaming calls ignore it and run until the context is cancelled.
	Timeout time.Duration
}

// Client is an HTTP client for the AADK job service API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	client  *http.Client
	// streamClient has no timeout; SSE connections are long-lived.
	streamClient *http.Client
}

// NewClient creates a Client from the given configuration.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("aadk: BaseURL is required")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:      baseURL,
		client:       httpClient,
		streamClient: &http.Client{},
	}, nil
}

// StartJob creates a new job.
func (c *Client) StartJob(ctx context.Context, req StartJobRequest) (Job, error) {
	var resp struct {
		Job Job `json:"job"`
	}
	if err := c.post(ctx, "/v1/jobs", req, &resp); err != nil {
		return Job{}, err
	}
	return resp.Job, nil
}

// GetJob fetches one job record.
func (c *Client) GetJob(ctx context.Context, jobID string) (Job, error) {
	var job Job
	if err := c.get(ctx, "/v1/jobs/"+url.PathEscape(jobID), nil, &job); err != nil {
		return Job{}, err
	}
	return job, nil
}

// CancelJob sets the job's cancel latch. Accepted is false when the job is
// unknown or already terminal; repeated calls are safe.
func (c *Client) CancelJob(ctx context.Context, jobID string) (bool, error) {
	var resp struct {
		Accepted bool `json:"accepted"`
	}
	if err := c.post(ctx, "/v1/jobs/"+url.PathEscape(jobID)+"/cancel", struct{}{}, &resp); err != nil {
		return false, err
	}
	return resp.Accepted, nil
}

// PublishJobEvent appends an event to an existing job.
func (c *Client) PublishJobEvent(ctx context.Context, evt JobEvent) error {
	if evt.JobID == "" {
		return fmt.Errorf("aadk: event job_id is required")
	}
	body := struct {
		Event JobEvent `json:"event"`
	}{Event: evt}
	var resp struct {
		Accepted bool `json:"accepted"`
	}
	return c.post(ctx, "/v1/jobs/"+url.PathEscape(evt.JobID)+"/events", body, &resp)
}

// ListJobs returns one page of jobs matching the options.
func (c *Client) ListJobs(ctx context.Context, opts *ListJobsOptions) (ListJobsResponse, error) {
	params := url.Values{}
	if opts != nil {
		if len(opts.JobTypes) > 0 {
			params.Set("job_types", strings.Join(opts.JobTypes, ","))
		}
		if len(opts.States) > 0 {
			params.Set("states", strings.Join(opts.States, ","))
		}
		if opts.CorrelationID != "" {
			params.Set("correlation_id", opts.CorrelationID)
		}
		if opts.RunID != "" {
			params.Set("run_id", opts.RunID)
		}
		if opts.PageToken != "" {
			params.Set("page_token", opts.PageToken)
		}
		if opts.PageSize > 0 {
			params.Set("page_size", strconv.Itoa(opts.PageSize))
		}
	}
	var resp ListJobsResponse
	if err := c.get(ctx, "/v1/jobs", params, &resp); err != nil {
		return ListJobsResponse{}, err
	}
	return resp, nil
}

// ListJobHistory returns one page of a job's event history.
func (c *Client) ListJobHistory(ctx context.Context, jobID string, opts *ListJobHistoryOptions) (ListJobHistoryResponse, error) {
	params := url.Values{}
	if opts != nil {
		if len(opts.Kinds) > 0 {
			params.Set("kinds", strings.Join(opts.Kinds, ","))
		}
		if opts.After > 0 {
			params.Set("after", strconv.FormatInt(opts.After, 10))
		}
		if opts.Before > 0 {
			params.Set("before", strconv.FormatInt(opts.Before, 10))
		}
		if opts.PageToken != "" {
			params.Set("page_token", opts.PageToken)
		}
		if opts.PageSize > 0 {
			params.Set("page_size", strconv.Itoa(opts.PageSize))
		}
	}
	var resp ListJobHistoryResponse
	if err := c.get(ctx, "/v1/jobs/"+url.PathEscape(jobID)+"/history", params, &resp); err != nil {
		return ListJobHistoryResponse{}, err
	}
	return resp, nil
}

// StreamJobEvents opens the live event stream of one job. The caller must
// Close the stream; cancelling ctx also tears it down.
func (c *Client) StreamJobEvents(ctx context.Context, jobID string, includeHistory bool) (*EventStream, error) {
	params := url.Values{}
	if includeHistory {
		params.Set("include_history", "true")
	}
	return c.openStream(ctx, "/v1/jobs/"+url.PathEscape(jobID)+"/events", params)
}

// StreamRunEvents opens the merged event stream of every job sharing a run
// identity.
func (c *Client) StreamRunEvents(ctx context.Context, opts RunStreamOptions) (*EventStream, error) {
	params := url.Values{}
	if opts.RunID != "" {
		params.Set("run_id", opts.RunID)
	}
	if opts.CorrelationID != "" {
		params.Set("correlation_id", opts.CorrelationID)
	}
	if opts.IncludeHistory {
		params.Set("include_history", "true")
	}
	if opts.BufferMaxEvents > 0 {
		params.Set("buffer_max_events", strconv.Itoa(opts.BufferMaxEvents))
	}
	if opts.MaxDelayMillis > 0 {
		params.Set("max_delay_ms", strconv.FormatInt(opts.MaxDelayMillis, 10))
	}
	if opts.DiscoveryIntervalMS > 0 {
		params.Set("discovery_interval_ms", strconv.FormatInt(opts.DiscoveryIntervalMS, 10))
	}
	return c.openStream(ctx, "/v1/runs/events", params)
}

// apiEnvelope mirrors the server's response wrapper.
type apiEnvelope struct {
	Data  json.RawMessage `json:"data"`
	Error *ErrorDetail    `json:"error"`
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("aadk: build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("aadk: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("aadk: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("aadk: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("aadk: read response: %w", err)
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("aadk: decode response (status %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &Error{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		if envelope.Error != nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("aadk: decode data: %w", err)
		}
	}
	return nil
}

func (c *Client) openStream(ctx context.Context, path string, params url.Values) (*EventStream, error) {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("aadk: build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("aadk: open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		raw, _ := io.ReadAll(resp.Body)
		var envelope apiEnvelope
		apiErr := &Error{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		if json.Unmarshal(raw, &envelope) == nil && envelope.Error != nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return nil, apiErr
	}
	return newEventStream(resp.Body), nil
}
