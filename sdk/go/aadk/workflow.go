package aadk

import (
	"context"
	"net/url"
	"strconv"
)

// The workflow service shares the client plumbing: construct a Client with
// the workflow service's base URL to use these methods.

// RunPipeline starts a workflow pipeline. The response arrives as soon as
// the parent job is reserved; progress flows through the parent job's event
// stream on the job service.
func (c *Client) RunPipeline(ctx context.Context, req RunPipelineRequest) (RunPipelineResponse, error) {
	var resp RunPipelineResponse
	if err := c.post(ctx, "/v1/pipelines", req, &resp); err != nil {
		return RunPipelineResponse{}, err
	}
	return resp, nil
}

// GetRun fetches one run record.
func (c *Client) GetRun(ctx context.Context, runID string) (RunRecord, error) {
	var rec RunRecord
	if err := c.get(ctx, "/v1/runs/"+url.PathEscape(runID), nil, &rec); err != nil {
		return RunRecord{}, err
	}
	return rec, nil
}

// ListRuns returns one page of run records, newest first.
func (c *Client) ListRuns(ctx context.Context, pageToken string, pageSize int) (ListRunsResponse, error) {
	params := url.Values{}
	if pageToken != "" {
		params.Set("page_token", pageToken)
	}
	if pageSize > 0 {
		params.Set("page_size", strconv.Itoa(pageSize))
	}
	var resp ListRunsResponse
	if err := c.get(ctx, "/v1/runs", params, &resp); err != nil {
		return ListRunsResponse{}, err
	}
	return resp, nil
}
