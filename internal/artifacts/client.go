package artifacts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pkg/errors"

	"example.com/tradeworks/services/billing/config"
	"example.com/tradeworks/services/billing/internal/models"
)

// GenerateResult is the renderer's answer to a generate call. Either URL is
// set (the PDF was rendered inline) or JobID is set and the caller polls.
type GenerateResult struct {
	ArtifactID string `json:"artifact_id"`
	URL        string `json:"url"`
	JobID      string `json:"job_id"`
}

// JobStatus reports the completion state of a queued render job
type JobStatus struct {
	Done       bool   `json:"done"`
	URL        string `json:"url"`
	ArtifactID string `json:"artifact_id"`
}

// Renderer is the external PDF generation service
type Renderer interface {
	Generate(ctx context.Context, doc *models.Document, mode string) (*GenerateResult, error)
	Status(ctx context.Context, jobID string) (*JobStatus, error)
}

// Client talks HTTP to the render service
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new renderer client
func NewClient(cfg config.RendererConfig) *Client {
	return &Client{
		baseURL: cfg.URL,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

type renderRequest struct {
	Mode     string           `json:"mode"`
	JobID    string           `json:"job_id,omitempty"`
	Document *models.Document `json:"document,omitempty"`
}

// Generate submits a document snapshot for rendering. The renderer either
// returns a download URL immediately or a job id to poll.
func (c *Client) Generate(ctx context.Context, doc *models.Document, mode string) (*GenerateResult, error) {
	var result GenerateResult
	err := c.post(ctx, renderRequest{Mode: mode, Document: doc}, &result)
	if err != nil {
		return nil, errors.Wrap(err, "failed to submit render request")
	}
	return &result, nil
}

// Status asks the renderer for the completion state of a queued job
func (c *Client) Status(ctx context.Context, jobID string) (*JobStatus, error) {
	var status JobStatus
	err := c.post(ctx, renderRequest{Mode: "status", JobID: jobID}, &status)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query render job status")
	}
	return &status, nil
}

func (c *Client) post(ctx context.Context, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "failed to marshal render request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/render", bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "failed to build render request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "render service request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("render service returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "failed to decode render service response")
	}
	return nil
}
