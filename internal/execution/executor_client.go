package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "github.com/kweaver-ai/sandbox/internal/common/errors"
)

// ExecutePayload is the request body delivered to the in-container
// executor's /execute endpoint.
type ExecutePayload struct {
	ExecutionID string          `json:"execution_id"`
	Code        string          `json:"code"`
	Language    string          `json:"language"`
	Timeout     int             `json:"timeout"`
	Stdin       json.RawMessage `json:"stdin,omitempty"`
}

// ExecutorClient delivers work to the executor daemon inside a sandbox.
type ExecutorClient interface {
	Execute(ctx context.Context, baseURL string, payload ExecutePayload) error
	Health(ctx context.Context, baseURL string) error
}

// HTTPExecutorClient is the production ExecutorClient.
type HTTPExecutorClient struct {
	client *http.Client
}

func NewHTTPExecutorClient() *HTTPExecutorClient {
	return &HTTPExecutorClient{
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Execute posts the payload. Any transport failure or non-2xx answer
// counts as executor unreachable; the caller crash-classifies.
func (c *HTTPExecutorClient) Execute(ctx context.Context, baseURL string, payload ExecutePayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return apperrors.InternalError("marshal execute payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return apperrors.InternalError("build execute request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return apperrors.ExecutorUnreachable(payload.ExecutionID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperrors.ExecutorUnreachable(payload.ExecutionID,
			fmt.Errorf("executor returned status %d", resp.StatusCode))
	}
	return nil
}

// Health probes the executor's health endpoint.
func (c *HTTPExecutorClient) Health(ctx context.Context, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("executor health returned status %d", resp.StatusCode)
	}
	return nil
}
