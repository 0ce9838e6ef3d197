// Package runtime is the client side of the external agent execution
// service. The service runs the agent and reports completion back through
// the webhook; it is started and interrupted here, never reimplemented.
package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"
)

// StartRequest asks the runtime to execute an agent against one input.
type StartRequest struct {
	RunID      string `json:"runId"`
	TestCaseID string `json:"testCaseId"`
	ThreadID   string `json:"threadId,omitempty"`
	AgentID    string `json:"agentId"`
	Input      string `json:"input"`
	MaxSteps   int    `json:"maxSteps,omitempty"`
}

// StartResponse identifies the execution the runtime accepted. The
// operation ID interrupts it later; the topic ID names the conversation
// the agent writes into.
type StartResponse struct {
	OperationID string `json:"operationId"`
	TopicID     string `json:"topicId"`
}

// Runtime abstracts the agent execution service.
type Runtime interface {
	// Start dispatches an execution; completion arrives asynchronously on
	// the webhook.
	Start(ctx context.Context, req StartRequest) (StartResponse, error)

	// Interrupt asks the runtime to stop a live execution.
	Interrupt(ctx context.Context, operationID string) error

	// Transcript fetches the agent's final output for a finished
	// execution.
	Transcript(ctx context.Context, topicID, threadID string) (string, error)

	// DeleteTopic removes the conversation a retried execution left
	// behind.
	DeleteTopic(ctx context.Context, topicID string) error
}

// Client is the HTTP implementation of Runtime.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a runtime client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// NewClientFromEnv builds a runtime client from AGENT_RUNTIME_URL.
func NewClientFromEnv() *Client {
	return NewClient(os.Getenv("AGENT_RUNTIME_URL"))
}

func (c *Client) Start(ctx context.Context, req StartRequest) (StartResponse, error) {
	var out StartResponse
	if err := c.post(ctx, "/executions", req, &out); err != nil {
		return StartResponse{}, fmt.Errorf("start execution: %w", err)
	}
	return out, nil
}

func (c *Client) Interrupt(ctx context.Context, operationID string) error {
	path := "/executions/" + url.PathEscape(operationID) + "/interrupt"
	if err := c.post(ctx, path, nil, nil); err != nil {
		return fmt.Errorf("interrupt execution: %w", err)
	}
	return nil
}

func (c *Client) Transcript(ctx context.Context, topicID, threadID string) (string, error) {
	u := c.baseURL + "/topics/" + url.PathEscape(topicID) + "/transcript"
	if threadID != "" {
		u += "?threadId=" + url.QueryEscape(threadID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("runtime error: status %d", resp.StatusCode)
	}

	var out struct {
		Output string `json:"output"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode transcript: %w", err)
	}

	return out.Output, nil
}

func (c *Client) DeleteTopic(ctx context.Context, topicID string) error {
	u := c.baseURL + "/topics/" + url.PathEscape(topicID)

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("runtime error: status %d", resp.StatusCode)
	}

	return nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	if c.baseURL == "" {
		return fmt.Errorf("missing AGENT_RUNTIME_URL")
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(raw, &apiErr)
		if apiErr.Message != "" {
			return fmt.Errorf("runtime error: %s", apiErr.Message)
		}
		return fmt.Errorf("runtime error: status %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}
