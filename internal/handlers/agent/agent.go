// Package agent implements the agent_interaction task type: it posts a
// prompt to a configured agent endpoint and returns the reply.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"taskpilot/internal/worker"
)

const TaskType = "agent_interaction"

type Handler struct {
	Endpoint string
	Client   *http.Client
}

func New(endpoint string) *Handler {
	return &Handler{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 60 * time.Second},
	}
}

type agentRequest struct {
	Prompt string         `json:"prompt"`
	Config map[string]any `json:"config,omitempty"`
}

func (h *Handler) Handle(ctx context.Context, req worker.Request) (worker.Result, error) {
	prompt, _ := req.TaskConfig["prompt"].(string)
	if prompt == "" {
		return nil, fmt.Errorf("agent_interaction: prompt is required")
	}

	endpoint := h.Endpoint
	if v, ok := req.HandlerConfig["endpoint"].(string); ok && v != "" {
		endpoint = v
	}
	if endpoint == "" {
		return nil, fmt.Errorf("agent_interaction: no endpoint configured")
	}

	body, err := json.Marshal(agentRequest{Prompt: prompt, Config: req.HandlerConfig})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.Client.Do(httpReq)
	if err != nil {
		return nil, worker.Retryable(fmt.Errorf("agent_interaction: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, worker.Retryable(fmt.Errorf("agent_interaction: read response: %w", err))
	}
	if resp.StatusCode >= 500 {
		return nil, worker.Retryable(fmt.Errorf("agent_interaction: agent returned %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("agent_interaction: agent returned %d: %s", resp.StatusCode, respBody)
	}

	var reply map[string]any
	if err := json.Unmarshal(respBody, &reply); err != nil {
		reply = map[string]any{"text": string(respBody)}
	}

	return worker.Result{
		"prompt":    prompt,
		"reply":     reply,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}, nil
}
