// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// chatTimeout is the default budget for agent calls, which span the
// two-phase accepted/final exchange
const chatTimeout = 90 * time.Second

// ListSessions fetches the active sessions and refreshes the registry
func (c *Client) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	payload, err := c.Call(ctx, "sessions.list", nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		Sessions []json.RawMessage `json:"sessions"`
	}
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, err
	}

	sessions := make([]SessionInfo, 0, len(result.Sessions))
	for _, raw := range result.Sessions {
		if session, ok := ParseSession(raw); ok {
			c.sessions.Put(session)
			sessions = append(sessions, session)
		}
	}
	return sessions, nil
}

// Status calls the gateway status method and returns its raw payload
func (c *Client) Status(ctx context.Context) (json.RawMessage, error) {
	return c.Call(ctx, "status", nil, WithTimeout(5*time.Second))
}

// HealthCheck reports whether the gateway answers a status call
func (c *Client) HealthCheck(ctx context.Context) bool {
	if !c.Connected() {
		return false
	}
	_, err := c.Status(ctx)
	return err == nil
}

type agentParams struct {
	Message        string `json:"message"`
	AgentID        string `json:"agentId"`
	SessionID      string `json:"sessionId,omitempty"`
	Model          string `json:"model,omitempty"`
	Deliver        bool   `json:"deliver"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// SendChat sends a chat message to an agent session and returns the
// assistant text. The agent method is two-phase: the gateway first replies
// "accepted" and delivers the real result later on the same correlation id.
func (c *Client) SendChat(ctx context.Context, agentID, sessionID, message string, opts ...CallOption) (string, error) {
	params := agentParams{
		Message:        message,
		AgentID:        agentID,
		SessionID:      sessionID,
		Deliver:        false,
		IdempotencyKey: uuid.New().String(),
	}

	callOpts := append([]CallOption{WithTimeout(chatTimeout), WithWaitFinal()}, opts...)
	payload, err := c.Call(ctx, "agent", params, callOpts...)
	if err != nil {
		return "", err
	}

	return extractAgentText(payload), nil
}

// extractAgentText pulls the assistant text out of the agent result, which
// has varied across gateway versions
func extractAgentText(payload json.RawMessage) string {
	var result struct {
		Result struct {
			Payloads []struct {
				Text string `json:"text"`
			} `json:"payloads"`
		} `json:"result"`
		Text     string `json:"text"`
		Response string `json:"response"`
		Content  string `json:"content"`
		Reply    string `json:"reply"`
	}
	if err := json.Unmarshal(payload, &result); err != nil {
		return ""
	}

	if len(result.Result.Payloads) > 0 && result.Result.Payloads[0].Text != "" {
		return result.Result.Payloads[0].Text
	}
	for _, text := range []string{result.Text, result.Response, result.Content, result.Reply} {
		if text != "" {
			return text
		}
	}
	return ""
}

// Presence returns the connected devices and clients
func (c *Client) Presence(ctx context.Context) (json.RawMessage, error) {
	return c.Call(ctx, "system-presence", nil)
}

// ListNodes returns the paired nodes, trying the method names used across
// gateway versions
func (c *Client) ListNodes(ctx context.Context) ([]json.RawMessage, error) {
	var lastErr error
	for _, method := range []string{"nodes-status", "nodes.list", "nodes"} {
		payload, err := c.Call(ctx, method, nil)
		if err != nil {
			lastErr = err
			continue
		}
		var result struct {
			Nodes []json.RawMessage `json:"nodes"`
		}
		if err := json.Unmarshal(payload, &result); err != nil {
			lastErr = err
			continue
		}
		return result.Nodes, nil
	}
	return nil, lastErr
}

// PatchSession updates session configuration, e.g. switching model
func (c *Client) PatchSession(ctx context.Context, sessionID, model string) error {
	params := map[string]string{"sessionId": sessionID}
	if model != "" {
		params["model"] = model
	}
	_, err := c.Call(ctx, "session.status", params)
	return err
}

// CronJob is one scheduled job on the gateway
type CronJob struct {
	ID       string          `json:"id"`
	Name     string          `json:"name,omitempty"`
	Enabled  bool            `json:"enabled"`
	Schedule json.RawMessage `json:"schedule"`
	Payload  json.RawMessage `json:"payload"`
}

// ListCronJobs returns the gateway's cron jobs, optionally including
// disabled ones
func (c *Client) ListCronJobs(ctx context.Context, includeDisabled bool) ([]CronJob, error) {
	params := map[string]bool{}
	if includeDisabled {
		params["includeDisabled"] = true
	}
	payload, err := c.Call(ctx, "cron.list", params)
	if err != nil {
		return nil, err
	}

	var result struct {
		Jobs []CronJob `json:"jobs"`
	}
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, err
	}
	return result.Jobs, nil
}

// CreateCronJob registers a new cron job
func (c *Client) CreateCronJob(ctx context.Context, name string, schedule, payload any, sessionTarget string, enabled bool) (json.RawMessage, error) {
	params := map[string]any{
		"schedule":      schedule,
		"payload":       payload,
		"sessionTarget": sessionTarget,
		"enabled":       enabled,
	}
	if name != "" {
		params["name"] = name
	}
	return c.Call(ctx, "cron.add", params)
}

// UpdateCronJob applies a patch to an existing cron job
func (c *Client) UpdateCronJob(ctx context.Context, jobID string, patch map[string]any) (json.RawMessage, error) {
	return c.Call(ctx, "cron.update", map[string]any{"jobId": jobID, "patch": patch})
}

// DeleteCronJob removes a cron job
func (c *Client) DeleteCronJob(ctx context.Context, jobID string) error {
	_, err := c.Call(ctx, "cron.remove", map[string]string{"jobId": jobID})
	return err
}

// EnableCronJob enables a cron job
func (c *Client) EnableCronJob(ctx context.Context, jobID string) error {
	_, err := c.UpdateCronJob(ctx, jobID, map[string]any{"enabled": true})
	return err
}

// DisableCronJob disables a cron job
func (c *Client) DisableCronJob(ctx context.Context, jobID string) error {
	_, err := c.UpdateCronJob(ctx, jobID, map[string]any{"enabled": false})
	return err
}

// RunCronJob triggers a cron job immediately
func (c *Client) RunCronJob(ctx context.Context, jobID string, force bool) error {
	params := map[string]any{"jobId": jobID}
	if force {
		params["force"] = true
	}
	_, err := c.Call(ctx, "cron.run", params)
	return err
}
