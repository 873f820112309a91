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

// Package connection defines the capability interface shared by all agent
// connection flavors and the manager that owns their lifecycles. Only the
// gateway flavor speaks the full device-auth protocol; other flavors can
// satisfy the same interface trivially.
package connection

import (
	"context"
	"encoding/json"
)

// Kind tags the closed set of connection flavors
type Kind string

const (
	KindGateway Kind = "gateway"
)

// Status mirrors the connection state machine for consumers outside the
// gateway package
type Status struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Kind  Kind   `json:"kind"`
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

// Session is the flavor-independent view of one agent session
type Session struct {
	Key          string `json:"key"`
	SessionID    string `json:"sessionId"`
	ConnectionID string `json:"connectionId"`
	AgentID      string `json:"agentId"`
	Channel      string `json:"channel,omitempty"`
	Label        string `json:"label,omitempty"`
	Model        string `json:"model,omitempty"`
	Status       string `json:"status"`
}

// AgentConnection is the capability surface every connection flavor
// provides. Implementations must be safe for concurrent use.
type AgentConnection interface {
	ID() string
	Name() string
	Kind() Kind

	Connect(ctx context.Context) error
	Disconnect()
	Connected() bool
	Status() Status

	Sessions(ctx context.Context) ([]Session, error)
	SendMessage(ctx context.Context, sessionKey, message string) (string, error)
	Raw(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// StatusFunc observes connection status changes across the manager
type StatusFunc func(status Status)

// SessionFunc observes session updates across the manager
type SessionFunc func(session Session)
