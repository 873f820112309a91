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

package connection

import (
	"context"
	"encoding/json"
	"strings"

	"crewhub/internal/gateway"
)

// GatewayConnection adapts a gateway.Client to the AgentConnection
// interface. It is the only flavor that needs the device-auth protocol.
type GatewayConnection struct {
	id     string
	name   string
	client *gateway.Client
}

// NewGatewayConnection wraps a configured gateway client
func NewGatewayConnection(id, name string, cfg gateway.Config, store gateway.IdentityStore) *GatewayConnection {
	return &GatewayConnection{
		id:     id,
		name:   name,
		client: gateway.NewClient(id, name, cfg, store),
	}
}

// Client exposes the underlying gateway client for gateway-specific calls
// (event subscriptions, cron management)
func (g *GatewayConnection) Client() *gateway.Client {
	return g.client
}

func (g *GatewayConnection) ID() string   { return g.id }
func (g *GatewayConnection) Name() string { return g.name }
func (g *GatewayConnection) Kind() Kind   { return KindGateway }

func (g *GatewayConnection) Connect(ctx context.Context) error {
	return g.client.Connect(ctx)
}

func (g *GatewayConnection) Disconnect() {
	g.client.Disconnect()
}

func (g *GatewayConnection) Connected() bool {
	return g.client.Connected()
}

// HealthCheck reports whether the gateway answers a status probe end to end
func (g *GatewayConnection) HealthCheck(ctx context.Context) bool {
	return g.client.HealthCheck(ctx)
}

func (g *GatewayConnection) Status() Status {
	return Status{
		ID:    g.id,
		Name:  g.name,
		Kind:  KindGateway,
		State: string(g.client.State()),
		Error: g.client.LastError(),
	}
}

func (g *GatewayConnection) Sessions(ctx context.Context) ([]Session, error) {
	infos, err := g.client.ListSessions(ctx)
	if err != nil {
		return nil, err
	}

	sessions := make([]Session, 0, len(infos))
	for _, info := range infos {
		sessions = append(sessions, sessionFromInfo(g.id, info))
	}
	return sessions, nil
}

// SendMessage routes a chat message to the agent behind a session key and
// returns the assistant text
func (g *GatewayConnection) SendMessage(ctx context.Context, sessionKey, message string) (string, error) {
	agentID := "main"
	if parts := strings.Split(sessionKey, ":"); len(parts) > 1 {
		agentID = parts[1]
	}

	sessionID := ""
	if info, ok := g.client.Sessions().Get(sessionKey); ok {
		sessionID = info.SessionID
	}

	return g.client.SendChat(ctx, agentID, sessionID, message)
}

func (g *GatewayConnection) Raw(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return g.client.Call(ctx, method, params)
}

func sessionFromInfo(connectionID string, info gateway.SessionInfo) Session {
	return Session{
		Key:          info.Key,
		SessionID:    info.SessionID,
		ConnectionID: connectionID,
		AgentID:      info.AgentID,
		Channel:      info.Channel,
		Label:        info.Label,
		Model:        info.Model,
		Status:       info.Status,
	}
}
