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
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"crewhub/internal/gateway"
	"crewhub/internal/logger"
)

// Manager owns every agent connection in the process. It is constructed
// once at startup and passed by handle to whatever needs a connection, so
// there is no module-level mutable registry. Shutdown tears everything down
// for a clean process exit or between tests.
type Manager struct {
	mu          sync.RWMutex
	connections map[string]AgentConnection
	onStatus    []StatusFunc
	onSession   []SessionFunc
	logger      zerolog.Logger
}

// NewManager creates an empty manager
func NewManager() *Manager {
	return &Manager{
		connections: make(map[string]AgentConnection),
		logger:      logger.Component("connection-manager"),
	}
}

// AddGateway creates, registers and returns a gateway connection. Status and
// session updates are forwarded to the manager's observers.
func (m *Manager) AddGateway(id, name string, cfg gateway.Config, store gateway.IdentityStore) (*GatewayConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.connections[id]; exists {
		return nil, fmt.Errorf("connection %q already registered", id)
	}

	conn := NewGatewayConnection(id, name, cfg, store)
	conn.Client().OnStatus(func(connectionID string, state gateway.State, errMsg string) {
		m.notifyStatus(Status{
			ID:    connectionID,
			Name:  name,
			Kind:  KindGateway,
			State: string(state),
			Error: errMsg,
		})
	})
	conn.Client().Sessions().OnUpdate(func(info gateway.SessionInfo) {
		m.notifySession(sessionFromInfo(id, info))
	})

	m.connections[id] = conn
	m.logger.Info().Str("id", id).Str("name", name).Msg("Registered gateway connection")
	return conn, nil
}

// Add registers an already-constructed connection of any flavor
func (m *Manager) Add(conn AgentConnection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.connections[conn.ID()]; exists {
		return fmt.Errorf("connection %q already registered", conn.ID())
	}
	m.connections[conn.ID()] = conn
	return nil
}

// Get returns a connection by id
func (m *Manager) Get(id string) (AgentConnection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.connections[id]
	return conn, ok
}

// Remove disconnects and unregisters a connection
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	conn, ok := m.connections[id]
	delete(m.connections, id)
	m.mu.Unlock()

	if ok {
		conn.Disconnect()
	}
}

// List returns all connections sorted by id
func (m *Manager) List() []AgentConnection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conns := make([]AgentConnection, 0, len(m.connections))
	for _, conn := range m.connections {
		conns = append(conns, conn)
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].ID() < conns[j].ID() })
	return conns
}

// Statuses returns the status of every registered connection
func (m *Manager) Statuses() []Status {
	conns := m.List()
	statuses := make([]Status, 0, len(conns))
	for _, conn := range conns {
		statuses = append(statuses, conn.Status())
	}
	return statuses
}

// Sessions aggregates sessions across connected flavors. Connections that
// fail to list are skipped; the aggregate is best effort.
func (m *Manager) Sessions(ctx context.Context) []Session {
	var sessions []Session
	for _, conn := range m.List() {
		if !conn.Connected() {
			continue
		}
		got, err := conn.Sessions(ctx)
		if err != nil {
			m.logger.Warn().Err(err).Str("id", conn.ID()).Msg("Failed to list sessions")
			continue
		}
		sessions = append(sessions, got...)
	}
	return sessions
}

// ConnectAll connects every registered connection, collecting failures
func (m *Manager) ConnectAll(ctx context.Context) error {
	var firstErr error
	for _, conn := range m.List() {
		if err := conn.Connect(ctx); err != nil {
			m.logger.Error().Err(err).Str("id", conn.ID()).Msg("Failed to connect")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// OnStatus registers an observer for status changes of any connection
func (m *Manager) OnStatus(fn StatusFunc) {
	m.mu.Lock()
	m.onStatus = append(m.onStatus, fn)
	m.mu.Unlock()
}

// OnSession registers an observer for session updates of any connection
func (m *Manager) OnSession(fn SessionFunc) {
	m.mu.Lock()
	m.onSession = append(m.onSession, fn)
	m.mu.Unlock()
}

func (m *Manager) notifyStatus(status Status) {
	m.mu.RLock()
	observers := make([]StatusFunc, len(m.onStatus))
	copy(observers, m.onStatus)
	m.mu.RUnlock()

	for _, fn := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error().Any("panic", r).Msg("Status observer panicked")
				}
			}()
			fn(status)
		}()
	}
}

func (m *Manager) notifySession(session Session) {
	m.mu.RLock()
	observers := make([]SessionFunc, len(m.onSession))
	copy(observers, m.onSession)
	m.mu.RUnlock()

	for _, fn := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error().Any("panic", r).Msg("Session observer panicked")
				}
			}()
			fn(session)
		}()
	}
}

// Shutdown disconnects and removes every connection
func (m *Manager) Shutdown() {
	m.mu.Lock()
	conns := make([]AgentConnection, 0, len(m.connections))
	for _, conn := range m.connections {
		conns = append(conns, conn)
	}
	m.connections = make(map[string]AgentConnection)
	m.mu.Unlock()

	for _, conn := range conns {
		conn.Disconnect()
	}
	m.logger.Info().Int("count", len(conns)).Msg("Manager shut down")
}
