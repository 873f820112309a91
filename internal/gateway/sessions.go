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
	"encoding/json"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"crewhub/internal/logger"
)

// SessionInfo is the normalized view of one agent session on the gateway
type SessionInfo struct {
	Key          string `json:"key"`
	SessionID    string `json:"sessionId"`
	AgentID      string `json:"agentId"`
	Channel      string `json:"channel,omitempty"`
	Label        string `json:"label,omitempty"`
	Model        string `json:"model,omitempty"`
	Status       string `json:"status"`
	CreatedAt    int64  `json:"createdAt,omitempty"`
	LastActivity int64  `json:"lastActivity,omitempty"`
}

// SessionUpdateFunc observes registry updates driven by gateway events
type SessionUpdateFunc func(session SessionInfo)

const sessionRegistrySize = 512

// SessionRegistry keeps an in-memory view of gateway sessions, fed by
// "session.*" events and refreshed wholesale from sessions.list results.
// It is LRU-bounded so a long-lived connection cannot grow it without limit.
type SessionRegistry struct {
	mu        sync.Mutex
	cache     *lru.Cache[string, SessionInfo]
	observers []SessionUpdateFunc
	logger    zerolog.Logger
}

// NewSessionRegistry creates an empty registry
func NewSessionRegistry() *SessionRegistry {
	cache, _ := lru.New[string, SessionInfo](sessionRegistrySize)
	return &SessionRegistry{
		cache:  cache,
		logger: logger.Component("sessions"),
	}
}

// OnUpdate registers an observer invoked whenever a session changes.
// Observer panics are caught and logged.
func (r *SessionRegistry) OnUpdate(fn SessionUpdateFunc) {
	r.mu.Lock()
	r.observers = append(r.observers, fn)
	r.mu.Unlock()
}

// Get returns the cached session for a key
func (r *SessionRegistry) Get(key string) (SessionInfo, bool) {
	return r.cache.Get(key)
}

// List returns all cached sessions
func (r *SessionRegistry) List() []SessionInfo {
	keys := r.cache.Keys()
	sessions := make([]SessionInfo, 0, len(keys))
	for _, key := range keys {
		if session, ok := r.cache.Peek(key); ok {
			sessions = append(sessions, session)
		}
	}
	return sessions
}

// Put stores a session and notifies observers
func (r *SessionRegistry) Put(session SessionInfo) {
	if session.Key == "" {
		return
	}
	r.cache.Add(session.Key, session)

	r.mu.Lock()
	observers := make([]SessionUpdateFunc, len(r.observers))
	copy(observers, r.observers)
	r.mu.Unlock()

	for _, fn := range observers {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error().Any("panic", rec).Msg("Session observer panicked")
				}
			}()
			fn(session)
		}()
	}
}

// Remove drops a session from the registry
func (r *SessionRegistry) Remove(key string) {
	r.cache.Remove(key)
}

// Reset clears the registry, used on teardown and in tests
func (r *SessionRegistry) Reset() {
	r.cache.Purge()
}

// HandleEvent ingests one session.* event payload. The session object may be
// nested under a "session" field or be the payload itself.
func (r *SessionRegistry) HandleEvent(event string, payload json.RawMessage) {
	if len(payload) == 0 {
		return
	}

	raw := payload
	var envelope struct {
		Session json.RawMessage `json:"session"`
	}
	if err := json.Unmarshal(payload, &envelope); err == nil && len(envelope.Session) > 0 {
		raw = envelope.Session
	}

	session, ok := ParseSession(raw)
	if !ok {
		r.logger.Debug().Str("event", event).Msg("Session event without parseable session")
		return
	}

	if event == "session.deleted" || event == "session.closed" {
		r.Remove(session.Key)
		return
	}

	r.Put(session)
}

// ParseSession normalizes a raw session object. The agent id and channel are
// carried in the key as colon-separated segments.
func ParseSession(raw json.RawMessage) (SessionInfo, bool) {
	var fields struct {
		Key          string `json:"key"`
		SessionID    string `json:"sessionId"`
		Label        string `json:"label"`
		Model        string `json:"model"`
		Status       string `json:"status"`
		CreatedAt    int64  `json:"createdAt"`
		LastActivity int64  `json:"lastActivity"`
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return SessionInfo{}, false
	}
	if fields.Key == "" && fields.SessionID == "" {
		return SessionInfo{}, false
	}

	session := SessionInfo{
		Key:          fields.Key,
		SessionID:    fields.SessionID,
		AgentID:      "main",
		Label:        fields.Label,
		Model:        fields.Model,
		Status:       fields.Status,
		CreatedAt:    fields.CreatedAt,
		LastActivity: fields.LastActivity,
	}
	if session.Status == "" {
		session.Status = "active"
	}

	if parts := strings.Split(fields.Key, ":"); len(parts) > 1 {
		session.AgentID = parts[1]
		if len(parts) > 2 {
			session.Channel = parts[2]
		}
	}

	return session, true
}
