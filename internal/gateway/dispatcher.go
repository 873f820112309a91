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

	"github.com/rs/zerolog"

	"crewhub/internal/logger"
)

// EventHandler receives the payload of a matching event
type EventHandler func(payload json.RawMessage)

// Subscription identifies one handler registration. Go function values are
// not comparable (method values bound to different receivers even share one
// code pointer), so registrations are addressed by token, not by handler.
type Subscription uint64

type handlerEntry struct {
	id      Subscription
	handler EventHandler
	async   bool
}

// Dispatcher routes inbound event frames to registered handlers by topic.
// Handlers for a topic run in registration order; a panicking handler is
// isolated and never breaks delivery to the rest or crashes the receive
// loop. Events with a "session." prefix additionally feed the session
// registry before any generic subscriber runs.
type Dispatcher struct {
	mu       sync.Mutex
	nextID   Subscription
	handlers map[string][]handlerEntry
	sessions *SessionRegistry
	logger   zerolog.Logger
}

// NewDispatcher creates a dispatcher feeding session events into registry.
// registry may be nil when no session tracking is wanted.
func NewDispatcher(registry *SessionRegistry) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string][]handlerEntry),
		sessions: registry,
		logger:   logger.Component("dispatcher"),
	}
}

// Subscribe registers a handler for a topic and returns its subscription
// token for Unsubscribe. Every call is an independent registration. The
// handler runs synchronously in frame order; use SubscribeAsync for handlers
// that block.
func (d *Dispatcher) Subscribe(topic string, handler EventHandler) Subscription {
	return d.subscribe(topic, handler, false)
}

// SubscribeAsync registers a handler that is scheduled on its own goroutine
// per event, so a long-running handler never delays delivery of subsequent
// frames
func (d *Dispatcher) SubscribeAsync(topic string, handler EventHandler) Subscription {
	return d.subscribe(topic, handler, true)
}

func (d *Dispatcher) subscribe(topic string, handler EventHandler, async bool) Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	id := d.nextID
	d.handlers[topic] = append(d.handlers[topic], handlerEntry{id: id, handler: handler, async: async})
	d.logger.Debug().Str("topic", topic).Uint64("subscription", uint64(id)).Bool("async", async).Msg("Subscribed handler")
	return id
}

// Unsubscribe removes the registration identified by sub. Removing one that
// was already removed is a no-op.
func (d *Dispatcher) Unsubscribe(topic string, sub Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entries := d.handlers[topic]
	for i, entry := range entries {
		if entry.id == sub {
			d.handlers[topic] = append(entries[:i], entries[i+1:]...)
			return
		}
	}
}

// HandlerCount returns the number of handlers registered for a topic
func (d *Dispatcher) HandlerCount(topic string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handlers[topic])
}

// Dispatch routes one event frame. Called from the receive loop only, so
// topic ordering follows frame ordering.
func (d *Dispatcher) Dispatch(frame *Frame) {
	if strings.HasPrefix(frame.Event, "session.") && d.sessions != nil {
		d.sessions.HandleEvent(frame.Event, frame.Payload)
	}

	d.mu.Lock()
	entries := make([]handlerEntry, len(d.handlers[frame.Event]))
	copy(entries, d.handlers[frame.Event])
	d.mu.Unlock()

	for _, entry := range entries {
		if entry.async {
			go d.invoke(frame.Event, entry.handler, frame.Payload)
		} else {
			d.invoke(frame.Event, entry.handler, frame.Payload)
		}
	}
}

func (d *Dispatcher) invoke(topic string, handler EventHandler, payload json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Str("topic", topic).Any("panic", r).Msg("Event handler panicked")
		}
	}()
	handler(payload)
}
