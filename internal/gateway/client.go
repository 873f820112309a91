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
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"crewhub/internal/identity"
	"crewhub/internal/logger"
)

// IdentityStore is the slice of the device identity store the client needs
type IdentityStore interface {
	GetOrCreate(connectionID, displayName string) (*identity.Identity, error)
	TokenStore
}

// DialFunc opens a transport to a gateway URL. Swappable in tests.
type DialFunc func(url string) (Transport, error)

// Client is the single object application code touches for one gateway
// connection. It composes the transport, handshake, correlator, dispatcher,
// session registry and reconnect supervisor behind connect/disconnect/call/
// subscribe. All methods are safe for concurrent use.
type Client struct {
	connectionID string
	name         string
	cfg          Config
	store        IdentityStore
	dial         DialFunc

	correlator *Correlator
	dispatcher *Dispatcher
	sessions   *SessionRegistry
	supervisor *Supervisor

	// connectMu serializes connect attempts so two concurrent callers never
	// run the handshake twice; the second simply waits for the first
	// attempt's outcome.
	connectMu chan struct{}

	mu        chan struct{} // guards transport, pending and closing
	transport Transport
	pending   Transport // transport whose handshake is still in flight
	closing   bool

	logger zerolog.Logger
}

// NewClient creates a client for one configured gateway connection
func NewClient(connectionID, name string, cfg Config, store IdentityStore) *Client {
	cfg.applyDefaults()

	sessions := NewSessionRegistry()
	c := &Client{
		connectionID: connectionID,
		name:         name,
		cfg:          cfg,
		store:        store,
		dial:         Dial,
		correlator:   NewCorrelator(),
		dispatcher:   NewDispatcher(sessions),
		sessions:     sessions,
		supervisor:   NewSupervisor(connectionID, cfg.ReconnectDelay, cfg.MaxReconnectDelay, cfg.AutoReconnect),
		connectMu:    make(chan struct{}, 1),
		mu:           make(chan struct{}, 1),
		logger:       logger.Component("gateway").With().Str("connection_id", connectionID).Logger(),
	}
	return c
}

// SetDialer overrides how transports are opened, for tests
func (c *Client) SetDialer(dial DialFunc) {
	c.dial = dial
}

func (c *Client) lock()   { c.mu <- struct{}{} }
func (c *Client) unlock() { <-c.mu }

// State returns the current connection state
func (c *Client) State() State {
	return c.supervisor.State()
}

// LastError returns the last connection error message, if any
func (c *Client) LastError() string {
	return c.supervisor.LastError()
}

// Connected reports whether the connection is established and authenticated
func (c *Client) Connected() bool {
	return c.supervisor.State() == StateConnected
}

// OnStatus registers a status observer for state transitions
func (c *Client) OnStatus(fn StatusFunc) {
	c.supervisor.OnStatus(fn)
}

// Sessions returns the in-memory session registry for this connection
func (c *Client) Sessions() *SessionRegistry {
	return c.sessions
}

// Subscribe registers a handler for a gateway event topic and returns its
// subscription token
func (c *Client) Subscribe(topic string, handler EventHandler) Subscription {
	return c.dispatcher.Subscribe(topic, handler)
}

// SubscribeAsync registers a handler that runs on its own goroutine per event
func (c *Client) SubscribeAsync(topic string, handler EventHandler) Subscription {
	return c.dispatcher.SubscribeAsync(topic, handler)
}

// Unsubscribe removes a previously registered handler by its token
func (c *Client) Unsubscribe(topic string, sub Subscription) {
	c.dispatcher.Unsubscribe(topic, sub)
}

// Connect establishes and authenticates the connection. Safe to call when
// already connected. Concurrent callers share one handshake: whoever holds
// the connect lock performs it, the rest wait for its outcome.
func (c *Client) Connect(ctx context.Context) error {
	select {
	case c.connectMu <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-c.connectMu }()

	if c.Connected() {
		return nil
	}

	c.lock()
	c.closing = false
	c.unlock()
	c.supervisor.Resume()

	return c.doConnect()
}

// doConnect runs one connect attempt: dial, handshake, start receive loop.
// Caller must hold the connect lock.
func (c *Client) doConnect() error {
	c.supervisor.SetState(StateConnecting, "")
	c.logger.Info().Str("url", c.cfg.URL).Msg("Connecting to gateway")

	id, err := c.store.GetOrCreate(c.connectionID, "CrewHub-"+c.name)
	if err != nil {
		err = fmt.Errorf("failed to load device identity: %w", err)
		c.supervisor.SetState(StateError, err.Error())
		return err
	}

	transport, err := c.dial(c.cfg.URL)
	if err != nil {
		c.supervisor.SetState(StateError, err.Error())
		return err
	}

	// Publish the transport before the handshake so Disconnect can abort a
	// handshake in flight by closing it.
	c.lock()
	if c.closing {
		c.unlock()
		transport.Close()
		c.supervisor.SetState(StateDisconnected, "")
		return ErrDisconnected
	}
	c.pending = transport
	c.unlock()

	handshake := NewHandshake(id, c.store, &c.cfg)
	handshakeErr := handshake.Run(transport)

	// Commit or abort atomically with respect to Disconnect: a disconnect
	// issued while the handshake ran wins over a late success.
	c.lock()
	c.pending = nil
	closing := c.closing
	if handshakeErr == nil && !closing {
		c.transport = transport
	}
	c.unlock()

	if closing {
		transport.Close()
		c.supervisor.SetState(StateDisconnected, "")
		return ErrDisconnected
	}
	if handshakeErr != nil {
		transport.Close()
		c.supervisor.SetState(StateError, handshakeErr.Error())
		return fmt.Errorf("handshake failed: %w", handshakeErr)
	}

	c.supervisor.ResetBackoff()
	c.supervisor.SetState(StateConnected, "")
	c.logger.Info().Str("name", c.name).Msg("Gateway connected")

	go c.receiveLoop(transport)
	return nil
}

// receiveLoop is the single consumer of inbound frames for one transport.
// Frames are processed strictly in arrival order; it ends when the transport
// errors or is closed.
func (c *Client) receiveLoop(transport Transport) {
	for {
		frame, err := transport.ReadFrame()
		if err != nil {
			c.logger.Debug().Err(err).Msg("Receive loop ended")
			break
		}

		switch frame.Type {
		case FrameResponse:
			c.correlator.Deliver(frame)
		case FrameEvent:
			c.dispatcher.Dispatch(frame)
		default:
			c.logger.Warn().Str("type", frame.Type).Msg("Unknown frame type, dropping")
		}
	}

	c.handleDrop(transport)
}

// handleDrop tears down after the receive loop ends. Pending calls are
// failed synchronously before any reconnect timer is armed, so no caller
// ever observes a connected-looking object with a dead receive path.
func (c *Client) handleDrop(transport Transport) {
	c.lock()
	if c.transport != transport {
		// A newer connection already replaced this transport; nothing to do.
		c.unlock()
		return
	}
	c.transport = nil
	intentional := c.closing
	c.unlock()

	prev := c.supervisor.State()
	transport.Close()
	c.correlator.FailAll()

	if intentional {
		c.supervisor.SetState(StateDisconnected, "")
		return
	}

	c.supervisor.SetState(StateError, "connection lost")

	// Only a previously connected session earns an automatic reconnect; a
	// failed handshake is retried by the caller, not here.
	if prev == StateConnected {
		c.supervisor.ScheduleReconnect(c.reconnect)
	}
}

// reconnect is one supervisor-driven connect attempt
func (c *Client) reconnect() error {
	select {
	case c.connectMu <- struct{}{}:
	default:
		// A caller-initiated connect is already in flight.
		return nil
	}
	defer func() { <-c.connectMu }()

	if c.Connected() {
		return nil
	}

	c.lock()
	closing := c.closing
	c.unlock()
	if closing {
		return nil
	}

	return c.doConnect()
}

// Disconnect closes the connection intentionally: no reconnect follows, any
// in-flight reconnect attempt is cancelled, and all pending calls fail.
// Safe to call while a connect attempt is outstanding or when already
// disconnected.
func (c *Client) Disconnect() {
	c.lock()
	c.closing = true
	transport := c.transport
	pending := c.pending
	c.transport = nil
	c.unlock()

	c.supervisor.Stop()

	if pending != nil {
		// Aborts a handshake in flight; doConnect observes closing and
		// settles into disconnected instead of committing the transport.
		pending.Close()
	}
	if transport != nil {
		// Closing the transport ends the receive loop, which observes
		// closing and settles into disconnected.
		transport.Close()
	}

	c.correlator.FailAll()
	c.supervisor.SetState(StateDisconnected, "")
	c.logger.Info().Str("name", c.name).Msg("Gateway disconnected")
}

// CallOption customizes a single call
type CallOption func(*callOptions)

type callOptions struct {
	timeout   time.Duration
	waitFinal bool
}

// WithTimeout overrides the configured default call timeout
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// WithWaitFinal marks the call as two-phase: the first "accepted" reply is
// an acknowledgement and the waiter holds out for the final result
func WithWaitFinal() CallOption {
	return func(o *callOptions) { o.waitFinal = true }
}

// Call performs one request/reply exchange. On a disconnected client it
// first attempts to connect and fails fast if that fails. The returned
// payload is the response payload of an accepted reply; a rejected reply
// surfaces as *GatewayError.
func (c *Client) Call(ctx context.Context, method string, params any, opts ...CallOption) (json.RawMessage, error) {
	options := callOptions{timeout: c.cfg.CallTimeout}
	for _, opt := range opts {
		opt(&options)
	}

	if !c.Connected() {
		if err := c.Connect(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDisconnected, err)
		}
	}

	c.lock()
	transport := c.transport
	c.unlock()
	if transport == nil {
		return nil, ErrDisconnected
	}

	frame, err := c.correlator.Call(ctx, transport, method, params, options.timeout, options.waitFinal)
	if err != nil {
		return nil, err
	}

	if !frame.OK {
		gerr := &GatewayError{Message: "call rejected"}
		if frame.Error != nil {
			gerr.Code = frame.Error.Code
			gerr.Message = frame.Error.Message
		}
		return nil, gerr
	}

	return frame.Payload, nil
}
