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
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"crewhub/internal/logger"
)

// pendingCall is one in-flight request awaiting its reply. The channel is
// buffered so the receive loop never blocks on delivery; capacity 2 covers a
// two-phase "accepted" leg followed by the final reply.
type pendingCall struct {
	id        string
	replies   chan *Frame
	waitFinal bool
}

// Correlator assigns correlation ids to outbound requests and delivers each
// matching response to the waiter that issued it. It owns the pending-call
// table; the receive loop and callers mutate it under one mutex so a reply
// and a teardown can never double-resolve the same call.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*pendingCall
	logger  zerolog.Logger
}

// NewCorrelator creates an empty correlator
func NewCorrelator() *Correlator {
	return &Correlator{
		pending: make(map[string]*pendingCall),
		logger:  logger.Component("correlator"),
	}
}

// Register creates a pending call with a fresh correlation id. The caller
// must eventually call Remove (Call does this).
func (c *Correlator) Register(waitFinal bool) *pendingCall {
	call := &pendingCall{
		id:        uuid.New().String(),
		replies:   make(chan *Frame, 2),
		waitFinal: waitFinal,
	}

	c.mu.Lock()
	c.pending[call.id] = call
	c.mu.Unlock()

	return call
}

// Remove drops a pending call from the table. Safe to call for an id that
// was already removed.
func (c *Correlator) Remove(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Deliver routes a response frame to its waiter. A reply whose correlation
// id is unknown (late reply after timeout, or after teardown) is logged and
// dropped; that is not an error.
func (c *Correlator) Deliver(frame *Frame) {
	c.mu.Lock()
	call, ok := c.pending[frame.ID]
	if ok {
		select {
		case call.replies <- frame:
		default:
			// Two deliveries already buffered; the waiter is gone or wedged.
			// Dropping is harmless, the call resolves from the buffer.
		}
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug().Str("id", frame.ID).Msg("Reply for unknown correlation id, dropping")
	}
}

// FailAll resolves every outstanding call with a synthetic disconnected
// response and clears the table. Called on teardown so no caller can hang
// past a detected drop.
func (c *Correlator) FailAll() {
	c.mu.Lock()
	failed := len(c.pending)
	for id, call := range c.pending {
		synthetic := &Frame{
			Type: FrameResponse,
			ID:   id,
			OK:   false,
			Error: &FrameError{
				Code:    "DISCONNECTED",
				Message: "gateway disconnected",
			},
		}
		select {
		case call.replies <- synthetic:
		default:
		}
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if failed > 0 {
		c.logger.Warn().Int("count", failed).Msg("Failed all pending calls on disconnect")
	}
}

// PendingCount returns the number of in-flight calls
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Call sends a request over the transport and blocks the calling goroutine
// until the matching reply arrives, the timeout elapses, or ctx is
// cancelled. For two-phase methods (waitFinal) the first "accepted" reply
// keeps the waiter parked for the second leg within the same budget.
func (c *Correlator) Call(ctx context.Context, transport Transport, method string, params any, timeout time.Duration, waitFinal bool) (*Frame, error) {
	call := c.Register(waitFinal)
	defer c.Remove(call.id)

	request, err := NewRequest(call.id, method, params)
	if err != nil {
		return nil, err
	}

	c.logger.Debug().
		Str("method", method).
		Str("id", call.id).
		Dur("timeout", timeout).
		Bool("wait_final", waitFinal).
		Msg("Sending request")

	if err := transport.WriteFrame(request); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case frame := <-call.replies:
			if frame.Error != nil && frame.Error.Code == "DISCONNECTED" && !frame.OK {
				return nil, ErrDisconnected
			}
			if call.waitFinal && frame.OK && frame.PayloadStatus() == "accepted" {
				// First leg only acknowledged receipt; the real result
				// arrives later under the same correlation id.
				c.logger.Debug().Str("id", call.id).Str("method", method).Msg("Accepted, awaiting final result")
				continue
			}
			return frame, nil
		case <-timer.C:
			c.logger.Warn().Str("method", method).Str("id", call.id).Dur("timeout", timeout).Msg("Request timed out")
			return nil, ErrTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
