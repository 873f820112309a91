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
	"sync"
	"time"

	"github.com/rs/zerolog"

	"crewhub/internal/logger"
)

// State is the connection status of one gateway connection
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
)

// StatusFunc observes state transitions. Callbacks run synchronously on the
// transition; panics are caught and logged, never propagated.
type StatusFunc func(connectionID string, state State, errMsg string)

// Supervisor owns the connection state machine and schedules reconnection
// attempts with exponential backoff. It only reconnects after a session that
// had reached connected drops unexpectedly; a handshake that never succeeded
// is the caller's problem to retry.
type Supervisor struct {
	connectionID string
	base         time.Duration
	max          time.Duration
	auto         bool

	mu        sync.Mutex
	state     State
	lastError string
	delay     time.Duration
	timer     *time.Timer
	stopped   bool
	observers []StatusFunc

	logger zerolog.Logger
}

// NewSupervisor creates a supervisor seeded at the base delay
func NewSupervisor(connectionID string, base, max time.Duration, autoReconnect bool) *Supervisor {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	return &Supervisor{
		connectionID: connectionID,
		base:         base,
		max:          max,
		auto:         autoReconnect,
		state:        StateDisconnected,
		delay:        base,
		logger:       logger.Component("supervisor").With().Str("connection_id", connectionID).Logger(),
	}
}

// OnStatus registers a status observer
func (s *Supervisor) OnStatus(fn StatusFunc) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// State returns the current state
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError returns the last error message recorded with an error state
func (s *Supervisor) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// CurrentDelay returns the delay the next scheduled reconnect would use
func (s *Supervisor) CurrentDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delay
}

// SetState transitions the state machine and notifies observers. Every
// transition is totally ordered under the supervisor mutex.
func (s *Supervisor) SetState(state State, errMsg string) {
	s.mu.Lock()
	if s.state == state && s.lastError == errMsg {
		s.mu.Unlock()
		return
	}
	old := s.state
	s.state = state
	s.lastError = errMsg
	observers := make([]StatusFunc, len(s.observers))
	copy(observers, s.observers)
	s.mu.Unlock()

	s.logger.Info().
		Str("from", string(old)).
		Str("to", string(state)).
		Str("error", errMsg).
		Msg("Connection state changed")

	for _, fn := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error().Any("panic", r).Msg("Status observer panicked")
				}
			}()
			fn(s.connectionID, state, errMsg)
		}()
	}
}

// ResetBackoff restores the delay to the base after a successful connect
func (s *Supervisor) ResetBackoff() {
	s.mu.Lock()
	s.delay = s.base
	s.mu.Unlock()
}

// ScheduleReconnect arms a reconnect attempt after the current delay,
// doubling it (up to the ceiling) for the next failure. connect is invoked
// off the timer goroutine; when it fails another attempt is scheduled.
// Scheduling while an attempt is already pending is a no-op.
func (s *Supervisor) ScheduleReconnect(connect func() error) {
	if !s.auto {
		return
	}

	s.mu.Lock()
	if s.stopped || s.timer != nil {
		s.mu.Unlock()
		return
	}
	delay := s.delay
	s.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.timer = nil
		stopped := s.stopped
		s.mu.Unlock()
		if stopped {
			return
		}

		if err := connect(); err != nil {
			s.mu.Lock()
			s.delay = s.delay * 2
			if s.delay > s.max {
				s.delay = s.max
			}
			s.mu.Unlock()
			s.logger.Warn().Err(err).Dur("next_delay", s.CurrentDelay()).Msg("Reconnect attempt failed")
			s.ScheduleReconnect(connect)
			return
		}

		s.ResetBackoff()
	})
	s.mu.Unlock()

	s.SetState(StateReconnecting, "")
	s.logger.Info().Dur("delay", delay).Msg("Reconnect scheduled")
}

// Stop cancels any pending reconnect attempt. Used by Disconnect; a stopped
// supervisor can be rearmed with Resume.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
}

// Resume re-enables reconnect scheduling after a Stop
func (s *Supervisor) Resume() {
	s.mu.Lock()
	s.stopped = false
	s.mu.Unlock()
}
