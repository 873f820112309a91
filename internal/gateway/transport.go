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
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is a duplex, message-oriented channel carrying JSON frames.
// ReadFrame is only ever called from one goroutine (the receive loop, or the
// handshake before the loop starts); WriteFrame may be called concurrently.
type Transport interface {
	ReadFrame() (*Frame, error)
	WriteFrame(*Frame) error
	SetReadDeadline(t time.Time) error
	Close() error
}

const (
	dialTimeout  = 10 * time.Second
	pingInterval = 20 * time.Second
	pongWait     = 40 * time.Second
	writeWait    = 10 * time.Second
)

// wsTransport adapts a gorilla websocket connection to the Transport
// interface. Writes are serialized with a mutex since the correlator and the
// keepalive ticker both write.
type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
	closed  sync.Once
}

// Dial opens a websocket connection to the gateway URL
func Dial(url string) (Transport, error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial gateway at %s: %w", url, err)
	}

	t := &wsTransport{
		conn: conn,
		done: make(chan struct{}),
	}

	// Arm the read deadline from the start so a peer that dies before the
	// first pong is still detected within the keepalive window.
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go t.keepalive()

	return t, nil
}

func (t *wsTransport) keepalive() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.writeMu.Lock()
			err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			t.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-t.done:
			return
		}
	}
}

func (t *wsTransport) ReadFrame() (*Frame, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("failed to read frame: %w", err)
	}

	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("%w: malformed frame: %v", ErrProtocol, err)
	}

	return &frame, nil
}

func (t *wsTransport) WriteFrame(frame *Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}

	return nil
}

// SetReadDeadline bounds the next read. A zero deadline falls back to the
// keepalive window rather than disabling read timeouts, so clearing a
// handshake deadline never leaves the connection unbounded.
func (t *wsTransport) SetReadDeadline(deadline time.Time) error {
	if deadline.IsZero() {
		deadline = time.Now().Add(pongWait)
	}
	return t.conn.SetReadDeadline(deadline)
}

func (t *wsTransport) Close() error {
	var err error
	t.closed.Do(func() {
		close(t.done)
		t.writeMu.Lock()
		t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}
