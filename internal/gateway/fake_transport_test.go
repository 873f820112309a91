package gateway

import (
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// fakeTransport is a scriptable in-memory transport. Tests push inbound
// frames and observe outbound ones.
type fakeTransport struct {
	in     chan *Frame
	out    chan *Frame
	closed chan struct{}
	once   sync.Once
}

var errTransportClosed = errors.New("transport closed")

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan *Frame, 16),
		out:    make(chan *Frame, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) ReadFrame() (*Frame, error) {
	select {
	case frame := <-f.in:
		return frame, nil
	case <-f.closed:
		return nil, errTransportClosed
	}
}

func (f *fakeTransport) WriteFrame(frame *Frame) error {
	select {
	case f.out <- frame:
		return nil
	case <-f.closed:
		return errTransportClosed
	}
}

func (f *fakeTransport) SetReadDeadline(time.Time) error { return nil }

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

// push delivers a frame to the reader
func (f *fakeTransport) push(frame *Frame) {
	f.in <- frame
}

// sent returns the next outbound frame or fails after a timeout
func (f *fakeTransport) sent(timeout time.Duration) (*Frame, bool) {
	select {
	case frame := <-f.out:
		return frame, true
	case <-time.After(timeout):
		return nil, false
	}
}

func challengeFrame(nonce string) *Frame {
	payload, _ := json.Marshal(map[string]string{"nonce": nonce})
	return &Frame{Type: FrameEvent, Event: EventChallenge, Payload: payload}
}

func okResponse(id string, payload any) *Frame {
	raw, _ := json.Marshal(payload)
	return &Frame{Type: FrameResponse, ID: id, OK: true, Payload: raw}
}

func errResponse(id, code, message string) *Frame {
	return &Frame{Type: FrameResponse, ID: id, OK: false, Error: &FrameError{Code: code, Message: message}}
}

func eventFrame(topic string, payload any) *Frame {
	raw, _ := json.Marshal(payload)
	return &Frame{Type: FrameEvent, Event: topic, Payload: raw}
}

// fakeStore is an in-memory identity store recording token churn
type fakeStore struct {
	mu           sync.Mutex
	updateCalls  []string
	clearCalls   []string
	currentToken string
}

func (s *fakeStore) UpdateToken(deviceID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateCalls = append(s.updateCalls, token)
	s.currentToken = token
	return nil
}

func (s *fakeStore) ClearToken(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearCalls = append(s.clearCalls, deviceID)
	s.currentToken = ""
	return nil
}

func (s *fakeStore) updates() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.updateCalls...)
}

func (s *fakeStore) clears() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.clearCalls...)
}
