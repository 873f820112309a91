package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"crewhub/internal/identity"
)

// fakeIdentityStore serves one fixed identity and records token churn
type fakeIdentityStore struct {
	fakeStore
	identity *identity.Identity
}

func (s *fakeIdentityStore) GetOrCreate(connectionID, displayName string) (*identity.Identity, error) {
	return s.identity, nil
}

// scriptedDialer hands the client a fresh fake transport per dial and plays
// the gateway side of the handshake on it
type scriptedDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	dials      atomic.Int32
}

func (d *scriptedDialer) dial(url string) (Transport, error) {
	d.dials.Add(1)
	transport := newFakeTransport()
	d.mu.Lock()
	d.transports = append(d.transports, transport)
	d.mu.Unlock()

	go func() {
		transport.push(challengeFrame("nonce"))
		request, ok := transport.sent(2 * time.Second)
		if !ok {
			return
		}
		transport.push(okResponse(request.ID, map[string]any{"protocol": 3}))
	}()

	return transport, nil
}

func (d *scriptedDialer) latest() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

func newTestClient(t *testing.T, autoReconnect bool) (*Client, *scriptedDialer) {
	t.Helper()

	cfg := Config{
		URL:               "ws://gateway.test",
		Token:             "shared-secret",
		AutoReconnect:     autoReconnect,
		ReconnectDelay:    10 * time.Millisecond,
		MaxReconnectDelay: 40 * time.Millisecond,
		CallTimeout:       time.Second,
	}
	store := &fakeIdentityStore{identity: testIdentity(t)}
	client := NewClient("conn-test", "test", cfg, store)

	dialer := &scriptedDialer{}
	client.SetDialer(dialer.dial)
	t.Cleanup(client.Disconnect)

	return client, dialer
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestClientConnect(t *testing.T) {
	client, dialer := newTestClient(t, false)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if !client.Connected() {
		t.Errorf("state %s after successful connect", client.State())
	}
	if dialer.dials.Load() != 1 {
		t.Errorf("expected 1 dial, got %d", dialer.dials.Load())
	}

	// Connecting again while connected is a no-op.
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("repeat Connect failed: %v", err)
	}
	if dialer.dials.Load() != 1 {
		t.Errorf("repeat connect dialed again: %d dials", dialer.dials.Load())
	}
}

func TestClientConnectConcurrent(t *testing.T) {
	client, dialer := newTestClient(t, false)

	const callers = 5
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() { errs <- client.Connect(context.Background()) }()
	}
	for i := 0; i < callers; i++ {
		if err := <-errs; err != nil {
			t.Errorf("concurrent Connect failed: %v", err)
		}
	}

	if dialer.dials.Load() != 1 {
		t.Errorf("concurrent connects ran %d handshakes, want 1", dialer.dials.Load())
	}
}

func TestClientDialFailure(t *testing.T) {
	client, _ := newTestClient(t, false)
	client.SetDialer(func(url string) (Transport, error) {
		return nil, errors.New("connection refused")
	})

	if err := client.Connect(context.Background()); err == nil {
		t.Fatal("expected connect error")
	}
	if client.State() != StateError {
		t.Errorf("state %s after dial failure, want error", client.State())
	}
	if client.LastError() == "" {
		t.Error("dial failure left no last error")
	}
}

func TestClientCall(t *testing.T) {
	client, dialer := newTestClient(t, false)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	transport := dialer.latest()
	go func() {
		request, ok := transport.sent(time.Second)
		if !ok {
			return
		}
		transport.push(okResponse(request.ID, map[string]string{"state": "healthy"}))
	}()

	payload, err := client.Call(context.Background(), "status", nil)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	var result struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(payload, &result); err != nil || result.State != "healthy" {
		t.Errorf("unexpected payload %s (err=%v)", payload, err)
	}
}

func TestClientCallRejected(t *testing.T) {
	client, dialer := newTestClient(t, false)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	transport := dialer.latest()
	go func() {
		request, ok := transport.sent(time.Second)
		if !ok {
			return
		}
		transport.push(errResponse(request.ID, "NOT_FOUND", "no such session"))
	}()

	_, err := client.Call(context.Background(), "session.status", map[string]string{"key": "missing"})
	var gerr *GatewayError
	if !errors.As(err, &gerr) {
		t.Fatalf("expected GatewayError, got %v", err)
	}
	if gerr.Code != "NOT_FOUND" {
		t.Errorf("code %q, want NOT_FOUND", gerr.Code)
	}
}

func TestClientCallConnectsWhenDisconnected(t *testing.T) {
	client, dialer := newTestClient(t, false)

	go func() {
		// Wait for the lazy connect to produce a transport, then answer the
		// first call on it.
		deadline := time.Now().Add(2 * time.Second)
		for dialer.latest() == nil && time.Now().Before(deadline) {
			time.Sleep(2 * time.Millisecond)
		}
		transport := dialer.latest()
		if transport == nil {
			return
		}
		request, ok := transport.sent(2 * time.Second)
		if !ok {
			return
		}
		transport.push(okResponse(request.ID, map[string]string{"ok": "yes"}))
	}()

	if _, err := client.Call(context.Background(), "health", nil); err != nil {
		t.Fatalf("Call on disconnected client failed: %v", err)
	}
	if dialer.dials.Load() != 1 {
		t.Errorf("lazy connect dialed %d times", dialer.dials.Load())
	}
}

func TestClientDisconnectFailsPending(t *testing.T) {
	client, dialer := newTestClient(t, false)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), "hang", nil, WithTimeout(time.Minute))
		done <- err
	}()

	transport := dialer.latest()
	if _, ok := transport.sent(time.Second); !ok {
		t.Fatal("request never sent")
	}

	client.Disconnect()

	select {
	case err := <-done:
		if !errors.Is(err, ErrDisconnected) {
			t.Errorf("pending call got %v, want ErrDisconnected", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending call hung past disconnect")
	}
	if client.State() != StateDisconnected {
		t.Errorf("state %s after Disconnect", client.State())
	}
}

func TestClientDisconnectDuringHandshake(t *testing.T) {
	client, _ := newTestClient(t, false)

	release := make(chan struct{})
	inHandshake := make(chan *fakeTransport, 1)
	client.SetDialer(func(url string) (Transport, error) {
		transport := newFakeTransport()
		go func() {
			transport.push(challengeFrame("nonce"))
			request, ok := transport.sent(2 * time.Second)
			if !ok {
				return
			}
			inHandshake <- transport
			<-release
			transport.push(okResponse(request.ID, map[string]any{"protocol": 3}))
		}()
		return transport, nil
	})

	done := make(chan error, 1)
	go func() { done <- client.Connect(context.Background()) }()

	var transport *fakeTransport
	select {
	case transport = <-inHandshake:
	case <-time.After(time.Second):
		t.Fatal("handshake never started")
	}

	// Disconnect while the connect attempt is parked waiting for the
	// gateway's reply; a late success must not resurrect the connection.
	client.Disconnect()
	close(release)

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("connect succeeded after disconnect")
		}
	case <-time.After(time.Second):
		t.Fatal("connect attempt never returned")
	}

	if client.Connected() {
		t.Error("client connected after Disconnect returned")
	}
	if client.State() != StateDisconnected {
		t.Errorf("state %s, want disconnected", client.State())
	}

	select {
	case <-transport.closed:
	default:
		t.Error("in-flight handshake transport left open")
	}
}

func TestClientReconnectsAfterDrop(t *testing.T) {
	client, dialer := newTestClient(t, true)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// Server-side drop of an established session.
	dialer.latest().Close()

	waitFor(t, 2*time.Second, "reconnect", func() bool {
		return dialer.dials.Load() >= 2 && client.Connected()
	})
}

func TestClientNoReconnectAfterDisconnect(t *testing.T) {
	client, dialer := newTestClient(t, true)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	client.Disconnect()

	time.Sleep(100 * time.Millisecond)
	if dialer.dials.Load() != 1 {
		t.Errorf("intentional disconnect triggered reconnect: %d dials", dialer.dials.Load())
	}
	if client.State() != StateDisconnected {
		t.Errorf("state %s, want disconnected", client.State())
	}
}

func TestClientNoReconnectAfterFailedHandshake(t *testing.T) {
	client, _ := newTestClient(t, true)

	var dials atomic.Int32
	client.SetDialer(func(url string) (Transport, error) {
		dials.Add(1)
		transport := newFakeTransport()
		go func() {
			transport.push(challengeFrame("nonce"))
			request, ok := transport.sent(2 * time.Second)
			if !ok {
				return
			}
			transport.push(errResponse(request.ID, "UNAUTHORIZED", "bad token"))
		}()
		return transport, nil
	})

	if err := client.Connect(context.Background()); err == nil {
		t.Fatal("expected handshake failure")
	}

	// A session that never reached connected earns no automatic retry.
	time.Sleep(100 * time.Millisecond)
	if dials.Load() != 1 {
		t.Errorf("failed handshake retried automatically: %d dials", dials.Load())
	}
}

func TestClientEventDelivery(t *testing.T) {
	client, dialer := newTestClient(t, false)

	received := make(chan json.RawMessage, 1)
	client.Subscribe("agent.output", func(payload json.RawMessage) {
		received <- payload
	})

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	dialer.latest().push(eventFrame("agent.output", map[string]string{"text": "done"}))

	select {
	case payload := <-received:
		var event struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(payload, &event); err != nil || event.Text != "done" {
			t.Errorf("bad event payload %s", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
}

func TestClientSessionEventsFeedRegistry(t *testing.T) {
	client, dialer := newTestClient(t, false)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	dialer.latest().push(eventFrame("session.updated", map[string]any{
		"session": map[string]any{"key": "agent:claude:main", "sessionId": "s1", "status": "active"},
	}))

	waitFor(t, time.Second, "session in registry", func() bool {
		_, ok := client.Sessions().Get("agent:claude:main")
		return ok
	})
}

func TestClientStatusObserver(t *testing.T) {
	client, _ := newTestClient(t, false)

	var mu sync.Mutex
	var states []State
	client.OnStatus(func(connectionID string, state State, errMsg string) {
		mu.Lock()
		states = append(states, state)
		mu.Unlock()
	})

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	client.Disconnect()

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateConnecting, StateConnected, StateDisconnected}
	if len(states) < len(want) {
		t.Fatalf("transitions %v, want at least %v", states, want)
	}
	if states[0] != StateConnecting || states[1] != StateConnected {
		t.Errorf("connect transitions %v", states[:2])
	}
	if states[len(states)-1] != StateDisconnected {
		t.Errorf("final state %s, want disconnected", states[len(states)-1])
	}
}
