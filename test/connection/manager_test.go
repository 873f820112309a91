package connection_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewhub/internal/connection"
)

// fakeConnection is a minimal AgentConnection for manager tests
type fakeConnection struct {
	mu        sync.Mutex
	id        string
	name      string
	connected bool
	healthy   bool
	sessions  []connection.Session
	connErr   error
}

func (f *fakeConnection) ID() string            { return f.id }
func (f *fakeConnection) Name() string          { return f.name }
func (f *fakeConnection) Kind() connection.Kind { return connection.KindGateway }

func (f *fakeConnection) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connErr != nil {
		return f.connErr
	}
	f.connected = true
	return nil
}

func (f *fakeConnection) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *fakeConnection) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeConnection) Status() connection.Status {
	state := "disconnected"
	if f.Connected() {
		state = "connected"
	}
	return connection.Status{ID: f.id, Name: f.name, Kind: connection.KindGateway, State: state}
}

func (f *fakeConnection) Sessions(ctx context.Context) ([]connection.Session, error) {
	return f.sessions, nil
}

func (f *fakeConnection) SendMessage(ctx context.Context, sessionKey, message string) (string, error) {
	return "", nil
}

func (f *fakeConnection) Raw(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return nil, nil
}

func TestManagerAddGetRemove(t *testing.T) {
	manager := connection.NewManager()

	conn := &fakeConnection{id: "a", name: "Alpha"}
	require.NoError(t, manager.Add(conn))

	got, ok := manager.Get("a")
	require.True(t, ok)
	assert.Equal(t, "a", got.ID())

	// A second registration under the same id is rejected.
	assert.Error(t, manager.Add(&fakeConnection{id: "a"}))

	conn.connected = true
	manager.Remove("a")
	_, ok = manager.Get("a")
	assert.False(t, ok)
	assert.False(t, conn.Connected(), "Remove must disconnect the connection")
}

func TestManagerListSorted(t *testing.T) {
	manager := connection.NewManager()
	require.NoError(t, manager.Add(&fakeConnection{id: "charlie"}))
	require.NoError(t, manager.Add(&fakeConnection{id: "alpha"}))
	require.NoError(t, manager.Add(&fakeConnection{id: "bravo"}))

	conns := manager.List()
	require.Len(t, conns, 3)
	assert.Equal(t, "alpha", conns[0].ID())
	assert.Equal(t, "bravo", conns[1].ID())
	assert.Equal(t, "charlie", conns[2].ID())
}

func TestManagerConnectAll(t *testing.T) {
	manager := connection.NewManager()
	good := &fakeConnection{id: "good"}
	bad := &fakeConnection{id: "bad", connErr: errors.New("refused")}
	require.NoError(t, manager.Add(good))
	require.NoError(t, manager.Add(bad))

	err := manager.ConnectAll(context.Background())
	assert.Error(t, err, "ConnectAll must report the failed connection")
	assert.True(t, good.Connected(), "one failure must not stop the rest")
}

func TestManagerSessionsAggregate(t *testing.T) {
	manager := connection.NewManager()
	require.NoError(t, manager.Add(&fakeConnection{
		id:        "a",
		connected: true,
		sessions:  []connection.Session{{Key: "agent:x:main", ConnectionID: "a"}},
	}))
	require.NoError(t, manager.Add(&fakeConnection{
		id:        "b",
		connected: true,
		sessions:  []connection.Session{{Key: "agent:y:main", ConnectionID: "b"}},
	}))
	// Disconnected connections are skipped.
	require.NoError(t, manager.Add(&fakeConnection{
		id:       "c",
		sessions: []connection.Session{{Key: "agent:z:main", ConnectionID: "c"}},
	}))

	sessions := manager.Sessions(context.Background())
	assert.Len(t, sessions, 2)
}

func TestManagerStatuses(t *testing.T) {
	manager := connection.NewManager()
	require.NoError(t, manager.Add(&fakeConnection{id: "a", connected: true}))
	require.NoError(t, manager.Add(&fakeConnection{id: "b"}))

	statuses := manager.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, "connected", statuses[0].State)
	assert.Equal(t, "disconnected", statuses[1].State)
}

func TestManagerShutdown(t *testing.T) {
	manager := connection.NewManager()
	a := &fakeConnection{id: "a", connected: true}
	b := &fakeConnection{id: "b", connected: true}
	require.NoError(t, manager.Add(a))
	require.NoError(t, manager.Add(b))

	manager.Shutdown()

	assert.False(t, a.Connected())
	assert.False(t, b.Connected())
	assert.Empty(t, manager.List())
}
