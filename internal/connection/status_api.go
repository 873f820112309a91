package connection

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"crewhub/internal/logger"
)

// StatusAPI exposes the manager's view over HTTP for dashboards and
// operational checks
type StatusAPI struct {
	manager *Manager
	logger  zerolog.Logger
}

// NewStatusAPI creates the HTTP surface for a manager
func NewStatusAPI(manager *Manager) *StatusAPI {
	return &StatusAPI{
		manager: manager,
		logger:  logger.Component("status-api"),
	}
}

// Router builds the HTTP routes
func (a *StatusAPI) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/gateway/status", a.handleStatus).Methods("GET")
	r.HandleFunc("/gateway/sessions", a.handleSessions).Methods("GET")
	r.HandleFunc("/gateway/{id}/health", a.handleHealth).Methods("GET")
	r.HandleFunc("/gateway/{id}/connect", a.handleConnect).Methods("POST")
	r.HandleFunc("/gateway/{id}/disconnect", a.handleDisconnect).Methods("POST")
	return r
}

func (a *StatusAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func (a *StatusAPI) handleStatus(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]any{
		"connections": a.manager.Statuses(),
	})
}

func (a *StatusAPI) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := a.manager.Sessions(r.Context())
	if sessions == nil {
		sessions = []Session{}
	}
	a.writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
	})
}

// handleHealth answers liveness probes. Flavors that can probe the remote
// end to end do so; others report their connection state. An unhealthy
// connection is a 503 so monitors can alert on the status code alone.
func (a *StatusAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	conn, ok := a.manager.Get(id)
	if !ok {
		a.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown connection"})
		return
	}

	type healthChecker interface {
		HealthCheck(ctx context.Context) bool
	}

	healthy := conn.Connected()
	if hc, ok := conn.(healthChecker); ok {
		healthy = hc.HealthCheck(r.Context())
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	a.writeJSON(w, status, map[string]any{"id": id, "healthy": healthy})
}

func (a *StatusAPI) handleConnect(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	conn, ok := a.manager.Get(id)
	if !ok {
		a.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown connection"})
		return
	}

	if err := conn.Connect(r.Context()); err != nil {
		a.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	a.writeJSON(w, http.StatusOK, conn.Status())
}

func (a *StatusAPI) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	conn, ok := a.manager.Get(id)
	if !ok {
		a.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown connection"})
		return
	}

	conn.Disconnect()
	a.writeJSON(w, http.StatusOK, conn.Status())
}
