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
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"crewhub/internal/identity"
	"crewhub/internal/logger"
)

// Protocol version bounds advertised in the connect request
const (
	minProtocolVersion = 3
	maxProtocolVersion = 3
)

// handshakeReadTimeout bounds each of the two reads the handshake performs
const handshakeReadTimeout = 5 * time.Second

// TokenStore is the slice of the identity store the handshake needs to
// persist token churn
type TokenStore interface {
	UpdateToken(deviceID, token string) error
	ClearToken(deviceID string) error
}

// Handshake drives the challenge/response exchange that turns an open
// transport plus a device identity into an authenticated session. It makes
// a single pass; retries belong to the reconnect supervisor. It must never
// run concurrently for the same connection (the client's connect lock
// guarantees that).
type Handshake struct {
	identity    *identity.Identity
	store       TokenStore
	sharedToken string
	locale      string
	userAgent   string
	logger      zerolog.Logger
}

// NewHandshake builds a handshake for one connect attempt. sharedToken is
// the static fallback credential used only before the device is paired.
func NewHandshake(id *identity.Identity, store TokenStore, cfg *Config) *Handshake {
	return &Handshake{
		identity:    id,
		store:       store,
		sharedToken: cfg.Token,
		locale:      cfg.Locale,
		userAgent:   cfg.UserAgent,
		logger:      logger.Component("handshake"),
	}
}

type connectParams struct {
	MinProtocol int                  `json:"minProtocol"`
	MaxProtocol int                  `json:"maxProtocol"`
	Client      connectClient        `json:"client"`
	Device      identity.DeviceBlock `json:"device"`
	Role        string               `json:"role"`
	Scopes      []string             `json:"scopes"`
	Auth        map[string]string    `json:"auth"`
	Locale      string               `json:"locale"`
	UserAgent   string               `json:"userAgent"`
}

type connectClient struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode"`
}

// Run performs the handshake on an open transport. On success the identity
// (and store) reflect any token the gateway issued. On every failure path
// the caller owns closing the transport; Run reports the reason.
func (h *Handshake) Run(transport Transport) error {
	nonce, err := h.awaitChallenge(transport)
	if err != nil {
		return err
	}

	// Prefer the paired device token; fall back to the shared token for
	// first-time registration.
	usedDeviceToken := h.identity.DeviceToken != ""
	authToken := h.identity.DeviceToken
	if !usedDeviceToken {
		authToken = h.sharedToken
	}

	if usedDeviceToken {
		h.logger.Debug().Str("device_id", h.identity.DeviceID[:16]).Msg("Authenticating with stored device token")
	} else if authToken != "" {
		h.logger.Info().Str("device_id", h.identity.DeviceID[:16]).Msg("No device token yet, registering with shared token")
	} else {
		h.logger.Warn().Msg("No auth credentials available for handshake")
	}

	if err := h.sendConnect(transport, nonce, authToken); err != nil {
		return err
	}

	return h.awaitConnectResult(transport, authToken, usedDeviceToken)
}

// awaitChallenge reads exactly one frame, which must be the unsolicited
// connect.challenge event carrying the nonce
func (h *Handshake) awaitChallenge(transport Transport) (string, error) {
	if err := transport.SetReadDeadline(time.Now().Add(handshakeReadTimeout)); err != nil {
		return "", fmt.Errorf("failed to arm challenge deadline: %w", err)
	}
	defer transport.SetReadDeadline(time.Time{})

	frame, err := transport.ReadFrame()
	if err != nil {
		return "", fmt.Errorf("failed to read challenge: %w", err)
	}

	if frame.Type != FrameEvent || frame.Event != EventChallenge {
		return "", fmt.Errorf("%w: expected %s as first frame, got type=%q event=%q",
			ErrProtocol, EventChallenge, frame.Type, frame.Event)
	}

	var payload struct {
		Nonce string `json:"nonce"`
	}
	if err := json.Unmarshal(frame.Payload, &payload); err != nil || payload.Nonce == "" {
		return "", fmt.Errorf("%w: challenge carries no nonce", ErrProtocol)
	}

	return payload.Nonce, nil
}

func (h *Handshake) sendConnect(transport Transport, nonce, authToken string) error {
	auth := map[string]string{}
	if authToken != "" {
		auth["token"] = authToken
	}

	params := connectParams{
		MinProtocol: minProtocolVersion,
		MaxProtocol: maxProtocolVersion,
		Client: connectClient{
			ID:       identity.ClientID,
			Version:  "1.0.0",
			Platform: "crewhub",
			Mode:     identity.ClientMode,
		},
		Device:    h.identity.BuildDeviceBlock(nonce, authToken, 0),
		Role:      identity.Role,
		Scopes:    identity.Scopes,
		Auth:      auth,
		Locale:    h.locale,
		UserAgent: h.userAgent,
	}

	request, err := NewRequest("connect-"+uuid.New().String(), "connect", params)
	if err != nil {
		return err
	}

	if err := transport.WriteFrame(request); err != nil {
		return fmt.Errorf("failed to send connect request: %w", err)
	}

	return nil
}

func (h *Handshake) awaitConnectResult(transport Transport, authToken string, usedDeviceToken bool) error {
	if err := transport.SetReadDeadline(time.Now().Add(handshakeReadTimeout)); err != nil {
		return fmt.Errorf("failed to arm connect deadline: %w", err)
	}
	defer transport.SetReadDeadline(time.Time{})

	frame, err := transport.ReadFrame()
	if err != nil {
		return fmt.Errorf("failed to read connect response: %w", err)
	}

	if frame.Type != FrameResponse {
		return fmt.Errorf("%w: expected connect response, got type=%q", ErrProtocol, frame.Type)
	}

	if !frame.OK {
		gerr := &GatewayError{Code: "", Message: "connect rejected"}
		if frame.Error != nil {
			gerr.Code = frame.Error.Code
			gerr.Message = frame.Error.Message
		}

		// A rejected device token is cleared so the next attempt falls back
		// to the shared token and re-registers as a new device. The keypair
		// stays.
		if usedDeviceToken && tokenRejectionCodes[gerr.Code] {
			h.logger.Warn().
				Str("code", gerr.Code).
				Str("device_id", h.identity.DeviceID[:16]).
				Msg("Device token rejected, clearing stored token")
			h.identity.DeviceToken = ""
			if err := h.store.ClearToken(h.identity.DeviceID); err != nil {
				h.logger.Error().Err(err).Msg("Failed to clear rejected device token")
			}
		}

		return gerr
	}

	// The gateway returns auth.deviceToken when it registers or rotates the
	// device; a value different from the one just sent must be persisted.
	var payload struct {
		Auth struct {
			DeviceToken string `json:"deviceToken"`
			Token       string `json:"token"`
		} `json:"auth"`
	}
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			h.logger.Debug().Err(err).Msg("Connect payload without auth object")
		}
	}

	newToken := payload.Auth.DeviceToken
	if newToken == "" {
		newToken = payload.Auth.Token
	}
	if newToken != "" && newToken != authToken {
		h.identity.DeviceToken = newToken
		if err := h.store.UpdateToken(h.identity.DeviceID, newToken); err != nil {
			return fmt.Errorf("failed to persist device token: %w", err)
		}
		h.logger.Info().Str("device_id", h.identity.DeviceID[:16]).Msg("Received device token from gateway")
	}

	return nil
}
