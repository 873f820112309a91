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
)

// Frame types on the wire
const (
	FrameRequest  = "req"
	FrameResponse = "res"
	FrameEvent    = "event"
)

// EventChallenge is the unsolicited event every new transport delivers first
const EventChallenge = "connect.challenge"

// Frame is the JSON envelope exchanged with the gateway. One struct covers
// all three frame types; which fields are meaningful depends on Type.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *FrameError     `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
}

// FrameError is the error object carried by a rejected response
type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewRequest builds a request frame, marshaling params to JSON
func NewRequest(id, method string, params any) (*Frame, error) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params for %s: %w", method, err)
		}
		raw = data
	} else {
		raw = json.RawMessage(`{}`)
	}

	return &Frame{
		Type:   FrameRequest,
		ID:     id,
		Method: method,
		Params: raw,
	}, nil
}

// DecodePayload unmarshals a response payload into out
func (f *Frame) DecodePayload(out any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("frame has no payload")
	}
	if err := json.Unmarshal(f.Payload, out); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}
	return nil
}

// PayloadField returns a single top-level payload field as raw JSON, or nil
func (f *Frame) PayloadField(name string) json.RawMessage {
	if len(f.Payload) == 0 {
		return nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(f.Payload, &fields); err != nil {
		return nil
	}
	return fields[name]
}

// PayloadStatus returns the payload "status" string if present. Two-phase
// methods reply first with status "accepted".
func (f *Frame) PayloadStatus() string {
	raw := f.PayloadField("status")
	if raw == nil {
		return ""
	}
	var status string
	if err := json.Unmarshal(raw, &status); err != nil {
		return ""
	}
	return status
}
