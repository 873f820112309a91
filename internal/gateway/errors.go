package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when a call's timeout budget elapses before a
	// final reply arrives
	ErrTimeout = errors.New("gateway call timed out")

	// ErrDisconnected is returned when the connection drops while a call is
	// pending, or when a call is made on a connection that cannot connect
	ErrDisconnected = errors.New("gateway disconnected")

	// ErrProtocol indicates the gateway violated the wire contract, e.g. an
	// unexpected first frame during the handshake
	ErrProtocol = errors.New("gateway protocol violation")
)

// GatewayError carries the code and message of a rejection from the gateway
type GatewayError struct {
	Code    string
	Message string
}

func (e *GatewayError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway error %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("gateway error: %s", e.Message)
}

// Error codes that mean the device token the client presented is no longer
// usable. Seeing one of these after authenticating with a stored device
// token clears it so the next handshake re-registers.
var tokenRejectionCodes = map[string]bool{
	"DEVICE_TOKEN_INVALID": true,
	"DEVICE_NOT_FOUND":     true,
	"TOKEN_EXPIRED":        true,
	"UNAUTHORIZED":         true,
}

// IsTokenRejection reports whether err is a gateway rejection that
// invalidates the stored device token
func IsTokenRejection(err error) bool {
	var gerr *GatewayError
	if errors.As(err, &gerr) {
		return tokenRejectionCodes[gerr.Code]
	}
	return false
}
