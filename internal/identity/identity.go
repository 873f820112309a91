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

package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"strings"
	"time"
)

// Fixed client identifiers sent in every signed payload. They must match the
// schema constants the gateway verifies against.
const (
	PayloadVersion = "v2"
	ClientID       = "cli"
	ClientMode     = "cli"
	Role           = "operator"
)

// Scopes requested on every connect, in the order they are signed.
var Scopes = []string{
	"operator.admin",
	"operator.approvals",
	"operator.pairing",
	"operator.read",
	"operator.write",
}

// Identity is one persistent client identity for a logical gateway
// connection. The device id is always derived from the public key; the
// keypair outlives any token the gateway issues for it.
type Identity struct {
	DeviceID    string
	PrivateKey  ed25519.PrivateKey
	PublicKey   ed25519.PublicKey
	DeviceToken string
	DisplayName string
	Platform    string
}

// DeviceBlock is the device proof sent inside the connect request params.
type DeviceBlock struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
	SignedAt  int64  `json:"signedAt"`
	Nonce     string `json:"nonce"`
}

// DeviceIDFromPublicKey derives the stable device id as the hex SHA-256
// digest of the raw 32-byte public key
func DeviceIDFromPublicKey(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// Generate creates a new Ed25519 keypair and derives its device id. The
// returned identity carries no token yet.
func Generate(displayName, platform string) (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ed25519 keypair: %w", err)
	}

	deviceID := DeviceIDFromPublicKey(pub)
	if displayName == "" {
		displayName = "CrewHub-" + deviceID[:16]
	}
	if platform == "" {
		platform = "crewhub"
	}

	return &Identity{
		DeviceID:    deviceID,
		PrivateKey:  priv,
		PublicKey:   pub,
		DisplayName: displayName,
		Platform:    platform,
	}, nil
}

// PublicKeyB64URL returns the raw public key as base64url without padding,
// the encoding the gateway expects in the device block
func (id *Identity) PublicKeyB64URL() string {
	return base64.RawURLEncoding.EncodeToString(id.PublicKey)
}

// BuildSignedPayload builds the deterministic pipe-delimited string the
// gateway re-derives and verifies. Field order and separator are part of the
// wire contract:
//
//	"v2|<deviceId>|<clientId>|<clientMode>|<role>|<scopes CSV>|<signedAtMs>|<token>|<nonce>"
//
// An empty authToken is signed as the empty string, not omitted.
func (id *Identity) BuildSignedPayload(nonce, authToken string, signedAtMs int64) string {
	parts := []string{
		PayloadVersion,
		id.DeviceID,
		ClientID,
		ClientMode,
		Role,
		strings.Join(Scopes, ","),
		fmt.Sprintf("%d", signedAtMs),
		authToken,
		nonce,
	}
	return strings.Join(parts, "|")
}

// Sign signs the UTF-8 bytes of payload with the private key and returns the
// signature as base64url without padding
func (id *Identity) Sign(payload string) string {
	sig := ed25519.Sign(id.PrivateKey, []byte(payload))
	return base64.RawURLEncoding.EncodeToString(sig)
}

// BuildDeviceBlock builds the device block for a connect request. Passing
// signedAtMs <= 0 uses the current wall clock.
func (id *Identity) BuildDeviceBlock(nonce, authToken string, signedAtMs int64) DeviceBlock {
	if signedAtMs <= 0 {
		signedAtMs = time.Now().UnixMilli()
	}
	payload := id.BuildSignedPayload(nonce, authToken, signedAtMs)
	return DeviceBlock{
		ID:        id.DeviceID,
		PublicKey: id.PublicKeyB64URL(),
		Signature: id.Sign(payload),
		SignedAt:  signedAtMs,
		Nonce:     nonce,
	}
}

// PrivateKeyPEM serializes the private key as unencrypted PKCS#8 PEM for
// storage. Losing this key forces re-registration as a brand-new device.
func (id *Identity) PrivateKeyPEM() (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(id.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("failed to marshal private key: %w", err)
	}
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// PublicKeyPEM serializes the public key as PKIX PEM for storage
func (id *Identity) PublicKeyPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(id.PublicKey)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// FromPEM reconstructs an identity from a stored PKCS#8 private key
func FromPEM(deviceID, privateKeyPEM, deviceToken, displayName, platform string) (*Identity, error) {
	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("no PEM block in private key material")
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not ed25519")
	}

	pub := priv.Public().(ed25519.PublicKey)

	if deviceID == "" {
		deviceID = DeviceIDFromPublicKey(pub)
	} else if derived := DeviceIDFromPublicKey(pub); derived != deviceID {
		return nil, fmt.Errorf("device id %s does not match stored key (derived %s)", deviceID, derived)
	}

	return &Identity{
		DeviceID:    deviceID,
		PrivateKey:  priv,
		PublicKey:   pub,
		DeviceToken: deviceToken,
		DisplayName: displayName,
		Platform:    platform,
	}, nil
}

// Verify checks a base64url signature over payload against pub
func Verify(pub ed25519.PublicKey, payload, signature string) bool {
	sig, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, []byte(payload), sig)
}
