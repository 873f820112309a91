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
	"strings"
	"testing"
)

func TestGenerate(t *testing.T) {
	id, err := Generate("", "")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	t.Run("DeviceIDDerivedFromPublicKey", func(t *testing.T) {
		if id.DeviceID != DeviceIDFromPublicKey(id.PublicKey) {
			t.Errorf("device id %s not derived from public key", id.DeviceID)
		}
		if len(id.DeviceID) != 64 {
			t.Errorf("expected 64 hex chars, got %d", len(id.DeviceID))
		}
	})

	t.Run("NoTokenOnFreshIdentity", func(t *testing.T) {
		if id.DeviceToken != "" {
			t.Errorf("fresh identity must carry no token, got %q", id.DeviceToken)
		}
	})

	t.Run("DefaultsApplied", func(t *testing.T) {
		if !strings.HasPrefix(id.DisplayName, "CrewHub-") {
			t.Errorf("unexpected display name %q", id.DisplayName)
		}
		if id.Platform != "crewhub" {
			t.Errorf("unexpected platform %q", id.Platform)
		}
	})

	t.Run("DistinctKeypairs", func(t *testing.T) {
		other, err := Generate("", "")
		if err != nil {
			t.Fatalf("Generate failed: %v", err)
		}
		if other.DeviceID == id.DeviceID {
			t.Error("two generated identities share a device id")
		}
	})
}

func TestBuildSignedPayload(t *testing.T) {
	id := &Identity{DeviceID: "d1"}

	t.Run("ExactWireFormat", func(t *testing.T) {
		scopesCSV := strings.Join(Scopes, ",")
		payload := id.BuildSignedPayload("abc123", "", 1234567890)

		expected := "v2|d1|cli|cli|operator|" + scopesCSV + "|1234567890||abc123"
		if payload != expected {
			t.Errorf("payload mismatch:\n got %q\nwant %q", payload, expected)
		}
	})

	t.Run("Deterministic", func(t *testing.T) {
		a := id.BuildSignedPayload("nonce-1", "tok", 42)
		b := id.BuildSignedPayload("nonce-1", "tok", 42)
		if a != b {
			t.Errorf("identical inputs produced different payloads: %q vs %q", a, b)
		}
	})

	t.Run("TokenIncluded", func(t *testing.T) {
		payload := id.BuildSignedPayload("n", "secret", 1)
		if !strings.Contains(payload, "|secret|n") {
			t.Errorf("token and nonce not in expected positions: %q", payload)
		}
	})
}

func TestSignAndVerify(t *testing.T) {
	id, err := Generate("", "")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	payload := id.BuildSignedPayload("abc123", "", 1234567890)
	signature := id.Sign(payload)

	if strings.ContainsAny(signature, "+/=") {
		t.Errorf("signature is not base64url without padding: %q", signature)
	}

	if !Verify(id.PublicKey, payload, signature) {
		t.Error("signature does not verify under the matching public key")
	}

	if Verify(id.PublicKey, payload+"x", signature) {
		t.Error("tampered payload must not verify")
	}

	otherPub, _, _ := ed25519.GenerateKey(rand.Reader)
	if Verify(otherPub, payload, signature) {
		t.Error("signature must not verify under a different key")
	}
}

func TestBuildDeviceBlock(t *testing.T) {
	id, err := Generate("", "")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	block := id.BuildDeviceBlock("nonce-9", "tok", 777)

	if block.ID != id.DeviceID {
		t.Errorf("block id %s != device id %s", block.ID, id.DeviceID)
	}
	if block.Nonce != "nonce-9" {
		t.Errorf("unexpected nonce %q", block.Nonce)
	}
	if block.SignedAt != 777 {
		t.Errorf("unexpected signedAt %d", block.SignedAt)
	}
	if block.PublicKey != id.PublicKeyB64URL() {
		t.Error("block public key mismatch")
	}

	payload := id.BuildSignedPayload("nonce-9", "tok", 777)
	if !Verify(id.PublicKey, payload, block.Signature) {
		t.Error("device block signature does not verify over the signed payload")
	}

	t.Run("ZeroSignedAtUsesClock", func(t *testing.T) {
		block := id.BuildDeviceBlock("n", "", 0)
		if block.SignedAt <= 0 {
			t.Errorf("expected a wall-clock signedAt, got %d", block.SignedAt)
		}
	})
}

func TestPEMRoundTrip(t *testing.T) {
	id, err := Generate("my-device", "crewhub")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	privPEM, err := id.PrivateKeyPEM()
	if err != nil {
		t.Fatalf("PrivateKeyPEM failed: %v", err)
	}

	restored, err := FromPEM(id.DeviceID, privPEM, "stored-token", "my-device", "crewhub")
	if err != nil {
		t.Fatalf("FromPEM failed: %v", err)
	}

	if restored.DeviceID != id.DeviceID {
		t.Errorf("restored device id %s != %s", restored.DeviceID, id.DeviceID)
	}
	if restored.DeviceToken != "stored-token" {
		t.Errorf("restored token %q", restored.DeviceToken)
	}

	// Signatures from the restored key must verify under the original key.
	payload := "check"
	if !Verify(id.PublicKey, payload, restored.Sign(payload)) {
		t.Error("restored private key does not match original public key")
	}

	t.Run("MismatchedDeviceIDRejected", func(t *testing.T) {
		if _, err := FromPEM("not-the-right-id", privPEM, "", "", ""); err == nil {
			t.Error("expected error for device id that does not match the key")
		}
	})

	t.Run("GarbageRejected", func(t *testing.T) {
		if _, err := FromPEM("", "not pem at all", "", "", ""); err == nil {
			t.Error("expected error for invalid PEM")
		}
	})
}
