package protocol

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/perchd/gatelink/internal/identity"
)

// assertionVersion tags the canonical string format so it can evolve.
const assertionVersion = "v1"

// DeviceAssertion proves possession of the device's private key during the
// connect handshake.
type DeviceAssertion struct {
	DeviceID  string `json:"deviceId"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
	SignedAt  int64  `json:"signedAt"`
	Nonce     string `json:"nonce"`
}

// ConnectParams is the params object of the connect request sent by the
// device-identity handshake variant.
type ConnectParams struct {
	MinProtocol int             `json:"minProtocol"`
	MaxProtocol int             `json:"maxProtocol"`
	Token       string          `json:"token"`
	Client      string          `json:"client"`
	Role        string          `json:"role"`
	Scopes      []string        `json:"scopes"`
	Device      DeviceAssertion `json:"device"`
}

// CanonicalAssertion builds the exact byte string covered by the device
// signature. Both sides must derive it identically, so the field order and
// separator are fixed.
func CanonicalAssertion(deviceID identity.DeviceID, client, role string, scopes []string, signedAt int64, token, nonce string) []byte {
	parts := []string{
		assertionVersion,
		deviceID.String(),
		client,
		role,
		strings.Join(scopes, ","),
		fmt.Sprintf("%d", signedAt),
		token,
		nonce,
	}
	return []byte(strings.Join(parts, "|"))
}

// SignAssertion produces a complete DeviceAssertion for the handshake.
// An empty nonce is permitted: the gateway may not have issued a challenge
// in time, and the far side decides whether to accept an unchallenged
// assertion.
func SignAssertion(id identity.DeviceID, kp *identity.Keypair, client, role string, scopes []string, signedAt int64, token, nonce string) DeviceAssertion {
	message := CanonicalAssertion(id, client, role, scopes, signedAt, token, nonce)
	sig := kp.Sign(message)

	return DeviceAssertion{
		DeviceID:  id.String(),
		PublicKey: kp.PublicKeyBase64(),
		Signature: base64.StdEncoding.EncodeToString(sig),
		SignedAt:  signedAt,
		Nonce:     nonce,
	}
}

// VerifyAssertion checks a device assertion against the canonical string
// rebuilt from the given inputs. Used by tests and by any local verifier.
func VerifyAssertion(a DeviceAssertion, client, role string, scopes []string, token string) (bool, error) {
	id, err := identity.ParseDeviceID(a.DeviceID)
	if err != nil {
		return false, fmt.Errorf("invalid device ID in assertion: %w", err)
	}

	pub, err := base64.StdEncoding.DecodeString(a.PublicKey)
	if err != nil {
		return false, fmt.Errorf("invalid public key encoding: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key length: %d", len(pub))
	}
	sig, err := base64.StdEncoding.DecodeString(a.Signature)
	if err != nil {
		return false, fmt.Errorf("invalid signature encoding: %w", err)
	}

	message := CanonicalAssertion(id, client, role, scopes, a.SignedAt, token, a.Nonce)
	return ed25519.Verify(ed25519.PublicKey(pub), message, sig), nil
}
