// Package adminauth implements the signed-request scheme required for every
// mutating admin endpoint (spec.md §6): an HMAC-SHA256 signature over a
// canonical string, timing-safe compared, plus single-use nonce replay
// protection within a bounded window.
package adminauth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"
)

// NonceStore tracks nonces seen within the replay window. SETNX-style: Claim
// returns false if the nonce was already claimed. Grounded on the teacher's
// OIDC state-nonce pattern (internal/auth/oidc_flow.go)'s Redis GetDel/SetNX
// usage; RedisNonceStore and InMemoryNonceStore both implement it.
type NonceStore interface {
	Claim(ctx context.Context, nonce string, window time.Duration) (claimed bool, err error)
}

// Verifier checks the signed-request scheme against a shared secret.
type Verifier struct {
	secret []byte
	nonces NonceStore
	window time.Duration
}

// New builds a Verifier. secret is the shared admin signing secret;
// nonceWindow bounds how long a nonce is considered replay-protected.
func New(secret string, nonces NonceStore, nonceWindow time.Duration) *Verifier {
	return &Verifier{secret: []byte(secret), nonces: nonces, window: nonceWindow}
}

// CanonicalString builds `"{METHOD}:{tenantId}:{action}:{nonce}"`, the
// payload both the signer and the verifier sign (spec.md §6).
func CanonicalString(method, tenantID, action, nonce string) string {
	return fmt.Sprintf("%s:%s:%s:%s", method, tenantID, action, nonce)
}

// Sign computes the hex-encoded HMAC-SHA256 of canonical under secret. Used
// by admin clients/tests to construct a valid request signature.
func Sign(secret, canonical string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks signatureHex against the expected HMAC for method/tenantID/
// action/nonce, using a timing-safe comparison, then claims the nonce so it
// cannot be replayed. Returns false (never an error) for a bad signature;
// an error only for a NonceStore failure.
func (v *Verifier) Verify(ctx context.Context, method, tenantID, action, nonce, signatureHex string) (bool, error) {
	if v.secret == nil || nonce == "" || signatureHex == "" {
		return false, nil
	}

	expected := Sign(string(v.secret), CanonicalString(method, tenantID, action, nonce))
	expectedBytes, err := hex.DecodeString(expected)
	if err != nil {
		return false, nil
	}
	gotBytes, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false, nil
	}
	if len(expectedBytes) != len(gotBytes) || subtle.ConstantTimeCompare(expectedBytes, gotBytes) != 1 {
		return false, nil
	}

	claimed, err := v.nonces.Claim(ctx, nonce, v.window)
	if err != nil {
		return false, fmt.Errorf("claiming admin nonce: %w", err)
	}
	return claimed, nil
}
