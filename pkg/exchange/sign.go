package exchange

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/IDSIA/Ferdelance/pkg/types"
)

// Sign produces a base64 RSA-PSS signature over data. Short identity
// claims (join and leave requests) are signed this way.
func Sign(key *rsa.PrivateKey, data string) (string, error) {
	digest := sha256.Sum256([]byte(data))
	sig, err := rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest[:], nil)
	if err != nil {
		return "", fmt.Errorf("failed to sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a base64 RSA-PSS signature against the advertised
// public key. A mismatch surfaces as ErrAccessDenied.
func Verify(key *rsa.PublicKey, data, signature string) error {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: malformed signature", types.ErrAccessDenied)
	}
	digest := sha256.Sum256([]byte(data))
	if err := rsa.VerifyPSS(key, crypto.SHA256, digest[:], sig, nil); err != nil {
		return fmt.Errorf("%w: signature mismatch", types.ErrAccessDenied)
	}
	return nil
}

// JoinClaim is the canonical string signed by a joining component.
func JoinClaim(id, transferPublicKey string) string {
	return id + ":" + transferPublicKey
}
