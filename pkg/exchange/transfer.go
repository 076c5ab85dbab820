package exchange

import (
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// EncodeToTransfer strips the PEM armour from a public key and returns
// the inner base64 body as a single line, suitable for headers and
// JSON fields.
func EncodeToTransfer(pemText string) string {
	var body strings.Builder
	for _, line := range strings.Split(pemText, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "-----") {
			continue
		}
		body.WriteString(line)
	}
	return body.String()
}

// DecodeFromTransfer restores the PEM armour around a transfer-encoded
// public key.
func DecodeFromTransfer(encoded string) string {
	var b strings.Builder
	b.WriteString("-----BEGIN PUBLIC KEY-----\n")
	for len(encoded) > 64 {
		b.WriteString(encoded[:64])
		b.WriteByte('\n')
		encoded = encoded[64:]
	}
	if len(encoded) > 0 {
		b.WriteString(encoded)
		b.WriteByte('\n')
	}
	b.WriteString("-----END PUBLIC KEY-----\n")
	return b.String()
}

// PublicKeyToTransfer is PublicKeyToPEM followed by EncodeToTransfer.
func PublicKeyToTransfer(key *rsa.PublicKey) (string, error) {
	pemText, err := PublicKeyToPEM(key)
	if err != nil {
		return "", err
	}
	return EncodeToTransfer(pemText), nil
}

// PublicKeyFromTransfer parses a transfer-encoded public key.
func PublicKeyFromTransfer(encoded string) (*rsa.PublicKey, error) {
	if encoded == "" {
		return nil, fmt.Errorf("empty transfer key")
	}
	return PublicKeyFromPEM(DecodeFromTransfer(encoded))
}

// StrChecksum is the hex SHA-256 digest used for short identity
// claims such as join requests.
func StrChecksum(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
