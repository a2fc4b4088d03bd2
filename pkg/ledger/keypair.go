package ledger

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
)

// KeypairLength is the size of a serialized keypair: 32-byte seed followed
// by the 32-byte public key, the layout ed25519.PrivateKey already uses.
const KeypairLength = ed25519.PrivateKeySize

// ErrInvalidKeypair is returned for keypair bytes that are the wrong size or
// whose public half does not match the seed.
var ErrInvalidKeypair = errors.New("ledger: invalid keypair")

// Keypair is the operator signing identity.
type Keypair struct {
	private ed25519.PrivateKey
}

// GenerateKeypair creates a fresh random keypair.
func GenerateKeypair() (*Keypair, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to generate keypair: %w", err)
	}
	return &Keypair{private: priv}, nil
}

// KeypairFromBytes validates and wraps 64 keypair bytes. The bytes are
// copied.
func KeypairFromBytes(b []byte) (*Keypair, error) {
	if len(b) != KeypairLength {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKeypair, len(b), KeypairLength)
	}
	derived := ed25519.NewKeyFromSeed(b[:ed25519.SeedSize])
	if !bytes.Equal(derived[ed25519.SeedSize:], b[ed25519.SeedSize:]) {
		return nil, fmt.Errorf("%w: public key does not match seed", ErrInvalidKeypair)
	}
	return &Keypair{private: derived}, nil
}

// ParseKeypairJSON decodes the CLI wallet format: a JSON array of 64 byte
// values, e.g. [12,200,...].
func ParseKeypairJSON(data []byte) (*Keypair, error) {
	// []byte would decode as base64, so go through []int.
	var values []int
	if err := json.Unmarshal(bytes.TrimSpace(data), &values); err != nil {
		return nil, fmt.Errorf("%w: not a JSON byte array: %v", ErrInvalidKeypair, err)
	}
	raw := make([]byte, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("%w: element %d out of byte range: %d", ErrInvalidKeypair, i, v)
		}
		raw[i] = byte(v)
	}
	return KeypairFromBytes(raw)
}

// MarshalJSON encodes the keypair in the same JSON byte-array format that
// ParseKeypairJSON reads.
func (k *Keypair) MarshalJSON() ([]byte, error) {
	values := make([]int, len(k.private))
	for i, b := range k.private {
		values[i] = int(b)
	}
	return json.Marshal(values)
}

// PublicKey returns the operator address.
func (k *Keypair) PublicKey() PublicKey {
	var pk PublicKey
	copy(pk[:], k.private[ed25519.SeedSize:])
	return pk
}

// Sign signs message with the keypair's private key.
func (k *Keypair) Sign(message []byte) Signature {
	var sig Signature
	copy(sig[:], ed25519.Sign(k.private, message))
	return sig
}

// Verify reports whether sig is a valid signature of message by pk.
func Verify(pk PublicKey, message []byte, sig Signature) bool {
	return ed25519.Verify(ed25519.PublicKey(pk[:]), message, sig[:])
}
