// Package ledger holds the Solana data types koralReef works with: public
// keys, account snapshots, operator keypairs, and the legacy transaction
// wire format used to submit close-account batches.
//
// Keys, hashes, and signatures are fixed-size arrays rendered as base58.
package ledger

import (
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

const (
	// PublicKeyLength is the size of an ed25519 public key / account address.
	PublicKeyLength = 32

	// HashLength is the size of a blockhash.
	HashLength = 32

	// SignatureLength is the size of an ed25519 signature.
	SignatureLength = 64
)

// Errors
var (
	ErrInvalidPublicKey = errors.New("ledger: invalid public key")
	ErrInvalidHash      = errors.New("ledger: invalid hash")
	ErrInvalidSignature = errors.New("ledger: invalid signature")
)

// PublicKey is an account address.
type PublicKey [PublicKeyLength]byte

// Hash is a recent blockhash used as the transaction sequencing token.
type Hash [HashLength]byte

// Signature is a transaction signature; the first signature identifies the
// transaction on the ledger.
type Signature [SignatureLength]byte

// ParsePublicKey decodes a base58 address.
func ParsePublicKey(s string) (PublicKey, error) {
	var pk PublicKey
	if err := decodeFixed(s, pk[:]); err != nil {
		return PublicKey{}, fmt.Errorf("%w %q: %v", ErrInvalidPublicKey, s, err)
	}
	return pk, nil
}

// MustPublicKey is ParsePublicKey for compile-time constants. It panics on
// malformed input.
func MustPublicKey(s string) PublicKey {
	pk, err := ParsePublicKey(s)
	if err != nil {
		panic(err)
	}
	return pk
}

// String returns the base58 form of the key.
func (p PublicKey) String() string { return base58.Encode(p[:]) }

// IsZero reports whether p is the all-zero key.
func (p PublicKey) IsZero() bool { return p == PublicKey{} }

// ParseHash decodes a base58 blockhash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if err := decodeFixed(s, h[:]); err != nil {
		return Hash{}, fmt.Errorf("%w %q: %v", ErrInvalidHash, s, err)
	}
	return h, nil
}

func (h Hash) String() string { return base58.Encode(h[:]) }

// ParseSignature decodes a base58 transaction signature.
func ParseSignature(s string) (Signature, error) {
	var sig Signature
	if err := decodeFixed(s, sig[:]); err != nil {
		return Signature{}, fmt.Errorf("%w %q: %v", ErrInvalidSignature, s, err)
	}
	return sig, nil
}

func (s Signature) String() string { return base58.Encode(s[:]) }

func decodeFixed(s string, dst []byte) error {
	if s == "" {
		return errors.New("empty string")
	}
	raw, err := base58.Decode(s)
	if err != nil {
		return err
	}
	if len(raw) != len(dst) {
		return fmt.Errorf("decoded %d bytes, want %d", len(raw), len(dst))
	}
	copy(dst, raw)
	return nil
}
