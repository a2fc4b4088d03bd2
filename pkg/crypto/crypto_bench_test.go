package crypto_test

import (
	"crypto/rand"
	"testing"

	"github.com/nathfavour/koralReef/pkg/crypto"
)

// BenchmarkSeal measures AES-256-GCM sealing of a keypair-sized payload.
func BenchmarkSeal(b *testing.B) {
	key, err := crypto.GenerateKey()
	if err != nil {
		b.Fatal(err)
	}
	data := make([]byte, 256)
	if _, err := rand.Read(data); err != nil {
		b.Fatal(err)
	}

	b.ReportAllocs()
	b.SetBytes(int64(len(data)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := crypto.Seal(key, data); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkOpen measures AES-256-GCM opening of a keypair-sized payload.
func BenchmarkOpen(b *testing.B) {
	key, err := crypto.GenerateKey()
	if err != nil {
		b.Fatal(err)
	}
	data := make([]byte, 256)
	if _, err := rand.Read(data); err != nil {
		b.Fatal(err)
	}
	blob, err := crypto.Seal(key, data)
	if err != nil {
		b.Fatal(err)
	}

	b.ReportAllocs()
	b.SetBytes(int64(len(data)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := crypto.Open(key, blob); err != nil {
			b.Fatal(err)
		}
	}
}
