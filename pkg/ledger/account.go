package ledger

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Well-known program addresses.
var (
	// TokenProgramID is the SPL Token program that owns token accounts.
	TokenProgramID = MustPublicKey("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
)

// SPL token account layout. The account is a fixed 165-byte record:
// mint (0..32), owner (32..64), amount u64 LE (64..72), then delegate,
// state, native flag, delegated amount, and close authority.
const (
	TokenAccountSize  = 165
	TokenMintOffset   = 0
	TokenOwnerOffset  = 32
	TokenAmountOffset = 64
)

// LamportsPerSOL converts lamports to SOL for display.
const LamportsPerSOL = 1_000_000_000

// Account is a read-only snapshot of a ledger account as returned by a
// program-accounts query. It is never mutated locally.
type Account struct {
	Address  PublicKey // account address
	Owner    PublicKey // owning program
	Data     []byte    // raw account payload
	Lamports uint64    // native balance held as rent
}

// TokenAmount reads the token balance of an SPL token account. ok is false
// when the payload is not a token account encoding.
func (a Account) TokenAmount() (amount uint64, ok bool) {
	if len(a.Data) != TokenAccountSize {
		return 0, false
	}
	return binary.LittleEndian.Uint64(a.Data[TokenAmountOffset : TokenAmountOffset+8]), true
}

// TokenOwner reads the wallet that owns an SPL token account.
func (a Account) TokenOwner() (PublicKey, bool) {
	var pk PublicKey
	if len(a.Data) != TokenAccountSize {
		return pk, false
	}
	copy(pk[:], a.Data[TokenOwnerOffset:TokenOwnerOffset+PublicKeyLength])
	return pk, true
}

// Filter narrows a program-accounts query on the server side. Exactly one
// of DataSize or Memcmp is set.
type Filter struct {
	DataSize uint64
	Memcmp   *Memcmp
}

// Memcmp matches accounts whose data contains Bytes at Offset.
type Memcmp struct {
	Offset uint64
	Bytes  []byte
}

// DataSizeFilter matches accounts whose payload is exactly n bytes.
func DataSizeFilter(n uint64) Filter { return Filter{DataSize: n} }

// MemcmpFilter matches accounts containing b at offset.
func MemcmpFilter(offset uint64, b []byte) Filter {
	return Filter{Memcmp: &Memcmp{Offset: offset, Bytes: append([]byte(nil), b...)}}
}

// FormatSOL renders a lamport amount as SOL, trimming trailing zeros from
// the nine-digit fraction.
func FormatSOL(lamports uint64) string {
	whole := strconv.FormatUint(lamports/LamportsPerSOL, 10)
	frac := lamports % LamportsPerSOL
	if frac == 0 {
		return whole
	}
	return whole + "." + strings.TrimRight(fmt.Sprintf("%09d", frac), "0")
}
