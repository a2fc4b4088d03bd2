// Package safety decides whether a token account may be closed.
//
// The policy is a pure function of the account snapshot and the operator's
// whitelist. It never consults the network.
package safety

import (
	"strings"

	"github.com/nathfavour/koralReef/pkg/ledger"
)

// Whitelist is a set of base58 addresses that must never be closed.
type Whitelist map[string]struct{}

// NewWhitelist builds a whitelist from address strings. Entries are trimmed
// and blank entries are dropped. Entries are not validated as base58; an
// entry that is not a real address simply never matches.
func NewWhitelist(addresses []string) Whitelist {
	wl := make(Whitelist, len(addresses))
	for _, a := range addresses {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		wl[a] = struct{}{}
	}
	return wl
}

// Contains reports whether address is whitelisted.
func (w Whitelist) Contains(address string) bool {
	_, ok := w[address]
	return ok
}

// Len returns the number of whitelisted addresses.
func (w Whitelist) Len() int { return len(w) }

// IsSafe reports whether the account at address may be closed. An account
// is safe only if it is not whitelisted, is owned by the SPL Token program,
// carries a 165-byte token account payload, and holds a zero token balance.
func IsSafe(address ledger.PublicKey, account ledger.Account, wl Whitelist) bool {
	if wl.Contains(address.String()) {
		return false
	}
	if account.Owner != ledger.TokenProgramID {
		return false
	}
	amount, ok := account.TokenAmount()
	if !ok {
		return false
	}
	return amount == 0
}

// Filter returns the safe subset of accounts, preserving order.
func Filter(accounts []ledger.Account, wl Whitelist) []ledger.Account {
	var out []ledger.Account
	for _, acct := range accounts {
		if IsSafe(acct.Address, acct, wl) {
			out = append(out, acct)
		}
	}
	return out
}
