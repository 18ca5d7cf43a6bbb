// Package ledger describes the external currency and token services the
// settlement engines draw on. Implementations live outside the engines,
// the in-process one is provided by the ledgermem package.
package ledger

import (
	"errors"
	"math/bits"
)

var (
	ErrInsufficientFunds    = errors.New("no sufficient funds to process operation")
	ErrInsufficientReserved = errors.New("no sufficient reserved funds to process operation")
	ErrInsufficientTokens   = errors.New("no sufficient tokens to process operation")
	ErrValueOverflow        = errors.New("value overflow")
)

// SafeMul multiplies two amounts returning ErrValueOverflow when the product
// does not fit in uint64. Every percentage and notional computation of the
// engines goes through this helper, a wrapped product must never reach a
// balance operation.
func SafeMul(a, b uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return 0, ErrValueOverflow
	}
	return lo, nil
}

// Currency moves and holds the stable currency of the ecosystem.
// Reserve places a hold on free balance, Unreserve releases it,
// ReservedTransfer settles held funds directly to another account.
type Currency interface {
	FreeBalance(account string) uint64
	ReservedBalance(account string) uint64
	Reserve(account string, amount uint64) error
	Unreserve(account string, amount uint64) error
	Transfer(from, to string, amount uint64) error
	ReservedTransfer(from, to string, amount uint64) error
}

// TokenLedger manages ecosystem tokens in their three states:
// latent (issued, not yet usable), active (spendable) and locked (held by an order).
type TokenLedger interface {
	ActivateTokens(account string, amount uint64) error
	BurnTokens(account string, amount uint64) error
	TransferTokens(from, to string, amount uint64) error
	LockTokens(account string, amount uint64) error
	UnlockTokens(account string, amount uint64) error
	ActiveBalance(account string) uint64
	LatentBalance(account string) uint64
	LockedBalance(account string) uint64
}
