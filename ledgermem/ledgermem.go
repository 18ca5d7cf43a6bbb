// Package ledgermem implements the ledger interfaces as a single-writer
// in-memory store. It backs the single-node runtime and the engine tests.
package ledgermem

import (
	"math"
	"sync"

	"github.com/etikalabs/etika/ledger"
)

type account struct {
	free     uint64
	reserved uint64
	latent   uint64
	active   uint64
	locked   uint64
}

// Ledger is an in-memory implementation of ledger.Currency and ledger.TokenLedger.
type Ledger struct {
	mux      sync.RWMutex
	accounts map[string]*account
}

// New creates a new empty Ledger.
func New() *Ledger {
	return &Ledger{accounts: make(map[string]*account)}
}

// Mint credits free currency to the account. Used to seed balances.
func (l *Ledger) Mint(acc string, amount uint64) error {
	l.mux.Lock()
	defer l.mux.Unlock()
	a := l.account(acc)
	if math.MaxUint64-amount < a.free {
		return ledger.ErrValueOverflow
	}
	a.free += amount
	return nil
}

// IssueLatent issues latent tokens to the account.
// Latent tokens become spendable only after activation.
func (l *Ledger) IssueLatent(acc string, amount uint64) error {
	l.mux.Lock()
	defer l.mux.Unlock()
	a := l.account(acc)
	if math.MaxUint64-amount < a.latent {
		return ledger.ErrValueOverflow
	}
	a.latent += amount
	return nil
}

// FreeBalance returns the free currency balance of the account.
func (l *Ledger) FreeBalance(acc string) uint64 {
	l.mux.RLock()
	defer l.mux.RUnlock()
	if a, ok := l.accounts[acc]; ok {
		return a.free
	}
	return 0
}

// ReservedBalance returns the reserved currency balance of the account.
func (l *Ledger) ReservedBalance(acc string) uint64 {
	l.mux.RLock()
	defer l.mux.RUnlock()
	if a, ok := l.accounts[acc]; ok {
		return a.reserved
	}
	return 0
}

// Reserve moves the amount from free to reserved balance.
func (l *Ledger) Reserve(acc string, amount uint64) error {
	l.mux.Lock()
	defer l.mux.Unlock()
	a := l.account(acc)
	if a.free < amount {
		return ledger.ErrInsufficientFunds
	}
	a.free -= amount
	a.reserved += amount
	return nil
}

// Unreserve releases the amount from reserved back to free balance.
func (l *Ledger) Unreserve(acc string, amount uint64) error {
	l.mux.Lock()
	defer l.mux.Unlock()
	a := l.account(acc)
	if a.reserved < amount {
		return ledger.ErrInsufficientReserved
	}
	a.reserved -= amount
	a.free += amount
	return nil
}

// Transfer moves free currency between accounts.
func (l *Ledger) Transfer(from, to string, amount uint64) error {
	l.mux.Lock()
	defer l.mux.Unlock()
	src := l.account(from)
	dst := l.account(to)
	if src.free < amount {
		return ledger.ErrInsufficientFunds
	}
	if math.MaxUint64-amount < dst.free {
		return ledger.ErrValueOverflow
	}
	src.free -= amount
	dst.free += amount
	return nil
}

// ReservedTransfer settles reserved currency of one account directly
// in to the free balance of another.
func (l *Ledger) ReservedTransfer(from, to string, amount uint64) error {
	l.mux.Lock()
	defer l.mux.Unlock()
	src := l.account(from)
	dst := l.account(to)
	if src.reserved < amount {
		return ledger.ErrInsufficientReserved
	}
	if math.MaxUint64-amount < dst.free {
		return ledger.ErrValueOverflow
	}
	src.reserved -= amount
	dst.free += amount
	return nil
}

// ActivateTokens moves the amount of tokens from latent to active state.
func (l *Ledger) ActivateTokens(acc string, amount uint64) error {
	l.mux.Lock()
	defer l.mux.Unlock()
	a := l.account(acc)
	if a.latent < amount {
		return ledger.ErrInsufficientTokens
	}
	a.latent -= amount
	a.active += amount
	return nil
}

// BurnTokens destroys active tokens.
func (l *Ledger) BurnTokens(acc string, amount uint64) error {
	l.mux.Lock()
	defer l.mux.Unlock()
	a := l.account(acc)
	if a.active < amount {
		return ledger.ErrInsufficientTokens
	}
	a.active -= amount
	return nil
}

// TransferTokens moves active tokens between accounts.
func (l *Ledger) TransferTokens(from, to string, amount uint64) error {
	l.mux.Lock()
	defer l.mux.Unlock()
	src := l.account(from)
	dst := l.account(to)
	if src.active < amount {
		return ledger.ErrInsufficientTokens
	}
	if math.MaxUint64-amount < dst.active {
		return ledger.ErrValueOverflow
	}
	src.active -= amount
	dst.active += amount
	return nil
}

// LockTokens moves active tokens to the locked state.
func (l *Ledger) LockTokens(acc string, amount uint64) error {
	l.mux.Lock()
	defer l.mux.Unlock()
	a := l.account(acc)
	if a.active < amount {
		return ledger.ErrInsufficientTokens
	}
	a.active -= amount
	a.locked += amount
	return nil
}

// UnlockTokens releases locked tokens back to the active state.
func (l *Ledger) UnlockTokens(acc string, amount uint64) error {
	l.mux.Lock()
	defer l.mux.Unlock()
	a := l.account(acc)
	if a.locked < amount {
		return ledger.ErrInsufficientTokens
	}
	a.locked -= amount
	a.active += amount
	return nil
}

// ActiveBalance returns the active token balance of the account.
func (l *Ledger) ActiveBalance(acc string) uint64 {
	l.mux.RLock()
	defer l.mux.RUnlock()
	if a, ok := l.accounts[acc]; ok {
		return a.active
	}
	return 0
}

// LatentBalance returns the latent token balance of the account.
func (l *Ledger) LatentBalance(acc string) uint64 {
	l.mux.RLock()
	defer l.mux.RUnlock()
	if a, ok := l.accounts[acc]; ok {
		return a.latent
	}
	return 0
}

// LockedBalance returns the locked token balance of the account.
func (l *Ledger) LockedBalance(acc string) uint64 {
	l.mux.RLock()
	defer l.mux.RUnlock()
	if a, ok := l.accounts[acc]; ok {
		return a.locked
	}
	return 0
}

func (l *Ledger) account(acc string) *account {
	a, ok := l.accounts[acc]
	if !ok {
		a = &account{}
		l.accounts[acc] = a
	}
	return a
}
