package actor

import (
	"errors"
	"sync"
)

var ErrActorAlreadyRegistered = errors.New("actor already registered with a different type")

// Type is the role an account plays in the ecosystem.
// An account keeps the same Type for its whole lifetime.
type Type uint8

const (
	TypeConsumer Type = iota + 1
	TypeMerchant
	TypeSupplier
	TypeSponsor
	TypeNGO
	TypePublicEntity
	TypeInvestor
)

// String returns human readable representation of the Type.
func (t Type) String() string {
	switch t {
	case TypeConsumer:
		return "consumer"
	case TypeMerchant:
		return "merchant"
	case TypeSupplier:
		return "supplier"
	case TypeSponsor:
		return "sponsor"
	case TypeNGO:
		return "ngo"
	case TypePublicEntity:
		return "public_entity"
	case TypeInvestor:
		return "investor"
	default:
		return "unknown"
	}
}

// Registry maps account addresses to their registered Type.
// The registry is append only, accounts are never removed.
type Registry struct {
	mux    sync.RWMutex
	actors map[string]Type
}

// NewRegistry creates a new empty Registry.
func NewRegistry() *Registry {
	return &Registry{actors: make(map[string]Type)}
}

// Register registers the account with the given type.
// Registering an already registered account with the same type is a no-op success,
// registering it with a different type fails with ErrActorAlreadyRegistered.
func (r *Registry) Register(account string, t Type) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	existing, ok := r.actors[account]
	if ok {
		if existing != t {
			return ErrActorAlreadyRegistered
		}
		return nil
	}
	r.actors[account] = t
	return nil
}

// TypeOf returns the registered type of the account.
// An unregistered account is eligible for nothing.
func (r *Registry) TypeOf(account string) (Type, bool) {
	r.mux.RLock()
	defer r.mux.RUnlock()
	t, ok := r.actors[account]
	return t, ok
}

// Count returns the number of accounts registered with the given type.
func (r *Registry) Count(t Type) int {
	r.mux.RLock()
	defer r.mux.RUnlock()
	var n int
	for _, reg := range r.actors {
		if reg == t {
			n++
		}
	}
	return n
}
