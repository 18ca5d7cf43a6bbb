package factoring

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/exp/maps"

	"github.com/etikalabs/etika/actor"
	"github.com/etikalabs/etika/clock"
	"github.com/etikalabs/etika/ledger"
	"github.com/etikalabs/etika/logger"
	"github.com/etikalabs/etika/reactive"
)

const (
	minImmediatePercentFloor = 1
	maxImmediatePercent      = 100
	maxInterestRateCeiling   = 10000
	paymentHistoryCap        = 20
)

var (
	ErrConfig                  = errors.New("configuration is invalid")
	ErrUnauthorized            = errors.New("caller is not a party of the relationship")
	ErrIncompatibleActorType   = errors.New("actor type does not match the relationship role")
	ErrSameActor               = errors.New("merchant and supplier cannot be the same account")
	ErrRelationshipExists      = errors.New("relationship already exists for the pair")
	ErrRelationshipNotFound    = errors.New("relationship not found")
	ErrIncompatibleStatus      = errors.New("operation is incompatible with the relationship status")
	ErrInvalidConditions       = errors.New("factoring conditions are out of allowed bounds")
	ErrAmountTooSmall          = errors.New("amount is below the factoring minimum")
	ErrInvalidAmount           = errors.New("amount is invalid")
	ErrInsufficientLiquidity   = errors.New("liquidity pool cannot cover the payment")
	ErrPaymentAlreadyProcessed = errors.New("payment for the transaction is already processed")
)

// Status is the lifecycle state of a commercial relationship.
type Status uint8

const (
	StatusPending Status = iota + 1
	StatusActive
	StatusSuspended
	StatusTerminated
)

// String returns human readable representation of the Status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusActive:
		return "active"
	case StatusSuspended:
		return "suspended"
	case StatusTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Conditions are the agreed factoring terms of a relationship.
// InterestRate is expressed in hundredths of a percent.
type Conditions struct {
	ImmediatePaymentPercent uint64 `msgpack:"immediate_payment_percent"`
	RemainingPaymentDelay   uint64 `msgpack:"remaining_payment_delay"`
	InterestRate            uint64 `msgpack:"interest_rate"`
}

// Relationship is the commercial agreement between a merchant and a supplier.
type Relationship struct {
	Merchant   string     `msgpack:"merchant"`
	Supplier   string     `msgpack:"supplier"`
	Category   string     `msgpack:"category"`
	Conditions Conditions `msgpack:"conditions"`
	CreatedAt  uint64     `msgpack:"created_at"`
	Status     Status     `msgpack:"status"`
}

func (r *Relationship) isParty(account string) bool {
	return account == r.Merchant || account == r.Supplier
}

// PendingPayment is the delayed portion of a factoring payment.
type PendingPayment struct {
	Remaining uint64 `msgpack:"remaining"`
	DueAt     uint64 `msgpack:"due_at"`
}

// HistoryEntry records one processed immediate payment of a pair.
type HistoryEntry struct {
	Trx    [32]byte `msgpack:"trx"`
	Amount uint64   `msgpack:"amount"`
	PaidAt uint64   `msgpack:"paid_at"`
}

// Stats aggregates the engine wide factoring counters.
type Stats struct {
	TotalPayments          uint64
	TotalProcessed         uint64
	TotalInterestGenerated uint64
}

// EventKind describes the domain event kind published by the Engine.
type EventKind uint8

const (
	EventRelationshipRegistered EventKind = iota + 1
	EventRelationshipConfirmed
	EventConditionsUpdated
	EventRelationshipSuspended
	EventRelationshipReactivated
	EventRelationshipTerminated
	EventImmediatePaymentProcessed
	EventRemainingPaymentScheduled
	EventRemainingPaymentProcessed
	EventPaymentDefault
	EventLiquidityAdded
	EventLiquidityWithdrawn
)

// Event is a domain event published on factoring state changes.
type Event struct {
	Kind     EventKind
	Merchant string
	Supplier string
	Trx      [32]byte
	Amount   uint64
	Interest uint64
	DueAt    uint64
}

// Config holds the factoring engine configuration.
type Config struct {
	MinImmediatePaymentPercent uint64 `yaml:"min_immediate_payment_percent"`
	MaxInterestRate            uint64 `yaml:"max_interest_rate"`
	MinFactoringAmount         uint64 `yaml:"min_factoring_amount"`
	PoolAccount                string `yaml:"pool_account"`
	Authority                  string `yaml:"authority"`
}

// Validate validates the Config fields.
func (c Config) Validate() error {
	if c.MinImmediatePaymentPercent < minImmediatePercentFloor || c.MinImmediatePaymentPercent > maxImmediatePercent {
		return fmt.Errorf("%w, min_immediate_payment_percent shall be in range [%v, %v]", ErrConfig, minImmediatePercentFloor, maxImmediatePercent)
	}
	if c.MaxInterestRate > maxInterestRateCeiling {
		return fmt.Errorf("%w, max_interest_rate shall not be greater than %v", ErrConfig, maxInterestRateCeiling)
	}
	if c.MinFactoringAmount == 0 {
		return fmt.Errorf("%w, min_factoring_amount shall be positive", ErrConfig)
	}
	if c.PoolAccount == "" || c.Authority == "" {
		return fmt.Errorf("%w, pool_account and authority shall not be empty", ErrConfig)
	}
	return nil
}

type roleChecker interface {
	TypeOf(account string) (actor.Type, bool)
}

type currency interface {
	FreeBalance(account string) uint64
	Transfer(from, to string, amount uint64) error
}

type pairKey struct {
	merchant string
	supplier string
}

type paymentKey struct {
	merchant string
	supplier string
	trx      [32]byte
}

// Engine is the commercial relationship registry and factoring payment scheduler.
// All payouts draw from one pooled liquidity account, there is no per
// relationship earmarking.
type Engine struct {
	mux           sync.RWMutex
	cfg           Config
	clk           clock.Clock
	actors        roleChecker
	currency      currency
	log           logger.Logger
	events        *reactive.Observable[Event]
	relationships map[pairKey]*Relationship
	byMerchant    map[string]map[string]struct{}
	bySupplier    map[string]map[string]struct{}
	payments      map[paymentKey]PendingPayment
	history       map[pairKey][]HistoryEntry
	stats         Stats
}

// NewEngine creates a new factoring Engine based on the provided Config or returns an error otherwise.
func NewEngine(cfg Config, clk clock.Clock, actors roleChecker, c currency, log logger.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		cfg:           cfg,
		clk:           clk,
		actors:        actors,
		currency:      c,
		log:           log,
		events:        reactive.New[Event](100),
		relationships: make(map[pairKey]*Relationship),
		byMerchant:    make(map[string]map[string]struct{}),
		bySupplier:    make(map[string]map[string]struct{}),
		payments:      make(map[paymentKey]PendingPayment),
		history:       make(map[pairKey][]HistoryEntry),
	}, nil
}

// Events returns the observable publishing the factoring domain events.
func (e *Engine) Events() *reactive.Observable[Event] {
	return e.events
}

// RegisterRelationship creates a pending relationship between merchant and supplier.
// The caller must be one of the two parties.
func (e *Engine) RegisterRelationship(caller, merchant, supplier, category string, cond Conditions) error {
	if caller != merchant && caller != supplier {
		return ErrUnauthorized
	}
	if merchant == supplier {
		return ErrSameActor
	}
	if t, ok := e.actors.TypeOf(merchant); !ok || t != actor.TypeMerchant {
		return fmt.Errorf("%w, account [ %s ] is not a registered merchant", ErrIncompatibleActorType, merchant)
	}
	if t, ok := e.actors.TypeOf(supplier); !ok || t != actor.TypeSupplier {
		return fmt.Errorf("%w, account [ %s ] is not a registered supplier", ErrIncompatibleActorType, supplier)
	}
	if cond.ImmediatePaymentPercent < e.cfg.MinImmediatePaymentPercent || cond.ImmediatePaymentPercent > maxImmediatePercent {
		return ErrInvalidConditions
	}
	if cond.InterestRate > e.cfg.MaxInterestRate {
		return ErrInvalidConditions
	}

	e.mux.Lock()
	defer e.mux.Unlock()

	key := pairKey{merchant: merchant, supplier: supplier}
	if _, ok := e.relationships[key]; ok {
		return ErrRelationshipExists
	}
	e.relationships[key] = &Relationship{
		Merchant:   merchant,
		Supplier:   supplier,
		Category:   category,
		Conditions: cond,
		CreatedAt:  e.clk.Current(),
		Status:     StatusPending,
	}
	e.index(e.byMerchant, merchant, supplier)
	e.index(e.bySupplier, supplier, merchant)
	e.events.Publish(Event{Kind: EventRelationshipRegistered, Merchant: merchant, Supplier: supplier})
	return nil
}

// ConfirmRelationship moves a pending relationship to active.
func (e *Engine) ConfirmRelationship(caller, merchant, supplier string) error {
	return e.transition(caller, merchant, supplier, StatusActive, EventRelationshipConfirmed, StatusPending)
}

// UpdateConditions replaces the factoring conditions of an active relationship.
func (e *Engine) UpdateConditions(caller, merchant, supplier string, cond Conditions) error {
	if cond.ImmediatePaymentPercent < e.cfg.MinImmediatePaymentPercent || cond.ImmediatePaymentPercent > maxImmediatePercent {
		return ErrInvalidConditions
	}
	if cond.InterestRate > e.cfg.MaxInterestRate {
		return ErrInvalidConditions
	}

	e.mux.Lock()
	defer e.mux.Unlock()

	rel, err := e.relationship(caller, merchant, supplier)
	if err != nil {
		return err
	}
	if rel.Status != StatusActive {
		return ErrIncompatibleStatus
	}
	rel.Conditions = cond
	e.events.Publish(Event{Kind: EventConditionsUpdated, Merchant: merchant, Supplier: supplier})
	return nil
}

// Suspend moves an active relationship to suspended.
func (e *Engine) Suspend(caller, merchant, supplier string) error {
	return e.transition(caller, merchant, supplier, StatusSuspended, EventRelationshipSuspended, StatusActive)
}

// Reactivate moves a suspended relationship back to active.
func (e *Engine) Reactivate(caller, merchant, supplier string) error {
	return e.transition(caller, merchant, supplier, StatusActive, EventRelationshipReactivated, StatusSuspended)
}

// Terminate moves the relationship to the absorbing terminated status.
func (e *Engine) Terminate(caller, merchant, supplier string) error {
	return e.transition(caller, merchant, supplier, StatusTerminated, EventRelationshipTerminated,
		StatusPending, StatusActive, StatusSuspended)
}

// ProcessPayment settles the immediate portion of a factoring payment from
// the liquidity pool and schedules the remaining portion.
func (e *Engine) ProcessPayment(trx [32]byte, merchant, supplier string, amount uint64) error {
	if amount < e.cfg.MinFactoringAmount {
		return ErrAmountTooSmall
	}

	e.mux.Lock()
	defer e.mux.Unlock()

	rel, ok := e.relationships[pairKey{merchant: merchant, supplier: supplier}]
	if !ok {
		return ErrRelationshipNotFound
	}
	if rel.Status != StatusActive {
		return ErrIncompatibleStatus
	}
	key := paymentKey{merchant: merchant, supplier: supplier, trx: trx}
	if _, ok := e.payments[key]; ok {
		return ErrPaymentAlreadyProcessed
	}

	scaled, err := ledger.SafeMul(rel.Conditions.ImmediatePaymentPercent, amount)
	if err != nil {
		return err
	}
	// The interest settled at maturity scales the remaining part by at most
	// the ceiling rate, checking that headroom here keeps the sweep in range.
	if _, err := ledger.SafeMul(maxInterestRateCeiling, amount); err != nil {
		return err
	}
	immediate := scaled / 100
	if e.currency.FreeBalance(e.cfg.PoolAccount) < immediate {
		return ErrInsufficientLiquidity
	}
	if err := e.currency.Transfer(e.cfg.PoolAccount, supplier, immediate); err != nil {
		return err
	}

	remaining := amount - immediate
	dueAt := e.clk.Current() + rel.Conditions.RemainingPaymentDelay
	e.payments[key] = PendingPayment{Remaining: remaining, DueAt: dueAt}
	e.stats.TotalPayments++

	pair := pairKey{merchant: merchant, supplier: supplier}
	entries := append(e.history[pair], HistoryEntry{Trx: trx, Amount: amount, PaidAt: e.clk.Current()})
	if len(entries) > paymentHistoryCap {
		entries = entries[len(entries)-paymentHistoryCap:]
	}
	e.history[pair] = entries

	e.events.Publish(Event{Kind: EventImmediatePaymentProcessed, Merchant: merchant, Supplier: supplier, Trx: trx, Amount: immediate})
	e.events.Publish(Event{Kind: EventRemainingPaymentScheduled, Merchant: merchant, Supplier: supplier, Trx: trx, Amount: remaining, DueAt: dueAt})
	return nil
}

// Sweep settles every pending payment whose due block has arrived.
// A payment the pool cannot cover suspends the relationship and is cleared
// without retry, a default is an event for external observers, never a caller error.
func (e *Engine) Sweep() {
	e.mux.Lock()
	defer e.mux.Unlock()

	now := e.clk.Current()
	for key, payment := range e.payments {
		if payment.DueAt > now {
			continue
		}
		delete(e.payments, key)

		rel, ok := e.relationships[pairKey{merchant: key.merchant, supplier: key.supplier}]
		if !ok {
			e.log.Warn(fmt.Sprintf("factoring payment [ %x ] has no relationship [ %s / %s ]", key.trx, key.merchant, key.supplier))
			continue
		}

		if e.currency.FreeBalance(e.cfg.PoolAccount) < payment.Remaining {
			rel.Status = StatusSuspended
			e.events.Publish(Event{Kind: EventPaymentDefault, Merchant: key.merchant, Supplier: key.supplier, Trx: key.trx, Amount: payment.Remaining})
			continue
		}
		if err := e.currency.Transfer(e.cfg.PoolAccount, key.supplier, payment.Remaining); err != nil {
			rel.Status = StatusSuspended
			e.events.Publish(Event{Kind: EventPaymentDefault, Merchant: key.merchant, Supplier: key.supplier, Trx: key.trx, Amount: payment.Remaining})
			continue
		}

		interest := rel.Conditions.InterestRate * payment.Remaining / 10000
		e.stats.TotalInterestGenerated += interest
		e.stats.TotalProcessed++
		e.events.Publish(Event{
			Kind: EventRemainingPaymentProcessed, Merchant: key.merchant, Supplier: key.supplier,
			Trx: key.trx, Amount: payment.Remaining, Interest: interest,
		})
	}
}

// AddLiquidity transfers the amount from the caller in to the liquidity pool.
func (e *Engine) AddLiquidity(caller string, amount uint64) error {
	if amount == 0 {
		return ErrInvalidAmount
	}
	if err := e.currency.Transfer(caller, e.cfg.PoolAccount, amount); err != nil {
		return err
	}
	e.events.Publish(Event{Kind: EventLiquidityAdded, Amount: amount})
	return nil
}

// WithdrawLiquidity transfers the amount from the pool to the authority.
// Only the configured authority may withdraw.
func (e *Engine) WithdrawLiquidity(caller string, amount uint64) error {
	if caller != e.cfg.Authority {
		return ErrUnauthorized
	}
	if amount == 0 {
		return ErrInvalidAmount
	}
	if err := e.currency.Transfer(e.cfg.PoolAccount, caller, amount); err != nil {
		return err
	}
	e.events.Publish(Event{Kind: EventLiquidityWithdrawn, Amount: amount})
	return nil
}

// Liquidity returns the free balance of the liquidity pool.
func (e *Engine) Liquidity() uint64 {
	return e.currency.FreeBalance(e.cfg.PoolAccount)
}

// Relationship returns the relationship of the pair.
func (e *Engine) Relationship(merchant, supplier string) (Relationship, bool) {
	e.mux.RLock()
	defer e.mux.RUnlock()
	rel, ok := e.relationships[pairKey{merchant: merchant, supplier: supplier}]
	if !ok {
		return Relationship{}, false
	}
	return *rel, true
}

// SuppliersOf returns the suppliers having a relationship with the merchant.
func (e *Engine) SuppliersOf(merchant string) []string {
	e.mux.RLock()
	defer e.mux.RUnlock()
	return maps.Keys(e.byMerchant[merchant])
}

// MerchantsOf returns the merchants having a relationship with the supplier.
func (e *Engine) MerchantsOf(supplier string) []string {
	e.mux.RLock()
	defer e.mux.RUnlock()
	return maps.Keys(e.bySupplier[supplier])
}

// History returns the processed payment history of the pair, newest last.
func (e *Engine) History(merchant, supplier string) []HistoryEntry {
	e.mux.RLock()
	defer e.mux.RUnlock()
	entries := e.history[pairKey{merchant: merchant, supplier: supplier}]
	return append([]HistoryEntry{}, entries...)
}

// PendingPaymentOf returns the scheduled payment of the triple.
func (e *Engine) PendingPaymentOf(merchant, supplier string, trx [32]byte) (PendingPayment, bool) {
	e.mux.RLock()
	defer e.mux.RUnlock()
	p, ok := e.payments[paymentKey{merchant: merchant, supplier: supplier, trx: trx}]
	return p, ok
}

// Statistics returns a snapshot of the engine wide counters.
func (e *Engine) Statistics() Stats {
	e.mux.RLock()
	defer e.mux.RUnlock()
	return e.stats
}

func (e *Engine) transition(caller, merchant, supplier string, to Status, kind EventKind, from ...Status) error {
	e.mux.Lock()
	defer e.mux.Unlock()

	rel, err := e.relationship(caller, merchant, supplier)
	if err != nil {
		return err
	}
	var allowed bool
	for _, s := range from {
		if rel.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return ErrIncompatibleStatus
	}
	rel.Status = to
	e.events.Publish(Event{Kind: kind, Merchant: merchant, Supplier: supplier})
	return nil
}

func (e *Engine) relationship(caller, merchant, supplier string) (*Relationship, error) {
	rel, ok := e.relationships[pairKey{merchant: merchant, supplier: supplier}]
	if !ok {
		return nil, ErrRelationshipNotFound
	}
	if !rel.isParty(caller) {
		return nil, ErrUnauthorized
	}
	return rel, nil
}

func (e *Engine) index(m map[string]map[string]struct{}, key, value string) {
	set, ok := m[key]
	if !ok {
		set = make(map[string]struct{})
		m[key] = set
	}
	set[value] = struct{}{}
}
