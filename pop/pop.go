package pop

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/etikalabs/etika/actor"
	"github.com/etikalabs/etika/clock"
	"github.com/etikalabs/etika/ledger"
	"github.com/etikalabs/etika/logger"
	"github.com/etikalabs/etika/reactive"
)

const (
	minValidatorsFloor   = 2
	maxValidatorsCeiling = 100
	minLifetimeBlocks    = 1
	maxSavingsRate       = 100
)

const expiryReason = "transaction expired"

var (
	ErrConfig                = errors.New("configuration is invalid")
	ErrUnauthorized          = errors.New("caller is not a party of the transaction")
	ErrUnauthorizedValidator = errors.New("validator is not a party of the transaction")
	ErrIncompatibleActorType = errors.New("actor type does not match the transaction role")
	ErrDuplicateActors       = errors.New("transaction parties contain duplicated actors")
	ErrTooManyValidators     = errors.New("required validators count is out of allowed bounds")
	ErrInvalidAmount         = errors.New("amount is invalid")
	ErrInvalidTokens         = errors.New("tokens exchanged value is invalid")
	ErrTransactionNotFound   = errors.New("transaction not found")
	ErrAlreadyValidated      = errors.New("transaction already validated by the caller")
)

// EventKind describes the domain event kind published by the Consensus.
type EventKind uint8

const (
	EventCreated EventKind = iota + 1
	EventValidated
	EventTokensActivated
	EventSavingsGenerated
	EventFinalized
	EventFailed
)

// Event is a domain event published on every transaction state change.
type Event struct {
	Kind   EventKind
	Trx    Transaction
	Signer string
	Reason string
}

// Signature is a single party attestation within a transaction.
type Signature struct {
	Signer string `msgpack:"signer"`
	Proof  []byte `msgpack:"proof"`
}

// Transaction is a proof of purchase requiring sign-off from all its parties.
type Transaction struct {
	ID               [32]byte    `msgpack:"id"`
	Consumer         string      `msgpack:"consumer"`
	Merchant         string      `msgpack:"merchant"`
	Suppliers        []string    `msgpack:"suppliers"`
	StandardAmount   uint64      `msgpack:"standard_amount"`
	TokensExchanged  uint64      `msgpack:"tokens_exchanged"`
	SavingsGenerated uint64      `msgpack:"savings_generated"`
	ReceiptHash      [32]byte    `msgpack:"receipt_hash"`
	CreatedAt        uint64      `msgpack:"created_at"`
	Signatures       []Signature `msgpack:"signatures"`
}

// RequiredSigners returns the number of signatures needed to finalize the transaction.
func (t *Transaction) RequiredSigners() int {
	return len(t.Suppliers) + 2
}

func (t *Transaction) isParty(account string) bool {
	if account == t.Consumer || account == t.Merchant {
		return true
	}
	for _, s := range t.Suppliers {
		if s == account {
			return true
		}
	}
	return false
}

func (t *Transaction) hasSigned(account string) bool {
	for _, sig := range t.Signatures {
		if sig.Signer == account {
			return true
		}
	}
	return false
}

type record struct {
	trx             Transaction
	tokensActivated bool
	savingsCredited bool
}

// Config holds the consensus configuration.
type Config struct {
	MinValidators      int    `yaml:"min_validators"`
	MaxValidators      int    `yaml:"max_validators"`
	LifetimeBlocks     uint64 `yaml:"lifetime_blocks"`
	SavingsRatePercent uint64 `yaml:"savings_rate_percent"`
	SavingsPoolAccount string `yaml:"savings_pool_account"`
}

// Validate validates the Config fields.
func (c Config) Validate() error {
	if c.MinValidators < minValidatorsFloor {
		return fmt.Errorf("%w, min_validators shall not be smaller than %v", ErrConfig, minValidatorsFloor)
	}
	if c.MaxValidators > maxValidatorsCeiling || c.MaxValidators < c.MinValidators {
		return fmt.Errorf("%w, max_validators shall be in range [%v, %v]", ErrConfig, c.MinValidators, maxValidatorsCeiling)
	}
	if c.LifetimeBlocks < minLifetimeBlocks {
		return fmt.Errorf("%w, lifetime_blocks shall not be smaller than %v", ErrConfig, minLifetimeBlocks)
	}
	if c.SavingsRatePercent > maxSavingsRate {
		return fmt.Errorf("%w, savings_rate_percent shall not be greater than %v", ErrConfig, maxSavingsRate)
	}
	if c.SavingsPoolAccount == "" {
		return fmt.Errorf("%w, savings_pool_account shall not be empty", ErrConfig)
	}
	return nil
}

type roleChecker interface {
	TypeOf(account string) (actor.Type, bool)
}

type tokenActivator interface {
	ActivateTokens(account string, amount uint64) error
}

type savingsPayer interface {
	Transfer(from, to string, amount uint64) error
}

// Consensus is the proof of purchase validation state machine.
// A transaction is created Pending with the creator signature, collects one
// signature per party and finalizes in to the Validated set once the required
// signer count is reached. Pending transactions not finalized within the
// configured lifetime are swept in to the Expired set.
type Consensus struct {
	mux       sync.RWMutex
	cfg       Config
	clk       clock.Clock
	actors    roleChecker
	tokens    tokenActivator
	currency  savingsPayer
	log       logger.Logger
	events    *reactive.Observable[Event]
	pending   map[[32]byte]*record
	validated map[[32]byte]Transaction
	expired   map[[32]byte]Transaction
	counter   uint64
}

// New creates a new Consensus based on the provided Config or returns an error otherwise.
func New(cfg Config, clk clock.Clock, actors roleChecker, tokens tokenActivator, currency savingsPayer, log logger.Logger) (*Consensus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Consensus{
		cfg:       cfg,
		clk:       clk,
		actors:    actors,
		tokens:    tokens,
		currency:  currency,
		log:       log,
		events:    reactive.New[Event](100),
		pending:   make(map[[32]byte]*record),
		validated: make(map[[32]byte]Transaction),
		expired:   make(map[[32]byte]Transaction),
	}, nil
}

// Events returns the observable publishing the consensus domain events.
func (c *Consensus) Events() *reactive.Observable[Event] {
	return c.events
}

// Create creates a new pending transaction signed by its creator.
// The caller must be the consumer or the merchant of the purchase.
func (c *Consensus) Create(
	caller, consumer, merchant string, suppliers []string,
	amount, tokens uint64, receiptHash [32]byte, proof []byte,
) ([32]byte, error) {
	var id [32]byte
	if caller != consumer && caller != merchant {
		return id, ErrUnauthorized
	}
	if amount == 0 {
		return id, ErrInvalidAmount
	}
	if tokens == 0 || tokens > amount {
		return id, ErrInvalidTokens
	}
	if hasDuplicates(consumer, merchant, suppliers) {
		return id, ErrDuplicateActors
	}
	required := len(suppliers) + 2
	if required < c.cfg.MinValidators || required > c.cfg.MaxValidators {
		return id, ErrTooManyValidators
	}
	if err := c.checkRole(consumer, actor.TypeConsumer); err != nil {
		return id, err
	}
	if err := c.checkRole(merchant, actor.TypeMerchant); err != nil {
		return id, err
	}
	for _, s := range suppliers {
		if err := c.checkRole(s, actor.TypeSupplier); err != nil {
			return id, err
		}
	}

	scaled, err := ledger.SafeMul(c.cfg.SavingsRatePercent, amount)
	if err != nil {
		return id, err
	}
	savings := scaled / 100

	c.mux.Lock()
	defer c.mux.Unlock()

	now := c.clk.Current()
	c.counter++
	id = transactionID(consumer, merchant, amount, now, c.counter)

	trx := Transaction{
		ID:               id,
		Consumer:         consumer,
		Merchant:         merchant,
		Suppliers:        append([]string{}, suppliers...),
		StandardAmount:   amount,
		TokensExchanged:  tokens,
		SavingsGenerated: savings,
		ReceiptHash:      receiptHash,
		CreatedAt:        now,
		Signatures:       []Signature{{Signer: caller, Proof: proof}},
	}
	c.pending[id] = &record{trx: trx}
	c.events.Publish(Event{Kind: EventCreated, Trx: trx, Signer: caller})

	return id, nil
}

// Validate appends the caller signature to the pending transaction.
// When the signature pushes the signer count over the requirement the
// transaction finalizes synchronously within this call.
func (c *Consensus) Validate(caller string, id [32]byte, proof []byte) error {
	c.mux.Lock()
	defer c.mux.Unlock()

	rec, ok := c.pending[id]
	if !ok {
		return ErrTransactionNotFound
	}
	if !rec.trx.isParty(caller) {
		return ErrUnauthorizedValidator
	}
	if rec.trx.hasSigned(caller) {
		return ErrAlreadyValidated
	}

	rec.trx.Signatures = append(rec.trx.Signatures, Signature{Signer: caller, Proof: proof})
	c.events.Publish(Event{Kind: EventValidated, Trx: rec.trx, Signer: caller})

	if len(rec.trx.Signatures) >= rec.trx.RequiredSigners() {
		c.finalize(rec)
	}
	return nil
}

// Pending returns the pending transaction of the given id.
func (c *Consensus) Pending(id [32]byte) (Transaction, bool) {
	c.mux.RLock()
	defer c.mux.RUnlock()
	rec, ok := c.pending[id]
	if !ok {
		return Transaction{}, false
	}
	return rec.trx, true
}

// Validated returns the validated transaction of the given id.
func (c *Consensus) Validated(id [32]byte) (Transaction, bool) {
	c.mux.RLock()
	defer c.mux.RUnlock()
	trx, ok := c.validated[id]
	return trx, ok
}

// Expired returns the expired transaction of the given id.
func (c *Consensus) Expired(id [32]byte) (Transaction, bool) {
	c.mux.RLock()
	defer c.mux.RUnlock()
	trx, ok := c.expired[id]
	return trx, ok
}

// ValidatedCount returns the total number of validated transactions.
func (c *Consensus) ValidatedCount() int {
	c.mux.RLock()
	defer c.mux.RUnlock()
	return len(c.validated)
}

// Sweep runs the per block maintenance: it retries finalization of fully
// signed pending transactions whose ledger side effects failed earlier and
// expires transactions older than the configured lifetime. A fully signed
// record gets one more finalization attempt at the expiry boundary, when the
// ledger still refuses it the record expires like any other.
// Sweep runs before any operation of the same block tick is admitted.
func (c *Consensus) Sweep() {
	c.mux.Lock()
	defer c.mux.Unlock()

	now := c.clk.Current()
	for id, rec := range c.pending {
		if len(rec.trx.Signatures) >= rec.trx.RequiredSigners() {
			c.finalize(rec)
			if _, still := c.pending[id]; !still {
				continue
			}
		}
		if now-rec.trx.CreatedAt >= c.cfg.LifetimeBlocks {
			delete(c.pending, id)
			c.expired[id] = rec.trx
			if rec.tokensActivated || rec.savingsCredited {
				c.log.Warn(fmt.Sprintf("pop transaction [ %x ] expired after partial settlement", id))
			}
			c.events.Publish(Event{Kind: EventFailed, Trx: rec.trx, Reason: expiryReason})
		}
	}
}

// finalize applies the ledger side effects and moves the transaction to the
// Validated set. Each side effect runs at most once. On a ledger failure the
// transaction stays pending with its signatures and the next Sweep retries.
func (c *Consensus) finalize(rec *record) {
	if !rec.tokensActivated {
		if err := c.tokens.ActivateTokens(rec.trx.Consumer, rec.trx.TokensExchanged); err != nil {
			c.log.Error(fmt.Sprintf("pop token activation failed for [ %x ]: %s", rec.trx.ID, err))
			return
		}
		rec.tokensActivated = true
		c.events.Publish(Event{Kind: EventTokensActivated, Trx: rec.trx})
	}
	if !rec.savingsCredited {
		if err := c.currency.Transfer(c.cfg.SavingsPoolAccount, rec.trx.Consumer, rec.trx.SavingsGenerated); err != nil {
			c.log.Error(fmt.Sprintf("pop savings credit failed for [ %x ]: %s", rec.trx.ID, err))
			return
		}
		rec.savingsCredited = true
		c.events.Publish(Event{Kind: EventSavingsGenerated, Trx: rec.trx})
	}

	delete(c.pending, rec.trx.ID)
	c.validated[rec.trx.ID] = rec.trx
	c.events.Publish(Event{Kind: EventFinalized, Trx: rec.trx})
}

func (c *Consensus) checkRole(account string, want actor.Type) error {
	t, ok := c.actors.TypeOf(account)
	if !ok || t != want {
		return fmt.Errorf("%w, account [ %s ] is not a registered %s", ErrIncompatibleActorType, account, want)
	}
	return nil
}

func hasDuplicates(consumer, merchant string, suppliers []string) bool {
	seen := map[string]struct{}{consumer: {}}
	if _, ok := seen[merchant]; ok {
		return true
	}
	seen[merchant] = struct{}{}
	for _, s := range suppliers {
		if _, ok := seen[s]; ok {
			return true
		}
		seen[s] = struct{}{}
	}
	return false
}

func transactionID(consumer, merchant string, amount, timestamp, counter uint64) [32]byte {
	data := make([]byte, 0, len(consumer)+len(merchant)+24)
	data = append(data, []byte(consumer)...)
	data = append(data, []byte(merchant)...)
	data = binary.LittleEndian.AppendUint64(data, amount)
	data = binary.LittleEndian.AppendUint64(data, timestamp)
	data = binary.LittleEndian.AppendUint64(data, counter)
	return sha256.Sum256(data)
}
