package auction

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/etikalabs/etika/clock"
	"github.com/etikalabs/etika/ledger"
	"github.com/etikalabs/etika/logger"
	"github.com/etikalabs/etika/reactive"
)

var (
	ErrConfig                     = errors.New("configuration is invalid")
	ErrUnauthorized               = errors.New("caller is not allowed to perform the operation")
	ErrAuctionNotFound            = errors.New("auction not found")
	ErrAuctionAlreadyCompleted    = errors.New("auction is already completed")
	ErrAuctionExpired             = errors.New("auction bidding window is over")
	ErrAuctionNotYetEnded         = errors.New("auction bidding window is still open")
	ErrInvalidAuctionDuration     = errors.New("auction duration is out of allowed bounds")
	ErrInvalidPrice               = errors.New("starting price is invalid")
	ErrBidTooLow                  = errors.New("bid does not meet the minimum increment")
	ErrInsufficientFunds          = errors.New("bidder free balance cannot cover the reservation")
	ErrTooManyAuctions            = errors.New("concurrent auctions limit reached")
	ErrCategoryCooldownNotExpired = errors.New("category cooldown has not expired")
)

// Status is the lifecycle state of an auction.
type Status uint8

const (
	StatusActive Status = iota + 1
	StatusCompleted
	StatusFailed
	StatusCancelled
)

// String returns human readable representation of the Status.
func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Bid is a single entry of the auction bid history.
type Bid struct {
	Bidder   string `msgpack:"bidder"`
	Amount   uint64 `msgpack:"amount"`
	PlacedAt uint64 `msgpack:"placed_at"`
}

// Auction is a category sponsorship auction.
// Bids strictly increase by the configured minimum increment,
// the last bid of the history is the highest one.
type Auction struct {
	ID            [32]byte `msgpack:"id"`
	Category      string   `msgpack:"category"`
	StartingPrice uint64   `msgpack:"starting_price"`
	CreatedAt     uint64   `msgpack:"created_at"`
	EndsAt        uint64   `msgpack:"ends_at"`
	Status        Status   `msgpack:"status"`
	Bids          []Bid    `msgpack:"bids"`
	Reason        string   `msgpack:"reason"`
}

// EventKind describes the domain event kind published by the Engine.
type EventKind uint8

const (
	EventAuctionCreated EventKind = iota + 1
	EventBidPlaced
	EventAuctionCompleted
	EventAuctionFailed
	EventAuctionCancelled
)

// Event is a domain event published on auction state changes.
type Event struct {
	Kind     EventKind
	Auction  Auction
	Bidder   string
	Amount   uint64
	Sponsor  string
	Category string
}

// Config holds the auction engine configuration.
type Config struct {
	MinDuration            uint64 `yaml:"min_duration"`
	MaxDuration            uint64 `yaml:"max_duration"`
	MaxConcurrentAuctions  int    `yaml:"max_concurrent_auctions"`
	CategoryCooldown       uint64 `yaml:"category_cooldown"`
	MinBidIncrementPercent uint64 `yaml:"min_bid_increment_percent"`
	ReservationPercent     uint64 `yaml:"reservation_percent"`
	FundAccount            string `yaml:"fund_account"`
	Authority              string `yaml:"authority"`
}

// Validate validates the Config fields.
func (c Config) Validate() error {
	if c.MinDuration == 0 || c.MaxDuration < c.MinDuration {
		return fmt.Errorf("%w, durations shall satisfy 0 < min_duration <= max_duration", ErrConfig)
	}
	if c.MaxConcurrentAuctions < 1 {
		return fmt.Errorf("%w, max_concurrent_auctions shall be positive", ErrConfig)
	}
	if c.MinBidIncrementPercent == 0 || c.MinBidIncrementPercent > 100 {
		return fmt.Errorf("%w, min_bid_increment_percent shall be in range [1, 100]", ErrConfig)
	}
	if c.ReservationPercent == 0 || c.ReservationPercent > 100 {
		return fmt.Errorf("%w, reservation_percent shall be in range [1, 100]", ErrConfig)
	}
	if c.FundAccount == "" || c.Authority == "" {
		return fmt.Errorf("%w, fund_account and authority shall not be empty", ErrConfig)
	}
	return nil
}

type reservationKey struct {
	bidder  string
	auction [32]byte
}

// Engine runs the category sponsorship auctions.
// Each bid reserves a configured percentage of its amount, the reservation of
// the auction winner funds the ecosystem fund account on finalization.
type Engine struct {
	mux            sync.RWMutex
	cfg            Config
	clk            clock.Clock
	currency       ledger.Currency
	log            logger.Logger
	events         *reactive.Observable[Event]
	active         map[[32]byte]*Auction
	terminated     map[[32]byte]Auction
	reservations   map[reservationKey]uint64
	sponsors       map[string]string
	lastByCategory map[string]uint64
	totalFunds     uint64
	counter        uint64
}

// NewEngine creates a new auction Engine based on the provided Config or returns an error otherwise.
func NewEngine(cfg Config, clk clock.Clock, currency ledger.Currency, log logger.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		cfg:            cfg,
		clk:            clk,
		currency:       currency,
		log:            log,
		events:         reactive.New[Event](100),
		active:         make(map[[32]byte]*Auction),
		terminated:     make(map[[32]byte]Auction),
		reservations:   make(map[reservationKey]uint64),
		sponsors:       make(map[string]string),
		lastByCategory: make(map[string]uint64),
	}, nil
}

// Events returns the observable publishing the auction domain events.
func (e *Engine) Events() *reactive.Observable[Event] {
	return e.events
}

// Create opens a new auction for the category.
func (e *Engine) Create(category string, startingPrice, duration uint64) ([32]byte, error) {
	var id [32]byte
	if duration < e.cfg.MinDuration || duration > e.cfg.MaxDuration {
		return id, ErrInvalidAuctionDuration
	}
	if startingPrice == 0 {
		return id, ErrInvalidPrice
	}

	e.mux.Lock()
	defer e.mux.Unlock()

	if len(e.active) >= e.cfg.MaxConcurrentAuctions {
		return id, ErrTooManyAuctions
	}
	now := e.clk.Current()
	if last, ok := e.lastByCategory[category]; ok && now-last < e.cfg.CategoryCooldown {
		return id, ErrCategoryCooldownNotExpired
	}

	e.counter++
	id = auctionID(category, startingPrice, now, e.counter)
	a := &Auction{
		ID:            id,
		Category:      category,
		StartingPrice: startingPrice,
		CreatedAt:     now,
		EndsAt:        now + duration,
		Status:        StatusActive,
	}
	e.active[id] = a
	e.events.Publish(Event{Kind: EventAuctionCreated, Auction: *a, Category: category})
	return id, nil
}

// Bid places a bid on the active auction.
// A bidder holds at most one live reservation per auction, a superseding bid
// releases the previous reservation before taking the new one.
func (e *Engine) Bid(bidder string, id [32]byte, amount uint64) error {
	e.mux.Lock()
	defer e.mux.Unlock()

	a, ok := e.active[id]
	if !ok {
		return ErrAuctionNotFound
	}
	now := e.clk.Current()
	if now > a.EndsAt {
		return ErrAuctionExpired
	}

	minimum := a.StartingPrice
	if len(a.Bids) > 0 {
		last := a.Bids[len(a.Bids)-1].Amount
		scaled, err := ledger.SafeMul(last, 100+e.cfg.MinBidIncrementPercent)
		if err != nil {
			return err
		}
		minimum = scaled / 100
	}
	if amount < minimum {
		return fmt.Errorf("%w, minimum accepted bid is %v", ErrBidTooLow, minimum)
	}

	scaled, err := ledger.SafeMul(e.cfg.ReservationPercent, amount)
	if err != nil {
		return err
	}
	reservation := scaled / 100

	// Affordability is checked before the prior reservation is touched so a
	// rejected superseding bid leaves the standing bid fully reserved.
	key := reservationKey{bidder: bidder, auction: id}
	prior := e.reservations[key]
	if reservation > prior && e.currency.FreeBalance(bidder) < reservation-prior {
		return ErrInsufficientFunds
	}
	if prior > 0 {
		if err := e.currency.Unreserve(bidder, prior); err != nil {
			return err
		}
		delete(e.reservations, key)
	}
	if err := e.currency.Reserve(bidder, reservation); err != nil {
		return err
	}
	e.reservations[key] = reservation

	a.Bids = append(a.Bids, Bid{Bidder: bidder, Amount: amount, PlacedAt: now})
	e.events.Publish(Event{Kind: EventBidPlaced, Auction: *a, Bidder: bidder, Amount: amount})
	return nil
}

// Finalize closes an auction whose bidding window is over.
// With no bids the auction fails with no side effects. Otherwise the last
// bidder wins, its reservation funds the fund account, every other
// reservation is released and the winner becomes the category sponsor.
func (e *Engine) Finalize(id [32]byte) error {
	e.mux.Lock()
	defer e.mux.Unlock()

	a, ok := e.active[id]
	if !ok {
		if _, done := e.terminated[id]; done {
			return ErrAuctionAlreadyCompleted
		}
		return ErrAuctionNotFound
	}
	now := e.clk.Current()
	if now <= a.EndsAt {
		return ErrAuctionNotYetEnded
	}

	if len(a.Bids) == 0 {
		a.Status = StatusFailed
		e.retire(a)
		e.events.Publish(Event{Kind: EventAuctionFailed, Auction: *a, Category: a.Category})
		return nil
	}

	winner := a.Bids[len(a.Bids)-1].Bidder
	winnerKey := reservationKey{bidder: winner, auction: id}
	reserved := e.reservations[winnerKey]
	if err := e.currency.ReservedTransfer(winner, e.cfg.FundAccount, reserved); err != nil {
		return err
	}
	delete(e.reservations, winnerKey)
	e.totalFunds += reserved

	e.releaseReservations(a, winner)

	e.sponsors[a.Category] = winner
	e.lastByCategory[a.Category] = now
	a.Status = StatusCompleted
	e.retire(a)
	e.events.Publish(Event{Kind: EventAuctionCompleted, Auction: *a, Sponsor: winner, Amount: reserved, Category: a.Category})
	return nil
}

// Cancel cancels an active auction and refunds every reservation.
// Only the configured authority may cancel.
func (e *Engine) Cancel(caller string, id [32]byte, reason string) error {
	if caller != e.cfg.Authority {
		return ErrUnauthorized
	}

	e.mux.Lock()
	defer e.mux.Unlock()

	a, ok := e.active[id]
	if !ok {
		if _, done := e.terminated[id]; done {
			return ErrAuctionAlreadyCompleted
		}
		return ErrAuctionNotFound
	}

	e.releaseReservations(a, "")
	a.Status = StatusCancelled
	a.Reason = reason
	e.retire(a)
	e.events.Publish(Event{Kind: EventAuctionCancelled, Auction: *a, Category: a.Category})
	return nil
}

// Sweep finalizes every active auction whose bidding window is over.
func (e *Engine) Sweep() {
	e.mux.RLock()
	now := e.clk.Current()
	var ended [][32]byte
	for id, a := range e.active {
		if now > a.EndsAt {
			ended = append(ended, id)
		}
	}
	e.mux.RUnlock()

	for _, id := range ended {
		if err := e.Finalize(id); err != nil {
			e.log.Error(fmt.Sprintf("auction [ %x ] finalization failed: %s", id, err))
		}
	}
}

// Active returns the active auction of the given id.
func (e *Engine) Active(id [32]byte) (Auction, bool) {
	e.mux.RLock()
	defer e.mux.RUnlock()
	a, ok := e.active[id]
	if !ok {
		return Auction{}, false
	}
	return *a, true
}

// Terminated returns the completed, failed or cancelled auction of the given id.
func (e *Engine) Terminated(id [32]byte) (Auction, bool) {
	e.mux.RLock()
	defer e.mux.RUnlock()
	a, ok := e.terminated[id]
	return a, ok
}

// Sponsor returns the official sponsor of the category.
func (e *Engine) Sponsor(category string) (string, bool) {
	e.mux.RLock()
	defer e.mux.RUnlock()
	s, ok := e.sponsors[category]
	return s, ok
}

// TotalFunds returns the total amount collected by finalized auctions.
func (e *Engine) TotalFunds() uint64 {
	e.mux.RLock()
	defer e.mux.RUnlock()
	return e.totalFunds
}

// ActiveCount returns the number of active auctions.
func (e *Engine) ActiveCount() int {
	e.mux.RLock()
	defer e.mux.RUnlock()
	return len(e.active)
}

// releaseReservations unreserves every live reservation of the auction except
// the excluded bidder's one.
func (e *Engine) releaseReservations(a *Auction, exclude string) {
	for key, amount := range e.reservations {
		if key.auction != a.ID || key.bidder == exclude {
			continue
		}
		if err := e.currency.Unreserve(key.bidder, amount); err != nil {
			e.log.Error(fmt.Sprintf("auction [ %x ] reservation release failed for [ %s ]: %s", a.ID, key.bidder, err))
		}
		delete(e.reservations, key)
	}
}

func (e *Engine) retire(a *Auction) {
	delete(e.active, a.ID)
	e.terminated[a.ID] = *a
}

func auctionID(category string, startingPrice, timestamp, counter uint64) [32]byte {
	data := make([]byte, 0, len(category)+24)
	data = append(data, []byte(category)...)
	data = binary.LittleEndian.AppendUint64(data, startingPrice)
	data = binary.LittleEndian.AppendUint64(data, timestamp)
	data = binary.LittleEndian.AppendUint64(data, counter)
	return sha256.Sum256(data)
}
