package marketplace

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/etikalabs/etika/clock"
	"github.com/etikalabs/etika/ledger"
	"github.com/etikalabs/etika/logger"
	"github.com/etikalabs/etika/reactive"
)

const priceHistoryCap = 100

var (
	ErrConfig            = errors.New("configuration is invalid")
	ErrUnauthorized      = errors.New("caller is not the creator of the order")
	ErrOrderNotFound     = errors.New("order not found")
	ErrOrderNotActive    = errors.New("order is not active")
	ErrInvalidQuantity   = errors.New("quantity is invalid")
	ErrInvalidPrice      = errors.New("price is invalid")
	ErrAmountTooSmall    = errors.New("order value is below the marketplace minimum")
	ErrTooManyOrders     = errors.New("per account order limit reached")
	ErrInsufficientFunds = errors.New("free balance cannot cover the order value")
	ErrReservationFailed = errors.New("order reservation failed")
)

// Side tells whether an order buys or sells tokens.
type Side uint8

const (
	SideBuy Side = iota + 1
	SideSell
)

// String returns human readable representation of the Side.
func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return "unknown"
	}
}

// OrderStatus is the lifecycle state of a market order.
type OrderStatus uint8

const (
	OrderActive OrderStatus = iota + 1
	OrderPartiallyFilled
	OrderFilled
	OrderCancelled
	OrderExpired
)

// String returns human readable representation of the OrderStatus.
func (s OrderStatus) String() string {
	switch s {
	case OrderActive:
		return "active"
	case OrderPartiallyFilled:
		return "partially_filled"
	case OrderFilled:
		return "filled"
	case OrderCancelled:
		return "cancelled"
	case OrderExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Order is a limit order of the token order book.
// A buy order reserves Quantity×Price currency for its whole lifetime,
// a sell order locks Quantity tokens. Remaining counts the still unmatched quantity.
type Order struct {
	ID        [32]byte    `msgpack:"id"`
	Creator   string      `msgpack:"creator"`
	Side      Side        `msgpack:"side"`
	Quantity  uint64      `msgpack:"quantity"`
	Remaining uint64      `msgpack:"remaining"`
	Price     uint64      `msgpack:"price"`
	CreatedAt uint64      `msgpack:"created_at"`
	ExpiresAt uint64      `msgpack:"expires_at"`
	Status    OrderStatus `msgpack:"status"`
}

func (o *Order) live() bool {
	return o.Status == OrderActive || o.Status == OrderPartiallyFilled
}

// Trade describes one settled match between a buy and a sell order.
type Trade struct {
	BuyOrder  [32]byte `msgpack:"buy_order"`
	SellOrder [32]byte `msgpack:"sell_order"`
	Buyer     string   `msgpack:"buyer"`
	Seller    string   `msgpack:"seller"`
	Quantity  uint64   `msgpack:"quantity"`
	Price     uint64   `msgpack:"price"`
	Fee       uint64   `msgpack:"fee"`
	Block     uint64   `msgpack:"block"`
}

// PricePoint is a single entry of the rolling trade price history.
type PricePoint struct {
	Price uint64 `msgpack:"price"`
	Block uint64 `msgpack:"block"`
}

// EventKind describes the domain event kind published by the Engine.
type EventKind uint8

const (
	EventOrderCreated EventKind = iota + 1
	EventTradeExecuted
	EventOrderCancelled
	EventOrderExpired
	EventProductCreated
	EventInvestmentMade
	EventProductClosed
	EventYieldDistributed
)

// Event is a domain event published on marketplace state changes.
type Event struct {
	Kind    EventKind
	Order   Order
	Trade   Trade
	Product Product
	Account string
	Amount  uint64
}

// Config holds the marketplace engine configuration.
type Config struct {
	MinOrderAmount      uint64 `yaml:"min_order_amount"`
	MaxOrdersPerAccount int    `yaml:"max_orders_per_account"`
	MaxOrderDuration    uint64 `yaml:"max_order_duration"`
	FeePercent          uint64 `yaml:"fee_percent"`
	FeeAccount          string `yaml:"fee_account"`
	ProductCreationFee  uint64 `yaml:"product_creation_fee"`
	MaxActiveProducts   int    `yaml:"max_active_products"`
	MinInvestmentAmount uint64 `yaml:"min_investment_amount"`
}

// Validate validates the Config fields.
func (c Config) Validate() error {
	if c.MinOrderAmount == 0 {
		return fmt.Errorf("%w, min_order_amount shall be positive", ErrConfig)
	}
	if c.MaxOrdersPerAccount < 1 {
		return fmt.Errorf("%w, max_orders_per_account shall be positive", ErrConfig)
	}
	if c.MaxOrderDuration == 0 {
		return fmt.Errorf("%w, max_order_duration shall be positive", ErrConfig)
	}
	if c.FeePercent > 100 {
		return fmt.Errorf("%w, fee_percent shall not be greater than 100", ErrConfig)
	}
	if c.FeeAccount == "" {
		return fmt.Errorf("%w, fee_account shall not be empty", ErrConfig)
	}
	if c.MaxActiveProducts < 1 {
		return fmt.Errorf("%w, max_active_products shall be positive", ErrConfig)
	}
	return nil
}

type invKey struct {
	investor string
	product  [32]byte
}

// Engine is the token marketplace: a limit order book settled through the
// currency and token ledgers plus a financial product investment register.
type Engine struct {
	mux          sync.RWMutex
	cfg          Config
	clk          clock.Clock
	currency     ledger.Currency
	tokens       ledger.TokenLedger
	log          logger.Logger
	events       *reactive.Observable[Event]
	buys         map[[32]byte]*Order
	sells        map[[32]byte]*Order
	liveOrders   map[string]int
	products     map[[32]byte]*Product
	investments  map[invKey]uint64
	priceHistory []PricePoint
	averagePrice uint64
	totalVolume  uint64
	totalFees    uint64
	counter      uint64
}

// NewEngine creates a new marketplace Engine based on the provided Config or returns an error otherwise.
func NewEngine(cfg Config, clk clock.Clock, currency ledger.Currency, tokens ledger.TokenLedger, log logger.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		cfg:         cfg,
		clk:         clk,
		currency:    currency,
		tokens:      tokens,
		log:         log,
		events:      reactive.New[Event](100),
		buys:        make(map[[32]byte]*Order),
		sells:       make(map[[32]byte]*Order),
		liveOrders:  make(map[string]int),
		products:    make(map[[32]byte]*Product),
		investments: make(map[invKey]uint64),
	}, nil
}

// Events returns the observable publishing the marketplace domain events.
func (e *Engine) Events() *reactive.Observable[Event] {
	return e.events
}

// CreateBuyOrder places a buy order reserving quantity×price currency and
// immediately matches it against the sell book.
func (e *Engine) CreateBuyOrder(creator string, quantity, price, expiration uint64) ([32]byte, error) {
	return e.createOrder(creator, SideBuy, quantity, price, expiration)
}

// CreateSellOrder places a sell order locking quantity tokens and
// immediately matches it against the buy book.
func (e *Engine) CreateSellOrder(creator string, quantity, price, expiration uint64) ([32]byte, error) {
	return e.createOrder(creator, SideSell, quantity, price, expiration)
}

func (e *Engine) createOrder(creator string, side Side, quantity, price, expiration uint64) ([32]byte, error) {
	var id [32]byte
	if quantity == 0 {
		return id, ErrInvalidQuantity
	}
	if price == 0 {
		return id, ErrInvalidPrice
	}
	notional, err := ledger.SafeMul(quantity, price)
	if err != nil {
		return id, err
	}
	// Any later partial fill settles at most this notional, checking the fee
	// headroom here keeps every settlement multiplication in range.
	if _, err := ledger.SafeMul(e.cfg.FeePercent, notional); err != nil {
		return id, err
	}
	if notional < e.cfg.MinOrderAmount {
		return id, ErrAmountTooSmall
	}

	e.mux.Lock()
	defer e.mux.Unlock()

	if e.liveOrders[creator] >= e.cfg.MaxOrdersPerAccount {
		return id, ErrTooManyOrders
	}

	now := e.clk.Current()
	// A requested expiration at or before the current block, or past the
	// allowed horizon, is silently clamped, never rejected.
	if expiration <= now || expiration > now+e.cfg.MaxOrderDuration {
		expiration = now + e.cfg.MaxOrderDuration
	}

	switch side {
	case SideBuy:
		if err := e.currency.Reserve(creator, notional); err != nil {
			return id, errors.Join(ErrReservationFailed, err)
		}
	case SideSell:
		if e.tokens.ActiveBalance(creator) < quantity {
			return id, ErrInsufficientFunds
		}
		if err := e.tokens.LockTokens(creator, quantity); err != nil {
			return id, errors.Join(ErrReservationFailed, err)
		}
	}

	e.counter++
	id = orderID(creator, quantity, price, now, e.counter)
	o := &Order{
		ID:        id,
		Creator:   creator,
		Side:      side,
		Quantity:  quantity,
		Remaining: quantity,
		Price:     price,
		CreatedAt: now,
		ExpiresAt: expiration,
		Status:    OrderActive,
	}
	e.book(side)[id] = o
	e.liveOrders[creator]++
	e.events.Publish(Event{Kind: EventOrderCreated, Order: *o})

	e.match(o)
	return id, nil
}

// match settles the taker order against the opposite book.
// Candidates are taken in price priority then creation time priority,
// the trade price is always the resting order's price.
func (e *Engine) match(taker *Order) {
	for taker.Remaining > 0 {
		resting := e.bestCounter(taker)
		if resting == nil {
			return
		}

		quantity := taker.Remaining
		if resting.Remaining < quantity {
			quantity = resting.Remaining
		}

		var buy, sell *Order
		switch taker.Side {
		case SideBuy:
			buy, sell = taker, resting
		default:
			buy, sell = resting, taker
		}

		if err := e.settle(buy, sell, quantity, resting.Price); err != nil {
			e.log.Error(fmt.Sprintf("marketplace settlement of [ %x ] against [ %x ] failed: %s", taker.ID, resting.ID, err))
			return
		}
	}
}

// bestCounter picks the matchable resting order with the best price,
// oldest first on equal prices.
func (e *Engine) bestCounter(taker *Order) *Order {
	var candidates []*Order
	switch taker.Side {
	case SideBuy:
		for _, o := range e.sells {
			if o.live() && o.Price <= taker.Price && o.Creator != taker.Creator {
				candidates = append(candidates, o)
			}
		}
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].Price != candidates[j].Price {
				return candidates[i].Price < candidates[j].Price
			}
			if candidates[i].CreatedAt != candidates[j].CreatedAt {
				return candidates[i].CreatedAt < candidates[j].CreatedAt
			}
			return lessID(candidates[i].ID, candidates[j].ID)
		})
	default:
		for _, o := range e.buys {
			if o.live() && o.Price >= taker.Price && o.Creator != taker.Creator {
				candidates = append(candidates, o)
			}
		}
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].Price != candidates[j].Price {
				return candidates[i].Price > candidates[j].Price
			}
			if candidates[i].CreatedAt != candidates[j].CreatedAt {
				return candidates[i].CreatedAt < candidates[j].CreatedAt
			}
			return lessID(candidates[i].ID, candidates[j].ID)
		})
	}
	if len(candidates) == 0 {
		return nil
	}
	return candidates[0]
}

// settle moves currency, fee and tokens for one matched quantity and updates
// both orders and the aggregate statistics.
func (e *Engine) settle(buy, sell *Order, quantity, price uint64) error {
	notional := quantity * price
	fee := e.cfg.FeePercent * notional / 100

	// The buyer reserved at its own limit price, release the matched portion.
	if err := e.currency.Unreserve(buy.Creator, quantity*buy.Price); err != nil {
		return err
	}
	if err := e.currency.Transfer(buy.Creator, e.cfg.FeeAccount, fee); err != nil {
		return err
	}
	if err := e.currency.Transfer(buy.Creator, sell.Creator, notional-fee); err != nil {
		return err
	}
	if err := e.tokens.UnlockTokens(sell.Creator, quantity); err != nil {
		return err
	}
	if err := e.tokens.TransferTokens(sell.Creator, buy.Creator, quantity); err != nil {
		return err
	}

	e.fill(buy, quantity)
	e.fill(sell, quantity)

	e.totalVolume += notional
	e.totalFees += fee
	e.pushPrice(price)

	trade := Trade{
		BuyOrder:  buy.ID,
		SellOrder: sell.ID,
		Buyer:     buy.Creator,
		Seller:    sell.Creator,
		Quantity:  quantity,
		Price:     price,
		Fee:       fee,
		Block:     e.clk.Current(),
	}
	e.events.Publish(Event{Kind: EventTradeExecuted, Trade: trade})
	return nil
}

func (e *Engine) fill(o *Order, quantity uint64) {
	o.Remaining -= quantity
	if o.Remaining == 0 {
		o.Status = OrderFilled
		e.liveOrders[o.Creator]--
		return
	}
	o.Status = OrderPartiallyFilled
}

// CancelOrder cancels an active order of the caller and releases its
// reservation or token lock in full.
func (e *Engine) CancelOrder(caller string, id [32]byte) error {
	e.mux.Lock()
	defer e.mux.Unlock()

	o, ok := e.order(id)
	if !ok {
		return ErrOrderNotFound
	}
	if o.Creator != caller {
		return ErrUnauthorized
	}
	if o.Status != OrderActive {
		return ErrOrderNotActive
	}

	if err := e.release(o); err != nil {
		return err
	}
	o.Status = OrderCancelled
	e.liveOrders[o.Creator]--
	e.events.Publish(Event{Kind: EventOrderCancelled, Order: *o})
	return nil
}

// Sweep expires every live order past its expiration block releasing the
// remaining reservation or token lock.
func (e *Engine) Sweep() {
	e.mux.Lock()
	defer e.mux.Unlock()

	now := e.clk.Current()
	for _, book := range []map[[32]byte]*Order{e.buys, e.sells} {
		for _, o := range book {
			if !o.live() || o.ExpiresAt > now {
				continue
			}
			if err := e.release(o); err != nil {
				e.log.Error(fmt.Sprintf("marketplace expiry release of [ %x ] failed: %s", o.ID, err))
				continue
			}
			o.Status = OrderExpired
			e.liveOrders[o.Creator]--
			e.events.Publish(Event{Kind: EventOrderExpired, Order: *o})
		}
	}
}

// release returns the unmatched value of the order to its creator.
func (e *Engine) release(o *Order) error {
	switch o.Side {
	case SideBuy:
		return e.currency.Unreserve(o.Creator, o.Remaining*o.Price)
	default:
		return e.tokens.UnlockTokens(o.Creator, o.Remaining)
	}
}

// Order returns the order of the given id.
func (e *Engine) Order(id [32]byte) (Order, bool) {
	e.mux.RLock()
	defer e.mux.RUnlock()
	o, ok := e.order(id)
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// BestBid returns the highest live buy order price.
func (e *Engine) BestBid() (uint64, bool) {
	e.mux.RLock()
	defer e.mux.RUnlock()
	var best uint64
	var ok bool
	for _, o := range e.buys {
		if o.live() && o.Price > best {
			best, ok = o.Price, true
		}
	}
	return best, ok
}

// BestAsk returns the lowest live sell order price.
func (e *Engine) BestAsk() (uint64, bool) {
	e.mux.RLock()
	defer e.mux.RUnlock()
	var best uint64
	var ok bool
	for _, o := range e.sells {
		if o.live() && (!ok || o.Price < best) {
			best, ok = o.Price, true
		}
	}
	return best, ok
}

// PriceHistory returns the rolling trade price history, newest last.
func (e *Engine) PriceHistory() []PricePoint {
	e.mux.RLock()
	defer e.mux.RUnlock()
	return append([]PricePoint{}, e.priceHistory...)
}

// AveragePrice returns the arithmetic mean of the price history.
func (e *Engine) AveragePrice() uint64 {
	e.mux.RLock()
	defer e.mux.RUnlock()
	return e.averagePrice
}

// TotalVolume returns the aggregate settled notional.
func (e *Engine) TotalVolume() uint64 {
	e.mux.RLock()
	defer e.mux.RUnlock()
	return e.totalVolume
}

// TotalFees returns the aggregate collected fees.
func (e *Engine) TotalFees() uint64 {
	e.mux.RLock()
	defer e.mux.RUnlock()
	return e.totalFees
}

func (e *Engine) pushPrice(price uint64) {
	e.priceHistory = append(e.priceHistory, PricePoint{Price: price, Block: e.clk.Current()})
	if len(e.priceHistory) > priceHistoryCap {
		e.priceHistory = e.priceHistory[len(e.priceHistory)-priceHistoryCap:]
	}
	var sum uint64
	for _, p := range e.priceHistory {
		sum += p.Price
	}
	e.averagePrice = sum / uint64(len(e.priceHistory))
}

func (e *Engine) order(id [32]byte) (*Order, bool) {
	if o, ok := e.buys[id]; ok {
		return o, true
	}
	o, ok := e.sells[id]
	return o, ok
}

func (e *Engine) book(side Side) map[[32]byte]*Order {
	if side == SideBuy {
		return e.buys
	}
	return e.sells
}

func lessID(a, b [32]byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func orderID(creator string, quantity, price, timestamp, counter uint64) [32]byte {
	data := make([]byte, 0, len(creator)+32)
	data = append(data, []byte(creator)...)
	data = binary.LittleEndian.AppendUint64(data, quantity)
	data = binary.LittleEndian.AppendUint64(data, price)
	data = binary.LittleEndian.AppendUint64(data, timestamp)
	data = binary.LittleEndian.AppendUint64(data, counter)
	return sha256.Sum256(data)
}
