// Package runtime drives the settlement engines with block ticks.
// Every tick runs the expiry and maturity sweeps of all engines before any
// user operation of that tick is admitted, and fans the engine domain events
// out to factoring, the archive, the pub/sub queue and telemetry.
package runtime

import (
	"context"
	"fmt"

	"github.com/etikalabs/etika/auction"
	"github.com/etikalabs/etika/clock"
	"github.com/etikalabs/etika/factoring"
	"github.com/etikalabs/etika/logger"
	"github.com/etikalabs/etika/marketplace"
	"github.com/etikalabs/etika/pop"
)

const (
	metricValidatedTrx      = "etika_pop_transactions_validated_total"
	metricExpiredTrx        = "etika_pop_transactions_expired_total"
	metricTrades            = "etika_marketplace_trades_total"
	metricTradedVolume      = "etika_marketplace_traded_volume_total"
	metricAuctionsCompleted = "etika_auctions_completed_total"
	metricAuctionFunds      = "etika_auction_funds"
	metricLiquidity         = "etika_factoring_liquidity"
	metricInterest          = "etika_factoring_interest_total"
)

type blockClock interface {
	Current() uint64
}

type publisher interface {
	PublishFinalizedTransaction(trx pop.Transaction) error
	PublishTrade(trade marketplace.Trade) error
	PublishCompletedAuction(a auction.Auction) error
}

type archiver interface {
	SaveValidatedTransaction(trx pop.Transaction) error
	SaveExpiredTransaction(trx pop.Transaction) error
	SaveAuction(a auction.Auction) error
}

type gaugeProvider interface {
	CreateUpdateObservableGauge(name, description string)
	SetGauge(name string, f float64) bool
}

type counterProvider interface {
	CreateUpdateObservableCounter(name, description string)
	IncrementCounter(name string) bool
	AddToCounter(name string, f float64) bool
}

type popSubscription interface {
	Next() (pop.Event, bool)
	Cancel()
}

type factoringSubscription interface {
	Next() (factoring.Event, bool)
	Cancel()
}

type auctionSubscription interface {
	Next() (auction.Event, bool)
	Cancel()
}

type marketSubscription interface {
	Next() (marketplace.Event, bool)
	Cancel()
}

// Runtime owns the four engines and their single-writer execution order.
type Runtime struct {
	clk       blockClock
	consensus *pop.Consensus
	factoring *factoring.Engine
	auctions  *auction.Engine
	market    *marketplace.Engine
	pub       publisher
	archive   archiver
	gauges    gaugeProvider
	counters  counterProvider
	log       logger.Logger

	popSub popSubscription
	facSub factoringSubscription
	aucSub auctionSubscription
	mktSub marketSubscription
}

// New creates a Runtime over the given engines.
// Publisher, archiver and telemetry providers are optional, a nil value
// disables the corresponding sink.
func New(
	clk blockClock,
	consensus *pop.Consensus, fac *factoring.Engine, auc *auction.Engine, mkt *marketplace.Engine,
	pub publisher, archive archiver, gauges gaugeProvider, counters counterProvider,
	log logger.Logger,
) *Runtime {
	r := &Runtime{
		clk:       clk,
		consensus: consensus,
		factoring: fac,
		auctions:  auc,
		market:    mkt,
		pub:       pub,
		archive:   archive,
		gauges:    gauges,
		counters:  counters,
		log:       log,
		popSub:    consensus.Events().Subscribe(),
		facSub:    fac.Events().Subscribe(),
		aucSub:    auc.Events().Subscribe(),
		mktSub:    mkt.Events().Subscribe(),
	}
	if r.counters != nil {
		r.counters.CreateUpdateObservableCounter(metricValidatedTrx, "Total finalized proof of purchase transactions.")
		r.counters.CreateUpdateObservableCounter(metricExpiredTrx, "Total expired proof of purchase transactions.")
		r.counters.CreateUpdateObservableCounter(metricTrades, "Total settled marketplace trades.")
		r.counters.CreateUpdateObservableCounter(metricTradedVolume, "Total settled marketplace notional.")
		r.counters.CreateUpdateObservableCounter(metricAuctionsCompleted, "Total completed sponsorship auctions.")
		r.counters.CreateUpdateObservableCounter(metricInterest, "Total factoring interest generated.")
	}
	if r.gauges != nil {
		r.gauges.CreateUpdateObservableGauge(metricLiquidity, "Current factoring liquidity pool balance.")
		r.gauges.CreateUpdateObservableGauge(metricAuctionFunds, "Total funds collected by sponsorship auctions.")
	}
	return r
}

// Close cancels the engine event subscriptions.
func (r *Runtime) Close() {
	r.popSub.Cancel()
	r.facSub.Cancel()
	r.aucSub.Cancel()
	r.mktSub.Cancel()
}

// CurrentBlock returns the current block height of the runtime clock.
func (r *Runtime) CurrentBlock() uint64 {
	return r.clk.Current()
}

// Consensus returns the proof of purchase engine.
func (r *Runtime) Consensus() *pop.Consensus {
	return r.consensus
}

// Factoring returns the factoring engine.
func (r *Runtime) Factoring() *factoring.Engine {
	return r.factoring
}

// Auctions returns the auction engine.
func (r *Runtime) Auctions() *auction.Engine {
	return r.auctions
}

// Marketplace returns the marketplace engine.
func (r *Runtime) Marketplace() *marketplace.Engine {
	return r.market
}

// CreateTransaction creates a proof of purchase transaction and dispatches
// the resulting events.
func (r *Runtime) CreateTransaction(
	caller, consumer, merchant string, suppliers []string,
	amount, tokens uint64, receiptHash [32]byte, proof []byte,
) ([32]byte, error) {
	id, err := r.consensus.Create(caller, consumer, merchant, suppliers, amount, tokens, receiptHash, proof)
	r.Dispatch()
	return id, err
}

// ValidateTransaction validates a proof of purchase transaction. When the
// validation finalizes the transaction the factoring payments of its
// suppliers are processed synchronously before this call returns.
func (r *Runtime) ValidateTransaction(caller string, id [32]byte, proof []byte) error {
	err := r.consensus.Validate(caller, id, proof)
	r.Dispatch()
	return err
}

// Tick runs one block tick: all engine sweeps in dependency order, with the
// event dispatch interleaved so a finalization retried by the consensus sweep
// schedules its factoring payments before the factoring sweep of the same tick.
func (r *Runtime) Tick() {
	r.consensus.Sweep()
	r.Dispatch()
	r.factoring.Sweep()
	r.Dispatch()
	r.market.Sweep()
	r.auctions.Sweep()
	r.Dispatch()
}

// Run drives the Runtime with the given clock ticker until the context is cancelled.
func (r *Runtime) Run(ctx context.Context, ticker *clock.Ticker) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ticker.Ticks():
			if !ok {
				return
			}
			r.Tick()
		}
	}
}

// Dispatch drains the pending engine events delivering them to the
// cross-module triggers and the configured sinks.
func (r *Runtime) Dispatch() {
	for {
		var progressed bool
		if ev, ok := r.popSub.Next(); ok {
			r.onPopEvent(ev)
			progressed = true
		}
		if ev, ok := r.facSub.Next(); ok {
			r.onFactoringEvent(ev)
			progressed = true
		}
		if ev, ok := r.aucSub.Next(); ok {
			r.onAuctionEvent(ev)
			progressed = true
		}
		if ev, ok := r.mktSub.Next(); ok {
			r.onMarketEvent(ev)
			progressed = true
		}
		if !progressed {
			return
		}
	}
}

func (r *Runtime) onPopEvent(ev pop.Event) {
	switch ev.Kind {
	case pop.EventFinalized:
		if r.counters != nil {
			r.counters.IncrementCounter(metricValidatedTrx)
		}
		if r.archive != nil {
			if err := r.archive.SaveValidatedTransaction(ev.Trx); err != nil {
				r.log.Error(fmt.Sprintf("archiving validated transaction [ %x ] failed: %s", ev.Trx.ID, err))
			}
		}
		if r.pub != nil {
			if err := r.pub.PublishFinalizedTransaction(ev.Trx); err != nil {
				r.log.Error(fmt.Sprintf("publishing finalized transaction [ %x ] failed: %s", ev.Trx.ID, err))
			}
		}
		r.settleFactoring(ev.Trx)
	case pop.EventFailed:
		if r.counters != nil {
			r.counters.IncrementCounter(metricExpiredTrx)
		}
		if r.archive != nil {
			if err := r.archive.SaveExpiredTransaction(ev.Trx); err != nil {
				r.log.Error(fmt.Sprintf("archiving expired transaction [ %x ] failed: %s", ev.Trx.ID, err))
			}
		}
	}
}

// settleFactoring processes the supplier payments of a finalized transaction.
// A missing or inactive relationship makes the payment a logged no-op.
func (r *Runtime) settleFactoring(trx pop.Transaction) {
	for _, supplier := range trx.Suppliers {
		err := r.factoring.ProcessPayment(trx.ID, trx.Merchant, supplier, trx.StandardAmount)
		if err != nil {
			r.log.Warn(fmt.Sprintf(
				"factoring payment for transaction [ %x ] merchant [ %s ] supplier [ %s ] skipped: %s",
				trx.ID, trx.Merchant, supplier, err))
		}
	}
}

func (r *Runtime) onFactoringEvent(ev factoring.Event) {
	if r.gauges != nil {
		r.gauges.SetGauge(metricLiquidity, float64(r.factoring.Liquidity()))
	}
	if r.counters != nil && ev.Kind == factoring.EventRemainingPaymentProcessed {
		r.counters.AddToCounter(metricInterest, float64(ev.Interest))
	}
}

func (r *Runtime) onAuctionEvent(ev auction.Event) {
	if ev.Kind != auction.EventAuctionCompleted && ev.Kind != auction.EventAuctionFailed && ev.Kind != auction.EventAuctionCancelled {
		return
	}
	if ev.Kind == auction.EventAuctionCompleted {
		if r.counters != nil {
			r.counters.IncrementCounter(metricAuctionsCompleted)
		}
		if r.gauges != nil {
			r.gauges.SetGauge(metricAuctionFunds, float64(r.auctions.TotalFunds()))
		}
		if r.pub != nil {
			if err := r.pub.PublishCompletedAuction(ev.Auction); err != nil {
				r.log.Error(fmt.Sprintf("publishing completed auction [ %x ] failed: %s", ev.Auction.ID, err))
			}
		}
	}
	if r.archive != nil {
		if err := r.archive.SaveAuction(ev.Auction); err != nil {
			r.log.Error(fmt.Sprintf("archiving auction [ %x ] failed: %s", ev.Auction.ID, err))
		}
	}
}

func (r *Runtime) onMarketEvent(ev marketplace.Event) {
	if ev.Kind != marketplace.EventTradeExecuted {
		return
	}
	if r.counters != nil {
		r.counters.IncrementCounter(metricTrades)
		r.counters.AddToCounter(metricTradedVolume, float64(ev.Trade.Quantity*ev.Trade.Price))
	}
	if r.pub != nil {
		if err := r.pub.PublishTrade(ev.Trade); err != nil {
			r.log.Error(fmt.Sprintf("publishing trade of [ %x ] failed: %s", ev.Trade.BuyOrder, err))
		}
	}
}
