package auction

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/etikalabs/etika/clock"
	"github.com/etikalabs/etika/ledger"
	"github.com/etikalabs/etika/ledgermem"
)

type testLoggerMock struct{}

func (l testLoggerMock) Debug(_ string) {}
func (l testLoggerMock) Info(_ string)  {}
func (l testLoggerMock) Warn(_ string)  {}
func (l testLoggerMock) Error(_ string) {}
func (l testLoggerMock) Fatal(_ string) {}

const (
	fund      = "ecosystem-fund"
	authority = "auction-authority"
)

func testConfig() Config {
	return Config{
		MinDuration:            10,
		MaxDuration:            1000,
		MaxConcurrentAuctions:  5,
		CategoryCooldown:       100,
		MinBidIncrementPercent: 5,
		ReservationPercent:     10,
		FundAccount:            fund,
		Authority:              authority,
	}
}

func testSetup(t *testing.T) (*Engine, *ledgermem.Ledger, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(1)
	book := ledgermem.New()
	for _, acc := range []string{"bidder-1", "bidder-2", "bidder-3"} {
		assert.Nil(t, book.Mint(acc, 10_000))
	}
	e, err := NewEngine(testConfig(), clk, book, testLoggerMock{})
	assert.Nil(t, err)
	return e, book, clk
}

func TestCreateGuards(t *testing.T) {
	e, _, clk := testSetup(t)

	_, err := e.Create("food", 1000, 9)
	assert.ErrorIs(t, err, ErrInvalidAuctionDuration)
	_, err = e.Create("food", 1000, 1001)
	assert.ErrorIs(t, err, ErrInvalidAuctionDuration)
	_, err = e.Create("food", 0, 100)
	assert.ErrorIs(t, err, ErrInvalidPrice)

	first, err := e.Create("food", 1000, 100)
	assert.Nil(t, err)
	for i := 0; i < 4; i++ {
		_, err = e.Create("food", 1000, 100)
		assert.Nil(t, err)
	}
	_, err = e.Create("food", 1000, 100)
	assert.ErrorIs(t, err, ErrTooManyAuctions)
	assert.Equal(t, 5, e.ActiveCount())

	// The category cooldown starts at a successful finalization, not at creation.
	assert.Nil(t, e.Bid("bidder-1", first, 1000))
	clk.Advance(101)
	e.Sweep()
	assert.Equal(t, 0, e.ActiveCount())

	_, err = e.Create("food", 1000, 100)
	assert.ErrorIs(t, err, ErrCategoryCooldownNotExpired)

	clk.Advance(100)
	_, err = e.Create("food", 1000, 100)
	assert.Nil(t, err)
}

func TestBidIncrementAndReservation(t *testing.T) {
	e, book, _ := testSetup(t)

	id, err := e.Create("food", 1000, 100)
	assert.Nil(t, err)

	assert.ErrorIs(t, e.Bid("bidder-1", id, 999), ErrBidTooLow)
	assert.Nil(t, e.Bid("bidder-1", id, 1500))
	assert.Equal(t, uint64(150), book.ReservedBalance("bidder-1"))

	assert.ErrorIs(t, e.Bid("bidder-2", id, 1550), ErrBidTooLow)
	assert.Nil(t, e.Bid("bidder-2", id, 1600))
	assert.Equal(t, uint64(160), book.ReservedBalance("bidder-2"))

	// A superseding bid by the same bidder replaces the reservation.
	assert.Nil(t, e.Bid("bidder-1", id, 1700))
	assert.Equal(t, uint64(170), book.ReservedBalance("bidder-1"))

	a, ok := e.Active(id)
	assert.True(t, ok)
	assert.Len(t, a.Bids, 3)
}

func TestBidGuards(t *testing.T) {
	e, book, clk := testSetup(t)

	id, err := e.Create("food", 1000, 100)
	assert.Nil(t, err)

	assert.ErrorIs(t, e.Bid("bidder-1", [32]byte{9}, 1000), ErrAuctionNotFound)

	assert.Nil(t, book.Mint("poor", 10))
	assert.ErrorIs(t, e.Bid("poor", id, 1000), ErrInsufficientFunds)

	// A bid whose reservation computation wraps uint64 is rejected outright.
	assert.ErrorIs(t, e.Bid("bidder-1", id, math.MaxUint64/5), ledger.ErrValueOverflow)

	clk.Advance(101)
	assert.ErrorIs(t, e.Bid("bidder-1", id, 1000), ErrAuctionExpired)
}

func TestFailedSupersedingBidKeepsPriorReservation(t *testing.T) {
	e, book, clk := testSetup(t)

	id, err := e.Create("food", 100, 100)
	assert.Nil(t, err)

	assert.Nil(t, book.Mint("saver", 15))
	assert.Nil(t, e.Bid("saver", id, 100))
	assert.Equal(t, uint64(10), book.ReservedBalance("saver"))

	// The raise is unaffordable, the standing bid keeps its reservation.
	assert.ErrorIs(t, e.Bid("saver", id, 200), ErrInsufficientFunds)
	assert.Equal(t, uint64(10), book.ReservedBalance("saver"))
	assert.Equal(t, uint64(5), book.FreeBalance("saver"))

	clk.Advance(101)
	assert.Nil(t, e.Finalize(id))
	assert.Equal(t, uint64(10), book.FreeBalance(fund))
	assert.Equal(t, uint64(10), e.TotalFunds())
}

func TestFinalizeSelectsLastBidder(t *testing.T) {
	e, book, clk := testSetup(t)

	sub := e.Events().Subscribe()
	defer sub.Cancel()

	id, err := e.Create("food", 1000, 100)
	assert.Nil(t, err)

	assert.Nil(t, e.Bid("bidder-1", id, 1500))
	assert.Nil(t, e.Bid("bidder-2", id, 1600))

	assert.ErrorIs(t, e.Finalize(id), ErrAuctionNotYetEnded)

	clk.Advance(101)
	assert.Nil(t, e.Finalize(id))

	sponsor, ok := e.Sponsor("food")
	assert.True(t, ok)
	assert.Equal(t, "bidder-2", sponsor)

	// Winner reservation funds the pool, loser reservation is refunded.
	assert.Equal(t, uint64(160), book.FreeBalance(fund))
	assert.Equal(t, uint64(160), e.TotalFunds())
	assert.Equal(t, uint64(0), book.ReservedBalance("bidder-1"))
	assert.Equal(t, uint64(10_000), book.FreeBalance("bidder-1"))
	assert.Equal(t, uint64(9_840), book.FreeBalance("bidder-2"))

	a, ok := e.Terminated(id)
	assert.True(t, ok)
	assert.Equal(t, StatusCompleted, a.Status)

	assert.ErrorIs(t, e.Finalize(id), ErrAuctionAlreadyCompleted)
}

func TestFinalizeWithoutBidsFails(t *testing.T) {
	e, _, clk := testSetup(t)

	id, err := e.Create("food", 1000, 100)
	assert.Nil(t, err)

	clk.Advance(101)
	assert.Nil(t, e.Finalize(id))

	a, ok := e.Terminated(id)
	assert.True(t, ok)
	assert.Equal(t, StatusFailed, a.Status)
	_, ok = e.Sponsor("food")
	assert.False(t, ok)
	assert.Equal(t, uint64(0), e.TotalFunds())
}

func TestCancelRefundsAllReservations(t *testing.T) {
	e, book, _ := testSetup(t)

	id, err := e.Create("food", 1000, 100)
	assert.Nil(t, err)

	assert.Nil(t, e.Bid("bidder-1", id, 1500))
	assert.Nil(t, e.Bid("bidder-2", id, 1600))

	assert.ErrorIs(t, e.Cancel("bidder-1", id, "not allowed"), ErrUnauthorized)
	assert.Nil(t, e.Cancel(authority, id, "category retired"))

	assert.Equal(t, uint64(0), book.ReservedBalance("bidder-1"))
	assert.Equal(t, uint64(0), book.ReservedBalance("bidder-2"))
	assert.Equal(t, uint64(10_000), book.FreeBalance("bidder-1"))
	assert.Equal(t, uint64(10_000), book.FreeBalance("bidder-2"))

	a, ok := e.Terminated(id)
	assert.True(t, ok)
	assert.Equal(t, StatusCancelled, a.Status)
	assert.Equal(t, "category retired", a.Reason)
}
