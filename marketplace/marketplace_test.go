package marketplace

import (
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

const feeAccount = "fee-account"

func testConfig() Config {
	return Config{
		MinOrderAmount:      100,
		MaxOrdersPerAccount: 10,
		MaxOrderDuration:    1000,
		FeePercent:          1,
		FeeAccount:          feeAccount,
		ProductCreationFee:  1000,
		MaxActiveProducts:   100,
	}
}

func testSetup(t *testing.T) (*Engine, *ledgermem.Ledger, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(1)
	book := ledgermem.New()

	assert.Nil(t, book.Mint("buyer", 1_000_000))
	assert.Nil(t, book.IssueLatent("seller", 1_000))
	assert.Nil(t, book.ActivateTokens("seller", 1_000))

	e, err := NewEngine(testConfig(), clk, book, book, testLoggerMock{})
	assert.Nil(t, err)
	return e, book, clk
}

func TestCreateOrderGuards(t *testing.T) {
	e, book, _ := testSetup(t)

	_, err := e.CreateBuyOrder("buyer", 0, 1000, 0)
	assert.ErrorIs(t, err, ErrInvalidQuantity)
	_, err = e.CreateBuyOrder("buyer", 100, 0, 0)
	assert.ErrorIs(t, err, ErrInvalidPrice)
	_, err = e.CreateBuyOrder("buyer", 9, 10, 0)
	assert.ErrorIs(t, err, ErrAmountTooSmall)

	_, err = e.CreateSellOrder("seller", 1_001, 1000, 0)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	assert.Nil(t, book.Mint("crowded", 1_000_000))
	for i := 0; i < 10; i++ {
		_, err = e.CreateBuyOrder("crowded", 10, 10+uint64(i), 0)
		assert.Nil(t, err)
	}
	_, err = e.CreateBuyOrder("crowded", 10, 30, 0)
	assert.ErrorIs(t, err, ErrTooManyOrders)
}

func TestCreateOrderRejectsNotionalOverflow(t *testing.T) {
	e, book, _ := testSetup(t)

	// quantity×price wraps around uint64, the order must not pass the
	// minimum-amount gate and reserve the wrapped value.
	_, err := e.CreateBuyOrder("buyer", 1<<32, (1<<32)+1, 0)
	assert.ErrorIs(t, err, ledger.ErrValueOverflow)
	assert.Equal(t, uint64(0), book.ReservedBalance("buyer"))
	assert.Equal(t, uint64(1_000_000), book.FreeBalance("buyer"))

	_, err = e.CreateSellOrder("seller", 1<<32, (1<<32)+1, 0)
	assert.ErrorIs(t, err, ledger.ErrValueOverflow)
	assert.Equal(t, uint64(0), book.LockedBalance("seller"))
}

func TestExpirationClamp(t *testing.T) {
	e, _, clk := testSetup(t)
	clk.Advance(49) // current block 50

	// Expiration at or before the current block is clamped, never rejected.
	id, err := e.CreateBuyOrder("buyer", 10, 100, 50)
	assert.Nil(t, err)
	o, ok := e.Order(id)
	assert.True(t, ok)
	assert.Equal(t, uint64(1050), o.ExpiresAt)

	id, err = e.CreateBuyOrder("buyer", 10, 100, 5000)
	assert.Nil(t, err)
	o, _ = e.Order(id)
	assert.Equal(t, uint64(1050), o.ExpiresAt)

	id, err = e.CreateBuyOrder("buyer", 10, 100, 200)
	assert.Nil(t, err)
	o, _ = e.Order(id)
	assert.Equal(t, uint64(200), o.ExpiresAt)
}

func TestPartialFillAgainstRestingSell(t *testing.T) {
	e, book, _ := testSetup(t)

	sub := e.Events().Subscribe()
	defer sub.Cancel()

	sellID, err := e.CreateSellOrder("seller", 100, 1000, 0)
	assert.Nil(t, err)
	buyID, err := e.CreateBuyOrder("buyer", 50, 1200, 0)
	assert.Nil(t, err)

	buy, _ := e.Order(buyID)
	assert.Equal(t, OrderFilled, buy.Status)
	assert.Equal(t, uint64(0), buy.Remaining)

	sell, _ := e.Order(sellID)
	assert.Equal(t, OrderPartiallyFilled, sell.Status)
	assert.Equal(t, uint64(50), sell.Remaining)

	// Trade settles at the resting order price of 1000.
	assert.Equal(t, uint64(50_000), e.TotalVolume())
	assert.Equal(t, uint64(500), e.TotalFees())
	assert.Equal(t, uint64(500), book.FreeBalance(feeAccount))
	assert.Equal(t, uint64(49_500), book.FreeBalance("seller"))
	assert.Equal(t, uint64(50), book.ActiveBalance("buyer"))
	assert.Equal(t, uint64(850), book.ActiveBalance("seller"))
	assert.Equal(t, uint64(50), book.LockedBalance("seller"))

	// Buyer reserved 50×1200 and paid 50×1000, the surplus is free again.
	assert.Equal(t, uint64(0), book.ReservedBalance("buyer"))
	assert.Equal(t, uint64(950_000), book.FreeBalance("buyer"))

	assert.Equal(t, []PricePoint{{Price: 1000, Block: 1}}, e.PriceHistory())
	assert.Equal(t, uint64(1000), e.AveragePrice())

	var trades int
	for {
		ev, ok := sub.Next()
		if !ok {
			break
		}
		if ev.Kind == EventTradeExecuted {
			trades++
		}
	}
	assert.Equal(t, 1, trades)
}

func TestPricePriorityThenTimePriority(t *testing.T) {
	e, book, clk := testSetup(t)
	assert.Nil(t, book.IssueLatent("seller-2", 1_000))
	assert.Nil(t, book.ActivateTokens("seller-2", 1_000))

	cheapID, err := e.CreateSellOrder("seller-2", 10, 900, 0)
	assert.Nil(t, err)
	clk.Advance(1)
	expensiveID, err := e.CreateSellOrder("seller", 10, 1000, 0)
	assert.Nil(t, err)

	_, err = e.CreateBuyOrder("buyer", 10, 1100, 0)
	assert.Nil(t, err)

	cheap, _ := e.Order(cheapID)
	assert.Equal(t, OrderFilled, cheap.Status)
	expensive, _ := e.Order(expensiveID)
	assert.Equal(t, OrderActive, expensive.Status)

	// Same price books match oldest first.
	clk.Advance(1)
	oldID, err := e.CreateSellOrder("seller-2", 10, 1000, 0)
	assert.Nil(t, err)
	clk.Advance(1)
	newID, err := e.CreateSellOrder("seller-2", 10, 1000, 0)
	assert.Nil(t, err)

	_, err = e.CreateBuyOrder("buyer", 15, 1000, 0)
	assert.Nil(t, err)

	older, _ := e.Order(expensiveID)
	assert.Equal(t, OrderFilled, older.Status)
	old, _ := e.Order(oldID)
	assert.Equal(t, OrderPartiallyFilled, old.Status)
	assert.Equal(t, uint64(5), old.Remaining)
	newest, _ := e.Order(newID)
	assert.Equal(t, OrderActive, newest.Status)
}

func TestSelfTradeIsNotMatched(t *testing.T) {
	e, book, _ := testSetup(t)
	assert.Nil(t, book.IssueLatent("buyer", 100))
	assert.Nil(t, book.ActivateTokens("buyer", 100))

	sellID, err := e.CreateSellOrder("buyer", 10, 1000, 0)
	assert.Nil(t, err)
	buyID, err := e.CreateBuyOrder("buyer", 10, 1000, 0)
	assert.Nil(t, err)

	sell, _ := e.Order(sellID)
	assert.Equal(t, OrderActive, sell.Status)
	buy, _ := e.Order(buyID)
	assert.Equal(t, OrderActive, buy.Status)
	assert.Equal(t, uint64(0), e.TotalVolume())
}

func TestCancelOrderReleasesValue(t *testing.T) {
	e, book, _ := testSetup(t)

	buyID, err := e.CreateBuyOrder("buyer", 10, 1000, 0)
	assert.Nil(t, err)
	assert.Equal(t, uint64(10_000), book.ReservedBalance("buyer"))

	assert.ErrorIs(t, e.CancelOrder("outsider", buyID), ErrUnauthorized)
	assert.Nil(t, e.CancelOrder("buyer", buyID))
	assert.Equal(t, uint64(0), book.ReservedBalance("buyer"))

	o, _ := e.Order(buyID)
	assert.Equal(t, OrderCancelled, o.Status)
	assert.ErrorIs(t, e.CancelOrder("buyer", buyID), ErrOrderNotActive)

	sellID, err := e.CreateSellOrder("seller", 10, 1000, 0)
	assert.Nil(t, err)
	assert.Equal(t, uint64(10), book.LockedBalance("seller"))
	assert.Nil(t, e.CancelOrder("seller", sellID))
	assert.Equal(t, uint64(0), book.LockedBalance("seller"))

	assert.ErrorIs(t, e.CancelOrder("buyer", [32]byte{9}), ErrOrderNotFound)
}

func TestSweepExpiresOrders(t *testing.T) {
	e, book, clk := testSetup(t)

	buyID, err := e.CreateBuyOrder("buyer", 10, 1000, 100)
	assert.Nil(t, err)
	sellID, err := e.CreateSellOrder("seller", 10, 2000, 100)
	assert.Nil(t, err)

	clk.Advance(99)
	e.Sweep()
	o, _ := e.Order(buyID)
	assert.Equal(t, OrderActive, o.Status)

	clk.Advance(1)
	e.Sweep()

	o, _ = e.Order(buyID)
	assert.Equal(t, OrderExpired, o.Status)
	o, _ = e.Order(sellID)
	assert.Equal(t, OrderExpired, o.Status)
	assert.Equal(t, uint64(0), book.ReservedBalance("buyer"))
	assert.Equal(t, uint64(0), book.LockedBalance("seller"))
}

func TestBestBidBestAsk(t *testing.T) {
	e, book, _ := testSetup(t)
	assert.Nil(t, book.Mint("buyer-2", 1_000_000))

	_, ok := e.BestBid()
	assert.False(t, ok)

	_, err := e.CreateBuyOrder("buyer", 10, 900, 0)
	assert.Nil(t, err)
	_, err = e.CreateBuyOrder("buyer-2", 10, 950, 0)
	assert.Nil(t, err)
	_, err = e.CreateSellOrder("seller", 10, 1100, 0)
	assert.Nil(t, err)
	_, err = e.CreateSellOrder("seller", 10, 1050, 0)
	assert.Nil(t, err)

	bid, ok := e.BestBid()
	assert.True(t, ok)
	assert.Equal(t, uint64(950), bid)
	ask, ok := e.BestAsk()
	assert.True(t, ok)
	assert.Equal(t, uint64(1050), ask)
}
