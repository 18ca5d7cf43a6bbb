package ledgermem

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/etikalabs/etika/ledger"
)

func TestReserveUnreserve(t *testing.T) {
	l := New()
	assert.Nil(t, l.Mint("alice", 1000))

	assert.Nil(t, l.Reserve("alice", 600))
	assert.Equal(t, uint64(400), l.FreeBalance("alice"))
	assert.Equal(t, uint64(600), l.ReservedBalance("alice"))

	assert.ErrorIs(t, l.Reserve("alice", 500), ledger.ErrInsufficientFunds)

	assert.Nil(t, l.Unreserve("alice", 600))
	assert.Equal(t, uint64(1000), l.FreeBalance("alice"))
	assert.ErrorIs(t, l.Unreserve("alice", 1), ledger.ErrInsufficientReserved)
}

func TestReservedTransferSettlesToFreeBalance(t *testing.T) {
	l := New()
	assert.Nil(t, l.Mint("bidder", 500))
	assert.Nil(t, l.Reserve("bidder", 200))

	assert.Nil(t, l.ReservedTransfer("bidder", "fund", 200))
	assert.Equal(t, uint64(0), l.ReservedBalance("bidder"))
	assert.Equal(t, uint64(300), l.FreeBalance("bidder"))
	assert.Equal(t, uint64(200), l.FreeBalance("fund"))
}

func TestTransferInsufficientFunds(t *testing.T) {
	l := New()
	assert.Nil(t, l.Mint("alice", 100))
	assert.ErrorIs(t, l.Transfer("alice", "bob", 101), ledger.ErrInsufficientFunds)
	assert.Equal(t, uint64(100), l.FreeBalance("alice"))
	assert.Equal(t, uint64(0), l.FreeBalance("bob"))
}

func TestTokenLifecycle(t *testing.T) {
	l := New()
	assert.Nil(t, l.IssueLatent("alice", 100))
	assert.Equal(t, uint64(100), l.LatentBalance("alice"))

	assert.ErrorIs(t, l.ActivateTokens("alice", 101), ledger.ErrInsufficientTokens)
	assert.Nil(t, l.ActivateTokens("alice", 100))
	assert.Equal(t, uint64(0), l.LatentBalance("alice"))
	assert.Equal(t, uint64(100), l.ActiveBalance("alice"))

	assert.Nil(t, l.LockTokens("alice", 40))
	assert.Equal(t, uint64(60), l.ActiveBalance("alice"))
	assert.Equal(t, uint64(40), l.LockedBalance("alice"))

	assert.Nil(t, l.UnlockTokens("alice", 40))
	assert.Nil(t, l.TransferTokens("alice", "bob", 30))
	assert.Equal(t, uint64(70), l.ActiveBalance("alice"))
	assert.Equal(t, uint64(30), l.ActiveBalance("bob"))

	assert.Nil(t, l.BurnTokens("bob", 30))
	assert.Equal(t, uint64(0), l.ActiveBalance("bob"))
}
