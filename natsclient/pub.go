package natsclient

import (
	"errors"

	msgpack "github.com/shamaton/msgpack/v2"

	"github.com/etikalabs/etika/auction"
	"github.com/etikalabs/etika/marketplace"
	"github.com/etikalabs/etika/pop"
)

var ErrNotConnected = errors.New("not connected to the pub/sub queue")

// Publisher provides functionality to push messages to the pub/sub queue.
type Publisher struct {
	*socket
}

// PublisherConnect connects publisher to the pub/sub queue using provided config.
func PublisherConnect(cfg Config) (*Publisher, error) {
	s, err := connect(cfg)
	if err != nil {
		return nil, err
	}
	return &Publisher{socket: s}, nil
}

// PublishFinalizedTransaction publishes a finalized proof of purchase transaction.
func (p *Publisher) PublishFinalizedTransaction(trx pop.Transaction) error {
	return p.publish(PubSubFinalizedTrx, trx)
}

// PublishTrade publishes an executed marketplace trade.
func (p *Publisher) PublishTrade(trade marketplace.Trade) error {
	return p.publish(PubSubTradeExecuted, trade)
}

// PublishCompletedAuction publishes a finalized auction.
func (p *Publisher) PublishCompletedAuction(a auction.Auction) error {
	return p.publish(PubSubAuctionCompleted, a)
}

func (p *Publisher) publish(subject string, v any) error {
	if p.socket == nil || p.conn == nil {
		return ErrNotConnected
	}
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	return p.conn.Publish(subject, raw)
}
