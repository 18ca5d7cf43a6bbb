package natsclient

import (
	"sync"

	"github.com/nats-io/nats.go"
	msgpack "github.com/shamaton/msgpack/v2"

	"github.com/etikalabs/etika/logger"
	"github.com/etikalabs/etika/pop"
)

// Subscriber provides functionality to pull messages from the pub/sub queue.
type Subscriber struct {
	*socket
	subs map[string]*nats.Subscription
	mux  sync.RWMutex
}

// SubscriberConnect connects subscriber to the pub/sub queue using provided config.
func SubscriberConnect(cfg Config) (*Subscriber, error) {
	var s Subscriber
	sck, err := connect(cfg)
	if err != nil {
		return nil, err
	}
	s.socket = sck
	s.subs = make(map[string]*nats.Subscription)
	return &s, nil
}

// SubscribeFinalizedTransactions subscribes to the finalized proof of purchase transactions.
func (s *Subscriber) SubscribeFinalizedTransactions(call func(trx pop.Transaction), log logger.Logger) error {
	sub, err := s.conn.Subscribe(PubSubFinalizedTrx, func(m *nats.Msg) {
		var trx pop.Transaction
		if err := msgpack.Unmarshal(m.Data, &trx); err != nil {
			log.Error(err.Error())
			return
		}
		call(trx)
	})
	if err != nil {
		return err
	}
	s.mux.Lock()
	defer s.mux.Unlock()
	s.subs[PubSubFinalizedTrx] = sub

	return nil
}
