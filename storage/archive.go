package storage

import (
	"errors"

	"github.com/dgraph-io/badger/v4"
	msgpack "github.com/shamaton/msgpack/v2"

	"github.com/etikalabs/etika/auction"
	"github.com/etikalabs/etika/pop"
)

const (
	prefixValidatedTrx = "trx_validated"
	prefixExpiredTrx   = "trx_expired"
	prefixAuction      = "auction"
)

var ErrNotFound = errors.New("record not found in the archive")

// Config holds the archive configuration.
type Config struct {
	// Path of the badger database directory. An empty path keeps the archive in memory.
	Path string `yaml:"path"`
}

// Archive persists the terminal records of the engines: validated and expired
// proof of purchase transactions and terminated auctions.
type Archive struct {
	db *badger.DB
}

// NewArchive creates a new Archive over the given database.
func NewArchive(db *badger.DB) *Archive {
	return &Archive{db: db}
}

// SaveValidatedTransaction writes the validated transaction to the archive.
func (a *Archive) SaveValidatedTransaction(trx pop.Transaction) error {
	return a.save(key(prefixValidatedTrx, trx.ID), trx)
}

// SaveExpiredTransaction writes the expired transaction to the archive.
func (a *Archive) SaveExpiredTransaction(trx pop.Transaction) error {
	return a.save(key(prefixExpiredTrx, trx.ID), trx)
}

// ReadValidatedTransaction reads the validated transaction of the given id.
func (a *Archive) ReadValidatedTransaction(id [32]byte) (pop.Transaction, error) {
	var trx pop.Transaction
	err := a.read(key(prefixValidatedTrx, id), &trx)
	return trx, err
}

// ReadExpiredTransaction reads the expired transaction of the given id.
func (a *Archive) ReadExpiredTransaction(id [32]byte) (pop.Transaction, error) {
	var trx pop.Transaction
	err := a.read(key(prefixExpiredTrx, id), &trx)
	return trx, err
}

// SaveAuction writes the terminated auction to the archive.
func (a *Archive) SaveAuction(auc auction.Auction) error {
	return a.save(key(prefixAuction, auc.ID), auc)
}

// ReadAuction reads the terminated auction of the given id.
func (a *Archive) ReadAuction(id [32]byte) (auction.Auction, error) {
	var auc auction.Auction
	err := a.read(key(prefixAuction, id), &auc)
	return auc, err
}

func (a *Archive) save(k []byte, v any) error {
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	return a.db.Update(func(txn *badger.Txn) error {
		return txn.Set(k, raw)
	})
}

func (a *Archive) read(k []byte, v any) error {
	return a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return msgpack.Unmarshal(raw, v)
	})
}

func key(prefix string, id [32]byte) []byte {
	k := make([]byte, 0, len(prefix)+32)
	k = append(k, []byte(prefix)...)
	k = append(k, id[:]...)
	return k
}
