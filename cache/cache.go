package cache

import (
	"context"
	"encoding/hex"
	"errors"
	"time"

	"github.com/allegro/bigcache/v3"
	msgpack "github.com/shamaton/msgpack/v2"

	"github.com/etikalabs/etika/logger"
	"github.com/etikalabs/etika/pop"
)

const (
	longevity       = time.Minute * 30
	cleanupInterval = time.Minute * 10
)

const shards = 1024

var (
	ErrNilTransaction      = errors.New("cannot cache a nil transaction")
	ErrTrxAlreadyExists    = errors.New("transaction already exists")
	ErrTransactionNotFound = errors.New("transaction not found")
)

// Hippocampus is a short lived memory over the validated transactions.
// Reads hitting the cache skip the archive.
type Hippocampus struct {
	mem *bigcache.BigCache
	log logger.Logger
}

// New creates the new Hippocampus on success or returns an error otherwise.
func New(ctx context.Context, log logger.Logger, maxEntrySize, maxCacheSizeMB int) (*Hippocampus, error) {
	c, err := bigcache.New(ctx, bigcache.Config{
		Shards:           shards,
		LifeWindow:       longevity,
		CleanWindow:      cleanupInterval,
		HardMaxCacheSize: maxCacheSizeMB, // MB
		MaxEntrySize:     maxEntrySize,   // B
	})
	if err != nil {
		return nil, err
	}

	return &Hippocampus{mem: c, log: log}, nil
}

// SaveValidatedTransaction caches the validated transaction under its id.
func (h *Hippocampus) SaveValidatedTransaction(trx *pop.Transaction) error {
	if trx == nil {
		return ErrNilTransaction
	}
	key := hex.EncodeToString(trx.ID[:])

	if _, err := h.mem.Get(key); err == nil {
		return ErrTrxAlreadyExists
	} else if !errors.Is(err, bigcache.ErrEntryNotFound) {
		return err
	}

	raw, err := msgpack.Marshal(trx)
	if err != nil {
		return errors.Join(err, errors.New("save trx encoding"))
	}
	return h.mem.Set(key, raw)
}

// ReadValidatedTransaction reads the validated transaction of the given id if cached.
func (h *Hippocampus) ReadValidatedTransaction(id [32]byte) (pop.Transaction, error) {
	var trx pop.Transaction
	raw, err := h.mem.Get(hex.EncodeToString(id[:]))
	if err != nil {
		if errors.Is(err, bigcache.ErrEntryNotFound) {
			return trx, ErrTransactionNotFound
		}
		return trx, err
	}
	if err := msgpack.Unmarshal(raw, &trx); err != nil {
		return trx, errors.Join(err, errors.New("read trx decoding"))
	}
	return trx, nil
}

// Close drops the cached entries and releases the cache resources.
func (h *Hippocampus) Close() error {
	return h.mem.Close()
}
