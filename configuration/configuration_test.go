package configuration

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

const testYaml = `
node:
  name: etika-node-0
  block_interval_millis: 1000
  telemetry_port: 2112
  cache_max_entry_size: 320000
  cache_max_size_mb: 64
consensus:
  min_validators: 2
  max_validators: 10
  lifetime_blocks: 100
  savings_rate_percent: 5
  savings_pool_account: savings-pool
factoring:
  min_immediate_payment_percent: 10
  max_interest_rate: 1000
  min_factoring_amount: 100
  pool_account: liquidity-pool
  authority: authority
auction:
  min_duration: 10
  max_duration: 1000
  max_concurrent_auctions: 5
  category_cooldown: 100
  min_bid_increment_percent: 5
  reservation_percent: 10
  fund_account: auction-fund
  authority: authority
marketplace:
  min_order_amount: 100
  max_orders_per_account: 10
  max_order_duration: 1000
  fee_percent: 1
  fee_account: fee-account
  product_creation_fee: 1000
  max_active_products: 5
  min_investment_amount: 100
nats:
  server_address: "nats://localhost:4222"
  client_name: etika-node-0
  token: secret
archive:
  path: /var/lib/etika
`

func TestRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf.yaml")
	assert.Nil(t, os.WriteFile(path, []byte(testYaml), 0644))

	cfg, err := Read(path)
	assert.Nil(t, err)
	assert.Equal(t, "etika-node-0", cfg.Node.Name)
	assert.Equal(t, 2, cfg.Consensus.MinValidators)
	assert.Nil(t, cfg.Consensus.Validate())
	assert.Equal(t, uint64(1000), cfg.Factoring.MaxInterestRate)
	assert.Nil(t, cfg.Factoring.Validate())
	assert.Equal(t, "auction-fund", cfg.Auction.FundAccount)
	assert.Nil(t, cfg.Auction.Validate())
	assert.Equal(t, uint64(1), cfg.Marketplace.FeePercent)
	assert.Nil(t, cfg.Marketplace.Validate())
	assert.Equal(t, "nats://localhost:4222", cfg.Nats.Address)
	assert.Equal(t, "/var/lib/etika", cfg.Archive.Path)
}

func TestReadMissingFile(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.NotNil(t, err)
}
