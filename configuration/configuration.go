package configuration

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/etikalabs/etika/auction"
	"github.com/etikalabs/etika/factoring"
	"github.com/etikalabs/etika/marketplace"
	"github.com/etikalabs/etika/natsclient"
	"github.com/etikalabs/etika/pop"
	"github.com/etikalabs/etika/storage"
)

// NodeConfig holds the node wide settings.
type NodeConfig struct {
	Name                string `yaml:"name"`
	BlockIntervalMillis int64  `yaml:"block_interval_millis"`
	TelemetryPort       int    `yaml:"telemetry_port"`
	CacheMaxEntrySize   int    `yaml:"cache_max_entry_size"`
	CacheMaxSizeMB      int    `yaml:"cache_max_size_mb"`
}

// Configuration is the main configuration of the application that corresponds to the *.yaml file
// that holds the configuration.
type Configuration struct {
	Node        NodeConfig         `yaml:"node"`
	Consensus   pop.Config         `yaml:"consensus"`
	Factoring   factoring.Config   `yaml:"factoring"`
	Auction     auction.Config     `yaml:"auction"`
	Marketplace marketplace.Config `yaml:"marketplace"`
	Nats        natsclient.Config  `yaml:"nats"`
	Archive     storage.Config     `yaml:"archive"`
}

// Read reads the configuration from the file and returns the Configuration with set fields according to the yaml setup.
func Read(path string) (Configuration, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return Configuration{}, err
	}

	var main Configuration
	err = yaml.Unmarshal(buf, &main)
	if err != nil {
		return Configuration{}, fmt.Errorf("in file %q: %w", path, err)
	}

	return main, err
}
