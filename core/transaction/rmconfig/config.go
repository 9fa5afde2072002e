// Package rmconfig is the YAML-tagged runtime configuration for a
// gojodb_rm_node process, in the style of pkg/telemetry.Config: one
// struct per concern, yaml tags throughout, loaded with
// gopkg.in/yaml.v3 rather than flags for anything beyond a handful of
// bootstrap knobs (spec.md §9's "runtime Config over compile-time
// build flags" decision).
package rmconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sushant-115/gojodb-rm/pkg/telemetry"
)

// PeerConfig is how to reach one other node (a TM, a sibling RM's
// node, or a DSB shard owner) over QUIC.
type PeerConfig struct {
	NodeID  uint32 `yaml:"node_id"`
	Addr    string `yaml:"addr"`
	URLPath string `yaml:"url_path"`
}

// TransportConfig configures this node's inbound QUIC/HTTP3 listener
// and its outbound connections to every peer it talks to.
type TransportConfig struct {
	ListenAddr string       `yaml:"listen_addr"`
	URLPath    string       `yaml:"url_path"`
	CertDir    string       `yaml:"cert_dir"`
	Peers      []PeerConfig `yaml:"peers"`
}

// LockConfig configures the in-memory row lock manager.
type LockConfig struct {
	// Reserved for future tuning (wait-queue depth caps, etc).
}

// CacheConfig configures the read-through tuple cache.
type CacheConfig struct {
	Capacity int `yaml:"capacity"`
}

// WALConfig configures the underlying write-ahead log.
type WALConfig struct {
	LogDir           string `yaml:"log_dir"`
	ArchiveDir       string `yaml:"archive_dir"`
	BufferSize       int    `yaml:"buffer_size"`
	SegmentSizeLimit int64  `yaml:"segment_size_limit"`
}

// TxConfig is the per-transaction behavior spec.md §3/§4.8 name.
type TxConfig struct {
	Distributed     bool  `yaml:"distributed"`
	ShareNothing    bool  `yaml:"share_nothing"`
	GeoRepOptimized bool  `yaml:"geo_rep_optimized"`
	TxTimeoutMillis int64 `yaml:"tx_timeout_millis"`
}

// Config is the top-level configuration for a gojodb_rm_node process.
type Config struct {
	NodeID    uint32             `yaml:"node_id"`
	DSBNodeID uint32             `yaml:"dsb_node_id"`
	Telemetry telemetry.Config   `yaml:"telemetry"`
	Transport TransportConfig    `yaml:"transport"`
	Lock      LockConfig         `yaml:"lock"`
	Cache     CacheConfig        `yaml:"cache"`
	WAL       WALConfig          `yaml:"wal"`
	Tx        TxConfig           `yaml:"tx"`
	Shards    map[uint32]uint32  `yaml:"shard_to_node"`
}

// Load reads and parses a YAML config file at path, applying the same
// defaults a hand-rolled deployment would otherwise need to repeat.
func Load(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("rmconfig: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("rmconfig: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Cache.Capacity == 0 {
		c.Cache.Capacity = 10000
	}
	if c.WAL.BufferSize == 0 {
		c.WAL.BufferSize = 1 << 20
	}
	if c.WAL.SegmentSizeLimit == 0 {
		c.WAL.SegmentSizeLimit = 64 << 20
	}
	if c.Tx.TxTimeoutMillis == 0 {
		c.Tx.TxTimeoutMillis = 5000
	}
	if c.Transport.URLPath == "" {
		c.Transport.URLPath = "/rm-events"
	}
}
