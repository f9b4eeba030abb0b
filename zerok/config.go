package zerok

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/PythonRysh/espresso/ecrypto"
)

// Config collects everything a [Node] needs to run.
// The zero value is not usable; load one with [LoadConfig]
// or populate the fields directly for embedding.
type Config struct {
	// Moniker names the node in logs and status output.
	// Defaults to a generated pet name.
	Moniker string `mapstructure:"moniker"`

	// DataDir is the root for all on-disk state.
	// Required unless InMemory is set.
	DataDir string `mapstructure:"data_dir"`

	// InMemory replaces every store with a memory-backed one.
	// Nothing survives a restart. Intended for tests and demos.
	InMemory bool `mapstructure:"in_memory"`

	// GenesisFile is the path to the genesis document,
	// consulted when Genesis is nil.
	GenesisFile string `mapstructure:"genesis_file"`

	// Genesis overrides GenesisFile when set.
	Genesis *GenesisDoc `mapstructure:"-"`

	// SigningKeyFile holds the hex seed of the node's consensus key.
	// Leave empty, along with SignerSocket and Signer,
	// to run as a non-validating observer.
	SigningKeyFile string `mapstructure:"signing_key_file"`

	// SignerSocket is the path of a remote signer's unix socket.
	// Takes precedence over SigningKeyFile.
	SignerSocket string `mapstructure:"signer_socket"`

	// Signer overrides both key file and socket when set.
	Signer ecrypto.Signer `mapstructure:"-"`

	P2P       P2PConfig       `mapstructure:"p2p"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Mempool   MempoolConfig   `mapstructure:"mempool"`
	Consensus ConsensusConfig `mapstructure:"consensus"`
	Payloads  PayloadConfig   `mapstructure:"payloads"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
}

// P2PConfig controls the libp2p host.
type P2PConfig struct {
	// ListenAddrs are multiaddrs to listen on.
	ListenAddrs []string `mapstructure:"listen_addrs"`

	// SeedAddrs are multiaddrs of peers to dial at startup.
	SeedAddrs []string `mapstructure:"seed_addrs"`

	// EnableDHT turns on kademlia peer discovery.
	EnableDHT bool `mapstructure:"enable_dht"`
}

// HTTPConfig controls the HTTP API.
type HTTPConfig struct {
	// ListenAddr is the host:port to serve on.
	// Empty disables the HTTP server.
	ListenAddr string `mapstructure:"listen_addr"`
}

// MempoolConfig controls transaction admission.
type MempoolConfig struct {
	// Capacity caps the number of pending transactions.
	Capacity int `mapstructure:"capacity"`

	// MaxPayloadBytes caps the encoded size of one proposal payload.
	MaxPayloadBytes int `mapstructure:"max_payload_bytes"`
}

// ConsensusConfig tunes view pacing.
// Zero values fall back to the engine's defaults.
type ConsensusConfig struct {
	ViewBase      time.Duration `mapstructure:"view_base"`
	ViewIncrement time.Duration `mapstructure:"view_increment"`
}

// PayloadConfig tunes erasure-coded payload dissemination.
type PayloadConfig struct {
	DataShreds   int `mapstructure:"data_shreds"`
	ParityShreds int `mapstructure:"parity_shreds"`

	// StaleAfter bounds how long partial payloads are retained.
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

// ArchiveConfig controls the postgres block archive.
type ArchiveConfig struct {
	// PostgresDSN is the connection string.
	// Empty disables archiving.
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

const (
	defaultDataShreds   = 8
	defaultParityShreds = 4
	defaultStaleAfter   = time.Minute
)

// LoadConfig reads configuration from the file at path,
// the usual config directories when path is empty,
// and ZEROK_-prefixed environment variables.
func LoadConfig(path string) (Config, error) {
	v := viper.New()

	// Every key needs a default so environment overrides
	// are visible to Unmarshal.
	v.SetDefault("moniker", "")
	v.SetDefault("data_dir", "")
	v.SetDefault("in_memory", false)
	v.SetDefault("genesis_file", "")
	v.SetDefault("signing_key_file", "")
	v.SetDefault("signer_socket", "")
	v.SetDefault("p2p.listen_addrs", []string{"/ip4/0.0.0.0/tcp/9620"})
	v.SetDefault("p2p.seed_addrs", []string(nil))
	v.SetDefault("p2p.enable_dht", false)
	v.SetDefault("http.listen_addr", "127.0.0.1:9621")
	v.SetDefault("mempool.capacity", 0)
	v.SetDefault("mempool.max_payload_bytes", 0)
	v.SetDefault("consensus.view_base", time.Duration(0))
	v.SetDefault("consensus.view_increment", time.Duration(0))
	v.SetDefault("payloads.data_shreds", defaultDataShreds)
	v.SetDefault("payloads.parity_shreds", defaultParityShreds)
	v.SetDefault("payloads.stale_after", defaultStaleAfter)
	v.SetDefault("archive.postgres_dsn", "")

	v.SetEnvPrefix("ZEROK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("zerok")
		v.AddConfigPath("/etc/zerok/")
		v.AddConfigPath("$HOME/.zerok")
		v.AddConfigPath(".")

		if err := v.ReadInConfig(); err != nil {
			// Running entirely on defaults and environment is fine.
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshaling config: %w", err)
	}

	return cfg, nil
}
