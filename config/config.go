package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

type DBConfig struct {
	Path string `toml:"path"`

	// Optional archival index (mongo). Empty URI disables it.
	ArchiveURI      string `toml:"archive_uri"`
	ArchiveDatabase string `toml:"archive_database"`
}

type LoggerOptions struct {
	Level               []string `toml:"level"`
	LogBackTraceEnabled bool     `toml:"log_backtrace_enabled"`
}

type NetConfig struct {
	ListenAddr     string   `toml:"listen"`
	SeedPeers      []string `toml:"seed_peers"`
	MaxConnections int      `toml:"max_connections"`
}

type RPCConfig struct {
	Bind string `toml:"bind"`
}

type MempoolConfig struct {
	MaxSizeBytes     int64 `toml:"max_size_bytes"`
	OrphanTTLSecs    int64 `toml:"orphan_ttl_secs"`
	MaxOrphans       int   `toml:"max_orphans"`
	MinRelayFeePerKB int64 `toml:"min_relay_fee_per_kb"`
}

// ChainParams carries the consensus parameters. The subsidy schedule and the
// participation activation height have no compiled-in defaults: the network
// operator must state them. Validate rejects a zero activation height,
// initial subsidy or halving interval; the subsidy floor only has to be
// non-negative, so a floor of zero is accepted.
type ChainParams struct {
	Magic uint32 `toml:"magic"`

	ActivationHeight int64 `toml:"activation_height"`
	InitialSubsidy   int64 `toml:"initial_subsidy"`
	HalvingInterval  int64 `toml:"halving_interval"`
	SubsidyFloor     int64 `toml:"subsidy_floor"`

	CoinbaseMaturity int64 `toml:"coinbase_maturity"`
	StakeMaturity    int64 `toml:"stake_maturity"`
	MinStake         int64 `toml:"min_stake"`

	TargetSpacingSecs int64 `toml:"target_spacing_secs"`

	GenesisTimestamp uint32 `toml:"genesis_timestamp"`
	GenesisMessage   string `toml:"genesis_message"`
	GenesisValue     int64  `toml:"genesis_value"`
}

type Config struct {
	DataDir string        `toml:"data_dir"`
	DB      DBConfig      `toml:"db"`
	Logger  LoggerOptions `toml:"logger"`
	Net     NetConfig     `toml:"net"`
	RPC     RPCConfig     `toml:"rpc"`
	Mempool MempoolConfig `toml:"mempool"`
	Chain   ChainParams   `toml:"chain"`

	Generate bool `toml:"generate"`
}

func LoadConfig(path string) (*Config, error) {

	var config Config
	metaData, err := toml.DecodeFile(path, &config)
	if err != nil {
		return nil, err
	}

	if len(metaData.Undecoded()) > 0 {
		return nil, (fmt.Errorf("undecoded fields: %v", metaData.Undecoded()))
	}

	if err := config.Chain.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate refuses the consensus parameters the upstream sources disagree on
// rather than guessing them.
func (p *ChainParams) Validate() error {
	switch {
	case p.ActivationHeight <= 0:
		return fmt.Errorf("chain.activation_height must be set")
	case p.InitialSubsidy <= 0:
		return fmt.Errorf("chain.initial_subsidy must be set")
	case p.HalvingInterval <= 0:
		return fmt.Errorf("chain.halving_interval must be set")
	case p.SubsidyFloor < 0:
		return fmt.Errorf("chain.subsidy_floor must be non-negative")
	case p.CoinbaseMaturity <= 0:
		return fmt.Errorf("chain.coinbase_maturity must be set")
	case p.StakeMaturity <= 0:
		return fmt.Errorf("chain.stake_maturity must be set")
	case p.MinStake <= 0:
		return fmt.Errorf("chain.min_stake must be set")
	case p.GenesisTimestamp == 0:
		return fmt.Errorf("chain.genesis_timestamp must be set")
	}
	if p.TargetSpacingSecs == 0 {
		p.TargetSpacingSecs = 120
	}
	return nil
}
