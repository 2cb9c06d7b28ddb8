package params

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	ethparams "github.com/ethereum/go-ethereum/params"
)

// NodeConfig are the configuration parameters of the chain-simulation core.
// The config is consumed once at construction time and never re-read while
// the node is running.
type NodeConfig struct {
	ChainID *big.Int // Identifier baked into signed transactions

	GasLimit       uint64   // Gas limit of every produced block
	InitialBaseFee *big.Int // Base fee of the genesis block

	Mining MiningMode // When blocks get produced

	ForkURL   string   // Endpoint of the chain to fork, empty disables forking
	ForkBlock *big.Int // Pinned remote block, nil pins the remote head

	FeeHistoryLimit  int           // Number of recent blocks kept for fee history queries
	EvictionInterval time.Duration // Period of the stale transaction sweep
	TxLifetime       time.Duration // Maximum age of a queued transaction before eviction

	// Alloc funds the given accounts at genesis.
	Alloc map[common.Address]*big.Int
}

// DefaultNodeConfig contains the default configuration of the node core.
var DefaultNodeConfig = NodeConfig{
	ChainID:          DefaultChainID,
	GasLimit:         DefaultGasLimit,
	InitialBaseFee:   new(big.Int).SetUint64(InitialBaseFee),
	Mining:           AutoMining(),
	FeeHistoryLimit:  1024,
	EvictionInterval: time.Minute,
	TxLifetime:       3 * time.Hour,
}

// Sanitize checks the provided user configuration and changes anything that's
// unreasonable or unworkable.
func (config *NodeConfig) Sanitize() NodeConfig {
	conf := *config
	if conf.ChainID == nil {
		conf.ChainID = DefaultChainID
	}
	if conf.GasLimit < TxGas {
		log.Warn("Sanitizing invalid node gas limit", "provided", conf.GasLimit, "updated", DefaultNodeConfig.GasLimit)
		conf.GasLimit = DefaultNodeConfig.GasLimit
	}
	if conf.InitialBaseFee == nil || conf.InitialBaseFee.Sign() <= 0 {
		log.Warn("Sanitizing invalid initial base fee", "provided", conf.InitialBaseFee, "updated", DefaultNodeConfig.InitialBaseFee)
		conf.InitialBaseFee = new(big.Int).Set(DefaultNodeConfig.InitialBaseFee)
	}
	if period, ok := conf.Mining.Interval(); ok && period < time.Millisecond {
		log.Warn("Sanitizing invalid mining interval", "provided", period, "updated", time.Second)
		conf.Mining = IntervalMining(time.Second)
	}
	if conf.FeeHistoryLimit < 1 {
		log.Warn("Sanitizing invalid fee history limit", "provided", conf.FeeHistoryLimit, "updated", DefaultNodeConfig.FeeHistoryLimit)
		conf.FeeHistoryLimit = DefaultNodeConfig.FeeHistoryLimit
	}
	if conf.EvictionInterval < time.Second {
		log.Warn("Sanitizing invalid eviction interval", "provided", conf.EvictionInterval, "updated", DefaultNodeConfig.EvictionInterval)
		conf.EvictionInterval = DefaultNodeConfig.EvictionInterval
	}
	if conf.TxLifetime < 1 {
		log.Warn("Sanitizing invalid transaction lifetime", "provided", conf.TxLifetime, "updated", DefaultNodeConfig.TxLifetime)
		conf.TxLifetime = DefaultNodeConfig.TxLifetime
	}
	return conf
}

// ChainConfig derives the protocol rule set for the local chain. All forks
// are enabled from genesis, matching a fresh development chain.
func (config *NodeConfig) ChainConfig() *ethparams.ChainConfig {
	conf := *ethparams.AllDevChainProtocolChanges
	conf.ChainID = new(big.Int).Set(config.ChainID)
	return &conf
}
