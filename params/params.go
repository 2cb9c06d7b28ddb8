package params

import "math/big"

var (
	// TxGas is the gas charged by any transaction not creating a contract.
	TxGas uint64 = 21000

	// ElasticityMultiplier bounds the maximum block gas used to a multiple of
	// the gas target. A block's gas target is GasLimit / ElasticityMultiplier.
	ElasticityMultiplier uint64 = 2

	// BaseFeeChangeDenominator bounds the per-block base fee delta to one
	// eighth of the parent base fee.
	BaseFeeChangeDenominator uint64 = 8

	// InitialBaseFee is the base fee of the genesis block: 1 gwei.
	InitialBaseFee uint64 = 1_000_000_000

	// MinBaseFee is the floor the base fee can never drop below, no matter
	// how many consecutive empty blocks are produced.
	MinBaseFee uint64 = 7

	// DefaultGasLimit is the block gas limit used when none is configured.
	DefaultGasLimit uint64 = 30_000_000
)

// DefaultChainID identifies the local development chain.
var DefaultChainID = big.NewInt(1337)
