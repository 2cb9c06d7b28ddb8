package types

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

// PoolTransaction is a transaction held by the pool, together with the
// metadata the pool needs to order and age it. The sender is recovered once
// at submission so later stages never re-derive it.
type PoolTransaction struct {
	Tx      *ethtypes.Transaction
	From    common.Address
	ID      uint64    // submission order, used as an ordering tiebreak
	AddedAt time.Time // when the transaction entered the pool
}

// Hash returns the transaction hash.
func (tx *PoolTransaction) Hash() common.Hash {
	return tx.Tx.Hash()
}

// Nonce returns the transaction nonce.
func (tx *PoolTransaction) Nonce() uint64 {
	return tx.Tx.Nonce()
}

// Gas returns the gas limit of the transaction.
func (tx *PoolTransaction) Gas() uint64 {
	return tx.Tx.Gas()
}

// Cost returns the maximum amount of funds the transaction can consume:
// value + gasLimit * gasFeeCap.
func (tx *PoolTransaction) Cost() *big.Int {
	return tx.Tx.Cost()
}

// EffectiveTip returns the priority fee per gas the transaction pays the
// block producer on top of the given base fee. Legacy transactions report
// their gas price minus the base fee.
func (tx *PoolTransaction) EffectiveTip(baseFee *big.Int) *big.Int {
	if baseFee == nil {
		return tx.Tx.GasTipCap()
	}
	return tx.Tx.EffectiveGasTipValue(baseFee)
}

// PoolTransactions is a slice of pool transactions.
type PoolTransactions []*PoolTransaction

// Hashes returns the hashes of all transactions in the slice.
func (txs PoolTransactions) Hashes() []common.Hash {
	hashes := make([]common.Hash, len(txs))
	for i, tx := range txs {
		hashes[i] = tx.Hash()
	}
	return hashes
}
