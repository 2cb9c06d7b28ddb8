package types

import (
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

// RejectedTx reports a transaction that was selected for a block but failed
// pre-execution validation (stale nonce, insufficient funds) when it was
// actually applied. Rejected transactions are excluded from the block
// entirely; they are distinct from transactions that executed and reverted,
// which are included with a failed receipt.
type RejectedTx struct {
	Hash common.Hash
	Err  error
}

// MinedBlock is the outcome of a single block production run.
type MinedBlock struct {
	Block    *ethtypes.Block
	Receipts ethtypes.Receipts

	// Included holds the hashes of the transactions that made it into the
	// block, in block order.
	Included []common.Hash

	// Rejected holds the transactions dropped at inclusion time.
	Rejected []RejectedTx
}

// ChainHeadEvent is posted when a new block becomes the chain head.
type ChainHeadEvent struct {
	Block    *ethtypes.Block
	Receipts ethtypes.Receipts
}
