package state

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Reader is the view of committed chain state the transaction pool validates
// against. The backend implements it on top of the current head state;
// readers always observe either the pre-block or the fully committed
// post-block state, never a partially applied one.
type Reader interface {
	// GetNonce returns the next expected on-chain nonce of the account.
	GetNonce(common.Address) uint64

	// GetBalance returns the spendable balance of the account.
	GetBalance(common.Address) *big.Int
}
