package backend

import (
	"context"
	"errors"
	"math/big"

	"devnode/forkdb"
	"devnode/types"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"
)

// ErrNoFork is returned when a fork operation is issued while the backend
// runs standalone.
var ErrNoFork = errors.New("no active fork")

// CreateFork connects to a remote chain and pins all fall-through state
// reads at the given block (nil pins the remote head). The active fork scope
// is swapped atomically: reads already in flight finish against the scope
// they started under. Returns an identifier for the new scope.
func (b *Backend) CreateFork(ctx context.Context, url string, pinnedBlock *big.Int) (uint64, error) {
	db, err := forkdb.Dial(ctx, url, pinnedBlock)
	if err != nil {
		return 0, err
	}
	id := b.forkSeq.Add(1)
	// The previous scope is dropped, not closed: readers still holding it
	// are allowed to finish.
	b.fork.Store(db)
	log.Info("Fork scope activated", "id", id, "pin", db.Pin())
	return id, nil
}

// RollFork re-pins the active fork at a different remote block, reusing the
// established connection. The cache of the old pin is abandoned with the old
// scope.
func (b *Backend) RollFork(pinnedBlock *big.Int) (uint64, error) {
	old := b.fork.Load()
	if old == nil {
		return 0, ErrNoFork
	}
	if pinnedBlock == nil {
		return 0, errors.New("roll fork: pinned block required")
	}
	db := forkdb.New(old.Client(), pinnedBlock, forkdb.DefaultCacheDir(pinnedBlock))
	id := b.forkSeq.Add(1)
	b.fork.Store(db)
	log.Info("Fork scope rolled", "id", id, "pin", pinnedBlock)
	return id, nil
}

// seedForkState lazily materializes the accounts a transaction touches from
// the fork snapshot into local execution state, so the EVM sees remote
// balances, nonces and code. Missing the remote endpoint rejects the
// transaction rather than executing it against wrong state.
func (b *Backend) seedForkState(statedb *state.StateDB, ptx *types.PoolTransaction) error {
	fork := b.fork.Load()
	if fork == nil {
		return nil
	}
	addrs := []common.Address{ptx.From}
	if to := ptx.Tx.To(); to != nil {
		addrs = append(addrs, *to)
	}
	for _, addr := range addrs {
		if statedb.Exist(addr) {
			continue
		}
		remote, err := fork.Account(context.Background(), addr)
		if err != nil {
			return err
		}
		bal, _ := uint256.FromBig(remote.Balance)
		statedb.SetBalance(addr, bal, tracing.BalanceChangeUnspecified)
		statedb.SetNonce(addr, remote.Nonce, tracing.NonceChangeUnspecified)
		if len(remote.Code) > 0 {
			statedb.SetCode(addr, remote.Code)
		}
	}
	return nil
}
