package backend

import (
	"context"
	"math/big"

	"devnode/forkdb"
	"devnode/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
)

// AccountState is the externally visible view of an account.
type AccountState struct {
	Balance *big.Int
	Nonce   uint64
	Code    []byte
}

// ReadAccount returns the account as seen by the next transaction: local
// state first, falling through to the active fork when the account was never
// touched locally. A fork fetch failure surfaces as a typed read error.
func (b *Backend) ReadAccount(ctx context.Context, addr common.Address) (*AccountState, error) {
	// Pin the fork scope up front: the read completes against the scope it
	// started under even if the fork is swapped meanwhile.
	fork := b.fork.Load()
	statedb, err := b.readState()
	if err != nil {
		return nil, err
	}
	if statedb.Exist(addr) || fork == nil {
		return &AccountState{
			Balance: statedb.GetBalance(addr).ToBig(),
			Nonce:   statedb.GetNonce(addr),
			Code:    statedb.GetCode(addr),
		}, nil
	}

	remote, err := fork.Account(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &AccountState{Balance: remote.Balance, Nonce: remote.Nonce, Code: remote.Code}, nil
}

// BalanceAt returns the balance of the account at the head state.
func (b *Backend) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	acct, err := b.ReadAccount(ctx, addr)
	if err != nil {
		return nil, err
	}
	return acct.Balance, nil
}

// NonceAt returns the next expected nonce of the account.
func (b *Backend) NonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	acct, err := b.ReadAccount(ctx, addr)
	if err != nil {
		return 0, err
	}
	return acct.Nonce, nil
}

// CodeAt returns the contract code of the account.
func (b *Backend) CodeAt(ctx context.Context, addr common.Address) ([]byte, error) {
	acct, err := b.ReadAccount(ctx, addr)
	if err != nil {
		return nil, err
	}
	return acct.Code, nil
}

// ReadStorage returns a storage slot of the account: locally if the account
// lives in local state, from the fork otherwise.
func (b *Backend) ReadStorage(ctx context.Context, addr common.Address, slot common.Hash) (common.Hash, error) {
	fork := b.fork.Load()
	statedb, err := b.readState()
	if err != nil {
		return common.Hash{}, err
	}
	if statedb.Exist(addr) || fork == nil {
		return statedb.GetState(addr, slot), nil
	}
	return fork.StorageAt(ctx, addr, slot)
}

// StateReader exposes the committed head state to the transaction pool.
// Fork-backed accounts resolve through the cache; a failing remote read is
// logged and reported as an empty account, matching "unknown sender".
func (b *Backend) StateReader() state.Reader {
	return stateView{b: b}
}

type stateView struct {
	b *Backend
}

func (v stateView) GetNonce(addr common.Address) uint64 {
	acct, err := v.b.ReadAccount(context.Background(), addr)
	if err != nil {
		log.Warn("State read failed, treating account as empty", "addr", addr, "err", err)
		return 0
	}
	return acct.Nonce
}

func (v stateView) GetBalance(addr common.Address) *big.Int {
	acct, err := v.b.ReadAccount(context.Background(), addr)
	if err != nil {
		log.Warn("State read failed, treating account as empty", "addr", addr, "err", err)
		return new(big.Int)
	}
	return acct.Balance
}

// Fork returns the active fork scope, or nil when running standalone.
func (b *Backend) Fork() *forkdb.DB {
	return b.fork.Load()
}
