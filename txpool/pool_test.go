package txpool

import (
	"crypto/ecdsa"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"devnode/params"
	"devnode/state"
)

// testChain is an in-memory chain view backing the pool in tests.
type testChain struct {
	gasLimit uint64
	baseFee  *big.Int // base fee of the head block
	nextFee  *big.Int // base fee the next block will charge
	nonces   map[common.Address]uint64
	balances map[common.Address]*big.Int
}

func newTestChain() *testChain {
	return &testChain{
		gasLimit: params.DefaultGasLimit,
		baseFee:  new(big.Int).SetUint64(params.InitialBaseFee),
		nextFee:  new(big.Int).SetUint64(params.InitialBaseFee),
		nonces:   make(map[common.Address]uint64),
		balances: make(map[common.Address]*big.Int),
	}
}

func (c *testChain) CurrentHeader() *ethtypes.Header {
	return &ethtypes.Header{GasLimit: c.gasLimit, BaseFee: new(big.Int).Set(c.baseFee)}
}

func (c *testChain) BaseFee() *big.Int { return new(big.Int).Set(c.nextFee) }

func (c *testChain) StateReader() state.Reader { return c }

func (c *testChain) GetNonce(addr common.Address) uint64 { return c.nonces[addr] }

func (c *testChain) GetBalance(addr common.Address) *big.Int {
	if bal, ok := c.balances[addr]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

func (c *testChain) fund(addr common.Address, wei *big.Int) {
	c.balances[addr] = wei
}

func setupPool(t *testing.T) (*TxPool, *testChain) {
	t.Helper()
	chain := newTestChain()
	pool := New(DefaultConfig, params.DefaultChainID, chain)
	t.Cleanup(pool.Close)
	return pool, chain
}

func newKey(t *testing.T, chain *testChain) (*ecdsa.PrivateKey, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)
	chain.fund(addr, new(big.Int).Mul(big.NewInt(100), big.NewInt(1e18)))
	return key, addr
}

// transaction builds a signed transfer with the given nonce and tip. The fee
// cap clears the test chain's base fee with room for the tip.
func transaction(t *testing.T, key *ecdsa.PrivateKey, nonce, tip uint64) *ethtypes.Transaction {
	t.Helper()
	return pricedTransaction(t, key, nonce, params.TxGas, tip)
}

func pricedTransaction(t *testing.T, key *ecdsa.PrivateKey, nonce, gas, tip uint64) *ethtypes.Transaction {
	t.Helper()
	feeCap := new(big.Int).Add(new(big.Int).SetUint64(2 * params.InitialBaseFee), new(big.Int).SetUint64(tip))
	return dynamicTx(t, key, nonce, gas, new(big.Int).SetUint64(tip), feeCap)
}

func dynamicTx(t *testing.T, key *ecdsa.PrivateKey, nonce, gas uint64, tip, feeCap *big.Int) *ethtypes.Transaction {
	t.Helper()
	to := common.Address{0xde, 0xad}
	tx, err := ethtypes.SignNewTx(key, ethtypes.LatestSignerForChainID(params.DefaultChainID), &ethtypes.DynamicFeeTx{
		ChainID:   params.DefaultChainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     big.NewInt(100),
	})
	require.NoError(t, err)
	return tx
}

func TestAddExecutable(t *testing.T) {
	pool, chain := setupPool(t)
	key, addr := newKey(t, chain)

	require.NoError(t, pool.Add(transaction(t, key, 0, 1)))
	require.NoError(t, pool.Add(transaction(t, key, 1, 1)))

	pending, queued := pool.Stats()
	assert.Equal(t, 2, pending)
	assert.Equal(t, 0, queued)
	assert.Equal(t, uint64(2), pool.Nonce(addr))
}

func TestAddDuplicate(t *testing.T) {
	pool, chain := setupPool(t)
	key, _ := newKey(t, chain)

	tx := transaction(t, key, 0, 1)
	require.NoError(t, pool.Add(tx))
	assert.ErrorIs(t, pool.Add(tx), ErrAlreadyKnown)
}

func TestAddNonceTooLow(t *testing.T) {
	pool, chain := setupPool(t)
	key, addr := newKey(t, chain)
	chain.nonces[addr] = 3

	err := pool.Add(transaction(t, key, 2, 1))
	assert.ErrorIs(t, err, ErrNonceTooLow)

	pending, queued := pool.Stats()
	assert.Zero(t, pending+queued, "rejection must not mutate the pool")
}

func TestAddNonceGapQueues(t *testing.T) {
	pool, chain := setupPool(t)
	key, addr := newKey(t, chain)

	require.NoError(t, pool.Add(transaction(t, key, 2, 1)))
	pending, queued := pool.Stats()
	assert.Equal(t, 0, pending)
	assert.Equal(t, 1, queued)

	// Filling the gap promotes the queued successor
	require.NoError(t, pool.Add(transaction(t, key, 0, 1)))
	require.NoError(t, pool.Add(transaction(t, key, 1, 1)))
	pending, queued = pool.Stats()
	assert.Equal(t, 3, pending)
	assert.Equal(t, 0, queued)
	assert.Equal(t, uint64(3), pool.Nonce(addr))
}

func TestAddInsufficientFunds(t *testing.T) {
	pool, chain := setupPool(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)

	tx := transaction(t, key, 0, 1)
	chain.fund(addr, new(big.Int).Sub(tx.Cost(), big.NewInt(1)))
	assert.ErrorIs(t, pool.Add(tx), ErrInsufficientFunds)

	// Exact cost is accepted
	chain.fund(addr, tx.Cost())
	assert.NoError(t, pool.Add(tx))
}

func TestAddPooledExpenditureCounted(t *testing.T) {
	pool, chain := setupPool(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)

	first := transaction(t, key, 0, 1)
	second := transaction(t, key, 1, 1)

	// Balance covers each transaction alone but not both together
	budget := new(big.Int).Add(first.Cost(), new(big.Int).Div(second.Cost(), big.NewInt(2)))
	chain.fund(addr, budget)

	require.NoError(t, pool.Add(first))
	assert.ErrorIs(t, pool.Add(second), ErrInsufficientFunds)
}

func TestAddGasLimitExceedsBlock(t *testing.T) {
	pool, chain := setupPool(t)
	key, _ := newKey(t, chain)

	err := pool.Add(pricedTransaction(t, key, 0, chain.gasLimit+1, 1))
	assert.ErrorIs(t, err, ErrGasLimit)
}

func TestAddIntrinsicGas(t *testing.T) {
	pool, chain := setupPool(t)
	key, _ := newKey(t, chain)

	err := pool.Add(pricedTransaction(t, key, 0, params.TxGas-1, 1))
	assert.ErrorIs(t, err, ErrIntrinsicGas)
}

func TestReplaceByFee(t *testing.T) {
	pool, chain := setupPool(t)
	key, _ := newKey(t, chain)

	original := dynamicTx(t, key, 0, params.TxGas, big.NewInt(1000), new(big.Int).SetUint64(2 * params.InitialBaseFee))
	require.NoError(t, pool.Add(original))

	// Tip bumped but fee cap unchanged, still under the threshold
	weak := dynamicTx(t, key, 0, params.TxGas, big.NewInt(2000), new(big.Int).SetUint64(2 * params.InitialBaseFee))
	assert.ErrorIs(t, pool.Add(weak), ErrReplaceUnderpriced)

	// Sufficient bump on both fee cap and tip
	replacement := dynamicTx(t, key, 0, params.TxGas, big.NewInt(2000), new(big.Int).SetUint64(3 * params.InitialBaseFee))
	require.NoError(t, pool.Add(replacement))

	pending, queued := pool.Stats()
	assert.Equal(t, 1, pending)
	assert.Equal(t, 0, queued)
	assert.NotNil(t, pool.Get(replacement.Hash()))
}

func TestReadyOrdering(t *testing.T) {
	pool, chain := setupPool(t)
	keyA, _ := newKey(t, chain)
	keyB, _ := newKey(t, chain)
	keyC, _ := newKey(t, chain)

	lowTip := transaction(t, keyA, 0, 10)
	highTip := transaction(t, keyB, 0, 500)
	sameTip := transaction(t, keyC, 0, 10) // same tip as A, submitted later

	require.NoError(t, pool.Add(lowTip))
	require.NoError(t, pool.Add(highTip))
	require.NoError(t, pool.Add(sameTip))

	batch := pool.Ready(params.DefaultGasLimit)
	require.Len(t, batch, 3)
	assert.Equal(t, highTip.Hash(), batch[0].Hash(), "highest tip first")
	assert.Equal(t, lowTip.Hash(), batch[1].Hash(), "submission order breaks ties")
	assert.Equal(t, sameTip.Hash(), batch[2].Hash())
}

// Effective tips are computed against the base fee the next block will
// charge, not the head block's. A transaction whose fee cap barely clears the
// head fee loses most of its tip once the fee rises.
func TestReadyOrdersAtNextBaseFee(t *testing.T) {
	pool, chain := setupPool(t)
	keyA, _ := newKey(t, chain)
	keyB, _ := newKey(t, chain)

	chain.nextFee = new(big.Int).SetUint64(params.InitialBaseFee + 8)

	// Effective tip 10 at the head fee, but only 2 at the next fee.
	capped := dynamicTx(t, keyA, 0, params.TxGas, big.NewInt(1000),
		new(big.Int).SetUint64(params.InitialBaseFee+10))
	// Effective tip 5 at either fee.
	steady := dynamicTx(t, keyB, 0, params.TxGas, big.NewInt(5),
		new(big.Int).SetUint64(2*params.InitialBaseFee))

	require.NoError(t, pool.Add(capped))
	require.NoError(t, pool.Add(steady))

	batch := pool.Ready(params.DefaultGasLimit)
	require.Len(t, batch, 2)
	assert.Equal(t, steady.Hash(), batch[0].Hash())
	assert.Equal(t, capped.Hash(), batch[1].Hash())
}

func TestReadyNonceContiguous(t *testing.T) {
	pool, chain := setupPool(t)
	key, _ := newKey(t, chain)

	// Nonce 1 pays a far better tip than nonce 0 but must still come second
	require.NoError(t, pool.Add(transaction(t, key, 0, 1)))
	require.NoError(t, pool.Add(transaction(t, key, 1, 100000)))

	batch := pool.Ready(params.DefaultGasLimit)
	require.Len(t, batch, 2)
	assert.Equal(t, uint64(0), batch[0].Nonce())
	assert.Equal(t, uint64(1), batch[1].Nonce())
}

func TestReadyExcludesQueued(t *testing.T) {
	pool, chain := setupPool(t)
	key, _ := newKey(t, chain)

	require.NoError(t, pool.Add(transaction(t, key, 0, 1)))
	require.NoError(t, pool.Add(transaction(t, key, 2, 1))) // gapped

	batch := pool.Ready(params.DefaultGasLimit)
	require.Len(t, batch, 1)
	assert.Equal(t, uint64(0), batch[0].Nonce())
}

func TestReadyGasTruncation(t *testing.T) {
	pool, chain := setupPool(t)
	keyA, _ := newKey(t, chain)
	keyB, _ := newKey(t, chain)

	headA := transaction(t, keyA, 0, 100)
	bigA := pricedTransaction(t, keyA, 1, 2*params.TxGas, 100)
	headB := transaction(t, keyB, 0, 1)
	require.NoError(t, pool.Add(headA))
	require.NoError(t, pool.Add(bigA))
	require.NoError(t, pool.Add(headB))

	// Budget for two transfers: A's second tx no longer fits, so A is
	// dropped for this batch and B's lower tip still makes it in.
	batch := pool.Ready(2 * params.TxGas)
	require.Len(t, batch, 2)
	assert.Equal(t, headA.Hash(), batch[0].Hash())
	assert.Equal(t, headB.Hash(), batch[1].Hash())

	var gas uint64
	for _, tx := range batch {
		gas += tx.Gas()
	}
	assert.LessOrEqual(t, gas, 2*params.TxGas)
}

func TestReadyNonDestructive(t *testing.T) {
	pool, chain := setupPool(t)
	key, _ := newKey(t, chain)

	require.NoError(t, pool.Add(transaction(t, key, 0, 1)))
	first := pool.Ready(params.DefaultGasLimit)
	second := pool.Ready(params.DefaultGasLimit)
	assert.Equal(t, len(first), len(second))
}

func TestOnMined(t *testing.T) {
	pool, chain := setupPool(t)
	key, addr := newKey(t, chain)

	tx0 := transaction(t, key, 0, 1)
	tx1 := transaction(t, key, 1, 1)
	gapped := transaction(t, key, 3, 1)
	require.NoError(t, pool.Add(tx0))
	require.NoError(t, pool.Add(tx1))
	require.NoError(t, pool.Add(gapped))

	before := len(pool.Ready(params.DefaultGasLimit))

	// Block included both executable transactions
	chain.nonces[addr] = 2
	pool.OnMined([]common.Hash{tx0.Hash(), tx1.Hash()})

	after := len(pool.Ready(params.DefaultGasLimit))
	assert.Equal(t, before-2, after, "ready count shrinks by exactly the included count")
	assert.Nil(t, pool.Get(tx0.Hash()))
	assert.Nil(t, pool.Get(tx1.Hash()))

	// The gap is still open, nonce 3 stays queued
	pending, queued := pool.Stats()
	assert.Equal(t, 0, pending)
	assert.Equal(t, 1, queued)

	// Closing the gap promotes the parked transaction
	require.NoError(t, pool.Add(transaction(t, key, 2, 1)))
	pending, queued = pool.Stats()
	assert.Equal(t, 2, pending)
	assert.Equal(t, 0, queued)
}

func TestOnMinedDropsUnpayable(t *testing.T) {
	pool, chain := setupPool(t)
	key, addr := newKey(t, chain)

	tx0 := transaction(t, key, 0, 1)
	tx1 := transaction(t, key, 1, 1)
	require.NoError(t, pool.Add(tx0))
	require.NoError(t, pool.Add(tx1))

	// The block included nonce 0 and drained the account
	chain.nonces[addr] = 1
	chain.fund(addr, new(big.Int))
	pool.OnMined([]common.Hash{tx0.Hash()})

	pending, queued := pool.Stats()
	assert.Zero(t, pending+queued, "unaffordable leftovers must be dropped")
	assert.Nil(t, pool.Get(tx1.Hash()))
}

func TestReadinessEvent(t *testing.T) {
	pool, chain := setupPool(t)
	key, _ := newKey(t, chain)

	ch := make(chan ReadyTxsEvent, 4)
	sub := pool.SubscribeReadyTxs(ch)
	defer sub.Unsubscribe()

	tx := transaction(t, key, 0, 1)
	require.NoError(t, pool.Add(tx))

	select {
	case ev := <-ch:
		require.Len(t, ev.Txs, 1)
		assert.Equal(t, tx.Hash(), ev.Txs[0].Hash())
	case <-time.After(time.Second):
		t.Fatal("no readiness event for executable transaction")
	}

	// A queued transaction must not announce readiness
	require.NoError(t, pool.Add(transaction(t, key, 5, 1)))
	select {
	case ev := <-ch:
		t.Fatalf("unexpected readiness event for queued transaction: %v", ev.Txs.Hashes())
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEvictStale(t *testing.T) {
	pool, chain := setupPool(t)
	key, _ := newKey(t, chain)

	ch := make(chan DroppedTxsEvent, 1)
	sub := pool.SubscribeDroppedTxs(ch)
	defer sub.Unsubscribe()

	executable := transaction(t, key, 0, 1)
	gapped := transaction(t, key, 5, 1)
	require.NoError(t, pool.Add(executable))
	require.NoError(t, pool.Add(gapped))

	// Backdate everything; only the queued transaction may be evicted
	pool.mu.Lock()
	for _, tx := range pool.all {
		tx.AddedAt = time.Now().Add(-time.Hour)
	}
	pool.mu.Unlock()

	dropped := pool.EvictStale(time.Minute)
	require.Len(t, dropped, 1)
	assert.Equal(t, gapped.Hash(), dropped[0].Hash())

	select {
	case ev := <-ch:
		require.Len(t, ev.Txs, 1)
		assert.Equal(t, gapped.Hash(), ev.Txs[0].Hash())
	case <-time.After(time.Second):
		t.Fatal("no drop event for evicted transaction")
	}

	pending, queued := pool.Stats()
	assert.Equal(t, 1, pending, "executable transactions are never evicted")
	assert.Equal(t, 0, queued)
}

func TestDropDemotesSuccessors(t *testing.T) {
	pool, chain := setupPool(t)
	key, _ := newKey(t, chain)

	tx0 := transaction(t, key, 0, 1)
	tx1 := transaction(t, key, 1, 1)
	require.NoError(t, pool.Add(tx0))
	require.NoError(t, pool.Add(tx1))

	pool.Drop([]common.Hash{tx0.Hash()})

	// Removing nonce 0 reopens the gap in front of nonce 1
	pending, queued := pool.Stats()
	assert.Equal(t, 0, pending)
	assert.Equal(t, 1, queued)
	assert.Nil(t, pool.Get(tx0.Hash()))
	assert.NotNil(t, pool.Get(tx1.Hash()))
}
