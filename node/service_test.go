package node

import (
	"context"
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
)

var ether = big.NewInt(1e18)

func newTestService(t *testing.T, mode params.MiningMode) (*Service, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	config := params.DefaultNodeConfig
	config.Mining = mode
	config.Alloc = map[common.Address]*big.Int{
		crypto.PubkeyToAddress(key.PublicKey): new(big.Int).Mul(big.NewInt(100), ether),
	}
	svc, err := New(config)
	require.NoError(t, err)
	svc.Start()
	t.Cleanup(svc.Stop)
	return svc, key
}

func transfer(t *testing.T, key *ecdsa.PrivateKey, nonce uint64, to common.Address) *ethtypes.Transaction {
	t.Helper()
	tx, err := ethtypes.SignNewTx(key, ethtypes.LatestSignerForChainID(params.DefaultChainID), &ethtypes.DynamicFeeTx{
		ChainID:   params.DefaultChainID,
		Nonce:     nonce,
		GasTipCap: big.NewInt(1),
		GasFeeCap: new(big.Int).SetUint64(2 * params.InitialBaseFee),
		Gas:       params.TxGas,
		To:        &to,
		Value:     big.NewInt(1000),
	})
	require.NoError(t, err)
	return tx
}

func TestAutoMining(t *testing.T) {
	svc, key := newTestService(t, params.AutoMining())
	recipient := common.Address{0xaa}

	require.NoError(t, svc.Pool().Add(transfer(t, key, 0, recipient)))

	require.Eventually(t, func() bool {
		return svc.Backend().CurrentHeader().Number.Uint64() >= 1
	}, 5*time.Second, 10*time.Millisecond, "submission never triggered a block")

	bal, err := svc.Backend().BalanceAt(context.Background(), recipient)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), bal.Int64())

	pending, queued := svc.Pool().Stats()
	assert.Zero(t, pending+queued, "included transaction must leave the pool")
	assert.GreaterOrEqual(t, svc.FeeHistory().Len(), 1)
}

func TestIntervalMining(t *testing.T) {
	svc, _ := newTestService(t, params.IntervalMining(20*time.Millisecond))

	// Empty blocks keep coming without any submissions
	require.Eventually(t, func() bool {
		return svc.Backend().CurrentHeader().Number.Uint64() >= 2
	}, 5*time.Second, 10*time.Millisecond)

	assert.GreaterOrEqual(t, svc.FeeHistory().Len(), 2)
}

func TestManualMining(t *testing.T) {
	svc, key := newTestService(t, params.ManualMining())
	recipient := common.Address{0xbb}

	require.NoError(t, svc.Pool().Add(transfer(t, key, 0, recipient)))

	// Nothing happens on its own
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, uint64(0), svc.Backend().CurrentHeader().Number.Uint64())

	blocks, err := svc.MineBlocks(2)
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.Len(t, blocks[0].Included, 1)
	assert.Empty(t, blocks[1].Included, "second block has nothing left to carry")
	assert.Equal(t, uint64(2), svc.Backend().CurrentHeader().Number.Uint64())

	bal, err := svc.Backend().BalanceAt(context.Background(), recipient)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), bal.Int64())
}

func TestSwitchToAutoMinesBacklog(t *testing.T) {
	svc, key := newTestService(t, params.ManualMining())

	require.NoError(t, svc.Pool().Add(transfer(t, key, 0, common.Address{0xcc})))
	svc.SetMiningMode(params.AutoMining())

	require.Eventually(t, func() bool {
		return svc.Backend().CurrentHeader().Number.Uint64() >= 1
	}, 5*time.Second, 10*time.Millisecond, "backlog not picked up after mode switch")
}

func TestMineBlocksAfterStop(t *testing.T) {
	svc, _ := newTestService(t, params.ManualMining())
	svc.Stop()

	_, err := svc.MineBlocks(1)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestMineBlocksZero(t *testing.T) {
	svc, _ := newTestService(t, params.ManualMining())

	blocks, err := svc.MineBlocks(0)
	require.NoError(t, err)
	assert.Empty(t, blocks)
	assert.Equal(t, uint64(0), svc.Backend().CurrentHeader().Number.Uint64())
}
