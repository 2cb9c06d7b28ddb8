package backend

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"devnode/forkdb"
	"devnode/params"
	"devnode/types"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/tracing"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	ethparams "github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/ethereum/go-ethereum/triedb"
	"github.com/holiman/uint256"
)

// Backend owns all chain state: accounts, storage, blocks and receipts. It
// executes transaction batches through an EVM, one block at a time, and
// computes the fee market of the next block. State reads that miss locally
// fall through to the active fork, if one is configured.
//
// Block production is serialized by the caller (the node service guarantees
// at most one MineBlock in flight), so execution itself runs lock-free on a
// copy of the head state; only the final commit swap takes the write lock.
// Readers therefore observe either the pre-block or the fully committed
// post-block state, never a partially applied one.
type Backend struct {
	config      params.NodeConfig
	chainConfig *ethparams.ChainConfig
	signer      ethtypes.Signer

	db     state.Database
	triedb *triedb.Database

	mu      sync.RWMutex // the block-commit boundary
	statedb *state.StateDB
	head    *ethtypes.Header
	baseFee *big.Int // base fee of the next produced block
	store   *chainStore

	fork    atomic.Pointer[forkdb.DB]
	forkSeq atomic.Uint64

	chainFeed event.Feed
	scope     event.SubscriptionScope

	now func() uint64 // timestamp source, swappable in tests
}

// New constructs a backend with a funded genesis block. If the config names
// a fork URL the remote connection is established here; a bad or unreachable
// endpoint is a construction failure, never a runtime one.
func New(config params.NodeConfig) (*Backend, error) {
	config = config.Sanitize()

	diskdb := rawdb.NewMemoryDatabase()
	tdb := triedb.NewDatabase(diskdb, triedb.HashDefaults)
	sdb := state.NewDatabase(tdb, nil)

	statedb, err := state.New(ethtypes.EmptyRootHash, sdb)
	if err != nil {
		return nil, fmt.Errorf("genesis state: %w", err)
	}
	for addr, balance := range config.Alloc {
		bal, overflow := uint256.FromBig(balance)
		if overflow {
			return nil, fmt.Errorf("genesis balance of %x overflows", addr)
		}
		statedb.SetBalance(addr, bal, tracing.BalanceIncreaseGenesisBalance)
	}
	root, err := statedb.Commit(0, true, false)
	if err != nil {
		return nil, fmt.Errorf("genesis commit: %w", err)
	}
	if err := tdb.Commit(root, false); err != nil {
		return nil, fmt.Errorf("genesis trie commit: %w", err)
	}
	statedb, err = state.New(root, sdb)
	if err != nil {
		return nil, err
	}

	b := &Backend{
		config:      config,
		chainConfig: config.ChainConfig(),
		db:          sdb,
		triedb:      tdb,
		statedb:     statedb,
		store:       newChainStore(),
		baseFee:     new(big.Int).Set(config.InitialBaseFee),
		now:         func() uint64 { return uint64(time.Now().Unix()) },
	}
	b.signer = ethtypes.LatestSigner(b.chainConfig)

	genesis := ethtypes.NewBlock(&ethtypes.Header{
		Number:     new(big.Int),
		GasLimit:   config.GasLimit,
		BaseFee:    new(big.Int).Set(config.InitialBaseFee),
		Time:       b.now(),
		Root:       root,
		Difficulty: new(big.Int),
	}, &ethtypes.Body{}, nil, trie.NewStackTrie(nil))
	b.store.add(genesis, nil)
	b.head = genesis.Header()

	if config.ForkURL != "" {
		if _, err := b.CreateFork(context.Background(), config.ForkURL, config.ForkBlock); err != nil {
			return nil, err
		}
	}
	log.Info("Chain backend ready", "chainid", b.chainConfig.ChainID, "gaslimit", config.GasLimit, "basefee", b.baseFee)
	return b, nil
}

// MineBlock executes the batch in order against a copy of the head state and
// commits exactly one new block. Transactions that revert or run out of gas
// stay in the block with a failed receipt; transactions that fail
// pre-execution validation are dropped from the block and reported in the
// outcome's Rejected set. The caller must not issue a second MineBlock before
// this one returns.
func (b *Backend) MineBlock(batch types.PoolTransactions) (*types.MinedBlock, error) {
	parent := b.CurrentHeader()
	header := &ethtypes.Header{
		ParentHash: parent.Hash(),
		Number:     new(big.Int).Add(parent.Number, common.Big1),
		GasLimit:   b.config.GasLimit,
		Time:       b.timestampAfter(parent),
		BaseFee:    b.BaseFee(),
		Difficulty: new(big.Int),
	}

	statedb := b.statedbCopy()
	evm := vm.NewEVM(b.blockContext(header), statedb, b.chainConfig, vm.Config{})
	gp := new(core.GasPool).AddGas(header.GasLimit)

	var (
		included ethtypes.Transactions
		receipts ethtypes.Receipts
		rejected []types.RejectedTx
		usedGas  uint64
	)
	for _, ptx := range batch {
		hash := ptx.Hash()
		if err := b.seedForkState(statedb, ptx); err != nil {
			rejected = append(rejected, types.RejectedTx{Hash: hash, Err: err})
			continue
		}
		msg, err := core.TransactionToMessage(ptx.Tx, b.signer, header.BaseFee)
		if err != nil {
			rejected = append(rejected, types.RejectedTx{Hash: hash, Err: err})
			continue
		}
		statedb.SetTxContext(hash, len(included))

		snap := statedb.Snapshot()
		gasBefore := gp.Gas()
		result, err := core.ApplyMessage(evm, msg, gp)
		if err != nil {
			// Stale nonce, insufficient funds, gas pool exhausted:
			// the transaction never entered the block
			statedb.RevertToSnapshot(snap)
			gp.SetGas(gasBefore)
			rejected = append(rejected, types.RejectedTx{Hash: hash, Err: err})
			log.Debug("Transaction rejected at inclusion", "hash", hash, "err", err)
			continue
		}
		usedGas += result.UsedGas
		receipts = append(receipts, b.makeReceipt(ptx, result, statedb, header, usedGas, len(included)))
		included = append(included, ptx.Tx)
	}

	root, err := statedb.Commit(header.Number.Uint64(), true, false)
	if err != nil {
		return nil, fmt.Errorf("state commit: %w", err)
	}
	if err := b.triedb.Commit(root, false); err != nil {
		return nil, fmt.Errorf("trie commit: %w", err)
	}
	header.Root = root
	header.GasUsed = usedGas

	block := ethtypes.NewBlock(header, &ethtypes.Body{Transactions: included}, receipts, trie.NewStackTrie(nil))
	sealReceipts(block, receipts)

	newState, err := state.New(root, b.db)
	if err != nil {
		return nil, fmt.Errorf("reopen state: %w", err)
	}

	b.mu.Lock()
	b.store.add(block, receipts)
	b.head = block.Header()
	b.statedb = newState
	b.baseFee = CalcNextBaseFee(header.BaseFee, usedGas, header.GasLimit)
	b.mu.Unlock()

	log.Info("Mined block", "number", block.NumberU64(), "hash", block.Hash(), "txs", len(included),
		"gasused", usedGas, "basefee", header.BaseFee, "rejected", len(rejected))

	b.chainFeed.Send(types.ChainHeadEvent{Block: block, Receipts: receipts})

	outcome := &types.MinedBlock{
		Block:    block,
		Receipts: receipts,
		Included: make([]common.Hash, len(included)),
		Rejected: rejected,
	}
	for i, tx := range included {
		outcome.Included[i] = tx.Hash()
	}
	return outcome, nil
}

// makeReceipt builds the receipt of an executed transaction. Block hash
// fields are filled in once the block is sealed.
func (b *Backend) makeReceipt(ptx *types.PoolTransaction, result *core.ExecutionResult, statedb *state.StateDB, header *ethtypes.Header, cumulativeGas uint64, index int) *ethtypes.Receipt {
	receipt := &ethtypes.Receipt{
		Type:              ptx.Tx.Type(),
		CumulativeGasUsed: cumulativeGas,
		TxHash:            ptx.Hash(),
		GasUsed:           result.UsedGas,
		BlockNumber:       new(big.Int).Set(header.Number),
		TransactionIndex:  uint(index),
	}
	if result.Failed() {
		receipt.Status = ethtypes.ReceiptStatusFailed
	} else {
		receipt.Status = ethtypes.ReceiptStatusSuccessful
	}
	if ptx.Tx.To() == nil {
		receipt.ContractAddress = crypto.CreateAddress(ptx.From, ptx.Tx.Nonce())
	}
	receipt.Logs = statedb.GetLogs(ptx.Hash(), header.Number.Uint64(), common.Hash{})
	receipt.Bloom = ethtypes.CreateBloom(ethtypes.Receipts{receipt})
	return receipt
}

// sealReceipts back-fills the block hash into receipts and their logs once
// the block identity is known.
func sealReceipts(block *ethtypes.Block, receipts ethtypes.Receipts) {
	hash := block.Hash()
	for _, receipt := range receipts {
		receipt.BlockHash = hash
		for _, l := range receipt.Logs {
			l.BlockHash = hash
		}
	}
}

// blockContext assembles the EVM environment of a block in production.
func (b *Backend) blockContext(header *ethtypes.Header) vm.BlockContext {
	var random common.Hash
	return vm.BlockContext{
		CanTransfer: core.CanTransfer,
		Transfer:    core.Transfer,
		GetHash:     b.hashByNumber,
		Coinbase:    header.Coinbase,
		GasLimit:    header.GasLimit,
		BlockNumber: new(big.Int).Set(header.Number),
		Time:        header.Time,
		Difficulty:  new(big.Int),
		BaseFee:     new(big.Int).Set(header.BaseFee),
		BlobBaseFee: big.NewInt(ethparams.BlobTxMinBlobGasprice),
		Random:      &random,
	}
}

func (b *Backend) hashByNumber(number uint64) common.Hash {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.store.hashes[number]
}

// timestampAfter returns the next block timestamp, strictly increasing even
// when blocks are produced faster than the wall clock ticks.
func (b *Backend) timestampAfter(parent *ethtypes.Header) uint64 {
	ts := b.now()
	if ts <= parent.Time {
		ts = parent.Time + 1
	}
	return ts
}

func (b *Backend) statedbCopy() *state.StateDB {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.statedb.Copy()
}

// readState opens a fresh StateDB at the committed head root. StateDB
// populates its object cache on cold reads, so the shared instance must
// never serve concurrent readers; each read gets its own view instead.
func (b *Backend) readState() (*state.StateDB, error) {
	b.mu.RLock()
	root := b.head.Root
	b.mu.RUnlock()
	return state.New(root, b.db)
}

// CurrentHeader returns the header of the chain head.
func (b *Backend) CurrentHeader() *ethtypes.Header {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.head
}

// CurrentBlock returns the chain head block.
func (b *Backend) CurrentBlock() *ethtypes.Block {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.store.blockByHash(b.store.bestHash)
}

// BlockByNumber returns a stored block, or nil if the height was never
// reached.
func (b *Backend) BlockByNumber(number uint64) *ethtypes.Block {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.store.blockByNumber(number)
}

// BlockByHash returns a stored block by hash, or nil if unknown.
func (b *Backend) BlockByHash(hash common.Hash) *ethtypes.Block {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.store.blockByHash(hash)
}

// ReceiptByTx returns the receipt of an included transaction, or nil.
func (b *Backend) ReceiptByTx(hash common.Hash) *ethtypes.Receipt {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.store.receiptByTx(hash)
}

// Receipts returns all receipts of a stored block.
func (b *Backend) Receipts(blockHash common.Hash) ethtypes.Receipts {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.store.receiptsByBlock(blockHash)
}

// BaseFee returns the base fee the next produced block will carry.
func (b *Backend) BaseFee() *big.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return new(big.Int).Set(b.baseFee)
}

// GasLimit returns the gas limit of every produced block.
func (b *Backend) GasLimit() uint64 {
	return b.config.GasLimit
}

// ChainConfig returns the protocol rule set of the local chain.
func (b *Backend) ChainConfig() *ethparams.ChainConfig {
	return b.chainConfig
}

// SubscribeChainHead registers a subscription for produced blocks.
func (b *Backend) SubscribeChainHead(ch chan<- types.ChainHeadEvent) event.Subscription {
	return b.scope.Track(b.chainFeed.Subscribe(ch))
}

// SetTimestampSource overrides the wall clock, for tests that need
// deterministic block times.
func (b *Backend) SetTimestampSource(now func() uint64) {
	b.now = now
}

// Close tears down subscriptions and the active fork, if any.
func (b *Backend) Close() {
	b.scope.Close()
	if fork := b.fork.Load(); fork != nil {
		fork.Close()
	}
}
