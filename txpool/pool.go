package txpool

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"devnode/state"
	"devnode/types"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
)

// Config are the configuration parameters of the transaction pool.
type Config struct {
	PriceLimit uint64 // Minimum tip to enforce for acceptance into the pool
	PriceBump  uint64 // Minimum price bump percentage to replace an already existing transaction (nonce)

	Lifetime time.Duration // Maximum amount of time non-executable transactions are queued
}

// DefaultConfig contains the default configurations for the transaction pool.
var DefaultConfig = Config{
	PriceLimit: 1,
	PriceBump:  10,

	Lifetime: 3 * time.Hour,
}

// sanitize checks the provided user configurations and changes anything
// that's unreasonable or unworkable.
func (config *Config) sanitize() Config {
	conf := *config
	if conf.PriceBump < 1 {
		log.Warn("Sanitizing invalid txpool price bump", "provided", conf.PriceBump, "updated", DefaultConfig.PriceBump)
		conf.PriceBump = DefaultConfig.PriceBump
	}
	if conf.Lifetime < 1 {
		log.Warn("Sanitizing invalid txpool lifetime", "provided", conf.Lifetime, "updated", DefaultConfig.Lifetime)
		conf.Lifetime = DefaultConfig.Lifetime
	}
	return conf
}

// BlockChain defines the minimal chain view needed to back the pool. Exists
// to allow mocking the live chain out of tests.
type BlockChain interface {
	// CurrentHeader returns the current head of the chain.
	CurrentHeader() *ethtypes.Header

	// BaseFee returns the base fee the next produced block will charge.
	BaseFee() *big.Int

	// StateReader returns a reader over the committed state at the head.
	StateReader() state.Reader
}

// ReadyTxsEvent is posted when transactions become executable, either on
// submission or when a mined block closes a nonce gap.
type ReadyTxsEvent struct {
	Txs types.PoolTransactions
}

// DroppedTxsEvent is posted when queued transactions age out of the pool.
type DroppedTxsEvent struct {
	Txs types.PoolTransactions
}

// TxPool holds all submitted transactions, split into executable (pending)
// ones and nonce-gapped (queued) ones. Transactions move between the two sets
// as blocks are mined and gaps close. Submission errors are reported
// synchronously and never mutate pool state.
type TxPool struct {
	config Config
	chain  BlockChain
	signer ethtypes.Signer

	txFeed   event.Feed
	dropFeed event.Feed
	scope    event.SubscriptionScope

	mu      sync.RWMutex
	pending map[common.Address]*list               // Executable transactions, nonce-contiguous from the state nonce
	queue   map[common.Address]*list               // Non-executable transactions with nonce gaps
	all     map[common.Hash]*types.PoolTransaction // Lookup of every pooled transaction
	nextID  uint64                                 // Submission order counter
}

// New creates a transaction pool validating against the given chain view.
func New(config Config, chainID *big.Int, chain BlockChain) *TxPool {
	config = (&config).sanitize()
	return &TxPool{
		config:  config,
		chain:   chain,
		signer:  ethtypes.LatestSignerForChainID(chainID),
		pending: make(map[common.Address]*list),
		queue:   make(map[common.Address]*list),
		all:     make(map[common.Hash]*types.PoolTransaction),
	}
}

// Add validates a transaction and inserts it into the pool. Rejections are
// returned synchronously; an accepted transaction is classified executable or
// queued, and readiness is announced for any transaction that became
// executable.
func (pool *TxPool) Add(tx *ethtypes.Transaction) error {
	if err := pool.validateBasics(tx); err != nil {
		return err
	}
	from, err := ethtypes.Sender(pool.signer, tx)
	if err != nil {
		return ErrInvalidSender
	}

	pool.mu.Lock()
	defer pool.mu.Unlock()

	hash := tx.Hash()
	if _, ok := pool.all[hash]; ok {
		return ErrAlreadyKnown
	}
	reader := pool.chain.StateReader()
	stateNonce := reader.GetNonce(from)
	if tx.Nonce() < stateNonce {
		return fmt.Errorf("%w: next nonce %v, tx nonce %v", ErrNonceTooLow, stateNonce, tx.Nonce())
	}
	if err := pool.validateFunds(reader, from, tx); err != nil {
		return err
	}

	pool.nextID++
	ptx := &types.PoolTransaction{Tx: tx, From: from, ID: pool.nextID, AddedAt: time.Now()}

	nextPending := stateNonce
	if pending := pool.pending[from]; pending != nil {
		nextPending += uint64(pending.Len())
	}
	switch {
	case tx.Nonce() < nextPending:
		// Replacement of an executable transaction
		inserted, old := pool.pending[from].Add(ptx, pool.config.PriceBump)
		if !inserted {
			return ErrReplaceUnderpriced
		}
		if old != nil {
			delete(pool.all, old.Hash())
		}
		pool.all[hash] = ptx
		pool.txFeed.Send(ReadyTxsEvent{Txs: types.PoolTransactions{ptx}})

	case tx.Nonce() == nextPending:
		if pool.pending[from] == nil {
			pool.pending[from] = newList(true)
		}
		inserted, old := pool.pending[from].Add(ptx, pool.config.PriceBump)
		if !inserted {
			return ErrReplaceUnderpriced
		}
		if old != nil {
			delete(pool.all, old.Hash())
		}
		pool.all[hash] = ptx

		// The gap may have closed for queued successors
		ready := types.PoolTransactions{ptx}
		ready = append(ready, pool.promote(from)...)
		pool.txFeed.Send(ReadyTxsEvent{Txs: ready})

	default:
		// Nonce gapped, park it in the future queue
		if pool.queue[from] == nil {
			pool.queue[from] = newList(false)
		}
		inserted, old := pool.queue[from].Add(ptx, pool.config.PriceBump)
		if !inserted {
			return ErrReplaceUnderpriced
		}
		if old != nil {
			delete(pool.all, old.Hash())
		}
		pool.all[hash] = ptx
		log.Trace("Pooled future transaction", "hash", hash, "from", from, "nonce", tx.Nonce())
	}
	return nil
}

// validateBasics checks the consensus rules that need no state access.
func (pool *TxPool) validateBasics(tx *ethtypes.Transaction) error {
	if tx.Size() > txMaxSize {
		return fmt.Errorf("%w: size %v, limit %v", ErrOversizedData, tx.Size(), txMaxSize)
	}
	if tx.Value().Sign() < 0 {
		return ErrNegativeValue
	}
	if head := pool.chain.CurrentHeader(); head.GasLimit < tx.Gas() {
		return fmt.Errorf("%w: tx gas %v, block limit %v", ErrGasLimit, tx.Gas(), head.GasLimit)
	}
	intrGas, err := core.IntrinsicGas(tx.Data(), tx.AccessList(), tx.SetCodeAuthorizations(), tx.To() == nil, true, true, true)
	if err != nil {
		return err
	}
	if tx.Gas() < intrGas {
		return fmt.Errorf("%w: needed %v, allowed %v", ErrIntrinsicGas, intrGas, tx.Gas())
	}
	if tx.GasTipCapIntCmp(new(big.Int).SetUint64(pool.config.PriceLimit)) < 0 {
		return fmt.Errorf("%w: tip needed %v", ErrUnderpriced, pool.config.PriceLimit)
	}
	return nil
}

// validateFunds ensures the sender can cover the new transaction on top of
// everything it already has pooled. A same-nonce entry being replaced is
// credited back before the check.
func (pool *TxPool) validateFunds(reader state.Reader, from common.Address, tx *ethtypes.Transaction) error {
	spent := new(big.Int)
	var replaced *types.PoolTransaction
	if pending := pool.pending[from]; pending != nil {
		spent.Add(spent, pending.TotalCost())
		if old := pending.txs.Get(tx.Nonce()); old != nil {
			replaced = old
		}
	}
	if queue := pool.queue[from]; queue != nil {
		spent.Add(spent, queue.TotalCost())
		if old := queue.txs.Get(tx.Nonce()); old != nil {
			replaced = old
		}
	}
	if replaced != nil {
		spent.Sub(spent, replaced.Cost())
	}
	need := new(big.Int).Add(spent, tx.Cost())
	if balance := reader.GetBalance(from); balance.Cmp(need) < 0 {
		return fmt.Errorf("%w: balance %v, queued cost %v, tx cost %v", ErrInsufficientFunds, balance, spent, tx.Cost())
	}
	return nil
}

// promote moves now-contiguous queued transactions of the sender into the
// pending set. Caller must hold the pool lock.
func (pool *TxPool) promote(from common.Address) types.PoolTransactions {
	queue := pool.queue[from]
	if queue == nil {
		return nil
	}
	next := pool.chain.StateReader().GetNonce(from)
	if pending := pool.pending[from]; pending != nil {
		next += uint64(pending.Len())
	}
	promoted := queue.Ready(next)
	if len(promoted) > 0 {
		if pool.pending[from] == nil {
			pool.pending[from] = newList(true)
		}
		for _, tx := range promoted {
			pool.pending[from].Add(tx, pool.config.PriceBump)
		}
		log.Debug("Promoted queued transactions", "from", from, "count", len(promoted))
	}
	if queue.Empty() {
		delete(pool.queue, from)
	}
	return promoted
}

// Ready returns the executable transactions in mining order: descending
// effective tip with submission order breaking ties, each sender's
// transactions in nonce order, truncated so the summed gas limits never
// exceed maxGas.
func (pool *TxPool) Ready(maxGas uint64) types.PoolTransactions {
	pool.mu.RLock()
	defer pool.mu.RUnlock()

	heads := make(map[string]types.PoolTransactions, len(pool.pending))
	for from, pending := range pool.pending {
		heads[string(from.Bytes())] = pending.Flatten()
	}
	it := newBySenderAndPrice(heads, pool.chain.BaseFee())

	var (
		batch   types.PoolTransactions
		gasLeft = maxGas
	)
	for {
		tx := it.Peek()
		if tx == nil {
			break
		}
		if tx.Gas() > gasLeft {
			// Skipping just this tx would break the sender's nonce
			// ordering, so drop the sender for this batch.
			it.Drop()
			continue
		}
		gasLeft -= tx.Gas()
		batch = append(batch, tx)
		it.Shift()
	}
	return batch
}

// OnMined removes the included transactions from the pool, advances each
// affected sender to its new state nonce and promotes queued transactions
// whose gap just closed.
func (pool *TxPool) OnMined(included []common.Hash) {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	senders := make(map[common.Address]struct{})
	for _, hash := range included {
		if tx, ok := pool.all[hash]; ok {
			senders[tx.From] = struct{}{}
			delete(pool.all, hash)
		}
	}
	reader := pool.chain.StateReader()

	gasLimit := pool.chain.CurrentHeader().GasLimit

	var ready types.PoolTransactions
	for from := range senders {
		next := reader.GetNonce(from)
		if pending := pool.pending[from]; pending != nil {
			for _, tx := range pending.Forward(next) {
				delete(pool.all, tx.Hash())
			}
			// The block moved funds around, revalidate what is left
			unpayable, invalids := pending.Filter(reader.GetBalance(from), gasLimit)
			for _, tx := range unpayable {
				delete(pool.all, tx.Hash())
			}
			for _, tx := range invalids {
				if pool.queue[from] == nil {
					pool.queue[from] = newList(false)
				}
				pool.queue[from].Add(tx, pool.config.PriceBump)
			}
			if pending.Empty() {
				delete(pool.pending, from)
			}
		}
		if queue := pool.queue[from]; queue != nil {
			// Entries made stale by the mined block
			for _, tx := range queue.Forward(next) {
				delete(pool.all, tx.Hash())
			}
		}
		ready = append(ready, pool.promote(from)...)
	}
	if len(ready) > 0 {
		pool.txFeed.Send(ReadyTxsEvent{Txs: ready})
	}
}

// Drop removes transactions that were rejected at inclusion time. Strict
// pending successors invalidated by the removal are demoted back to the
// queue.
func (pool *TxPool) Drop(hashes []common.Hash) {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	for _, hash := range hashes {
		tx, ok := pool.all[hash]
		if !ok {
			continue
		}
		delete(pool.all, hash)
		if pending := pool.pending[tx.From]; pending != nil {
			if removed, invalids := pending.Remove(tx); removed {
				for _, inv := range invalids {
					if pool.queue[tx.From] == nil {
						pool.queue[tx.From] = newList(false)
					}
					pool.queue[tx.From].Add(inv, pool.config.PriceBump)
				}
				if pending.Empty() {
					delete(pool.pending, tx.From)
				}
				continue
			}
		}
		if queue := pool.queue[tx.From]; queue != nil {
			queue.Remove(tx)
			if queue.Empty() {
				delete(pool.queue, tx.From)
			}
		}
	}
}

// EvictStale drops queued transactions older than maxAge, reporting them as
// dropped rather than failed.
func (pool *TxPool) EvictStale(maxAge time.Duration) types.PoolTransactions {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	var dropped types.PoolTransactions
	for from, queue := range pool.queue {
		stale := queue.txs.Filter(func(tx *types.PoolTransaction) bool {
			return tx.AddedAt.Before(cutoff)
		})
		queue.subTotalCost(stale)
		for _, tx := range stale {
			delete(pool.all, tx.Hash())
		}
		dropped = append(dropped, stale...)
		if queue.Empty() {
			delete(pool.queue, from)
		}
	}
	if len(dropped) > 0 {
		log.Debug("Evicted stale queued transactions", "count", len(dropped))
		pool.dropFeed.Send(DroppedTxsEvent{Txs: dropped})
	}
	return dropped
}

// Get returns a pooled transaction by hash, or nil if unknown.
func (pool *TxPool) Get(hash common.Hash) *types.PoolTransaction {
	pool.mu.RLock()
	defer pool.mu.RUnlock()
	return pool.all[hash]
}

// Nonce returns the next nonce of the account, taking executable pooled
// transactions into account.
func (pool *TxPool) Nonce(addr common.Address) uint64 {
	pool.mu.RLock()
	defer pool.mu.RUnlock()

	next := pool.chain.StateReader().GetNonce(addr)
	if pending := pool.pending[addr]; pending != nil {
		next += uint64(pending.Len())
	}
	return next
}

// Stats returns the number of executable and queued transactions.
func (pool *TxPool) Stats() (int, int) {
	pool.mu.RLock()
	defer pool.mu.RUnlock()

	pending, queued := 0, 0
	for _, l := range pool.pending {
		pending += l.Len()
	}
	for _, l := range pool.queue {
		queued += l.Len()
	}
	return pending, queued
}

// Pending returns a nonce-sorted snapshot of the executable transactions.
func (pool *TxPool) Pending() map[common.Address]types.PoolTransactions {
	pool.mu.RLock()
	defer pool.mu.RUnlock()

	snapshot := make(map[common.Address]types.PoolTransactions, len(pool.pending))
	for from, l := range pool.pending {
		snapshot[from] = l.Flatten()
	}
	return snapshot
}

// Queued returns a nonce-sorted snapshot of the non-executable transactions.
func (pool *TxPool) Queued() map[common.Address]types.PoolTransactions {
	pool.mu.RLock()
	defer pool.mu.RUnlock()

	snapshot := make(map[common.Address]types.PoolTransactions, len(pool.queue))
	for from, l := range pool.queue {
		snapshot[from] = l.Flatten()
	}
	return snapshot
}

// SubscribeReadyTxs registers a subscription for readiness notifications.
func (pool *TxPool) SubscribeReadyTxs(ch chan<- ReadyTxsEvent) event.Subscription {
	return pool.scope.Track(pool.txFeed.Subscribe(ch))
}

// SubscribeDroppedTxs registers a subscription for eviction notifications.
func (pool *TxPool) SubscribeDroppedTxs(ch chan<- DroppedTxsEvent) event.Subscription {
	return pool.scope.Track(pool.dropFeed.Subscribe(ch))
}

// Close terminates all subscriptions held by the pool.
func (pool *TxPool) Close() {
	pool.scope.Close()
}
