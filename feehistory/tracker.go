package feehistory

import (
	"math/big"
	"sort"
	"sync"

	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
)

// Entry records the fee market data of one produced block.
type Entry struct {
	Number       uint64
	BaseFee      *big.Int
	GasUsedRatio float64
	Rewards      []*big.Int // effective priority fees at the configured percentiles
}

// Tracker maintains a bounded history of base fees and gas usage ratios,
// appended to once per produced block and evicted oldest-first once the
// retention window is exceeded. Entries are contiguous by construction.
type Tracker struct {
	mu          sync.RWMutex
	limit       int
	percentiles []float64
	entries     []*Entry // oldest to newest
}

// NewTracker creates a tracker retaining at most limit blocks and computing
// rewards at the given percentiles (0-100) for every block.
func NewTracker(limit int, percentiles []float64) *Tracker {
	return &Tracker{
		limit:       limit,
		percentiles: percentiles,
	}
}

// OnBlock appends the fee entry of a freshly produced block and evicts
// entries beyond the retention window.
func (t *Tracker) OnBlock(block *ethtypes.Block, receipts ethtypes.Receipts) {
	entry := &Entry{
		Number:       block.NumberU64(),
		BaseFee:      new(big.Int).Set(block.BaseFee()),
		GasUsedRatio: float64(block.GasUsed()) / float64(block.GasLimit()),
		Rewards:      t.rewards(block, receipts),
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if n := len(t.entries); n > 0 && t.entries[n-1].Number+1 != entry.Number {
		// A reset chain restarts the history rather than recording a gap
		log.Debug("Fee history restarted", "have", t.entries[n-1].Number, "got", entry.Number)
		t.entries = t.entries[:0]
	}
	t.entries = append(t.entries, entry)
	if len(t.entries) > t.limit {
		t.entries = append(t.entries[:0], t.entries[len(t.entries)-t.limit:]...)
	}
}

// Query returns up to blockCount consecutive entries ending at newest, oldest
// to newest. It returns fewer if history does not extend that far back and
// never fabricates entries.
func (t *Tracker) Query(blockCount uint64, newest uint64) []*Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if blockCount == 0 || len(t.entries) == 0 {
		return nil
	}
	oldestHeld := t.entries[0].Number
	newestHeld := t.entries[len(t.entries)-1].Number
	if newest > newestHeld {
		newest = newestHeld
	}
	if newest < oldestHeld {
		return nil
	}
	first := oldestHeld
	if newest+1 > blockCount && newest+1-blockCount > oldestHeld {
		first = newest + 1 - blockCount
	}
	out := make([]*Entry, 0, newest-first+1)
	for n := first; n <= newest; n++ {
		out = append(out, t.entries[n-oldestHeld])
	}
	return out
}

// Len returns the number of retained entries.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// rewards computes the effective tips paid at the configured percentiles,
// weighted by the gas each transaction actually used, mirroring the protocol
// fee history semantics. An empty block yields all-zero rewards.
func (t *Tracker) rewards(block *ethtypes.Block, receipts ethtypes.Receipts) []*big.Int {
	if len(t.percentiles) == 0 {
		return nil
	}
	out := make([]*big.Int, len(t.percentiles))
	txs := block.Transactions()
	if len(txs) == 0 {
		for i := range out {
			out[i] = new(big.Int)
		}
		return out
	}
	type txGasAndTip struct {
		gasUsed uint64
		tip     *big.Int
	}
	sorter := make([]txGasAndTip, len(txs))
	for i, tx := range txs {
		sorter[i] = txGasAndTip{
			gasUsed: receipts[i].GasUsed,
			tip:     tx.EffectiveGasTipValue(block.BaseFee()),
		}
	}
	sort.Slice(sorter, func(i, j int) bool { return sorter[i].tip.Cmp(sorter[j].tip) < 0 })

	var idx int
	var sumGasUsed = sorter[0].gasUsed
	for i, p := range t.percentiles {
		threshold := uint64(float64(block.GasUsed()) * p / 100)
		for sumGasUsed < threshold && idx < len(sorter)-1 {
			idx++
			sumGasUsed += sorter[idx].gasUsed
		}
		out[i] = new(big.Int).Set(sorter[idx].tip)
	}
	return out
}
