// Package miner decides when a block is produced and which pool
// transactions it carries. It never executes transactions itself; the node
// service hands the selected batch to the state backend.
package miner

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"devnode/params"
	"devnode/types"
)

// Pool is the transaction source the miner selects batches from.
type Pool interface {
	// Ready returns the executable transactions, best first, truncated so
	// their cumulative gas limit never exceeds maxGas.
	Ready(maxGas uint64) types.PoolTransactions
}

// Miner selects transaction batches according to the configured mining mode.
// All methods are safe for concurrent use; the interval timer is owned
// internally and surfaces through Tick.
type Miner struct {
	pool Pool

	mu     sync.Mutex
	mode   params.MiningMode
	ticker *time.Ticker
}

// New creates a miner in the given mode, drawing batches from pool.
func New(pool Pool, mode params.MiningMode) *Miner {
	m := &Miner{pool: pool}
	m.setMode(mode)
	return m
}

// Mode returns the current mining mode.
func (m *Miner) Mode() params.MiningMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// SetMode switches the mining strategy at runtime. Switching away from
// interval mode stops the internal timer; switching into it starts one.
func (m *Miner) SetMode(mode params.MiningMode) {
	m.setMode(mode)
	log.Info("Mining mode changed", "mode", mode)
}

func (m *Miner) setMode(mode params.MiningMode) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ticker != nil {
		m.ticker.Stop()
		m.ticker = nil
	}
	if period, ok := mode.Interval(); ok {
		m.ticker = time.NewTicker(period)
	}
	m.mode = mode
}

// Tick returns the interval timer channel, or nil when the mode is not
// interval based. A nil channel blocks forever in a select, so callers can
// multiplex it unconditionally.
func (m *Miner) Tick() <-chan time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ticker == nil {
		return nil
	}
	return m.ticker.C
}

// NextBatch selects the transactions for the next block. The boolean reports
// whether a block should be produced at all: in auto mode only a non-empty
// batch warrants one, in interval mode every tick does, and in manual mode
// blocks are produced solely through ForceBatch.
func (m *Miner) NextBatch(gasLimit uint64) (types.PoolTransactions, bool) {
	switch m.Mode().Kind() {
	case params.MineAuto:
		batch := m.pool.Ready(gasLimit)
		return batch, len(batch) > 0
	case params.MineInterval:
		return m.pool.Ready(gasLimit), true
	default:
		return nil, false
	}
}

// ForceBatch selects a batch unconditionally, regardless of mode. Used for
// explicit mine requests; the returned batch may be empty.
func (m *Miner) ForceBatch(gasLimit uint64) types.PoolTransactions {
	return m.pool.Ready(gasLimit)
}

// Close stops the interval timer if one is running.
func (m *Miner) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ticker != nil {
		m.ticker.Stop()
		m.ticker = nil
	}
}
