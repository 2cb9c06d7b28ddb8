// Package node wires the transaction pool, miner, state backend and fee
// history tracker into a single running service. One goroutine drives block
// production; everything it calls either returns immediately or suspends the
// loop until progress is possible.
package node

import (
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"

	"devnode/backend"
	"devnode/feehistory"
	"devnode/miner"
	"devnode/params"
	"devnode/txpool"
	"devnode/types"
)

// ErrStopped is returned when a request reaches a service that is no longer
// running.
var ErrStopped = errors.New("node service stopped")

// rewardPercentiles are the priority fee percentiles recorded for every
// produced block.
var rewardPercentiles = []float64{10, 25, 50, 75, 90}

// mineRequest asks the service loop to produce count blocks and report the
// outcomes back on done.
type mineRequest struct {
	count uint64
	done  chan []*types.MinedBlock
}

// Service is the coordinating loop of the node core. Block production is
// strictly serialized by the loop; at most one MineBlock call is ever
// outstanding.
type Service struct {
	config params.NodeConfig

	backend *backend.Backend
	pool    *txpool.TxPool
	miner   *miner.Miner
	fees    *feehistory.Tracker

	mineReq  chan mineRequest
	nudge    chan struct{}
	readyCh  chan txpool.ReadyTxsEvent
	readySub event.Subscription
	quit     chan struct{}
	wg       sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// New assembles the node core from the given configuration. An unreachable
// or unparsable fork endpoint fails here, never later.
func New(config params.NodeConfig) (*Service, error) {
	config = (&config).Sanitize()

	bk, err := backend.New(config)
	if err != nil {
		return nil, err
	}
	pool := txpool.New(txpool.Config{
		PriceLimit: txpool.DefaultConfig.PriceLimit,
		PriceBump:  txpool.DefaultConfig.PriceBump,
		Lifetime:   config.TxLifetime,
	}, config.ChainID, bk)

	return &Service{
		config:  config,
		backend: bk,
		pool:    pool,
		miner:   miner.New(pool, config.Mining),
		fees:    feehistory.NewTracker(config.FeeHistoryLimit, rewardPercentiles),
		mineReq: make(chan mineRequest),
		nudge:   make(chan struct{}, 1),
		quit:    make(chan struct{}),
	}, nil
}

// Start launches the service loop. Calling Start more than once is a no-op.
func (s *Service) Start() {
	s.startOnce.Do(func() {
		// Subscribe before the loop goroutine exists, so a submission
		// arriving right after Start cannot slip past the feed unseen.
		s.readyCh = make(chan txpool.ReadyTxsEvent, 32)
		s.readySub = s.pool.SubscribeReadyTxs(s.readyCh)

		s.wg.Add(1)
		go s.loop()
		log.Info("Node service started", "chainid", s.config.ChainID, "mining", s.miner.Mode())
	})
}

// Stop terminates the service loop and releases all held resources. It
// blocks until in-flight work has drained.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)
		s.wg.Wait()
		s.miner.Close()
		s.pool.Close()
		s.backend.Close()
		log.Info("Node service stopped")
	})
}

// loop multiplexes the three block production triggers: pool readiness,
// interval ticks and explicit mine requests. A separate ticker drives stale
// transaction eviction as detached work that never blocks production.
func (s *Service) loop() {
	defer s.wg.Done()
	defer s.readySub.Unsubscribe()

	evict := time.NewTicker(s.config.EvictionInterval)
	defer evict.Stop()

	for {
		select {
		case <-s.readyCh:
			if s.miner.Mode().Kind() == params.MineAuto {
				s.drainReady()
			}

		case <-s.nudge:
			if s.miner.Mode().Kind() == params.MineAuto {
				s.drainReady()
			}

		case <-s.miner.Tick():
			if batch, ok := s.miner.NextBatch(s.backend.GasLimit()); ok {
				s.mine(batch)
			}

		case req := <-s.mineReq:
			blocks := make([]*types.MinedBlock, 0, req.count)
			for i := uint64(0); i < req.count; i++ {
				outcome := s.mine(s.miner.ForceBatch(s.backend.GasLimit()))
				if outcome == nil {
					break
				}
				blocks = append(blocks, outcome)
			}
			req.done <- blocks

		case <-evict.C:
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.pool.EvictStale(s.config.TxLifetime)
			}()

		case <-s.quit:
			return
		}
	}
}

// drainReady mines blocks while the pool still holds executable work. The
// batch selection is gas-bounded, so a burst of submissions may need more
// than one block.
func (s *Service) drainReady() {
	for {
		batch, ok := s.miner.NextBatch(s.backend.GasLimit())
		if !ok {
			return
		}
		if s.mine(batch) == nil {
			return
		}
	}
}

// mine produces one block from the batch and propagates the outcome to the
// pool and the fee history tracker.
func (s *Service) mine(batch types.PoolTransactions) *types.MinedBlock {
	outcome, err := s.backend.MineBlock(batch)
	if err != nil {
		log.Error("Block production failed", "txs", len(batch), "err", err)
		return nil
	}
	s.pool.OnMined(outcome.Included)
	if len(outcome.Rejected) > 0 {
		hashes := make([]common.Hash, len(outcome.Rejected))
		for i, rej := range outcome.Rejected {
			hashes[i] = rej.Hash
		}
		s.pool.Drop(hashes)
	}
	s.fees.OnBlock(outcome.Block, outcome.Receipts)

	log.Info("Mined block", "number", outcome.Block.NumberU64(), "txs", len(outcome.Included),
		"gasused", outcome.Block.GasUsed(), "basefee", outcome.Block.BaseFee())
	return outcome
}

// MineBlocks asks the service loop to produce count blocks immediately,
// regardless of the mining mode, and returns the outcomes. This is the
// manual mining entry point.
func (s *Service) MineBlocks(count uint64) ([]*types.MinedBlock, error) {
	if count == 0 {
		return nil, nil
	}
	req := mineRequest{count: count, done: make(chan []*types.MinedBlock, 1)}
	select {
	case s.mineReq <- req:
	case <-s.quit:
		return nil, ErrStopped
	}
	select {
	case blocks := <-req.done:
		return blocks, nil
	case <-s.quit:
		return nil, ErrStopped
	}
}

// SetMiningMode switches the block production strategy at runtime. Pending
// executable transactions are picked up right away when switching into
// automatic mode.
func (s *Service) SetMiningMode(mode params.MiningMode) {
	s.miner.SetMode(mode)
	select {
	case s.nudge <- struct{}{}:
	default:
	}
}

// Pool returns the transaction pool for submission and inspection.
func (s *Service) Pool() *txpool.TxPool {
	return s.pool
}

// Backend returns the state backend for chain and state queries.
func (s *Service) Backend() *backend.Backend {
	return s.backend
}

// FeeHistory returns the fee history tracker.
func (s *Service) FeeHistory() *feehistory.Tracker {
	return s.fees
}
