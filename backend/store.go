package backend

import (
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

// txPosition locates a transaction inside a stored block.
type txPosition struct {
	blockHash common.Hash
	index     int
}

// chainStore holds every produced block, its receipts and a transaction
// lookup index. It carries no lock of its own: all access goes through the
// backend, whose commit lock makes block application atomic for readers.
type chainStore struct {
	blocks   map[common.Hash]*ethtypes.Block
	hashes   map[uint64]common.Hash
	receipts map[common.Hash]ethtypes.Receipts
	txIndex  map[common.Hash]txPosition

	bestHash   common.Hash
	bestNumber uint64
}

func newChainStore() *chainStore {
	return &chainStore{
		blocks:   make(map[common.Hash]*ethtypes.Block),
		hashes:   make(map[uint64]common.Hash),
		receipts: make(map[common.Hash]ethtypes.Receipts),
		txIndex:  make(map[common.Hash]txPosition),
	}
}

// add stores a block with its receipts and promotes it to the chain head.
func (s *chainStore) add(block *ethtypes.Block, receipts ethtypes.Receipts) {
	hash := block.Hash()
	s.blocks[hash] = block
	s.hashes[block.NumberU64()] = hash
	s.receipts[hash] = receipts
	for i, tx := range block.Transactions() {
		s.txIndex[tx.Hash()] = txPosition{blockHash: hash, index: i}
	}
	s.bestHash = hash
	s.bestNumber = block.NumberU64()
}

func (s *chainStore) blockByHash(hash common.Hash) *ethtypes.Block {
	return s.blocks[hash]
}

func (s *chainStore) blockByNumber(number uint64) *ethtypes.Block {
	hash, ok := s.hashes[number]
	if !ok {
		return nil
	}
	return s.blocks[hash]
}

func (s *chainStore) receiptsByBlock(hash common.Hash) ethtypes.Receipts {
	return s.receipts[hash]
}

// receiptByTx resolves a transaction hash to its receipt, or nil if the
// transaction was never included.
func (s *chainStore) receiptByTx(hash common.Hash) *ethtypes.Receipt {
	pos, ok := s.txIndex[hash]
	if !ok {
		return nil
	}
	receipts := s.receipts[pos.blockHash]
	if pos.index >= len(receipts) {
		return nil
	}
	return receipts[pos.index]
}
