package txpool

import (
	"container/heap"
	"math/big"

	"devnode/types"
)

// priceHeap orders the heads of the per-sender pending queues by effective
// tip at the given base fee, highest first, with the submission id breaking
// ties in favour of the earlier transaction. Only the head of each sender may
// sit in the heap, so popping never violates per-sender nonce order.
type priceHeap struct {
	baseFee *big.Int
	list    types.PoolTransactions
}

func (h *priceHeap) Len() int      { return len(h.list) }
func (h *priceHeap) Swap(i, j int) { h.list[i], h.list[j] = h.list[j], h.list[i] }

func (h *priceHeap) Less(i, j int) bool {
	switch h.list[i].EffectiveTip(h.baseFee).Cmp(h.list[j].EffectiveTip(h.baseFee)) {
	case -1:
		return false
	case 1:
		return true
	default:
		return h.list[i].ID < h.list[j].ID
	}
}

func (h *priceHeap) Push(x interface{}) {
	h.list = append(h.list, x.(*types.PoolTransaction))
}

func (h *priceHeap) Pop() interface{} {
	old := h.list
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	h.list = old[:n-1]
	return x
}

// bySenderAndPrice iterates all pending transactions in miner order: the
// best-paying head across senders first, always keeping each sender's
// transactions in nonce order.
type bySenderAndPrice struct {
	heads   *priceHeap
	senders map[string]types.PoolTransactions // remaining txs per sender, nonce ordered
}

func newBySenderAndPrice(pending map[string]types.PoolTransactions, baseFee *big.Int) *bySenderAndPrice {
	h := &priceHeap{baseFee: baseFee}
	it := &bySenderAndPrice{heads: h, senders: make(map[string]types.PoolTransactions, len(pending))}
	for sender, txs := range pending {
		if len(txs) == 0 {
			continue
		}
		h.list = append(h.list, txs[0])
		it.senders[sender] = txs[1:]
	}
	heap.Init(h)
	return it
}

// Peek returns the current best transaction without advancing the iterator.
func (it *bySenderAndPrice) Peek() *types.PoolTransaction {
	if it.heads.Len() == 0 {
		return nil
	}
	return it.heads.list[0]
}

// Shift advances to the popped sender's next transaction.
func (it *bySenderAndPrice) Shift() {
	tx := heap.Pop(it.heads).(*types.PoolTransaction)
	sender := string(tx.From.Bytes())
	if rest := it.senders[sender]; len(rest) > 0 {
		heap.Push(it.heads, rest[0])
		it.senders[sender] = rest[1:]
	}
}

// Drop discards the popped sender entirely, skipping its remaining
// transactions. Used when the head transaction no longer fits the block.
func (it *bySenderAndPrice) Drop() {
	tx := heap.Pop(it.heads).(*types.PoolTransaction)
	delete(it.senders, string(tx.From.Bytes()))
}
