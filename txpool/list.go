// Copyright 2016 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

package txpool

import (
	"container/heap"
	"math"
	"math/big"
	"sort"

	"devnode/types"
)

// nonceHeap is a heap.Interface implementation over 64bit unsigned integers
// for retrieving sorted transactions from the possibly gapped future queue.
type nonceHeap []uint64

func (h nonceHeap) Len() int           { return len(h) }
func (h nonceHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h nonceHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *nonceHeap) Push(x interface{}) {
	*h = append(*h, x.(uint64))
}

func (h *nonceHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = 0
	*h = old[:n-1]
	return x
}

// sortedMap is a nonce->transaction map with a heap based index to allow
// iterating over the contents in a nonce-incrementing way.
type sortedMap struct {
	items map[uint64]*types.PoolTransaction
	index *nonceHeap
	cache types.PoolTransactions // cache of the flattened transactions
}

func newSortedMap() *sortedMap {
	return &sortedMap{
		items: make(map[uint64]*types.PoolTransaction),
		index: new(nonceHeap),
	}
}

func (m *sortedMap) Get(nonce uint64) *types.PoolTransaction {
	return m.items[nonce]
}

func (m *sortedMap) Put(tx *types.PoolTransaction) {
	nonce := tx.Nonce()
	if m.items[nonce] == nil {
		heap.Push(m.index, nonce)
	}
	m.items[nonce], m.cache = tx, nil
}

// Forward removes all transactions with a nonce lower than the provided
// threshold, returning them for any post-removal maintenance.
func (m *sortedMap) Forward(threshold uint64) types.PoolTransactions {
	var removed types.PoolTransactions
	for m.index.Len() > 0 && (*m.index)[0] < threshold {
		nonce := heap.Pop(m.index).(uint64)
		removed = append(removed, m.items[nonce])
		delete(m.items, nonce)
	}
	if m.cache != nil {
		m.cache = m.cache[len(removed):]
	}
	return removed
}

// Filter removes all transactions for which the supplied function evaluates
// to true and returns them.
func (m *sortedMap) Filter(filter func(*types.PoolTransaction) bool) types.PoolTransactions {
	var removed types.PoolTransactions
	for nonce, tx := range m.items {
		if filter(tx) {
			removed = append(removed, tx)
			delete(m.items, nonce)
		}
	}
	if len(removed) > 0 {
		m.reheap()
	}
	return removed
}

func (m *sortedMap) reheap() {
	*m.index = make(nonceHeap, 0, len(m.items))
	for nonce := range m.items {
		*m.index = append(*m.index, nonce)
	}
	heap.Init(m.index)
	m.cache = nil
}

func (m *sortedMap) Remove(nonce uint64) bool {
	if _, ok := m.items[nonce]; !ok {
		return false
	}
	for i := 0; i < m.index.Len(); i++ {
		if (*m.index)[i] == nonce {
			heap.Remove(m.index, i)
			break
		}
	}
	delete(m.items, nonce)
	m.cache = nil
	return true
}

// Ready retrieves a sequentially increasing list of transactions starting at
// the provided nonce. The returned transactions are removed from the map.
func (m *sortedMap) Ready(start uint64) types.PoolTransactions {
	if m.index.Len() == 0 || (*m.index)[0] > start {
		return nil
	}
	var ready types.PoolTransactions
	for next := (*m.index)[0]; m.index.Len() > 0 && (*m.index)[0] == next; next++ {
		ready = append(ready, m.items[next])
		delete(m.items, next)
		heap.Pop(m.index)
	}
	m.cache = nil
	return ready
}

func (m *sortedMap) Len() int {
	return len(m.items)
}

// Flatten returns a nonce-sorted slice of the contained transactions. The
// result is cached until the map is mutated again.
func (m *sortedMap) Flatten() types.PoolTransactions {
	if m.cache == nil {
		m.cache = make(types.PoolTransactions, 0, len(m.items))
		for _, tx := range m.items {
			m.cache = append(m.cache, tx)
		}
		sort.Slice(m.cache, func(i, j int) bool { return m.cache[i].Nonce() < m.cache[j].Nonce() })
	}
	txs := make(types.PoolTransactions, len(m.cache))
	copy(txs, m.cache)
	return txs
}

// list is a "list" of transactions belonging to an account, sorted by account
// nonce. The same type serves the contiguous executable queue (strict mode)
// and the gapped future queue.
type list struct {
	strict bool
	txs    *sortedMap

	totalcost *big.Int // Total max cost of all transactions in the list
}

func newList(strict bool) *list {
	return &list{
		strict:    strict,
		txs:       newSortedMap(),
		totalcost: new(big.Int),
	}
}

// Add tries to insert a new transaction into the list, returning whether it
// was accepted and, if so, any previous transaction it replaced. A same-nonce
// entry is replaced only if both the fee cap and the tip are bumped by at
// least priceBump percent.
func (l *list) Add(tx *types.PoolTransaction, priceBump uint64) (bool, *types.PoolTransaction) {
	old := l.txs.Get(tx.Nonce())
	if old != nil {
		if old.Tx.GasFeeCapCmp(tx.Tx) >= 0 || old.Tx.GasTipCapCmp(tx.Tx) >= 0 {
			return false, nil
		}
		// threshold = oldFee * (100 + priceBump) / 100
		a := big.NewInt(100 + int64(priceBump))
		aFeeCap := new(big.Int).Mul(a, old.Tx.GasFeeCap())
		aTip := new(big.Int).Mul(a, old.Tx.GasTipCap())
		b := big.NewInt(100)
		thresholdFeeCap := aFeeCap.Div(aFeeCap, b)
		thresholdTip := aTip.Div(aTip, b)

		if tx.Tx.GasFeeCapIntCmp(thresholdFeeCap) < 0 || tx.Tx.GasTipCapIntCmp(thresholdTip) < 0 {
			return false, nil
		}
		l.subTotalCost(types.PoolTransactions{old})
	}
	l.totalcost.Add(l.totalcost, tx.Cost())
	l.txs.Put(tx)
	return true, old
}

// Forward removes all transactions with a nonce lower than the threshold.
func (l *list) Forward(threshold uint64) types.PoolTransactions {
	txs := l.txs.Forward(threshold)
	l.subTotalCost(txs)
	return txs
}

// Filter removes all transactions with a cost or gas limit higher than the
// provided thresholds. Strict-mode invalidated transactions (higher nonces
// behind a removed one) are also returned.
func (l *list) Filter(costLimit *big.Int, gasLimit uint64) (types.PoolTransactions, types.PoolTransactions) {
	removed := l.txs.Filter(func(tx *types.PoolTransaction) bool {
		return tx.Gas() > gasLimit || tx.Cost().Cmp(costLimit) > 0
	})
	if len(removed) == 0 {
		return nil, nil
	}
	var invalids types.PoolTransactions
	if l.strict {
		lowest := uint64(math.MaxUint64)
		for _, tx := range removed {
			if nonce := tx.Nonce(); lowest > nonce {
				lowest = nonce
			}
		}
		invalids = l.txs.Filter(func(tx *types.PoolTransaction) bool { return tx.Nonce() > lowest })
	}
	l.subTotalCost(removed)
	l.subTotalCost(invalids)
	return removed, invalids
}

// Remove deletes a transaction from the list, returning whether it was found
// and any transactions invalidated by the deletion (strict mode only).
func (l *list) Remove(tx *types.PoolTransaction) (bool, types.PoolTransactions) {
	nonce := tx.Nonce()
	if removed := l.txs.Remove(nonce); !removed {
		return false, nil
	}
	l.subTotalCost(types.PoolTransactions{tx})
	if l.strict {
		txs := l.txs.Filter(func(tx *types.PoolTransaction) bool { return tx.Nonce() > nonce })
		l.subTotalCost(txs)
		return true, txs
	}
	return true, nil
}

// Ready retrieves a sequentially increasing list of transactions starting at
// the provided nonce. The returned transactions are removed from the list.
func (l *list) Ready(start uint64) types.PoolTransactions {
	txs := l.txs.Ready(start)
	l.subTotalCost(txs)
	return txs
}

func (l *list) Len() int {
	return l.txs.Len()
}

func (l *list) Empty() bool {
	return l.Len() == 0
}

// Flatten returns a nonce-sorted copy of the list contents.
func (l *list) Flatten() types.PoolTransactions {
	return l.txs.Flatten()
}

// TotalCost returns the sum of the max cost of all contained transactions.
func (l *list) TotalCost() *big.Int {
	return new(big.Int).Set(l.totalcost)
}

func (l *list) subTotalCost(txs types.PoolTransactions) {
	for _, tx := range txs {
		l.totalcost.Sub(l.totalcost, tx.Cost())
	}
}
