package orderbook

import "math/big"

// bidPriceHeap and askPriceHeap are container/heap.Interface implementations
// over big.Int prices, generalizing the teacher's MaxPriceHeap/MinPriceHeap
// (pkg/app/core/orderbook/heap.go) from int64 comparison to big.Int.Cmp.

type bidPriceHeap []*big.Int

func (h bidPriceHeap) Len() int            { return len(h) }
func (h bidPriceHeap) Less(i, j int) bool  { return h[i].Cmp(h[j]) > 0 } // max-heap
func (h bidPriceHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *bidPriceHeap) Push(x interface{}) { *h = append(*h, x.(*big.Int)) }
func (h *bidPriceHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
func (h bidPriceHeap) Peek() *big.Int {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

type askPriceHeap []*big.Int

func (h askPriceHeap) Len() int            { return len(h) }
func (h askPriceHeap) Less(i, j int) bool  { return h[i].Cmp(h[j]) < 0 } // min-heap
func (h askPriceHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *askPriceHeap) Push(x interface{}) { *h = append(*h, x.(*big.Int)) }
func (h *askPriceHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
func (h askPriceHeap) Peek() *big.Int {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}
