package orderbook

import "github.com/uhyunpark/xchange/pkg/app/core"

// priceHeap is a binary heap of distinct price levels. Use container/heap to
// manipulate it.
type priceHeap interface {
	Len() int
	Less(i, j int) bool
	Swap(i, j int)
	Push(x any)
	Pop() any
	Peek() core.Amount
	at(i int) core.Amount
	clone() priceHeap
}

// MaxPriceHeap orders bid prices, highest on top.
type MaxPriceHeap []core.Amount

func (h MaxPriceHeap) Len() int           { return len(h) }
func (h MaxPriceHeap) Less(i, j int) bool { return h[i].Gt(&h[j]) }
func (h MaxPriceHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *MaxPriceHeap) Push(x any) {
	*h = append(*h, x.(core.Amount))
}

func (h *MaxPriceHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

// Peek returns the top element without removing it.
func (h *MaxPriceHeap) Peek() core.Amount {
	if len(*h) == 0 {
		return core.Amount{}
	}
	return (*h)[0]
}

func (h *MaxPriceHeap) at(i int) core.Amount { return (*h)[i] }

func (h *MaxPriceHeap) clone() priceHeap {
	cp := append(MaxPriceHeap(nil), *h...)
	return &cp
}

// MinPriceHeap orders ask prices, lowest on top.
type MinPriceHeap []core.Amount

func (h MinPriceHeap) Len() int           { return len(h) }
func (h MinPriceHeap) Less(i, j int) bool { return h[i].Lt(&h[j]) }
func (h MinPriceHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *MinPriceHeap) Push(x any) {
	*h = append(*h, x.(core.Amount))
}

func (h *MinPriceHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

// Peek returns the top element without removing it.
func (h *MinPriceHeap) Peek() core.Amount {
	if len(*h) == 0 {
		return core.Amount{}
	}
	return (*h)[0]
}

func (h *MinPriceHeap) at(i int) core.Amount { return (*h)[i] }

func (h *MinPriceHeap) clone() priceHeap {
	cp := append(MinPriceHeap(nil), *h...)
	return &cp
}
