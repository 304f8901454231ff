package api

import (
	"github.com/uhyunpark/xchange/pkg/app/core"
	"github.com/uhyunpark/xchange/pkg/app/core/governance"
	"github.com/uhyunpark/xchange/pkg/app/core/orderbook"
)

// Amounts travel as base-10 strings: uint256 does not fit a JSON number.

// ==============================
// REST Response Types
// ==============================

type ListingInfo struct {
	ProposalID uint64   `json:"proposalId"`
	Symbol     string   `json:"symbol"`
	Token      string   `json:"token"`
	Approvals  []string `json:"approvals"`
	Status     string   `json:"status"` // "proposed" | "listed"
}

type OrderInfo struct {
	ID        uint64 `json:"id"`
	Party     string `json:"party"`
	Symbol    string `json:"symbol"`
	Side      string `json:"side"` // "buy" or "sell"
	Kind      string `json:"kind"` // "limit" or "market"
	Price     string `json:"price"`
	Amount    string `json:"amount"`
	Filled    string `json:"filled"`
	Remaining string `json:"remaining"`
}

// PriceLevel aggregates the resting orders at one price.
type PriceLevel struct {
	Price  string `json:"price"`
	Size   string `json:"size"`
	Orders int    `json:"orders"`
}

type DepthSnapshot struct {
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"` // high to low
	Asks      []PriceLevel `json:"asks"` // low to high
	Timestamp int64        `json:"timestamp"`
}

type TradeInfo struct {
	ID           uint64 `json:"id"`
	Symbol       string `json:"symbol"`
	Price        string `json:"price"`
	Size         string `json:"size"`
	Side         string `json:"side"` // taker side
	TakerOrderID uint64 `json:"takerOrderId"`
	MakerOrderID uint64 `json:"makerOrderId"`
	Buyer        string `json:"buyer"`
	Seller       string `json:"seller"`
	Timestamp    int64  `json:"timestamp"`
}

type BalanceInfo struct {
	Address string `json:"address"`
	Symbol  string `json:"symbol"`
	Free    string `json:"free"`
	Locked  string `json:"locked"`
}

type NonceInfo struct {
	Address string `json:"address"`
	Nonce   uint64 `json:"nonce"`
}

type StateInfo struct {
	StateHash         string   `json:"stateHash"`
	QuoteSymbol       string   `json:"quoteSymbol"`
	Exchange          string   `json:"exchange"`
	Quorum            []string `json:"quorum"`
	RequiredApprovals int      `json:"requiredApprovals"`
	Halted            bool     `json:"halted"`
}

// ==============================
// REST Request Types
// ==============================

// TxRequest is the body of POST /api/v1/tx: the fields of the EIP-712
// Request plus its signature. Unused fields may be omitted.
type TxRequest struct {
	Action    string `json:"action"`
	Symbol    string `json:"symbol,omitempty"`
	Token     string `json:"token,omitempty"`
	Amount    string `json:"amount,omitempty"`
	Price     string `json:"price,omitempty"`
	Side      string `json:"side,omitempty"` // "buy" | "sell"
	Ref       uint64 `json:"ref,omitempty"`
	Nonce     uint64 `json:"nonce"`
	Owner     string `json:"owner"`
	Signature string `json:"signature"`
}

type TxResponse struct {
	Status     string       `json:"status"` // "ok"
	Action     string       `json:"action"`
	ProposalID *uint64      `json:"proposalId,omitempty"`
	Listing    *ListingInfo `json:"listing,omitempty"`
	Order      *OrderInfo   `json:"order,omitempty"`
	Trades     []TradeInfo  `json:"trades,omitempty"`
	Rested     bool         `json:"rested,omitempty"`
	Cancelled  *OrderInfo   `json:"cancelled,omitempty"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g. ["book:BOND", "trades:BOND"]
}

// BookUpdate is pushed on "book:<SYMBOL>" after every change to the book.
type BookUpdate struct {
	Type string `json:"type"` // "book"
	DepthSnapshot
}

// TradeUpdate is pushed on "trades:<SYMBOL>" for every trade.
type TradeUpdate struct {
	Type string `json:"type"` // "trade"
	TradeInfo
}

func listingInfo(l governance.Listing) ListingInfo {
	approvals := make([]string, len(l.Approvals))
	for i, a := range l.Approvals {
		approvals[i] = a.Hex()
	}
	return ListingInfo{
		ProposalID: l.ProposalID,
		Symbol:     l.Symbol.String(),
		Token:      l.Token.Hex(),
		Approvals:  approvals,
		Status:     l.Status.String(),
	}
}

func orderInfo(o core.Order) OrderInfo {
	filled := o.Filled()
	return OrderInfo{
		ID:        o.ID,
		Party:     o.Party.Hex(),
		Symbol:    o.Symbol.String(),
		Side:      o.Side.String(),
		Kind:      o.Kind.String(),
		Price:     o.Price.Dec(),
		Amount:    o.Original.Dec(),
		Filled:    filled.Dec(),
		Remaining: o.Remaining.Dec(),
	}
}

func tradeInfo(t core.Trade) TradeInfo {
	return TradeInfo{
		ID:           t.ID,
		Symbol:       t.Symbol.String(),
		Price:        t.Price.Dec(),
		Size:         t.Qty.Dec(),
		Side:         t.TakerSide.String(),
		TakerOrderID: t.TakerOrderID,
		MakerOrderID: t.MakerOrderID,
		Buyer:        t.Buyer.Hex(),
		Seller:       t.Seller.Hex(),
		Timestamp:    t.Timestamp,
	}
}

func priceLevels(levels []orderbook.Level) []PriceLevel {
	out := make([]PriceLevel, len(levels))
	for i, l := range levels {
		out[i] = PriceLevel{Price: l.Price.Dec(), Size: l.Qty.Dec(), Orders: l.Count}
	}
	return out
}
