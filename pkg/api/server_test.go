package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uhyunpark/xchange/pkg/app/core"
	"github.com/uhyunpark/xchange/pkg/app/exchange"
	"github.com/uhyunpark/xchange/pkg/crypto"
	"github.com/uhyunpark/xchange/pkg/metrics"
	"github.com/uhyunpark/xchange/pkg/token"
)

var custody = common.HexToAddress("0x00000000000000000000000000000000000e8c4a")

type fixture struct {
	srv     *Server
	http    *httptest.Server
	eip712  *crypto.EIP712Signer
	members []*crypto.Signer
	alice   *crypto.Signer
	bob     *crypto.Signer
	usdc    *token.ERC20
	bond    *token.ERC20
	nonces  map[common.Address]uint64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{nonces: make(map[common.Address]uint64)}
	for i := 0; i < 3; i++ {
		k, err := crypto.GenerateKey()
		if err != nil {
			t.Fatal(err)
		}
		f.members = append(f.members, k)
	}
	f.alice, _ = crypto.GenerateKey()
	f.bob, _ = crypto.GenerateKey()

	tokens := token.NewRegistry()
	var err error
	if f.usdc, err = tokens.Deploy("USDC"); err != nil {
		t.Fatal(err)
	}
	if f.bond, err = tokens.Deploy("BOND"); err != nil {
		t.Fatal(err)
	}

	m := metrics.New()
	var srv *Server
	x, err := exchange.New(exchange.Config{
		Quorum:            []common.Address{f.members[0].Address(), f.members[1].Address(), f.members[2].Address()},
		RequiredApprovals: 2,
		QuoteSymbol:       core.NewSymbol("USDC"),
		Address:           custody,
	}, tokens,
		exchange.WithObserver(m),
		exchange.WithTradeHook(func(tr core.Trade) { srv.BroadcastTrade(tr) }),
		exchange.WithBookHook(func(s core.Symbol) { srv.BroadcastBook(s) }),
	)
	if err != nil {
		t.Fatal(err)
	}

	f.eip712 = crypto.NewEIP712Signer(crypto.DefaultDomain(1337, custody))
	srv = NewServer(x, f.eip712, zap.NewNop().Sugar(), WithMetrics(m.Handler()))
	f.srv = srv

	ctx, cancel := context.WithCancel(context.Background())
	go srv.hub.Run(ctx)
	f.http = httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		f.http.Close()
		cancel()
	})
	return f
}

// sign fills owner, nonce and signature of body as k.
func (f *fixture) sign(t *testing.T, k *crypto.Signer, body TxRequest) TxRequest {
	t.Helper()
	f.nonces[k.Address()]++
	body.Nonce = f.nonces[k.Address()]
	signed, err := SignTx(f.eip712, k, body)
	if err != nil {
		t.Fatalf("sign %+v: %v", body, err)
	}
	return signed
}

func (f *fixture) post(t *testing.T, body TxRequest) (int, []byte) {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(f.http.URL+"/api/v1/tx", "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	return resp.StatusCode, buf.Bytes()
}

func (f *fixture) mustTx(t *testing.T, k *crypto.Signer, body TxRequest) TxResponse {
	t.Helper()
	status, raw := f.post(t, f.sign(t, k, body))
	if status != http.StatusOK {
		t.Fatalf("%s: status %d: %s", body.Action, status, raw)
	}
	var out TxResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func (f *fixture) get(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(f.http.URL + path)
	if err != nil {
		t.Fatalf("get %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

// listAndFund lists USDC and BOND and deposits 1000 USDC for alice and 100
// BOND for bob.
func (f *fixture) listAndFund(t *testing.T) {
	t.Helper()
	for i, tok := range []*token.ERC20{f.usdc, f.bond} {
		out := f.mustTx(t, f.members[0], TxRequest{Action: crypto.ActionPropose, Symbol: tok.Name(), Token: tok.Address().Hex()})
		if out.ProposalID == nil || *out.ProposalID != uint64(i) {
			t.Fatalf("proposal id = %v", out.ProposalID)
		}
		f.mustTx(t, f.members[0], TxRequest{Action: crypto.ActionApprove, Ref: uint64(i)})
		out = f.mustTx(t, f.members[1], TxRequest{Action: crypto.ActionApprove, Ref: uint64(i)})
		if out.Listing == nil || out.Listing.Status != "listed" {
			t.Fatalf("listing = %+v", out.Listing)
		}
	}
	for _, d := range []struct {
		k   *crypto.Signer
		tok *token.ERC20
		v   uint64
	}{{f.alice, f.usdc, 1000}, {f.bob, f.bond, 100}} {
		if err := d.tok.Mint(d.k.Address(), core.NewAmount(d.v)); err != nil {
			t.Fatal(err)
		}
		d.tok.Approve(d.k.Address(), custody, core.NewAmount(d.v))
		f.mustTx(t, d.k, TxRequest{Action: crypto.ActionDeposit, Symbol: d.tok.Name(), Amount: fmt.Sprint(d.v)})
	}
}

func TestTradingOverHTTP(t *testing.T) {
	f := newFixture(t)
	f.listAndFund(t)

	var listings []ListingInfo
	if f.get(t, "/api/v1/listings", &listings) != http.StatusOK || len(listings) != 2 {
		t.Fatalf("listings = %+v", listings)
	}

	sell := f.mustTx(t, f.bob, TxRequest{Action: crypto.ActionLimit, Symbol: "BOND", Amount: "100", Price: "5", Side: "sell"})
	if !sell.Rested || sell.Order.Remaining != "100" {
		t.Fatalf("sell = %+v", sell)
	}
	buy := f.mustTx(t, f.alice, TxRequest{Action: crypto.ActionMarket, Symbol: "BOND", Amount: "30", Side: "buy"})
	if len(buy.Trades) != 1 || buy.Trades[0].Size != "30" || buy.Trades[0].Price != "5" {
		t.Fatalf("buy = %+v", buy)
	}

	var bal BalanceInfo
	f.get(t, "/api/v1/accounts/"+f.alice.Address().Hex()+"/balances/USDC", &bal)
	if bal.Free != "850" || bal.Locked != "0" {
		t.Fatalf("alice USDC = %+v", bal)
	}

	var orders []OrderInfo
	f.get(t, "/api/v1/markets/BOND/orders?side=sell", &orders)
	if len(orders) != 1 || orders[0].Remaining != "70" || orders[0].Filled != "30" {
		t.Fatalf("asks = %+v", orders)
	}
	var depth DepthSnapshot
	f.get(t, "/api/v1/markets/BOND/depth", &depth)
	if len(depth.Asks) != 1 || depth.Asks[0].Size != "70" || len(depth.Bids) != 0 {
		t.Fatalf("depth = %+v", depth)
	}

	cancelled := f.mustTx(t, f.bob, TxRequest{Action: crypto.ActionCancel, Ref: orders[0].ID})
	if cancelled.Cancelled == nil || cancelled.Cancelled.Remaining != "70" {
		t.Fatalf("cancel = %+v", cancelled)
	}

	var nonce NonceInfo
	f.get(t, "/api/v1/accounts/"+f.bob.Address().Hex()+"/nonce", &nonce)
	if nonce.Nonce != 3 {
		t.Fatalf("bob nonce = %d, want 3", nonce.Nonce)
	}

	var st StateInfo
	f.get(t, "/api/v1/state", &st)
	if !strings.HasPrefix(st.StateHash, "0x") || st.QuoteSymbol != "USDC" || st.RequiredApprovals != 2 || st.Halted {
		t.Fatalf("state = %+v", st)
	}

	// The trade went through the metrics observer.
	resp, err := http.Get(f.http.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	if !strings.Contains(buf.String(), `xchange_requests_total{action="market",result="ok"} 1`) {
		t.Fatalf("metrics missing market request:\n%s", buf.String())
	}
}

func TestSubmitTxRejections(t *testing.T) {
	f := newFixture(t)
	f.listAndFund(t)

	replay := f.sign(t, f.alice, TxRequest{Action: crypto.ActionWithdraw, Symbol: "USDC", Amount: "1"})
	if status, raw := f.post(t, replay); status != http.StatusOK {
		t.Fatalf("withdraw: %d %s", status, raw)
	}

	forged := f.sign(t, f.alice, TxRequest{Action: crypto.ActionWithdraw, Symbol: "USDC", Amount: "1"})
	forged.Amount = "999"

	stranger := f.sign(t, f.bob, TxRequest{Action: crypto.ActionPropose, Symbol: "ETH", Token: common.HexToAddress("0x01").Hex()})

	tests := []struct {
		name string
		body TxRequest
		want int
	}{
		{"replayed nonce", replay, http.StatusConflict},
		{"tampered amount", forged, http.StatusUnauthorized},
		{"non member proposes", stranger, http.StatusForbidden},
		{"unknown action", TxRequest{Action: "liquidate", Owner: f.alice.Address().Hex()}, http.StatusBadRequest},
		{"bad amount", TxRequest{Action: crypto.ActionDeposit, Amount: "-5", Owner: f.alice.Address().Hex()}, http.StatusBadRequest},
		{"insufficient", f.sign(t, f.alice, TxRequest{Action: crypto.ActionWithdraw, Symbol: "USDC", Amount: "100000"}), http.StatusConflict},
		{"unknown order", f.sign(t, f.alice, TxRequest{Action: crypto.ActionCancel, Ref: 99}), http.StatusNotFound},
		{"zero price", f.sign(t, f.alice, TxRequest{Action: crypto.ActionLimit, Symbol: "BOND", Amount: "1", Side: "buy"}), http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if status, raw := f.post(t, tt.body); status != tt.want {
				t.Fatalf("status = %d, want %d: %s", status, tt.want, raw)
			}
		})
	}
}

func TestReadErrors(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		path string
		want int
	}{
		{"/api/v1/proposals/7", http.StatusNotFound},
		{"/api/v1/accounts/nothex/balances/USDC", http.StatusBadRequest},
		{"/api/v1/markets/BOND/orders?side=up", http.StatusBadRequest},
		{"/api/v1/markets/BOND/trades?limit=0", http.StatusBadRequest},
		{"/health", http.StatusOK},
	}
	for _, tt := range tests {
		if got := f.get(t, tt.path, nil); got != tt.want {
			t.Errorf("GET %s = %d, want %d", tt.path, got, tt.want)
		}
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{core.ErrUnauthorized, http.StatusForbidden},
		{fmt.Errorf("%w: 3", core.ErrUnknownProposal), http.StatusNotFound},
		{core.ErrDuplicateApproval, http.StatusConflict},
		{exchange.ErrStaleNonce, http.StatusConflict},
		{core.ErrInvalidPrice, http.StatusUnprocessableEntity},
		{core.ErrTokenTransferFailed, http.StatusBadGateway},
		{core.ErrHalted, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
	if k := errorKind(fmt.Errorf("%w: order 4", core.ErrUnknownOrder)); k != "unknown order" {
		t.Errorf("errorKind = %q", k)
	}
}

func TestTradeFeed(t *testing.T) {
	f := newFixture(t)
	f.listAndFund(t)

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := conn.WriteJSON(WSSubscribeRequest{Op: "subscribe", Channels: []string{"trades:BOND"}}); err != nil {
		t.Fatal(err)
	}
	waitSubscribed(t, f.srv.hub, "trades:BOND")

	f.mustTx(t, f.bob, TxRequest{Action: crypto.ActionLimit, Symbol: "BOND", Amount: "10", Price: "2", Side: "sell"})
	f.mustTx(t, f.alice, TxRequest{Action: crypto.ActionLimit, Symbol: "BOND", Amount: "10", Price: "2", Side: "buy"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg TradeUpdate
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != "trade" || msg.Size != "10" || msg.Buyer != f.alice.Address().Hex() {
		t.Fatalf("trade update = %+v", msg)
	}
}

func waitSubscribed(t *testing.T, h *Hub, channel string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.RLock()
		for c := range h.clients {
			if c.IsSubscribed(channel) {
				h.mu.RUnlock()
				return
			}
		}
		h.mu.RUnlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no client subscribed to %s", channel)
}
