package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/xchange/pkg/app/core"
	"github.com/uhyunpark/xchange/pkg/app/exchange"
	"github.com/uhyunpark/xchange/pkg/crypto"
)

const (
	defaultTradeLimit = 50
	maxTradeLimit     = 1000
	maxBodyBytes      = 1 << 16
)

// Server handles REST API and WebSocket connections
type Server struct {
	x       *exchange.Exchange
	signer  *crypto.EIP712Signer
	router  *mux.Router
	hub     *Hub
	metrics http.Handler
	origins []string
	log     *zap.SugaredLogger
	httpSrv *http.Server
}

type Option func(*Server)

// WithMetrics serves h on /metrics.
func WithMetrics(h http.Handler) Option { return func(s *Server) { s.metrics = h } }

// WithAllowedOrigins sets the CORS origins. Defaults to the local dev UI.
func WithAllowedOrigins(origins []string) Option { return func(s *Server) { s.origins = origins } }

func NewServer(x *exchange.Exchange, signer *crypto.EIP712Signer, log *zap.SugaredLogger, opts ...Option) *Server {
	s := &Server{
		x:       x,
		signer:  signer,
		router:  mux.NewRouter(),
		hub:     NewHub(log),
		origins: []string{"http://localhost:3000", "http://localhost:3001"},
		log:     log,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Governance
	api.HandleFunc("/listings", s.handleGetListings).Methods("GET")
	api.HandleFunc("/proposals/{id:[0-9]+}", s.handleGetProposal).Methods("GET")

	// Markets
	api.HandleFunc("/markets/{symbol}/orders", s.handleGetOrders).Methods("GET")
	api.HandleFunc("/markets/{symbol}/depth", s.handleGetDepth).Methods("GET")
	api.HandleFunc("/markets/{symbol}/trades", s.handleGetTrades).Methods("GET")

	// Accounts
	api.HandleFunc("/accounts/{address}/balances/{symbol}", s.handleGetBalance).Methods("GET")
	api.HandleFunc("/accounts/{address}/nonce", s.handleGetNonce).Methods("GET")

	api.HandleFunc("/state", s.handleGetState).Methods("GET")

	// Signed requests
	api.HandleFunc("/tx", s.handleSubmitTx).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods("GET")
	}
}

// Handler returns the router wrapped in CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start runs the hub and serves until Shutdown.
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.log.Infow("api_listening", "addr", addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetListings(w http.ResponseWriter, r *http.Request) {
	listings := s.x.Listings()
	out := make([]ListingInfo, len(listings))
	for i, l := range listings {
		out[i] = listingInfo(l)
	}
	respondJSON(w, out)
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid proposal id", err.Error())
		return
	}
	l, err := s.x.Listing(id)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, listingInfo(l))
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	symbol, ok := symbolVar(w, r)
	if !ok {
		return
	}
	sides := []core.Side{core.Buy, core.Sell}
	if v := r.URL.Query().Get("side"); v != "" {
		side, err := core.ParseSide(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid side", err.Error())
			return
		}
		sides = []core.Side{side}
	}

	out := []OrderInfo{}
	for _, side := range sides {
		for _, o := range s.x.GetOrders(symbol, side) {
			out = append(out, orderInfo(o))
		}
	}
	respondJSON(w, out)
}

func (s *Server) handleGetDepth(w http.ResponseWriter, r *http.Request) {
	symbol, ok := symbolVar(w, r)
	if !ok {
		return
	}
	respondJSON(w, s.depth(symbol))
}

func (s *Server) depth(symbol core.Symbol) DepthSnapshot {
	return DepthSnapshot{
		Symbol:    symbol.String(),
		Bids:      priceLevels(s.x.Depth(symbol, core.Buy)),
		Asks:      priceLevels(s.x.Depth(symbol, core.Sell)),
		Timestamp: time.Now().UnixMilli(),
	}
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	symbol, ok := symbolVar(w, r)
	if !ok {
		return
	}
	limit := defaultTradeLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid limit", v)
			return
		}
		limit = min(n, maxTradeLimit)
	}

	trades, err := s.x.RecentTrades(symbol, limit)
	if err != nil {
		respondErr(w, err)
		return
	}
	out := make([]TradeInfo, len(trades))
	for i, t := range trades {
		out[i] = tradeInfo(t)
	}
	respondJSON(w, out)
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressVar(w, r)
	if !ok {
		return
	}
	symbol, ok := symbolVar(w, r)
	if !ok {
		return
	}
	free, locked := s.x.BalanceOf(addr, symbol)
	respondJSON(w, BalanceInfo{
		Address: addr.Hex(),
		Symbol:  symbol.String(),
		Free:    free.Dec(),
		Locked:  locked.Dec(),
	})
}

func (s *Server) handleGetNonce(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressVar(w, r)
	if !ok {
		return
	}
	respondJSON(w, NonceInfo{Address: addr.Hex(), Nonce: s.x.Nonce(addr)})
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	quorum := s.x.Quorum()
	members := make([]string, len(quorum))
	for i, m := range quorum {
		members[i] = m.Hex()
	}
	respondJSON(w, StateInfo{
		StateHash:         s.x.StateHash().Hex(),
		QuoteSymbol:       s.x.Quote().String(),
		Exchange:          s.x.Address().Hex(),
		Quorum:            members,
		RequiredApprovals: s.x.RequiredApprovals(),
		Halted:            s.x.Halted() != nil,
	})
}

func (s *Server) handleSubmitTx(w http.ResponseWriter, r *http.Request) {
	var body TxRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	call, req, err := decodeTx(&body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request", err.Error())
		return
	}
	sig, err := hexutil.Decode(body.Signature)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid signature encoding", err.Error())
		return
	}
	signer, err := s.signer.Recover(req, sig)
	if err != nil || signer != req.Owner {
		respondError(w, http.StatusUnauthorized, "invalid signature", "signature does not match owner")
		return
	}

	out, err := s.x.Dispatch(r.Context(), call)
	if err != nil {
		s.log.Infow("tx_rejected", "action", call.Action, "owner", call.Caller.Hex(), "nonce", call.Nonce, "err", err)
		respondErr(w, err)
		return
	}

	resp := TxResponse{Status: "ok", Action: call.Action, ProposalID: out.ProposalID}
	if out.Listing != nil {
		l := listingInfo(*out.Listing)
		resp.Listing = &l
	}
	if out.Order != nil {
		o := orderInfo(out.Order.Order)
		resp.Order = &o
		resp.Rested = out.Order.Rested
		for _, t := range out.Order.Trades {
			resp.Trades = append(resp.Trades, tradeInfo(t))
		}
	}
	if out.Cancelled != nil {
		o := orderInfo(*out.Cancelled)
		resp.Cancelled = &o
	}
	respondJSON(w, resp)
}

// decodeTx builds both the exchange call and the typed-data request the
// signature must cover from the same body.
func decodeTx(b *TxRequest) (exchange.Call, *crypto.Request, error) {
	var call exchange.Call
	if !crypto.ValidAction(b.Action) {
		return call, nil, fmt.Errorf("unknown action %q", b.Action)
	}
	if !common.IsHexAddress(b.Owner) {
		return call, nil, fmt.Errorf("invalid owner %q", b.Owner)
	}
	if len(b.Symbol) > core.SymbolWidth {
		return call, nil, fmt.Errorf("symbol longer than %d bytes", core.SymbolWidth)
	}
	call.Action = b.Action
	call.Caller = common.HexToAddress(b.Owner)
	call.Nonce = b.Nonce
	call.Ref = b.Ref
	call.Symbol = core.NewSymbol(b.Symbol)

	if b.Token != "" {
		if !common.IsHexAddress(b.Token) {
			return call, nil, fmt.Errorf("invalid token %q", b.Token)
		}
		call.Token = common.HexToAddress(b.Token)
	}
	var err error
	if call.Amount, err = parseOptionalAmount(b.Amount); err != nil {
		return call, nil, err
	}
	if call.Price, err = parseOptionalAmount(b.Price); err != nil {
		return call, nil, err
	}
	if b.Side != "" {
		if call.Side, err = core.ParseSide(b.Side); err != nil {
			return call, nil, err
		}
	}

	req := &crypto.Request{
		Action: b.Action,
		Symbol: b.Symbol,
		Token:  call.Token,
		Amount: call.Amount.ToBig(),
		Price:  call.Price.ToBig(),
		Side:   uint8(call.Side),
		Ref:    b.Ref,
		Nonce:  b.Nonce,
		Owner:  call.Caller,
	}
	return call, req, nil
}

// SignTx fills owner and signature of body, signing as key.
func SignTx(eip712 *crypto.EIP712Signer, key *crypto.Signer, body TxRequest) (TxRequest, error) {
	body.Owner = key.Address().Hex()
	_, req, err := decodeTx(&body)
	if err != nil {
		return body, err
	}
	sig, err := eip712.SignRequest(key, req)
	if err != nil {
		return body, err
	}
	body.Signature = hexutil.Encode(sig)
	return body, nil
}

func parseOptionalAmount(s string) (core.Amount, error) {
	if s == "" {
		return core.Amount{}, nil
	}
	return core.ParseAmount(s)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.x.Halted(); err != nil {
		respondError(w, http.StatusServiceUnavailable, "halted", err.Error())
		return
	}
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Broadcast Methods (called from exchange hooks)
// ==============================

// BroadcastTrade pushes t to "trades:<SYMBOL>" subscribers.
func (s *Server) BroadcastTrade(t core.Trade) {
	s.hub.BroadcastToChannel("trades:"+t.Symbol.String(), TradeUpdate{Type: "trade", TradeInfo: tradeInfo(t)})
}

// BroadcastBook pushes the current depth of symbol to "book:<SYMBOL>".
func (s *Server) BroadcastBook(symbol core.Symbol) {
	s.hub.BroadcastToChannel("book:"+symbol.String(), BookUpdate{Type: "book", DepthSnapshot: s.depth(symbol)})
}

// ==============================
// Helper Functions
// ==============================

func symbolVar(w http.ResponseWriter, r *http.Request) (core.Symbol, bool) {
	raw := mux.Vars(r)["symbol"]
	if raw == "" || len(raw) > core.SymbolWidth {
		respondError(w, http.StatusBadRequest, "invalid symbol", raw)
		return core.Symbol{}, false
	}
	return core.NewSymbol(raw), true
}

func addressVar(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	raw := mux.Vars(r)["address"]
	if !common.IsHexAddress(raw) {
		respondError(w, http.StatusBadRequest, "invalid address", raw)
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

// statusFor maps exchange error kinds to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, core.ErrUnknownProposal),
		errors.Is(err, core.ErrUnknownOrder),
		errors.Is(err, core.ErrNotListed):
		return http.StatusNotFound
	case errors.Is(err, core.ErrAlreadyListed),
		errors.Is(err, core.ErrDuplicateApproval),
		errors.Is(err, core.ErrAlreadyFinalized),
		errors.Is(err, core.ErrInsufficientFreeBalance),
		errors.Is(err, core.ErrSelfTrade),
		errors.Is(err, exchange.ErrStaleNonce):
		return http.StatusConflict
	case errors.Is(err, core.ErrInvalidAmount),
		errors.Is(err, core.ErrInvalidPrice),
		errors.Is(err, core.ErrInvalidSymbol),
		errors.Is(err, core.ErrInvalidToken),
		errors.Is(err, core.ErrQuoteSymbol),
		errors.Is(err, core.ErrOverflow):
		return http.StatusUnprocessableEntity
	case errors.Is(err, core.ErrTokenTransferFailed):
		return http.StatusBadGateway
	case errors.Is(err, core.ErrHalted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorKind is the first segment of a wrapped sentinel message.
func errorKind(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, ":"); i > 0 {
		return msg[:i]
	}
	return msg
}

func respondErr(w http.ResponseWriter, err error) {
	respondError(w, statusFor(err), errorKind(err), err.Error())
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
