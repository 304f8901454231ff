// Package metrics exposes exchange counters in the Prometheus format.
package metrics

import (
	"errors"
	"math/big"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/uhyunpark/xchange/pkg/app/core"
)

// Metrics owns a private registry so tests can build as many as they like.
type Metrics struct {
	Registry *prometheus.Registry

	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	Trades          *prometheus.CounterVec
	TradedVolume    *prometheus.CounterVec
	TradedNotional  *prometheus.CounterVec
	Halted          prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "xchange_requests_total", Help: "Exchange operations by action and result"},
			[]string{"action", "result"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "xchange_request_duration_seconds", Help: "Exchange operation latency", Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10)},
			[]string{"action"},
		),
		Trades: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "xchange_trades_total", Help: "Executed trades by symbol"},
			[]string{"symbol"},
		),
		TradedVolume: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "xchange_traded_volume", Help: "Traded base units by symbol"},
			[]string{"symbol"},
		),
		TradedNotional: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "xchange_traded_notional", Help: "Traded quote units by symbol"},
			[]string{"symbol"},
		),
		Halted: prometheus.NewGauge(prometheus.GaugeOpts{Name: "xchange_halted", Help: "1 once the exchange stopped accepting writes"}),
	}
	m.Registry.MustRegister(
		m.Requests, m.RequestDuration, m.Trades, m.TradedVolume, m.TradedNotional, m.Halted,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveRequest records one operation. result is "ok" or the error kind.
func (m *Metrics) ObserveRequest(action string, err error, took time.Duration) {
	m.Requests.WithLabelValues(action, Result(err)).Inc()
	m.RequestDuration.WithLabelValues(action).Observe(took.Seconds())
	if errors.Is(err, core.ErrHalted) {
		m.Halted.Set(1)
	}
}

// ObserveTrade counts a trade with its base quantity and quote value.
func (m *Metrics) ObserveTrade(t core.Trade) {
	sym := t.Symbol.String()
	m.Trades.WithLabelValues(sym).Inc()
	m.TradedVolume.WithLabelValues(sym).Add(toFloat(t.Qty))
	notional := t.QuoteValue()
	m.TradedNotional.WithLabelValues(sym).Add(toFloat(notional))
}

func toFloat(a core.Amount) float64 {
	f, _ := new(big.Float).SetInt(a.ToBig()).Float64()
	return f
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

var resultKinds = []struct {
	err   error
	label string
}{
	{core.ErrUnauthorized, "unauthorized"},
	{core.ErrNotListed, "not_listed"},
	{core.ErrAlreadyListed, "already_listed"},
	{core.ErrUnknownProposal, "unknown_proposal"},
	{core.ErrDuplicateApproval, "duplicate_approval"},
	{core.ErrAlreadyFinalized, "already_finalized"},
	{core.ErrInsufficientFreeBalance, "insufficient_free_balance"},
	{core.ErrInvalidAmount, "invalid_amount"},
	{core.ErrInvalidPrice, "invalid_price"},
	{core.ErrSelfTrade, "self_trade"},
	{core.ErrTokenTransferFailed, "token_transfer_failed"},
	{core.ErrUnknownOrder, "unknown_order"},
	{core.ErrQuoteSymbol, "quote_symbol"},
	{core.ErrOverflow, "overflow"},
	{core.ErrHalted, "halted"},
}

// Result maps an error to a bounded label value.
func Result(err error) string {
	if err == nil {
		return "ok"
	}
	for _, k := range resultKinds {
		if errors.Is(err, k.err) {
			return k.label
		}
	}
	return "error"
}
