// Package metrics exposes prometheus instrumentation for the slab engine
// and the router coordinator.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/percolata/percolator/internal/slab/book"
	"github.com/percolata/percolator/internal/slab/engine"
	"github.com/percolata/percolator/pkg/fixed"
)

// ReservesTotal counts reserve outcomes by result.
var ReservesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "percolator_reserves_total",
		Help: "Reserve attempts by outcome",
	},
	[]string{"outcome"},
)

// CommitsTotal counts commit outcomes by result.
var CommitsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "percolator_commits_total",
		Help: "Commit attempts by outcome",
	},
	[]string{"outcome"},
)

// CancelsTotal counts hold cancellations.
var CancelsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "percolator_cancels_total",
		Help: "Hold cancellations, explicit and expired",
	},
)

// TradesTotal counts executed fills by taker side.
var TradesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "percolator_trades_total",
		Help: "Executed fills by taker side",
	},
	[]string{"side"},
)

// TradedNotional accumulates executed notional in natural units.
var TradedNotional = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "percolator_traded_notional",
		Help: "Cumulative executed notional",
	},
)

// LiquidationsTotal counts liquidation passes by kind.
var LiquidationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "percolator_liquidations_total",
		Help: "Liquidation passes by kind (book, adl, socialized)",
	},
	[]string{"kind"},
)

// MultiSlabRequests counts coordinator requests by terminal state.
var MultiSlabRequests = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "percolator_multislab_requests_total",
		Help: "Multi-slab requests by terminal state",
	},
	[]string{"state"},
)

// BestBid tracks the top-of-book bid per instrument.
var BestBid = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "percolator_best_bid",
		Help: "Best bid price in natural units",
	},
	[]string{"symbol"},
)

// BestAsk tracks the top-of-book ask per instrument.
var BestAsk = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "percolator_best_ask",
		Help: "Best ask price in natural units",
	},
	[]string{"symbol"},
)

// PoolInUse tracks freelist occupancy per pool.
var PoolInUse = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "percolator_pool_in_use",
		Help: "Occupied slots per fixed-capacity pool",
	},
	[]string{"pool"},
)

func init() {
	prometheus.MustRegister(
		ReservesTotal, CommitsTotal, CancelsTotal,
		TradesTotal, TradedNotional,
		LiquidationsTotal, MultiSlabRequests,
		BestBid, BestAsk, PoolInUse,
	)
}

// Handler serves the default prometheus registry.
func Handler() http.Handler { return promhttp.Handler() }

// SlabObserver feeds trade and quote notifications into the registry.
// It satisfies the engine observer contract: all updates are cheap.
type SlabObserver struct{}

func (SlabObserver) OnTrade(t engine.Trade) {
	TradesTotal.WithLabelValues(t.TakerSide.String()).Inc()
	if n, err := fixed.Notional(t.Qty, t.Price); err == nil {
		TradedNotional.Add(fixed.ToDecimal(n).InexactFloat64())
	}
}

func (SlabObserver) OnQuote(_ uint8, symbol string, q book.Quote) {
	if q.BidQty > 0 {
		BestBid.WithLabelValues(symbol).Set(fixed.ToDecimal(q.BidPx).InexactFloat64())
	} else {
		BestBid.DeleteLabelValues(symbol)
	}
	if q.AskQty > 0 {
		BestAsk.WithLabelValues(symbol).Set(fixed.ToDecimal(q.AskPx).InexactFloat64())
	} else {
		BestAsk.DeleteLabelValues(symbol)
	}
}

// ObservePools samples freelist occupancy from a slab.
func ObservePools(s *engine.Slab) {
	PoolInUse.WithLabelValues("orders").Set(float64(s.Book().OrdersInUse()))
	PoolInUse.WithLabelValues("reservations").Set(float64(s.HoldsInUse()))
}
