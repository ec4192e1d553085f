package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// FeedReconnects counts websocket reconnect attempts per feed.
var FeedReconnects = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "polytrader",
		Subsystem: "feed",
		Name:      "reconnects_total",
		Help:      "Total number of websocket reconnect attempts",
	},
	[]string{"feed"},
)

// FeedMessages counts decoded frames per feed and event type.
var FeedMessages = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "polytrader",
		Subsystem: "feed",
		Name:      "messages_total",
		Help:      "Total number of decoded websocket frames",
	},
	[]string{"feed", "event"},
)

// BooksTracked is the number of order books currently owned by the registry.
var BooksTracked = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "polytrader",
		Subsystem: "registry",
		Name:      "books_tracked",
		Help:      "Number of order books with at least one subscriber",
	},
)

// AccountEventsApplied counts user-feed events applied to the open-order index.
var AccountEventsApplied = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "polytrader",
		Subsystem: "registry",
		Name:      "account_events_total",
		Help:      "Total number of account events applied to the open-order index",
	},
	[]string{"kind"},
)

// EngineTicks counts auto-trade evaluation passes.
var EngineTicks = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "polytrader",
		Subsystem: "engine",
		Name:      "ticks_total",
		Help:      "Total number of auto-trade evaluation passes",
	},
)

// OrdersSubmitted counts successful order submissions per side.
var OrdersSubmitted = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "polytrader",
		Subsystem: "engine",
		Name:      "orders_submitted_total",
		Help:      "Total number of orders accepted by the venue",
	},
	[]string{"side"},
)

// OrdersRejected counts failed order submissions per side.
var OrdersRejected = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "polytrader",
		Subsystem: "engine",
		Name:      "orders_rejected_total",
		Help:      "Total number of order submissions rejected or failed",
	},
	[]string{"side"},
)

// FillsObserved counts locally-owned fills seen on the user feed.
var FillsObserved = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "polytrader",
		Subsystem: "engine",
		Name:      "fills_total",
		Help:      "Total number of locally-owned fills observed",
	},
	[]string{"side", "role"},
)
