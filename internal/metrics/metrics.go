// Package metrics defines Prometheus collectors for the connection pool.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsFree tracks the number of idle sessions per pool.
	SessionsFree = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "connpool_sessions_free",
		Help: "Number of idle sessions currently in the free list",
	}, []string{"pool"})

	// SessionsBusy tracks the number of borrowed sessions per pool.
	SessionsBusy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "connpool_sessions_busy",
		Help: "Number of sessions currently borrowed",
	}, []string{"pool"})

	// SessionsMax tracks the configured max pool size.
	SessionsMax = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "connpool_sessions_max",
		Help: "Configured maximum pool size",
	}, []string{"pool"})

	// HighWaterMark tracks the largest observed busy count since the last reset.
	HighWaterMark = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "connpool_high_water_mark",
		Help: "Largest observed number of busy sessions since the last counter reset",
	}, []string{"pool"})

	// WaitersQueued tracks the current number of blocked borrowers.
	WaitersQueued = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "connpool_waiters_queued",
		Help: "Number of borrowers currently blocked waiting for a session",
	}, []string{"pool"})

	// BorrowTotal counts borrow attempts by outcome.
	BorrowTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "connpool_borrow_total",
		Help: "Total borrow attempts by outcome",
	}, []string{"pool", "outcome"})

	// BorrowWaitSeconds tracks how long borrowers spend blocked.
	BorrowWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "connpool_borrow_wait_seconds",
		Help:    "Time spent blocked waiting for a session to become available",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	}, []string{"pool"})

	// BorrowHoldSeconds tracks how long a session is held between borrow and return.
	BorrowHoldSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "connpool_borrow_hold_seconds",
		Help:    "Time a session is held between borrow and return",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	}, []string{"pool"})

	// SessionErrors counts session-level errors by type.
	SessionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "connpool_session_errors_total",
		Help: "Total session errors by type",
	}, []string{"pool", "error_type"})

	// AlertsTotal counts alert-sink notifications by kind.
	AlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "connpool_alerts_total",
		Help: "Total alert notifications raised",
	}, []string{"pool", "kind"})

	// DataSourceUp reports the current up/down state of the pool's backend.
	DataSourceUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "connpool_data_source_up",
		Help: "1 if the pool believes its backend is reachable, 0 otherwise",
	}, []string{"pool"})
)
