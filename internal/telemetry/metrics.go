// Package telemetry exposes Prometheus metrics for the risk core.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	riskChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_core_checks_total",
			Help: "Total number of pre-trade risk checks",
		},
		[]string{"result"},
	)

	riskRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_core_rejections_total",
			Help: "Total number of rejected orders by reason",
		},
		[]string{"reason"},
	)

	stopsTriggeredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_core_stops_triggered_total",
			Help: "Total number of exit conditions triggered",
		},
		[]string{"kind"},
	)

	stopExecErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "risk_core_stop_execution_errors_total",
			Help: "Total number of failed stop order submissions",
		},
	)

	sizingCalcsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_core_sizing_calculations_total",
			Help: "Total number of position size calculations by method",
		},
		[]string{"method"},
	)

	dailyPnL = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "risk_core_daily_pnl",
			Help: "Current daily profit and loss",
		},
	)

	currentLeverage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "risk_core_current_leverage",
			Help: "Current account leverage",
		},
	)

	killSwitchActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "risk_core_kill_switch_active",
			Help: "Whether the kill switch is active (1) or not (0)",
		},
	)

	accountEquity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "risk_core_account_equity",
			Help: "Current account equity",
		},
	)
)

func init() {
	prometheus.MustRegister(riskChecksTotal)
	prometheus.MustRegister(riskRejectionsTotal)
	prometheus.MustRegister(stopsTriggeredTotal)
	prometheus.MustRegister(stopExecErrorsTotal)
	prometheus.MustRegister(sizingCalcsTotal)
	prometheus.MustRegister(dailyPnL)
	prometheus.MustRegister(currentLeverage)
	prometheus.MustRegister(killSwitchActive)
	prometheus.MustRegister(accountEquity)
}

// Handler returns the Prometheus metrics endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRiskCheck records the outcome of a pre-trade check.
func RecordRiskCheck(passed bool, reason string) {
	if passed {
		riskChecksTotal.WithLabelValues("passed").Inc()
		return
	}
	riskChecksTotal.WithLabelValues("rejected").Inc()
	riskRejectionsTotal.WithLabelValues(reason).Inc()
}

// RecordStopTrigger records a fired exit condition.
func RecordStopTrigger(kind string) {
	stopsTriggeredTotal.WithLabelValues(kind).Inc()
}

// RecordStopExecutionError records a failed stop order submission.
func RecordStopExecutionError() {
	stopExecErrorsTotal.Inc()
}

// RecordSizing records a position size calculation.
func RecordSizing(method string) {
	sizingCalcsTotal.WithLabelValues(method).Inc()
}

// UpdateDailyPnL updates the daily P&L gauge.
func UpdateDailyPnL(pnl float64) {
	dailyPnL.Set(pnl)
}

// UpdateLeverage updates the current leverage gauge.
func UpdateLeverage(leverage float64) {
	currentLeverage.Set(leverage)
}

// UpdateKillSwitch updates the kill switch gauge.
func UpdateKillSwitch(active bool) {
	if active {
		killSwitchActive.Set(1)
		return
	}
	killSwitchActive.Set(0)
}

// UpdateEquity updates the account equity gauge.
func UpdateEquity(equity float64) {
	accountEquity.Set(equity)
}
