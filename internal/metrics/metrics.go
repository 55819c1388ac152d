// Package metrics registers the Prometheus collectors shared by the
// bridge components. Operators watch cskenter_last_success_timestamp
// to spot a stalled pipeline; everything else is rate material.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Label values for the result dimension.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

var (
	TokenExchanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cskenter_token_exchanges_total",
		Help: "OAuth2 token endpoint calls by grant type and result.",
	}, []string{"grant", "result"})

	Fetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cskenter_fetches_total",
		Help: "Metering API day fetches by result.",
	}, []string{"result"})

	PublishAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cskenter_publish_attempts_total",
		Help: "Broker publish attempts by result.",
	}, []string{"result"})

	CyclesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cskenter_cycles_skipped_total",
		Help: "Poll cycles skipped because the target interval was already processed.",
	})

	LastSuccess = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cskenter_last_success_timestamp_seconds",
		Help: "Unix time of the last cycle that fetched and published successfully.",
	})
)

// Handler returns the HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
