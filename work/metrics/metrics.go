package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RelayRequests counts finished relay requests per route and response status class
// ("2xx", "4xx", ...).
var RelayRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dtv_relay_requests_total",
	Help: "Relay requests by route and status class",
}, []string{"route", "status"})

// BytesTransferred tracks body bytes delivered to the player per route.
var BytesTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dtv_relay_bytes_transferred_total",
	Help: "Body bytes relayed to the player",
}, []string{"route"})

// UpstreamErrors counts failed upstream fetches. error_type is one of "connect",
// "status" or "read".
var UpstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dtv_relay_upstream_errors_total",
	Help: "Upstream fetch failures",
}, []string{"route", "error_type"})

// ActiveStreams is the number of responses currently being streamed.
var ActiveStreams = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "dtv_relay_active_streams",
	Help: "Streamed responses in flight",
}, []string{"route"})

// PlaylistsRewritten counts rewritten HLS playlists by kind (master, media, unknown).
var PlaylistsRewritten = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dtv_relay_playlists_rewritten_total",
	Help: "HLS playlists rewritten",
}, []string{"kind"})

// ActiveListeners is the number of running listener tasks per platform.
var ActiveListeners = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "dtv_listener_active",
	Help: "Running room listener tasks",
}, []string{"platform"})

// ListenerSupersessions counts listeners cancelled because the same room was started again.
var ListenerSupersessions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dtv_listener_superseded_total",
	Help: "Listeners replaced by a newer start for the same room",
}, []string{"platform"})

// RelayStarts counts relay server instances started per role (primary, static).
var RelayStarts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dtv_relay_server_starts_total",
	Help: "Relay server instances started",
}, []string{"role"})

// StatusClass maps an HTTP status code to its label value.
func StatusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}
