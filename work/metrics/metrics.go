package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Requests counts inbound proxy requests by type (playlist, segment, key,
// channels). This metric is a counter and only increases.
var Requests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sxm_proxy_requests_total",
	Help: "Number of proxy requests served",
}, []string{"type"})

// RequestErrors counts inbound requests that ended in the generic server
// error response, by request type.
var RequestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sxm_proxy_request_errors_total",
	Help: "Number of proxy requests that failed",
}, []string{"type"})

// AuthAttempts counts upstream authentication round trips by operation
// (login, resume) and result (ok, failed).
var AuthAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sxm_proxy_auth_attempts_total",
	Help: "Number of upstream authentication attempts",
}, []string{"operation", "result"})

// SessionRetries counts recoverable session-expiry signals that triggered
// a forced re-authentication, by the operation that observed them.
var SessionRetries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sxm_proxy_session_retries_total",
	Help: "Number of forced re-authentications after expiry signals",
}, []string{"operation"})

// BytesServed tracks payload bytes written to stream clients by type.
var BytesServed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sxm_proxy_bytes_served_total",
	Help: "Total payload bytes served to clients",
}, []string{"type"})
