package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CacheLookups counts artifact existence checks by result ("hit", "miss",
// "empty" for zero-length artifacts that get treated as misses).
var CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "audiocache_cache_lookups",
	Help: "Artifact cache lookups by result",
}, []string{"result"})

// ExtractionAttempts counts individual strategy attempts by client identity
// and outcome. One extraction may record several attempts.
var ExtractionAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "audiocache_extraction_attempts",
	Help: "Extraction strategy attempts",
}, []string{"client", "outcome"})

// ExtractionsExhausted counts extractions where every strategy in the plan failed.
var ExtractionsExhausted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "audiocache_extractions_exhausted",
	Help: "Extractions that exhausted all strategies",
})

// RelayBytesForwarded tracks bytes relayed to the local player by direction.
var RelayBytesForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "audiocache_relay_bytes_forwarded",
	Help: "Bytes forwarded through the loopback relay",
}, []string{"direction"})

// RelayConnections tracks currently open relay connections.
var RelayConnections = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "audiocache_relay_connections",
	Help: "Open loopback relay connections",
})

// BatchRoundTrips counts existence-check batch round trips by outcome.
var BatchRoundTrips = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "audiocache_batch_round_trips",
	Help: "Cache status batch round trips",
}, []string{"outcome"})

// PrefetchRuns counts prefetch scheduler runs by outcome per channel.
var PrefetchRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "audiocache_prefetch_channel_scans",
	Help: "Prefetch channel feed scans",
}, []string{"outcome"})
