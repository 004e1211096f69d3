package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/meetingrelay/transcript-relay/internal/pubsub"
)

// metrics holds the Prometheus collectors the relay exposes on
// METRICS_ADDR, replacing the periodic log-line counters the teacher used
// with scrapeable series (spec §9: ambient observability). It also
// satisfies ingest.Metrics and subscriber.Metrics, so those packages report
// straight into it without importing this package back. Collectors live on
// a registry owned by the Service instance rather than the global default
// registerer, so constructing more than one Service in a process (as the
// test suite does) never hits a duplicate-registration panic.
type metrics struct {
	registry *prometheus.Registry

	ingestConnections      prometheus.Counter
	subscriberConnections  prometheus.Counter
	oversizedFramesDropped prometheus.Counter
	asrReconnects          prometheus.Counter
	rateLimited            prometheus.Counter
	slowConsumersClosed    prometheus.Counter
	finalsPersisted        prometheus.Counter
}

// OversizedFrameDropped implements ingest.Metrics.
func (m *metrics) OversizedFrameDropped() { m.oversizedFramesDropped.Inc() }

// ASRReconnect implements ingest.Metrics.
func (m *metrics) ASRReconnect() { m.asrReconnects.Inc() }

// FinalPersisted implements ingest.Metrics.
func (m *metrics) FinalPersisted() { m.finalsPersisted.Inc() }

// SlowConsumerClosed implements subscriber.Metrics.
func (m *metrics) SlowConsumerClosed() { m.slowConsumersClosed.Inc() }

// newMetrics constructs the relay's Prometheus collectors, including a
// gauge mirroring bus's own dropped-publish counter so an outage shows up
// on the same /metrics surface as everything else.
func newMetrics(bus *pubsub.Bus) *metrics {
	reg := prometheus.NewRegistry()
	fac := promauto.With(reg)

	fac.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "relay_pubsub_publishes_dropped_total",
		Help: "Publishes dropped during a broker outage.",
	}, func() float64 { return float64(bus.DroppedCount()) })

	return &metrics{
		registry: reg,
		ingestConnections: fac.NewCounter(prometheus.CounterOpts{
			Name: "relay_ingest_connections_total",
			Help: "Total ingest websocket connections admitted.",
		}),
		subscriberConnections: fac.NewCounter(prometheus.CounterOpts{
			Name: "relay_subscriber_connections_total",
			Help: "Total subscriber websocket connections admitted.",
		}),
		oversizedFramesDropped: fac.NewCounter(prometheus.CounterOpts{
			Name: "relay_oversized_frames_dropped_total",
			Help: "PCM frames dropped for exceeding MAX_INGEST_FRAME_BYTES.",
		}),
		asrReconnects: fac.NewCounter(prometheus.CounterOpts{
			Name: "relay_asr_reconnects_total",
			Help: "ASR upstream reconnect attempts.",
		}),
		rateLimited: fac.NewCounter(prometheus.CounterOpts{
			Name: "relay_connections_rate_limited_total",
			Help: "Connection attempts rejected by the admission rate limiter.",
		}),
		slowConsumersClosed: fac.NewCounter(prometheus.CounterOpts{
			Name: "relay_slow_consumers_closed_total",
			Help: "Subscriber sessions closed for a full outbound queue.",
		}),
		finalsPersisted: fac.NewCounter(prometheus.CounterOpts{
			Name: "relay_finals_persisted_total",
			Help: "Final segments successfully appended to the transcript store.",
		}),
	}
}
