package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/cockroachdb/pebble/v2"
	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric/instrument"
	"go.opentelemetry.io/otel/metric/instrument/syncint64"
	"go.opentelemetry.io/otel/metric/unit"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/aggregation"
	"go.opentelemetry.io/otel/sdk/metric/view"
)

var (
	log = logging.Logger("dcmrelay/metrics")
)

type Metrics struct {
	exporter          *prometheus.Exporter
	instancesReceived syncint64.Counter
	ingestLatency     syncint64.Histogram
	studiesCreated    syncint64.Counter
	notifications     syncint64.Counter
	fetchLatency      syncint64.Histogram
	storeStatuses     syncint64.Counter
	httpLatency       syncint64.Histogram
	s                 *http.Server
	pebbleMetrics     *pebbleMetrics
}

func aggregationSelector(ik view.InstrumentKind) aggregation.Aggregation {
	if ik == view.SyncHistogram {
		return aggregation.ExplicitBucketHistogram{
			Boundaries: []float64{0, 10, 50, 100, 200, 500, 1000, 2000, 5000, 10_000, 20_000, 30_000, 50_000, 120_000},
			NoMinMax:   false,
		}
	}
	return metric.DefaultAggregationSelector(ik)
}

func New(metricsAddr string, pebbleMetricsProvider func() *pebble.Metrics) (*Metrics, error) {
	var m Metrics
	var err error
	if m.exporter, err = prometheus.New(
		prometheus.WithoutUnits(),
		prometheus.WithAggregationSelector(aggregationSelector)); err != nil {
		return nil, err
	}

	provider := metric.NewMeterProvider(metric.WithReader(m.exporter))
	meter := provider.Meter("dcmrelay")

	if m.instancesReceived, err = meter.SyncInt64().Counter("dcmrelay/instances_received",
		instrument.WithUnit(unit.Dimensionless),
		instrument.WithDescription("Number of instances received and staged")); err != nil {
		return nil, err
	}

	if m.ingestLatency, err = meter.SyncInt64().Histogram("dcmrelay/ingest_latency",
		instrument.WithUnit(unit.Milliseconds),
		instrument.WithDescription("Latency of encrypting and uploading a staged instance")); err != nil {
		return nil, err
	}

	if m.studiesCreated, err = meter.SyncInt64().Counter("dcmrelay/studies_created",
		instrument.WithUnit(unit.Dimensionless),
		instrument.WithDescription("Number of study keys generated")); err != nil {
		return nil, err
	}

	if m.notifications, err = meter.SyncInt64().Counter("dcmrelay/notifications",
		instrument.WithUnit(unit.Dimensionless),
		instrument.WithDescription("Number of study notifications sent")); err != nil {
		return nil, err
	}

	if m.fetchLatency, err = meter.SyncInt64().Histogram("dcmrelay/fetch_latency",
		instrument.WithUnit(unit.Milliseconds),
		instrument.WithDescription("Latency of fetching, decrypting and forwarding a study")); err != nil {
		return nil, err
	}

	if m.storeStatuses, err = meter.SyncInt64().Counter("dcmrelay/store_statuses",
		instrument.WithUnit(unit.Dimensionless),
		instrument.WithDescription("C-STORE response statuses received from the forward destination by class")); err != nil {
		return nil, err
	}

	if m.httpLatency, err = meter.SyncInt64().Histogram("dcmrelay/http_latency",
		instrument.WithUnit(unit.Milliseconds),
		instrument.WithDescription("Latency of the admin HTTP API")); err != nil {
		return nil, err
	}

	m.s = &http.Server{
		Addr:    metricsAddr,
		Handler: metricsMux(),
	}

	if pebbleMetricsProvider != nil {
		m.pebbleMetrics = &pebbleMetrics{
			metricsProvider: pebbleMetricsProvider,
			meter:           meter,
		}
	}

	return &m, nil
}

func (m *Metrics) RecordInstanceReceived(ctx context.Context, callingAETitle string) {
	m.instancesReceived.Add(ctx, 1, attribute.String("calling_ae", callingAETitle))
}

func (m *Metrics) RecordIngest(ctx context.Context, t time.Duration, outcome string) {
	m.ingestLatency.Record(ctx, t.Milliseconds(), attribute.String("outcome", outcome))
}

func (m *Metrics) RecordStudyCreated(ctx context.Context) {
	m.studiesCreated.Add(ctx, 1)
}

func (m *Metrics) RecordNotification(ctx context.Context, outcome string) {
	m.notifications.Add(ctx, 1, attribute.String("outcome", outcome))
}

func (m *Metrics) RecordFetch(ctx context.Context, t time.Duration, outcome string) {
	m.fetchLatency.Record(ctx, t.Milliseconds(), attribute.String("outcome", outcome))
}

func (m *Metrics) RecordStoreStatus(ctx context.Context, class string) {
	m.storeStatuses.Add(ctx, 1, attribute.String("class", class))
}

func (m *Metrics) RecordHttpLatency(ctx context.Context, t time.Duration, method, path string, status int) {
	m.httpLatency.Record(ctx, t.Milliseconds(),
		attribute.String("method", method), attribute.String("path", path), attribute.Int("status", status))
}

func (m *Metrics) Start(_ context.Context) error {
	mln, err := net.Listen("tcp", m.s.Addr)
	if err != nil {
		return err
	}

	if m.pebbleMetrics != nil {
		err = m.pebbleMetrics.start()
		if err != nil {
			return err
		}
	}

	go func() { _ = m.s.Serve(mln) }()

	log.Infow("Metrics server started", "addr", mln.Addr())
	return nil
}

func (s *Metrics) Shutdown(ctx context.Context) error {
	return s.s.Shutdown(ctx)
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}
