package metrics

import (
	"context"

	"github.com/cockroachdb/pebble/v2"
	"go.opentelemetry.io/otel/attribute"
	cmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/instrument"
	"go.opentelemetry.io/otel/metric/instrument/asyncint64"
	"go.opentelemetry.io/otel/metric/unit"
)

var blockCache = attribute.String("cache", "block")

// keyStoreGauge is a pebble statistic exported as an asynchronous gauge.
type keyStoreGauge struct {
	name        string
	unit        unit.Unit
	description string
	observe     func(*pebble.Metrics) int64
	attrs       []attribute.KeyValue
	gauge       asyncint64.Gauge
}

// pebbleMetrics asynchronously reports the state of the pebble database
// behind the study key store. The store is small and write-once per study,
// so disk, memtable and cache figures are what an operator watches.
type pebbleMetrics struct {
	metricsProvider func() *pebble.Metrics
	meter           cmetric.Meter
	gauges          []*keyStoreGauge
}

func keyStoreGauges() []*keyStoreGauge {
	return []*keyStoreGauge{
		{
			name:        "dcmrelay/keystore/disk_usage",
			unit:        unit.Bytes,
			description: "Disk space used by the key store, including WAL and obsolete files awaiting deletion.",
			observe:     func(m *pebble.Metrics) int64 { return int64(m.DiskSpaceUsage()) },
		},
		{
			name:        "dcmrelay/keystore/memtable_size",
			unit:        unit.Bytes,
			description: "Bytes allocated by memtables not yet flushed.",
			observe:     func(m *pebble.Metrics) int64 { return int64(m.MemTable.Size) },
		},
		{
			name:        "dcmrelay/keystore/flush_count",
			unit:        unit.Dimensionless,
			description: "The total number of memtable flushes.",
			observe:     func(m *pebble.Metrics) int64 { return m.Flush.Count },
		},
		{
			name:        "dcmrelay/keystore/read_amp",
			unit:        unit.Dimensionless,
			description: "Current read amplification: L0 sublevels plus non-empty levels below L0.",
			observe:     func(m *pebble.Metrics) int64 { return int64(m.ReadAmp()) },
		},
		{
			name:        "dcmrelay/keystore/cache_hits",
			unit:        unit.Dimensionless,
			description: "The number of block cache hits.",
			observe:     func(m *pebble.Metrics) int64 { return m.BlockCache.Hits },
			attrs:       []attribute.KeyValue{blockCache},
		},
		{
			name:        "dcmrelay/keystore/cache_misses",
			unit:        unit.Dimensionless,
			description: "The number of block cache misses.",
			observe:     func(m *pebble.Metrics) int64 { return m.BlockCache.Misses },
			attrs:       []attribute.KeyValue{blockCache},
		},
		{
			name:        "dcmrelay/keystore/compact_estimated_debt",
			unit:        unit.Bytes,
			description: "Estimated bytes to compact before the LSM reaches a stable state.",
			observe:     func(m *pebble.Metrics) int64 { return int64(m.Compact.EstimatedDebt) },
		},
	}
}

func (pm *pebbleMetrics) start() error {
	pm.gauges = keyStoreGauges()
	instruments := make([]instrument.Asynchronous, 0, len(pm.gauges))
	for _, g := range pm.gauges {
		var err error
		if g.gauge, err = pm.meter.AsyncInt64().Gauge(g.name,
			instrument.WithUnit(g.unit),
			instrument.WithDescription(g.description)); err != nil {
			return err
		}
		instruments = append(instruments, g.gauge)
	}
	return pm.meter.RegisterCallback(instruments, pm.reportAsyncMetrics)
}

func (pm *pebbleMetrics) reportAsyncMetrics(ctx context.Context) {
	m := pm.metricsProvider()
	if m == nil {
		return
	}
	for _, g := range pm.gauges {
		g.gauge.Observe(ctx, g.observe(m), g.attrs...)
	}
}
