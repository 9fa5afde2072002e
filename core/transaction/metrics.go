package transaction

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"github.com/sushant-115/gojodb-rm/pkg/telemetry"
)

// Metrics wraps the OTel instruments every ResourceManager reports
// through. It is a passive mirror of the raw counters spec.md §3
// names on the RM itself (those raw values are what actually go on
// CLIENT_TX_RESP/TX_RM_PREPARE); this just gives operators the same
// numbers on the Prometheus exposition pkg/telemetry already sets up.
type Metrics struct {
	locksAcquired  metric.Int64Counter
	readsViolated  metric.Int64Counter
	writesViolated metric.Int64Counter
	txCommitted    metric.Int64Counter
	txAborted      metric.Int64Counter
	lockWaitMicros metric.Int64Histogram
	readMicros     metric.Int64Histogram
	readDSBMicros  metric.Int64Histogram
	appendMicros   metric.Int64Histogram
}

// NewMetrics builds the instrument set against tel.Meter. tel may be
// nil (e.g. in unit tests) in which case every recorded value is
// dropped.
func NewMetrics(tel *telemetry.Telemetry) *Metrics {
	if tel == nil || tel.Meter == nil {
		return &Metrics{}
	}
	m := &Metrics{}
	meter := tel.Meter

	m.locksAcquired, _ = meter.Int64Counter("rm.locks_acquired")
	m.readsViolated, _ = meter.Int64Counter("rm.reads_violated")
	m.writesViolated, _ = meter.Int64Counter("rm.writes_violated")
	m.txCommitted, _ = meter.Int64Counter("rm.tx_committed")
	m.txAborted, _ = meter.Int64Counter("rm.tx_aborted")
	m.lockWaitMicros, _ = meter.Int64Histogram("rm.lock_wait_us")
	m.readMicros, _ = meter.Int64Histogram("rm.read_us")
	m.readDSBMicros, _ = meter.Int64Histogram("rm.read_dsb_us")
	m.appendMicros, _ = meter.Int64Histogram("rm.append_us")
	return m
}

func (m *Metrics) incLocks(n int64) {
	if m == nil || m.locksAcquired == nil {
		return
	}
	m.locksAcquired.Add(context.Background(), n)
}

func (m *Metrics) incViolations(read, write uint32) {
	if m == nil {
		return
	}
	if m.readsViolated != nil && read > 0 {
		m.readsViolated.Add(context.Background(), int64(read))
	}
	if m.writesViolated != nil && write > 0 {
		m.writesViolated.Add(context.Background(), int64(write))
	}
}

func (m *Metrics) recordCommitted() {
	if m == nil || m.txCommitted == nil {
		return
	}
	m.txCommitted.Add(context.Background(), 1)
}

func (m *Metrics) recordAborted() {
	if m == nil || m.txAborted == nil {
		return
	}
	m.txAborted.Add(context.Background(), 1)
}

func (m *Metrics) recordPhases(rm *ResourceManager) {
	if m == nil {
		return
	}
	ctx := context.Background()
	if m.lockWaitMicros != nil {
		m.lockWaitMicros.Record(ctx, rm.lockWaitTimer.micros())
	}
	if m.readMicros != nil {
		m.readMicros.Record(ctx, rm.readTimer.micros())
	}
	if m.readDSBMicros != nil {
		m.readDSBMicros.Record(ctx, rm.latencyReadDSBUs)
	}
	if m.appendMicros != nil {
		m.appendMicros.Record(ctx, rm.appendTimer.micros())
	}
}
