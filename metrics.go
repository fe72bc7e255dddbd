package ringlink

import (
	"github.com/rcrowley/go-metrics"
)

// EngineMetrics counts the engine's traffic and drop behavior. Dropped
// frames never surface as errors, so the counters are the only place
// they show up.
type EngineMetrics struct {
	txFrames       metrics.Counter
	txBytes        metrics.Counter
	txBackpressure metrics.Counter

	rxFrames  metrics.Counter
	rxBytes   metrics.Counter
	rxDropped metrics.Counter

	busErrors metrics.Counter
}

func newEngineMetrics() *EngineMetrics {
	return &EngineMetrics{
		txFrames:       metrics.GetOrRegisterCounter("engine.tx.frames", nil),
		txBytes:        metrics.GetOrRegisterCounter("engine.tx.bytes", nil),
		txBackpressure: metrics.GetOrRegisterCounter("engine.tx.backpressure", nil),

		rxFrames:  metrics.GetOrRegisterCounter("engine.rx.frames", nil),
		rxBytes:   metrics.GetOrRegisterCounter("engine.rx.bytes", nil),
		rxDropped: metrics.GetOrRegisterCounter("engine.rx.dropped", nil),

		busErrors: metrics.GetOrRegisterCounter("engine.bus_errors", nil),
	}
}
