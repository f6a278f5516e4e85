package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ethsync/stagesync/emitters"
	"github.com/ethsync/stagesync/stagedsync"
)

// SyncMetrics exposes the progress of the sync pipeline.
type SyncMetrics struct {
	// Checkpoint of each stage.
	stageCheckpoints *prometheus.GaugeVec

	// Highest height each stage could reach in the latest pass.
	stageLatestReachable *prometheus.GaugeVec

	// Counts of pipeline events, partitioned by stage and kind.
	pipelineEvents *prometheus.CounterVec
}

// NewDefaultSyncMetrics creates Prometheus metric instrumentation for the
// sync pipeline.
func NewDefaultSyncMetrics(pkg string) *SyncMetrics {
	metrics := &SyncMetrics{
		stageCheckpoints: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: fmt.Sprintf("%s_stage_checkpoint", pkg),
				Help: "The highest block height each stage durably completed.",
			},
			[]string{"stage"}, // Labels.
		),
		stageLatestReachable: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: fmt.Sprintf("%s_stage_latest_reachable", pkg),
				Help: "The highest block height each stage could reach in the latest pass.",
			},
			[]string{"stage"}, // Labels.
		),
		pipelineEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: fmt.Sprintf("%s_pipeline_events", pkg),
				Help: "How many pipeline events occurred, partitioned by stage and kind.",
			},
			[]string{"stage", "kind"}, // Labels.
		),
	}
	metrics.stageCheckpoints = registerOnce(metrics.stageCheckpoints).(*prometheus.GaugeVec)
	metrics.stageLatestReachable = registerOnce(metrics.stageLatestReachable).(*prometheus.GaugeVec)
	metrics.pipelineEvents = registerOnce(metrics.pipelineEvents).(*prometheus.CounterVec)
	return metrics
}

// ObserveMetric records a metric event of the pipeline.
func (m *SyncMetrics) ObserveMetric(ev stagedsync.MetricEvent) {
	switch ev := ev.(type) {
	case stagedsync.StageReachedCheckpoint:
		stage := ev.Stage.String()
		m.stageCheckpoints.WithLabelValues(stage).Set(float64(ev.Checkpoint))
		if ev.KnownLatestReachable != nil {
			m.stageLatestReachable.WithLabelValues(stage).Set(float64(*ev.KnownLatestReachable))
		}
	}
}

// ObserveEvent records a lifecycle event of the pipeline.
func (m *SyncMetrics) ObserveEvent(ev stagedsync.Event) {
	m.pipelineEvents.WithLabelValues(ev.Stage.String(), ev.Kind.String()).Inc()
}

// StageCheckpoint returns the gauge holding the checkpoint of the stage.
func (m *SyncMetrics) StageCheckpoint(stage stagedsync.StageID) prometheus.Gauge {
	return m.stageCheckpoints.WithLabelValues(stage.String())
}

// PipelineEvents returns the counter of events of the given kind for the stage.
func (m *SyncMetrics) PipelineEvents(stage stagedsync.StageID, kind stagedsync.EventKind) prometheus.Counter {
	return m.pipelineEvents.WithLabelValues(stage.String(), kind.String())
}

// Consume records events from the subscriptions until ctx is done or both
// subscriptions are closed.
func (m *SyncMetrics) Consume(ctx context.Context, metricSub *emitters.Subscription[stagedsync.MetricEvent], eventSub *emitters.Subscription[stagedsync.Event]) error {
	metricsCh, eventsCh := metricSub.C(), eventSub.C()
	for metricsCh != nil || eventsCh != nil {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-metricsCh:
			if !ok {
				metricsCh = nil
				continue
			}
			m.ObserveMetric(ev)
		case ev, ok := <-eventsCh:
			if !ok {
				eventsCh = nil
				continue
			}
			m.ObserveEvent(ev)
		}
	}
	return nil
}
