// Package metrics provides metrics recording for survey, generation and delivery operations.
package metrics

import "time"

// Recorder defines the interface for recording InsightPipe metrics.
type Recorder interface {
	// ObserveInbound counts a webhook/websocket event and whether it was a redelivery.
	ObserveInbound(channel string, duplicate bool)

	// ObserveTransition counts a survey state change.
	ObserveTransition(from, to string)

	// ObserveGeneration records one tier of the generation fallback chain.
	ObserveGeneration(role, tier, backend string, success bool, reason string, duration time.Duration)

	// ObserveDelivery counts one outbound message part.
	ObserveDelivery(channel, method string, success bool)
}

// NoopRecorder implements Recorder with no-op behavior for when metrics are disabled.
type NoopRecorder struct{}

// Nop returns a no-op metrics recorder that discards all metrics.
func Nop() Recorder {
	return &NoopRecorder{}
}

// ObserveInbound does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveInbound(_ string, _ bool) {}

// ObserveTransition does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveTransition(_, _ string) {}

// ObserveGeneration does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveGeneration(_, _, _ string, _ bool, _ string, _ time.Duration) {}

// ObserveDelivery does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveDelivery(_, _ string, _ bool) {}
