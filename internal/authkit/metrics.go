package authkit

import "sync"

// MetricsRecorder counts gateway outcomes. The route handlers increment one
// event per callback resolution (success, conflict, decline, exchange
// failure) plus logouts; keys are the dotted auth.* constants in routes.go.
type MetricsRecorder interface {
	Increment(event string)
}

// CounterMetrics is the in-process MetricsRecorder. Counters reset with the
// process; anything longer-lived scrapes Snapshot.
type CounterMetrics struct {
	mutex  sync.RWMutex
	counts map[string]int64
}

// NewCounterMetrics constructs an empty counter set.
func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{counts: make(map[string]int64)}
}

// Increment adds one to the named event counter.
func (recorder *CounterMetrics) Increment(event string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.counts[event]++
}

// Count returns the current value for one event.
func (recorder *CounterMetrics) Count(event string) int64 {
	recorder.mutex.RLock()
	defer recorder.mutex.RUnlock()
	return recorder.counts[event]
}

// Snapshot copies every counter recorded so far.
func (recorder *CounterMetrics) Snapshot() map[string]int64 {
	recorder.mutex.RLock()
	defer recorder.mutex.RUnlock()
	clone := make(map[string]int64, len(recorder.counts))
	for event, value := range recorder.counts {
		clone[event] = value
	}
	return clone
}
