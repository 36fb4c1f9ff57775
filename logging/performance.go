package logging

import (
	"sync"
	"time"
)

// PerformanceMetrics tracks slow evaluations and slow gateway calls so a
// developer can find tail latency without wiring a full tracing stack.
type PerformanceMetrics struct {
	mu                     sync.RWMutex
	slowEvaluations        []*SlowEvaluation
	slowGatewayCalls       []*SlowGatewayCall
	slowEvaluationThreshold time.Duration
	slowGatewayThreshold    time.Duration
}

// SlowEvaluation records one evaluateAccount call that exceeded the
// configured threshold.
type SlowEvaluation struct {
	SubAccountID string
	Duration     time.Duration
	Timestamp    time.Time
	StackTrace   string
}

// SlowGatewayCall records one trade-action gateway call (closePosition,
// partialClose, liquidatePosition) that exceeded the configured threshold.
type SlowGatewayCall struct {
	Operation    string
	SubAccountID string
	PositionID   string
	Duration     time.Duration
	Timestamp    time.Time
}

// NewPerformanceMetrics creates a new performance metrics tracker.
func NewPerformanceMetrics() *PerformanceMetrics {
	return &PerformanceMetrics{
		slowEvaluations:         make([]*SlowEvaluation, 0),
		slowGatewayCalls:        make([]*SlowGatewayCall, 0),
		slowEvaluationThreshold: 5 * time.Millisecond,
		slowGatewayThreshold:    500 * time.Millisecond,
	}
}

// LogSlowEvaluation records an evaluateAccount call that ran long and warns.
func (pm *PerformanceMetrics) LogSlowEvaluation(subAccountID string, duration time.Duration, logger *Logger) {
	if duration < pm.slowEvaluationThreshold {
		return
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	se := &SlowEvaluation{
		SubAccountID: subAccountID,
		Duration:     duration,
		Timestamp:    time.Now(),
		StackTrace:   getStackTrace(),
	}

	pm.slowEvaluations = append(pm.slowEvaluations, se)
	if len(pm.slowEvaluations) > 100 {
		pm.slowEvaluations = pm.slowEvaluations[1:]
	}

	logger.Warn("slow account evaluation",
		AccountID(subAccountID),
		Float64("duration_ms", float64(duration.Microseconds())/1000),
		String("threshold_ms", pm.slowEvaluationThreshold.String()),
	)
}

// LogSlowGatewayCall records a trade-action call that ran long.
func (pm *PerformanceMetrics) LogSlowGatewayCall(operation, subAccountID, positionID string, duration time.Duration, logger *Logger) {
	if duration < pm.slowGatewayThreshold {
		return
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	sg := &SlowGatewayCall{
		Operation:    operation,
		SubAccountID: subAccountID,
		PositionID:   positionID,
		Duration:     duration,
		Timestamp:    time.Now(),
	}

	pm.slowGatewayCalls = append(pm.slowGatewayCalls, sg)
	if len(pm.slowGatewayCalls) > 100 {
		pm.slowGatewayCalls = pm.slowGatewayCalls[1:]
	}

	logger.Warn("slow trade action gateway call",
		String("operation", operation),
		AccountID(subAccountID),
		PositionID(positionID),
		Float64("duration_ms", float64(duration.Milliseconds())),
	)
}

// GetSlowEvaluations returns recent slow evaluations.
func (pm *PerformanceMetrics) GetSlowEvaluations() []*SlowEvaluation {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	out := make([]*SlowEvaluation, len(pm.slowEvaluations))
	copy(out, pm.slowEvaluations)
	return out
}

// GetSlowGatewayCalls returns recent slow gateway calls.
func (pm *PerformanceMetrics) GetSlowGatewayCalls() []*SlowGatewayCall {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	out := make([]*SlowGatewayCall, len(pm.slowGatewayCalls))
	copy(out, pm.slowGatewayCalls)
	return out
}

// SetSlowEvaluationThreshold sets the threshold for slow evaluation detection.
func (pm *PerformanceMetrics) SetSlowEvaluationThreshold(threshold time.Duration) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.slowEvaluationThreshold = threshold
}

// SetSlowGatewayThreshold sets the threshold for slow gateway call detection.
func (pm *PerformanceMetrics) SetSlowGatewayThreshold(threshold time.Duration) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.slowGatewayThreshold = threshold
}

// Global performance metrics instance.
var globalPerfMetrics = NewPerformanceMetrics()

// LogSlowEvaluation records a slow evaluation using the global tracker.
func LogSlowEvaluation(subAccountID string, duration time.Duration) {
	globalPerfMetrics.LogSlowEvaluation(subAccountID, duration, defaultLogger)
}

// LogSlowGatewayCall records a slow gateway call using the global tracker.
func LogSlowGatewayCall(operation, subAccountID, positionID string, duration time.Duration) {
	globalPerfMetrics.LogSlowGatewayCall(operation, subAccountID, positionID, duration, defaultLogger)
}

// GetSlowEvaluations returns globally tracked slow evaluations.
func GetSlowEvaluations() []*SlowEvaluation {
	return globalPerfMetrics.GetSlowEvaluations()
}

// GetSlowGatewayCalls returns globally tracked slow gateway calls.
func GetSlowGatewayCalls() []*SlowGatewayCall {
	return globalPerfMetrics.GetSlowGatewayCalls()
}
