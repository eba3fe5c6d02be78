package queue

import "time"

// Metrics summarizes the last drain pass. It is derived state and not authoritative.
type Metrics struct {
	// TotalOperations is the number of operations the pass saw.
	TotalOperations int `json:"totalOperations"`
	// PendingOperations is the queue length after the pass.
	PendingOperations int `json:"pendingOperations"`
	// FailedOperations is the number of operations permanently dropped.
	FailedOperations int `json:"failedOperations"`
	// RescheduledOperations is the number of failed operations kept for another pass.
	RescheduledOperations int `json:"rescheduledOperations"`
	// SucceededOperations is the number of operations replayed successfully.
	SucceededOperations int `json:"succeededOperations"`
	// LastProcessedAt is the end of the pass in epoch milliseconds.
	LastProcessedAt int64 `json:"lastProcessedAt"`
	// AverageProcessingTime is the mean wall-clock milliseconds per successful replay.
	AverageProcessingTime float64 `json:"averageProcessingTime"`
}

// MetricsCollector receives queue events, e.g. to feed a monitoring system.
type MetricsCollector interface {
	RecordDrain(metrics Metrics, duration time.Duration)
	RecordReplay(opType Type, success bool, duration time.Duration)
	RecordDrop(op Operation)
	RecordEviction(op Operation)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

func (n *NoOpMetricsCollector) RecordDrain(metrics Metrics, duration time.Duration)            {}
func (n *NoOpMetricsCollector) RecordReplay(opType Type, success bool, duration time.Duration) {}
func (n *NoOpMetricsCollector) RecordDrop(op Operation)                                        {}
func (n *NoOpMetricsCollector) RecordEviction(op Operation)                                    {}
