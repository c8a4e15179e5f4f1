package service

import (
	"sync"
	"time"

	"votebridge/models"
)

// MetricsCollector tracks submission, retry and compensation counters.
type MetricsCollector struct {
	mu sync.RWMutex

	votingStartTime time.Time
	votingEndTime   time.Time
	votingCount     int
	votingTotalTime time.Duration
	succeeded       int
	failed          map[models.ErrorKind]int
	retries         int

	compensationsDelivered int
	compensationsQueued    int
	compensationsSkipped   int
	redeliveries           int
}

// OperationMetrics contains timing information for an operation
type OperationMetrics struct {
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	Count          int       `json:"count"`
	ProcessingTime int64     `json:"processing_time_ms"`
}

type CompensationMetrics struct {
	Delivered   int `json:"delivered"`
	Queued      int `json:"queued"`
	Skipped     int `json:"skipped"`
	Redelivered int `json:"redelivered"`
}

type MetricsResponse struct {
	Voting        OperationMetrics         `json:"voting"`
	Succeeded     int                      `json:"succeeded"`
	Failed        map[models.ErrorKind]int `json:"failed"`
	Retries       int                      `json:"retries"`
	Compensations CompensationMetrics      `json:"compensations"`
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{failed: make(map[models.ErrorKind]int)}
}

// RecordVotingStart marks the start of a submission
func (mc *MetricsCollector) RecordVotingStart() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if mc.votingCount == 0 {
		mc.votingStartTime = time.Now()
	}
	mc.votingCount++
}

// RecordVotingEnd records the duration and outcome of a submission. err is nil on success.
func (mc *MetricsCollector) RecordVotingEnd(duration time.Duration, err error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.votingEndTime = time.Now()
	mc.votingTotalTime += duration
	if err == nil {
		mc.succeeded++
		return
	}
	mc.failed[models.KindOf(err)]++
}

func (mc *MetricsCollector) RecordRetry() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.retries++
}

func (mc *MetricsCollector) RecordCompensation(outcome models.Outcome) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	switch outcome {
	case models.OutcomeCompensated:
		mc.compensationsDelivered++
	case models.OutcomeResetQueued:
		mc.compensationsQueued++
	case models.OutcomeResetSkip:
		mc.compensationsSkipped++
	case models.OutcomeResetDone:
		mc.redeliveries++
	}
}

func (mc *MetricsCollector) GetMetrics() MetricsResponse {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	failed := make(map[models.ErrorKind]int, len(mc.failed))
	for k, v := range mc.failed {
		failed[k] = v
	}

	return MetricsResponse{
		Voting: OperationMetrics{
			StartTime:      mc.votingStartTime,
			EndTime:        mc.votingEndTime,
			Count:          mc.votingCount,
			ProcessingTime: mc.votingTotalTime.Milliseconds(),
		},
		Succeeded: mc.succeeded,
		Failed:    failed,
		Retries:   mc.retries,
		Compensations: CompensationMetrics{
			Delivered:   mc.compensationsDelivered,
			Queued:      mc.compensationsQueued,
			Skipped:     mc.compensationsSkipped,
			Redelivered: mc.redeliveries,
		},
	}
}

// Reset clears all metrics
func (mc *MetricsCollector) Reset() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.votingStartTime = time.Time{}
	mc.votingEndTime = time.Time{}
	mc.votingCount = 0
	mc.votingTotalTime = 0
	mc.succeeded = 0
	mc.failed = make(map[models.ErrorKind]int)
	mc.retries = 0
	mc.compensationsDelivered = 0
	mc.compensationsQueued = 0
	mc.compensationsSkipped = 0
	mc.redeliveries = 0
}
