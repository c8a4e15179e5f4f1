package service

import (
	"context"
	"sync"
	"time"
)

// CompensationQueue redelivers persisted resets in the background until the
// token service accepts them.
type CompensationQueue struct {
	compensator  *Compensator
	pending      PendingResets
	interval     time.Duration
	processingWg sync.WaitGroup
	shutdownCh   chan struct{}
	cancel       context.CancelFunc
	stopOnce     sync.Once
	mu           sync.Mutex
}

// DrainResult summarises one pass over the pending resets.
type DrainResult struct {
	Delivered int `json:"delivered"`
	Remaining int `json:"remaining"`
}

func NewCompensationQueue(compensator *Compensator, pending PendingResets, interval time.Duration) *CompensationQueue {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &CompensationQueue{
		compensator: compensator,
		pending:     pending,
		interval:    interval,
		shutdownCh:  make(chan struct{}),
	}
}

// Start launches the redelivery worker.
func (q *CompensationQueue) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel

	q.processingWg.Add(1)
	go q.worker(ctx)
}

// Stop cancels any in-flight redelivery and waits for the worker to exit.
func (q *CompensationQueue) Stop() {
	q.stopOnce.Do(func() {
		close(q.shutdownCh)
		if q.cancel != nil {
			q.cancel()
		}
		q.processingWg.Wait()
	})
}

func (q *CompensationQueue) worker(ctx context.Context) {
	defer q.processingWg.Done()

	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		select {
		case <-q.shutdownCh:
			return
		case <-ticker.C:
			res := q.DrainOnce(ctx)
			if res.Delivered > 0 || res.Remaining > 0 {
				q.compensator.logger.Info("compensation queue pass",
					"delivered", res.Delivered,
					"remaining", res.Remaining)
			}
		}
	}
}

// DrainOnce tries every pending reset once, oldest first.
func (q *CompensationQueue) DrainOnce(ctx context.Context) DrainResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	var res DrainResult
	for _, reset := range q.pending.List() {
		if ctx.Err() != nil {
			res.Remaining++
			continue
		}
		if err := q.compensator.Redeliver(ctx, reset); err != nil {
			q.compensator.logger.Warn("pending reset still undelivered",
				"key", reset.Key(),
				"attempts", reset.Attempts+1,
				"error", err)
			res.Remaining++
			continue
		}
		res.Delivered++
	}
	return res
}

func (q *CompensationQueue) Len() int {
	return len(q.pending.List())
}
