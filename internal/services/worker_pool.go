package services

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/studio-keygov-go/internal/models"
	"go.uber.org/zap"
)

// Task is one credential to probe
type Task struct {
	Record *models.APIKeyRecord
}

// Result carries the probe outcome for one credential
type Result struct {
	ID        string
	CheckedAt time.Time
	Error     error
}

// WorkerPool probes credentials concurrently
type WorkerPool struct {
	maxWorkers     int
	queueSize      int
	taskQueue      chan Task
	resultQueue    chan Result
	wg             sync.WaitGroup
	batchMu        sync.Mutex
	shutdown       chan struct{}
	httpClient     *http.Client
	log            *zap.SugaredLogger
	activeWorkers  int32
	processedTasks int64
}

// NewWorkerPool creates a new worker pool; timeout bounds each probe
func NewWorkerPool(maxWorkers, queueSize int, timeout time.Duration, log *zap.SugaredLogger) *WorkerPool {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if queueSize <= 0 {
		queueSize = maxWorkers
	}

	// Create HTTP client with connection pooling
	httpClient := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        maxWorkers * 2,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &WorkerPool{
		maxWorkers:  maxWorkers,
		queueSize:   queueSize,
		taskQueue:   make(chan Task, queueSize),
		resultQueue: make(chan Result, queueSize),
		shutdown:    make(chan struct{}),
		httpClient:  httpClient,
		log:         log,
	}
}

// Start initializes and starts worker goroutines
func (wp *WorkerPool) Start() {
	for i := 0; i < wp.maxWorkers; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

// Stop gracefully shuts down the worker pool
func (wp *WorkerPool) Stop() {
	close(wp.shutdown)
	wp.wg.Wait()
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	atomic.AddInt32(&wp.activeWorkers, 1)
	defer atomic.AddInt32(&wp.activeWorkers, -1)

	for {
		select {
		case task := <-wp.taskQueue:
			result := wp.probe(task.Record)

			select {
			case wp.resultQueue <- result:
				atomic.AddInt64(&wp.processedTasks, 1)
			case <-wp.shutdown:
				return
			}

		case <-wp.shutdown:
			return
		}
	}
}

// probe calls the credential's base URL. Anything below 500 other than an
// auth rejection counts as healthy.
func (wp *WorkerPool) probe(rec *models.APIKeyRecord) Result {
	result := Result{ID: rec.ID, CheckedAt: time.Now()}

	req, err := http.NewRequest(http.MethodGet, rec.BaseURL, nil)
	if err != nil {
		result.Error = fmt.Errorf("invalid base url: %w", err)
		return result
	}
	if rec.Key != "" {
		req.Header.Set("Authorization", "Bearer "+rec.Key)
	}
	req.Header.Set("User-Agent", "keygov-validator/1.0")

	resp, err := wp.httpClient.Do(req)
	if err != nil {
		result.Error = fmt.Errorf("request failed: %w", err)
		return result
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		result.Error = fmt.Errorf("HTTP %d: credential rejected", resp.StatusCode)
	case resp.StatusCode >= 500:
		result.Error = fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return result
}

// BatchProcess probes every record and returns results in input order.
// Records not probed before ctx is done get a timeout error.
func (wp *WorkerPool) BatchProcess(ctx context.Context, records []*models.APIKeyRecord) []Result {
	if len(records) == 0 {
		return []Result{}
	}

	// results are drained from a shared queue, so one batch at a time
	wp.batchMu.Lock()
	defer wp.batchMu.Unlock()

	startTime := time.Now()
	wp.log.Infow("Validation batch started", "records", len(records), "workers", wp.maxWorkers)

	resultMap := make(map[string]Result, len(records))
	pending := records
	received := 0
	expected := 0

collectLoop:
	for received < expected || len(pending) > 0 {
		var submit chan Task
		var next Task
		if len(pending) > 0 {
			submit = wp.taskQueue
			next = Task{Record: pending[0]}
		}

		select {
		case submit <- next:
			pending = pending[1:]
			expected++
		case result := <-wp.resultQueue:
			resultMap[result.ID] = result
			received++
		case <-ctx.Done():
			wp.log.Warnw("Validation batch interrupted", "received", received, "total", len(records))
			break collectLoop
		case <-wp.shutdown:
			break collectLoop
		}
	}

	// drain results for tasks already queued so the next batch starts clean
	for received < expected {
		select {
		case result := <-wp.resultQueue:
			resultMap[result.ID] = result
			received++
		case <-wp.shutdown:
			received = expected
		}
	}

	results := make([]Result, 0, len(records))
	for _, rec := range records {
		if result, ok := resultMap[rec.ID]; ok {
			results = append(results, result)
			continue
		}
		results = append(results, Result{
			ID:        rec.ID,
			CheckedAt: time.Now(),
			Error:     fmt.Errorf("validation timeout"),
		})
	}

	wp.log.Infow("Validation batch finished",
		"records", len(records),
		"elapsed", time.Since(startTime).Round(time.Millisecond),
	)
	return results
}

// GetStats returns worker pool statistics
func (wp *WorkerPool) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"active_workers":    atomic.LoadInt32(&wp.activeWorkers),
		"queue_size":        len(wp.taskQueue),
		"result_queue_size": len(wp.resultQueue),
		"processed_tasks":   atomic.LoadInt64(&wp.processedTasks),
		"max_workers":       wp.maxWorkers,
		"queue_capacity":    wp.queueSize,
	}
}
