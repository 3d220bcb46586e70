// Package queue runs the background scan workers on a Redis list.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bookgate/uploader-backend/internal/pkg/logger"
	pkgredis "github.com/bookgate/uploader-backend/internal/pkg/redis"
	"github.com/bookgate/uploader-backend/internal/upload/biz"
)

const (
	ScanQueue = "queue:upload:scan"

	maxTaskRetries = 3
	popTimeout     = 2 * time.Second
)

// ScanTask is one scan job on the queue.
type ScanTask struct {
	UUID       string `json:"uuid"`
	RetryCount int    `json:"retry_count"`
}

// Worker consumes scan jobs from Redis and drives them through the
// scan use case. It also implements biz.ScanEnqueuer.
type Worker struct {
	redis       *pkgredis.Client
	scanUseCase *biz.ScanUseCase
	log         *logger.Logger
	workerCount int

	wg      sync.WaitGroup
	stopCh  chan struct{}
	mu      sync.Mutex
	running bool
}

func NewWorker(
	redis *pkgredis.Client,
	scanUseCase *biz.ScanUseCase,
	log *logger.Logger,
	workerCount int,
) *Worker {
	if workerCount <= 0 {
		workerCount = 2
	}
	return &Worker{
		redis:       redis,
		scanUseCase: scanUseCase,
		log:         log,
		workerCount: workerCount,
		stopCh:      make(chan struct{}),
	}
}

// Start launches the worker goroutines.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("scan worker already running")
	}
	w.running = true

	w.log.Info("starting scan workers", zap.Int("worker_count", w.workerCount))
	for i := 0; i < w.workerCount; i++ {
		w.wg.Add(1)
		go w.processLoop(ctx, i)
	}
	return nil
}

// Stop signals the workers and waits for in-flight jobs to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}

	w.log.Info("stopping scan workers")
	close(w.stopCh)
	w.wg.Wait()
	w.running = false
	w.log.Info("all scan workers stopped")
}

// Enqueue puts a scan job on the queue.
func (w *Worker) Enqueue(ctx context.Context, uuid string) error {
	task := &ScanTask{UUID: uuid}

	taskJSON, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal scan task: %w", err)
	}

	if err := w.redis.LPush(ctx, ScanQueue, string(taskJSON)); err != nil {
		return fmt.Errorf("failed to enqueue scan task: %w", err)
	}

	w.log.Info("scan task enqueued", zap.String("upload_uuid", uuid))
	return nil
}

// QueueSize returns the number of pending scan jobs.
func (w *Worker) QueueSize(ctx context.Context) (int64, error) {
	return w.redis.LLen(ctx, ScanQueue)
}

func (w *Worker) processLoop(ctx context.Context, workerID int) {
	defer w.wg.Done()

	log := w.log.With(zap.Int("worker_id", workerID))
	log.Info("scan worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("scan worker stopping")
			return
		case <-ctx.Done():
			log.Info("context cancelled, scan worker stopping")
			return
		default:
		}

		taskJSON, err := w.redis.BRPop(ctx, popTimeout, ScanQueue)
		if err != nil {
			if err == pkgredis.ErrNil || ctx.Err() != nil {
				continue
			}
			log.Error("failed to pop scan task", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		var task ScanTask
		if err := json.Unmarshal([]byte(taskJSON), &task); err != nil {
			log.Error("failed to unmarshal scan task", zap.Error(err))
			continue
		}

		w.processTask(ctx, &task, log)
	}
}

func (w *Worker) processTask(ctx context.Context, task *ScanTask, log *logger.Logger) {
	log = log.With(zap.String("upload_uuid", task.UUID))
	log.Info("processing scan task")

	if err := w.scanUseCase.Process(ctx, task.UUID); err != nil {
		log.Error("scan task failed",
			zap.Error(err),
			zap.Int("retry_count", task.RetryCount))

		if task.RetryCount < maxTaskRetries {
			task.RetryCount++
			taskJSON, _ := json.Marshal(task)
			if err := w.redis.LPush(ctx, ScanQueue, string(taskJSON)); err != nil {
				log.Error("failed to re-enqueue scan task", zap.Error(err))
				return
			}
			log.Info("scan task re-enqueued", zap.Int("retry_count", task.RetryCount))
		} else {
			log.Error("scan task failed after max retries")
		}
		return
	}

	log.Info("scan task completed")
}
