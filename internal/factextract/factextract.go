// Package factextract runs fact extraction against departing branches as an
// asynchronous, unawaited side effect of ROUTE and BRANCH decisions. The
// worker pool shape follows the teacher's chunkProcessor/embeddingWorker
// pattern in unified-rag-service: a buffered channel drained by a fixed pool
// of goroutines, with failures logged rather than surfaced.
package factextract

import (
	"context"
	"time"

	"drift-route-service/internal/metrics"
	"drift-route-service/internal/model"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Job is one unit of fact-extraction work against a departing branch.
type Job struct {
	BranchID       string
	ConversationID string
	TriggerContent string
}

// Extractor performs fact extraction for one branch. EmbeddingServiceExtractor
// implements it on top of embedclient.Client's /analyze-message endpoint;
// facts are a side effect the core never reads back.
type Extractor interface {
	Extract(ctx context.Context, branchID, content string) ([]model.Fact, error)
}

// Worker owns the buffered job channel and the dedupe layer.
type Worker struct {
	jobs      chan Job
	extractor Extractor
	redis     *redis.Client
	logger    *zap.Logger
	timeout   time.Duration
}

// New starts a Worker with the given concurrency, backed by extractor for
// the actual fact extraction and redisClient (may be nil, disabling dedupe)
// for SETNX-based deduplication of in-flight extraction jobs per branch.
func New(extractor Extractor, redisClient *redis.Client, logger *zap.Logger, concurrency int) *Worker {
	w := &Worker{
		jobs:      make(chan Job, 500),
		extractor: extractor,
		redis:     redisClient,
		logger:    logger,
		timeout:   15 * time.Second,
	}
	for i := 0; i < concurrency; i++ {
		go w.run()
	}
	return w
}

// Enqueue submits a job without blocking the caller; this is the
// "asynchronous, unawaited" trigger the Executor fires on BRANCH/ROUTE. If
// the queue is full the job is dropped and logged rather than blocking the
// routing request.
func (w *Worker) Enqueue(job Job) {
	metrics.FactExtractionQueueDepth.Set(float64(len(w.jobs)))
	select {
	case w.jobs <- job:
	default:
		if w.logger != nil {
			w.logger.Warn("fact extraction queue full, dropping job",
				zap.String("branchId", job.BranchID))
		}
	}
}

func (w *Worker) run() {
	for job := range w.jobs {
		w.process(job)
	}
}

const dedupeTTL = 30 * time.Second

func (w *Worker) process(job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	if w.redis != nil {
		key := "factextract:inflight:" + job.BranchID
		ok, err := w.redis.SetNX(ctx, key, "1", dedupeTTL).Result()
		if err != nil {
			w.logFailure(job, err)
			return
		}
		if !ok {
			// Another in-flight extraction already owns this branch; skip.
			return
		}
		defer w.redis.Del(ctx, key)
	}

	if w.extractor == nil {
		return
	}

	if _, err := w.extractor.Extract(ctx, job.BranchID, job.TriggerContent); err != nil {
		w.logFailure(job, err)
	}
}

func (w *Worker) logFailure(job Job, err error) {
	if w.logger == nil {
		return
	}
	w.logger.Warn("fact extraction failed",
		zap.String("branchId", job.BranchID),
		zap.String("conversationId", job.ConversationID),
		zap.Error(err))
}
