package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"sync"
	"time"

	"mediaconv/config"
	"mediaconv/models"
	"mediaconv/services"

	"github.com/redis/go-redis/v9"
)

// JobProcessor runs a single job to a result.
type JobProcessor interface {
	Process(ctx context.Context, job *models.ConversionJob) models.JobResult
}

// ResultRecorder durably stores job outcomes.
type ResultRecorder interface {
	MarkProcessing(ctx context.Context, job *models.ConversionJob) error
	RecordResult(ctx context.Context, job *models.ConversionJob, result models.JobResult) error
}

var errJobCancelled = errors.New("job cancelled")

type Pool struct {
	config      *config.Config
	redisClient redis.UniversalClient
	processor   JobProcessor
	results     ResultRecorder
	httpClient  *http.Client
	now         func() time.Time
	// heartbeat is how often an in-flight job refreshes its claim and
	// checks for cancellation.
	heartbeat time.Duration
}

func NewPool(cfg *config.Config, redisClient redis.UniversalClient, processor JobProcessor, results ResultRecorder) *Pool {
	return &Pool{
		config:      cfg,
		redisClient: redisClient,
		processor:   processor,
		results:     results,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		now:         time.Now,
		heartbeat:   5 * time.Second,
	}
}

func (p *Pool) StartWorker(ctx context.Context, workerID int) {
	log.Printf("[Worker %d] Starting", workerID)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Worker %d] Shutting down", workerID)
			return
		default:
			// Atomic pop from pending and push to processing
			result, err := p.redisClient.BRPopLPush(
				ctx,
				p.config.PendingQueue,
				p.config.ProcessingQueue,
				30*time.Second,
			).Result()

			if err == redis.Nil {
				// Timeout, no jobs available
				continue
			}

			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				log.Printf("[Worker %d] Redis error: %v", workerID, err)
				time.Sleep(5 * time.Second)
				continue
			}

			p.handle(ctx, workerID, result)
		}
	}
}

// handle processes one delivered payload. Redis bookkeeping runs detached
// from ctx so a shutdown mid-job still acknowledges or leaves the job in
// processing for redelivery, never half of each.
func (p *Pool) handle(ctx context.Context, workerID int, jobJSON string) {
	opCtx := context.WithoutCancel(ctx)

	job, err := p.decodeJob(jobJSON)
	if err != nil {
		log.Printf("[Worker %d] Failed to parse job: %v", workerID, err)
		// Park malformed payloads in the failed queue for inspection
		p.redisClient.TxPipelined(opCtx, func(pipe redis.Pipeliner) error {
			pipe.LRem(opCtx, p.config.ProcessingQueue, 1, jobJSON)
			pipe.LPush(opCtx, p.config.FailedQueue, jobJSON)
			return nil
		})
		return
	}

	p.claim(opCtx, job.ID)
	p.processJob(opCtx, workerID, job, jobJSON)
}

func (p *Pool) claim(ctx context.Context, jobID string) {
	if err := p.redisClient.HSet(ctx, p.config.ClaimsKey, jobID, p.now().Unix()).Err(); err != nil {
		log.Printf("[Claims] Failed to claim job %s: %v", jobID, err)
	}
}

func (p *Pool) processJob(ctx context.Context, workerID int, job *models.ConversionJob, jobJSON string) {
	log.Printf("[Worker %d] Processing %s job %s (input: %s, attempt %d)", workerID, job.Kind(), job.ID, job.InputPath, job.RetryCount+1)

	if err := p.results.MarkProcessing(ctx, job); err != nil {
		log.Printf("[Worker %d] Failed to update DB status: %v", workerID, err)
	}
	if err := p.setStatus(ctx, job.ID, nil, "processing"); err != nil {
		log.Printf("[Worker %d] Failed to update Redis status: %v", workerID, err)
	}

	startTime := p.now()
	result := p.run(ctx, job)
	duration := p.now().Sub(startTime)

	if !result.Success && services.Retryable(result.Cause) && job.RetryCount < job.MaxRetries {
		p.scheduleRetry(ctx, workerID, job, jobJSON, result.Error)
		return
	}

	if err := p.record(ctx, job, result); err != nil {
		// Left in processing; recovery redelivers it once the claim goes stale.
		log.Printf("[Worker %d] Failed to record result for job %s, leaving it unacknowledged: %v", workerID, job.ID, err)
		return
	}
	p.ack(ctx, job, jobJSON, result)
	p.sendCallback(ctx, job, result)

	if result.Success {
		log.Printf("[Worker %d] Job %s completed successfully (%.2fs)", workerID, job.ID, duration.Seconds())
	} else {
		log.Printf("[Worker %d] Job %s failed: %s", workerID, job.ID, result.Error)
	}
}

// run executes the job while keeping its claim fresh and watching for a
// cancellation request.
func (p *Pool) run(ctx context.Context, job *models.ConversionJob) models.JobResult {
	if p.cancelRequested(ctx, job.ID) {
		return models.Failure(fmt.Errorf("%w: %s", errJobCancelled, job.ID))
	}

	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	// The heartbeat must be gone before the caller acks, or a late claim
	// write would outlive the job.
	done := make(chan struct{})
	var wg sync.WaitGroup
	stopped := false
	stop := func() {
		if !stopped {
			stopped = true
			close(done)
			wg.Wait()
		}
	}
	defer stop()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				p.claim(ctx, job.ID)
				if p.cancelRequested(ctx, job.ID) {
					cancel(errJobCancelled)
					return
				}
			}
		}
	}()

	result := p.processor.Process(jobCtx, job)
	stop()
	if errors.Is(context.Cause(jobCtx), errJobCancelled) {
		return models.Failure(fmt.Errorf("%w: %s", errJobCancelled, job.ID))
	}
	return result
}

// record stores the result in Postgres and mirrors it to the Redis status
// hash. Only the Postgres write decides whether the job may be acked.
func (p *Pool) record(ctx context.Context, job *models.ConversionJob, result models.JobResult) error {
	if err := p.results.RecordResult(ctx, job, result); err != nil {
		return err
	}
	if err := p.setStatus(ctx, job.ID, &result, result.Status()); err != nil {
		log.Printf("[Status] Failed to update Redis status for job %s: %v", job.ID, err)
	}
	return nil
}

func (p *Pool) ack(ctx context.Context, job *models.ConversionJob, jobJSON string, result models.JobResult) {
	_, err := p.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, p.config.ProcessingQueue, 1, jobJSON)
		pipe.HDel(ctx, p.config.ClaimsKey, job.ID)
		pipe.Del(ctx, p.config.CancelKeyPrefix+job.ID)
		if !result.Success {
			pipe.LPush(ctx, p.config.FailedQueue, jobJSON)
		}
		return nil
	})
	if err != nil {
		log.Printf("[Queue] Failed to acknowledge job %s: %v", job.ID, err)
	}
}

func (p *Pool) scheduleRetry(ctx context.Context, workerID int, job *models.ConversionJob, jobJSON string, errorMsg string) {
	retry := *job
	retry.RetryCount++
	newJobJSON, err := json.Marshal(&retry)
	if err != nil {
		log.Printf("[Worker %d] Failed to encode retry for job %s: %v", workerID, job.ID, err)
		return
	}

	// Calculate exponential backoff delay
	delay := time.Duration(math.Pow(2, float64(retry.RetryCount))) * time.Second
	if delay > 30*time.Second {
		delay = 30 * time.Second
	}
	dueAt := p.now().Add(delay)

	_, err = p.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, p.config.DelayedQueue, redis.Z{Score: float64(dueAt.Unix()), Member: string(newJobJSON)})
		pipe.LRem(ctx, p.config.ProcessingQueue, 1, jobJSON)
		pipe.HDel(ctx, p.config.ClaimsKey, job.ID)
		pipe.HSet(ctx, p.statusKey(job.ID), map[string]interface{}{
			"status":     "retrying",
			"error":      errorMsg,
			"updated_at": p.now().Format(time.RFC3339),
		})
		return nil
	})
	if err != nil {
		log.Printf("[Worker %d] Failed to schedule retry for job %s: %v", workerID, job.ID, err)
		return
	}

	log.Printf("[Worker %d] Job %s failed (%s), retry %d/%d in %v",
		workerID, job.ID, errorMsg, retry.RetryCount, retry.MaxRetries, delay)
}

// sendCallback notifies the job's callback URL. Failures are logged only;
// the result is already recorded.
func (p *Pool) sendCallback(ctx context.Context, job *models.ConversionJob, result models.JobResult) {
	if job.CallbackURL == "" {
		return
	}

	body, err := json.Marshal(struct {
		ID string `json:"id"`
		models.JobResult
	}{ID: job.ID, JobResult: result})
	if err != nil {
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.CallbackURL, bytes.NewReader(body))
	if err != nil {
		log.Printf("[Callback] Invalid callback URL for job %s: %v", job.ID, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		log.Printf("[Callback] Callback for job %s failed: %v", job.ID, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		log.Printf("[Callback] Callback for job %s returned status %d", job.ID, resp.StatusCode)
	}
}

func (p *Pool) RecoveryLoop(ctx context.Context) {
	promote := time.NewTicker(time.Second)
	defer promote.Stop()
	stale := time.NewTicker(time.Minute)
	defer stale.Stop()

	log.Println("[Recovery] Starting delayed retry and stale job recovery loop")

	for {
		select {
		case <-ctx.Done():
			log.Println("[Recovery] Shutting down")
			return
		case <-promote.C:
			if _, err := p.promoteDelayed(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[Recovery] Failed to promote delayed jobs: %v", err)
			}
		case <-stale.C:
			recovered, err := p.recoverStaleJobs(ctx)
			if err != nil && ctx.Err() == nil {
				log.Printf("[Recovery] %v", err)
			}
			if recovered > 0 {
				log.Printf("[Recovery] Recovered %d stale jobs", recovered)
			}
		}
	}
}
