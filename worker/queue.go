package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"mediaconv/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// promoteScript moves one delayed job to pending exactly once, even with
// several recovery loops running.
var promoteScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 then
	redis.call('LPUSH', KEYS[2], ARGV[1])
	return 1
end
return 0
`)

// requeueScript returns a stale processing entry to pending, replacing its
// payload with one carrying the bumped retry count.
var requeueScript = redis.NewScript(`
if redis.call('LREM', KEYS[1], 1, ARGV[1]) == 1 then
	redis.call('LPUSH', KEYS[2], ARGV[2])
	redis.call('HDEL', KEYS[3], ARGV[3])
	return 1
end
return 0
`)

// Enqueue pushes a job onto the pending queue and returns its id.
func (p *Pool) Enqueue(ctx context.Context, job *models.ConversionJob) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = p.now()
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = p.config.MaxRetries
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to encode job: %w", err)
	}

	_, err = p.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, p.config.PendingQueue, payload)
		pipe.HSet(ctx, p.statusKey(job.ID), map[string]interface{}{
			"status":     "queued",
			"updated_at": p.now().Format(time.RFC3339),
		})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}
	return job.ID, nil
}

// decodeJob parses a broker payload. Producers other than Enqueue may omit
// maxRetries, in which case the configured budget applies.
func (p *Pool) decodeJob(jobJSON string) (*models.ConversionJob, error) {
	var job models.ConversionJob
	if err := json.Unmarshal([]byte(jobJSON), &job); err != nil {
		return nil, err
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = p.config.MaxRetries
	}
	return &job, nil
}

// Cancel asks whichever worker holds the job to stop it. Jobs still
// waiting in the queue are failed as soon as a worker picks them up.
func (p *Pool) Cancel(ctx context.Context, jobID string) error {
	return p.redisClient.Set(ctx, p.config.CancelKeyPrefix+jobID, "1", 24*time.Hour).Err()
}

func (p *Pool) cancelRequested(ctx context.Context, jobID string) bool {
	n, err := p.redisClient.Exists(ctx, p.config.CancelKeyPrefix+jobID).Result()
	return err == nil && n > 0
}

// Status returns the status hash kept for a job.
func (p *Pool) Status(ctx context.Context, jobID string) (map[string]string, error) {
	status, err := p.redisClient.HGetAll(ctx, p.statusKey(jobID)).Result()
	if err != nil {
		return nil, err
	}
	if len(status) == 0 {
		return nil, fmt.Errorf("no status for job %s", jobID)
	}
	return status, nil
}

func (p *Pool) statusKey(jobID string) string {
	return p.config.StatusKeyPrefix + jobID
}

func (p *Pool) setStatus(ctx context.Context, jobID string, result *models.JobResult, status string) error {
	fields := map[string]interface{}{
		"status":     status,
		"updated_at": p.now().Format(time.RFC3339),
	}
	if result != nil {
		fields["success"] = strconv.FormatBool(result.Success)
		if result.OutputPath != "" {
			fields["outputPath"] = result.OutputPath
		}
		if result.OutputURL != "" {
			fields["outputUrl"] = result.OutputURL
		}
		if result.Error != "" {
			fields["error"] = result.Error
		}
	}
	return p.redisClient.HSet(ctx, p.statusKey(jobID), fields).Err()
}

// promoteDelayed moves retries whose backoff has elapsed back to pending.
func (p *Pool) promoteDelayed(ctx context.Context) (int, error) {
	due, err := p.redisClient.ZRangeByScore(ctx, p.config.DelayedQueue, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(p.now().Unix(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}

	promoted := 0
	for _, member := range due {
		n, err := promoteScript.Run(ctx, p.redisClient, []string{p.config.DelayedQueue, p.config.PendingQueue}, member).Int()
		if err != nil {
			return promoted, err
		}
		promoted += n
	}
	return promoted, nil
}

// recoverStaleJobs redelivers jobs whose worker stopped heartbeating its
// claim, which is how a crashed worker's job gets picked up again.
func (p *Pool) recoverStaleJobs(ctx context.Context) (int, error) {
	jobs, err := p.redisClient.LRange(ctx, p.config.ProcessingQueue, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get processing queue: %w", err)
	}
	claims, err := p.redisClient.HGetAll(ctx, p.config.ClaimsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get claims: %w", err)
	}

	visibility := time.Duration(p.config.VisibilityTimeout) * time.Second
	recovered := 0
	for _, jobJSON := range jobs {
		job, err := p.decodeJob(jobJSON)
		if err != nil {
			p.redisClient.LRem(ctx, p.config.ProcessingQueue, 1, jobJSON)
			p.redisClient.LPush(ctx, p.config.FailedQueue, jobJSON)
			continue
		}

		claimed, ok := claims[job.ID]
		if !ok {
			// Popped but not yet claimed, or claimed by a worker that died
			// before writing it. Start the clock now.
			p.redisClient.HSetNX(ctx, p.config.ClaimsKey, job.ID, p.now().Unix())
			continue
		}
		claimedAt, err := strconv.ParseInt(claimed, 10, 64)
		if err != nil || p.now().Sub(time.Unix(claimedAt, 0)) <= visibility {
			continue
		}

		if job.RetryCount >= job.MaxRetries {
			p.failStale(ctx, job, jobJSON)
			continue
		}

		job.RetryCount++
		newJobJSON, err := json.Marshal(job)
		if err != nil {
			continue
		}
		n, err := requeueScript.Run(ctx, p.redisClient,
			[]string{p.config.ProcessingQueue, p.config.PendingQueue, p.config.ClaimsKey},
			jobJSON, newJobJSON, job.ID).Int()
		if err != nil && !errors.Is(err, redis.Nil) {
			return recovered, err
		}
		recovered += n
	}
	return recovered, nil
}

func (p *Pool) failStale(ctx context.Context, job *models.ConversionJob, jobJSON string) {
	result := models.Failure(fmt.Errorf("job %s exceeded the visibility timeout %d times", job.ID, job.RetryCount+1))
	if err := p.record(ctx, job, result); err != nil {
		return
	}
	p.ack(ctx, job, jobJSON, result)
}
