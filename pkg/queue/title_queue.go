package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"learnloop/internal/util"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// TitleJob tracks one background title generation for a session.
type TitleJob struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"sessionId"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Handler processes one dequeued job. A non-nil error schedules a retry
// until the attempt budget is spent.
type Handler func(context.Context, TitleJob) error

// TitleQueue is a Redis stream backed job queue with consumer groups,
// pending-message reclaim and bounded retries.
type TitleQueue struct {
	client       *redis.Client
	stream       string
	group        string
	consumerBase string
	jobTTL       time.Duration
	maxRetries   int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	readCount    int64
	claimCount   int64
	once         sync.Once
}

type Config struct {
	Stream     string
	Group      string
	Consumer   string
	JobTTL     time.Duration
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	MaxLen     int64
	ReadCount  int64
	ClaimCount int64
}

func NewTitleQueue(client *redis.Client, cfg Config) (*TitleQueue, error) {
	if client == nil {
		return nil, errors.New("redis client required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "learnloop:title-jobs"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "chat-titles"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	q := &TitleQueue{
		client:       client,
		stream:       stream,
		group:        group,
		consumerBase: consumer,
		jobTTL:       orDuration(cfg.JobTTL, 24*time.Hour),
		maxRetries:   cfg.MaxRetries,
		block:        orDuration(cfg.Block, 5*time.Second),
		claimIdle:    orDuration(cfg.ClaimIdle, 30*time.Second),
		retryDelay:   orDuration(cfg.RetryDelay, 2*time.Second),
		maxLen:       cfg.MaxLen,
		readCount:    cfg.ReadCount,
		claimCount:   cfg.ClaimCount,
	}
	if q.maxRetries <= 0 {
		q.maxRetries = 3
	}
	if q.maxLen <= 0 {
		q.maxLen = 10000
	}
	if q.readCount <= 0 {
		q.readCount = 10
	}
	if q.claimCount <= 0 {
		q.claimCount = 10
	}
	return q, nil
}

func orDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// releaseSessionScript deletes the session marker only if it still points at
// the finishing job.
var releaseSessionScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Enqueue records a queued job for sessionID and appends it to the stream.
// While an earlier job for the session is queued or processing, that job is
// returned instead and nothing new is added.
func (q *TitleQueue) Enqueue(ctx context.Context, sessionID string) (TitleJob, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return TitleJob{}, errors.New("sessionId required")
	}
	now := time.Now().UTC()
	job := TitleJob{
		ID:        util.NewID(),
		SessionID: sessionID,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	claimed, err := q.client.SetNX(ctx, q.sessionKey(sessionID), job.ID, q.jobTTL).Result()
	if err != nil {
		return TitleJob{}, fmt.Errorf("claim session: %w", err)
	}
	if !claimed {
		if existing, ok := q.activeJob(ctx, sessionID); ok {
			return existing, nil
		}
		if err := q.client.Set(ctx, q.sessionKey(sessionID), job.ID, q.jobTTL).Err(); err != nil {
			return TitleJob{}, fmt.Errorf("claim session: %w", err)
		}
	}
	if err := q.writeStatus(ctx, job); err != nil {
		q.releaseSession(ctx, sessionID, job.ID)
		return TitleJob{}, fmt.Errorf("write job status: %w", err)
	}
	if err := q.client.XAdd(ctx, q.addArgs(job.ID, job.SessionID)).Err(); err != nil {
		q.releaseSession(ctx, sessionID, job.ID)
		return TitleJob{}, fmt.Errorf("enqueue title job: %w", err)
	}
	return job, nil
}

// activeJob returns the job the session marker points at when it has not
// reached a terminal status.
func (q *TitleQueue) activeJob(ctx context.Context, sessionID string) (TitleJob, bool) {
	jobID, err := q.client.Get(ctx, q.sessionKey(sessionID)).Result()
	if err != nil {
		return TitleJob{}, false
	}
	job, found, err := q.GetJob(ctx, jobID)
	if err != nil || !found {
		return TitleJob{}, false
	}
	if job.Status != StatusQueued && job.Status != StatusProcessing {
		return TitleJob{}, false
	}
	return job, true
}

func (q *TitleQueue) releaseSession(ctx context.Context, sessionID, jobID string) {
	if err := releaseSessionScript.Run(ctx, q.client, []string{q.sessionKey(sessionID)}, jobID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		slog.Warn("title queue release failed", "session_id", sessionID, "job_id", jobID, "err", err)
	}
}

func (q *TitleQueue) GetJob(ctx context.Context, jobID string) (TitleJob, bool, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return TitleJob{}, false, nil
	}
	data, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return TitleJob{}, false, err
	}
	if len(data) == 0 {
		return TitleJob{}, false, nil
	}
	return decodeTitleJob(jobID, data), true, nil
}

// Start launches concurrency consumers that run until ctx is canceled.
func (q *TitleQueue) Start(ctx context.Context, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.ensureGroup(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		go q.consumeLoop(ctx, consumer, handler)
	}
}

func (q *TitleQueue) ensureGroup(ctx context.Context) {
	q.once.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			slog.Warn("title queue group create failed", "stream", q.stream, "err", err)
		}
	})
}

func (q *TitleQueue) consumeLoop(ctx context.Context, consumer string, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if msgs, err := q.claimPending(ctx, consumer); err == nil {
			for _, msg := range msgs {
				q.handleMessage(ctx, msg, handler)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				slog.Warn("title queue read failed", "consumer", consumer, "err", err)
				time.Sleep(q.retryDelay)
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

func (q *TitleQueue) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.claimCount,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (q *TitleQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler Handler) {
	jobID, _ := msg.Values["job_id"].(string)
	sessionID, _ := msg.Values["session_id"].(string)
	if jobID == "" || sessionID == "" {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	job, err := q.markProcessing(ctx, jobID, sessionID)
	if err != nil {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	err = handler(ctx, job)
	if err == nil {
		_ = q.setStatus(ctx, jobID, StatusDone, "")
		q.ackAndDel(ctx, msg.ID)
		q.releaseSession(ctx, sessionID, jobID)
		return
	}
	if job.Attempts >= q.maxRetries {
		slog.Warn("title job failed", "job_id", jobID, "session_id", sessionID, "attempts", job.Attempts, "err", err)
		_ = q.setStatus(ctx, jobID, StatusFailed, err.Error())
		q.ackAndDel(ctx, msg.ID)
		q.releaseSession(ctx, sessionID, jobID)
		return
	}
	_ = q.setStatus(ctx, jobID, StatusQueued, err.Error())
	select {
	case <-ctx.Done():
		return
	case <-time.After(q.retryDelay):
	}
	if err := q.requeueAndAck(ctx, msg.ID, jobID, sessionID); err != nil {
		slog.Warn("title job requeue failed", "job_id", jobID, "err", err)
	}
}

func (q *TitleQueue) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

// requeueAndAck appends a fresh copy of the job and acks the original in a
// single transaction, so a failure leaves the original pending.
func (q *TitleQueue) requeueAndAck(ctx context.Context, msgID, jobID, sessionID string) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, q.addArgs(jobID, sessionID))
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *TitleQueue) addArgs(jobID, sessionID string) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"job_id":     jobID,
			"session_id": sessionID,
		},
	}
}

func (q *TitleQueue) markProcessing(ctx context.Context, jobID, sessionID string) (TitleJob, error) {
	job, found, err := q.GetJob(ctx, jobID)
	if err != nil {
		return TitleJob{}, err
	}
	if !found {
		job = TitleJob{ID: jobID}
	}
	job.SessionID = sessionID
	job.Attempts++
	job.Status = StatusProcessing
	job.UpdatedAt = time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = job.UpdatedAt
	}
	if err := q.writeStatus(ctx, job); err != nil {
		return TitleJob{}, err
	}
	return job, nil
}

func (q *TitleQueue) setStatus(ctx context.Context, jobID, status, errMsg string) error {
	job, _, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	job.ID = jobID
	job.Status = status
	job.ErrorMessage = errMsg
	job.UpdatedAt = time.Now().UTC()
	return q.writeStatus(ctx, job)
}

func (q *TitleQueue) writeStatus(ctx context.Context, job TitleJob) error {
	key := q.jobKey(job.ID)
	payload := map[string]any{
		"sessionId": job.SessionID,
		"status":    job.Status,
		"error":     job.ErrorMessage,
		"attempts":  strconv.Itoa(job.Attempts),
		"createdAt": job.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt": job.UpdatedAt.Format(time.RFC3339Nano),
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, key, payload)
	pipe.Expire(ctx, key, q.jobTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *TitleQueue) jobKey(jobID string) string {
	return fmt.Sprintf("job:%s:%s", q.stream, jobID)
}

func (q *TitleQueue) sessionKey(sessionID string) string {
	return fmt.Sprintf("pending:%s:%s", q.stream, sessionID)
}

func decodeTitleJob(jobID string, data map[string]string) TitleJob {
	job := TitleJob{
		ID:           jobID,
		SessionID:    data["sessionId"],
		Status:       data["status"],
		ErrorMessage: data["error"],
	}
	if n, err := strconv.Atoi(data["attempts"]); err == nil {
		job.Attempts = n
	}
	if t, err := time.Parse(time.RFC3339Nano, data["createdAt"]); err == nil {
		job.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, data["updatedAt"]); err == nil {
		job.UpdatedAt = t
	}
	return job
}
