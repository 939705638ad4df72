package queue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/blake2b"

	"github.com/local/docpipeline/internal/metrics"
)

// ErrBrokerUnavailable marks transport-level failures: the caller is expected
// to fall back to synchronous execution rather than surface it.
var ErrBrokerUnavailable = errors.New("broker unavailable")

// Priority selects which stream an entry is appended to.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// State is the broker-side lifecycle of a job.
type State string

const (
	StateWaiting State = "waiting"
	StateDelayed State = "delayed"
	StateActive  State = "active"
	StateFailed  State = "failed"
)

// Entry wraps the inputs needed to run the pipeline for one upload. FileData
// stays a raw JSON value because the transport round-trips payloads through
// JSON and byte-buffer typing does not survive; the pipeline normalizes it.
type Entry struct {
	UploadID string          `json:"upload_id"`
	FileName string          `json:"file_name"`
	UserID   string          `json:"user_id"`
	FileData json.RawMessage `json:"file_data"`
	Template string          `json:"template"`
}

// NewEntry builds an Entry from raw file bytes.
func NewEntry(uploadID, fileName, userID string, data []byte, template string) Entry {
	enc, _ := json.Marshal(data) // []byte marshals to a base64 JSON string
	return Entry{
		UploadID: uploadID,
		FileName: fileName,
		UserID:   userID,
		FileData: enc,
		Template: template,
	}
}

// IdemKey derives a stable idempotency key for an entry.
func IdemKey(e Entry) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(e.UploadID))
	h.Write([]byte{0})
	h.Write(e.FileData)
	return "doc:" + base64.RawURLEncoding.EncodeToString(h.Sum(nil)[:16])
}

// Job is a broker-visible work item.
type Job struct {
	ID         string
	Entry      Entry
	State      State
	Attempts   int
	Stalls     int
	Priority   Priority
	IdemKey    string
	EnqueuedAt time.Time
}

// EnqueueOptions control placement of a new job.
type EnqueueOptions struct {
	Priority Priority
	Delay    time.Duration
}

// Delivery is one claimed message handed to the worker.
type Delivery struct {
	Job      Job
	stream   string
	msgID    string
	consumer string
}

// Options configures the broker.
type Options struct {
	RedisURL       string
	Stream         string
	Group          string
	Consumer       string
	PollInterval   time.Duration
	ConnectTimeout time.Duration

	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryFactor    float64
	StallInterval  time.Duration
	StallRetries   int
	FailedMaxLen   int64
}

// Broker implements the durable job queue on Redis Streams with consumer
// groups, a delayed ZSET mover and XAutoClaim-based stall recovery.
type Broker struct {
	client *redis.Client
	opts   Options

	stream     string // normal priority
	highStream string
	group      string
	consumer   string

	delayedKey string // ZSET jobID -> due unix
	removedKey string // SET of jobIDs removed while waiting
	failedKey  string // stream retained for operator inspection
	idemKey    string

	stop chan struct{}
}

// New connects to Redis, ensures streams and groups exist, and starts the
// delayed mover and the stall reclaimer.
func New(opts Options) (*Broker, error) {
	ropt, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	c := redis.NewClient(ropt)
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectTimeout)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 10 * time.Second
	}
	if opts.RetryFactor < 1 {
		opts.RetryFactor = 2.0
	}
	if opts.StallInterval <= 0 {
		opts.StallInterval = 60 * time.Second
	}
	if opts.StallRetries <= 0 {
		opts.StallRetries = 3
	}
	if opts.FailedMaxLen <= 0 {
		opts.FailedMaxLen = 1000
	}
	q := &Broker{
		client:     c,
		opts:       opts,
		stream:     opts.Stream,
		highStream: opts.Stream + ":high",
		group:      opts.Group,
		consumer:   opts.Consumer,
		delayedKey: opts.Stream + ":delayed",
		removedKey: opts.Stream + ":removed",
		failedKey:  opts.Stream + ":failed",
		idemKey:    "idem:done:",
		stop:       make(chan struct{}),
	}
	for _, s := range []string{q.stream, q.highStream} {
		if err := c.XGroupCreateMkStream(ctx, s, q.group, "$").Err(); err != nil && !isBusyGroupErr(err) {
			_ = c.Close()
			return nil, fmt.Errorf("xgroup create %s: %w", s, err)
		}
	}
	go q.mover()
	go q.reclaimer()
	return q, nil
}

func isBusyGroupErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP")
}

func (q *Broker) Close() error {
	close(q.stop)
	return q.client.Close()
}

// Ping checks redis connectivity.
func (q *Broker) Ping(ctx context.Context) error { return q.client.Ping(ctx).Err() }

func (q *Broker) jobKey(id string) string { return "doc:job:" + id }
func (q *Broker) stateKey(s State) string { return q.stream + ":state:" + string(s) }
func (q *Broker) streamFor(p Priority) string {
	if p == PriorityHigh {
		return q.highStream
	}
	return q.stream
}

// Enqueue stores the job record and appends it to a stream (or the delayed
// ZSET). It never blocks on pipeline execution. Transport failures come back
// wrapped in ErrBrokerUnavailable.
func (q *Broker) Enqueue(ctx context.Context, entry Entry, opts EnqueueOptions) (string, error) {
	if opts.Priority == "" {
		opts.Priority = PriorityNormal
	}
	jobID := uuid.NewString()
	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("marshal entry: %w", err)
	}
	state := StateWaiting
	if opts.Delay > 0 {
		state = StateDelayed
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(jobID), map[string]interface{}{
		"data":        string(data),
		"state":       string(state),
		"attempts":    0,
		"stalls":      0,
		"priority":    string(opts.Priority),
		"idem":        IdemKey(entry),
		"enqueued_at": time.Now().Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, q.jobKey(jobID), 7*24*time.Hour)
	pipe.SAdd(ctx, q.stateKey(state), jobID)
	if opts.Delay > 0 {
		pipe.ZAdd(ctx, q.delayedKey, redis.Z{Score: float64(time.Now().Add(opts.Delay).Unix()), Member: jobID})
	} else {
		pipe.XAdd(ctx, &redis.XAddArgs{Stream: q.streamFor(opts.Priority), Values: map[string]any{"job_id": jobID}})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	return jobID, nil
}

// Dequeue claims at most one job, reading the high-priority stream first.
// A nil delivery with nil error means nothing was available (or a removed
// job was skipped) within the block window.
func (q *Broker) Dequeue(ctx context.Context, block time.Duration) (*Delivery, error) {
	res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.highStream, q.stream, ">", ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	for _, sr := range res {
		for _, msg := range sr.Messages {
			return q.claim(ctx, sr.Stream, msg)
		}
	}
	return nil, nil
}

func (q *Broker) claim(ctx context.Context, stream string, msg redis.XMessage) (*Delivery, error) {
	jobID, _ := msg.Values["job_id"].(string)
	if jobID == "" {
		_ = q.client.XAck(ctx, stream, q.group, msg.ID).Err()
		return nil, nil
	}
	// Jobs removed while waiting are dropped at claim time; the stream entry
	// itself cannot be deleted while pending in the group.
	removed, _ := q.client.SRem(ctx, q.removedKey, jobID).Result()
	if removed > 0 {
		pipe := q.client.TxPipeline()
		pipe.XAck(ctx, stream, q.group, msg.ID)
		pipe.Del(ctx, q.jobKey(jobID))
		pipe.SRem(ctx, q.stateKey(StateWaiting), jobID)
		_, _ = pipe.Exec(ctx)
		return nil, nil
	}
	job, ok, err := q.loadJob(ctx, jobID)
	if err != nil || !ok {
		_ = q.client.XAck(ctx, stream, q.group, msg.ID).Err()
		return nil, err
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(jobID), "state", string(StateActive))
	pipe.SRem(ctx, q.stateKey(StateWaiting), jobID)
	pipe.SAdd(ctx, q.stateKey(StateActive), jobID)
	_, _ = pipe.Exec(ctx)
	job.State = StateActive
	return &Delivery{Job: job, stream: stream, msgID: msg.ID, consumer: q.consumer}, nil
}

func (q *Broker) loadJob(ctx context.Context, jobID string) (Job, bool, error) {
	res, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return Job{}, false, err
	}
	if len(res) == 0 {
		return Job{}, false, nil
	}
	job := Job{ID: jobID, State: State(res["state"]), Priority: Priority(res["priority"]), IdemKey: res["idem"]}
	job.Attempts, _ = strconv.Atoi(res["attempts"])
	job.Stalls, _ = strconv.Atoi(res["stalls"])
	if t, err := time.Parse(time.RFC3339Nano, res["enqueued_at"]); err == nil {
		job.EnqueuedAt = t
	}
	if err := json.Unmarshal([]byte(res["data"]), &job.Entry); err != nil {
		return Job{}, false, fmt.Errorf("corrupt job %s: %w", jobID, err)
	}
	return job, true, nil
}

// Heartbeat resets the claimed message's idle time so the stall reclaimer
// leaves slow-but-alive work alone.
func (q *Broker) Heartbeat(ctx context.Context, d *Delivery) error {
	return q.client.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   d.stream,
		Group:    q.group,
		Consumer: d.consumer,
		MinIdle:  0,
		Messages: []string{d.msgID},
	}).Err()
}

// Complete acks the delivery, marks its idempotency key done and drops the
// job record.
func (q *Broker) Complete(ctx context.Context, d *Delivery) error {
	pipe := q.client.TxPipeline()
	pipe.XAck(ctx, d.stream, q.group, d.msgID)
	pipe.Del(ctx, q.jobKey(d.Job.ID))
	pipe.SRem(ctx, q.stateKey(StateActive), d.Job.ID)
	if d.Job.IdemKey != "" {
		pipe.Set(ctx, q.idemKey+d.Job.IdemKey, 1, 24*time.Hour)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Fail records a failed attempt. Retryable failures are redelivered through
// the delayed ZSET with exponential backoff; permanent failures and exhausted
// jobs land on the failed stream for inspection. Returns true when a retry
// was scheduled.
func (q *Broker) Fail(ctx context.Context, d *Delivery, cause error, permanent bool) (bool, error) {
	attempts, err := q.client.HIncrBy(ctx, q.jobKey(d.Job.ID), "attempts", 1).Result()
	if err != nil {
		return false, err
	}
	if permanent || int(attempts) >= q.opts.MaxAttempts {
		return false, q.bury(ctx, d.stream, d.msgID, d.Job, cause)
	}
	delay := RetryDelay(q.opts.RetryBaseDelay, q.opts.RetryFactor, int(attempts))
	pipe := q.client.TxPipeline()
	pipe.XAck(ctx, d.stream, q.group, d.msgID)
	pipe.HSet(ctx, q.jobKey(d.Job.ID), "state", string(StateDelayed))
	pipe.SRem(ctx, q.stateKey(StateActive), d.Job.ID)
	pipe.SAdd(ctx, q.stateKey(StateDelayed), d.Job.ID)
	pipe.ZAdd(ctx, q.delayedKey, redis.Z{Score: float64(time.Now().Add(delay).Unix()), Member: d.Job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	log.Warn().Str("job_id", d.Job.ID).Int64("attempt", attempts).Dur("retry_in", delay).
		Err(cause).Msg("job failed; retry scheduled")
	return true, nil
}

// bury moves a job to the failed stream, bounded by MAXLEN, never silently
// dropping it.
func (q *Broker) bury(ctx context.Context, stream, msgID string, job Job, cause error) error {
	reason := "unknown"
	if cause != nil {
		reason = cause.Error()
	}
	data, _ := json.Marshal(job.Entry)
	pipe := q.client.TxPipeline()
	if msgID != "" {
		pipe.XAck(ctx, stream, q.group, msgID)
	}
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.failedKey,
		MaxLen: q.opts.FailedMaxLen,
		Approx: true,
		Values: map[string]any{"job_id": job.ID, "data": string(data), "reason": reason},
	})
	pipe.HSet(ctx, q.jobKey(job.ID), "state", string(StateFailed))
	pipe.Expire(ctx, q.jobKey(job.ID), 24*time.Hour)
	pipe.SRem(ctx, q.stateKey(StateActive), job.ID)
	pipe.SRem(ctx, q.stateKey(StateWaiting), job.ID)
	_, err := pipe.Exec(ctx)
	log.Error().Str("job_id", job.ID).Str("reason", reason).Msg("job buried on failed stream")
	return err
}

// RetryDelay computes the backoff before attempt n is redelivered
// (n counts completed attempts, starting at 1).
func RetryDelay(base time.Duration, factor float64, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(base) * math.Pow(factor, float64(attempt-1))
	if d > float64(30*time.Minute) {
		return 30 * time.Minute
	}
	return time.Duration(d)
}

// ListJobs returns a best-effort snapshot of jobs in the given states. It is
// not transactionally consistent with concurrent enqueues.
func (q *Broker) ListJobs(ctx context.Context, states ...State) ([]Job, error) {
	var jobs []Job
	for _, st := range states {
		ids, err := q.client.SMembers(ctx, q.stateKey(st)).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
		}
		for _, id := range ids {
			job, ok, err := q.loadJob(ctx, id)
			if err != nil || !ok {
				continue
			}
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

// RemoveJob removes a job that has not been claimed yet. Claimed or unknown
// jobs return false.
func (q *Broker) RemoveJob(ctx context.Context, jobID string) (bool, error) {
	job, ok, err := q.loadJob(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	if !ok {
		return false, nil
	}
	switch job.State {
	case StateDelayed:
		n, err := q.client.ZRem(ctx, q.delayedKey, jobID).Result()
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
		}
		if n == 0 {
			// the mover got there first; treat as waiting
			return q.removeWaiting(ctx, jobID)
		}
		pipe := q.client.TxPipeline()
		pipe.Del(ctx, q.jobKey(jobID))
		pipe.SRem(ctx, q.stateKey(StateDelayed), jobID)
		_, _ = pipe.Exec(ctx)
		return true, nil
	case StateWaiting:
		return q.removeWaiting(ctx, jobID)
	default:
		return false, nil
	}
}

func (q *Broker) removeWaiting(ctx context.Context, jobID string) (bool, error) {
	// Still waiting: flag it so the claim path drops it. If a worker claimed
	// it between the state read and here, the claim already moved it to
	// active and the flag is cleaned up lazily on the next claim miss.
	state, err := q.client.HGet(ctx, q.jobKey(jobID), "state").Result()
	if err != nil || State(state) != StateWaiting {
		return false, nil
	}
	if err := q.client.SAdd(ctx, q.removedKey, jobID).Err(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	return true, nil
}

// Drain clears all waiting and delayed jobs. Administrative use only.
func (q *Broker) Drain(ctx context.Context) error {
	waiting, _ := q.client.SMembers(ctx, q.stateKey(StateWaiting)).Result()
	if len(waiting) > 0 {
		_ = q.client.SAdd(ctx, q.removedKey, toAny(waiting)...).Err()
	}
	delayed, _ := q.client.SMembers(ctx, q.stateKey(StateDelayed)).Result()
	pipe := q.client.TxPipeline()
	pipe.Del(ctx, q.delayedKey)
	for _, id := range delayed {
		pipe.Del(ctx, q.jobKey(id))
	}
	pipe.Del(ctx, q.stateKey(StateDelayed))
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	return nil
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// Depths returns counts by state plus the failed stream length.
func (q *Broker) Depths(ctx context.Context) (waiting, delayed, active, failed int64, err error) {
	pipe := q.client.Pipeline()
	w := pipe.SCard(ctx, q.stateKey(StateWaiting))
	d := pipe.SCard(ctx, q.stateKey(StateDelayed))
	a := pipe.SCard(ctx, q.stateKey(StateActive))
	f := pipe.XLen(ctx, q.failedKey)
	if _, perr := pipe.Exec(ctx); perr != nil && perr != redis.Nil {
		return 0, 0, 0, 0, fmt.Errorf("%w: %v", ErrBrokerUnavailable, perr)
	}
	return w.Val(), d.Val(), a.Val(), f.Val(), nil
}

// IsIdemDone reports whether an idempotency key was already completed.
func (q *Broker) IsIdemDone(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	exists, err := q.client.Exists(ctx, q.idemKey+key).Result()
	return exists == 1, err
}

// mover periodically moves due delayed jobs back onto their stream.
func (q *Broker) mover() {
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			q.moveOnce()
		}
	}
}

func (q *Broker) moveOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	now := time.Now().Unix()
	ids, err := q.client.ZRangeByScore(ctx, q.delayedKey, &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now, 10), Offset: 0, Count: 100,
	}).Result()
	if err != nil || len(ids) == 0 {
		return
	}
	for _, id := range ids {
		prio, _ := q.client.HGet(ctx, q.jobKey(id), "priority").Result()
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, q.delayedKey, id)
		pipe.HSet(ctx, q.jobKey(id), "state", string(StateWaiting))
		pipe.SRem(ctx, q.stateKey(StateDelayed), id)
		pipe.SAdd(ctx, q.stateKey(StateWaiting), id)
		pipe.XAdd(ctx, &redis.XAddArgs{Stream: q.streamFor(Priority(prio)), Values: map[string]any{"job_id": id}})
		_, _ = pipe.Exec(ctx)
	}
}

// reclaimer redelivers claimed messages whose idle time exceeds the stall
// interval, assuming the worker died. Jobs that stall repeatedly are buried
// to bound duplicate side effects from truly-stuck workers.
func (q *Broker) reclaimer() {
	ticker := time.NewTicker(q.opts.StallInterval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			q.reclaimOnce(q.highStream)
			q.reclaimOnce(q.stream)
		}
	}
}

func (q *Broker) reclaimOnce(stream string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    q.group,
		Consumer: q.consumer + ":reclaim",
		MinIdle:  q.opts.StallInterval,
		Start:    "0-0",
		Count:    10,
	}).Result()
	if err != nil || len(msgs) == 0 {
		return
	}
	for _, msg := range msgs {
		jobID, _ := msg.Values["job_id"].(string)
		if jobID == "" {
			_ = q.client.XAck(ctx, stream, q.group, msg.ID).Err()
			continue
		}
		stalls, err := q.client.HIncrBy(ctx, q.jobKey(jobID), "stalls", 1).Result()
		if err != nil {
			continue
		}
		metrics.Stall()
		job, ok, _ := q.loadJob(ctx, jobID)
		if !ok {
			_ = q.client.XAck(ctx, stream, q.group, msg.ID).Err()
			continue
		}
		if int(stalls) > q.opts.StallRetries {
			_ = q.bury(ctx, stream, msg.ID, job, fmt.Errorf("stalled %d times", stalls))
			continue
		}
		pipe := q.client.TxPipeline()
		pipe.XAck(ctx, stream, q.group, msg.ID)
		pipe.HSet(ctx, q.jobKey(jobID), "state", string(StateWaiting))
		pipe.SRem(ctx, q.stateKey(StateActive), jobID)
		pipe.SAdd(ctx, q.stateKey(StateWaiting), jobID)
		pipe.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: map[string]any{"job_id": jobID}})
		_, _ = pipe.Exec(ctx)
		log.Warn().Str("job_id", jobID).Int64("stalls", stalls).Msg("stalled job redelivered")
	}
}
