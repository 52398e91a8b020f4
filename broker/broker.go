// Package broker wraps the Redis primitives the orchestrator builds on: a
// single FIFO list holding queued run jobs, one pub/sub channel per run for
// live log frames, and short-TTL heartbeat keys per worker. Callers build a
// Redis client (or hand over a URL), pass it to New, and receive a typed
// handle that exposes only the operations the orchestrator needs.
//
// Queue entries and log channels are ephemeral. They reference persistent
// entities by id; the relational store remains the source of truth.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/botfleet/orchestrator"
)

type (
	// Job is the body of a queued run message. It carries everything a worker
	// needs to execute the run without consulting the registry again.
	Job struct {
		RunID            string                   `json:"run_id"`
		RobotID          string                   `json:"robot_id"`
		RobotVersionID   string                   `json:"robot_version_id"`
		RuntimeArguments []string                 `json:"runtime_arguments"`
		RuntimeEnv       map[string]string        `json:"runtime_env"`
		TriggerType      orchestrator.TriggerType `json:"trigger_type"`
		Attempt          int                      `json:"attempt"`
		ServiceID        *string                  `json:"service_id,omitempty"`
		ScheduleID       *string                  `json:"schedule_id,omitempty"`
		Parameters       orchestrator.Metadata    `json:"parameters_json"`
		EnvName          orchestrator.EnvName     `json:"env_name"`
		// NotBeforeTS delays processing until the given epoch second. Workers
		// re-queue future-dated jobs instead of executing them.
		NotBeforeTS float64 `json:"not_before_ts,omitempty"`
		TriggeredBy *string `json:"triggered_by,omitempty"`
	}

	// LogFrame is the JSON payload published on a run's log channel.
	LogFrame struct {
		RunID     string `json:"run_id"`
		Timestamp string `json:"timestamp"`
		Level     string `json:"level"`
		Message   string `json:"message"`
	}

	// Options configures the broker.
	Options struct {
		// URL is the Redis connection URL. Ignored when Client is set.
		URL string
		// Client is an existing Redis connection to reuse. Optional.
		Client *redis.Client
		// QueueName is the list key holding queued jobs.
		QueueName string
		// PubSubPrefix prefixes per-run log channel names.
		PubSubPrefix string
		// HeartbeatPrefix prefixes per-worker heartbeat keys.
		HeartbeatPrefix string
	}

	// Broker is a typed handle over the Redis connection.
	Broker struct {
		rdb      *redis.Client
		queue    string
		pubsub   string
		hbPrefix string
		ownsConn bool
	}

	// LogSubscription is a live subscription to one run's log channel.
	LogSubscription struct {
		ps *redis.PubSub
	}
)

// Default key names. Overridable through Options for shared Redis instances.
const (
	DefaultQueueName       = "robot_runs_queue"
	DefaultPubSubPrefix    = "runs/"
	DefaultHeartbeatPrefix = "workers/"
)

// New constructs a Broker. Either URL or Client must be provided; when both
// are set the client wins and the broker does not close it on Close.
func New(opts Options) (*Broker, error) {
	rdb := opts.Client
	owns := false
	if rdb == nil {
		if opts.URL == "" {
			return nil, errors.New("redis URL or client is required")
		}
		ropts, err := redis.ParseURL(opts.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis URL: %w", err)
		}
		rdb = redis.NewClient(ropts)
		owns = true
	}
	b := &Broker{
		rdb:      rdb,
		queue:    opts.QueueName,
		pubsub:   opts.PubSubPrefix,
		hbPrefix: opts.HeartbeatPrefix,
		ownsConn: owns,
	}
	if b.queue == "" {
		b.queue = DefaultQueueName
	}
	if b.pubsub == "" {
		b.pubsub = DefaultPubSubPrefix
	}
	if b.hbPrefix == "" {
		b.hbPrefix = DefaultHeartbeatPrefix
	}
	return b, nil
}

// Close releases the Redis connection if the broker created it.
func (b *Broker) Close() error {
	if !b.ownsConn {
		return nil
	}
	return b.rdb.Close()
}

// Name implements health.Pinger.
func (b *Broker) Name() string {
	return "broker"
}

// Ping implements health.Pinger.
func (b *Broker) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// JobForRun builds the queue message for a persisted run. Every publisher
// goes through it so re-published runs carry the same body as fresh ones.
func JobForRun(run *orchestrator.Run) *Job {
	return &Job{
		RunID:            run.ID,
		RobotID:          run.RobotID,
		RobotVersionID:   run.RobotVersionID,
		RuntimeArguments: run.RuntimeArguments,
		RuntimeEnv:       run.RuntimeEnv,
		TriggerType:      run.TriggerType,
		Attempt:          run.Attempt,
		ServiceID:        run.ServiceID,
		ScheduleID:       run.ScheduleID,
		Parameters:       run.Parameters,
		EnvName:          run.EnvName,
		TriggeredBy:      run.TriggeredBy,
	}
}

// SetNotBefore future-dates the job so workers hold it until t.
func (j *Job) SetNotBefore(t time.Time) {
	j.NotBeforeTS = float64(t.UnixNano()) / float64(time.Second)
}

// ReadyAt returns the earliest time the job may execute. The zero time means
// the job is ready immediately.
func (j *Job) ReadyAt() time.Time {
	if j.NotBeforeTS == 0 {
		return time.Time{}
	}
	sec := int64(j.NotBeforeTS)
	nsec := int64((j.NotBeforeTS - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC()
}

// EnqueueJob appends the job to the back of the queue.
func (b *Broker) EnqueueJob(ctx context.Context, job *Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.RunID, err)
	}
	if err := b.rdb.LPush(ctx, b.queue, body).Err(); err != nil {
		return fmt.Errorf("enqueue run %s: %w", job.RunID, err)
	}
	return nil
}

// RequeueFront returns a leased job to the front of the queue. Workers use it
// when they pop a job they must not process, such as after being paused, so
// the job keeps its place.
func (b *Broker) RequeueFront(ctx context.Context, job *Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.RunID, err)
	}
	if err := b.rdb.RPush(ctx, b.queue, body).Err(); err != nil {
		return fmt.Errorf("requeue run %s: %w", job.RunID, err)
	}
	return nil
}

// Lease blocks up to timeout waiting for a queued job. It returns (nil, nil)
// when the queue stays empty so callers can interleave heartbeats between
// polls.
func (b *Broker) Lease(ctx context.Context, timeout time.Duration) (*Job, error) {
	res, err := b.rdb.BRPop(ctx, timeout, b.queue).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease job: %w", err)
	}
	// BRPOP returns [key, value].
	if len(res) != 2 {
		return nil, fmt.Errorf("lease job: unexpected reply of %d elements", len(res))
	}
	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &job, nil
}

// QueueDepth reports the number of queued jobs.
func (b *Broker) QueueDepth(ctx context.Context) (int64, error) {
	n, err := b.rdb.LLen(ctx, b.queue).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// QueuedRunIDs returns the set of run ids currently sitting on the queue.
// The whole list is read in one pass; entries that fail to decode are
// skipped. The orphan requeue sweep uses this to avoid double-publishing.
func (b *Broker) QueuedRunIDs(ctx context.Context) (map[string]bool, error) {
	entries, err := b.rdb.LRange(ctx, b.queue, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read queue %s: %w", b.queue, err)
	}
	out := make(map[string]bool, len(entries))
	for _, e := range entries {
		var job Job
		if err := json.Unmarshal([]byte(e), &job); err != nil {
			continue
		}
		if job.RunID != "" {
			out[job.RunID] = true
		}
	}
	return out, nil
}

// LogChannel returns the pub/sub channel name for a run.
func (b *Broker) LogChannel(runID string) string {
	return b.pubsub + runID + "/logs"
}

// PublishLog publishes a log frame on the run's channel. Delivery is
// best-effort; the persisted row is the durable copy.
func (b *Broker) PublishLog(ctx context.Context, frame *LogFrame) error {
	body, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal log frame: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.LogChannel(frame.RunID), body).Err(); err != nil {
		return fmt.Errorf("publish log for run %s: %w", frame.RunID, err)
	}
	return nil
}

// SubscribeLogs opens a live subscription to the run's log channel. The
// subscription is confirmed before returning so no frame published afterwards
// is missed.
func (b *Broker) SubscribeLogs(ctx context.Context, runID string) (*LogSubscription, error) {
	ps := b.rdb.Subscribe(ctx, b.LogChannel(runID))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe logs for run %s: %w", runID, err)
	}
	return &LogSubscription{ps: ps}, nil
}

// Messages returns the channel delivering published frames. The channel is
// closed when the subscription is closed.
func (s *LogSubscription) Messages() <-chan *redis.Message {
	return s.ps.Channel()
}

// Close terminates the subscription and closes the messages channel.
func (s *LogSubscription) Close() error {
	return s.ps.Close()
}

// heartbeatKey returns the Redis key carrying a worker's heartbeat.
func (b *Broker) heartbeatKey(name string) string {
	return b.hbPrefix + name
}

// SetWorkerHeartbeat writes the worker's heartbeat key with the given TTL.
// The value is the heartbeat instant in epoch seconds.
func (b *Broker) SetWorkerHeartbeat(ctx context.Context, name string, now time.Time, ttl time.Duration) error {
	val := strconv.FormatInt(now.Unix(), 10)
	if err := b.rdb.Set(ctx, b.heartbeatKey(name), val, ttl).Err(); err != nil {
		return fmt.Errorf("heartbeat for worker %s: %w", name, err)
	}
	return nil
}

// WorkerHeartbeat reads a worker's heartbeat key. The boolean is false when
// the key does not exist, which means the heartbeat expired or was never set.
func (b *Broker) WorkerHeartbeat(ctx context.Context, name string) (time.Time, bool, error) {
	val, err := b.rdb.Get(ctx, b.heartbeatKey(name)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read heartbeat for worker %s: %w", name, err)
	}
	sec, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("decode heartbeat for worker %s: %w", name, err)
	}
	return time.Unix(sec, 0).UTC(), true, nil
}

// ListWorkerHeartbeats scans the heartbeat keyspace and returns the heartbeat
// instant per worker name. Keys that expire mid-scan or hold malformed values
// are skipped.
func (b *Broker) ListWorkerHeartbeats(ctx context.Context) (map[string]time.Time, error) {
	out := make(map[string]time.Time)
	iter := b.rdb.Scan(ctx, 0, b.hbPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		val, err := b.rdb.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read heartbeat key %s: %w", key, err)
		}
		sec, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			continue
		}
		out[strings.TrimPrefix(key, b.hbPrefix)] = time.Unix(sec, 0).UTC()
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan heartbeats: %w", err)
	}
	return out, nil
}
