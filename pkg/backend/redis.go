package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pixyz/scheduler/pkg/log"
	"github.com/pixyz/scheduler/pkg/types"
)

const (
	metaKeyPrefix     = "task-meta:"
	eventChanPrefix   = "task-events:"
	chordKeyPrefix    = "chord:"
	defaultResultTTL  = 72 * time.Hour
	subscribeBuffered = 16
)

// Redis is the production backend: one JSON record per task under
// task-meta:<id> with a TTL, status changes published per-task so waiters
// do not have to poll.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis builds a backend from a redis URL (redis://[:pass@]host:port/db)
func NewRedis(url string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if ttl <= 0 {
		ttl = defaultResultTTL
	}
	return &Redis{client: redis.NewClient(opts), ttl: ttl}, nil
}

// NewRedisFromClient wraps an existing client, used by tests and the worker
// which shares one connection pool with the broker
func NewRedisFromClient(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = defaultResultTTL
	}
	return &Redis{client: client, ttl: ttl}
}

func (r *Redis) Put(ctx context.Context, meta *types.TaskMeta) error {
	old, err := r.Get(ctx, meta.TaskID)
	if err != nil && err != types.ErrTaskNotFound {
		return err
	}
	if !allowPut(old, meta) {
		log.Logger.Debug().Str("task_id", meta.TaskID).
			Str("status", string(meta.Status)).
			Msg("dropping non-terminal update over terminal state")
		return nil
	}
	return r.store(ctx, meta)
}

func (r *Redis) Get(ctx context.Context, taskID string) (*types.TaskMeta, error) {
	data, err := r.client.Get(ctx, metaKeyPrefix+taskID).Bytes()
	if err == redis.Nil {
		return nil, types.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task meta: %w", err)
	}
	var meta types.TaskMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode task meta: %w", err)
	}
	return &meta, nil
}

func (r *Redis) SetState(ctx context.Context, taskID string, patch Patch) error {
	old, err := r.Get(ctx, taskID)
	if err != nil && err != types.ErrTaskNotFound {
		return err
	}
	meta := mergeMeta(old, taskID, patch)
	if meta == nil {
		return nil
	}
	return r.store(ctx, meta)
}

func (r *Redis) store(ctx context.Context, meta *types.TaskMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode task meta: %w", err)
	}
	if err := r.client.Set(ctx, metaKeyPrefix+meta.TaskID, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store task meta: %w", err)
	}
	// subscribers only need the status; they re-read the full record
	if err := r.client.Publish(ctx, eventChanPrefix+meta.TaskID, string(meta.Status)).Err(); err != nil {
		log.Logger.Warn().Err(err).Str("task_id", meta.TaskID).Msg("failed to publish state change")
	}
	return nil
}

func (r *Redis) ListTaskIDs(ctx context.Context) ([]string, error) {
	var ids []string
	iter := r.client.Scan(ctx, 0, metaKeyPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), metaKeyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan task meta keys: %w", err)
	}
	return ids, nil
}

func (r *Redis) Delete(ctx context.Context, taskID string) error {
	return r.client.Del(ctx, metaKeyPrefix+taskID).Err()
}

func (r *Redis) Subscribe(ctx context.Context, taskID string) (<-chan types.Status, func(), error) {
	sub := r.client.Subscribe(ctx, eventChanPrefix+taskID)
	if _, err := sub.Receive(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to subscribe to task events: %w", err)
	}

	out := make(chan types.Status, subscribeBuffered)
	done := make(chan struct{})
	go func() {
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- types.Status(msg.Payload):
				default:
					// slow subscriber, drop; it will re-read the record
				}
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()

	cancel := func() {
		close(done)
		_ = sub.Close()
	}
	return out, cancel, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// chord bookkeeping: one hash per group with the expected count, the number
// of finished children and the failure latch. HIncrBy makes ChildDone safe
// across workers.

func (r *Redis) InitChord(ctx context.Context, groupID string, total int) error {
	key := chordKeyPrefix + groupID
	if err := r.client.HSet(ctx, key, "total", total, "done", 0, "failed", 0).Err(); err != nil {
		return fmt.Errorf("failed to init chord: %w", err)
	}
	return r.client.Expire(ctx, key, r.ttl).Err()
}

func (r *Redis) ChildDone(ctx context.Context, groupID string, failed bool) (int, bool, error) {
	key := chordKeyPrefix + groupID
	if failed {
		if err := r.client.HSet(ctx, key, "failed", 1).Err(); err != nil {
			return 0, false, fmt.Errorf("failed to latch chord failure: %w", err)
		}
	}
	done, err := r.client.HIncrBy(ctx, key, "done", 1).Result()
	if err != nil {
		return 0, false, fmt.Errorf("failed to count chord child: %w", err)
	}
	fields, err := r.client.HMGet(ctx, key, "total", "failed").Result()
	if err != nil {
		return 0, false, fmt.Errorf("failed to read chord state: %w", err)
	}
	total := parseHashInt(fields[0])
	anyFailed := parseHashInt(fields[1]) != 0
	remaining := total - int(done)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, anyFailed, nil
}

func (r *Redis) ForgetChord(ctx context.Context, groupID string) error {
	return r.client.Del(ctx, chordKeyPrefix+groupID).Err()
}

func parseHashInt(v interface{}) int {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	var n int
	_, _ = fmt.Sscanf(s, "%d", &n)
	return n
}
