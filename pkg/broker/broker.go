package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pixyz/scheduler/pkg/log"
	"github.com/pixyz/scheduler/pkg/types"
)

const (
	queueKeyPrefix   = "queue:"
	delayedKeySuffix = ":delayed"
	unackedKeyPrefix = "unacked:"
	revokedSetKey    = "revoked-tasks"
	broadcastChannel = "control:broadcast"

	// revoked ids outlive the longest plausible queue residence
	revokedTTL = 72 * time.Hour
)

// Command is a control-plane broadcast received by every worker
type Command struct {
	Type   string `json:"type"` // "revoke" or "shutdown"
	TaskID string `json:"task_id,omitempty"`
}

const (
	CommandRevoke   = "revoke"
	CommandShutdown = "shutdown"
)

// Broker routes deliveries through redis lists, one per queue, with a
// companion sorted set holding deliveries whose ETA has not come yet.
type Broker struct {
	client *redis.Client
}

// New connects to the redis broker at url
func New(url string) (*Broker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return &Broker{client: redis.NewClient(opts)}, nil
}

// NewFromClient wraps an existing client
func NewFromClient(client *redis.Client) *Broker {
	return &Broker{client: client}
}

// Ping verifies broker connectivity, mapping failures to ErrBrokerUnavailable
func (b *Broker) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrBrokerUnavailable, err)
	}
	return nil
}

// Enqueue pushes a delivery onto its queue, or parks it in the delayed set
// when its ETA lies in the future
func (b *Broker) Enqueue(ctx context.Context, d types.Delivery) error {
	if d.Queue == "" {
		d.Queue = types.QueueCPU
	}
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode delivery: %w", err)
	}
	if d.ETA != nil && d.ETA.After(time.Now()) {
		err = b.client.ZAdd(ctx, queueKeyPrefix+d.Queue+delayedKeySuffix, redis.Z{
			Score:  float64(d.ETA.UnixMilli()),
			Member: payload,
		}).Err()
	} else {
		err = b.client.LPush(ctx, queueKeyPrefix+d.Queue, payload).Err()
	}
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrBrokerUnavailable, err)
	}
	log.Logger.Debug().Str("task_id", d.ID).Str("task", d.Task).
		Str("queue", d.Queue).Msg("delivery enqueued")
	return nil
}

// QueueDepth returns the number of ready deliveries on queue
func (b *Broker) QueueDepth(ctx context.Context, queue string) (int64, error) {
	return b.client.LLen(ctx, queueKeyPrefix+queue).Result()
}

// Revoke marks taskID revoked and broadcasts the revocation so a worker
// already holding the delivery can abandon it
func (b *Broker) Revoke(ctx context.Context, taskID string) error {
	pipe := b.client.TxPipeline()
	pipe.SAdd(ctx, revokedSetKey, taskID)
	pipe.Expire(ctx, revokedSetKey, revokedTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to revoke task: %w", err)
	}
	return b.Broadcast(ctx, Command{Type: CommandRevoke, TaskID: taskID})
}

// IsRevoked reports whether taskID has been revoked
func (b *Broker) IsRevoked(ctx context.Context, taskID string) (bool, error) {
	return b.client.SIsMember(ctx, revokedSetKey, taskID).Result()
}

// Broadcast publishes a command on the control channel
func (b *Broker) Broadcast(ctx context.Context, cmd Command) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, broadcastChannel, payload).Err()
}

// SubscribeBroadcast delivers control commands until ctx ends
func (b *Broker) SubscribeBroadcast(ctx context.Context) (<-chan Command, func(), error) {
	sub := b.client.Subscribe(ctx, broadcastChannel)
	if _, err := sub.Receive(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to subscribe to control channel: %w", err)
	}
	out := make(chan Command, 16)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var cmd Command
			if err := json.Unmarshal([]byte(msg.Payload), &cmd); err != nil {
				log.Logger.Warn().Err(err).Msg("ignoring malformed control command")
				continue
			}
			select {
			case out <- cmd:
			case <-ctx.Done():
				return
			}
		}
	}()
	cancel := func() { _ = sub.Close() }
	return out, cancel, nil
}

// PurgeQueue drops all ready and delayed deliveries of queue and returns how
// many were removed
func (b *Broker) PurgeQueue(ctx context.Context, queue string) (int64, error) {
	depth, err := b.client.LLen(ctx, queueKeyPrefix+queue).Result()
	if err != nil {
		return 0, err
	}
	delayed, err := b.client.ZCard(ctx, queueKeyPrefix+queue+delayedKeySuffix).Result()
	if err != nil {
		return 0, err
	}
	pipe := b.client.TxPipeline()
	pipe.Del(ctx, queueKeyPrefix+queue)
	pipe.Del(ctx, queueKeyPrefix+queue+delayedKeySuffix)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return depth + delayed, nil
}

// promoteDue moves deliveries whose ETA has passed from the delayed set to
// the ready list, preserving order by score
func (b *Broker) promoteDue(ctx context.Context, queue string) error {
	delayedKey := queueKeyPrefix + queue + delayedKeySuffix
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := b.client.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil || len(members) == 0 {
		return err
	}
	for _, m := range members {
		removed, err := b.client.ZRem(ctx, delayedKey, m).Result()
		if err != nil {
			return err
		}
		// another consumer promoted it first
		if removed == 0 {
			continue
		}
		if err := b.client.LPush(ctx, queueKeyPrefix+queue, m).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (b *Broker) Close() error {
	return b.client.Close()
}
