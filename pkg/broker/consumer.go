package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pixyz/scheduler/pkg/log"
	"github.com/pixyz/scheduler/pkg/types"
)

const (
	// pollInterval paces the consumer loop when every queue is empty
	pollInterval = 100 * time.Millisecond

	// management deliveries lost with their worker come back after this
	// countdown, at most managementMaxRetries times
	managementRetryDelay = 60 * time.Second
	managementMaxRetries = 3
)

// Consumer pops deliveries from a fixed queue list with prefetch 1.
//
// Compute queues acknowledge early: the delivery is gone from redis the
// moment it is popped, so a payload that reliably kills its worker cannot be
// redelivered in a loop. Management queues (archive, maintenance) acknowledge
// late through a per-consumer backup list; Restore requeues whatever a dead
// consumer left behind.
type Consumer struct {
	broker *Broker
	queues []string
	id     string
}

// Ack finalizes one late-ack delivery. Zero value means early-ack, nothing
// to do.
type Ack struct {
	broker  *Broker
	queue   string
	backup  string
	payload string
}

// NewConsumer builds a consumer identified by id (hostname + pid by
// convention) over the given queues
func NewConsumer(b *Broker, queues []string, id string) *Consumer {
	return &Consumer{broker: b, queues: queues, id: id}
}

func (c *Consumer) backupKey(queue string) string {
	return unackedKeyPrefix + queue + ":" + c.id
}

// Restore requeues deliveries left in this consumer's backup lists by a
// previous run. Each restored delivery gets a retry countdown; deliveries
// past the retry budget are dropped with a log line.
func (c *Consumer) Restore(ctx context.Context) error {
	for _, queue := range c.queues {
		if !LateAck(queue) {
			continue
		}
		backup := c.backupKey(queue)
		for {
			payload, err := c.broker.client.RPop(ctx, backup).Result()
			if err == redis.Nil {
				break
			}
			if err != nil {
				return fmt.Errorf("failed to drain backup list: %w", err)
			}
			var d types.Delivery
			if err := json.Unmarshal([]byte(payload), &d); err != nil {
				log.Logger.Warn().Err(err).Str("queue", queue).Msg("dropping malformed unacked delivery")
				continue
			}
			d.Retries++
			if d.Retries > managementMaxRetries {
				log.Logger.Warn().Str("task_id", d.ID).Str("task", d.Task).
					Int("retries", d.Retries).Msg("dropping delivery past retry budget")
				continue
			}
			eta := time.Now().Add(managementRetryDelay)
			d.ETA = &eta
			if err := c.broker.Enqueue(ctx, d); err != nil {
				return err
			}
			log.Logger.Info().Str("task_id", d.ID).Str("task", d.Task).
				Int("retries", d.Retries).Msg("restored unacked delivery")
		}
	}
	return nil
}

// Next blocks until a delivery is available on one of the consumer's queues
// or ctx ends. The returned Ack is nil for early-ack deliveries.
func (c *Consumer) Next(ctx context.Context) (*types.Delivery, *Ack, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		for _, queue := range c.queues {
			if err := c.broker.promoteDue(ctx, queue); err != nil {
				return nil, nil, fmt.Errorf("%w: %v", types.ErrBrokerUnavailable, err)
			}
			d, ack, err := c.tryPop(ctx, queue)
			if err != nil {
				return nil, nil, err
			}
			if d != nil {
				return d, ack, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Consumer) tryPop(ctx context.Context, queue string) (*types.Delivery, *Ack, error) {
	key := queueKeyPrefix + queue
	var payload string
	var err error
	var ack *Ack
	if LateAck(queue) {
		backup := c.backupKey(queue)
		payload, err = c.broker.client.LMove(ctx, key, backup, "RIGHT", "LEFT").Result()
		if err == nil {
			ack = &Ack{broker: c.broker, queue: queue, backup: backup, payload: payload}
		}
	} else {
		payload, err = c.broker.client.RPop(ctx, key).Result()
	}
	if err == redis.Nil {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", types.ErrBrokerUnavailable, err)
	}

	var d types.Delivery
	if err := json.Unmarshal([]byte(payload), &d); err != nil {
		log.Logger.Warn().Err(err).Str("queue", queue).Msg("dropping malformed delivery")
		if ack != nil {
			_ = ack.Done(ctx)
		}
		return nil, nil, nil
	}
	d.Queue = queue
	return &d, ack, nil
}

// Done removes the delivery from the backup list
func (a *Ack) Done(ctx context.Context) error {
	if a == nil {
		return nil
	}
	return a.broker.client.LRem(ctx, a.backup, 1, a.payload).Err()
}

// Requeue puts the delivery back on its queue after delay and acknowledges
// the backup copy. Used when a management task fails retriably.
func (a *Ack) Requeue(ctx context.Context, delay time.Duration) error {
	if a == nil {
		return nil
	}
	var d types.Delivery
	if err := json.Unmarshal([]byte(a.payload), &d); err != nil {
		return a.Done(ctx)
	}
	d.Retries++
	if d.Retries > managementMaxRetries {
		log.Logger.Warn().Str("task_id", d.ID).Str("task", d.Task).
			Int("retries", d.Retries).Msg("dropping delivery past retry budget")
		return a.Done(ctx)
	}
	eta := time.Now().Add(delay)
	d.ETA = &eta
	if err := a.broker.Enqueue(ctx, d); err != nil {
		return err
	}
	return a.Done(ctx)
}
