package metrics

import (
	"context"
	"time"

	"github.com/pixyz/scheduler/pkg/broker"
)

// collectInterval paces queue depth sampling
const collectInterval = 15 * time.Second

// Collector samples queue depths from the broker
type Collector struct {
	broker *broker.Broker
	queues []string
	stopCh chan struct{}
}

// NewCollector creates a collector over the given queues
func NewCollector(b *broker.Broker, queues []string) *Collector {
	return &Collector{
		broker: b,
		queues: queues,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting in the background
func (c *Collector) Start() {
	ticker := time.NewTicker(collectInterval)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, queue := range c.queues {
		depth, err := c.broker.QueueDepth(ctx, queue)
		if err != nil {
			continue
		}
		QueueDepth.WithLabelValues(queue).Set(float64(depth))
	}
}
