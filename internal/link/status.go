package link

import (
	"context"
	"encoding/json"
	"log"
	"sync/atomic"

	"github.com/relabs-tech/haptic_feedback/internal/guard"
)

// StatusPublisher fans guard status out to <prefix>/<vehicle>/status. Observe
// never blocks the control loop; when the queue is full the status is
// dropped and counted.
type StatusPublisher struct {
	broker  Broker
	prefix  string
	ch      chan guard.Status
	dropped atomic.Uint64
}

// NewStatusPublisher returns a publisher queueing up to depth statuses.
func NewStatusPublisher(broker Broker, prefix string, depth int) *StatusPublisher {
	if depth < 1 {
		depth = 1
	}
	return &StatusPublisher{
		broker: broker,
		prefix: prefix,
		ch:     make(chan guard.Status, depth),
	}
}

// Observe queues st for publishing.
func (p *StatusPublisher) Observe(st guard.Status) {
	select {
	case p.ch <- st:
	default:
		p.dropped.Add(1)
	}
}

// Dropped returns how many statuses were discarded.
func (p *StatusPublisher) Dropped() uint64 { return p.dropped.Load() }

// Run publishes queued statuses until ctx ends. Statuses are retained so
// late subscribers see the current state.
func (p *StatusPublisher) Run(ctx context.Context) error {
	var lastErr string
	for {
		select {
		case <-ctx.Done():
			return nil
		case st := <-p.ch:
			payload, err := json.Marshal(st)
			if err != nil {
				log.Printf("status: marshal error: %v", err)
				continue
			}
			token := p.broker.Publish(Topic(p.prefix, st.Vehicle, StatusTopic), 0, true, payload)
			if err := Await(ctx, token, DefaultTimeout); err != nil && ctx.Err() == nil {
				if err.Error() != lastErr {
					log.Printf("status: publish error: %v", err)
				}
				lastErr = err.Error()
				continue
			}
			lastErr = ""
		}
	}
}
