// Package worker runs the webhook dispatch pool: N goroutines claim due
// delivery ids from the Redis queue and hand them to the webhook service.
package worker

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"generation-service/internal/service"
)

// Dispatcher performs one delivery attempt for a claimed record.
type Dispatcher interface {
	Attempt(ctx context.Context, id uuid.UUID) error
}

type Pool struct {
	queue      service.DeliveryQueue
	dispatcher Dispatcher
	workers    int
	claimDelay time.Duration
}

func NewPool(queue service.DeliveryQueue, dispatcher Dispatcher, workers int) *Pool {
	if workers <= 0 {
		workers = 4
	}
	return &Pool{
		queue:      queue,
		dispatcher: dispatcher,
		workers:    workers,
		claimDelay: 5 * time.Second,
	}
}

func (p *Pool) Run(ctx context.Context) {
	log.Printf("[webhook] pool started workers=%d", p.workers)

	idCh := make(chan string)

	for i := 0; i < p.workers; i++ {
		go func(n int) {
			for raw := range idCh {
				p.handle(ctx, n, raw)
			}
		}(i + 1)
	}

	// Listener: atomically claim from queue -> processing
	for {
		select {
		case <-ctx.Done():
			close(idCh)
			log.Println("[webhook] pool stopped")
			return
		default:
			id, err := p.queue.ClaimBlocking(ctx, p.claimDelay)
			if err != nil {
				// timeout/redis.Nil/ctx cancel
				continue
			}
			select {
			case idCh <- id:
			case <-ctx.Done():
				close(idCh)
				return
			}
		}
	}
}

func (p *Pool) handle(ctx context.Context, n int, raw string) {
	// Ack regardless of outcome: the attempt result lives in the delivery
	// record, and the monitor re-enqueues anything that is due again.
	defer func() {
		if err := p.queue.Ack(ctx, raw); err != nil {
			log.Printf("[webhook-%d] ack delivery=%s err=%v", n, raw, err)
		}
	}()

	id, err := uuid.Parse(raw)
	if err != nil {
		log.Printf("[webhook-%d] bad delivery id %q err=%v", n, raw, err)
		return
	}
	if err := p.dispatcher.Attempt(ctx, id); err != nil {
		log.Printf("[webhook-%d] attempt delivery=%s err=%v", n, id, err)
	}
}
