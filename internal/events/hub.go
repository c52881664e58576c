package events

import (
	"context"
	"sync"
	"time"

	"identity-server/internal/observability"
)

// AccountCreated is published after the unit of work creating an account commits.
type AccountCreated struct {
	AccountID string
}

// AccountUpdated is published after a committed change to account or profile data.
type AccountUpdated struct {
	AccountID string
}

// Hub fans events out to subscribers. Delivery is asynchronous and
// best-effort: each event runs on its own goroutine with a bounded context,
// and a panicking subscriber is logged, never propagated. Publishers must
// only call Publish from post-commit hooks so subscribers never observe
// uncommitted state.
type Hub struct {
	mu      sync.RWMutex
	subs    []func(context.Context, any)
	logger  *observability.Logger
	timeout time.Duration

	wg sync.WaitGroup
}

func NewHub(logger *observability.Logger) *Hub {
	return &Hub{logger: logger, timeout: 10 * time.Second}
}

func (h *Hub) Subscribe(fn func(context.Context, any)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs = append(h.subs, fn)
}

func (h *Hub) Publish(event any) {
	h.mu.RLock()
	subs := make([]func(context.Context, any), len(h.subs))
	copy(subs, h.subs)
	h.mu.RUnlock()

	for _, fn := range subs {
		h.wg.Add(1)
		go func(fn func(context.Context, any)) {
			defer h.wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					h.logger.Error("event_subscriber_panic", map[string]any{
						"event": event,
						"panic": rec,
					})
				}
			}()

			ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
			defer cancel()
			fn(ctx, event)
		}(fn)
	}
}

// Wait blocks until all in-flight deliveries finish. Used on shutdown and in tests.
func (h *Hub) Wait() {
	h.wg.Wait()
}
