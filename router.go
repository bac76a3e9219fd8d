package napcat

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Notification is an inbound unsolicited push from the backend.
type Notification struct {
	Method string
	Params json.RawMessage
}

// NotificationHandler consumes one notification. Handlers run synchronously
// on the connection's read path and should not block.
type NotificationHandler func(n Notification)

type subscriber struct {
	id uuid.UUID
	fn NotificationHandler
}

// Router fans each inbound notification out to every currently registered
// subscriber, in registration order. It retains no history: a subscriber
// registered after a notification was delivered never sees it.
type Router struct {
	log zerolog.Logger

	mu   sync.Mutex
	subs []subscriber
}

// NewRouter creates an empty router.
func NewRouter(log zerolog.Logger) *Router {
	return &Router{log: log.With().Str("component", "router").Logger()}
}

// Subscribe registers fn and returns its unsubscribe function. Unsubscribing
// is safe at any time, including from within a handler during dispatch.
func (r *Router) Subscribe(fn NotificationHandler) func() {
	id := uuid.New()
	r.mu.Lock()
	r.subs = append(r.subs, subscriber{id: id, fn: fn})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i := range r.subs {
			if r.subs[i].id == id {
				r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
				return
			}
		}
	}
}

// Dispatch delivers n synchronously to every subscriber registered at this
// instant. The subscriber list is snapshotted first, so subscribing or
// unsubscribing during dispatch neither skips nor duplicates delivery for
// this notification. A panic in one subscriber is logged and does not prevent
// delivery to the rest.
func (r *Router) Dispatch(n Notification) {
	r.mu.Lock()
	snapshot := make([]subscriber, len(r.subs))
	copy(snapshot, r.subs)
	r.mu.Unlock()

	for _, s := range snapshot {
		r.deliver(s, n)
	}
}

func (r *Router) deliver(s subscriber, n Notification) {
	defer func() {
		if rec := recover(); rec != nil {
			fault := &BridgeError{Type: BridgeErrorTypeSubscriberFault, Message: fmt.Sprint(rec)}
			r.log.Error().Err(fault).Str("method", n.Method).Msg("notification subscriber panicked")
		}
	}()
	s.fn(n)
}

// SubscriberCount reports the number of registered subscribers.
func (r *Router) SubscriberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}
