// Package pubsub carries fanout operations between service instances so
// every instance can apply them to its own live sessions.
package pubsub

import (
	"context"
	"encoding/json"
	"sync"
)

type Op string

const (
	OpPublish     Op = "publish"
	OpNotifyUser  Op = "notify_user"
	OpSubscribe   Op = "subscribe"
	OpUnsubscribe Op = "unsubscribe"
	OpCloseRoom   Op = "close_room"
	OpBroadcast   Op = "broadcast"
)

// Envelope is one fanout operation. Payload is the already encoded event
// body so it is marshalled once regardless of the number of recipients.
type Envelope struct {
	Op          Op              `json:"op"`
	Room        string          `json:"room,omitempty"`
	UserId      string          `json:"user_id,omitempty"`
	Event       string          `json:"event,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	SkipSession string          `json:"skip_session,omitempty"`
}

type Handler func(Envelope)

// Broker delivers every published envelope to every subscribed handler in
// publish order.
type Broker interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}

// LocalBroker delivers envelopes synchronously within the process.
type LocalBroker struct {
	mu       sync.RWMutex
	handlers []Handler
}

func NewLocalBroker() *LocalBroker {
	return &LocalBroker{}
}

func (b *LocalBroker) Publish(_ context.Context, env Envelope) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, h := range b.handlers {
		h(env)
	}
	return nil
}

func (b *LocalBroker) Subscribe(_ context.Context, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers = append(b.handlers, h)
	return nil
}

func (b *LocalBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers = nil
	return nil
}
