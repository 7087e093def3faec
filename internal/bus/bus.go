// Publish/subscribe channel between the proxy and its connected clients
package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// Message types
const (
	SkipWaiting           = "SKIP_WAITING"
	ClearCache            = "CLEAR_CACHE"
	CacheCleared          = "CACHE_CLEARED"
	CredentialUpdated     = "CREDENTIAL_UPDATED"
	CredentialInvalidated = "CREDENTIAL_INVALIDATED"
)

var ErrClosed = errors.New("bus closed")

// Message is one control or notification message
type Message struct {
	Type string            `json:"type"`
	Data map[string]string `json:"data,omitempty"`
}

// Bus delivers published messages to every current subscriber
type Bus interface {
	// Publish returns once the message is queued for every subscriber
	Publish(ctx context.Context, msg Message) error
	// Subscribe returns a channel of messages and a function that ends the subscription
	Subscribe() (<-chan Message, func())
	Close() error
}

// subscriberBuffer is how many undelivered messages a slow subscriber may hold before drops
const subscriberBuffer = 32

// LocalBus fans messages out to in-process subscribers
type LocalBus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Message
	closed bool
}

func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[int]chan Message)}
}

func (b *LocalBus) Publish(_ context.Context, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	for id, ch := range b.subs {
		select {
		case ch <- msg:
		default:
			logrus.Warnf("Dropping %s message for slow subscriber %d", msg.Type, id)
		}
	}
	return nil
}

func (b *LocalBus) Subscribe() (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Message, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Close ends every subscription
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	return nil
}
