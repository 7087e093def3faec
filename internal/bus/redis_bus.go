package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisBus shares messages between processes through a redis pub/sub channel.
// Every message published by any process, this one included, reaches local subscribers.
type RedisBus struct {
	rdb     *redis.Client
	owned   bool
	channel string
	pubsub  *redis.PubSub
	local   *LocalBus
	done    chan struct{}
}

// NewRedisBus subscribes to channel on rdb. The client is not closed by Close.
func NewRedisBus(ctx context.Context, rdb *redis.Client, channel string) (*RedisBus, error) {
	pubsub := rdb.Subscribe(ctx, channel)
	// Wait for the subscription to be confirmed so no message published after this returns is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	b := &RedisBus{
		rdb:     rdb,
		channel: channel,
		pubsub:  pubsub,
		local:   NewLocalBus(),
		done:    make(chan struct{}),
	}
	go b.forward()
	return b, nil
}

// DialRedisBus connects to the redis server at url and subscribes to channel
func DialRedisBus(ctx context.Context, url, channel string) (*RedisBus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	rdb := redis.NewClient(opts)

	b, err := NewRedisBus(ctx, rdb, channel)
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}
	b.owned = true
	logrus.Infof("Broadcasting events on redis channel %s", channel)
	return b, nil
}

func (b *RedisBus) forward() {
	defer close(b.done)
	for m := range b.pubsub.Channel() {
		var msg Message
		if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
			logrus.Warnf("Ignoring malformed message on %s: %v", b.channel, err)
			continue
		}
		if err := b.local.Publish(context.Background(), msg); err != nil {
			return
		}
	}
}

func (b *RedisBus) Publish(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := b.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish %s: %w", msg.Type, err)
	}
	return nil
}

func (b *RedisBus) Subscribe() (<-chan Message, func()) {
	return b.local.Subscribe()
}

func (b *RedisBus) Close() error {
	err := b.pubsub.Close()
	<-b.done
	_ = b.local.Close()
	if b.owned {
		if cerr := b.rdb.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
