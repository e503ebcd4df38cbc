// Package redisbus relays store changes between instances over Redis pub/sub.
package redisbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mklimuk/atelier-pilot/pkg/store"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const channelPrefix = "atelier:changes:"

// Channel is the Redis channel carrying changes of collection.
func Channel(collection string) string {
	return channelPrefix + collection
}

// Bridge publishes local hub changes to Redis and delivers changes of other
// instances into the local hub.
type Bridge struct {
	client *redis.Client
	hub    *store.Hub
	log    *logrus.Entry

	mu     sync.Mutex
	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
}

// NewClient parses url and pings the server.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}
	return client, nil
}

func NewBridge(client *redis.Client, hub *store.Hub) *Bridge {
	return &Bridge{
		client: client,
		hub:    hub,
		log:    logrus.WithFields(logrus.Fields{"component": "redisbus", "origin": hub.Origin()}),
	}
}

// Start subscribes to every change channel and installs the hub relay.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub != nil {
		return fmt.Errorf("bridge already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	pubsub := b.client.PSubscribe(ctx, channelPrefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		pubsub.Close()
		return fmt.Errorf("failed to subscribe to changes: %w", err)
	}

	b.pubsub = pubsub
	b.cancel = cancel
	b.done = make(chan struct{})
	b.hub.SetRelay(b.publish)

	go b.listen(pubsub.Channel())
	b.log.Info("change bridge started")
	return nil
}

// Stop removes the relay and closes the subscription.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub == nil {
		return nil
	}
	b.hub.SetRelay(nil)
	b.cancel()
	err := b.pubsub.Close()
	<-b.done
	b.pubsub = nil
	return err
}

func (b *Bridge) listen(ch <-chan *redis.Message) {
	defer close(b.done)
	for msg := range ch {
		change, remote, err := decodeChange(msg.Payload, b.hub.Origin())
		if err != nil {
			b.log.WithError(err).WithField("channel", msg.Channel).Warn("dropping malformed change")
			continue
		}
		if !remote {
			continue
		}
		b.hub.Deliver(change)
	}
}

func (b *Bridge) publish(c store.Change) {
	payload, err := encodeChange(c)
	if err != nil {
		b.log.WithError(err).Warn("failed to encode change")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.client.Publish(ctx, Channel(c.Collection), payload).Err(); err != nil {
		b.log.WithError(err).WithField("collection", c.Collection).Warn("failed to publish change")
	}
}

func encodeChange(c store.Change) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// decodeChange parses a payload and reports whether it came from another instance.
func decodeChange(payload, self string) (store.Change, bool, error) {
	var c store.Change
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return store.Change{}, false, fmt.Errorf("failed to decode change: %w", err)
	}
	if c.Collection == "" || c.ID == "" {
		return store.Change{}, false, fmt.Errorf("change without collection or id")
	}
	switch c.Kind {
	case store.ChangeAdded, store.ChangeModified, store.ChangeRemoved:
	default:
		return store.Change{}, false, fmt.Errorf("unknown change kind %q", c.Kind)
	}
	return c, c.Origin != self, nil
}
