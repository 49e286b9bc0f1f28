// Package notify carries "work available" signals between engines that
// share one step store.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "stepflow:work"

// RedisNotifier publishes a message whenever this process adds ready steps
// and wakes local workers when another process does.
//
// Messages carry the publishing instance's id so a process ignores its own
// notifications; local wakeups already happen in-process.
type RedisNotifier struct {
	client   *redis.Client
	channel  string
	instance string
	logger   *slog.Logger
}

// NewRedisNotifier returns a notifier over client. An empty channel means
// DefaultChannel.
func NewRedisNotifier(client *redis.Client, channel string, logger *slog.Logger) *RedisNotifier {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisNotifier{
		client:   client,
		channel:  channel,
		instance: uuid.NewString(),
		logger:   logger.With("component", "notify", "channel", channel),
	}
}

// Instance returns the id this notifier stamps on its messages.
func (n *RedisNotifier) Instance() string { return n.instance }

// Notify publishes a wakeup for other processes.
func (n *RedisNotifier) Notify(ctx context.Context) error {
	return n.client.Publish(ctx, n.channel, n.instance).Err()
}

// Listen calls wake for every wakeup published by another instance. It
// blocks until ctx is done and then returns nil.
func (n *RedisNotifier) Listen(ctx context.Context, wake func()) error {
	sub := n.client.Subscribe(ctx, n.channel)
	defer sub.Close()

	// Receive blocks until the subscription is confirmed, so callers can
	// rely on messages published after Listen starts running.
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("redis subscription closed")
			}
			if msg.Payload == n.instance {
				continue
			}
			n.logger.Debug("wakeup received", "from", msg.Payload)
			wake()
		}
	}
}
