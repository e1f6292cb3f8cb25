// Package notify broadcasts mapping document sequence bumps over Redis
// pub/sub so other processes reload sooner than their next admin call.
package notify

import (
	"context"
	"encoding/json"

	"github.com/icebiz/modgate/internal/logger"
	"github.com/redis/go-redis/v9"
)

// DefaultChannel is used when no channel is configured.
const DefaultChannel = "modgate:document:seq"

// SeqEvent announces that a process wrote the document with Seq.
type SeqEvent struct {
	Seq    uint64 `json:"seq"`
	Origin string `json:"origin"`
}

// Publisher publishes sequence bumps.
type Publisher struct {
	client  *redis.Client
	channel string
	origin  string
}

// NewPublisher creates a publisher. origin identifies this process so its
// own events can be ignored by its subscriber.
func NewPublisher(client *redis.Client, channel, origin string) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Publisher{client: client, channel: channel, origin: origin}
}

// PublishSeq announces a successful write.
func (p *Publisher) PublishSeq(ctx context.Context, seq uint64) error {
	raw, err := json.Marshal(SeqEvent{Seq: seq, Origin: p.origin})
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.channel, raw).Err()
}

// Subscriber listens for sequence bumps from other processes.
type Subscriber struct {
	client  *redis.Client
	channel string
	origin  string
	log     *logger.Logger
}

func NewSubscriber(client *redis.Client, channel, origin string, log *logger.Logger) *Subscriber {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Subscriber{
		client:  client,
		channel: channel,
		origin:  origin,
		log:     logger.OrNop(log).WithComponent("notify"),
	}
}

// Run calls onSeq for every event from another origin until ctx is done.
func (s *Subscriber) Run(ctx context.Context, onSeq func(seq uint64)) error {
	pubsub := s.client.Subscribe(ctx, s.channel)
	defer pubsub.Close()

	// Wait for the subscription to be confirmed before reading messages.
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev SeqEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				s.log.WithError(err).Warn("seq event decode error")
				continue
			}
			if ev.Origin == s.origin {
				continue
			}
			onSeq(ev.Seq)
		}
	}
}
