// Package redispub forwards pipeline events to Redis.
//
// Every event is published as JSON on a pub/sub channel. The checkpoints
// carried by Ran and Rollbacked events are also kept in a hash, so that
// consumers joining late can read the current progress.
package redispub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/ethsync/stagesync/emitters"
	"github.com/ethsync/stagesync/log"
	"github.com/ethsync/stagesync/stagedsync"
)

const moduleName = "redispub"

// Config of the Redis connection.
type Config struct {
	Addr      string
	Password  string
	DB        int
	Channel   string
	KeyPrefix string
}

// Publisher is the subset of Redis used to forward events.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	SetCheckpoint(ctx context.Context, key string, stage stagedsync.StageID, height uint64) error
	Close() error
}

type redisPublisher struct {
	client *redis.Client
}

// Dial connects to Redis and checks the connection.
func Dial(ctx context.Context, cfg Config) (Publisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}
	return &redisPublisher{client: client}, nil
}

func (p *redisPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	return p.client.Publish(ctx, channel, payload).Err()
}

func (p *redisPublisher) SetCheckpoint(ctx context.Context, key string, stage stagedsync.StageID, height uint64) error {
	return p.client.HSet(ctx, key, stage.String(), height).Err()
}

func (p *redisPublisher) Close() error {
	return p.client.Close()
}

// Forwarder publishes pipeline events.
type Forwarder struct {
	pub       Publisher
	channel   string
	keyPrefix string
	logger    *log.Logger
}

// NewForwarder creates a forwarder publishing on the configured channel.
func NewForwarder(pub Publisher, cfg Config, logger *log.Logger) *Forwarder {
	channel := cfg.Channel
	if channel == "" {
		channel = "stagesync:events"
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "stagesync:"
	}
	return &Forwarder{
		pub:       pub,
		channel:   channel,
		keyPrefix: prefix,
		logger:    logger.WithModule(moduleName),
	}
}

// CheckpointsKey is the hash holding the checkpoint of every stage.
func (f *Forwarder) CheckpointsKey() string {
	return f.keyPrefix + "checkpoints"
}

// Forward publishes a single event. Ran and Rollbacked events also update
// the checkpoints hash.
func (f *Forwarder) Forward(ctx context.Context, ev stagedsync.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if err := f.pub.Publish(ctx, f.channel, payload); err != nil {
		return fmt.Errorf("publishing event: %w", err)
	}

	var checkpoint *uint64
	switch {
	case ev.Kind == stagedsync.EventRan && ev.ExecOutput != nil:
		checkpoint = &ev.ExecOutput.BlockReached
	case ev.Kind == stagedsync.EventRollbacked && ev.RollbackOutput != nil:
		checkpoint = &ev.RollbackOutput.BlockReached
	}
	if checkpoint != nil {
		if err := f.pub.SetCheckpoint(ctx, f.CheckpointsKey(), ev.Stage, *checkpoint); err != nil {
			return fmt.Errorf("storing checkpoint: %w", err)
		}
	}
	return nil
}

// Run forwards events from sub until ctx is done or sub is closed. Failures
// to publish are logged and the event is dropped.
func (f *Forwarder) Run(ctx context.Context, sub *emitters.Subscription[stagedsync.Event]) error {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			if err := f.Forward(ctx, ev); err != nil {
				f.logger.Warn("dropping event", "stage", ev.Stage, "kind", ev.Kind, "err", err)
			}
		}
	}
}
