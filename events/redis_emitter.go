package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quantedge/liqengine/logging"
)

// RedisEmitter publishes events to one Redis pub/sub channel per event type
// ("<prefix>:<type>"), for distribution to out-of-process subscribers. It never
// calls Redis on the calling goroutine: Emit only enqueues onto a bounded,
// drop-oldest buffer (ChannelEmitter) and a background pump goroutine does
// the actual network I/O, so a slow or unreachable Redis instance cannot
// stall the evaluation hot path. Grounded on the connection and
// serialization pattern of backend/cache/redis.go.
type RedisEmitter struct {
	client *redis.Client
	prefix string
	buffer *ChannelEmitter
	logger *logging.Logger
	stop   chan struct{}
}

// RedisEmitterConfig mirrors the subset of backend/cache/redis.go's
// RedisConfig this emitter needs.
type RedisEmitterConfig struct {
	Address      string
	Password     string
	DB           int
	Prefix       string
	BufferSize   int
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

func DefaultRedisEmitterConfig() RedisEmitterConfig {
	return RedisEmitterConfig{
		Address:      "localhost:6379",
		DB:           0,
		Prefix:       "liqengine",
		BufferSize:   1024,
		DialTimeout:  5 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewRedisEmitter connects to Redis and starts the background publish pump.
func NewRedisEmitter(cfg RedisEmitterConfig, logger *logging.Logger) (*RedisEmitter, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	e := &RedisEmitter{
		client: client,
		prefix: cfg.Prefix,
		buffer: NewChannelEmitter(cfg.BufferSize),
		logger: logger,
		stop:   make(chan struct{}),
	}

	go e.pump()

	return e, nil
}

// Emit enqueues the event for asynchronous publication; see type docs.
func (e *RedisEmitter) Emit(eventType Type, payload interface{}) {
	e.buffer.Emit(eventType, payload)
}

// Close stops the publish pump and releases the Redis connection.
func (e *RedisEmitter) Close() error {
	close(e.stop)
	return e.client.Close()
}

func (e *RedisEmitter) pump() {
	for {
		select {
		case <-e.stop:
			return
		case ev := <-e.buffer.events:
			e.publish(ev)
		}
	}
}

func (e *RedisEmitter) publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		e.logger.Error("failed to marshal event for redis publish", err,
			logging.String("event_type", string(ev.Type)))
		return
	}

	channel := e.prefix + ":" + string(ev.Type)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := e.client.Publish(ctx, channel, data).Err(); err != nil {
		e.logger.Warn("failed to publish event to redis",
			logging.String("channel", channel),
			logging.String("error", err.Error()))
	}
}
