// Package publish fans run snapshots out to other processes over Redis
// pub/sub. Publishing is observation only; nothing is stored.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tinyfish-io/fanout/internal/aggregation"
	"github.com/tinyfish-io/fanout/internal/task"
	metrics "github.com/tinyfish-io/fanout/pkg/observability"
)

const (
	DefaultPrefix = "fanout:runs:"

	// queueSize bounds snapshots waiting to be published for one run.
	queueSize = 256
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("publisher is closed")

// Message types.
const (
	TypeSnapshot  = "snapshot"
	TypeAggregate = "aggregate"
)

// Message is the JSON document sent on a run's channel.
type Message struct {
	Type      string                 `json:"type"`
	RunID     string                 `json:"run_id"`
	Snapshot  *task.RunState         `json:"snapshot,omitempty"`
	Aggregate *aggregation.Aggregate `json:"aggregate,omitempty"`
}

// Config holds Redis connection configuration.
type Config struct {
	// Addr is the Redis server address (host:port).
	Addr     string
	Password string
	DB       int
	// Prefix is prepended to the run ID to form the channel name (default: "fanout:runs:").
	Prefix string
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
	Logger   *slog.Logger
}

// RedisPublisher publishes run messages to one channel per run.
type RedisPublisher struct {
	client *redis.Client
	prefix string
	logger *slog.Logger

	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewRedisPublisher connects to Redis and verifies the connection.
func NewRedisPublisher(cfg Config) (*RedisPublisher, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisPublisherFromClient(client, cfg.Prefix, cfg.Logger), nil
}

// NewRedisPublisherFromClient wraps an existing client.
// This is useful for testing with miniredis.
func NewRedisPublisherFromClient(client *redis.Client, prefix string, logger *slog.Logger) *RedisPublisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisPublisher{
		client: client,
		prefix: prefix,
		logger: logger.With("component", "publisher"),
	}
}

// Channel returns the pub/sub channel for a run.
func (p *RedisPublisher) Channel(runID string) string {
	return p.prefix + runID
}

// Ping checks the connection, for health checks.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// PublishSnapshot sends one snapshot.
func (p *RedisPublisher) PublishSnapshot(ctx context.Context, rs task.RunState) error {
	return p.publish(ctx, Message{Type: TypeSnapshot, RunID: rs.ID, Snapshot: &rs})
}

// PublishAggregate sends the composed output of a finished run.
func (p *RedisPublisher) PublishAggregate(ctx context.Context, agg aggregation.Aggregate) error {
	return p.publish(ctx, Message{Type: TypeAggregate, RunID: agg.RunID, Aggregate: &agg})
}

func (p *RedisPublisher) publish(ctx context.Context, msg Message) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", msg.Type, err)
	}

	if err := p.client.Publish(ctx, p.Channel(msg.RunID), data).Err(); err != nil {
		metrics.RecordPublish("error")
		return fmt.Errorf("publish %s for run %s: %w", msg.Type, msg.RunID, err)
	}
	metrics.RecordPublish("ok")
	return nil
}

// Observer returns a run observer that publishes snapshots from a background
// goroutine, so the run loop never waits on Redis. When the queue is full the
// snapshot is dropped; the final snapshot is always sent. The goroutine starts
// with the first snapshot, so an observer whose run never starts holds
// nothing, and exits after the complete-phase snapshot or when ctx ends.
// Pass a context that outlives cancellation of the run itself, or the final
// snapshot of a cancelled run is lost.
func (p *RedisPublisher) Observer(ctx context.Context) func(task.RunState) {
	queue := make(chan task.RunState, queueSize)
	final := make(chan task.RunState, 1)

	var startOnce, finalOnce sync.Once
	start := func() {
		p.wg.Add(1)
		go p.drainQueue(ctx, queue, final)
	}

	return func(rs task.RunState) {
		startOnce.Do(start)
		if rs.Phase == task.PhaseComplete {
			finalOnce.Do(func() { final <- rs })
			return
		}
		select {
		case queue <- rs:
		default:
			metrics.RecordPublish("dropped")
			p.logger.Warn("snapshot queue full, dropping snapshot", "run_id", rs.ID)
		}
	}
}

func (p *RedisPublisher) drainQueue(ctx context.Context, queue, final <-chan task.RunState) {
	defer p.wg.Done()
	for {
		select {
		case rs := <-queue:
			p.send(ctx, rs)
		case rs := <-final:
			// Drain what is queued so the final snapshot goes last.
		drain:
			for {
				select {
				case queued := <-queue:
					p.send(ctx, queued)
				default:
					break drain
				}
			}
			p.send(ctx, rs)
			return
		case <-ctx.Done():
			return
		}
	}
}

func (p *RedisPublisher) send(ctx context.Context, rs task.RunState) {
	if err := p.PublishSnapshot(ctx, rs); err != nil {
		p.logger.Warn("failed to publish snapshot", "run_id", rs.ID, "error", err)
	}
}

// Subscribe streams messages for a run until ctx ends. The subscription is
// established before Subscribe returns.
func (p *RedisPublisher) Subscribe(ctx context.Context, runID string) (<-chan Message, error) {
	sub := p.client.Subscribe(ctx, p.Channel(runID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe to run %s: %w", runID, err)
	}

	out := make(chan Message)
	go func() {
		defer close(out)
		defer sub.Close()

		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				var msg Message
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					p.logger.Warn("skipping malformed message", "channel", m.Channel, "error", err)
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close waits for observers to finish, then closes the client. Observers
// finish when their run completes or their context ends.
func (p *RedisPublisher) Close() error {
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.client.Close()
}
