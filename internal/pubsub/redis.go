package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultChannel = "opschat:fanout"

type RedisConfig struct {
	Address      string
	Password     string
	DB           int
	Channel      string
	PoolSize     int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func DefaultRedisConfig(addr string) RedisConfig {
	return RedisConfig{
		Address:      addr,
		Channel:      DefaultChannel,
		PoolSize:     10,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// RedisBroker fans envelopes out to every instance subscribed to the same
// Redis channel, the publishing instance included.
type RedisBroker struct {
	client  *redis.Client
	channel string
	log     *log.Logger

	mu   sync.Mutex
	subs []*redis.PubSub
	wg   sync.WaitGroup
}

func NewRedisBroker(cfg RedisConfig, logger *log.Logger) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	channel := cfg.Channel
	if channel == "" {
		channel = DefaultChannel
	}

	return &RedisBroker{
		client:  client,
		channel: channel,
		log:     logger,
	}, nil
}

func (r *RedisBroker) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	return r.client.Publish(ctx, r.channel, data).Err()
}

// Subscribe starts delivering envelopes to h. It returns once the
// subscription is confirmed by the server.
func (r *RedisBroker) Subscribe(ctx context.Context, h Handler) error {
	ps := r.client.Subscribe(ctx, r.channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return fmt.Errorf("failed to subscribe to %q: %w", r.channel, err)
	}

	r.mu.Lock()
	r.subs = append(r.subs, ps)
	r.mu.Unlock()

	r.wg.Add(1)
	go r.processMessages(ps, h)

	return nil
}

func (r *RedisBroker) processMessages(ps *redis.PubSub, h Handler) {
	defer r.wg.Done()

	for msg := range ps.Channel() {
		env, err := decodeEnvelope([]byte(msg.Payload))
		if err != nil {
			r.log.Printf("pubsub: dropping malformed envelope: %v", err)
			continue
		}
		h(env)
	}
}

func decodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	if env.Op == "" {
		return Envelope{}, fmt.Errorf("envelope without op")
	}
	return env, nil
}

// Close ends all subscriptions, waits for their delivery loops and closes
// the client.
func (r *RedisBroker) Close() error {
	r.mu.Lock()
	for _, ps := range r.subs {
		ps.Close()
	}
	r.subs = nil
	r.mu.Unlock()

	r.wg.Wait()
	return r.client.Close()
}
