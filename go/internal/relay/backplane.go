package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Backplane carries relayed payloads between relay instances. It is plain
// fire-and-forget pub/sub: no history, no acknowledgements.
type Backplane interface {
	// Publish sends a locally received payload to the other instances.
	Publish(ctx context.Context, payload []byte) error
	// Subscribe calls deliver for every payload published by another
	// instance until ctx is done.
	Subscribe(ctx context.Context, deliver func(payload []byte)) error
	Close() error
}

const originHeader = "Poker-Relay-Origin"

// NATSConfig holds configuration for the NATS backplane
type NATSConfig struct {
	URL           string
	Subject       string
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultNATSConfig returns default NATS backplane configuration
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Subject:       "poker.relay",
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
	}
}

// NATSBackplane publishes on a core NATS subject. The sending instance is
// carried in a header so it can skip its own messages.
type NATSBackplane struct {
	nc      *nats.Conn
	subject string
	origin  string
}

func NewNATSBackplane(config NATSConfig, origin string) (*NATSBackplane, error) {
	opts := []nats.Option{
		nats.Name("poker-relay-" + origin),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	return &NATSBackplane{nc: nc, subject: config.Subject, origin: origin}, nil
}

func (b *NATSBackplane) Publish(_ context.Context, payload []byte) error {
	msg := nats.NewMsg(b.subject)
	msg.Header.Set(originHeader, b.origin)
	msg.Data = payload
	if err := b.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish to NATS: %w", err)
	}
	return nil
}

func (b *NATSBackplane) Subscribe(ctx context.Context, deliver func(payload []byte)) error {
	sub, err := b.nc.Subscribe(b.subject, func(m *nats.Msg) {
		if m.Header.Get(originHeader) == b.origin {
			return
		}
		deliver(m.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe to NATS: %w", err)
	}

	log.Info().Str("subject", b.subject).Msg("subscribed to NATS backplane")

	go func() {
		<-ctx.Done()
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			log.Warn().Err(err).Msg("failed to unsubscribe from NATS")
		}
	}()
	return nil
}

// Connected reports whether the NATS connection is currently up.
func (b *NATSBackplane) Connected() bool {
	return b.nc.IsConnected()
}

func (b *NATSBackplane) Close() error {
	b.nc.Close()
	return nil
}

// RedisConfig holds configuration for the Redis backplane
type RedisConfig struct {
	URL         string
	Channel     string
	DialTimeout time.Duration
}

// DefaultRedisConfig returns default Redis backplane configuration
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		URL:         "redis://localhost:6379/0",
		Channel:     "poker.relay",
		DialTimeout: 3 * time.Second,
	}
}

// redisFrame wraps a payload on the Redis channel. Payloads are opaque to the
// relay, so they travel as bytes rather than embedded JSON.
type redisFrame struct {
	Origin  string `json:"origin"`
	Payload []byte `json:"payload"`
}

func encodeFrame(origin string, payload []byte) ([]byte, error) {
	return json.Marshal(redisFrame{Origin: origin, Payload: payload})
}

// decodeFrame returns the payload of data and whether it came from another
// instance than origin.
func decodeFrame(origin string, data []byte) ([]byte, bool, error) {
	var frame redisFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, false, fmt.Errorf("decode backplane frame: %w", err)
	}
	if frame.Origin == origin {
		return nil, false, nil
	}
	return frame.Payload, true, nil
}

// RedisBackplane publishes on a Redis pub/sub channel.
type RedisBackplane struct {
	client      *redis.Client
	channel     string
	origin      string
	pingTimeout time.Duration
}

func NewRedisBackplane(config RedisConfig, origin string) (*RedisBackplane, error) {
	opt, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	c := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	return &RedisBackplane{
		client:      c,
		channel:     config.Channel,
		origin:      origin,
		pingTimeout: config.DialTimeout,
	}, nil
}

func (b *RedisBackplane) Publish(ctx context.Context, payload []byte) error {
	data, err := encodeFrame(b.origin, payload)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("redis: publish: %w", err)
	}
	return nil
}

func (b *RedisBackplane) Subscribe(ctx context.Context, deliver func(payload []byte)) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("redis: subscribe: %w", err)
	}

	log.Info().Str("channel", b.channel).Msg("subscribed to Redis backplane")

	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				payload, remote, err := decodeFrame(b.origin, []byte(msg.Payload))
				if err != nil {
					log.Warn().Err(err).Msg("discarding backplane frame")
					continue
				}
				if remote {
					deliver(payload)
				}
			}
		}
	}()
	return nil
}

// Connected pings Redis within the dial timeout.
func (b *RedisBackplane) Connected() bool {
	ctx, cancel := context.WithTimeout(context.Background(), b.pingTimeout)
	defer cancel()
	return b.client.Ping(ctx).Err() == nil
}

func (b *RedisBackplane) Close() error {
	return b.client.Close()
}
