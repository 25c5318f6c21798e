package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"
)

// Config holds configuration for the relay service
type Config struct {
	Hub HubConfig
	// NATS and Redis are mutually exclusive backplanes. Leave both URLs
	// empty to run a single instance.
	NATS      NATSConfig
	Redis     RedisConfig
	PublicURL string
	Version   string
}

// DefaultConfig returns default configuration for a single relay instance
func DefaultConfig() Config {
	nats := DefaultNATSConfig()
	nats.URL = ""
	redis := DefaultRedisConfig()
	redis.URL = ""

	return Config{
		Hub:   DefaultHubConfig(),
		NATS:  nats,
		Redis: redis,
	}
}

func (c Config) Validate() error {
	if c.NATS.URL != "" && c.Redis.URL != "" {
		return errors.New("only one backplane may be configured: set either a NATS or a Redis URL")
	}
	if c.Hub.MaxMessageSize <= 0 {
		return fmt.Errorf("invalid max message size: %d", c.Hub.MaxMessageSize)
	}
	if c.Hub.SendBuffer <= 0 {
		return fmt.Errorf("invalid send buffer: %d", c.Hub.SendBuffer)
	}
	return nil
}

// Service is the relay: a hub, its optional backplane and its HTTP routes
type Service struct {
	hub       *Hub
	handler   *Handler
	backplane Backplane
}

// NewService creates a relay service, connecting to the backplane if one is configured
func NewService(config Config) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	instanceID := uuid.NewString()
	metrics := NewCounters()
	opts := []HubOption{WithInstanceID(instanceID), WithMetrics(metrics)}

	var backplane Backplane
	switch {
	case config.NATS.URL != "":
		b, err := NewNATSBackplane(config.NATS, instanceID)
		if err != nil {
			return nil, fmt.Errorf("failed to create NATS backplane: %w", err)
		}
		backplane = b
		log.Info().Str("url", config.NATS.URL).Str("subject", config.NATS.Subject).Msg("using NATS backplane")
	case config.Redis.URL != "":
		b, err := NewRedisBackplane(config.Redis, instanceID)
		if err != nil {
			return nil, fmt.Errorf("failed to create Redis backplane: %w", err)
		}
		backplane = b
		log.Info().Str("channel", config.Redis.Channel).Msg("using Redis backplane")
	}
	if backplane != nil {
		opts = append(opts, WithBackplane(backplane))
	}

	hub := NewHub(config.Hub, opts...)

	return &Service{
		hub:       hub,
		handler:   NewHandler(hub, config.PublicURL, config.Version),
		backplane: backplane,
	}, nil
}

// Start runs the hub until ctx is cancelled, then releases the backplane
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting relay service")

	err := s.hub.Start(ctx)

	if stopErr := s.Stop(); stopErr != nil {
		log.Error().Err(stopErr).Msg("failed to stop relay service")
	}
	return err
}

func (s *Service) Stop() error {
	if s.backplane == nil {
		return nil
	}
	if err := s.backplane.Close(); err != nil {
		return fmt.Errorf("failed to close backplane: %w", err)
	}
	log.Info().Msg("relay backplane closed")
	return nil
}

func (s *Service) Routes() *httprouter.Router {
	return s.handler.Routes()
}

func (s *Service) Hub() *Hub { return s.hub }

func (s *Service) Stats() Stats {
	return s.hub.Stats()
}
