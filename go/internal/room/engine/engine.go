package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/planning-poker/go/internal/models"
	"github.com/mcdev12/planning-poker/go/internal/room/events"
	"github.com/mcdev12/planning-poker/go/internal/roster"
)

var (
	// ErrUnknownRoom marks an envelope addressed to another room. Expected
	// whenever several rooms share a relay.
	ErrUnknownRoom = errors.New("envelope for another room")
	// ErrLoopback marks an envelope sent by the local participant.
	ErrLoopback = errors.New("envelope from self")
	// ErrInvalidEstimate is returned when a picked value is not in the deck.
	ErrInvalidEstimate = errors.New("estimate not in deck")
)

// Publisher sends one payload to the relay. Implementations must not block.
type Publisher interface {
	Publish(ctx context.Context, payload []byte) error
}

// Config holds protocol settings for an Engine
type Config struct {
	Deck             models.Deck
	AnnounceInterval time.Duration
	// StaleAfter evicts participants not heard from for this long. Zero disables eviction.
	StaleAfter   time.Duration
	LeaveTimeout time.Duration
}

// DefaultConfig returns default protocol settings
func DefaultConfig() Config {
	return Config{
		Deck:             models.DefaultDeck(),
		AnnounceInterval: 30 * time.Second,
		StaleAfter:       90 * time.Second,
		LeaveTimeout:     2 * time.Second,
	}
}

// Engine is one participant's replica of a room. It applies inbound
// envelopes and local intents to its Store and decides what to broadcast.
// An Engine is not safe for concurrent use; Session serializes access.
type Engine struct {
	userID string
	roomID string
	config Config

	store     *roster.Store
	publisher Publisher
	clock     clockwork.Clock
	logger    zerolog.Logger

	onChange func(roster.Snapshot)
	sendErrs uint64
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock replaces the real clock, for tests.
func WithClock(clock clockwork.Clock) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

// WithObserver registers fn to receive a snapshot after every state change.
func WithObserver(fn func(roster.Snapshot)) Option {
	return func(e *Engine) {
		e.onChange = fn
	}
}

// New creates an Engine for userID in roomID.
func New(userID, roomID string, publisher Publisher, config Config, opts ...Option) *Engine {
	defaults := DefaultConfig()
	if len(config.Deck) == 0 {
		config.Deck = defaults.Deck
	}
	if config.AnnounceInterval <= 0 {
		config.AnnounceInterval = defaults.AnnounceInterval
	}
	if config.LeaveTimeout <= 0 {
		config.LeaveTimeout = defaults.LeaveTimeout
	}
	// A peer announcing on schedule must never look stale.
	if config.StaleAfter > 0 && config.StaleAfter <= config.AnnounceInterval {
		floor := 3 * config.AnnounceInterval
		log.Warn().
			Dur("stale_after", config.StaleAfter).
			Dur("announce_interval", config.AnnounceInterval).
			Dur("using", floor).
			Msg("stale_after does not exceed the announce interval")
		config.StaleAfter = floor
	}

	e := &Engine{
		userID:    userID,
		roomID:    roomID,
		config:    config,
		store:     roster.NewStore(),
		publisher: publisher,
		clock:     clockwork.NewRealClock(),
		logger: log.With().
			Str("room_id", roomID).
			Str("user_id", userID).
			Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) UserID() string { return e.userID }
func (e *Engine) RoomID() string { return e.roomID }
func (e *Engine) Config() Config { return e.config }

// Snapshot returns a detached copy of the current room view.
func (e *Engine) Snapshot() roster.Snapshot {
	return e.store.Snapshot()
}

// SendErrors returns how many outbound envelopes failed to publish.
func (e *Engine) SendErrors() uint64 {
	return e.sendErrs
}

// Handle decodes and applies one relay payload. Payloads that are malformed,
// addressed to another room, or sent by this participant leave state untouched
// and are reported through the returned error.
func (e *Engine) Handle(ctx context.Context, payload []byte) error {
	env, err := events.Decode(payload)
	if err != nil {
		return err
	}
	return e.Apply(ctx, env)
}

// Apply runs one decoded envelope through the protocol state machine.
func (e *Engine) Apply(ctx context.Context, env events.Envelope) error {
	if env.RoomID != e.roomID {
		return fmt.Errorf("%w: %s", ErrUnknownRoom, env.RoomID)
	}
	if env.UserID == e.userID {
		return ErrLoopback
	}

	// Reset is a room-wide instruction and runs before any per-sender update.
	if env.Reset {
		e.store.ResetAll()
		e.logger.Info().Str("from", env.UserID).Msg("room reset")
	}

	if env.PlayerLeft {
		if e.store.RemoveParticipant(env.UserID) {
			e.logger.Info().Str("participant", env.UserID).Msg("participant left")
		}
		e.changed()
		return nil
	}

	participant, known := e.store.Participant(env.UserID)
	if !known {
		participant = models.Participant{ID: env.UserID, RoomID: env.RoomID}
	}
	if env.HasEstimate {
		participant.Estimate = env.Estimate
	}
	if env.IsSpectator != nil {
		participant.IsSpectator = *env.IsSpectator
	}
	participant.LastSeen = e.clock.Now()
	created := e.store.UpsertParticipant(participant)

	// Reveal is monotonic: only a reset hides the room again.
	if env.Reveals() && !env.Reset {
		e.store.SetHidden(false)
	}

	e.changed()

	if created {
		e.logger.Info().
			Str("participant", env.UserID).
			Int("roster_size", e.store.Len()).
			Msg("participant joined")
		// The relay keeps no membership, so a newcomer only learns about us
		// if we restate ourselves when we first see it.
		e.broadcast(ctx, events.StateEnvelope(e.userID, e.roomID, e.store.Self()))
	}

	return nil
}

// Join announces the local participant's current state on entering the room.
func (e *Engine) Join(ctx context.Context) {
	e.logger.Info().Msg("joining room")
	e.broadcast(ctx, events.StateEnvelope(e.userID, e.roomID, e.store.Self()))
	e.changed()
}

// SelectEstimate records the local vote and broadcasts it.
func (e *Engine) SelectEstimate(ctx context.Context, estimate int) error {
	if !e.config.Deck.Contains(estimate) {
		return fmt.Errorf("%w: %d (deck: %s)", ErrInvalidEstimate, estimate, e.config.Deck)
	}
	e.store.SetOwnEstimate(&estimate)
	e.changed()
	e.broadcast(ctx, events.StateEnvelope(e.userID, e.roomID, e.store.Self()))
	return nil
}

// Reveal unmasks the room locally and tells everyone else to do the same.
func (e *Engine) Reveal(ctx context.Context) {
	e.store.SetHidden(false)
	e.changed()
	e.broadcast(ctx, events.StateEnvelope(e.userID, e.roomID, e.store.Self()))
}

// Reset clears every estimate, hides the room, and instructs others to follow.
func (e *Engine) Reset(ctx context.Context) {
	e.store.ResetAll()
	e.changed()
	e.broadcast(ctx, events.ResetEnvelope(e.userID, e.roomID, e.store.Self()))
}

// SetSpectator switches the local role and broadcasts it.
func (e *Engine) SetSpectator(ctx context.Context, isSpectator bool) {
	e.store.SetOwnSpectator(isSpectator)
	e.changed()
	e.broadcast(ctx, events.StateEnvelope(e.userID, e.roomID, e.store.Self()))
}

// ToggleSpectator flips the local role.
func (e *Engine) ToggleSpectator(ctx context.Context) {
	e.SetSpectator(ctx, !e.store.Self().IsSpectator)
}

// Announce restates the local state unconditionally. Called periodically so
// participants that missed a handshake still discover us.
func (e *Engine) Announce(ctx context.Context) {
	e.broadcast(ctx, events.StateEnvelope(e.userID, e.roomID, e.store.Self()))
}

// Leave broadcasts the departure notice. Delivery is best-effort.
func (e *Engine) Leave(ctx context.Context) {
	e.logger.Info().Msg("leaving room")
	e.broadcast(ctx, events.LeftEnvelope(e.userID, e.roomID, e.store.Self()))
}

// EvictStale removes participants that have not sent anything for longer than
// StaleAfter. It returns the evicted IDs.
func (e *Engine) EvictStale() []string {
	if e.config.StaleAfter <= 0 {
		return nil
	}

	cutoff := e.clock.Now().Add(-e.config.StaleAfter)
	ids := e.store.Stale(cutoff)
	for _, id := range ids {
		e.store.RemoveParticipant(id)
		e.logger.Info().
			Str("participant", id).
			Dur("stale_after", e.config.StaleAfter).
			Msg("evicted silent participant")
	}
	if len(ids) > 0 {
		e.changed()
	}
	return ids
}

// broadcast is fire-and-forget: failures are logged and counted, never
// retried, and never roll back local state.
func (e *Engine) broadcast(ctx context.Context, env events.Envelope) {
	payload, err := events.Encode(env)
	if err != nil {
		e.sendErrs++
		e.logger.Error().Err(err).Msg("failed to encode envelope")
		return
	}
	if err := e.publisher.Publish(ctx, payload); err != nil {
		e.sendErrs++
		e.logger.Warn().
			Err(err).
			Bool("reset", env.Reset).
			Bool("player_left", env.PlayerLeft).
			Msg("failed to publish envelope")
		return
	}
	e.logger.Debug().RawJSON("envelope", payload).Msg("envelope published")
}

func (e *Engine) changed() {
	if e.onChange != nil {
		e.onChange(e.store.Snapshot())
	}
}
