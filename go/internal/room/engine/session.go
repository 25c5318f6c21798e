package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/planning-poker/go/internal/room/events"
	"github.com/mcdev12/planning-poker/go/internal/room/transport"
	"github.com/mcdev12/planning-poker/go/internal/roster"
)

// ErrSessionClosed is returned by intents submitted after the session ended.
var ErrSessionClosed = errors.New("session closed")

// Transport is the client side of the relay contract.
type Transport interface {
	Publisher
	Inbound() <-chan []byte
	Close() error
}

type intent struct {
	apply func(ctx context.Context, e *Engine) error
	leave bool
	done  chan error
}

// Session keeps one participant in one room: it owns the relay connection and
// the periodic re-announce, and runs every Engine call on a single goroutine.
type Session struct {
	engine    *Engine
	transport Transport
	clock     clockwork.Clock

	intents chan intent
	closed  chan struct{}
}

// NewSession builds a Session around a fresh Engine publishing to t.
func NewSession(userID, roomID string, t Transport, config Config, opts ...Option) *Session {
	s := &Session{
		transport: t,
		intents:   make(chan intent),
		closed:    make(chan struct{}),
	}
	s.engine = New(userID, roomID, t, config, opts...)
	s.clock = s.engine.clock
	return s
}

// Run joins the room and processes inbound envelopes, intents and the
// re-announce ticker until ctx is cancelled, Leave is called, or the relay
// connection drops. The ticker is stopped and the transport closed on every
// exit path, after a best-effort leave notice when the exit is voluntary.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.closed)
	defer s.transport.Close()

	e := s.engine
	e.Join(ctx)

	ticker := s.clock.NewTicker(e.config.AnnounceInterval)
	defer ticker.Stop()

	inbound := s.transport.Inbound()

	for {
		select {
		case <-ctx.Done():
			s.leave()
			return nil

		case payload, ok := <-inbound:
			if !ok {
				e.logger.Warn().Msg("relay connection lost")
				return fmt.Errorf("%w: relay connection lost", transport.ErrTransport)
			}
			s.handle(ctx, payload)

		case in := <-s.intents:
			if in.leave {
				s.leave()
				in.done <- nil
				return nil
			}
			in.done <- in.apply(ctx, e)

		case <-ticker.Chan():
			e.Announce(ctx)
			e.EvictStale()
		}
	}
}

func (s *Session) handle(ctx context.Context, payload []byte) {
	e := s.engine
	err := e.Handle(ctx, payload)
	switch {
	case err == nil:
	case errors.Is(err, events.ErrMalformedMessage):
		e.logger.Warn().Err(err).Int("bytes", len(payload)).Msg("discarding malformed envelope")
	case errors.Is(err, ErrUnknownRoom), errors.Is(err, ErrLoopback):
		e.logger.Debug().Err(err).Msg("discarding envelope")
	default:
		e.logger.Error().Err(err).Msg("failed to apply envelope")
	}
}

// leave sends the departure notice with its own deadline, since the session
// context is usually already cancelled at this point.
func (s *Session) leave() {
	ctx, cancel := context.WithTimeout(context.Background(), s.engine.config.LeaveTimeout)
	defer cancel()
	s.engine.Leave(ctx)
}

func (s *Session) submit(ctx context.Context, in intent) error {
	in.done = make(chan error, 1)
	select {
	case s.intents <- in:
	case <-s.closed:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-in.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) do(ctx context.Context, fn func(ctx context.Context, e *Engine) error) error {
	return s.submit(ctx, intent{apply: fn})
}

// SelectEstimate picks a card from the deck.
func (s *Session) SelectEstimate(ctx context.Context, estimate int) error {
	return s.do(ctx, func(ctx context.Context, e *Engine) error {
		return e.SelectEstimate(ctx, estimate)
	})
}

func (s *Session) Reveal(ctx context.Context) error {
	return s.do(ctx, func(ctx context.Context, e *Engine) error {
		e.Reveal(ctx)
		return nil
	})
}

func (s *Session) Reset(ctx context.Context) error {
	return s.do(ctx, func(ctx context.Context, e *Engine) error {
		e.Reset(ctx)
		return nil
	})
}

func (s *Session) ToggleSpectator(ctx context.Context) error {
	return s.do(ctx, func(ctx context.Context, e *Engine) error {
		e.ToggleSpectator(ctx)
		return nil
	})
}

func (s *Session) SetSpectator(ctx context.Context, isSpectator bool) error {
	return s.do(ctx, func(ctx context.Context, e *Engine) error {
		e.SetSpectator(ctx, isSpectator)
		return nil
	})
}

// Snapshot reads the current room view from the loop goroutine.
func (s *Session) Snapshot(ctx context.Context) (roster.Snapshot, error) {
	var snap roster.Snapshot
	err := s.do(ctx, func(_ context.Context, e *Engine) error {
		snap = e.Snapshot()
		return nil
	})
	return snap, err
}

// Leave sends the departure notice and ends Run.
func (s *Session) Leave(ctx context.Context) error {
	err := s.submit(ctx, intent{leave: true})
	if errors.Is(err, ErrSessionClosed) {
		log.Debug().Msg("leave requested after session ended")
		return nil
	}
	return err
}

// Done is closed once Run has returned.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

func (s *Session) UserID() string { return s.engine.userID }
func (s *Session) RoomID() string { return s.engine.roomID }
