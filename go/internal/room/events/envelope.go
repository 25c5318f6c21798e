package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/mcdev12/planning-poker/go/internal/roster"
)

// ErrMalformedMessage is returned when a relay payload is not a valid envelope.
var ErrMalformedMessage = errors.New("malformed message")

// Envelope is one message exchanged over the relay. Every envelope restates
// the sender's full state; Reset and PlayerLeft are one-shot instructions
// layered on top.
type Envelope struct {
	UserID string
	RoomID string

	// Estimate is nil when the sender has no vote. HasEstimate is false when
	// the estimate key was missing from a decoded payload entirely.
	Estimate    *int
	HasEstimate bool

	// IsHidden and IsSpectator are nil when absent from a decoded payload.
	IsHidden    *bool
	IsSpectator *bool

	Reset      bool
	PlayerLeft bool
}

// Reveals reports whether the envelope carries an explicit isHidden=false.
func (e Envelope) Reveals() bool {
	return e.IsHidden != nil && !*e.IsHidden
}

// wireEnvelope is the JSON shape written to the relay.
type wireEnvelope struct {
	UserID      string `json:"userId"`
	RoomID      string `json:"roomId"`
	Estimate    *int   `json:"estimate"`
	IsHidden    bool   `json:"isHidden"`
	IsSpectator bool   `json:"isSpectator"`
	Reset       bool   `json:"reset,omitempty"`
	PlayerLeft  bool   `json:"playerLeft,omitempty"`
}

// StateEnvelope restates self for the given sender and room.
func StateEnvelope(userID, roomID string, self roster.Self) Envelope {
	return Envelope{
		UserID:      userID,
		RoomID:      roomID,
		Estimate:    self.Estimate,
		HasEstimate: true,
		IsHidden:    &self.IsHidden,
		IsSpectator: &self.IsSpectator,
	}
}

// ResetEnvelope is a state envelope that also instructs receivers to clear
// every estimate room-wide.
func ResetEnvelope(userID, roomID string, self roster.Self) Envelope {
	env := StateEnvelope(userID, roomID, self)
	env.Reset = true
	return env
}

// LeftEnvelope announces that the sender is leaving the room.
func LeftEnvelope(userID, roomID string, self roster.Self) Envelope {
	env := StateEnvelope(userID, roomID, self)
	env.PlayerLeft = true
	return env
}

// Encode serializes env. Absent optional fields are written as their zero
// value so the payload is always a complete state restatement, except
// isHidden which defaults to true: an envelope never reveals by omission.
func Encode(env Envelope) ([]byte, error) {
	if env.UserID == "" || env.RoomID == "" {
		return nil, fmt.Errorf("encode envelope: userId and roomId are required")
	}

	wire := wireEnvelope{
		UserID:     env.UserID,
		RoomID:     env.RoomID,
		Estimate:   env.Estimate,
		IsHidden:   true,
		Reset:      env.Reset,
		PlayerLeft: env.PlayerLeft,
	}
	if env.IsHidden != nil {
		wire.IsHidden = *env.IsHidden
	}
	if env.IsSpectator != nil {
		wire.IsSpectator = *env.IsSpectator
	}

	data, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses a relay payload. Structural problems are reported as errors
// wrapping ErrMalformedMessage; a null estimate is valid and means no vote.
func Decode(payload []byte) (Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if fields == nil {
		return Envelope{}, fmt.Errorf("%w: payload is null", ErrMalformedMessage)
	}

	var env Envelope
	var err error

	if env.UserID, err = requiredString(fields, "userId"); err != nil {
		return Envelope{}, err
	}
	if env.RoomID, err = requiredString(fields, "roomId"); err != nil {
		return Envelope{}, err
	}

	if raw, ok := fields["estimate"]; ok {
		env.HasEstimate = true
		if env.Estimate, err = decodeEstimate(raw); err != nil {
			return Envelope{}, err
		}
	}

	if env.IsHidden, err = optionalBool(fields, "isHidden"); err != nil {
		return Envelope{}, err
	}
	if env.IsSpectator, err = optionalBool(fields, "isSpectator"); err != nil {
		return Envelope{}, err
	}

	reset, err := optionalBool(fields, "reset")
	if err != nil {
		return Envelope{}, err
	}
	env.Reset = reset != nil && *reset

	left, err := optionalBool(fields, "playerLeft")
	if err != nil {
		return Envelope{}, err
	}
	env.PlayerLeft = left != nil && *left

	return env, nil
}

func requiredString(fields map[string]json.RawMessage, key string) (string, error) {
	raw, ok := fields[key]
	if !ok {
		return "", fmt.Errorf("%w: missing %s", ErrMalformedMessage, key)
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil || isNull(raw) {
		return "", fmt.Errorf("%w: %s must be a string", ErrMalformedMessage, key)
	}
	if v == "" {
		return "", fmt.Errorf("%w: empty %s", ErrMalformedMessage, key)
	}
	return v, nil
}

// optionalBool treats a missing key and an explicit null alike.
func optionalBool(fields map[string]json.RawMessage, key string) (*bool, error) {
	raw, ok := fields[key]
	if !ok || isNull(raw) {
		return nil, nil
	}
	var v bool
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: %s must be a boolean", ErrMalformedMessage, key)
	}
	return &v, nil
}

func decodeEstimate(raw json.RawMessage) (*int, error) {
	if isNull(raw) {
		return nil, nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: estimate must be a number or null", ErrMalformedMessage)
	}
	if f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return nil, fmt.Errorf("%w: estimate %v is not a whole number", ErrMalformedMessage, f)
	}
	v := int(f)
	return &v, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
