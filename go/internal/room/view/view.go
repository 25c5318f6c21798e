// Package view turns a room snapshot into what a participant is allowed to
// see: a grid of cards masked until the room is revealed, plus the action
// gates the client enforces before submitting intents.
package view

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/mcdev12/planning-poker/go/internal/models"
	"github.com/mcdev12/planning-poker/go/internal/roster"
)

// Masked is shown in place of an estimate while the room is hidden.
const Masked = "X"

// Card is one visible slot in the vote grid.
type Card struct {
	ParticipantID string
	Self          bool
	Value         string
	HasEstimate   bool
}

// View is the presentation model for one participant.
type View struct {
	UserID      string
	RoomID      string
	Deck        models.Deck
	IsHidden    bool
	IsSpectator bool
	Estimate    *int
	Cards       []Card

	anyEstimate bool
}

// New builds the view of snap as seen by userID. The own card comes first
// unless the participant is spectating; spectators in the roster get no card.
func New(userID, roomID string, deck models.Deck, snap roster.Snapshot) View {
	v := View{
		UserID:      userID,
		RoomID:      roomID,
		Deck:        deck,
		IsHidden:    snap.Self.IsHidden,
		IsSpectator: snap.Self.IsSpectator,
		Estimate:    snap.Self.Estimate,
	}

	if snap.Self.Estimate != nil {
		v.anyEstimate = true
	}
	if !snap.Self.IsSpectator {
		v.Cards = append(v.Cards, card(userID, true, snap.Self.Estimate, snap.Self.IsHidden))
	}

	for _, p := range snap.Participants {
		if p.HasEstimate() {
			v.anyEstimate = true
		}
		if p.IsSpectator {
			continue
		}
		v.Cards = append(v.Cards, card(p.ID, false, p.Estimate, snap.Self.IsHidden))
	}

	return v
}

func card(id string, self bool, estimate *int, hidden bool) Card {
	c := Card{ParticipantID: id, Self: self, HasEstimate: estimate != nil}
	switch {
	case estimate == nil:
	case hidden:
		c.Value = Masked
	default:
		c.Value = strconv.Itoa(*estimate)
	}
	return c
}

// CanVote reports whether picking a card is allowed: only voters, and only
// while the round is still hidden.
func (v View) CanVote() bool {
	return v.IsHidden && !v.IsSpectator
}

// CanReveal reports whether the round can be revealed. At least one estimate
// must exist somewhere in the room.
func (v View) CanReveal() bool {
	return v.IsHidden && v.anyEstimate
}

func (v View) StatusLine() string {
	if v.Estimate == nil {
		return "You haven't estimated yet"
	}
	return fmt.Sprintf("Your current estimate is %d", *v.Estimate)
}

func (v View) RoleLine() string {
	if v.IsSpectator {
		return "You are not a voter"
	}
	return "You are a voter"
}

// Render writes a plain-text rendering of the view to w.
func (v View) Render(w io.Writer) error {
	var b strings.Builder

	fmt.Fprintf(&b, "Room %s\n", v.RoomID)

	deck := make([]string, 0, len(v.Deck))
	for _, value := range v.Deck {
		deck = append(deck, fmt.Sprintf("[%d]", value))
	}
	if v.CanVote() {
		fmt.Fprintf(&b, "Deck: %s\n", strings.Join(deck, " "))
	} else {
		fmt.Fprintf(&b, "Deck: %s (voting closed)\n", strings.Join(deck, " "))
	}

	if len(v.Cards) == 0 {
		b.WriteString("No voters yet\n")
	}
	for _, c := range v.Cards {
		name := c.ParticipantID
		if c.Self {
			name += " (you)"
		}
		fmt.Fprintf(&b, "  %-3s %s\n", c.Value, name)
	}

	state := "hidden"
	if !v.IsHidden {
		state = "revealed"
	}
	fmt.Fprintf(&b, "Estimates are %s\n", state)
	b.WriteString(v.RoleLine() + "\n")
	if !v.IsSpectator {
		b.WriteString(v.StatusLine() + "\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}
