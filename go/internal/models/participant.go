package models

import "time"

// Participant is one row of a room roster as seen by a single observer.
type Participant struct {
	ID          string `json:"id"`
	RoomID      string `json:"room_id"`
	Estimate    *int   `json:"estimate"` // nil means no vote since the last reset
	IsSpectator bool   `json:"is_spectator"`

	// LastSeen is local receive time of the latest envelope from this participant.
	LastSeen time.Time `json:"-"`
}

// HasEstimate reports whether the participant has voted since the last reset.
func (p Participant) HasEstimate() bool {
	return p.Estimate != nil
}

// Clone returns a copy that shares no memory with p.
func (p Participant) Clone() Participant {
	c := p
	if p.Estimate != nil {
		v := *p.Estimate
		c.Estimate = &v
	}
	return c
}

// EstimatePtr returns a pointer to a copy of v.
func EstimatePtr(v int) *int {
	return &v
}
