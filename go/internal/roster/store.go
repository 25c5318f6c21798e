package roster

import (
	"time"

	"github.com/mcdev12/planning-poker/go/internal/models"
)

// Self is the local participant's own state. It is never stored in the roster.
type Self struct {
	Estimate    *int `json:"estimate"`
	IsHidden    bool `json:"is_hidden"`
	IsSpectator bool `json:"is_spectator"`
}

// Snapshot is a deep copy of a Store, safe to hand to other goroutines.
type Snapshot struct {
	Self         Self                 `json:"self"`
	Participants []models.Participant `json:"participants"`
}

// Store holds one observer's view of a room: its own state plus every other
// known participant in first-seen order. It performs no I/O and is not safe
// for concurrent use.
type Store struct {
	self    Self
	order   []string
	members map[string]*models.Participant
}

// NewStore returns a store in the room-entry state: no estimate, hidden, voter.
func NewStore() *Store {
	return &Store{
		self:    Self{IsHidden: true},
		members: make(map[string]*models.Participant),
	}
}

// UpsertParticipant inserts p or overwrites the existing row with the same ID.
// It reports whether a new row was created.
func (s *Store) UpsertParticipant(p models.Participant) bool {
	p = p.Clone()
	if existing, ok := s.members[p.ID]; ok {
		*existing = p
		return false
	}
	s.members[p.ID] = &p
	s.order = append(s.order, p.ID)
	return true
}

// RemoveParticipant deletes the row for id. Removing an unknown id is a no-op.
func (s *Store) RemoveParticipant(id string) bool {
	if _, ok := s.members[id]; !ok {
		return false
	}
	delete(s.members, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// Participant returns a copy of the row for id.
func (s *Store) Participant(id string) (models.Participant, bool) {
	p, ok := s.members[id]
	if !ok {
		return models.Participant{}, false
	}
	return p.Clone(), true
}

// Participants returns copies of all rows in first-seen order.
func (s *Store) Participants() []models.Participant {
	out := make([]models.Participant, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.members[id].Clone())
	}
	return out
}

// Len returns the number of roster rows.
func (s *Store) Len() int {
	return len(s.order)
}

func (s *Store) SetOwnEstimate(estimate *int) {
	if estimate == nil {
		s.self.Estimate = nil
		return
	}
	s.self.Estimate = models.EstimatePtr(*estimate)
}

func (s *Store) SetOwnSpectator(isSpectator bool) {
	s.self.IsSpectator = isSpectator
}

func (s *Store) SetHidden(isHidden bool) {
	s.self.IsHidden = isHidden
}

// ResetAll clears every estimate, own and roster, and hides the room again.
func (s *Store) ResetAll() {
	s.self.Estimate = nil
	s.self.IsHidden = true
	for _, p := range s.members {
		p.Estimate = nil
	}
}

// Self returns a copy of the local participant's state.
func (s *Store) Self() Self {
	self := s.self
	if self.Estimate != nil {
		self.Estimate = models.EstimatePtr(*self.Estimate)
	}
	return self
}

// AtLeastOneEstimate reports whether anyone in the room, including the local
// participant, currently has a vote.
func (s *Store) AtLeastOneEstimate() bool {
	if s.self.Estimate != nil {
		return true
	}
	for _, p := range s.members {
		if p.Estimate != nil {
			return true
		}
	}
	return false
}

// Stale returns the IDs, in first-seen order, of rows last seen before cutoff.
func (s *Store) Stale(cutoff time.Time) []string {
	var ids []string
	for _, id := range s.order {
		if s.members[id].LastSeen.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *Store) Snapshot() Snapshot {
	return Snapshot{
		Self:         s.Self(),
		Participants: s.Participants(),
	}
}
