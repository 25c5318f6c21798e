package models

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Deck is the fixed, ordered set of estimates a participant may pick from.
type Deck []int

// DefaultDeck returns the standard card set.
func DefaultDeck() Deck {
	return Deck{1, 2, 3, 5, 8}
}

// Contains reports whether v is one of the deck's cards.
func (d Deck) Contains(v int) bool {
	return slices.Contains(d, v)
}

// Validate checks that the deck is non-empty, positive and strictly ascending.
func (d Deck) Validate() error {
	if len(d) == 0 {
		return fmt.Errorf("deck must contain at least one card")
	}
	for i, v := range d {
		if v <= 0 {
			return fmt.Errorf("deck card %d must be positive, got %d", i, v)
		}
		if i > 0 && d[i-1] >= v {
			return fmt.Errorf("deck must be strictly ascending, got %d after %d", v, d[i-1])
		}
	}
	return nil
}

func (d Deck) String() string {
	parts := make([]string, len(d))
	for i, v := range d {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, " ")
}
