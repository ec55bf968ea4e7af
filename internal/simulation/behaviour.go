package simulation

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/mroth/weightedrand"
)

// Behaviour describes how a simulated peer answers block requests.
type Behaviour string

const (
	// BehaviourHonest peers run a full sync reactor on the canonical chain.
	BehaviourHonest Behaviour = "honest"
	// BehaviourStalling peers advertise the canonical chain but never answer
	// block requests.
	BehaviourStalling Behaviour = "stalling"
	// BehaviourGap peers leave a block out of every response longer than
	// two blocks.
	BehaviourGap Behaviour = "gap"
	// BehaviourBadBlock peers serve a longer chain that forks off with a
	// block the syncing node rejects.
	BehaviourBadBlock Behaviour = "badblock"
)

var behaviours = []Behaviour{BehaviourHonest, BehaviourStalling, BehaviourGap, BehaviourBadBlock}

// ParseBehaviour parses a behaviour name.
func ParseBehaviour(s string) (Behaviour, error) {
	for _, b := range behaviours {
		if string(b) == s {
			return b, nil
		}
	}
	return "", fmt.Errorf("unknown behaviour %q", s)
}

// behaviourChooser draws random peer behaviours according to weights.
type behaviourChooser struct {
	chooser *weightedrand.Chooser
	rng     *rand.Rand
}

func newBehaviourChooser(weights map[string]uint, seed int64) (*behaviourChooser, error) {
	names := make([]string, 0, len(weights))
	for name := range weights {
		names = append(names, name)
	}
	// Map order is random; the seed alone must determine the draws.
	sort.Strings(names)

	choices := make([]weightedrand.Choice, 0, len(names))
	for _, name := range names {
		b, err := ParseBehaviour(name)
		if err != nil {
			return nil, err
		}
		choices = append(choices, weightedrand.NewChoice(b, weights[name]))
	}
	chooser, err := weightedrand.NewChooser(choices...)
	if err != nil {
		return nil, fmt.Errorf("invalid behaviour weights: %w", err)
	}
	return &behaviourChooser{
		chooser: chooser,
		rng:     rand.New(rand.NewSource(seed)), // nolint:gosec
	}, nil
}

func (c *behaviourChooser) Choose() Behaviour {
	return c.chooser.PickSource(c.rng).(Behaviour)
}
