package simulation

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/BurntSushi/toml"
)

// Manifest represents a TOML simulation manifest.
type Manifest struct {
	// Seed drives the random choice of peer behaviours. Defaults to 0.
	Seed int64 `toml:"seed"`

	// ChainLength is the height of the canonical chain served by the honest
	// peers. The syncing node starts from genesis.
	ChainLength int `toml:"chain_length"`

	// ForkHeight is the height at which the chain of bad-block peers leaves
	// the canonical chain. The block at this height is rejected by the
	// syncing node. Defaults to half the chain length.
	ForkHeight int `toml:"fork_height"`

	// Timeout bounds the whole run, e.g. "30s". Defaults to one minute.
	Timeout string `toml:"timeout"`

	// Peers lists explicitly configured peers by name:
	//
	// [peer.honest01]
	// behaviour = "honest"
	Peers map[string]*ManifestPeer `toml:"peer"`

	// RandomPeers is the number of additional peers whose behaviour is drawn
	// from Weights.
	RandomPeers int `toml:"random_peers"`

	// Weights maps behaviours to their relative probability for random
	// peers:
	//
	// weights = { honest = 60, stalling = 20, gap = 10, badblock = 10 }
	Weights map[string]uint `toml:"weights"`
}

// ManifestPeer represents a peer in a simulation manifest.
type ManifestPeer struct {
	// Behaviour is one of "honest", "stalling", "gap" or "badblock".
	Behaviour string `toml:"behaviour"`
}

// DefaultManifest returns a small mixed scenario.
func DefaultManifest() Manifest {
	return Manifest{
		Seed:        1,
		ChainLength: 500,
		Timeout:     "2m",
		RandomPeers: 8,
		Weights: map[string]uint{
			string(BehaviourHonest):   60,
			string(BehaviourStalling): 15,
			string(BehaviourGap):      15,
			string(BehaviourBadBlock): 10,
		},
	}
}

// Validate checks the manifest.
func (m Manifest) Validate() error {
	if m.ChainLength <= 0 {
		return errors.New("chain_length must be positive")
	}
	if m.ForkHeight < 0 || m.ForkHeight > m.ChainLength {
		return fmt.Errorf("fork_height must be in [0, %d]", m.ChainLength)
	}
	if _, err := m.timeout(); err != nil {
		return err
	}
	if m.RandomPeers < 0 {
		return errors.New("random_peers can't be negative")
	}
	if len(m.Peers)+m.RandomPeers == 0 {
		return errors.New("no peers given")
	}
	for name, p := range m.Peers {
		if p == nil {
			return fmt.Errorf("peer %q: empty definition", name)
		}
		if _, err := ParseBehaviour(p.Behaviour); err != nil {
			return fmt.Errorf("peer %q: %w", name, err)
		}
	}
	if m.RandomPeers > 0 {
		if len(m.Weights) == 0 {
			return errors.New("random_peers requires weights")
		}
		for name := range m.Weights {
			if _, err := ParseBehaviour(name); err != nil {
				return fmt.Errorf("weights: %w", err)
			}
		}
	}
	return nil
}

func (m Manifest) timeout() (time.Duration, error) {
	if m.Timeout == "" {
		return time.Minute, nil
	}
	d, err := time.ParseDuration(m.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q: %w", m.Timeout, err)
	}
	if d <= 0 {
		return 0, errors.New("timeout must be positive")
	}
	return d, nil
}

func (m Manifest) forkHeight() int64 {
	if m.ForkHeight == 0 {
		return int64(m.ChainLength+1) / 2
	}
	return int64(m.ForkHeight)
}

// peerNames returns the explicitly configured peers, sorted.
func (m Manifest) peerNames() []string {
	names := make([]string, 0, len(m.Peers))
	for name := range m.Peers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Save saves the manifest to a file.
func (m Manifest) Save(file string) error {
	f, err := os.Create(file)
	if err != nil {
		return fmt.Errorf("failed to create manifest file %q: %w", file, err)
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(m)
}

// LoadManifest loads a simulation manifest from a file.
func LoadManifest(file string) (Manifest, error) {
	manifest := Manifest{}
	md, err := toml.DecodeFile(file, &manifest)
	if err != nil {
		return manifest, fmt.Errorf("failed to load simulation manifest %q: %w", file, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return manifest, fmt.Errorf("unknown keys in simulation manifest %q: %v", file, undecoded)
	}
	return manifest, nil
}
