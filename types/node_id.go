package types

import (
	"errors"
	"fmt"
	"regexp"
)

// NodeID is an opaque, unique identifier of a connected peer, assigned by the
// transport when the handshake completes.
type NodeID string

var reNodeID = regexp.MustCompile(`^[0-9A-Za-z._\-]{1,128}$`)

// Validate validates the NodeID.
func (id NodeID) Validate() error {
	switch {
	case len(id) == 0:
		return errors.New("empty node ID")
	case !reNodeID.MatchString(string(id)):
		return fmt.Errorf("invalid node ID %q", string(id))
	}
	return nil
}

func (id NodeID) String() string { return string(id) }
