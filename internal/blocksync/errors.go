package blocksync

import (
	"errors"
	"math"
)

var (
	// ErrProtocolViolation is the reason attached to penalties for malformed,
	// non-contiguous or otherwise unacceptable messages.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrRequestTimeout is the reason attached to penalties for requests left
	// unanswered past their deadline.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrImportRejected wraps the reason returned by the validation hook.
	ErrImportRejected = errors.New("block rejected by validation")

	// ErrGenesisMismatch is a protocol violation: the peer is on another
	// chain altogether.
	ErrGenesisMismatch = errors.New("genesis mismatch")
)

// Reputation adjustments. Against the default ban threshold of -500 a fresh
// peer is banned after two bad blocks or three protocol violations.
const (
	reputationBadBlock          int32 = -400
	reputationProtocolViolation int32 = -250
	reputationTimeout           int32 = -100
	reputationUselessBlocks     int32 = -50
	reputationUsefulResponse    int32 = 5

	// reputationFatal pins the score to the minimum, which is always below
	// the ban threshold.
	reputationFatal int32 = math.MinInt32
)
