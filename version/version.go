package version

var (
	// GitCommit is the current HEAD set using ldflags.
	GitCommit string

	// Version is the built softwares version.
	Version = FSCoreSemVer
)

func init() {
	if GitCommit != "" {
		Version += "-" + GitCommit
	}
}

const (
	// FSCoreSemVer is the current version of forksync.
	// It's the Semantic Version of the software.
	FSCoreSemVer = "0.1.0"
)

// Protocol is used for implementation agnostic versioning.
type Protocol uint64

// Uint64 returns the Protocol version as a uint64.
func (p Protocol) Uint64() uint64 {
	return uint64(p)
}

var (
	// SyncProtocol versions the block sync messages exchanged by peers.
	SyncProtocol Protocol = 1

	// BlockProtocol versions the header and body encodings, and thereby
	// the block hashes.
	BlockProtocol Protocol = 1
)

// Info describes a build of the software.
type Info struct {
	Version       string `json:"version"`
	GitCommit     string `json:"git_commit,omitempty"`
	SyncProtocol  uint64 `json:"sync_protocol"`
	BlockProtocol uint64 `json:"block_protocol"`
}

// Get returns the version information of the running binary.
func Get() Info {
	return Info{
		Version:       Version,
		GitCommit:     GitCommit,
		SyncProtocol:  SyncProtocol.Uint64(),
		BlockProtocol: BlockProtocol.Uint64(),
	}
}
