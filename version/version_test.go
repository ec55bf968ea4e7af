package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGet(t *testing.T) {
	info := Get()
	assert.True(t, strings.HasPrefix(info.Version, FSCoreSemVer), info.Version)
	assert.Equal(t, SyncProtocol.Uint64(), info.SyncProtocol)
	assert.Equal(t, BlockProtocol.Uint64(), info.BlockProtocol)
}
