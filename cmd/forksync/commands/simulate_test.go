package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfg "github.com/tendermint/forksync/config"
	"github.com/tendermint/forksync/internal/simulation"
	"github.com/tendermint/forksync/libs/log"
)

func TestInitCommand(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	root := t.TempDir()
	conf := clearConfig(t, root)
	cmd := testRootCmd(conf, MakeInitCommand(conf, log.NewNopLogger()))

	args := []string{cmd.Use, "init", "--home", root, "--chain_id", "init-test"}
	require.NoError(t, RunWithArgs(ctx, cmd, args, nil))

	data, err := os.ReadFile(cfg.ConfigFile(root))
	require.NoError(t, err)
	assert.Contains(t, string(data), `chain_id = "init-test"`)

	manifest, err := simulation.LoadManifest(filepath.Join(root, manifestFile))
	require.NoError(t, err)
	assert.Equal(t, simulation.DefaultManifest(), manifest)

	// A second run keeps an edited manifest.
	edited := simulation.DefaultManifest()
	edited.ChainLength = 7
	require.NoError(t, edited.Save(filepath.Join(root, manifestFile)))

	viper.Reset()
	conf = cfg.DefaultConfig()
	cmd = testRootCmd(conf, MakeInitCommand(conf, log.NewNopLogger()))
	require.NoError(t, RunWithArgs(ctx, cmd, args, nil))

	manifest, err = simulation.LoadManifest(filepath.Join(root, manifestFile))
	require.NoError(t, err)
	assert.Equal(t, 7, manifest.ChainLength)
}

func TestSimulateCommand(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	root := t.TempDir()
	manifestPath := filepath.Join(root, "scenario.toml")
	require.NoError(t, simulation.Manifest{
		ChainLength: 20,
		Timeout:     "30s",
		Peers: map[string]*simulation.ManifestPeer{
			"honest01": {Behaviour: "honest"},
			"honest02": {Behaviour: "honest"},
		},
	}.Save(manifestPath))

	viper.Reset()
	conf := cfg.TestConfig()
	conf.SetRoot(root)
	var out bytes.Buffer
	cmd := testRootCmd(conf, MakeSimulateCommand(conf, log.NewNopLogger()))
	cmd.SetOut(&out)

	args := []string{cmd.Use, "simulate", "--home", root, "--manifest", manifestPath}
	require.NoError(t, RunWithArgs(ctx, cmd, args, nil))

	data, err := os.ReadFile(filepath.Join(conf.DBDir(), reportFileName))
	require.NoError(t, err)
	var report simulation.Report
	require.NoError(t, json.Unmarshal(data, &report))
	assert.True(t, report.Completed)
	assert.EqualValues(t, 20, report.Height)
	require.Len(t, report.Peers, 2)

	assert.True(t, strings.HasPrefix(out.String(), "completed: true"), out.String())
	assert.Contains(t, out.String(), "honest01")
}

func TestSimulateCommandMissingManifest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	root := t.TempDir()
	conf := clearConfig(t, root)
	cmd := testRootCmd(conf, MakeSimulateCommand(conf, log.NewNopLogger()))

	args := []string{cmd.Use, "simulate", "--home", root, "--manifest", filepath.Join(root, "absent.toml")}
	assert.Error(t, RunWithArgs(ctx, cmd, args, nil))
}
