package commands

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tendermint/forksync/config"
	"github.com/tendermint/forksync/internal/simulation"
	"github.com/tendermint/forksync/libs/log"
)

// manifestFile is the simulation manifest written by init, relative to the
// home directory.
var manifestFile = filepath.Join("config", "simulation.toml")

// MakeInitCommand returns the command that writes the config file, with
// flags applied, and a sample simulation manifest.
func MakeInitCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the forksync home directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteConfigFile(conf.RootDir, conf); err != nil {
				return err
			}
			logger.Info("wrote config file", "path", config.ConfigFile(conf.RootDir))

			path := filepath.Join(conf.RootDir, manifestFile)
			if _, err := os.Stat(path); err == nil {
				logger.Info("found simulation manifest", "path", path)
				return nil
			}
			if err := simulation.DefaultManifest().Save(path); err != nil {
				return err
			}
			logger.Info("wrote simulation manifest", "path", path)
			return nil
		},
	}
	cmd.Flags().String("chain_id", conf.ChainID, "chain identifier mixed into the genesis header")
	cmd.Flags().String("moniker", conf.Moniker, "node name")
	return cmd
}
