// Package commands implements the buildmesh CLI subcommands.
package commands

import (
	"path/filepath"

	"github.com/Sumatoshi-tech/buildmesh/internal/centralstore"
	"github.com/Sumatoshi-tech/buildmesh/internal/config"
)

// loadConfig reads the buildmesh config from configPath (or the default
// search locations when empty).
func loadConfig(configPath string) (*config.Config, error) {
	return config.LoadConfig(configPath)
}

// openCentralStore opens the local-disk central store rooted under the
// configured checkpoint directory. A real deployment would instead point
// this at a shared/replicated store; DirStore is the single-node stand-in.
func openCentralStore(cfg *config.Config) (*centralstore.DirStore, error) {
	return centralstore.NewDirStore(filepath.Join(cfg.Checkpoint.Dir, "central"))
}
