package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/buildmesh/internal/checkpoint"
)

const checkpointArgCount = 1

var incrementalFlag bool

// NewCheckpointCommand creates the checkpoint parent command and its
// save/restore subcommands.
func NewCheckpointCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Save or restore a checkpoint against the configured central store",
	}

	cmd.AddCommand(newCheckpointSaveCommand(configPath))
	cmd.AddCommand(newCheckpointRestoreCommand(configPath))

	return cmd
}

func newCheckpointSaveCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "save <source-dir>",
		Short: "Upload a full or incremental checkpoint of source-dir",
		Args:  cobra.ExactArgs(checkpointArgCount),
		RunE: func(_ *cobra.Command, args []string) error {
			return runCheckpointSave(*configPath, args[0], incrementalFlag)
		},
	}

	cmd.Flags().BoolVar(&incrementalFlag, "incremental", true, "save an incremental checkpoint instead of a full zip")

	return cmd
}

func newCheckpointRestoreCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore <dest-dir>",
		Short: "Download the most recent checkpoint into dest-dir",
		Args:  cobra.ExactArgs(checkpointArgCount),
		RunE: func(_ *cobra.Command, args []string) error {
			return runCheckpointRestore(*configPath, args[0], incrementalFlag)
		},
	}

	cmd.Flags().BoolVar(&incrementalFlag, "incremental", true, "restore the most recent incremental checkpoint instead of a full zip")

	return cmd
}

func runCheckpointSave(configPath, sourceDir string, incremental bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	store, err := openCentralStore(cfg)
	if err != nil {
		return err
	}

	manager := checkpoint.New(store, store, nil, nil)
	ctx := context.Background()

	if !incremental {
		id, saveErr := manager.SaveFull(ctx, sourceDir)
		if saveErr != nil {
			return saveErr
		}

		fmt.Printf("saved full checkpoint %s\n", id)

		return nil
	}

	previous, loadErr := manager.LoadLocalManifest(sourceDir)
	if loadErr != nil {
		previous = checkpoint.Manifest{}
	}

	manifest, saveErr := manager.SaveIncremental(ctx, sourceDir, previous)
	if saveErr != nil {
		return saveErr
	}

	if mirrorErr := manager.SaveLocalManifest(sourceDir, manifest); mirrorErr != nil {
		return mirrorErr
	}

	fmt.Printf("saved incremental checkpoint with %d files\n", len(manifest.Entries))

	return nil
}

func runCheckpointRestore(configPath, destDir string, incremental bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	store, err := openCentralStore(cfg)
	if err != nil {
		return err
	}

	manager := checkpoint.New(store, store, nil, nil)
	ctx := context.Background()

	if !incremental {
		if restoreErr := manager.RestoreFull(ctx, destDir); restoreErr != nil {
			return restoreErr
		}

		fmt.Printf("restored full checkpoint into %s\n", destDir)

		return nil
	}

	manifest, restoreErr := manager.RestoreIncremental(ctx, destDir)
	if restoreErr != nil {
		return restoreErr
	}

	fmt.Printf("restored incremental checkpoint with %d files into %s\n", len(manifest.Entries), destDir)

	return nil
}
