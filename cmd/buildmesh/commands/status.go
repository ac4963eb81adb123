package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/buildmesh/internal/config"
)

const percent = 100

// NewStatusCommand creates the status subcommand, printing the configured
// quota limits, worker resource slots, and the most recently registered
// checkpoint. When contentDir is given, it also reports live quota
// occupancy for that directory, colored by how close usage is to the
// soft/hard limits.
func NewStatusCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status [content-dir]",
		Short: "Show worker/quota configuration, live occupancy, and the latest checkpoint",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			contentDir := ""
			if len(args) == 1 {
				contentDir = args[0]
			}

			return runStatus(*configPath, contentDir)
		},
	}
}

func runStatus(configPath, contentDir string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	store, err := openCentralStore(cfg)
	if err != nil {
		return err
	}

	tbl := table.NewWriter()
	tbl.SetOutputMirror(os.Stdout)
	tbl.SetStyle(table.StyleLight)
	tbl.AppendHeader(table.Row{"Field", "Value"})

	tbl.AppendRow(table.Row{"quota.soft_limit", cfg.Quota.SoftLimit})
	tbl.AppendRow(table.Row{"quota.hard_limit", cfg.Quota.HardLimit})
	tbl.AppendRow(table.Row{"quota.target_limit", cfg.Quota.TargetLimit})
	tbl.AppendRow(table.Row{"worker.total_process_slots", cfg.Worker.TotalProcessSlots})
	tbl.AppendRow(table.Row{"worker.total_ram", cfg.Worker.TotalRAM})
	tbl.AppendRow(table.Row{"checkpoint.dir", cfg.Checkpoint.Dir})

	checkpointID, storageID, sequencePoint, ok := store.Latest(context.Background())
	if ok {
		tbl.AppendRow(table.Row{"checkpoint.latest_id", checkpointID})
		tbl.AppendRow(table.Row{"checkpoint.latest_storage_id", storageID})
		tbl.AppendRow(table.Row{"checkpoint.latest_sequence", sequencePoint})
	} else {
		tbl.AppendRow(table.Row{"checkpoint.latest_id", "(none)"})
	}

	if contentDir != "" {
		occupied, occErr := dirSize(contentDir)
		if occErr != nil {
			return occErr
		}

		tbl.AppendRow(table.Row{"content.dir", contentDir})
		tbl.AppendRow(table.Row{"content.occupied", colorizeOccupancy(cfg, occupied)})
	}

	tbl.Render()

	fmt.Println()

	return nil
}

// dirSize sums the size of every regular file directly under dir, matching
// the flat content-file layout gc scans for eviction candidates.
func dirSize(dir string) (int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("status: read %s: %w", dir, err)
	}

	var total int64

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		info, infoErr := entry.Info()
		if infoErr != nil {
			continue
		}

		total += info.Size()
	}

	return total, nil
}

// colorizeOccupancy renders occupied bytes against the configured hard
// limit: green below the soft limit, yellow between soft and hard, red at
// or above the hard limit.
func colorizeOccupancy(cfg *config.Config, occupied int64) string {
	text := humanize.Bytes(uint64(occupied))

	hard, err := cfg.QuotaHardLimitBytes()
	if err != nil || hard == 0 {
		return text
	}

	soft, err := cfg.QuotaSoftLimitBytes()
	if err != nil {
		soft = hard
	}

	usedPercent := float64(occupied) / float64(hard) * percent
	label := fmt.Sprintf("%s (%.1f%% of hard limit)", text, usedPercent)

	switch {
	case uint64(occupied) >= hard:
		return color.RedString(label)
	case uint64(occupied) >= soft:
		return color.YellowString(label)
	default:
		return color.GreenString(label)
	}
}
