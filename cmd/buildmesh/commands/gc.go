package commands

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/buildmesh/internal/quota"
	"github.com/Sumatoshi-tech/buildmesh/pkg/contenthash"
)

const gcArgCount = 1

const evictionTimeout = 2 * time.Minute

// fsRemover deletes content-addressed files from a local content
// directory, named by their hex-encoded ShortHash.
type fsRemover struct {
	dir string
}

func (r fsRemover) path(hash contenthash.ShortHash) string {
	return filepath.Join(r.dir, hash.String())
}

// Remove implements quota.Remover.
func (r fsRemover) Remove(_ context.Context, hash contenthash.ShortHash) (int64, error) {
	path := r.path(hash)

	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("gc: stat %s: %w", path, err)
	}

	if err := os.Remove(path); err != nil {
		return 0, fmt.Errorf("gc: remove %s: %w", path, err)
	}

	return info.Size(), nil
}

// NewGCCommand creates the gc subcommand, which evicts content from a
// local content directory until usage is at or below the configured
// target limit.
func NewGCCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "gc <content-dir>",
		Short: "Evict least-recently-used content down to the configured target limit",
		Args:  cobra.ExactArgs(gcArgCount),
		RunE: func(_ *cobra.Command, args []string) error {
			return runGC(*configPath, args[0])
		},
	}
}

func runGC(configPath, contentDir string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	targetBytes, err := cfg.QuotaTargetLimitBytes()
	if err != nil {
		return err
	}

	// The gc tool treats the configured target limit as its own hard
	// ceiling: its whole job is to bring usage at or below target, unlike
	// the live store's keeper, which only evicts reactively under real
	// allocation pressure against the soft/hard/target triple.
	rule := quota.MaxSizeRule{HardBytes: int64(targetBytes), SoftPercent: 100, TargetPercent: 100}
	remover := fsRemover{dir: contentDir}

	keeper := quota.New(quota.Config{Rules: []quota.Rule{rule}, Remover: remover}, nil)
	defer keeper.Stop()

	entries, err := os.ReadDir(contentDir)
	if err != nil {
		return fmt.Errorf("gc: read %s: %w", contentDir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		hash, ok := parseContentFileName(entry.Name())
		if !ok {
			continue
		}

		info, infoErr := entry.Info()
		if infoErr != nil {
			continue
		}

		keeper.Seed(hash, info.Size())
	}

	before := keeper.AllContentSize()
	if uint64(before) <= targetBytes {
		fmt.Printf("%s already within target limit (%s)\n", humanize.Bytes(uint64(before)), humanize.Bytes(targetBytes))

		return nil
	}

	deficit := before - int64(targetBytes)

	ctx, cancel := context.WithTimeout(context.Background(), evictionTimeout)
	defer cancel()

	tx, err := keeper.Reserve(ctx, deficit)
	if err != nil {
		return fmt.Errorf("gc: evict to target: %w", err)
	}

	if err := tx.Abort(); err != nil {
		return err
	}

	after := keeper.AllContentSize()
	fmt.Printf("freed %s (%s -> %s)\n", humanize.Bytes(uint64(before-after)), humanize.Bytes(uint64(before)), humanize.Bytes(uint64(after)))

	return nil
}

func parseContentFileName(name string) (contenthash.ShortHash, bool) {
	var hash contenthash.ShortHash

	if len(name) != contenthash.ShortSize*2 {
		return hash, false
	}

	decoded, err := hex.DecodeString(name)
	if err != nil {
		return hash, false
	}

	copy(hash[:], decoded)

	return hash, true
}
