package commands

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/buildmesh/internal/config"
)

func TestDirSizeSumsRegularFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), make([]byte, 10), 0o640))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b"), make([]byte, 20), 0o640))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o750))

	size, err := dirSize(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(30), size)
}

func TestDirSizeRejectsMissingDir(t *testing.T) {
	t.Parallel()

	_, err := dirSize(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestColorizeOccupancyThresholds(t *testing.T) {
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = false })

	cfg := &config.Config{}
	cfg.Quota.SoftLimit = "80B"
	cfg.Quota.HardLimit = "100B"
	cfg.Quota.TargetLimit = "70B"

	green := colorizeOccupancy(cfg, 10)
	yellow := colorizeOccupancy(cfg, 85)
	red := colorizeOccupancy(cfg, 100)

	assert.Contains(t, green, "10 B")
	assert.Contains(t, yellow, "85 B")
	assert.Contains(t, red, "100 B")
}
