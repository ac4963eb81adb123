package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/buildmesh/internal/config"
)

func validConfig() config.Config {
	return config.Config{
		Worker: config.WorkerConfig{
			TotalProcessSlots:     4,
			TotalCacheLookupSlots: 4,
			TotalIPCSlots:         4,
			TotalRAM:              "8GiB",
			TotalCommit:           "12GiB",
		},
		Scheduler: config.SchedulerConfig{
			ProcessRetries: 3,
			RetryExitCodes: []int{137},
		},
		Quota: config.QuotaConfig{
			SoftLimit:   "70GiB",
			HardLimit:   "100GiB",
			TargetLimit: "60GiB",
		},
		Checkpoint: config.CheckpointConfig{
			Enabled: true,
			Dir:     "/var/lib/buildmesh/checkpoints",
		},
		Copier: config.CopierConfig{
			MaxRetryCount: 8,
		},
	}
}

func TestValidateAcceptsValidConfig(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsNegativeProcessSlots(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Worker.TotalProcessSlots = -1

	assert.ErrorIs(t, cfg.Validate(), config.ErrInvalidProcessSlots)
}

func TestValidateRejectsCheckpointEnabledWithoutDir(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Checkpoint.Dir = ""

	assert.ErrorIs(t, cfg.Validate(), config.ErrInvalidCheckpointDir)
}

func TestValidateRejectsOutOfOrderQuotaLimits(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Quota.SoftLimit = "100GiB"
	cfg.Quota.HardLimit = "90GiB"

	assert.ErrorIs(t, cfg.Validate(), config.ErrQuotaLimitOrder)
}

func TestQuotaBytesParsesHumanReadableSizes(t *testing.T) {
	t.Parallel()

	cfg := validConfig()

	soft, err := cfg.QuotaSoftLimitBytes()
	require.NoError(t, err)
	assert.Equal(t, uint64(70*1<<30), soft)

	ram, err := cfg.WorkerTotalRAMBytes()
	require.NoError(t, err)
	assert.Equal(t, uint64(8*1<<30), ram)
}

func TestLoadConfigAppliesDefaultsWhenFileMissing(t *testing.T) {
	t.Parallel()

	t.Chdir(t.TempDir())

	cfg, err := config.LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, config.DefaultQuotaSoftLimit, cfg.Quota.SoftLimit)
	assert.Equal(t, config.DefaultCheckpointDir, cfg.Checkpoint.Dir)
	assert.Equal(t, config.DefaultCopierMaxRetryCount, cfg.Copier.MaxRetryCount)
}
