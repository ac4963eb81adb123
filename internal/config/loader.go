package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// configName is the config file name without extension.
const configName = ".buildmesh"

// configType is the config file format.
const configType = "yaml"

// envPrefix is the environment variable prefix for buildmesh settings.
const envPrefix = "BUILDMESH"

// envKeySeparator is the nested key separator in environment variable names.
const envKeySeparator = "_"

// Default values applied when a config file and environment leave a
// field unset.
const (
	DefaultWorkerTotalProcessSlots     = 0 // 0 means derive from runtime.NumCPU()
	DefaultWorkerTotalCacheLookupSlots = 4
	DefaultWorkerTotalIPCSlots         = 4
	DefaultWorkerTotalRAM              = "0"
	DefaultWorkerTotalCommit           = "0"

	DefaultSchedulerProcessRetries = 3

	DefaultQuotaSoftLimit                  = "80GiB"
	DefaultQuotaHardLimit                  = "100GiB"
	DefaultQuotaTargetLimit                = "70GiB"
	DefaultQuotaDistributedEvictionEnabled = true

	DefaultCheckpointEnabled             = true
	DefaultCheckpointDir                 = ".buildmesh/checkpoints"
	DefaultCheckpointIntervalSeconds     = 300
	DefaultCheckpointIncremental         = true
	DefaultCheckpointFullEveryNIncrement = 10

	DefaultCopierMaxRetryCount                    = 8
	DefaultCopierMaxConcurrentCopyOperations       = 16
	DefaultCopierMaxConcurrentProactiveOperations  = 4
	DefaultCopierProactiveTimeoutSeconds           = 30
	DefaultCopierTrustedHashSizeBoundary     int64 = 64 << 20
	DefaultCopierBlobInlineBoundary          int64 = 4 << 10
)

// DefaultCopierRetryIntervalsSeconds is the backoff schedule applied
// between copy attempts before MaxRetryCount is reached.
var DefaultCopierRetryIntervalsSeconds = []int{1, 2, 5, 10, 30}

// LoadConfig loads configuration from file, env vars, and defaults.
// If configPath is non-empty, it is used as the explicit config file path.
// Otherwise, the config file is searched in CWD and $HOME.
// Missing config file is not an error; defaults are used.
func LoadConfig(configPath string) (*Config, error) {
	viperCfg := viper.New()

	applyDefaults(viperCfg)

	viperCfg.SetConfigType(configType)
	viperCfg.SetEnvPrefix(envPrefix)
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", envKeySeparator))
	viperCfg.AutomaticEnv()

	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName(configName)
		viperCfg.AddConfigPath(".")

		home, err := os.UserHomeDir()
		if err == nil {
			viperCfg.AddConfigPath(home)
		}
	}

	readErr := viperCfg.ReadInConfig()
	if readErr != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFound) {
			return nil, fmt.Errorf("read config: %w", readErr)
		}
	}

	var cfg Config

	unmarshalErr := viperCfg.Unmarshal(&cfg)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("unmarshal config: %w", unmarshalErr)
	}

	validateErr := cfg.Validate()
	if validateErr != nil {
		return nil, fmt.Errorf("validate config: %w", validateErr)
	}

	return &cfg, nil
}

func applyDefaults(viperCfg *viper.Viper) {
	viperCfg.SetDefault("worker.total_process_slots", DefaultWorkerTotalProcessSlots)
	viperCfg.SetDefault("worker.total_cache_lookup_slots", DefaultWorkerTotalCacheLookupSlots)
	viperCfg.SetDefault("worker.total_ipc_slots", DefaultWorkerTotalIPCSlots)
	viperCfg.SetDefault("worker.total_ram", DefaultWorkerTotalRAM)
	viperCfg.SetDefault("worker.total_commit", DefaultWorkerTotalCommit)

	viperCfg.SetDefault("scheduler.process_retries", DefaultSchedulerProcessRetries)

	viperCfg.SetDefault("quota.soft_limit", DefaultQuotaSoftLimit)
	viperCfg.SetDefault("quota.hard_limit", DefaultQuotaHardLimit)
	viperCfg.SetDefault("quota.target_limit", DefaultQuotaTargetLimit)
	viperCfg.SetDefault("quota.distributed_eviction_enabled", DefaultQuotaDistributedEvictionEnabled)

	viperCfg.SetDefault("checkpoint.enabled", DefaultCheckpointEnabled)
	viperCfg.SetDefault("checkpoint.dir", DefaultCheckpointDir)
	viperCfg.SetDefault("checkpoint.interval_seconds", DefaultCheckpointIntervalSeconds)
	viperCfg.SetDefault("checkpoint.incremental", DefaultCheckpointIncremental)
	viperCfg.SetDefault("checkpoint.full_every_n_increment", DefaultCheckpointFullEveryNIncrement)

	viperCfg.SetDefault("copier.retry_intervals_seconds", DefaultCopierRetryIntervalsSeconds)
	viperCfg.SetDefault("copier.max_retry_count", DefaultCopierMaxRetryCount)
	viperCfg.SetDefault("copier.max_concurrent_copy_operations", DefaultCopierMaxConcurrentCopyOperations)
	viperCfg.SetDefault("copier.max_concurrent_proactive_operations", DefaultCopierMaxConcurrentProactiveOperations)
	viperCfg.SetDefault("copier.proactive_timeout_seconds", DefaultCopierProactiveTimeoutSeconds)
	viperCfg.SetDefault("copier.trusted_hash_size_boundary", DefaultCopierTrustedHashSizeBoundary)
	viperCfg.SetDefault("copier.blob_inline_boundary", DefaultCopierBlobInlineBoundary)
}
