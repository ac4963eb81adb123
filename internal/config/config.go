// Package config loads buildmesh's runtime configuration: worker
// capacity, scheduler retry policy, quota rules, checkpoint scheduling
// and the distributed copier's retry/concurrency knobs.
package config

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
)

// Config is the top-level configuration struct for buildmesh.
// Field tags use mapstructure for viper unmarshalling.
type Config struct {
	Worker     WorkerConfig     `mapstructure:"worker"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Quota      QuotaConfig      `mapstructure:"quota"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Copier     CopierConfig     `mapstructure:"copier"`
}

// WorkerConfig holds the local worker's advertised capacity.
type WorkerConfig struct {
	TotalProcessSlots     int    `mapstructure:"total_process_slots"`
	TotalCacheLookupSlots int    `mapstructure:"total_cache_lookup_slots"`
	TotalIPCSlots         int    `mapstructure:"total_ipc_slots"`
	TotalRAM              string `mapstructure:"total_ram"`
	TotalCommit           string `mapstructure:"total_commit"`
	CPUCount              int    `mapstructure:"cpu_count"`
}

// SchedulerConfig holds pip-execution retry policy.
type SchedulerConfig struct {
	ProcessRetries int   `mapstructure:"process_retries"`
	RetryExitCodes []int `mapstructure:"retry_exit_codes"`
}

// QuotaConfig holds the Local Content Store's quota rules.
type QuotaConfig struct {
	SoftLimit                  string `mapstructure:"soft_limit"`
	HardLimit                  string `mapstructure:"hard_limit"`
	TargetLimit                string `mapstructure:"target_limit"`
	DistributedEvictionEnabled bool   `mapstructure:"distributed_eviction_enabled"`
}

// CheckpointConfig holds checkpoint scheduling settings.
type CheckpointConfig struct {
	Enabled             bool   `mapstructure:"enabled"`
	Dir                 string `mapstructure:"dir"`
	IntervalSeconds     int    `mapstructure:"interval_seconds"`
	Incremental         bool   `mapstructure:"incremental"`
	FullEveryNIncrement int    `mapstructure:"full_every_n_increment"`
}

// CopierConfig holds the Distributed Content Copier's retry/concurrency
// knobs.
type CopierConfig struct {
	RetryIntervalsSeconds            []int `mapstructure:"retry_intervals_seconds"`
	MaxRetryCount                    int   `mapstructure:"max_retry_count"`
	MaxConcurrentCopyOperations      int   `mapstructure:"max_concurrent_copy_operations"`
	MaxConcurrentProactiveOperations int   `mapstructure:"max_concurrent_proactive_operations"`
	ProactiveTimeoutSeconds          int   `mapstructure:"proactive_timeout_seconds"`
	TrustedHashSizeBoundary          int64 `mapstructure:"trusted_hash_size_boundary"`
	BlobInlineBoundary               int64 `mapstructure:"blob_inline_boundary"`
}

// Sentinel errors for configuration validation.
var (
	ErrInvalidProcessSlots    = errors.New("worker.total_process_slots must be non-negative")
	ErrInvalidCacheLookupSlot = errors.New("worker.total_cache_lookup_slots must be non-negative")
	ErrInvalidIPCSlots        = errors.New("worker.total_ipc_slots must be non-negative")
	ErrInvalidProcessRetries  = errors.New("scheduler.process_retries must be non-negative")
	ErrInvalidCheckpointDir   = errors.New("checkpoint.dir must be set when checkpoint.enabled is true")
	ErrInvalidMaxRetryCount   = errors.New("copier.max_retry_count must be positive")
	ErrQuotaLimitOrder        = errors.New("quota limits must satisfy target_limit <= soft_limit <= hard_limit")
)

// Validate checks Config invariants and returns the first error found.
func (c *Config) Validate() error {
	if err := c.validateWorker(); err != nil {
		return err
	}

	if err := c.validateScheduler(); err != nil {
		return err
	}

	if err := c.validateCheckpoint(); err != nil {
		return err
	}

	if err := c.validateCopier(); err != nil {
		return err
	}

	return c.validateQuota()
}

func (c *Config) validateWorker() error {
	if c.Worker.TotalProcessSlots < 0 {
		return ErrInvalidProcessSlots
	}

	if c.Worker.TotalCacheLookupSlots < 0 {
		return ErrInvalidCacheLookupSlot
	}

	if c.Worker.TotalIPCSlots < 0 {
		return ErrInvalidIPCSlots
	}

	return nil
}

func (c *Config) validateScheduler() error {
	if c.Scheduler.ProcessRetries < 0 {
		return ErrInvalidProcessRetries
	}

	return nil
}

func (c *Config) validateCheckpoint() error {
	if c.Checkpoint.Enabled && c.Checkpoint.Dir == "" {
		return ErrInvalidCheckpointDir
	}

	return nil
}

func (c *Config) validateCopier() error {
	if c.Copier.MaxRetryCount <= 0 {
		return ErrInvalidMaxRetryCount
	}

	return nil
}

func (c *Config) validateQuota() error {
	soft, err := c.QuotaSoftLimitBytes()
	if err != nil {
		return err
	}

	hard, err := c.QuotaHardLimitBytes()
	if err != nil {
		return err
	}

	target, err := c.QuotaTargetLimitBytes()
	if err != nil {
		return err
	}

	if target > soft || soft > hard {
		return ErrQuotaLimitOrder
	}

	return nil
}

// QuotaSoftLimitBytes parses the human-readable soft limit.
func (c *Config) QuotaSoftLimitBytes() (uint64, error) {
	return parseBytes("quota.soft_limit", c.Quota.SoftLimit)
}

// QuotaHardLimitBytes parses the human-readable hard limit.
func (c *Config) QuotaHardLimitBytes() (uint64, error) {
	return parseBytes("quota.hard_limit", c.Quota.HardLimit)
}

// QuotaTargetLimitBytes parses the human-readable target limit.
func (c *Config) QuotaTargetLimitBytes() (uint64, error) {
	return parseBytes("quota.target_limit", c.Quota.TargetLimit)
}

// WorkerTotalRAMBytes parses the human-readable RAM capacity.
func (c *Config) WorkerTotalRAMBytes() (uint64, error) {
	return parseBytes("worker.total_ram", c.Worker.TotalRAM)
}

// WorkerTotalCommitBytes parses the human-readable commit capacity.
func (c *Config) WorkerTotalCommitBytes() (uint64, error) {
	return parseBytes("worker.total_commit", c.Worker.TotalCommit)
}

func parseBytes(field, value string) (uint64, error) {
	if value == "" {
		return 0, nil
	}

	n, err := humanize.ParseBytes(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}

	return n, nil
}
