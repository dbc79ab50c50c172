// Package config provides configuration types and loading for the orchestrator.
// This file contains the configuration types recognized in the orchestrator's
// configuration surface (concurrency, retry, breaker, rate, budget, gates,
// scheduler, storage, logging, server).
package config

import (
	"fmt"
	"time"

	"github.com/outreachforge/orchestrator/pkg/observability"
)

// Config is the root configuration for an orchestrator process.
type Config struct {
	Concurrency   ConcurrencyConfig         `yaml:"concurrency"`
	Retry         RetryConfig               `yaml:"retry"`
	Breaker       map[string]BreakerConfig  `yaml:"breaker"`
	Rate          map[string]RateConfig     `yaml:"rate"`
	Budget        BudgetConfig              `yaml:"budget"`
	Gates         map[string]GateConfig     `yaml:"gates"`
	Scheduler     SchedulerConfig           `yaml:"scheduler"`
	Storage       StorageConfig             `yaml:"storage"`
	Logging       LoggingConfig             `yaml:"logging"`
	Server        ServerConfig              `yaml:"server"`
	CostTable     map[string]ToolCostConfig `yaml:"cost_table"`
	Observability observability.Config      `yaml:"observability"`
}

// Validate implements Interface for Config.
func (c *Config) Validate() error {
	if err := c.Concurrency.Validate(); err != nil {
		return fmt.Errorf("concurrency: %w", err)
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	for tool, b := range c.Breaker {
		if err := b.Validate(); err != nil {
			return fmt.Errorf("breaker.%s: %w", tool, err)
		}
	}
	for tool, r := range c.Rate {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("rate.%s: %w", tool, err)
		}
	}
	if err := c.Budget.Validate(); err != nil {
		return fmt.Errorf("budget: %w", err)
	}
	for phase, g := range c.Gates {
		if err := g.Validate(); err != nil {
			return fmt.Errorf("gates.%s: %w", phase, err)
		}
	}
	if err := c.Scheduler.Validate(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	return nil
}

// SetDefaults implements Interface for Config.
func (c *Config) SetDefaults() {
	c.Concurrency.SetDefaults()
	c.Retry.SetDefaults()
	for name := range c.Breaker {
		b := c.Breaker[name]
		b.SetDefaults()
		c.Breaker[name] = b
	}
	for name := range c.Rate {
		r := c.Rate[name]
		r.SetDefaults()
		c.Rate[name] = r
	}
	c.Budget.SetDefaults()
	for name := range c.Gates {
		g := c.Gates[name]
		g.SetDefaults()
		c.Gates[name] = g
	}
	c.Scheduler.SetDefaults()
	c.Storage.SetDefaults()
	c.Logging.SetDefaults()
	c.Server.SetDefaults()
	c.Observability.SetDefaults()
}

// ConcurrencyConfig controls scheduler worker pool sizes (spec §6
// concurrency.agent_workers / concurrency.tool_workers).
type ConcurrencyConfig struct {
	AgentWorkers int `yaml:"agent_workers"`
	ToolWorkers  int `yaml:"tool_workers"`
}

func (c *ConcurrencyConfig) Validate() error {
	if c.AgentWorkers < 0 || c.ToolWorkers < 0 {
		return fmt.Errorf("worker counts must be non-negative")
	}
	return nil
}

func (c *ConcurrencyConfig) SetDefaults() {
	if c.AgentWorkers == 0 {
		c.AgentWorkers = 16
	}
	if c.ToolWorkers == 0 {
		c.ToolWorkers = 64
	}
}

// RetryConfig is the default retry/backoff policy (spec §4.4, §6 retry.default.*).
type RetryConfig struct {
	MaxAttempts     int     `yaml:"max_attempts"`
	BaseDelayMs     int     `yaml:"base_delay_ms"`
	MaxDelayMs      int     `yaml:"max_delay_ms"`
	ExponentialBase float64 `yaml:"exponential_base"`
}

func (c *RetryConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1")
	}
	if c.BaseDelayMs < 0 || c.MaxDelayMs < c.BaseDelayMs {
		return fmt.Errorf("max_delay_ms must be >= base_delay_ms")
	}
	if c.ExponentialBase <= 1 {
		return fmt.Errorf("exponential_base must be > 1")
	}
	return nil
}

func (c *RetryConfig) SetDefaults() {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.BaseDelayMs == 0 {
		c.BaseDelayMs = 200
	}
	if c.MaxDelayMs == 0 {
		c.MaxDelayMs = 30_000
	}
	if c.ExponentialBase == 0 {
		c.ExponentialBase = 2
	}
}

func (c RetryConfig) BaseDelay() time.Duration { return time.Duration(c.BaseDelayMs) * time.Millisecond }
func (c RetryConfig) MaxDelay() time.Duration  { return time.Duration(c.MaxDelayMs) * time.Millisecond }

// BreakerConfig is a per-tool circuit breaker policy (spec §4.4, §6 breaker.<tool>.*).
type BreakerConfig struct {
	FailureThreshold uint32 `yaml:"failure_threshold"`
	SuccessThreshold uint32 `yaml:"success_threshold"`
	TimeoutMs        int    `yaml:"timeout_ms"`
}

func (c *BreakerConfig) Validate() error {
	if c.FailureThreshold == 0 {
		return fmt.Errorf("failure_threshold must be > 0")
	}
	if c.SuccessThreshold == 0 {
		return fmt.Errorf("success_threshold must be > 0")
	}
	return nil
}

func (c *BreakerConfig) SetDefaults() {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = 2
	}
	if c.TimeoutMs == 0 {
		c.TimeoutMs = 30_000
	}
}

func (c BreakerConfig) Timeout() time.Duration { return time.Duration(c.TimeoutMs) * time.Millisecond }

// RateConfig is a per-tool token bucket policy (spec §4.4, §6 rate.<tool>.*).
type RateConfig struct {
	Capacity      int `yaml:"capacity"`
	RefillRPS     int `yaml:"refill_rps"`
	WaitDeadlineMs int `yaml:"wait_deadline_ms"`
}

func (c *RateConfig) Validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("capacity must be > 0")
	}
	if c.RefillRPS <= 0 {
		return fmt.Errorf("refill_rps must be > 0")
	}
	return nil
}

func (c *RateConfig) SetDefaults() {
	if c.Capacity == 0 {
		c.Capacity = 5
	}
	if c.RefillRPS == 0 {
		c.RefillRPS = 1
	}
	if c.WaitDeadlineMs == 0 {
		c.WaitDeadlineMs = 5_000
	}
}

func (c RateConfig) WaitDeadline() time.Duration {
	return time.Duration(c.WaitDeadlineMs) * time.Millisecond
}

// BudgetConfig is the cost-governance policy (spec §4.6, §6 budget.*).
type BudgetConfig struct {
	RunCapUSD     float64            `yaml:"run_cap_usd"`
	ToolCapUSD    map[string]float64 `yaml:"tool_cap_usd"`
	PhaseCapUSD   map[string]float64 `yaml:"phase_cap_usd"`
	WarningRatio  float64            `yaml:"warning_ratio"`
}

func (c *BudgetConfig) Validate() error {
	if c.RunCapUSD <= 0 {
		return fmt.Errorf("run_cap_usd must be > 0")
	}
	if c.WarningRatio < 0 || c.WarningRatio > 1 {
		return fmt.Errorf("warning_ratio must be in [0,1]")
	}
	return nil
}

func (c *BudgetConfig) SetDefaults() {
	if c.RunCapUSD == 0 {
		c.RunCapUSD = 25.0
	}
	if c.WarningRatio == 0 {
		c.WarningRatio = 0.8
	}
	if c.ToolCapUSD == nil {
		c.ToolCapUSD = map[string]float64{}
	}
	if c.PhaseCapUSD == nil {
		c.PhaseCapUSD = map[string]float64{}
	}
}

// ToolCostConfig supplies a static per-(tool,op) cost estimate used by
// Authorize when the caller has no better estimate (SPEC_FULL §3c).
type ToolCostConfig struct {
	EstimatedUSD float64 `yaml:"estimated_usd"`
}

// GateConfig controls optional auto-approval for a phase's human gate
// (spec §4.7, §6 gates.<phase>.auto_approve.*).
type GateConfig struct {
	DeadlineSeconds  int     `yaml:"deadline_seconds"`
	AutoApprove      bool    `yaml:"auto_approve"`
	QualityThreshold float64 `yaml:"quality_threshold"`
}

func (c *GateConfig) Validate() error {
	if c.DeadlineSeconds < 0 {
		return fmt.Errorf("deadline_seconds must be >= 0")
	}
	return nil
}

func (c *GateConfig) SetDefaults() {
	if c.DeadlineSeconds == 0 {
		c.DeadlineSeconds = 86_400
	}
}

func (c GateConfig) Deadline() time.Duration {
	return time.Duration(c.DeadlineSeconds) * time.Second
}

// SchedulerConfig controls the in-process work queue (spec §4.8, §6
// scheduler.queue_bound) and the re-entry cadence for checkpoint-and-continue
// agents (SPEC_FULL §3e's reply_monitoring/analytics polling loops).
type SchedulerConfig struct {
	QueueBound     int `yaml:"queue_bound"`
	PollIntervalMs int `yaml:"poll_interval_ms"`
}

func (c *SchedulerConfig) Validate() error {
	if c.QueueBound < 0 {
		return fmt.Errorf("queue_bound must be >= 0")
	}
	if c.PollIntervalMs < 0 {
		return fmt.Errorf("poll_interval_ms must be >= 0")
	}
	return nil
}

func (c *SchedulerConfig) SetDefaults() {
	if c.QueueBound == 0 {
		c.QueueBound = 1024
	}
	if c.PollIntervalMs == 0 {
		c.PollIntervalMs = 30_000
	}
}

// PollInterval is the wait the Agent Runtime observes between re-entering a
// CheckpointAndContinue agent's Step (SPEC_FULL §3e).
func (c SchedulerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// StorageConfig selects and configures the State & Checkpoint Store backend.
type StorageConfig struct {
	Driver string `yaml:"driver"` // "memory", "sqlite", "postgres", "mysql"
	DSN    string `yaml:"dsn"`
}

func (c *StorageConfig) Validate() error {
	switch c.Driver {
	case "memory", "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported storage driver %q", c.Driver)
	}
	if c.Driver != "memory" && c.DSN == "" {
		return fmt.Errorf("dsn is required for driver %q", c.Driver)
	}
	return nil
}

func (c *StorageConfig) SetDefaults() {
	if c.Driver == "" {
		c.Driver = "memory"
	}
}

// LoggingConfig is the config file's logging section. orchestratord sets up
// internal/logging.Init from its --log-level/--log-format flags, not from
// this section.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func (c *LoggingConfig) Validate() error { return nil }

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "simple"
	}
}

// ServerConfig controls the REST control plane.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

func (c *ServerConfig) Validate() error { return nil }

func (c *ServerConfig) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
}
