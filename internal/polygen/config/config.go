// Copyright 2024 Bloomberg Finance L.P.
// Distributed under the terms of the Apache 2.0 license.

// Package config parses and validates the polygen YAML configuration.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	reloadFifoName     = "polygen_reload.fifo"
	cacheLimitFileName = "cache_limits.json"
)

// Config is the on-disk YAML configuration. sleep_time is in milliseconds;
// it paces the detector loops, and the demand loop runs at
// demand_sleep_multiplier times that.
type Config struct {
	Zone        string `yaml:"zone"`
	LogLevel    string `yaml:"log_level"`
	LogFileName string `yaml:"log_file_name"`

	SleepTimeMS           int    `yaml:"sleep_time"`
	DemandSleepMultiplier int    `yaml:"demand_sleep_multiplier"`
	RedisServer           string `yaml:"redis_server"`
	RedisKeysBatch        int    `yaml:"redis_keys_batch"`
	PolygenLuaPath        string `yaml:"polygen_lua_path"`

	HaproxyServers map[string][]string `yaml:"haproxy_servers"`

	PolicyMsgQueueSize      int `yaml:"policy_msg_queue_size"`
	ViolationCheckThreadNum int `yaml:"violation_check_thread_num"`

	ReqsUnblockBackoffTimeMS int     `yaml:"requests_unblock_backoff_time_ms"`
	ReqsUnblockRatio         float64 `yaml:"requests_unblock_ratio"`

	DefaultActiveRequestIfQoSNotConfigured float64 `yaml:"default_active_request_if_qos_not_configured"`
	UnknownUsersReportTimeSeconds          int     `yaml:"unknown_users_report_time_seconds"`

	// MetricsAddr, when non-empty, serves Prometheus /metrics on this
	// address.
	MetricsAddr string `yaml:"metrics_addr"`
}

// Load reads, decodes, defaults, and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.DemandSleepMultiplier == 0 {
		c.DemandSleepMultiplier = 100
	}
	if c.RedisKeysBatch == 0 {
		c.RedisKeysBatch = 500
	}
	if c.ReqsUnblockBackoffTimeMS == 0 {
		c.ReqsUnblockBackoffTimeMS = 200
	}
	if c.ReqsUnblockRatio == 0 {
		c.ReqsUnblockRatio = 0.95
	}
	if c.DefaultActiveRequestIfQoSNotConfigured == 0 {
		c.DefaultActiveRequestIfQoSNotConfigured = 5000
	}
	if c.UnknownUsersReportTimeSeconds == 0 {
		c.UnknownUsersReportTimeSeconds = 60
	}
}

func (c *Config) validate() error {
	switch {
	case c.Zone == "":
		return fmt.Errorf("zone is required")
	case c.RedisServer == "":
		return fmt.Errorf("redis_server is required")
	case c.PolygenLuaPath == "":
		return fmt.Errorf("polygen_lua_path is required")
	case c.SleepTimeMS <= 0:
		return fmt.Errorf("sleep_time must be positive")
	case len(c.HaproxyServers) == 0:
		return fmt.Errorf("haproxy_servers must name at least one endpoint")
	case c.PolicyMsgQueueSize <= 0:
		return fmt.Errorf("policy_msg_queue_size must be positive")
	case c.ViolationCheckThreadNum <= 0:
		return fmt.Errorf("violation_check_thread_num must be positive")
	}
	return nil
}

// Tick is the detector loop cadence.
func (c *Config) Tick() time.Duration {
	return time.Duration(c.SleepTimeMS) * time.Millisecond
}

// DemandTick is the demand loop cadence.
func (c *Config) DemandTick() time.Duration {
	return time.Duration(c.DemandSleepMultiplier) * c.Tick()
}

// ReloadFifoPath is the control FIFO for this zone.
func (c *Config) ReloadFifoPath() string {
	return filepath.Join("/tmp", "weir_"+c.Zone+"_"+reloadFifoName)
}

// LimitsCachePath is the per-zone limits cache in the home directory.
func (c *Config) LimitsCachePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, "weir_"+c.Zone+"_"+cacheLimitFileName), nil
}
