package config

import (
	"fmt"
	"time"
)

// DashboardConfig is the adoption dashboard configuration. The dashboard
// runs its own crawler over the same seeds-file format as the discovery
// service, but records adoption history instead of feeding an index.
type DashboardConfig struct {
	Database DatabaseConfig `yaml:"database"`
	Tracker  TrackerConfig  `yaml:"crawler"`
	API      APIConfig      `yaml:"api"`
}

// TrackerConfig drives the adoption tracker. Timeout and interval are in
// seconds.
type TrackerConfig struct {
	SeedsFile      string `yaml:"seeds_file"`
	RequestTimeout int    `yaml:"timeout_seconds"`
	Concurrency    int    `yaml:"concurrency"`
	Interval       int    `yaml:"interval_seconds"`
}

// FetchTimeout returns the per-fetch timeout.
func (c TrackerConfig) FetchTimeout() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}

// CrawlInterval returns the time between tracking passes.
func (c TrackerConfig) CrawlInterval() time.Duration {
	return time.Duration(c.Interval) * time.Second
}

// DefaultDashboard returns the dashboard service defaults.
func DefaultDashboard() *DashboardConfig {
	return &DashboardConfig{
		Database: DatabaseConfig{
			Path: "dashboard.db",
		},
		Tracker: TrackerConfig{
			SeedsFile:      "seeds.txt",
			RequestTimeout: 10,
			Concurrency:    10,
			Interval:       21600,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8302,
		},
	}
}

// Validate checks dashboard configuration invariants.
func (c *DashboardConfig) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path must not be empty")
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port %d out of range", c.API.Port)
	}
	if c.Tracker.Concurrency < 1 {
		return fmt.Errorf("crawler.concurrency must be at least 1")
	}
	if c.Tracker.RequestTimeout < 1 {
		return fmt.Errorf("crawler.timeout_seconds must be at least 1")
	}
	return nil
}
