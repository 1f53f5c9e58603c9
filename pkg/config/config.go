// Copyright 2024 BasaltDB, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"

	"github.com/basaltdb/basalt/pkg/util/logutil"
)

// Config contains configuration options for a tablet server.
type Config struct {
	Host string `toml:"host" json:"host"`
	Port int    `toml:"port" json:"port"`

	Log    Log    `toml:"log" json:"log"`
	Status Status `toml:"status" json:"status"`
	Tablet Tablet `toml:"tablet" json:"tablet"`
}

// Log is the log section of config.
type Log struct {
	// Log level.
	Level string `toml:"level" json:"level"`
	// Log format. one of json or text.
	Format string `toml:"format" json:"format"`
	// Disable automatic timestamps in output.
	DisableTimestamp bool `toml:"disable-timestamp" json:"disable-timestamp"`
	// File log config.
	File logutil.FileLogConfig `toml:"file" json:"file"`
}

// ToLogConfig converts the section into a logutil.LogConfig.
func (l *Log) ToLogConfig() *logutil.LogConfig {
	return logutil.NewLogConfig(l.Level, l.Format, l.File, l.DisableTimestamp)
}

// Status is the status section of the config.
type Status struct {
	ReportStatus    bool `toml:"report-status" json:"report-status"`
	StatusPort      int  `toml:"status-port" json:"status-port"`
	MetricsInterval int  `toml:"metrics-interval" json:"metrics-interval"`
}

// Tablet is the tablet section of the config.
type Tablet struct {
	// MemoryLimitMB bounds the memory consumed by one tablet across all of
	// its subsystems. 0 or less means no limit.
	MemoryLimitMB int64 `toml:"memory-limit-mb" json:"memory-limit-mb"`
	// OperationMemoryLimitMB bounds the memory consumed by all in-flight
	// operations belonging to a particular tablet. When this limit is
	// reached, new operations are rejected and clients are forced to retry
	// them. If -1, operation memory tracking is disabled.
	OperationMemoryLimitMB int64 `toml:"operation-memory-limit-mb" json:"operation-memory-limit-mb"`
}

var defaultConf = Config{
	Host: "0.0.0.0",
	Port: 7480,
	Log: Log{
		Level:  logutil.DefaultLogLevel,
		Format: logutil.DefaultLogFormat,
		File:   logutil.NewFileLogConfig(logutil.DefaultLogMaxSize),
	},
	Status: Status{
		ReportStatus:    true,
		StatusPort:      7481,
		MetricsInterval: 15,
	},
	Tablet: Tablet{
		MemoryLimitMB:          4096,
		OperationMemoryLimitMB: 1024,
	},
}

var globalConf = defaultConf

// NewConfig creates a new config instance with default value.
func NewConfig() *Config {
	conf := defaultConf
	return &conf
}

// GetGlobalConfig returns the global configuration for this server.
func GetGlobalConfig() *Config {
	return &globalConf
}

// Load loads config options from a toml file.
func (c *Config) Load(confFile string) error {
	_, err := toml.DecodeFile(confFile, c)
	return errors.Trace(err)
}

// Valid checks whether the config is sane.
func (c *Config) Valid() error {
	if c.Tablet.OperationMemoryLimitMB < -1 {
		return errors.Errorf("invalid operation-memory-limit-mb %d, must be -1 (disabled) or >= 0",
			c.Tablet.OperationMemoryLimitMB)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errors.Errorf("invalid port %d", c.Port)
	}
	return nil
}

// OperationMemoryLimitBytes returns the per-tablet operation memory limit in
// bytes, -1 if operation memory tracking is disabled.
func (c *Config) OperationMemoryLimitBytes() int64 {
	if c.Tablet.OperationMemoryLimitMB == -1 {
		return -1
	}
	return c.Tablet.OperationMemoryLimitMB * 1024 * 1024
}
