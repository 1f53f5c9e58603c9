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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	conf := NewConfig()
	require.NoError(t, conf.Valid())
	require.Equal(t, int64(1024), conf.Tablet.OperationMemoryLimitMB)
	require.Equal(t, int64(1024*1024*1024), conf.OperationMemoryLimitBytes())
}

func TestConfigLoad(t *testing.T) {
	confFile := filepath.Join(t.TempDir(), "config.toml")
	content := `
port = 7500

[log]
level = "warn"

[tablet]
memory-limit-mb = 8192
operation-memory-limit-mb = -1
`
	require.NoError(t, os.WriteFile(confFile, []byte(content), 0o644))

	conf := NewConfig()
	require.NoError(t, conf.Load(confFile))
	require.NoError(t, conf.Valid())
	require.Equal(t, 7500, conf.Port)
	require.Equal(t, "warn", conf.Log.Level)
	require.Equal(t, int64(8192), conf.Tablet.MemoryLimitMB)
	require.Equal(t, int64(-1), conf.OperationMemoryLimitBytes())
	// Untouched sections keep their defaults.
	require.Equal(t, "0.0.0.0", conf.Host)
	require.True(t, conf.Status.ReportStatus)
}

func TestConfigValid(t *testing.T) {
	conf := NewConfig()
	conf.Tablet.OperationMemoryLimitMB = -2
	require.Error(t, conf.Valid())

	conf = NewConfig()
	conf.Port = -1
	require.Error(t, conf.Valid())
}
