/***************************************************************
 *
 * Copyright (C) 2026, Pelican Project, Morgridge Institute for Research
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you
 * may not use this file except in compliance with the License.  You may
 * obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 ***************************************************************/

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelicanplatform/afd/param"
)

func TestResolveWorkDir(t *testing.T) {
	t.Setenv(WorkDirEnv, "")
	_, err := ResolveWorkDir("")
	assert.ErrorIs(t, err, ErrNoWorkDir)

	tmp := t.TempDir()
	t.Setenv(WorkDirEnv, tmp)
	wd, err := ResolveWorkDir("")
	require.NoError(t, err)
	assert.Equal(t, tmp, wd.String())

	wd, err = ResolveWorkDir("/srv/afd")
	require.NoError(t, err)
	assert.Equal(t, "/srv/afd/fifodir/MON_CMD_FIFO", wd.Fifo(MonCmdFifo))
	assert.Equal(t, "/srv/afd/files/outgoing/5f1_3", wd.StagingDir("5f1_3"))
}

func TestInitConfig(t *testing.T) {
	param.Reset()
	t.Cleanup(param.Reset)

	wd := WorkDir(t.TempDir())
	require.NoError(t, wd.MakeLayout())
	require.NoError(t, os.WriteFile(wd.ConfigFile(), []byte("Logging:\n  Level: warn\nSupervisor:\n  RescanTime: 3s\n"), 0640))

	require.NoError(t, InitConfig(wd))
	assert.Equal(t, log.WarnLevel, log.GetLevel())
	assert.Equal(t, 3*time.Second, param.Supervisor_RescanTime.GetDuration())
	assert.Equal(t, 20, param.Supervisor_MaxRestarts.GetInt())

	require.NoError(t, os.WriteFile(wd.ConfigFile(), []byte("Logging:\n  Level: debug\n"), 0640))
	cfg, err := ReloadConfig(wd)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, log.DebugLevel, log.GetLevel())
	log.SetLevel(log.InfoLevel)
}

func TestInitConfigWithoutFile(t *testing.T) {
	param.Reset()
	t.Cleanup(param.Reset)

	wd := WorkDir(t.TempDir())
	require.NoError(t, InitConfig(wd))
	_, err := os.Stat(filepath.Join(wd.String(), "etc"))
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, 2*time.Second, param.Supervisor_MaxShutdownTime.GetDuration())
}
