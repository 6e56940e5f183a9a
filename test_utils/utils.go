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

package test_utils

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/pelicanplatform/afd/config"
	"github.com/pelicanplatform/afd/host_config"
	"github.com/pelicanplatform/afd/job"
	"github.com/pelicanplatform/afd/param"
	"github.com/pelicanplatform/afd/status_area"
	"github.com/pelicanplatform/afd/status_area/builder"
)

func TestContext(ictx context.Context, t *testing.T) (ctx context.Context, cancel context.CancelFunc, egrp *errgroup.Group) {
	if deadline, ok := t.Deadline(); ok {
		ctx, cancel = context.WithDeadline(ictx, deadline)
	} else {
		ctx, cancel = context.WithCancel(ictx)
	}
	egrp, ctx = errgroup.WithContext(ctx)
	ctx = context.WithValue(ctx, config.EgrpKey, egrp)
	return
}

// SetupTestLogging captures log entries of the standard logger in a test
// hook.  The returned function restores the previous output and hooks.
func SetupTestLogging(t *testing.T) (*test.Hook, func()) {
	logger := log.StandardLogger()
	oldHooks := logger.ReplaceHooks(make(log.LevelHooks))
	oldLevel := logger.GetLevel()
	logger.SetLevel(log.DebugLevel)
	hook := test.NewLocal(logger)
	return hook, func() {
		logger.ReplaceHooks(oldHooks)
		logger.SetLevel(oldLevel)
	}
}

// NewWorkDir lays out a fresh work dir and loads the default configuration
// for it.  The configuration is reset when the test ends.
func NewWorkDir(t *testing.T) config.WorkDir {
	wd := config.WorkDir(t.TempDir())
	require.NoError(t, wd.MakeLayout())
	param.Reset()
	require.NoError(t, config.InitConfig(wd))
	t.Cleanup(param.Reset)
	return wd
}

// WriteHostConfig writes HOST_CONFIG lines and returns the parsed hosts.
func WriteHostConfig(t *testing.T, wd config.WorkDir, lines ...string) []*host_config.HostEntry {
	content := strings.Join(lines, "\n") + "\n"
	require.NoError(t, os.WriteFile(wd.HostConfig(), []byte(content), 0600))
	hc, err := host_config.Load(wd.HostConfig())
	require.NoError(t, err)
	return hc.Hosts()
}

// CreateHostArea writes HOST_CONFIG and builds the host status area from
// it.  The area is attached and detached again at the end of the test.
func CreateHostArea(t *testing.T, wd config.WorkDir, lines ...string) *status_area.Area {
	hosts := WriteHostConfig(t, wd, lines...)
	require.NoError(t, builder.BuildHostArea(wd.HostStatusFile(), hosts, 1, nil))
	hsa, err := status_area.Attach(wd.HostStatusFile(), status_area.KindHost)
	require.NoError(t, err)
	t.Cleanup(func() { _ = hsa.Detach() })
	return hsa
}

// CreateDirArea builds the directory status area for dirs.
func CreateDirArea(t *testing.T, wd config.WorkDir, hsa *status_area.Area, dirs ...param.DirectoryConfig) *status_area.Area {
	require.NoError(t, builder.BuildDirArea(wd.DirStatusFile(), dirs, 1, hsa, wd.IncomingDir(), nil))
	dsa, err := status_area.Attach(wd.DirStatusFile(), status_area.KindDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dsa.Detach() })
	return dsa
}

// StageMessage publishes msg with the given files (name to content) and
// returns the message id.
func StageMessage(t *testing.T, wd config.WorkDir, msg *job.Message, files map[string]string) string {
	id, err := job.WriteMessage(wd, msg, func(dir string) error {
		for name, content := range files {
			if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0640); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	return id
}
