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

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelicanplatform/afd/config"
	"github.com/pelicanplatform/afd/fifo"
	"github.com/pelicanplatform/afd/job"
	"github.com/pelicanplatform/afd/logging"
	"github.com/pelicanplatform/afd/test_utils"
)

func TestExecArgs(t *testing.T) {
	tests := []struct {
		name     string
		execName string
		args     []string
		expected []string
	}{
		{"plain", "/usr/bin/afd", []string{"host", "list"}, []string{"host", "list"}},
		{"supervisor-link", "/usr/bin/afd_mon", []string{"-w", "/tmp/afd"}, []string{"supervisor", "-w", "/tmp/afd"}},
		{"upper-case", "AFD_MON", nil, []string{"supervisor"}},
		{"send-link", "sf_sftp", []string{"/w", "0", "h", "1", "m"}, []string{"worker", "send", "/w", "0", "h", "1", "m"}},
		{"retrieve-link", "/opt/afd/bin/gf_ftp", []string{"/w"}, []string{"worker", "retrieve", "/w"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, execArgs(tc.execName, tc.args))
		})
	}
}

func TestEncodeCtl(t *testing.T) {
	wd := test_utils.NewWorkDir(t)
	test_utils.CreateHostArea(t, wd, "alpha:one.example.org::1:ftp:1", "beta:two.example.org::1:sftp:2")

	tests := []struct {
		verb     string
		args     []string
		expected []byte
		errMsg   string
	}{
		{"shutdown", nil, []byte{fifo.Shutdown}, ""},
		{"is-alive", nil, []byte{fifo.IsAlive}, ""},
		{"disable", []string{"beta"}, fifo.Encode(fifo.DisableMon, 1), ""},
		{"enable", []string{"alpha"}, fifo.Encode(fifo.EnableMon, 0), ""},
		{"log-cap", []string{"beta"}, fifo.Encode(fifo.GotLC, 1), ""},
		{"enable", nil, nil, "needs a host alias"},
		{"disable", []string{"gamma"}, nil, "not in the host status area"},
		{"reboot", nil, nil, "unknown command"},
	}
	for _, tc := range tests {
		t.Run(tc.verb, func(t *testing.T) {
			got, err := encodeCtl(wd, tc.verb, tc.args)
			if tc.errMsg != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.errMsg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, got)
		})
	}
}

func TestProbeWithoutSupervisor(t *testing.T) {
	wd := test_utils.NewWorkDir(t)
	probeTimeout = 200 * time.Millisecond
	err := probe(wd, fifo.Encode(fifo.IsAlive, 0))
	assert.ErrorIs(t, err, errNotAlive)
}

func TestQueueStagesFiles(t *testing.T) {
	wd := test_utils.NewWorkDir(t)
	src := t.TempDir()
	a := filepath.Join(src, "a.dat")
	b := filepath.Join(src, "b.dat")
	require.NoError(t, os.WriteFile(a, []byte("aaa"), 0644))
	require.NoError(t, os.WriteFile(b, []byte("bb"), 0644))

	msg := &job.Message{JobID: 7, Host: "alpha", Recipient: "file:///tmp/out"}
	id, err := job.WriteMessage(wd, msg, stageFiles([]string{a, b}, true))
	require.NoError(t, err)

	loaded, err := job.LoadMessage(wd.MessageFile(id))
	require.NoError(t, err)
	assert.Equal(t, "alpha", loaded.Host)
	content, err := os.ReadFile(filepath.Join(wd.StagingDir(id), "a.dat"))
	require.NoError(t, err)
	assert.Equal(t, "aaa", string(content))
	_, err = os.Stat(a)
	assert.True(t, os.IsNotExist(err), "moved away")

	_, err = job.WriteMessage(wd, msg, stageFiles([]string{filepath.Join(src, "missing")}, false))
	assert.Error(t, err)
}

func TestLogSinkNeedsFlags(t *testing.T) {
	logSink = logging.Sink{Dir: t.TempDir()}
	assert.Equal(t, logging.SinkIncorrect, runLogSink(logSinkCmd))
}

func TestWorkDirFromEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(config.WorkDirEnv, dir)
	workDirFlag = ""
	wd, err := config.ResolveWorkDir(workDirFlag)
	require.NoError(t, err)
	assert.Equal(t, dir, wd.String())
}
