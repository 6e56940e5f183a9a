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

//go:build !windows

package daemon

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLaunchExitStatus(t *testing.T) {
	tests := []struct {
		name     string
		script   string
		code     int
		signaled bool
	}{
		{"clean", "exit 0", 0, false},
		{"failure", "exit 3", 3, false},
		{"signal", "kill -TERM $$", int(syscall.SIGTERM), true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			launcher := ProcessLauncher{DaemonName: tc.name, Args: []string{"/bin/sh", "-c", tc.script}}
			ctx, pid, err := launcher.Launch(context.Background())
			require.NoError(t, err)
			assert.Greater(t, pid, 0)
			select {
			case <-ctx.Done():
			case <-time.After(10 * time.Second):
				t.Fatal("child did not exit")
			}
			code, signaled := ExitStatus(context.Cause(ctx))
			assert.Equal(t, tc.code, code)
			assert.Equal(t, tc.signaled, signaled)
		})
	}
}

func TestLaunchOutlivesContext(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	launcher := ProcessLauncher{DaemonName: "sleeper", Args: []string{"/bin/sh", "-c", "exec sleep 30"}}
	ctx, pid, err := launcher.Launch(parent)
	require.NoError(t, err)
	cancel()

	time.Sleep(100 * time.Millisecond)
	assert.True(t, Alive(pid))
	require.NoError(t, Signal(pid, syscall.SIGINT))
	select {
	case <-ctx.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("child ignored SIGINT")
	}
	code, signaled := ExitStatus(context.Cause(ctx))
	assert.True(t, signaled)
	assert.Equal(t, int(syscall.SIGINT), code)
	assert.NoError(t, Signal(pid, syscall.SIGINT), "signalling a reaped child is not an error")
}

func TestLaunchWithoutArgs(t *testing.T) {
	_, _, err := ProcessLauncher{DaemonName: "empty"}.Launch(context.Background())
	assert.Error(t, err)
}

func TestRestartTracker(t *testing.T) {
	start := time.Unix(1700000000, 0)
	r := RestartTracker{Max: 20, Window: 5 * time.Second}

	for i := 1; i <= 20; i++ {
		require.True(t, r.Exited(start, start.Add(time.Second)), "restart %d", i)
	}
	assert.Equal(t, 20, r.QuickRestarts())
	assert.False(t, r.Exited(start, start.Add(time.Second)))
	assert.True(t, r.Latched())
	assert.False(t, r.Exited(start, start.Add(time.Minute)), "latched stays latched")

	r.Reset()
	assert.False(t, r.Latched())
	assert.True(t, r.Exited(start, start.Add(time.Second)))
	assert.True(t, r.Exited(start, start.Add(5*time.Second)))
	assert.Equal(t, 0, r.QuickRestarts(), "surviving the window resets the count")

	unbounded := RestartTracker{Window: 5 * time.Second}
	for i := 0; i < 100; i++ {
		require.True(t, unbounded.Exited(start, start))
	}
}

func TestExpectedRestart(t *testing.T) {
	t.Cleanup(func() { SetExpectedRestart(false) })
	assert.False(t, IsExpectedRestart())
	SetExpectedRestart(true)
	assert.True(t, IsExpectedRestart())
}
