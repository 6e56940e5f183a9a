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

package scp

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelicanplatform/afd/protocol"
	"github.com/pelicanplatform/afd/test_utils"
)

func connect(t *testing.T) (*Leaf, *test_utils.SSHServer) {
	if _, err := exec.LookPath("scp"); err != nil {
		t.Skip("scp binary not available")
	}
	t.Setenv("SSH_AUTH_SOCK", "")
	s := test_utils.StartSSHServer(t)
	l := &Leaf{}
	_, err := l.Connect(context.Background(), protocol.Config{
		Host:           "127.0.0.1",
		Port:           s.Port,
		User:           test_utils.SSHUser,
		Password:       []byte(test_utils.SSHPassword),
		Timeout:        10 * time.Second,
		KnownHostsFile: s.KnownHosts,
		IdentityFiles:  []string{filepath.Join(s.Root, "no-such-key")},
	})
	require.NoError(t, err)
	t.Cleanup(func() { l.Quit() })
	return l, s
}

func TestSendFile(t *testing.T) {
	l, s := connect(t)

	created, err := l.ChdirOrMkdir("out/a", true, 0750)
	require.NoError(t, err)
	assert.Equal(t, "out", created)
	fi, err := os.Stat(filepath.Join(s.Root, "out", "a"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0750), fi.Mode().Perm())

	require.NoError(t, l.OpenWrite(".report", 11, 0640))
	require.NoError(t, l.WriteBlock([]byte("hello ")))
	require.NoError(t, l.WriteBlock([]byte("world")))
	require.NoError(t, l.CloseFile())
	require.NoError(t, l.Rename(".report", "report"))

	data, err := os.ReadFile(filepath.Join(s.Root, "out", "a", "report"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	info, err := l.Stat("report")
	require.NoError(t, err)
	assert.EqualValues(t, 11, info.Size)

	mtime := time.Unix(1700000000, 0)
	require.NoError(t, l.Chtimes("report", mtime))
	fi, err = os.Stat(filepath.Join(s.Root, "out", "a", "report"))
	require.NoError(t, err)
	assert.True(t, fi.ModTime().Equal(mtime))

	_, err = l.Stat("missing")
	assert.True(t, protocol.IsNoSuchFile(err))
	assert.NoError(t, l.Noop())
}

func TestFetchFile(t *testing.T) {
	l, s := connect(t)
	require.NoError(t, os.MkdirAll(filepath.Join(s.Root, "in"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(s.Root, "in", "x"), []byte("0123456789"), 0644))

	_, err := l.ChdirOrMkdir("in", false, 0)
	require.NoError(t, err)

	files, err := l.List()
	if err != nil {
		t.Skipf("remote find without -printf: %v", err)
	}
	require.Len(t, files, 1)
	assert.Equal(t, "x", files[0].Name)

	require.NoError(t, l.OpenRead("x", 6))
	buf := make([]byte, 16)
	n, err := l.ReadBlock(buf)
	require.NoError(t, err)
	assert.Equal(t, "6789", string(buf[:n]))
	_, err = l.ReadBlock(buf)
	assert.Equal(t, io.EOF, err)
	require.NoError(t, l.CloseFile())

	require.NoError(t, l.Delete("x"))
	assert.NoFileExists(t, filepath.Join(s.Root, "in", "x"))
	err = l.Delete("x")
	assert.Equal(t, protocol.DeleteRemoteError, protocol.KindOf(err))

	err = l.OpenRead("gone", 0)
	assert.True(t, protocol.IsNoSuchFile(err))
}
