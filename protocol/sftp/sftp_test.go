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

package sftp

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelicanplatform/afd/protocol"
	"github.com/pelicanplatform/afd/test_utils"
)

func newMemLeaf(t *testing.T) *Leaf {
	c1, c2 := net.Pipe()
	server := sftp.NewRequestServer(c1, sftp.InMemHandler())
	go func() { _ = server.Serve() }()
	client, err := sftp.NewClientPipe(c2, c2)
	require.NoError(t, err)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	l := NewWithClient(client)
	_, err = l.Connect(context.Background(), protocol.Config{})
	require.NoError(t, err)
	return l
}

func putFile(t *testing.T, l *Leaf, name string, data []byte) {
	require.NoError(t, l.OpenWrite(name, int64(len(data)), 0644))
	require.NoError(t, l.WriteBlock(data))
	require.NoError(t, l.CloseFile())
}

func TestChdirCreatesMissingDirs(t *testing.T) {
	l := newMemLeaf(t)

	created, err := l.ChdirOrMkdir("/in/a/b", true, 0755)
	require.NoError(t, err)
	assert.Equal(t, "/in", created)

	_, err = l.ChdirOrMkdir("/nothere", false, 0)
	require.Error(t, err)
	assert.Equal(t, protocol.ChdirError, protocol.KindOf(err))
	assert.True(t, protocol.IsNoSuchFile(err))
}

func TestSendRenameList(t *testing.T) {
	l := newMemLeaf(t)
	_, err := l.ChdirOrMkdir("/out", true, 0)
	require.NoError(t, err)

	putFile(t, l, ".data", []byte("hello"))
	putFile(t, l, "data", []byte("old"))
	require.NoError(t, l.Rename(".data", "data"))

	fi, err := l.Stat("data")
	require.NoError(t, err)
	assert.EqualValues(t, 5, fi.Size)

	files, err := l.List()
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "data", files[0].Name)

	_, err = l.Stat(".data")
	assert.True(t, protocol.IsNoSuchFile(err))

	require.NoError(t, l.Delete("data"))
	err = l.Delete("data")
	assert.Equal(t, protocol.DeleteRemoteError, protocol.KindOf(err))
	assert.NoError(t, l.Noop())
}

func TestMultiRead(t *testing.T) {
	l := newMemLeaf(t)
	data := bytes.Repeat([]byte("0123456789"), 1000)
	putFile(t, l, "/big", data)

	require.NoError(t, l.OpenRead("/big", 0))
	window := l.MultiReadInit(1024, int64(len(data)))
	assert.Equal(t, 10, window)

	var got bytes.Buffer
	buf := make([]byte, 1024)
	for {
		require.NoError(t, l.MultiReadDispatch())
		n, result, err := l.MultiReadCatch(buf)
		require.NoError(t, err)
		got.Write(buf[:n])
		if result == protocol.MultiReadEOF {
			break
		}
	}
	assert.True(t, l.MultiReadEOF())
	assert.Equal(t, data, got.Bytes())
	require.NoError(t, l.CloseFile())
}

func TestReadResumeAtOffset(t *testing.T) {
	l := newMemLeaf(t)
	putFile(t, l, "/f", []byte("abcdefgh"))

	require.NoError(t, l.OpenRead("/f", 3))
	assert.Zero(t, l.MultiReadInit(1024, 5))
	buf := make([]byte, 16)
	n, err := l.ReadBlock(buf)
	require.NoError(t, err)
	assert.Equal(t, "defgh", string(buf[:n]))
	_, err = l.ReadBlock(buf)
	assert.Equal(t, io.EOF, err)
	require.NoError(t, l.CloseFile())

	err = l.OpenRead("/missing", 0)
	assert.True(t, protocol.IsNoSuchFile(err))
}

func TestConnectOverSSH(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	s := test_utils.StartSSHServer(t)
	require.NoError(t, os.WriteFile(filepath.Join(s.Root, "ready"), []byte("payload"), 0644))

	l := &Leaf{}
	banner, err := l.Connect(context.Background(), protocol.Config{
		Host:           "127.0.0.1",
		Port:           s.Port,
		User:           test_utils.SSHUser,
		Password:       []byte(test_utils.SSHPassword),
		Path:           s.Root,
		Timeout:        5 * time.Second,
		KnownHostsFile: s.KnownHosts,
		IdentityFiles:  []string{filepath.Join(s.Root, "no-such-key")},
	})
	require.NoError(t, err)
	assert.Contains(t, banner, "SSH-2.0")

	fi, err := l.Stat("ready")
	require.NoError(t, err)
	assert.EqualValues(t, 7, fi.Size)

	require.NoError(t, l.Chmod("ready", 0600))
	st, err := os.Stat(filepath.Join(s.Root, "ready"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), st.Mode().Perm())
	require.NoError(t, l.Quit())
}
