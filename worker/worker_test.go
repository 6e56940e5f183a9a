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

package worker

import (
	"context"
	"fmt"
	"net"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/webdav"

	"github.com/pelicanplatform/afd/config"
	"github.com/pelicanplatform/afd/job"
	"github.com/pelicanplatform/afd/param"
	"github.com/pelicanplatform/afd/protocol"
	"github.com/pelicanplatform/afd/status_area"
	"github.com/pelicanplatform/afd/test_utils"
)

func nullLoggers() (*log.Entry, *log.Logger, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(log.DebugLevel)
	events, _ := test.NewNullLogger()
	return log.NewEntry(logger), events, hook
}

func logged(hook *test.Hook, substr string) bool {
	for _, e := range hook.AllEntries() {
		if strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

// newTestWorker initializes a worker for argv the way Main does, with
// its logs captured.
func newTestWorker(t *testing.T, argv []string, retrieve bool) (*Worker, *test.Hook) {
	d, err := job.InitWorker(argv, retrieve)
	require.NoError(t, err)
	t.Cleanup(d.Close)
	entry, events, hook := nullLoggers()
	return New(d, WithLogger(entry), WithEventLogger(events)), hook
}

func TestSendLocal(t *testing.T) {
	wd := test_utils.NewWorkDir(t)
	require.NoError(t, param.Set(param.Transfer_BurstWait.GetName(), time.Duration(0)))
	test_utils.CreateHostArea(t, wd, "local:localhost::1:file:2")
	target := filepath.Join(t.TempDir(), "out")

	id := test_utils.StageMessage(t, wd, &job.Message{
		JobID:           0x21,
		Host:            "local",
		Recipient:       "file://" + target,
		CreateTargetDir: true,
	}, map[string]string{
		"a.txt": "0123456789",
		"b.txt": "abcdefghijklmno",
		"c.txt": "ABCDEFGHIJ",
	})

	w, hook := newTestWorker(t, []string{string(wd), "0", "local", "0", id}, false)
	code := w.Run(context.Background())
	require.Equal(t, TransferSuccess, code, "%v", hook.AllEntries())

	for name, content := range map[string]string{"a.txt": "0123456789", "b.txt": "abcdefghijklmno", "c.txt": "ABCDEFGHIJ"} {
		got, err := os.ReadFile(filepath.Join(target, name))
		require.NoError(t, err)
		assert.Equal(t, content, string(got))
	}
	assert.True(t, logged(hook, "copied 3 files, 35 bytes"))

	_, err := os.Stat(wd.StagingDir(id))
	assert.True(t, os.IsNotExist(err), "staging directory is removed")
	_, err = os.Stat(wd.MessageFile(id))
	assert.True(t, os.IsNotExist(err), "message is removed")

	h := w.d.Host
	assert.Equal(t, 0, h.ActiveTransfers())
	assert.EqualValues(t, 1, h.Connections())
	assert.EqualValues(t, 3, h.FileCounterDone())
	assert.EqualValues(t, 35, h.BytesSend())
	assert.Equal(t, status_area.Disconnect, w.js.ConnectStatus())
	assert.Equal(t, "", w.js.UniqueName())
}

func TestSendHostnameChanged(t *testing.T) {
	wd := test_utils.NewWorkDir(t)
	test_utils.CreateHostArea(t, wd, "local:localhost:otherhost:1:file:2")
	target := t.TempDir()
	id := test_utils.StageMessage(t, wd, &job.Message{JobID: 1, Host: "local", Recipient: "file://" + target},
		map[string]string{"a.txt": "payload"})

	w, hook := newTestWorker(t, []string{string(wd), "0", "local", "0", id}, false)
	w.d.Host.SetToggle(status_area.HostTwo)

	assert.Equal(t, TransferSuccess, w.Run(context.Background()))
	assert.True(t, logged(hook, "hostname changed"))
	_, err := os.Stat(filepath.Join(wd.StagingDir(id), "a.txt"))
	assert.NoError(t, err, "files stay queued for the next worker")
	_, err = os.Stat(filepath.Join(target, "a.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestSendBurst(t *testing.T) {
	wd := test_utils.NewWorkDir(t)
	require.NoError(t, param.Set(param.Transfer_BurstWait.GetName(), 10*time.Second))
	test_utils.CreateHostArea(t, wd, "local:localhost::1:file:2")
	target := t.TempDir()
	msg := &job.Message{JobID: 7, Host: "local", Recipient: "file://" + target}
	first := test_utils.StageMessage(t, wd, msg, map[string]string{"one": "1111"})
	second := test_utils.StageMessage(t, wd, msg, map[string]string{"two": "22"})

	w, hook := newTestWorker(t, []string{string(wd), "0", "local", "0", first}, false)
	done := make(chan ExitCode, 1)
	go func() { done <- w.Run(context.Background()) }()

	h := w.d.Host
	js, err := h.Job(0)
	require.NoError(t, err)
	waitForHandshake := func() {
		require.Eventually(t, func() bool {
			require.NoError(t, h.Lock(status_area.LockCON, time.Second))
			defer h.Unlock(status_area.LockCON)
			return js.Handshake() == status_area.HandshakeBurstWait
		}, 5*time.Second, 20*time.Millisecond)
	}

	waitForHandshake()
	require.NoError(t, h.Lock(status_area.LockCON, time.Second))
	js.SetUniqueName(second)
	h.Unlock(status_area.LockCON)

	require.Eventually(t, func() bool {
		_, err := os.Stat(wd.MessageFile(second))
		return os.IsNotExist(err)
	}, 5*time.Second, 20*time.Millisecond)
	waitForHandshake()
	require.NoError(t, h.Lock(status_area.LockCON, time.Second))
	js.SetHandshake(status_area.HandshakeWakeUpExit)
	h.Unlock(status_area.LockCON)

	select {
	case code := <-done:
		assert.Equal(t, TransferSuccess, code)
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not leave the burst wait")
	}
	assert.FileExists(t, filepath.Join(target, "one"))
	assert.FileExists(t, filepath.Join(target, "two"))
	assert.True(t, logged(hook, "copied 2 files, 6 bytes #7 [BURST]"))
	assert.EqualValues(t, 1, h.Connections())
	assert.Equal(t, status_area.HandshakeIdle, js.Handshake())
}

func TestSendWMOOverWebDAV(t *testing.T) {
	wd := test_utils.NewWorkDir(t)
	require.NoError(t, param.Set(param.Transfer_BurstWait.GetName(), time.Duration(0)))
	fs := webdav.NewMemFS()
	srv := httptest.NewServer(&webdav.Handler{FileSystem: fs, LockSystem: webdav.NewMemLS()})
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	_, port, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)

	test_utils.CreateHostArea(t, wd, "dav:127.0.0.1::1:http:2")
	require.NoError(t, os.WriteFile(filepath.Join(wd.FifoDir(), "wmo.counter"), []byte("7"), 0600))
	payload := "0123456789ABCDEFG"
	id := test_utils.StageMessage(t, wd, &job.Message{
		JobID:            3,
		Host:             "dav",
		Recipient:        fmt.Sprintf("http://dav:%s/incoming/wmo", port),
		CreateTargetDir:  true,
		FileNameIsHeader: true,
		WmoCounterFile:   "wmo.counter",
	}, map[string]string{"T_SAXX20_EDZW_011200.bin": payload})

	w, hook := newTestWorker(t, []string{string(wd), "0", "dav", "0", id}, false)
	require.Equal(t, TransferSuccess, w.Run(context.Background()), "%v", hook.AllEntries())

	f, err := fs.OpenFile(context.Background(), "/incoming/wmo/T_SAXX20_EDZW_011200.bin", os.O_RDONLY, 0)
	require.NoError(t, err)
	defer f.Close()
	var got strings.Builder
	buf := make([]byte, 256)
	for {
		n, err := f.Read(buf)
		got.Write(buf[:n])
		if err != nil {
			break
		}
	}
	assert.Equal(t, "00000052BI\x01\r\r\n007\r\r\nSAXX20 EDZW 011200\r\r\n"+payload+"\r\r\n\x03", got.String())

	counter, err := os.ReadFile(filepath.Join(wd.FifoDir(), "wmo.counter"))
	require.NoError(t, err)
	assert.Equal(t, "8", string(counter))
}

func TestRetrieveSFTPResume(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	s := test_utils.StartSSHServer(t)
	wd := test_utils.NewWorkDir(t)
	require.NoError(t, param.Set(param.Ssh_KnownHostsFile.GetName(), s.KnownHosts))
	require.NoError(t, param.Set(param.Ssh_IdentityFiles.GetName(), []string{filepath.Join(s.Root, "no-such-key")}))

	hsa := test_utils.CreateHostArea(t, wd, "sftphost:127.0.0.1::1:sftp:2")
	test_utils.CreateDirArea(t, wd, hsa, param.DirectoryConfig{
		Alias: "in",
		Url:   fmt.Sprintf("sftp://%s:%s@sftphost:%d/%s", test_utils.SSHUser, test_utils.SSHPassword, s.Port, s.Root),
	})

	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte('a' + i%26)
	}
	require.NoError(t, os.WriteFile(filepath.Join(s.Root, "data.bin"), data, 0644))
	incoming := filepath.Join(wd.IncomingDir(), "in")
	require.NoError(t, os.MkdirAll(incoming, 0750))
	require.NoError(t, os.WriteFile(filepath.Join(incoming, ".data.bin"), data[:400], 0640))

	w, hook := newTestWorker(t, []string{string(wd), "0", "sftphost", "0", "in"}, true)
	require.Equal(t, TransferSuccess, w.Run(context.Background()), "%v", hook.AllEntries())

	got, err := os.ReadFile(filepath.Join(incoming, "data.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.NoFileExists(t, filepath.Join(incoming, ".data.bin"))
	assert.True(t, logged(hook, "retrieved 1 files, 1000 bytes"))

	h := w.d.Host
	assert.EqualValues(t, 0, h.TotalFileCounter())
	assert.EqualValues(t, 0, h.TotalFileSize())
	assert.EqualValues(t, 600, h.BytesSend())

	dir := w.d.Dir
	assert.Equal(t, 0, dir.FilesToRetrieve())
	assert.EqualValues(t, 0, dir.SizeToRetrieve())
	assert.EqualValues(t, 1, dir.FilesReceived())
	assert.EqualValues(t, 600, dir.BytesReceived())
	assert.True(t, dir.NextCheckTime().After(time.Now()))

	rl, err := status_area.OpenRetrieveList(wd.RetrieveList("in"))
	require.NoError(t, err)
	defer rl.Close()
	e, ok := rl.Find("data.bin")
	require.True(t, ok)
	assert.True(t, e.Retrieved())
	assert.Equal(t, 0, e.Assigned())
	assert.EqualValues(t, 1000, e.Size())
}

func TestRetrieveDisabled(t *testing.T) {
	wd := test_utils.NewWorkDir(t)
	hsa := test_utils.CreateHostArea(t, wd, "local:localhost::1:file:1")
	remote := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(remote, "x"), []byte("x"), 0644))
	test_utils.CreateDirArea(t, wd, hsa, param.DirectoryConfig{Alias: "src", Url: "file://" + remote})
	require.NoError(t, hsa.SetFeature(status_area.DisableRetrieve, true, time.Second))

	w, hook := newTestWorker(t, []string{string(wd), "0", "local", "0", "src"}, true)
	assert.Equal(t, TransferSuccess, w.Run(context.Background()))
	assert.NoFileExists(t, filepath.Join(wd.IncomingDir(), "src", "x"))
	assert.False(t, logged(hook, "retrieved 1 files"))
}

func TestRetrieveLocalMasks(t *testing.T) {
	wd := test_utils.NewWorkDir(t)
	hsa := test_utils.CreateHostArea(t, wd, "local:localhost::1:file:1")
	remote := t.TempDir()
	for name, content := range map[string]string{"a.dat": "aaa", "b.tmp": "bb", ".hidden": "h", "c.dat": "cccc"} {
		require.NoError(t, os.WriteFile(filepath.Join(remote, name), []byte(content), 0644))
	}
	test_utils.CreateDirArea(t, wd, hsa, param.DirectoryConfig{
		Alias:    "src",
		Url:      "file://" + remote,
		FileMask: []string{"*", "!*.tmp"},
		Remove:   true,
	})

	w, hook := newTestWorker(t, []string{string(wd), "0", "local", "0", "src"}, true)
	require.Equal(t, TransferSuccess, w.Run(context.Background()), "%v", hook.AllEntries())

	incoming := filepath.Join(wd.IncomingDir(), "src")
	assert.FileExists(t, filepath.Join(incoming, "a.dat"))
	assert.FileExists(t, filepath.Join(incoming, "c.dat"))
	assert.NoFileExists(t, filepath.Join(incoming, "b.tmp"))
	assert.NoFileExists(t, filepath.Join(incoming, ".hidden"))
	assert.NoFileExists(t, filepath.Join(remote, "a.dat"), "remote files are removed")
	assert.FileExists(t, filepath.Join(remote, "b.tmp"))
	assert.True(t, logged(hook, "retrieved 2 files, 7 bytes"))
}

func TestRecoveryDecisions(t *testing.T) {
	missing := protocol.NewError(protocol.OpenRemoteError, "open", os.ErrNotExist)
	assert.Equal(t, recoverDone, openWriteRecovery(nil, false))
	assert.Equal(t, recoverRetry, openWriteRecovery(missing, true))
	assert.Equal(t, recoverFail, openWriteRecovery(missing, false))
	assert.Equal(t, recoverFail, openWriteRecovery(os.ErrPermission, true))

	busy := &os.PathError{Op: "unlink", Path: "x", Err: syscall.EBUSY}
	tests := []struct {
		name      string
		err       error
		withDelay bool
		attempt   int
		want      recovery
	}{
		{"removed", nil, false, 0, recoverDone},
		{"already gone", &os.PathError{Op: "unlink", Path: "x", Err: syscall.ENOENT}, false, 0, recoverDone},
		{"busy without delay", busy, false, 0, recoverFail},
		{"busy with delay", busy, true, 1, recoverRetry},
		{"busy retries exhausted", busy, true, 3, recoverFail},
		{"permission", os.ErrPermission, true, 0, recoverFail},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, unlinkRecovery(tc.err, tc.withDelay, tc.attempt, 3))
		})
	}
}

func TestMainIncorrect(t *testing.T) {
	assert.Equal(t, int(Incorrect), Main(context.Background(), []string{"/nowhere", "x"}, false))
	wd := config.WorkDir(t.TempDir())
	assert.NotEqual(t, int(TransferSuccess), Main(context.Background(), []string{string(wd), "0", "h", "0", "m"}, false))
}

func TestRecoverFaultResetsSlot(t *testing.T) {
	wd := test_utils.NewWorkDir(t)
	test_utils.CreateHostArea(t, wd, "local:localhost::1:file:2")
	id := test_utils.StageMessage(t, wd, &job.Message{
		JobID:     1,
		Host:      "local",
		Recipient: "file://" + t.TempDir(),
	}, map[string]string{"a.txt": "x"})

	w, hook := newTestWorker(t, []string{string(wd), "1", "local", "0", id}, false)
	w.js = w.d.Job()
	require.NoError(t, w.d.Host.SetConnectStatus(1, status_area.LOCActive, time.Second))
	w.js.SetNoOfFiles(3)
	require.Equal(t, 1, w.d.Host.ActiveTransfers())

	assert.PanicsWithValue(t, "boom", func() {
		defer w.recoverFault()
		panic("boom")
	})
	assert.Equal(t, status_area.Disconnect, w.js.ConnectStatus())
	assert.Equal(t, 0, w.js.NoOfFiles())
	assert.Equal(t, 0, w.d.Host.ActiveTransfers())
	assert.True(t, logged(hook, "Program fault: boom"))
	assert.False(t, logged(hook, "Failed to reset"))
}
