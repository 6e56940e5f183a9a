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

package supervisor

import (
	"context"
	"io"
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

	"github.com/pelicanplatform/afd/config"
	"github.com/pelicanplatform/afd/daemon"
	"github.com/pelicanplatform/afd/fifo"
	"github.com/pelicanplatform/afd/job"
	"github.com/pelicanplatform/afd/param"
	"github.com/pelicanplatform/afd/stats"
	"github.com/pelicanplatform/afd/status_area"
	"github.com/pelicanplatform/afd/test_utils"
	"github.com/pelicanplatform/afd/worker"
)

func nullEvents() *log.Logger {
	l := log.New()
	l.SetOutput(io.Discard)
	return l
}

// fakeWorker writes a shell script that records each start in a count
// file and then runs body.
func fakeWorker(t *testing.T, body string) (exe, count string) {
	dir := t.TempDir()
	count = filepath.Join(dir, "starts")
	exe = filepath.Join(dir, "afd")
	script := "#!/bin/sh\necho \"$@\" >> " + count + "\n" + body + "\n"
	require.NoError(t, os.WriteFile(exe, []byte(script), 0755))
	return exe, count
}

func starts(t *testing.T, count string) []string {
	content, err := os.ReadFile(count)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(content)), "\n")
}

func logged(hook *test.Hook, substr string) bool {
	for _, e := range hook.AllEntries() {
		if strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

// newTestSupervisor builds the status areas for hostLines without running
// the main loop.
func newTestSupervisor(t *testing.T, exe string, hostLines ...string) (*Supervisor, config.WorkDir) {
	wd := test_utils.NewWorkDir(t)
	test_utils.WriteHostConfig(t, wd, hostLines...)
	s := New(wd, WithoutLogSinks(), WithExecutable(exe), WithEventLogger(nullEvents()))
	require.NoError(t, s.buildAreas())
	t.Cleanup(func() {
		s.signalChildren(syscall.SIGKILL, kindSend, kindRetrieve, kindSink)
		_ = s.cleanup()
	})
	return s, wd
}

func runSupervisor(t *testing.T, s *Supervisor) (context.CancelFunc, chan error) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func attachHosts(t *testing.T, wd config.WorkDir) *status_area.Area {
	hsa, err := status_area.Attach(wd.HostStatusFile(), status_area.KindHost)
	require.NoError(t, err)
	t.Cleanup(func() { _ = hsa.Detach() })
	return hsa
}

func TestActiveFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), config.MonActiveFile)
	in := &ActivePids{Own: 10, SysLog: 11, MonLog: 12, Pairs: [][2]int32{{20, 30}, {0, 30}, {0, 0}}}
	require.NoError(t, WriteActiveFile(path, in))

	out, err := ReadActiveFile(path)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Equal(t, []int{11, 12, 20, 30, 30}, out.Pids())

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.EqualValues(t, 4*4+3*8, fi.Size())

	require.NoError(t, os.WriteFile(path, []byte{1, 2, 3}, 0600))
	_, err = ReadActiveFile(path)
	assert.Error(t, err)

	missing, err := ReadActiveFile(filepath.Join(t.TempDir(), "none"))
	assert.NoError(t, err)
	assert.Nil(t, missing)
}

func TestKillLeftovers(t *testing.T) {
	path := filepath.Join(t.TempDir(), config.MonActiveFile)

	require.NoError(t, WriteActiveFile(path, &ActivePids{Own: int32(os.Getppid())}))
	assert.ErrorIs(t, killLeftovers(path, os.Getpid()), ErrAlreadyRunning)

	ctx, pid, err := daemon.ProcessLauncher{DaemonName: "leftover", Args: []string{"/bin/sh", "-c", "exec sleep 30"}}.Launch(context.Background())
	require.NoError(t, err)
	require.NoError(t, WriteActiveFile(path, &ActivePids{Own: 0, Pairs: [][2]int32{{int32(pid), 0}}}))
	require.NoError(t, killLeftovers(path, os.Getpid()))
	select {
	case <-ctx.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("leftover survived")
	}
	code, signaled := daemon.ExitStatus(context.Cause(ctx))
	assert.True(t, signaled)
	assert.Equal(t, int(syscall.SIGKILL), code)
}

func TestStatusFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), config.MonStatusFile)
	sf, err := OpenStatusFile(path)
	require.NoError(t, err)
	start := time.Unix(1700000000, 0)
	sf.SetStartTime(start)
	sf.SetState(ProcSupervisor, ProcRunning)
	sf.SetState(ProcTransferLog, ProcNotWorking)
	sf.SetState(99, ProcRunning)
	sf.SetAreas(3, 4, 2)
	require.NoError(t, sf.Close())

	sf, err = OpenStatusFile(path)
	require.NoError(t, err)
	defer sf.Close()
	assert.Equal(t, start, sf.StartTime())
	assert.Equal(t, ProcRunning, sf.State(ProcSupervisor))
	assert.Equal(t, ProcNotWorking, sf.State(ProcTransferLog))
	assert.Equal(t, ProcStopped, sf.State(99))
}

func TestExitCodeOf(t *testing.T) {
	tests := []struct {
		script   string
		code     worker.ExitCode
		signaled bool
	}{
		{"exit 0", worker.TransferSuccess, false},
		{"exit 7", worker.WriteRemoteError, false},
		{"exit 65", worker.ConnectError | worker.TimeoutFlag, false},
		{"kill -INT $$", worker.GotKilled, true},
		{"kill -QUIT $$", worker.QuitSignal, true},
		{"kill -SEGV $$", worker.Faulty, true},
	}
	for _, tc := range tests {
		t.Run(tc.script, func(t *testing.T) {
			ctx, _, err := daemon.ProcessLauncher{DaemonName: "x", Args: []string{"/bin/sh", "-c", tc.script}}.Launch(context.Background())
			require.NoError(t, err)
			<-ctx.Done()
			code, signaled := exitCodeOf(context.Cause(ctx))
			assert.Equal(t, tc.code, code)
			assert.Equal(t, tc.signaled, signaled)
		})
	}
}

func TestDispatchBooksTotalsAndBursts(t *testing.T) {
	exe, _ := fakeWorker(t, "exit 0")
	s, wd := newTestSupervisor(t, exe, "alpha:localhost::1:file:1")
	h, ok := s.hsa.FindHost("alpha")
	require.True(t, ok)

	// A running send worker in slot 0 that waits for a burst.
	c := &child{kind: kindSend, name: "alpha[0]", host: "alpha", slot: 0, pid: 99999, ctx: context.Background(), started: time.Now()}
	s.children[c.pid] = c
	s.slots[slotKey{"alpha", 0}] = c
	js, err := h.Job(0)
	require.NoError(t, err)
	js.SetHandshake(status_area.HandshakeBurstWait)

	id := test_utils.StageMessage(t, wd, &job.Message{JobID: 1, Host: "alpha", Recipient: "file:///tmp/out"},
		map[string]string{"a": "12345", "b": "123"})
	unknown := test_utils.StageMessage(t, wd, &job.Message{JobID: 2, Host: "nowhere", Recipient: "file:///tmp/out"}, nil)

	s.dispatch(time.Now())
	assert.EqualValues(t, 2, h.TotalFileCounter())
	assert.EqualValues(t, 8, h.TotalFileSize())
	assert.Equal(t, id, js.UniqueName())
	assert.Equal(t, c, s.inflight[id])
	assert.Contains(t, c.msgs, id)
	_, queued := s.queue[unknown]
	assert.False(t, queued)

	// Dispatching again neither books twice nor hands the message out again.
	s.dispatch(time.Now())
	assert.EqualValues(t, 2, h.TotalFileCounter())
	assert.Len(t, c.msgs, 1)

	delete(s.children, c.pid)
	delete(s.slots, slotKey{"alpha", 0})
}

func TestHostReady(t *testing.T) {
	s, _ := newTestSupervisor(t, "/bin/true", "alpha:localhost::1:file:2:10:60")
	h, _ := s.hsa.FindHost("alpha")
	now := time.Now()

	assert.True(t, s.hostReady(h, now))
	h.SetErrorCounter(1)
	h.SetLastRetry(now)
	assert.False(t, s.hostReady(h, now.Add(30*time.Second)), "inside retry interval")
	assert.True(t, s.hostReady(h, now.Add(61*time.Second)))

	s.slots[slotKey{"alpha", 1}] = &child{kind: kindSend}
	assert.False(t, s.hostReady(h, now.Add(61*time.Second)), "one worker at a time while in error")
	delete(s.slots, slotKey{"alpha", 1})

	h.SetErrorCounter(0)
	h.SetHostStatus(status_area.StopTransfer)
	assert.False(t, s.hostReady(h, now))
}

func TestReapResetsKilledSlot(t *testing.T) {
	s, _ := newTestSupervisor(t, "/bin/sh", "alpha:localhost::1:sftp:2")
	h, _ := s.hsa.FindHost("alpha")

	c := &child{kind: kindSend, name: "alpha[1]", host: "alpha", slot: 1}
	require.NoError(t, s.spawn(c, []string{"-c", "sleep 1; kill -KILL $$"}))
	s.slots[slotKey{"alpha", 1}] = c
	js, _ := h.Job(1)
	js.SetPid(c.pid)
	js.SetNoOfFiles(3)
	require.NoError(t, h.SetConnectStatus(1, status_area.SFTPActive, time.Second))
	require.Equal(t, 1, h.ActiveTransfers())

	select {
	case got := <-s.exits:
		s.reap(got, time.Now())
	case <-time.After(10 * time.Second):
		t.Fatal("child did not exit")
	}
	assert.Equal(t, status_area.Disconnect, js.ConnectStatus())
	assert.Equal(t, 0, h.ActiveTransfers())
	assert.Equal(t, 0, js.Pid())
	assert.Equal(t, 0, js.NoOfFiles())
	assert.Equal(t, 0, h.ErrorCounter(), "a killed worker is not a host error")
	assert.Empty(t, s.slots)
}

func TestErrorCountingPausesQueue(t *testing.T) {
	s, _ := newTestSupervisor(t, "/bin/true", "alpha:localhost::1:ftp:1:2:0")
	h, _ := s.hsa.FindHost("alpha")
	now := time.Now()

	s.countError(h, worker.ConnectError, now)
	assert.Equal(t, 1, h.ErrorCounter())
	assert.False(t, h.HasStatus(status_area.AutoPauseQueue))

	s.countError(h, worker.ConnectError|worker.TimeoutFlag, now)
	assert.Equal(t, 2, h.ErrorCounter())
	assert.EqualValues(t, 2, h.TotalErrors())
	assert.True(t, h.HasStatus(status_area.AutoPauseQueue))
	assert.Equal(t, []uint8{uint8(worker.ConnectError), uint8(worker.ConnectError)}, h.ErrorHistory()[:2])
}

func TestCommands(t *testing.T) {
	hook, restore := test_utils.SetupTestLogging(t)
	defer restore()
	s, wd := newTestSupervisor(t, "/bin/true", "alpha:localhost::1:file:2", "beta:localhost::1:file:1")
	beta, _ := s.hsa.FindHost("beta")

	// A command split over two reads.
	disable := fifo.Encode(fifo.DisableMon, 1)
	assert.False(t, s.handleCommands(disable[:2]))
	js, _ := beta.Job(0)
	assert.Equal(t, status_area.Disconnect, js.ConnectStatus())
	assert.False(t, s.handleCommands(disable[2:]))
	assert.Equal(t, status_area.Disabled, js.ConnectStatus())
	assert.Equal(t, -1, s.freeSlot(beta))
	assert.False(t, s.hostReady(beta, time.Now()))

	assert.False(t, s.handleCommands(fifo.Encode(fifo.EnableMon, 1)))
	assert.Equal(t, status_area.Disconnected, js.ConnectStatus())
	assert.True(t, s.hostReady(beta, time.Now()))

	assert.False(t, s.handleCommands([]byte{0x7f}))
	assert.True(t, logged(hook, "Reading garbage"))

	assert.False(t, s.handleCommands(fifo.Encode(fifo.DisableMon, 9)))

	require.NoError(t, fifo.Make(wd.Fifo(config.ProbeOnlyFifo)))
	probe, err := fifo.OpenReader(wd.Fifo(config.ProbeOnlyFifo))
	require.NoError(t, err)
	defer probe.Close()
	assert.False(t, s.handleCommands(fifo.Encode(fifo.IsAlive, 0)))
	buf := make([]byte, 1)
	require.NoError(t, probe.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = probe.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, fifo.Ackn, buf[0])

	assert.True(t, s.handleCommands(fifo.Encode(fifo.Shutdown, 0)))
}

func TestSummaries(t *testing.T) {
	hook, restore := test_utils.SetupTestLogging(t)
	defer restore()
	s, wd := newTestSupervisor(t, "/bin/true", "alpha:localhost::1:file:1")
	store, err := stats.Open(wd.StatsDB())
	require.NoError(t, err)
	s.stats = store

	h, _ := s.hsa.FindHost("alpha")
	start := time.Date(2026, 3, 4, 10, 59, 0, 0, time.Local)
	require.NoError(t, store.Init(s.currentTotals(), start))
	s.lastSummary = start
	h.SetFileCounterDone(5)
	h.SetBytesSend(5 << 20)

	s.summarize(start.Add(30 * time.Second))
	assert.False(t, logged(hook, "summary"))
	s.summarize(start.Add(90 * time.Second))
	assert.True(t, logged(hook, "hour  summary: files in 0 (0 bytes), files out 5 (5.00 MiB)"), "%v", hook.AllEntries())

	recent, err := store.Recent(stats.Hour, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.EqualValues(t, 5, recent[0].FilesOut)
}

func TestRestartStorm(t *testing.T) {
	hook, restore := test_utils.SetupTestLogging(t)
	defer restore()
	exe, count := fakeWorker(t, "exit 1")
	s, wd := newTestSupervisor(t, exe, "storm:localhost::1:file:1:100:0")
	require.NoError(t, param.Set(param.Supervisor_RescanTime.GetName(), 100*time.Millisecond))
	require.NoError(t, param.Set(param.Supervisor_MaxRestarts.GetName(), 20))
	require.NoError(t, param.Set(param.Supervisor_RestartWindow.GetName(), 5*time.Second))
	test_utils.StageMessage(t, wd, &job.Message{JobID: 3, Host: "storm", Recipient: "file:///tmp/storm"},
		map[string]string{"x": "1"})

	_, done := runSupervisor(t, s)
	require.Eventually(t, func() bool {
		return logged(hook, "To many restarts of mon process for storm. Will NOT try to start it again.")
	}, 60*time.Second, 50*time.Millisecond)

	runs := starts(t, count)
	assert.Len(t, runs, 21, "one start plus 20 restarts")
	assert.True(t, strings.HasPrefix(runs[0], "worker send "+string(wd)+" 0 storm 0 "), runs[0])
	assert.Contains(t, runs[1], "-o 1")

	hsa := attachHosts(t, wd)
	h, _ := hsa.FindHost("storm")
	js, _ := h.Job(0)
	assert.Eventually(t, func() bool { return js.ConnectStatus() == status_area.NotWorking }, 5*time.Second, 50*time.Millisecond)
	assert.EqualValues(t, 21, h.TotalErrors())

	time.Sleep(300 * time.Millisecond)
	assert.Len(t, starts(t, count), 21, "latched host is left alone")

	require.NoError(t, fifo.Send(wd.Fifo(config.MonCmdFifo), fifo.Encode(fifo.Shutdown, 0)))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(20 * time.Second):
		t.Fatal("supervisor did not shut down")
	}
}

func TestGracefulShutdown(t *testing.T) {
	hook, restore := test_utils.SetupTestLogging(t)
	defer restore()
	exe, count := fakeWorker(t, "exec sleep 30")
	s, wd := newTestSupervisor(t, exe, "calm:localhost::1:file:2")
	require.NoError(t, param.Set(param.Supervisor_MaxShutdownTime.GetName(), 2*time.Second))
	test_utils.StageMessage(t, wd, &job.Message{JobID: 4, Host: "calm", Recipient: "file:///tmp/calm"},
		map[string]string{"x": "1"})

	_, done := runSupervisor(t, s)
	activeFile := wd.Fifo(config.MonActiveFile)
	var workerPid int32
	require.Eventually(t, func() bool {
		a, err := ReadActiveFile(activeFile)
		if err != nil || a == nil || len(a.Pairs) != 2 {
			return false
		}
		workerPid = a.Pairs[0][0]
		return workerPid > 0 && int(a.Own) == os.Getpid()
	}, 20*time.Second, 50*time.Millisecond)
	assert.Len(t, starts(t, count), 1)

	require.NoError(t, fifo.Send(wd.Fifo(config.MonCmdFifo), fifo.Encode(fifo.Shutdown, 0)))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(20 * time.Second):
		t.Fatal("supervisor did not shut down")
	}
	assert.False(t, daemon.Alive(int(workerPid)))
	_, err := os.Stat(activeFile)
	assert.True(t, os.IsNotExist(err), "active file is removed")
	assert.True(t, logged(hook, "Shutdown on "))

	sf, err := OpenStatusFile(wd.Fifo(config.MonStatusFile))
	require.NoError(t, err)
	defer sf.Close()
	assert.Equal(t, ProcShutdown, sf.State(ProcSupervisor))
	assert.False(t, sf.ShutdownTime().Before(sf.StartTime()))

	hsa := attachHosts(t, wd)
	h, _ := hsa.FindHost("calm")
	assert.Equal(t, 0, h.ActiveTransfers())
	assert.Equal(t, 0, h.ErrorCounter())
}
