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

package status_area

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHostArea(t *testing.T, aliases ...string) string {
	path := filepath.Join(t.TempDir(), "hsa.status")
	require.NoError(t, Create(path, KindHost, len(aliases), 1, func(a *Area) error {
		for i, alias := range aliases {
			h, err := a.Host(i)
			if err != nil {
				return err
			}
			h.SetAlias(alias)
			h.SetRealHostname(HostOne, alias+".example.org")
			h.SetToggle(HostOne)
			h.SetProtocol(ProtoSFTP)
			h.SetAllowedTransfers(2)
			h.SetTransferTimeout(30 * time.Second)
		}
		return nil
	}))
	return path
}

func TestCreateAndAttach(t *testing.T) {
	path := newHostArea(t, "ha", "hb")
	a, err := Attach(path, KindHost)
	require.NoError(t, err)
	defer a.Detach()

	assert.Equal(t, 2, a.Count())
	assert.Equal(t, uint32(1), a.Generation())
	h, ok := a.FindHost("hb")
	require.True(t, ok)
	assert.Equal(t, 1, h.Index())
	assert.Equal(t, "hb.example.org", h.CurrentHostname())
	assert.Equal(t, ProtoSFTP, h.Protocol())
	assert.Equal(t, 30*time.Second, h.TransferTimeout())

	h.SetRealHostname(HostTwo, "backup.example.org")
	h.SetToggle(HostTwo)
	assert.Equal(t, "backup.example.org", h.CurrentHostname())

	_, err = a.Host(2)
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = a.Dir(0)
	assert.Error(t, err)

	// Values written through one mapping are visible through another.
	b, err := Attach(path, KindHost)
	require.NoError(t, err)
	defer b.Detach()
	hb, err := b.Host(1)
	require.NoError(t, err)
	assert.Equal(t, HostTwo, hb.Toggle())
}

func TestAttachRejectsOtherLayouts(t *testing.T) {
	path := newHostArea(t, "ha")

	_, err := Attach(path, KindDir)
	assert.ErrorIs(t, err, ErrBadMagic)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	binary.NativeEndian.PutUint32(raw[hdrVersion:], LayoutVersion+1)
	require.NoError(t, os.WriteFile(path, raw, 0660))
	_, err = Attach(path, KindHost)
	assert.ErrorIs(t, err, ErrLayoutVersion)

	require.NoError(t, os.WriteFile(path, raw[:HeaderSize+10], 0660))
	binary.NativeEndian.PutUint32(raw[hdrVersion:], LayoutVersion)
	require.NoError(t, os.WriteFile(path, raw[:HeaderSize+10], 0660))
	_, err = Attach(path, KindHost)
	assert.ErrorIs(t, err, ErrShortArea)
}

func TestStaleAfterRecreate(t *testing.T) {
	path := newHostArea(t, "ha")
	a, err := Attach(path, KindHost)
	require.NoError(t, err)
	defer a.Detach()
	assert.False(t, a.Stale())

	require.NoError(t, Create(path, KindHost, 1, 2, nil))
	assert.True(t, a.Stale())
}

func TestFeatures(t *testing.T) {
	a, err := Attach(newHostArea(t, "ha"), KindHost)
	require.NoError(t, err)
	defer a.Detach()

	require.NoError(t, a.SetFeature(DisableRetrieve, true, time.Second))
	assert.True(t, a.HasFeature(DisableRetrieve))
	require.NoError(t, a.SetFeature(DisableRetrieve, false, time.Second))
	assert.False(t, a.HasFeature(DisableRetrieve))
}

func TestConnectStatusKeepsActiveTransfers(t *testing.T) {
	a, err := Attach(newHostArea(t, "ha"), KindHost)
	require.NoError(t, err)
	defer a.Detach()
	h, err := a.Host(0)
	require.NoError(t, err)

	steps := []struct {
		slot   int
		status ConnectStatus
		active int
	}{
		{0, Connecting, 1},
		{0, SFTPActive, 1},
		{1, Connecting, 2},
		{1, Disconnect, 1},
		{0, NotWorking, 1},
		{0, Disabled, 0},
		{0, Disconnected, 1},
		{0, Disconnect, 0},
	}
	for i, step := range steps {
		t.Run(fmt.Sprintf("%d-%s", i, step.status), func(t *testing.T) {
			require.NoError(t, h.SetConnectStatus(step.slot, step.status, time.Second))
			assert.Equal(t, step.active, h.ActiveTransfers())
			assert.Equal(t, h.CountActive(), h.ActiveTransfers())
		})
	}
}

func TestLockOrder(t *testing.T) {
	a, err := Attach(newHostArea(t, "ha"), KindHost)
	require.NoError(t, err)
	defer a.Detach()
	h, err := a.Host(0)
	require.NoError(t, err)

	require.NoError(t, h.Lock(LockEC, time.Second))
	assert.ErrorIs(t, h.Lock(LockCON, time.Second), ErrLockOrder)
	require.NoError(t, h.Lock(LockTFC, time.Second))
	h.Unlock(LockTFC)
	h.Unlock(LockEC)

	release, err := h.LockRegions(time.Second, LockTFC, LockCON, LockHS, LockEC)
	require.NoError(t, err)
	release()
	require.NoError(t, h.Lock(LockCON, 0))
	h.Unlock(LockCON)
}

func TestLockContention(t *testing.T) {
	path := newHostArea(t, "ha")
	a, err := Attach(path, KindHost)
	require.NoError(t, err)
	defer a.Detach()
	b, err := Attach(path, KindHost)
	require.NoError(t, err)
	defer b.Detach()

	ha, _ := a.Host(0)
	hb, _ := b.Host(0)
	require.NoError(t, ha.Lock(LockTFC, time.Second))
	err = hb.Lock(LockTFC, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockTimeout)
	// A different region of the same record is independent.
	require.NoError(t, hb.Lock(LockEC, time.Second))
	hb.Unlock(LockEC)
	ha.Unlock(LockTFC)
	require.NoError(t, hb.Lock(LockTFC, time.Second))
	hb.Unlock(LockTFC)
}

// fcntl never reports the caller's own locks as conflicting.
func TestLockHolderOwnProcess(t *testing.T) {
	path := newHostArea(t, "ha")
	a, err := Attach(path, KindHost)
	require.NoError(t, err)
	defer a.Detach()

	require.NoError(t, a.LockW(0, 8, time.Second))
	pid, err := a.LockHolder(0, 8)
	require.NoError(t, err)
	assert.Zero(t, pid)
	a.Unlock(0, 8)

	pid, err = a.LockHolder(0, 8)
	require.NoError(t, err)
	assert.Zero(t, pid)
}

// Many holders taking all four regions in the mandated order never
// deadlock and never lose an update.
func TestConcurrentOrderedLocking(t *testing.T) {
	path := newHostArea(t, "ha")
	const workers = 6
	const rounds = 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := Attach(path, KindHost)
			if !assert.NoError(t, err) {
				return
			}
			defer a.Detach()
			h, _ := a.Host(0)
			for i := 0; i < rounds; i++ {
				release, err := h.LockRegions(5*time.Second, LockCON, LockEC, LockHS, LockTFC)
				if !assert.NoError(t, err) {
					return
				}
				h.SetTotalFileCounter(h.TotalFileCounter() + 1)
				release()
			}
		}()
	}
	wg.Wait()

	a, err := Attach(path, KindHost)
	require.NoError(t, err)
	defer a.Detach()
	h, _ := a.Host(0)
	assert.Equal(t, int64(workers*rounds), h.TotalFileCounter())
}

func TestHandshake(t *testing.T) {
	a, err := Attach(newHostArea(t, "ha"), KindHost)
	require.NoError(t, err)
	defer a.Detach()
	h, _ := a.Host(0)
	js, err := h.Job(1)
	require.NoError(t, err)
	assert.Equal(t, 1, js.Slot())

	js.SetHandshake(HandshakeBurstWait)
	assert.Equal(t, HandshakeBurstWait, js.Handshake())
	assert.Empty(t, js.UniqueName())

	js.SetUniqueName("6530a1f2_7_0")
	assert.Equal(t, "6530a1f2_7_0", js.UniqueName())
	assert.Equal(t, HandshakeIdle, js.Handshake())

	js.SetUniqueName("a-name-longer-than-sixteen-bytes")
	assert.Len(t, js.UniqueName(), UniqueNameLen-1)

	js.SetPid(4711)
	js.SetFileNameInUse("x")
	js.Reset()
	assert.Zero(t, js.Pid())
	assert.Empty(t, js.FileNameInUse())
	assert.Equal(t, Disconnect, js.ConnectStatus())
}

func TestErrorHistory(t *testing.T) {
	a, err := Attach(newHostArea(t, "ha"), KindHost)
	require.NoError(t, err)
	defer a.Detach()
	h, _ := a.Host(0)
	for kind := uint8(1); kind <= ErrorHistoryLen+2; kind++ {
		h.PushErrorHistory(kind)
	}
	assert.Equal(t, []uint8{10, 9, 8, 7, 6, 5, 4, 3}, h.ErrorHistory())
}

func TestLastConnectionNeverDecreases(t *testing.T) {
	a, err := Attach(newHostArea(t, "ha"), KindHost)
	require.NoError(t, err)
	defer a.Detach()
	h, _ := a.Host(0)
	now := time.Now()
	h.SetLastConnection(now)
	h.SetLastConnection(now.Add(-time.Hour))
	assert.Equal(t, now.Unix(), h.LastConnection().Unix())
}

func TestDirArea(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dsa.status")
	require.NoError(t, Create(path, KindDir, 1, 1, func(a *Area) error {
		d, err := a.Dir(0)
		if err != nil {
			return err
		}
		d.SetAlias("radar")
		d.SetURL("sftp://afd@radar/data")
		d.SetStupidMode(AppendOnly)
		d.SetFileMask([]string{"*.bin", "*.h5"})
		d.SetRemove(true)
		return nil
	}))
	a, err := Attach(path, KindDir)
	require.NoError(t, err)
	defer a.Detach()
	d, ok := a.FindDir("radar")
	require.True(t, ok)
	assert.Equal(t, AppendOnly, d.StupidMode())
	assert.Equal(t, []string{"*.bin", "*.h5"}, d.FileMask())
	assert.True(t, d.Remove())

	require.NoError(t, d.Lock(time.Second))
	d.Unlock()
}

func TestRetrieveList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "radar")
	rl, err := OpenRetrieveList(path)
	require.NoError(t, err)
	defer rl.Close()

	for i := 0; i < rlGrowStep+5; i++ {
		_, err := rl.Append(fmt.Sprintf("file-%03d", i), int64(i), time.Unix(1700000000, 0))
		require.NoError(t, err)
	}
	assert.Equal(t, rlGrowStep+5, rl.Len())

	// A second mapping sees the grown list.
	other, err := OpenRetrieveList(path)
	require.NoError(t, err)
	defer other.Close()
	e, ok := other.Find("file-066")
	require.True(t, ok)
	assert.Equal(t, int64(66), e.Size())

	e, ok = rl.Find("file-001")
	require.True(t, ok)
	require.True(t, e.Assign(2))
	assert.False(t, e.Assign(3))
	assert.Error(t, e.MarkRetrieved(3))
	require.NoError(t, e.MarkRetrieved(2))
	assert.True(t, e.Retrieved())
	assert.Zero(t, e.Assigned())
	assert.False(t, e.Assign(2))

	dropped := rl.Compact(func(e *RetrieveEntry) bool { return e.Size()%2 == 0 })
	assert.Equal(t, 34, dropped)
	first, err := rl.Entry(0)
	require.NoError(t, err)
	assert.Equal(t, "file-000", first.Name())
	second, err := rl.Entry(1)
	require.NoError(t, err)
	assert.Equal(t, "file-002", second.Name())
}
