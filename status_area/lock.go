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
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const lockRetryInterval = 10 * time.Millisecond

// fcntl locks never conflict between goroutines of one process, so every
// lock is also backed by a process-wide mutex keyed by file and offset.
type lockKey struct {
	dev, ino uint64
	off      int
}

var processLocks = struct {
	mu sync.Mutex
	m  map[lockKey]*sync.Mutex
}{m: make(map[lockKey]*sync.Mutex)}

func (a *Area) regionMutex(off int) *sync.Mutex {
	key := lockKey{dev: a.dev, ino: a.ino, off: off}
	processLocks.mu.Lock()
	defer processLocks.mu.Unlock()
	m, ok := processLocks.m[key]
	if !ok {
		m = &sync.Mutex{}
		processLocks.m[key] = m
	}
	return m
}

// LockW takes a write lock on bytes [off, off+n) of the area, retrying
// until timeout.  A timeout of zero tries exactly once.
func (a *Area) LockW(off, n int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	m := a.regionMutex(off)
	for !m.TryLock() {
		if !time.Now().Before(deadline) {
			return errors.Wrapf(ErrLockTimeout, "%s offset %d", a.kind, off)
		}
		time.Sleep(lockRetryInterval)
	}

	flock := unix.Flock_t{
		Type:   unix.F_WRLCK,
		Whence: io.SeekStart,
		Start:  int64(off),
		Len:    int64(n),
	}
	for {
		err := unix.FcntlFlock(a.file.Fd(), unix.F_SETLK, &flock)
		if err == nil {
			return nil
		}
		if err != unix.EAGAIN && err != unix.EACCES && err != unix.EINTR {
			m.Unlock()
			return errors.Wrapf(err, "failed to lock %s offset %d", a.kind, off)
		}
		if !time.Now().Before(deadline) {
			m.Unlock()
			return errors.Wrapf(ErrLockTimeout, "%s offset %d", a.kind, off)
		}
		time.Sleep(lockRetryInterval)
	}
}

// Unlock releases a lock taken with LockW.
func (a *Area) Unlock(off, n int) {
	flock := unix.Flock_t{
		Type:   unix.F_UNLCK,
		Whence: io.SeekStart,
		Start:  int64(off),
		Len:    int64(n),
	}
	_ = unix.FcntlFlock(a.file.Fd(), unix.F_SETLK, &flock)
	a.regionMutex(off).Unlock()
}

// LockHolder returns the pid of another process holding a lock on
// [off, off+n), or 0.
func (a *Area) LockHolder(off, n int) (int, error) {
	flock := unix.Flock_t{
		Type:   unix.F_WRLCK,
		Whence: io.SeekStart,
		Start:  int64(off),
		Len:    int64(n),
	}
	if err := unix.FcntlFlock(a.file.Fd(), unix.F_GETLK, &flock); err != nil {
		return 0, errors.Wrap(err, "failed to query lock")
	}
	if flock.Type == unix.F_UNLCK {
		return 0, nil
	}
	return int(flock.Pid), nil
}

// Region names one of the four lockable ranges of a host record.  The
// values are the field offsets, so sorting regions yields the mandated
// acquisition order CON < EC < HS < TFC.
type Region int

const (
	LockCON Region = hActiveTransfers
	LockEC  Region = hErrorCounter
	LockHS  Region = hHostStatus
	LockTFC Region = hTotalFileCounter
)

func (r Region) String() string {
	switch r {
	case LockCON:
		return "LOCK_CON"
	case LockEC:
		return "LOCK_EC"
	case LockHS:
		return "LOCK_HS"
	case LockTFC:
		return "LOCK_TFC"
	}
	return "LOCK_?"
}
