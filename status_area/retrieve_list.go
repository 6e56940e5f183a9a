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
	"os"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	rlName      = 0
	rlSize      = 256
	rlPrevSize  = 264
	rlMtime     = 272
	rlGotDate   = 280
	rlRetrieved = 281
	rlInList    = 282
	rlAssigned  = 283

	RetrieveEntrySize = 288

	rlGrowStep = 64
	// MaxRetrieveEntries bounds one directory's retrieve list.
	MaxRetrieveEntries = 65536
)

var ErrRetrieveListFull = errors.New("retrieve list is full")

// RetrieveList is the mapped roster of remote files of one directory.
// Callers hold the directory lock (Dir.Lock) around every mutation.
type RetrieveList struct {
	a *Area
}

// OpenRetrieveList attaches the list at path, creating an empty one first
// when it does not exist.
func OpenRetrieveList(path string) (*RetrieveList, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := Create(path, KindRetrieveList, 0, 0, nil); err != nil {
			return nil, err
		}
	}
	a, err := Attach(path, KindRetrieveList)
	if err != nil {
		return nil, err
	}
	return &RetrieveList{a: a}, nil
}

func (rl *RetrieveList) Close() error { return rl.a.Detach() }

// Refresh remaps the list when another process grew it.
func (rl *RetrieveList) Refresh() error {
	rl.a.mu.Lock()
	defer rl.a.mu.Unlock()
	fi, err := rl.a.file.Stat()
	if err != nil {
		return errors.Wrap(err, "failed to stat retrieve list")
	}
	if int(fi.Size()) == len(rl.a.data) {
		return nil
	}
	return rl.remap(int(fi.Size()))
}

func (rl *RetrieveList) remap(size int) error {
	if err := unix.Munmap(rl.a.data); err != nil {
		return errors.Wrap(err, "failed to unmap retrieve list")
	}
	data, err := unix.Mmap(int(rl.a.file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		rl.a.data = nil
		return errors.Wrap(err, "failed to map retrieve list")
	}
	rl.a.data = data
	return nil
}

func (rl *RetrieveList) grow(capacity int) error {
	rl.a.mu.Lock()
	defer rl.a.mu.Unlock()
	size := areaSize(KindRetrieveList, capacity)
	if err := rl.a.file.Truncate(int64(size)); err != nil {
		return errors.Wrap(err, "failed to grow retrieve list")
	}
	if err := rl.remap(size); err != nil {
		return err
	}
	rl.a.putU32(hdrCapacity, uint32(capacity))
	return nil
}

func (rl *RetrieveList) Len() int { return rl.a.Count() }

// Entry returns a view of entry i.  Views are invalidated by Append.
func (rl *RetrieveList) Entry(i int) (*RetrieveEntry, error) {
	if i < 0 || i >= rl.Len() {
		return nil, errors.Wrapf(ErrOutOfRange, "retrieve list entry %d of %d", i, rl.Len())
	}
	off := rl.a.recordOffset(i)
	if off+RetrieveEntrySize > len(rl.a.data) {
		if err := rl.Refresh(); err != nil {
			return nil, err
		}
		if off+RetrieveEntrySize > len(rl.a.data) {
			return nil, errors.Wrapf(ErrShortArea, "retrieve list entry %d", i)
		}
	}
	return &RetrieveEntry{idx: i, rec: rl.a.data[off : off+RetrieveEntrySize]}, nil
}

func (rl *RetrieveList) Find(name string) (*RetrieveEntry, bool) {
	for i := 0; i < rl.Len(); i++ {
		e, _ := rl.Entry(i)
		if e.Name() == name {
			return e, true
		}
	}
	return nil, false
}

// Append adds a new entry seen on the remote listing.
func (rl *RetrieveList) Append(name string, size int64, mtime time.Time) (*RetrieveEntry, error) {
	n := rl.Len()
	if n >= MaxRetrieveEntries {
		return nil, ErrRetrieveListFull
	}
	if n >= rl.a.capacity() {
		if err := rl.grow(n + rlGrowStep); err != nil {
			return nil, err
		}
	}
	rl.a.setCount(n + 1)
	e, err := rl.Entry(n)
	if err != nil {
		return nil, err
	}
	clear(e.rec)
	e.SetName(name)
	e.SetSize(size)
	e.SetMtime(mtime)
	e.SetInList(true)
	return e, nil
}

// Compact drops entries for which keep returns false, preserving order.
func (rl *RetrieveList) Compact(keep func(*RetrieveEntry) bool) int {
	w := 0
	for r := 0; r < rl.Len(); r++ {
		e, _ := rl.Entry(r)
		if !keep(e) {
			continue
		}
		if w != r {
			dst, _ := rl.Entry(w)
			copy(dst.rec, e.rec)
		}
		w++
	}
	dropped := rl.Len() - w
	rl.a.setCount(w)
	return dropped
}

func (rl *RetrieveList) Sync() error { return rl.a.Sync() }

// RetrieveEntry is a view of one retrieve-list entry.
type RetrieveEntry struct {
	idx int
	rec []byte
}

func (e *RetrieveEntry) Index() int       { return e.idx }
func (e *RetrieveEntry) Name() string     { return getString(e.rec[rlName : rlName+FileNameLen]) }
func (e *RetrieveEntry) SetName(s string) { putString(e.rec[rlName:rlName+FileNameLen], s) }
func (e *RetrieveEntry) Size() int64 {
	return int64(binary.NativeEndian.Uint64(e.rec[rlSize:]))
}
func (e *RetrieveEntry) SetSize(n int64) { binary.NativeEndian.PutUint64(e.rec[rlSize:], uint64(n)) }
func (e *RetrieveEntry) PrevSize() int64 {
	return int64(binary.NativeEndian.Uint64(e.rec[rlPrevSize:]))
}
func (e *RetrieveEntry) SetPrevSize(n int64) {
	binary.NativeEndian.PutUint64(e.rec[rlPrevSize:], uint64(n))
}
func (e *RetrieveEntry) Mtime() time.Time {
	return unixTime(int64(binary.NativeEndian.Uint64(e.rec[rlMtime:])))
}
func (e *RetrieveEntry) SetMtime(t time.Time) {
	binary.NativeEndian.PutUint64(e.rec[rlMtime:], uint64(t.Unix()))
}
func (e *RetrieveEntry) GotDate() bool     { return e.rec[rlGotDate] != 0 }
func (e *RetrieveEntry) SetGotDate(v bool) { e.rec[rlGotDate] = boolByte(v) }
func (e *RetrieveEntry) Retrieved() bool   { return e.rec[rlRetrieved] != 0 }
func (e *RetrieveEntry) InList() bool      { return e.rec[rlInList] != 0 }
func (e *RetrieveEntry) SetInList(v bool)  { e.rec[rlInList] = boolByte(v) }

// Assigned returns slot+1 of the owning worker, or 0.
func (e *RetrieveEntry) Assigned() int { return int(e.rec[rlAssigned]) }

// Assign hands the entry to slot.  Only unassigned, unretrieved entries
// can be taken.
func (e *RetrieveEntry) Assign(slot int) bool {
	if e.Retrieved() || e.rec[rlAssigned] != 0 {
		return false
	}
	e.rec[rlAssigned] = uint8(slot + 1)
	return true
}

// Release drops the assignment without completing the entry.
func (e *RetrieveEntry) Release() { e.rec[rlAssigned] = 0 }

// MarkRetrieved completes the entry.  Only the assigned slot may do this;
// the assignment is cleared in the same step so retrieved and assigned
// never overlap.
func (e *RetrieveEntry) MarkRetrieved(slot int) error {
	if e.Assigned() != slot+1 {
		return errors.Errorf("entry %s is assigned to %d, not slot %d", e.Name(), e.Assigned()-1, slot)
	}
	e.rec[rlRetrieved] = 1
	e.rec[rlAssigned] = 0
	return nil
}

// Reopen makes a retrieved entry eligible again, used when the remote
// file changed.
func (e *RetrieveEntry) Reopen() {
	e.rec[rlRetrieved] = 0
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
