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

// Package status_area maps the shared host and directory status areas.
//
// Both areas are files holding a fixed header followed by an array of
// fixed-size records.  Every process maps them MAP_SHARED and serialises
// updates through advisory fcntl byte-range locks on the same file.
package status_area

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Kind selects the area type.
type Kind int

const (
	KindHost Kind = iota
	KindDir
	KindRetrieveList
)

func (k Kind) magic() []byte {
	switch k {
	case KindHost:
		return []byte("HSA\x00")
	case KindDir:
		return []byte("DSA\x00")
	default:
		return []byte("RL\x00\x00")
	}
}

func (k Kind) recordSize() int {
	switch k {
	case KindHost:
		return HostRecordSize
	case KindDir:
		return DirRecordSize
	default:
		return RetrieveEntrySize
	}
}

func (k Kind) String() string {
	switch k {
	case KindHost:
		return "HSA"
	case KindDir:
		return "DSA"
	default:
		return "RL"
	}
}

var (
	ErrBadMagic      = errors.New("not a status area")
	ErrLayoutVersion = errors.New("status area layout version mismatch")
	ErrShortArea     = errors.New("status area is truncated")
	ErrOutOfRange    = errors.New("record index out of range")
	ErrLockTimeout   = errors.New("timed out waiting for status area lock")
)

// Area is one mapped status area.
type Area struct {
	kind Kind
	path string
	file *os.File
	data []byte

	dev, ino    uint64
	heldMu      sync.Mutex
	heldRegions map[int][]Region
	mu          sync.Mutex // guards remapping of growable areas
}

func (a *Area) Kind() Kind   { return a.kind }
func (a *Area) Path() string { return a.path }

func (a *Area) u32(off int) uint32        { return binary.NativeEndian.Uint32(a.data[off:]) }
func (a *Area) putU32(off int, v uint32)  { binary.NativeEndian.PutUint32(a.data[off:], v) }
func (a *Area) i64(off int) int64         { return int64(binary.NativeEndian.Uint64(a.data[off:])) }
func (a *Area) putI64(off int, v int64)   { binary.NativeEndian.PutUint64(a.data[off:], uint64(v)) }
func (a *Area) Count() int                { return int(a.u32(hdrCount)) }
func (a *Area) Generation() uint32        { return a.u32(hdrGeneration) }
func (a *Area) Created() time.Time        { return time.Unix(a.i64(hdrCreated), 0) }
func (a *Area) Features() uint32          { return a.u32(hdrFeatures) }
func (a *Area) HasFeature(f uint32) bool  { return a.Features()&f != 0 }
func (a *Area) capacity() int             { return int(a.u32(hdrCapacity)) }
func (a *Area) recordOffset(i int) int    { return HeaderSize + i*a.kind.recordSize() }
func (a *Area) setCount(n int)            { a.putU32(hdrCount, uint32(n)) }

// SetFeature sets or clears feature bits under the header lock.
func (a *Area) SetFeature(f uint32, on bool, timeout time.Duration) error {
	if err := a.LockW(hdrFeatures, 4, timeout); err != nil {
		return err
	}
	defer a.Unlock(hdrFeatures, 4)
	v := a.Features()
	if on {
		v |= f
	} else {
		v &^= f
	}
	a.putU32(hdrFeatures, v)
	return nil
}

func areaSize(kind Kind, capacity int) int {
	return HeaderSize + capacity*kind.recordSize()
}

// Create builds a new area of count records at path.  init fills in the
// records while the area is still private; the finished file replaces
// path with a rename so attached readers never see a half-written area.
func Create(path string, kind Kind, count int, generation uint32, init func(*Area) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return errors.Wrapf(err, "failed to create %s area", kind)
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()
	if err := tmp.Chmod(0660); err != nil {
		_ = tmp.Close()
		return errors.Wrapf(err, "failed to chmod %s", tmpName)
	}
	if err := tmp.Truncate(int64(areaSize(kind, count))); err != nil {
		_ = tmp.Close()
		return errors.Wrapf(err, "failed to size %s", tmpName)
	}
	a, err := mapFile(tmp, kind, tmpName)
	if err != nil {
		return err
	}
	copy(a.data[hdrMagic:], kind.magic())
	a.putU32(hdrVersion, LayoutVersion)
	a.setCount(count)
	a.putI64(hdrCreated, time.Now().Unix())
	a.putU32(hdrRecordSize, uint32(kind.recordSize()))
	a.putU32(hdrGeneration, generation)
	a.putU32(hdrCapacity, uint32(count))
	if init != nil {
		if err := init(a); err != nil {
			_ = a.Detach()
			return err
		}
	}
	if err := a.Detach(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errors.Wrapf(err, "failed to install %s", path)
	}
	tmpName = ""
	return nil
}

func mapFile(f *os.File, kind Kind, path string) (*Area, error) {
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "failed to stat %s", path)
	}
	if fi.Size() < HeaderSize {
		_ = f.Close()
		return nil, errors.Wrapf(ErrShortArea, "%s", path)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "failed to map %s", path)
	}
	a := &Area{kind: kind, path: path, file: f, data: data}
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		a.dev, a.ino = uint64(st.Dev), uint64(st.Ino)
	}
	return a, nil
}

// Attach maps an existing area read-write and validates its header.
func Attach(path string, kind Kind) (*Area, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s area", kind)
	}
	a, err := mapFile(f, kind, path)
	if err != nil {
		return nil, err
	}
	if err := a.validate(); err != nil {
		_ = a.Detach()
		return nil, err
	}
	return a, nil
}

func (a *Area) validate() error {
	if !bytes.Equal(a.data[hdrMagic:hdrMagic+4], a.kind.magic()) {
		return errors.Wrapf(ErrBadMagic, "%s", a.path)
	}
	if v := a.u32(hdrVersion); v != LayoutVersion {
		return errors.Wrapf(ErrLayoutVersion, "%s has version %d, expected %d", a.path, v, LayoutVersion)
	}
	if rs := int(a.u32(hdrRecordSize)); rs != a.kind.recordSize() {
		return errors.Wrapf(ErrLayoutVersion, "%s has record size %d, expected %d", a.path, rs, a.kind.recordSize())
	}
	if a.Count() > a.capacity() || len(a.data) < areaSize(a.kind, a.capacity()) {
		return errors.Wrapf(ErrShortArea, "%s", a.path)
	}
	return nil
}

// Sync flushes the whole area to its backing file.
func (a *Area) Sync() error {
	if a.data == nil {
		return nil
	}
	return errors.Wrap(unix.Msync(a.data, unix.MS_SYNC), "msync failed")
}

// syncRange flushes the pages covering [off, off+n).
func (a *Area) syncRange(off, n int) error {
	page := os.Getpagesize()
	start := off - off%page
	end := off + n
	if end > len(a.data) {
		end = len(a.data)
	}
	return errors.Wrap(unix.Msync(a.data[start:end], unix.MS_SYNC), "msync failed")
}

// Detach syncs, unmaps and closes the area.  Closing the file drops every
// lock this process holds on it.
func (a *Area) Detach() error {
	if a.data == nil {
		return nil
	}
	syncErr := unix.Msync(a.data, unix.MS_SYNC)
	unmapErr := unix.Munmap(a.data)
	a.data = nil
	closeErr := a.file.Close()
	for _, err := range []error{syncErr, unmapErr, closeErr} {
		if err != nil {
			return errors.Wrapf(err, "failed to detach %s", a.path)
		}
	}
	return nil
}

// Stale reports whether path now holds a different area than the one
// mapped, which happens after the supervisor rebuilt it.
func (a *Area) Stale() bool {
	fi, err := os.Stat(a.path)
	if err != nil {
		return true
	}
	mine, err := a.file.Stat()
	if err != nil {
		return true
	}
	return !os.SameFile(fi, mine)
}

func (a *Area) String() string {
	return fmt.Sprintf("%s(%s, %d records, gen %d)", a.kind, a.path, a.Count(), a.Generation())
}

func getString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// putString stores s NUL padded; it is truncated so the last byte stays NUL.
func putString(b []byte, s string) {
	n := copy(b[:len(b)-1], s)
	clear(b[n:])
}
