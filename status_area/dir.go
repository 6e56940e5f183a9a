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
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Dir is a typed view of one directory record.
type Dir struct {
	a    *Area
	idx  int
	base int
	rec  []byte
}

// Dir returns the view of record i of a directory area.
func (a *Area) Dir(i int) (*Dir, error) {
	if a.kind != KindDir {
		return nil, errors.Errorf("%s is not a directory area", a.path)
	}
	if i < 0 || i >= a.Count() {
		return nil, errors.Wrapf(ErrOutOfRange, "dir %d of %d", i, a.Count())
	}
	base := a.recordOffset(i)
	return &Dir{a: a, idx: i, base: base, rec: a.data[base : base+DirRecordSize]}, nil
}

func (a *Area) Dirs() []*Dir {
	dirs := make([]*Dir, 0, a.Count())
	for i := 0; i < a.Count(); i++ {
		if d, err := a.Dir(i); err == nil {
			dirs = append(dirs, d)
		}
	}
	return dirs
}

func (a *Area) FindDir(alias string) (*Dir, bool) {
	for _, d := range a.Dirs() {
		if d.Alias() == alias {
			return d, true
		}
	}
	return nil, false
}

func (d *Dir) u32(off int) uint32       { return binary.NativeEndian.Uint32(d.rec[off:]) }
func (d *Dir) putU32(off int, v uint32) { binary.NativeEndian.PutUint32(d.rec[off:], v) }
func (d *Dir) i64(off int) int64        { return int64(binary.NativeEndian.Uint64(d.rec[off:])) }
func (d *Dir) putI64(off int, v int64)  { binary.NativeEndian.PutUint64(d.rec[off:], uint64(v)) }
func (d *Dir) str(off, n int) string    { return getString(d.rec[off : off+n]) }
func (d *Dir) putStr(off, n int, s string) {
	putString(d.rec[off:off+n], s)
}

func (d *Dir) Index() int                   { return d.idx }
func (d *Dir) Alias() string                { return d.str(dAlias, AliasLen) }
func (d *Dir) SetAlias(s string)            { d.putStr(dAlias, AliasLen, s) }
func (d *Dir) URL() string                  { return d.str(dURL, URLLen) }
func (d *Dir) SetURL(s string)              { d.putStr(dURL, URLLen, s) }
func (d *Dir) RetrieveWorkDir() string      { return d.str(dRetrieveWorkDir, FileNameLen) }
func (d *Dir) SetRetrieveWorkDir(s string)  { d.putStr(dRetrieveWorkDir, FileNameLen, s) }
func (d *Dir) HostAlias() string            { return d.str(dHostAlias, AliasLen) }
func (d *Dir) SetHostAlias(s string)        { d.putStr(dHostAlias, AliasLen, s) }
func (d *Dir) HostPos() int                 { return int(int32(d.u32(dHostPos))) }
func (d *Dir) SetHostPos(n int)             { d.putU32(dHostPos, uint32(int32(n))) }
func (d *Dir) DirFlag() uint32              { return d.u32(dDirFlag) }
func (d *Dir) SetDirFlag(v uint32)          { d.putU32(dDirFlag, v) }
func (d *Dir) HasFlag(bit uint32) bool      { return d.DirFlag()&bit != 0 }
func (d *Dir) DirMtime() int64              { return d.i64(dDirMtime) }
func (d *Dir) SetDirMtime(v int64)          { d.putI64(dDirMtime, v) }
func (d *Dir) ErrorCounter() int            { return int(int32(d.u32(dErrorCounter))) }
func (d *Dir) SetErrorCounter(n int)        { d.putU32(dErrorCounter, uint32(int32(n))) }
func (d *Dir) KeepConnected() time.Duration { return time.Duration(d.u32(dKeepConnected)) * time.Second }
func (d *Dir) SetKeepConnected(v time.Duration) {
	d.putU32(dKeepConnected, uint32(v/time.Second))
}
func (d *Dir) NextCheckTime() time.Time     { return unixTime(d.i64(dNextCheckTime)) }
func (d *Dir) SetNextCheckTime(t time.Time) { d.putI64(dNextCheckTime, t.Unix()) }
func (d *Dir) CheckInterval() time.Duration { return time.Duration(d.u32(dCheckInterval)) * time.Second }
func (d *Dir) SetCheckInterval(v time.Duration) {
	d.putU32(dCheckInterval, uint32(v/time.Second))
}
func (d *Dir) ForceReread() ForceReread       { return ForceReread(d.rec[dForceReread]) }
func (d *Dir) SetForceReread(v ForceReread)   { d.rec[dForceReread] = uint8(v) }
func (d *Dir) StupidMode() StupidMode         { return StupidMode(d.rec[dStupidMode]) }
func (d *Dir) SetStupidMode(v StupidMode)     { d.rec[dStupidMode] = uint8(v) }
func (d *Dir) Remove() bool                   { return d.rec[dRemove] != 0 }
func (d *Dir) Protocol() Protocol             { return Protocol(d.rec[dProtocol]) }
func (d *Dir) SetProtocol(p Protocol)         { d.rec[dProtocol] = uint8(p) }
func (d *Dir) FilesToRetrieve() int           { return int(int32(d.u32(dFilesToRetrieve))) }
func (d *Dir) SetFilesToRetrieve(n int)       { d.putU32(dFilesToRetrieve, uint32(int32(n))) }
func (d *Dir) MaxCopiedFiles() int            { return int(d.u32(dMaxCopiedFiles)) }
func (d *Dir) SetMaxCopiedFiles(n int)        { d.putU32(dMaxCopiedFiles, uint32(n)) }
func (d *Dir) SizeToRetrieve() int64          { return d.i64(dSizeToRetrieve) }
func (d *Dir) SetSizeToRetrieve(n int64)      { d.putI64(dSizeToRetrieve, n) }
func (d *Dir) BytesReceived() uint64          { return uint64(d.i64(dBytesReceived)) }
func (d *Dir) SetBytesReceived(n uint64)      { d.putI64(dBytesReceived, int64(n)) }
func (d *Dir) FilesReceived() uint32          { return d.u32(dFilesReceived) }
func (d *Dir) SetFilesReceived(n uint32)      { d.putU32(dFilesReceived, n) }
func (d *Dir) LastRetrieval() time.Time       { return unixTime(d.i64(dLastRetrieval)) }
func (d *Dir) SetLastRetrieval(t time.Time)   { d.putI64(dLastRetrieval, t.Unix()) }
func (d *Dir) MaxCopiedFileSize() int64       { return d.i64(dMaxCopiedFileSize) }
func (d *Dir) SetMaxCopiedFileSize(n int64)   { d.putI64(dMaxCopiedFileSize, n) }
func (d *Dir) IgnoreSize() int64              { return d.i64(dIgnoreSize) }
func (d *Dir) SetIgnoreSize(n int64)          { d.putI64(dIgnoreSize, n) }
func (d *Dir) WorkerPid() int                 { return int(int32(d.u32(dWorkerPid))) }
func (d *Dir) SetWorkerPid(pid int)           { d.putU32(dWorkerPid, uint32(int32(pid))) }
func (d *Dir) IgnoreFileTime() time.Duration {
	return time.Duration(d.u32(dIgnoreFileTime)) * time.Second
}
func (d *Dir) SetIgnoreFileTime(v time.Duration) {
	d.putU32(dIgnoreFileTime, uint32(v/time.Second))
}

func (d *Dir) SetRemove(on bool) {
	d.rec[dRemove] = 0
	if on {
		d.rec[dRemove] = 1
	}
}

// FileMask returns the configured glob patterns.
func (d *Dir) FileMask() []string {
	raw := d.str(dFileMask, MaskLen)
	if raw == "" {
		return nil
	}
	return strings.Split(raw, "\n")
}

func (d *Dir) SetFileMask(masks []string) { d.putStr(dFileMask, MaskLen, strings.Join(masks, "\n")) }

// Lock takes the retrieve-list lock of this directory, the byte at its
// error_counter field.
func (d *Dir) Lock(timeout time.Duration) error {
	return errors.Wrapf(d.a.LockW(d.base+dErrorCounter, 1, timeout), "retrieve list lock of %s", d.Alias())
}

func (d *Dir) Unlock() {
	d.a.Unlock(d.base+dErrorCounter, 1)
}

func (d *Dir) Sync() error {
	return d.a.syncRange(d.base, DirRecordSize)
}
