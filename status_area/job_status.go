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
)

// JobStatus is the view of one slot of a host record.
type JobStatus struct {
	host *Host
	off  int
	rec  []byte
}

func (js *JobStatus) u32(off int) uint32       { return binary.NativeEndian.Uint32(js.rec[off:]) }
func (js *JobStatus) putU32(off int, v uint32) { binary.NativeEndian.PutUint32(js.rec[off:], v) }
func (js *JobStatus) i64(off int) int64        { return int64(binary.NativeEndian.Uint64(js.rec[off:])) }
func (js *JobStatus) putI64(off int, v int64)  { binary.NativeEndian.PutUint64(js.rec[off:], uint64(v)) }

// Slot returns the index of this slot in job_status[].
func (js *JobStatus) Slot() int { return (js.off - hJobStatus) / JobStatusSize }

func (js *JobStatus) ConnectStatus() ConnectStatus     { return ConnectStatus(js.rec[jConnectStatus]) }
func (js *JobStatus) setConnectStatus(s ConnectStatus) { js.rec[jConnectStatus] = uint8(s) }

func (js *JobStatus) BurstCounter() uint32     { return js.u32(jBurstCounter) }
func (js *JobStatus) SetBurstCounter(n uint32) { js.putU32(jBurstCounter, n) }
func (js *JobStatus) NoOfFiles() int           { return int(int32(js.u32(jNoOfFiles))) }
func (js *JobStatus) SetNoOfFiles(n int)       { js.putU32(jNoOfFiles, uint32(int32(n))) }
func (js *JobStatus) NoOfFilesDone() int       { return int(int32(js.u32(jNoOfFilesDone))) }
func (js *JobStatus) SetNoOfFilesDone(n int)   { js.putU32(jNoOfFilesDone, uint32(int32(n))) }
func (js *JobStatus) FileSize() int64          { return js.i64(jFileSize) }
func (js *JobStatus) SetFileSize(n int64)      { js.putI64(jFileSize, n) }
func (js *JobStatus) FileSizeDone() int64      { return js.i64(jFileSizeDone) }
func (js *JobStatus) SetFileSizeDone(n int64)  { js.putI64(jFileSizeDone, n) }
func (js *JobStatus) FileSizeInUse() int64     { return js.i64(jFileSizeInUse) }
func (js *JobStatus) SetFileSizeInUse(n int64) { js.putI64(jFileSizeInUse, n) }
func (js *JobStatus) FileSizeInUseDone() int64 { return js.i64(jFileSizeInUseDone) }
func (js *JobStatus) SetFileSizeInUseDone(n int64) {
	js.putI64(jFileSizeInUseDone, n)
}
func (js *JobStatus) BytesSend() uint64     { return uint64(js.i64(jBytesSend)) }
func (js *JobStatus) SetBytesSend(n uint64) { js.putI64(jBytesSend, int64(n)) }
func (js *JobStatus) FileNameInUse() string {
	return getString(js.rec[jFileNameInUse : jFileNameInUse+FileNameLen])
}
func (js *JobStatus) SetFileNameInUse(name string) {
	putString(js.rec[jFileNameInUse:jFileNameInUse+FileNameLen], name)
}
func (js *JobStatus) Pid() int        { return int(int32(js.u32(jPid))) }
func (js *JobStatus) SetPid(pid int)  { js.putU32(jPid, uint32(int32(pid))) }
func (js *JobStatus) JobID() uint32   { return js.u32(jJobID) }
func (js *JobStatus) SetJobID(id uint32) { js.putU32(jJobID, id) }

func (js *JobStatus) uniqueName() []byte {
	return js.rec[jUniqueName : jUniqueName+UniqueNameLen]
}

// UniqueName returns the message id currently assigned to the slot, or ""
// while the slot only carries a handshake value.
func (js *JobStatus) UniqueName() string {
	u := js.uniqueName()
	if u[0] == 0 {
		return ""
	}
	return getString(u)
}

// SetUniqueName assigns a message id.  An empty name clears the field.
func (js *JobStatus) SetUniqueName(name string) {
	putString(js.uniqueName(), name)
}

// Handshake returns unique_name[2] when no message id is stored.
func (js *JobStatus) Handshake() byte {
	u := js.uniqueName()
	if u[0] != 0 {
		return HandshakeIdle
	}
	return u[2]
}

// SetHandshake clears any message id and stores v in unique_name[2].
func (js *JobStatus) SetHandshake(v byte) {
	u := js.uniqueName()
	clear(u)
	u[2] = v
}

// ResetCounters zeros the per-file progress fields.
func (js *JobStatus) ResetCounters() {
	js.SetNoOfFiles(0)
	js.SetNoOfFilesDone(0)
	js.SetFileSize(0)
	js.SetFileSizeDone(0)
	js.SetFileSizeInUse(0)
	js.SetFileSizeInUseDone(0)
	js.SetFileNameInUse("")
}

// Reset returns the slot to its idle state, the way the supervisor cleans
// up after a worker it reaped.  The caller updates active_transfers.
func (js *JobStatus) Reset() {
	js.setConnectStatus(Disconnect)
	js.ResetCounters()
	js.SetBurstCounter(0)
	js.SetUniqueName("")
	js.SetPid(0)
	js.SetJobID(0)
}
