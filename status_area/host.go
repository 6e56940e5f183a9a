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
	"sort"
	"time"

	"github.com/pkg/errors"
)

var ErrLockOrder = errors.New("status area locks taken out of order")

// Host is a typed view of one host record.
type Host struct {
	a    *Area
	idx  int
	base int
	rec  []byte
}

// Host returns the view of record i of a host area.
func (a *Area) Host(i int) (*Host, error) {
	if a.kind != KindHost {
		return nil, errors.Errorf("%s is not a host area", a.path)
	}
	if i < 0 || i >= a.Count() {
		return nil, errors.Wrapf(ErrOutOfRange, "host %d of %d", i, a.Count())
	}
	base := a.recordOffset(i)
	return &Host{a: a, idx: i, base: base, rec: a.data[base : base+HostRecordSize]}, nil
}

// Hosts returns views of every record.
func (a *Area) Hosts() []*Host {
	hosts := make([]*Host, 0, a.Count())
	for i := 0; i < a.Count(); i++ {
		if h, err := a.Host(i); err == nil {
			hosts = append(hosts, h)
		}
	}
	return hosts
}

// FindHost returns the record with the given alias.
func (a *Area) FindHost(alias string) (*Host, bool) {
	for _, h := range a.Hosts() {
		if h.Alias() == alias {
			return h, true
		}
	}
	return nil, false
}

func (h *Host) Index() int   { return h.idx }
func (h *Host) Area() *Area  { return h.a }
func (h *Host) Offset() int  { return h.base }
func (h *Host) u8(off int) uint8 { return h.rec[off] }
func (h *Host) u32(off int) uint32 {
	return binary.NativeEndian.Uint32(h.rec[off:])
}
func (h *Host) putU32(off int, v uint32) { binary.NativeEndian.PutUint32(h.rec[off:], v) }
func (h *Host) i64(off int) int64        { return int64(binary.NativeEndian.Uint64(h.rec[off:])) }
func (h *Host) putI64(off int, v int64)  { binary.NativeEndian.PutUint64(h.rec[off:], uint64(v)) }

func (h *Host) Alias() string         { return getString(h.rec[hAlias : hAlias+AliasLen]) }
func (h *Host) SetAlias(alias string) { putString(h.rec[hAlias:hAlias+AliasLen], alias) }

// RealHostname returns hostname number t (HostOne or HostTwo).
func (h *Host) RealHostname(t Toggle) string {
	off := hRealHostname
	if t == HostTwo {
		off += HostnameLen
	}
	return getString(h.rec[off : off+HostnameLen])
}

func (h *Host) SetRealHostname(t Toggle, name string) {
	off := hRealHostname
	if t == HostTwo {
		off += HostnameLen
	}
	putString(h.rec[off:off+HostnameLen], name)
}

func (h *Host) Toggle() Toggle {
	if t := Toggle(h.u8(hToggle)); t == HostTwo {
		return t
	}
	return HostOne
}
func (h *Host) SetToggle(t Toggle) { h.rec[hToggle] = uint8(t) }

// HasSecondHost reports whether the host can toggle.
func (h *Host) HasSecondHost() bool { return h.RealHostname(HostTwo) != "" }

// CurrentHostname resolves the toggle; a host without a second name
// always uses the first.
func (h *Host) CurrentHostname() string {
	if h.Toggle() == HostTwo && h.HasSecondHost() {
		return h.RealHostname(HostTwo)
	}
	return h.RealHostname(HostOne)
}

func (h *Host) Protocol() Protocol       { return Protocol(h.u8(hProtocol)) }
func (h *Host) SetProtocol(p Protocol)   { h.rec[hProtocol] = uint8(p) }
func (h *Host) AllowedTransfers() int    { return int(h.u32(hAllowed)) }
func (h *Host) SetAllowedTransfers(n int) {
	if n > MaxSlots {
		n = MaxSlots
	}
	if n < 1 {
		n = 1
	}
	h.putU32(hAllowed, uint32(n))
}
func (h *Host) ActiveTransfers() int     { return int(int32(h.u32(hActiveTransfers))) }
func (h *Host) SetActiveTransfers(n int) { h.putU32(hActiveTransfers, uint32(int32(n))) }
func (h *Host) MaxErrors() int           { return int(h.u32(hMaxErrors)) }
func (h *Host) SetMaxErrors(n int)       { h.putU32(hMaxErrors, uint32(n)) }
func (h *Host) Connections() uint64      { return uint64(h.i64(hConnections)) }
func (h *Host) SetConnections(n uint64)  { h.putI64(hConnections, int64(n)) }
func (h *Host) ErrorCounter() int        { return int(int32(h.u32(hErrorCounter))) }
func (h *Host) SetErrorCounter(n int)    { h.putU32(hErrorCounter, uint32(int32(n))) }
func (h *Host) RetryInterval() time.Duration {
	return time.Duration(h.u32(hRetryInterval)) * time.Second
}
func (h *Host) SetRetryInterval(d time.Duration) { h.putU32(hRetryInterval, uint32(d/time.Second)) }
func (h *Host) TotalErrors() uint64              { return uint64(h.i64(hTotalErrors)) }
func (h *Host) SetTotalErrors(n uint64)          { h.putI64(hTotalErrors, int64(n)) }

// ErrorHistory returns the most recent error kinds, newest first.
func (h *Host) ErrorHistory() []uint8 {
	out := make([]uint8, ErrorHistoryLen)
	copy(out, h.rec[hErrorHistory:hErrorHistory+ErrorHistoryLen])
	return out
}

// PushErrorHistory records kind as the newest error.  Callers hold LOCK_EC.
func (h *Host) PushErrorHistory(kind uint8) {
	hist := h.rec[hErrorHistory : hErrorHistory+ErrorHistoryLen]
	copy(hist[1:], hist[:ErrorHistoryLen-1])
	hist[0] = kind
}

func (h *Host) HostStatus() uint32          { return h.u32(hHostStatus) }
func (h *Host) SetHostStatus(v uint32)      { h.putU32(hHostStatus, v) }
func (h *Host) HasStatus(bits uint32) bool  { return h.HostStatus()&bits != 0 }
func (h *Host) ProtocolOptions() uint32     { return h.u32(hProtocolOptions) }
func (h *Host) SetProtocolOptions(v uint32) { h.putU32(hProtocolOptions, v) }
func (h *Host) HasOption(bit uint32) bool   { return h.ProtocolOptions()&bit != 0 }
func (h *Host) StartEvent() time.Time       { return unixTime(h.i64(hStartEvent)) }
func (h *Host) SetStartEvent(t time.Time)   { h.putI64(hStartEvent, t.Unix()) }
func (h *Host) EndEvent() time.Time         { return unixTime(h.i64(hEndEvent)) }
func (h *Host) SetEndEvent(t time.Time)     { h.putI64(hEndEvent, t.Unix()) }
func (h *Host) TotalFileCounter() int64     { return h.i64(hTotalFileCounter) }
func (h *Host) SetTotalFileCounter(n int64) { h.putI64(hTotalFileCounter, n) }
func (h *Host) TotalFileSize() int64        { return h.i64(hTotalFileSize) }
func (h *Host) SetTotalFileSize(n int64)    { h.putI64(hTotalFileSize, n) }
func (h *Host) FileCounterDone() uint64     { return uint64(h.i64(hFileCounterDone)) }
func (h *Host) SetFileCounterDone(n uint64) { h.putI64(hFileCounterDone, int64(n)) }
func (h *Host) BytesSend() uint64           { return uint64(h.i64(hBytesSend)) }
func (h *Host) SetBytesSend(n uint64)       { h.putI64(hBytesSend, int64(n)) }
func (h *Host) LastConnection() time.Time   { return unixTime(h.i64(hLastConnection)) }
func (h *Host) LastRetry() time.Time        { return unixTime(h.i64(hLastRetry)) }
func (h *Host) SetLastRetry(t time.Time)    { h.putI64(hLastRetry, t.Unix()) }
func (h *Host) BlockSize() int              { return int(h.u32(hBlockSize)) }
func (h *Host) SetBlockSize(n int)          { h.putU32(hBlockSize, uint32(n)) }
func (h *Host) TransferTimeout() time.Duration {
	return time.Duration(h.u32(hTransferTimeout)) * time.Second
}
func (h *Host) SetTransferTimeout(d time.Duration) {
	h.putU32(hTransferTimeout, uint32(d/time.Second))
}

// TransferRateLimit is trl_per_process in bytes per second; 0 is unlimited.
func (h *Host) TransferRateLimit() int64     { return h.i64(hTrl) }
func (h *Host) SetTransferRateLimit(n int64) { h.putI64(hTrl, n) }
func (h *Host) KeepConnected() time.Duration {
	return time.Duration(h.u32(hKeepConnected)) * time.Second
}
func (h *Host) SetKeepConnected(d time.Duration) { h.putU32(hKeepConnected, uint32(d/time.Second)) }
func (h *Host) Disconnect() time.Duration {
	return time.Duration(h.u32(hDisconnect)) * time.Second
}
func (h *Host) SetDisconnect(d time.Duration) { h.putU32(hDisconnect, uint32(d/time.Second)) }
func (h *Host) LogCapabilities() uint32       { return h.u32(hLogCapabilities) }
func (h *Host) SetLogCapabilities(v uint32)   { h.putU32(hLogCapabilities, v) }
func (h *Host) JobsQueued() int               { return int(h.u32(hJobsQueued)) }
func (h *Host) SetJobsQueued(n int)           { h.putU32(hJobsQueued, uint32(n)) }
func (h *Host) Debug() bool                   { return h.u32(hDebug) != 0 }
func (h *Host) SetDebug(on bool) {
	v := uint32(0)
	if on {
		v = 1
	}
	h.putU32(hDebug, v)
}

// SetLastConnection stores t unless it would move the stamp backwards.
func (h *Host) SetLastConnection(t time.Time) {
	if t.Unix() > h.i64(hLastConnection) {
		h.putI64(hLastConnection, t.Unix())
	}
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

// Lock takes one region of this host record.  Regions held through the
// same Area must be acquired in ascending order; asking for a lower region
// while a higher one is held returns ErrLockOrder.
func (h *Host) Lock(r Region, timeout time.Duration) error {
	if hi, ok := h.a.highestHeld(h.idx); ok && hi >= r {
		return errors.Wrapf(ErrLockOrder, "%s requested while %s held on %s", r, hi, h.Alias())
	}
	if err := h.a.LockW(h.base+int(r), 1, timeout); err != nil {
		return errors.Wrapf(err, "%s on %s", r, h.Alias())
	}
	h.a.markHeld(h.idx, r, true)
	return nil
}

func (h *Host) Unlock(r Region) {
	h.a.markHeld(h.idx, r, false)
	h.a.Unlock(h.base+int(r), 1)
}

// LockRegions acquires several regions in the mandated order and returns
// a function releasing them in reverse.
func (h *Host) LockRegions(timeout time.Duration, regions ...Region) (func(), error) {
	sorted := append([]Region(nil), regions...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	taken := make([]Region, 0, len(sorted))
	release := func() {
		for i := len(taken) - 1; i >= 0; i-- {
			h.Unlock(taken[i])
		}
	}
	for _, r := range sorted {
		if err := h.Lock(r, timeout); err != nil {
			release()
			return nil, err
		}
		taken = append(taken, r)
	}
	return release, nil
}

// Sync flushes this record to the backing file.
func (h *Host) Sync() error {
	return h.a.syncRange(h.base, HostRecordSize)
}

func (a *Area) highestHeld(idx int) (Region, bool) {
	a.heldMu.Lock()
	defer a.heldMu.Unlock()
	var hi Region
	found := false
	for _, r := range a.heldRegions[idx] {
		if !found || r > hi {
			hi, found = r, true
		}
	}
	return hi, found
}

func (a *Area) markHeld(idx int, r Region, held bool) {
	a.heldMu.Lock()
	defer a.heldMu.Unlock()
	if a.heldRegions == nil {
		a.heldRegions = make(map[int][]Region)
	}
	regs := a.heldRegions[idx]
	if held {
		a.heldRegions[idx] = append(regs, r)
		return
	}
	for i, cur := range regs {
		if cur == r {
			a.heldRegions[idx] = append(regs[:i], regs[i+1:]...)
			break
		}
	}
}

// Job returns the status view of slot.
func (h *Host) Job(slot int) (*JobStatus, error) {
	if slot < 0 || slot >= MaxSlots {
		return nil, errors.Wrapf(ErrOutOfRange, "slot %d", slot)
	}
	off := hJobStatus + slot*JobStatusSize
	return &JobStatus{host: h, off: off, rec: h.rec[off : off+JobStatusSize]}, nil
}

// Jobs returns the views of the allowed slots.
func (h *Host) Jobs() []*JobStatus {
	jobs := make([]*JobStatus, 0, h.AllowedTransfers())
	for i := 0; i < h.AllowedTransfers(); i++ {
		js, _ := h.Job(i)
		jobs = append(jobs, js)
	}
	return jobs
}

// CountActive counts slots whose state is included in active_transfers.
func (h *Host) CountActive() int {
	n := 0
	for _, js := range h.Jobs() {
		if js.ConnectStatus().CountsAsActive() {
			n++
		}
	}
	return n
}

// SetConnectStatus changes a slot state and keeps active_transfers in step
// under LOCK_CON.
func (h *Host) SetConnectStatus(slot int, status ConnectStatus, timeout time.Duration) error {
	js, err := h.Job(slot)
	if err != nil {
		return err
	}
	if err := h.Lock(LockCON, timeout); err != nil {
		return err
	}
	defer h.Unlock(LockCON)
	before := js.ConnectStatus().CountsAsActive()
	js.setConnectStatus(status)
	after := status.CountsAsActive()
	active := h.ActiveTransfers()
	switch {
	case after && !before:
		active++
	case before && !after:
		active--
	}
	if active < 0 {
		active = 0
	}
	if active > h.AllowedTransfers() {
		active = h.AllowedTransfers()
	}
	h.SetActiveTransfers(active)
	return nil
}
