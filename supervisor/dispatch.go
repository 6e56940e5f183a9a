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
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pelicanplatform/afd/job"
	"github.com/pelicanplatform/afd/status_area"
)

// queued is a message the supervisor has seen.  Its files are booked on
// the host totals once, when it is first seen.
type queued struct {
	id      string
	host    string
	created time.Time
	files   int
	size    int64
	retries int
}

func (s *Supervisor) dispatch(now time.Time) {
	if s.shuttingDown || s.hsa == nil {
		return
	}
	s.scheduleRetrieves(now)
	for _, q := range s.pendingMessages() {
		s.dispatchMessage(q, now)
	}
}

// pendingMessages loads new message files and returns the messages not
// held by any worker, oldest first.
func (s *Supervisor) pendingMessages() []*queued {
	entries, err := os.ReadDir(s.wd.MessageDir())
	if err != nil {
		log.Warningf("Failed to read message directory: %v", err)
		return nil
	}
	present := make(map[string]bool, len(entries))
	var pending []*queued
	for _, e := range entries {
		id := e.Name()
		if e.IsDir() || strings.HasPrefix(id, ".") {
			continue
		}
		present[id] = true
		if _, held := s.inflight[id]; held {
			continue
		}
		q, ok := s.queue[id]
		if !ok {
			if q = s.loadMessage(id); q == nil {
				continue
			}
		}
		pending = append(pending, q)
	}
	for id := range s.queue {
		if !present[id] {
			delete(s.queue, id)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].created.Equal(pending[j].created) {
			return pending[i].created.Before(pending[j].created)
		}
		return pending[i].id < pending[j].id
	})
	return pending
}

func (s *Supervisor) loadMessage(id string) *queued {
	msg, err := job.LoadMessage(s.wd.MessageFile(id))
	if err != nil {
		s.warnOnce("msg:"+id, "Ignoring message %s: %v", id, err)
		return nil
	}
	q := &queued{id: id, host: msg.Host}
	if _, created, err := job.ParseMessageID(id); err == nil {
		q.created = created
	}
	files, err := os.ReadDir(s.wd.StagingDir(id))
	if err != nil && !os.IsNotExist(err) {
		s.warnOnce("msg:"+id, "Cannot read staging directory of %s: %v", id, err)
		return nil
	}
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		if fi, err := f.Info(); err == nil {
			q.files++
			q.size += fi.Size()
		}
	}
	h, ok := s.hsa.FindHost(q.host)
	if !ok {
		s.warnOnce("host:"+q.host, "Message %s is for unknown host %s", id, q.host)
		return nil
	}
	if err := h.Lock(status_area.LockTFC, lockTimeout); err != nil {
		log.Errorf("Failed to book message %s on %s: %v", id, q.host, err)
		return nil
	}
	h.SetTotalFileCounter(h.TotalFileCounter() + int64(q.files))
	h.SetTotalFileSize(h.TotalFileSize() + q.size)
	h.SetJobsQueued(h.JobsQueued() + 1)
	h.Unlock(status_area.LockTFC)
	s.queue[id] = q
	log.Debugf("Queued message %s for %s: %d files, %d bytes", id, q.host, q.files, q.size)
	return q
}

func (s *Supervisor) warnOnce(key, format string, args ...interface{}) {
	if s.warned[key] {
		return
	}
	s.warned[key] = true
	log.Warningf(format, args...)
}

func (s *Supervisor) dispatchMessage(q *queued, now time.Time) {
	h, ok := s.hsa.FindHost(q.host)
	if !ok || !s.hostReady(h, now) {
		return
	}
	if c := s.burstSlot(h, q.id); c != nil {
		c.msgs = append(c.msgs, q.id)
		s.inflight[q.id] = c
		s.dequeue(h)
		log.Debugf("Handed message %s to %s", q.id, c.name)
		return
	}
	slot := s.freeSlot(h)
	if slot < 0 {
		return
	}
	c := &child{kind: kindSend, host: h.Alias(), slot: slot, msgs: []string{q.id}}
	args := &job.Args{WorkDir: s.wd.String(), Slot: slot, HostID: h.Alias(), HostPos: h.Index(),
		Target: q.id, Retries: q.retries}
	if s.startWorker(h, c, "send", args) {
		s.inflight[q.id] = c
		s.dequeue(h)
	}
}

func (s *Supervisor) dequeue(h *status_area.Host) {
	if err := h.Lock(status_area.LockTFC, lockTimeout); err != nil {
		return
	}
	if n := h.JobsQueued(); n > 0 {
		h.SetJobsQueued(n - 1)
	}
	h.Unlock(status_area.LockTFC)
}

// burstSlot gives msgID to a send worker of h that waits for more work.
// The assignment happens under LOCK_CON, the lock the worker reads the
// slot under.
func (s *Supervisor) burstSlot(h *status_area.Host, msgID string) *child {
	if h.HasOption(status_area.DisableBursting) {
		return nil
	}
	for slot := 0; slot < h.AllowedTransfers(); slot++ {
		c := s.slots[slotKey{h.Alias(), slot}]
		if c == nil || c.kind != kindSend {
			continue
		}
		js, err := h.Job(slot)
		if err != nil {
			continue
		}
		if err := h.Lock(status_area.LockCON, lockTimeout); err != nil {
			return nil
		}
		hs := js.Handshake()
		ok := (hs == status_area.HandshakeBurstWait || hs == status_area.HandshakeSleeping) && js.UniqueName() == ""
		if ok {
			js.SetUniqueName(msgID)
		}
		h.Unlock(status_area.LockCON)
		if ok {
			return c
		}
	}
	return nil
}

// hostReady reports whether new work may start on h.  A host in error
// state gets one worker at a time, and only after its retry interval.
func (s *Supervisor) hostReady(h *status_area.Host, now time.Time) bool {
	alias := h.Alias()
	if s.disabled[alias] {
		return false
	}
	if tr := s.restarts[alias]; tr != nil && tr.Latched() {
		return false
	}
	if h.HasStatus(status_area.StopTransfer | status_area.HostConfigHostDisabled) {
		return false
	}
	if h.ErrorCounter() > 0 {
		if now.Before(h.LastRetry().Add(h.RetryInterval())) {
			return false
		}
		for slot := 0; slot < h.AllowedTransfers(); slot++ {
			if s.slots[slotKey{alias, slot}] != nil {
				return false
			}
		}
	}
	return true
}

func (s *Supervisor) freeSlot(h *status_area.Host) int {
	for slot := 0; slot < h.AllowedTransfers(); slot++ {
		if s.slots[slotKey{h.Alias(), slot}] != nil {
			continue
		}
		js, err := h.Job(slot)
		if err != nil {
			return -1
		}
		switch js.ConnectStatus() {
		case status_area.Disabled, status_area.NotWorking:
			continue
		}
		return slot
	}
	return -1
}

// startWorker launches "worker <mode>" for c on h.
func (s *Supervisor) startWorker(h *status_area.Host, c *child, mode string, args *job.Args) bool {
	c.name = fmt.Sprintf("%s[%d]", h.Alias(), c.slot)
	argv := append([]string{"worker", mode}, args.Argv()...)
	if err := s.spawn(c, argv); err != nil {
		log.Errorf("Failed to start %s worker for %s: %v", mode, c.name, err)
		return false
	}
	s.slots[slotKey{c.host, c.slot}] = c
	if js, err := h.Job(c.slot); err == nil {
		if err := h.Lock(status_area.LockCON, lockTimeout); err == nil {
			js.SetPid(c.pid)
			h.Unlock(status_area.LockCON)
		}
	}
	if _, ok := s.restarts[c.host]; !ok {
		s.restarts[c.host] = s.newTracker()
	}
	log.Debugf("Started %s worker %s (pid %d) for %s", mode, c.name, c.pid, args.Target)
	if err := s.writeActiveFile(); err != nil {
		log.Error(err)
	}
	return true
}

// scheduleRetrieves starts a retrieve worker for every directory whose
// next check time has come.  A second worker joins a directory only when
// files are still waiting and the directory allows parallel retrieval.
func (s *Supervisor) scheduleRetrieves(now time.Time) {
	if s.dsa == nil || s.dsa.HasFeature(status_area.DisableRetrieve) {
		return
	}
	for _, d := range s.dsa.Dirs() {
		if d.HasFlag(status_area.DirDisabled|status_area.DirStopped) || d.HostPos() < 0 {
			continue
		}
		running := s.dirWorkers(d.Alias())
		if running > 0 {
			if d.HasFlag(status_area.DoNotParallelize) || d.FilesToRetrieve() == 0 {
				continue
			}
		} else if now.Before(d.NextCheckTime()) {
			continue
		}
		h, err := s.hsa.Host(d.HostPos())
		if err != nil || !s.hostReady(h, now) {
			continue
		}
		slot := s.freeSlot(h)
		if slot < 0 {
			continue
		}
		c := &child{kind: kindRetrieve, host: h.Alias(), slot: slot, dir: d.Alias()}
		args := &job.Args{WorkDir: s.wd.String(), Slot: slot, HostID: h.Alias(), HostPos: h.Index(), Target: d.Alias()}
		if !s.startWorker(h, c, "retrieve", args) {
			continue
		}
		if err := d.Lock(lockTimeout); err == nil {
			d.SetWorkerPid(c.pid)
			d.Unlock()
		}
	}
}

func (s *Supervisor) dirWorkers(alias string) int {
	n := 0
	for _, c := range s.slots {
		if c.kind == kindRetrieve && c.dir == alias {
			n++
		}
	}
	return n
}

// markSlots stamps every idle slot of h.
func (s *Supervisor) markSlots(h *status_area.Host, status status_area.ConnectStatus) {
	for slot := 0; slot < h.AllowedTransfers(); slot++ {
		if s.slots[slotKey{h.Alias(), slot}] != nil {
			continue
		}
		if err := h.SetConnectStatus(slot, status, lockTimeout); err != nil {
			log.Warningf("Failed to set %s[%d] to %s: %v", h.Alias(), slot, status, err)
		}
	}
}

func messageExists(path string) bool {
	_, err := os.Stat(filepath.Clean(path))
	return err == nil
}
