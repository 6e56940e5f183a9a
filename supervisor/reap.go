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
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pelicanplatform/afd/daemon"
	"github.com/pelicanplatform/afd/logging"
	"github.com/pelicanplatform/afd/metrics"
	"github.com/pelicanplatform/afd/param"
	"github.com/pelicanplatform/afd/status_area"
	"github.com/pelicanplatform/afd/worker"
)

const lockTimeout = 10 * time.Second

func (s *Supervisor) newTracker() *daemon.RestartTracker {
	return &daemon.RestartTracker{
		Max:    param.Supervisor_MaxRestarts.GetInt(),
		Window: param.Supervisor_RestartWindow.GetDuration(),
	}
}

// exitCodeOf turns a wait result into a worker exit code.  Death by a
// stop signal counts as killed, any other signal as a fault.
func exitCodeOf(cause error) (worker.ExitCode, bool) {
	code, signaled := daemon.ExitStatus(cause)
	if !signaled {
		if code < 0 {
			return worker.InternalError, false
		}
		return worker.ExitCode(code), false
	}
	switch syscall.Signal(code) {
	case syscall.SIGINT, syscall.SIGTERM, syscall.SIGKILL:
		return worker.GotKilled, true
	case syscall.SIGQUIT:
		return worker.QuitSignal, true
	}
	return worker.Faulty, true
}

func (s *Supervisor) reap(c *child, now time.Time) {
	if s.children[c.pid] != c {
		return
	}
	delete(s.children, c.pid)
	if c.kind == kindSink {
		s.sinkExited(c, now)
	} else {
		s.workerExited(c, now)
	}
	if s.hsa != nil && !s.shuttingDown {
		if err := s.writeActiveFile(); err != nil {
			log.Error(err)
		}
	}
}

func (s *Supervisor) workerExited(c *child, now time.Time) {
	key := slotKey{c.host, c.slot}
	if s.slots[key] == c {
		delete(s.slots, key)
	}
	code, signaled := exitCodeOf(context.Cause(c.ctx))
	metrics.WorkerExits.WithLabelValues(c.host, code.Class().String()).Inc()
	if code != worker.TransferSuccess {
		log.Debugf("Worker %s (pid %d) exited with %s after %s", c.name, c.pid, code, now.Sub(c.started).Round(time.Millisecond))
	}

	for _, id := range c.msgs {
		if s.inflight[id] != c {
			continue
		}
		delete(s.inflight, id)
		if q := s.queue[id]; q != nil && code.IsError() && messageExists(s.wd.MessageFile(id)) {
			q.retries++
			if h, ok := s.hsa.FindHost(c.host); ok {
				if err := h.Lock(status_area.LockTFC, lockTimeout); err == nil {
					h.SetJobsQueued(h.JobsQueued() + 1)
					h.Unlock(status_area.LockTFC)
				}
			}
		}
	}

	h, ok := s.hsa.FindHost(c.host)
	if !ok {
		return
	}
	s.resetSlot(h, c, signaled)
	if c.kind == kindRetrieve {
		s.releaseDirectory(h, c, code, now)
	}
	if code.IsError() {
		s.countError(h, code, now)
	}

	tr := s.restarts[c.host]
	if tr == nil {
		tr = s.newTracker()
		s.restarts[c.host] = tr
	}
	abnormal := code.IsError() || code == worker.QuitSignal
	switch {
	case daemon.IsExpectedRestart() || s.shuttingDown:
	case !abnormal:
		if !tr.Latched() {
			tr.Reset()
		}
	case tr.Exited(c.started, now):
		metrics.WorkerRestarts.WithLabelValues(c.host).Inc()
	default:
		log.Errorf("To many restarts of mon process for %s. Will NOT try to start it again.", c.host)
		metrics.SetComponentHealthStatus(metrics.HealthStatusComponent(c.host), metrics.StatusCritical,
			"worker restarted too often")
		s.markSlots(h, status_area.NotWorking)
	}
}

// resetSlot brings a slot back to idle after its worker is gone, whatever
// state the worker left it in.
func (s *Supervisor) resetSlot(h *status_area.Host, c *child, crashed bool) {
	js, err := h.Job(c.slot)
	if err != nil {
		return
	}
	next := status_area.Disconnect
	switch {
	case s.disabled[c.host]:
		next = status_area.Disabled
	case s.restarts[c.host] != nil && s.restarts[c.host].Latched():
		next = status_area.NotWorking
	}
	if err := h.Lock(status_area.LockCON, lockTimeout); err != nil {
		log.Errorf("Cannot reset slot %s: %v", c.name, err)
		return
	}
	left := js.ConnectStatus()
	if pid := js.Pid(); pid == c.pid || pid == 0 {
		js.SetPid(0)
		js.SetHandshake(status_area.HandshakeIdle)
		if left != status_area.Disconnect {
			js.ResetCounters()
		}
	}
	h.Unlock(status_area.LockCON)
	if left != next {
		if crashed || left.CountsAsActive() {
			log.Debugf("Resetting slot %s from %s", c.name, left)
		}
		if err := h.SetConnectStatus(c.slot, next, lockTimeout); err != nil {
			log.Errorf("Cannot reset slot %s: %v", c.name, err)
		}
	}
}

// releaseDirectory hands back retrieve list entries a dead worker still
// held and schedules the next attempt.
func (s *Supervisor) releaseDirectory(h *status_area.Host, c *child, code worker.ExitCode, now time.Time) {
	d, ok := s.dsa.FindDir(c.dir)
	if !ok {
		return
	}
	if err := d.Lock(lockTimeout); err != nil {
		log.Errorf("Cannot lock directory %s: %v", c.dir, err)
		return
	}
	defer d.Unlock()
	if d.WorkerPid() == c.pid {
		d.SetWorkerPid(0)
	}
	if code.IsError() {
		d.SetErrorCounter(d.ErrorCounter() + 1)
		d.SetNextCheckTime(now.Add(h.RetryInterval()))
	}
	if code == worker.TransferSuccess {
		return
	}
	rl, err := status_area.OpenRetrieveList(s.wd.RetrieveList(c.dir))
	if err != nil {
		return
	}
	defer rl.Close()
	released := 0
	for i := 0; i < rl.Len(); i++ {
		e, err := rl.Entry(i)
		if err != nil {
			break
		}
		if e.Assigned() == c.slot+1 {
			e.Release()
			released++
		}
	}
	if released > 0 {
		_ = rl.Sync()
		log.Debugf("Released %d retrieve list entries of %s held by %s", released, c.dir, c.name)
	}
}

// countError books a failed session on the host.  Reaching max_errors
// pauses the input queue of the host.
func (s *Supervisor) countError(h *status_area.Host, code worker.ExitCode, now time.Time) {
	unlock, err := h.LockRegions(lockTimeout, status_area.LockEC, status_area.LockHS)
	if err != nil {
		log.Errorf("Cannot count error of %s: %v", h.Alias(), err)
		return
	}
	h.SetErrorCounter(h.ErrorCounter() + 1)
	h.SetTotalErrors(h.TotalErrors() + 1)
	h.PushErrorHistory(uint8(code.Base()))
	h.SetLastRetry(now)
	paused := false
	if h.MaxErrors() > 0 && h.ErrorCounter() >= h.MaxErrors() && !h.HasStatus(status_area.AutoPauseQueue) {
		h.SetHostStatus(h.HostStatus() | status_area.AutoPauseQueue | status_area.ErrorQueueSet)
		h.SetStartEvent(now)
		paused = true
	}
	unlock()
	if paused {
		log.Warningf("Stopped input queue of %s after %d errors", h.Alias(), h.ErrorCounter())
		s.events.WithField(logging.FieldAlias, h.Alias()).Info(logging.EventStopQueue)
		metrics.SetComponentHealthStatus(metrics.HealthStatusComponent(h.Alias()), metrics.StatusWarning,
			"input queue stopped")
	}
}
