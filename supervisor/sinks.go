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
	"fmt"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pelicanplatform/afd/config"
	"github.com/pelicanplatform/afd/daemon"
	"github.com/pelicanplatform/afd/fifo"
	"github.com/pelicanplatform/afd/logging"
	"github.com/pelicanplatform/afd/metrics"
	"github.com/pelicanplatform/afd/param"
	"github.com/pelicanplatform/afd/status_area"
)

// sinkSpec is one log sink the supervisor keeps alive.  host is empty for
// the three installation wide logs.
type sinkSpec struct {
	name    string
	proc    int
	host    string
	fifo    string
	dir     string
	logName string

	child   *child
	tracker *daemon.RestartTracker
	retryAt time.Time
	stopped bool
	restart bool
}

func (s *Supervisor) initSinks() {
	logDir := s.wd.LogDir()
	tracker := func() *daemon.RestartTracker {
		return &daemon.RestartTracker{
			Max:    param.Supervisor_MaxLogRestarts.GetInt(),
			Window: param.Supervisor_RestartWindow.GetDuration(),
		}
	}
	s.sinks = []*sinkSpec{
		{name: "system_log", proc: ProcSystemLog, fifo: s.wd.Fifo(config.SystemLogFifo), dir: logDir, logName: "SYSTEM_LOG", tracker: tracker()},
		{name: "transfer_log", proc: ProcTransferLog, fifo: s.wd.Fifo(config.TransferLogFifo), dir: logDir, logName: "TRANSFER_LOG", tracker: tracker()},
		{name: "event_log", proc: ProcEventLog, fifo: s.wd.Fifo(config.EventLogFifo), dir: logDir, logName: "EVENT_LOG", tracker: tracker()},
	}
	for _, h := range s.hsa.Hosts() {
		if h.LogCapabilities() != 0 {
			s.sinks = append(s.sinks, s.newHostSink(h.Alias()))
		}
	}
}

func (s *Supervisor) newHostSink(alias string) *sinkSpec {
	return &sinkSpec{
		name:    "log_" + alias,
		proc:    -1,
		host:    alias,
		fifo:    s.wd.HostLogFifo(alias),
		dir:     s.wd.HostLogDir(alias),
		logName: "TRANSFER_LOG",
	}
}

func (s *Supervisor) hostSink(alias string) *sinkSpec {
	for _, sink := range s.sinks {
		if sink.host == alias {
			return sink
		}
	}
	return nil
}

// startDueSinks starts every sink that is not running and whose retry
// time has come.
func (s *Supervisor) startDueSinks(now time.Time) {
	if s.shuttingDown {
		return
	}
	failed := 0
	for _, sink := range s.sinks {
		if sink.child != nil || sink.stopped || now.Before(sink.retryAt) {
			if sink.stopped {
				failed++
			}
			continue
		}
		if err := s.startSink(sink); err != nil {
			log.Errorf("Failed to start log process %s: %v", sink.name, err)
			sink.retryAt = now.Add(param.Supervisor_LogRetryInterval.GetDuration())
			failed++
		}
	}
	if failed > 0 {
		metrics.SetComponentHealthStatus(metrics.Supervisor_LogSinks, metrics.StatusWarning,
			fmt.Sprintf("%d log processes not running", failed))
	} else {
		metrics.SetComponentHealthStatus(metrics.Supervisor_LogSinks, metrics.StatusOK, "")
	}
}

func (s *Supervisor) startSink(sink *sinkSpec) error {
	if sink.host != "" {
		if err := fifo.Make(sink.fifo); err != nil {
			return err
		}
	}
	args := []string{"log-sink",
		"--fifo", sink.fifo,
		"--dir", sink.dir,
		"--name", sink.logName,
		"--max-size", strconv.FormatInt(int64(param.Logging_MaxLogSize.GetByteSize()), 10),
		"--max-files", strconv.Itoa(param.Logging_MaxLogFiles.GetInt()),
	}
	c := &child{kind: kindSink, name: sink.name, host: sink.host, sink: sink}
	if err := s.spawn(c, args); err != nil {
		return err
	}
	sink.child = c
	sink.retryAt = time.Time{}
	if s.status != nil {
		s.status.SetState(sink.proc, ProcRunning)
	}
	log.Debugf("Started log process %s (pid %d) writing %s", sink.name, c.pid, filepath.Join(sink.dir, sink.logName))
	if s.hsa != nil {
		if err := s.writeActiveFile(); err != nil {
			log.Error(err)
		}
	}
	return nil
}

// sinkExited applies the log restart policy.  The installation logs always
// come back, up to Supervisor.MaxLogRestarts quick restarts when that is
// set.  A host subscriber retries after Supervisor.LogRetryInterval unless
// it only missed a packet.
func (s *Supervisor) sinkExited(c *child, now time.Time) {
	sink := c.sink
	sink.child = nil
	if s.shuttingDown {
		if s.status != nil {
			s.status.SetState(sink.proc, ProcStopped)
		}
		return
	}
	code, signaled := daemon.ExitStatus(context.Cause(c.ctx))
	exit := logging.SinkExit(code)
	if signaled {
		exit = logging.SinkRemoteHangup
	}

	if sink.host == "" {
		if sink.tracker.Exited(c.started, now) {
			log.Warningf("Log process %s terminated (%s), restarting", sink.name, exit)
			if s.status != nil {
				s.status.SetState(sink.proc, ProcRestarting)
			}
			return
		}
		sink.stopped = true
		log.Errorf("Log process %s restarted too often. Will NOT try to start it again.", sink.name)
		if s.status != nil {
			s.status.SetState(sink.proc, ProcNotWorking)
		}
		return
	}

	if sink.restart {
		sink.restart = false
		return
	}
	switch exit {
	case logging.SinkMissedPacket, logging.SinkOK:
	case logging.SinkRemoteHangup, logging.SinkDataTimeout, logging.SinkFailedCmd, logging.SinkConnectError:
		sink.retryAt = now.Add(param.Supervisor_LogRetryInterval.GetDuration())
		log.Warningf("Log process %s terminated (%s), retrying at %s", sink.name, exit, sink.retryAt.Format(time.TimeOnly))
	default:
		sink.stopped = true
		log.Errorf("Log process %s failed (%s). Will NOT try to start it again.", sink.name, exit)
	}
}

// restartHostSink follows a change of the log capabilities of h.
func (s *Supervisor) restartHostSink(h *status_area.Host) {
	alias := h.Alias()
	sink := s.hostSink(alias)
	if h.LogCapabilities() == 0 {
		if sink != nil {
			sink.stopped = true
			if sink.child != nil {
				_ = daemon.Signal(sink.child.pid, syscall.SIGINT)
			}
			log.Infof("Stopped log subscriber of %s", alias)
		}
		return
	}
	if sink == nil {
		sink = s.newHostSink(alias)
		s.sinks = append(s.sinks, sink)
	}
	sink.stopped = false
	sink.retryAt = time.Time{}
	if sink.child != nil {
		sink.restart = true
		_ = daemon.Signal(sink.child.pid, syscall.SIGINT)
	}
	log.Infof("Restarting log subscriber of %s with capabilities 0x%x", alias, h.LogCapabilities())
	if s.withSinks && sink.child == nil {
		s.startDueSinks(time.Now())
	}
}
