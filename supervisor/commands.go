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
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/pelicanplatform/afd/config"
	"github.com/pelicanplatform/afd/daemon"
	"github.com/pelicanplatform/afd/fifo"
	"github.com/pelicanplatform/afd/metrics"
	"github.com/pelicanplatform/afd/status_area"
)

// handleCommands feeds p to the command decoder and acts on every complete
// record.  It reports whether a shutdown was requested.
func (s *Supervisor) handleCommands(p []byte) bool {
	cmds, garbage := s.decoder.Feed(p)
	for _, b := range garbage {
		log.Warningf("Reading garbage on %s: 0x%02x", config.MonCmdFifo, b)
	}
	shutdown := false
	for _, cmd := range cmds {
		log.Debugf("Command %s", cmd)
		switch cmd.Code {
		case fifo.Shutdown:
			shutdown = true
		case fifo.IsAlive:
			if err := fifo.Send(s.wd.Fifo(config.ProbeOnlyFifo), []byte{fifo.Ackn}); err != nil {
				log.Debugf("Cannot acknowledge IS_ALIVE: %v", err)
			}
		case fifo.GotLC:
			s.withHost(cmd, s.restartHostSink)
		case fifo.DisableMon:
			s.withHost(cmd, s.disableHost)
		case fifo.EnableMon:
			s.withHost(cmd, s.enableHost)
		}
	}
	return shutdown
}

func (s *Supervisor) withHost(cmd fifo.Command, fn func(*status_area.Host)) {
	h, err := s.hsa.Host(int(cmd.Index))
	if err != nil {
		log.Warningf("%s: %v", cmd, errors.Wrapf(err, "host index %d", cmd.Index))
		return
	}
	fn(h)
}

// disableHost stops every worker of h and keeps its slots DISABLED until
// enableHost.
func (s *Supervisor) disableHost(h *status_area.Host) {
	alias := h.Alias()
	s.disabled[alias] = true
	for slot := 0; slot < h.AllowedTransfers(); slot++ {
		if c := s.slots[slotKey{alias, slot}]; c != nil {
			if err := daemon.Signal(c.pid, syscall.SIGINT); err != nil {
				log.Warning(err)
			}
		}
	}
	s.markSlots(h, status_area.Disabled)
	log.Infof("Disabled monitoring of %s", alias)
	metrics.SetComponentHealthStatus(metrics.HealthStatusComponent(alias), metrics.StatusWarning, "disabled")
}

// enableHost lifts a disable or a restart latch and makes the idle slots
// of h available again.
func (s *Supervisor) enableHost(h *status_area.Host) {
	alias := h.Alias()
	delete(s.disabled, alias)
	if tr := s.restarts[alias]; tr != nil {
		tr.Reset()
	}
	s.markSlots(h, status_area.Disconnected)
	log.Infof("Enabled monitoring of %s", alias)
	metrics.SetComponentHealthStatus(metrics.HealthStatusComponent(alias), metrics.StatusOK, "")
	s.dispatch(time.Now())
}
