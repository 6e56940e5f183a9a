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
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	log "github.com/sirupsen/logrus"

	"github.com/pelicanplatform/afd/archive"
	"github.com/pelicanplatform/afd/config"
	"github.com/pelicanplatform/afd/daemon"
	"github.com/pelicanplatform/afd/dupcheck"
	"github.com/pelicanplatform/afd/param"
	"github.com/pelicanplatform/afd/stats"
)

var summaryPeriods = []stats.Period{stats.Hour, stats.Day, stats.Week, stats.Month, stats.Year}

// summarize writes one summary line for every period boundary crossed
// since the last tick.
func (s *Supervisor) summarize(now time.Time) {
	crossed := false
	current := s.currentTotals()
	for _, p := range summaryPeriods {
		if !p.Crossed(s.lastSummary, now) {
			continue
		}
		crossed = true
		sum, err := s.stats.Summarize(p, current, now)
		if err != nil {
			log.Errorf("Failed to store %s summary: %v", p, err)
			continue
		}
		log.Infof("%-5s summary: %s", p, sum.Totals.Format())
	}
	s.lastSummary = now
	if crossed {
		s.prune(now)
	}
}

// currentTotals adds up the counters of all hosts and directories.
func (s *Supervisor) currentTotals() stats.Totals {
	var t stats.Totals
	for _, h := range s.hsa.Hosts() {
		t.FilesOut += h.FileCounterDone()
		t.BytesOut += h.BytesSend()
		t.Connections += h.Connections()
		t.Errors += h.TotalErrors()
	}
	for _, d := range s.dsa.Dirs() {
		t.FilesIn += uint64(d.FilesReceived())
		t.BytesIn += d.BytesReceived()
	}
	logs, _ := filepath.Glob(filepath.Join(s.wd.LogDir(), "*.0"))
	hostLogs, _ := filepath.Glob(filepath.Join(s.wd.LogDir(), "hosts", "*", "*.0"))
	for _, name := range append(logs, hostLogs...) {
		if fi, err := os.Stat(name); err == nil {
			t.LogBytes += uint64(fi.Size())
		}
	}
	return t
}

func (s *Supervisor) readConfigMtimes() [2]time.Time {
	var m [2]time.Time
	for i, path := range []string{s.wd.ConfigFile(), s.wd.HostConfig()} {
		if fi, err := os.Stat(path); err == nil {
			m[i] = fi.ModTime()
		}
	}
	return m
}

// checkConfig rebuilds the status areas when afd.yaml or HOST_CONFIG
// changed.  Otherwise it logs the totals when they moved.
func (s *Supervisor) checkConfig() error {
	mtimes := s.readConfigMtimes()
	if mtimes == s.configMtimes {
		if t := s.currentTotals(); t != s.lastTotals {
			s.lastTotals = t
			log.Infof("Totals: %s", t.Format())
		}
		return nil
	}
	s.configMtimes = mtimes
	return s.rebuild()
}

// rebuild stops all workers, re-reads the configuration and replaces both
// status areas.  Workers come back through the normal dispatch.
func (s *Supervisor) rebuild() error {
	log.Info("Configuration changed, rebuilding status areas")
	daemon.SetExpectedRestart(true)
	s.stopChildren(kindSend, kindRetrieve)
	daemon.SetExpectedRestart(false)

	if _, err := config.ReloadConfig(s.wd); err != nil {
		return err
	}
	if err := s.buildAreas(); err != nil {
		return err
	}
	s.warned = make(map[string]bool)
	if s.withSinks {
		for _, h := range s.hsa.Hosts() {
			sink := s.hostSink(h.Alias())
			if (h.LogCapabilities() != 0) != (sink != nil && !sink.stopped) {
				s.restartHostSink(h)
			}
		}
	}
	if err := s.writeActiveFile(); err != nil {
		return err
	}
	s.dispatch(time.Now())
	return nil
}

// prune drops expired archive days and duplicate markers.
func (s *Supervisor) prune(now time.Time) {
	if n, err := archive.Prune(afero.NewOsFs(), s.wd.ArchiveDir(), now); err != nil {
		log.Warningf("Failed to prune archive: %v", err)
	} else if n > 0 {
		log.Infof("Removed %d expired archive directories", n)
	}
	if n, err := dupcheck.Prune(s.wd.Fifo(config.CrcDir), param.Dupcheck_Timeout.GetDuration(), now); err != nil {
		log.Warningf("Failed to prune duplicate markers: %v", err)
	} else if n > 0 {
		log.Debugf("Removed %d expired duplicate markers", n)
	}
}
