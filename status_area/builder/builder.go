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

// Package builder turns the parsed configuration into status areas.
package builder

import (
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/pelicanplatform/afd/host_config"
	"github.com/pelicanplatform/afd/job"
	"github.com/pelicanplatform/afd/param"
	"github.com/pelicanplatform/afd/status_area"
)

// BuildHostArea writes a host status area with one record per entry.
// Runtime state of hosts that already exist in prev (counters, error state,
// queue flags) is carried over; prev may be nil.
func BuildHostArea(path string, hosts []*host_config.HostEntry, generation uint32, prev *status_area.Area) error {
	return status_area.Create(path, status_area.KindHost, len(hosts), generation, func(a *status_area.Area) error {
		if prev != nil {
			if err := a.SetFeature(prev.Features(), true, 0); err != nil {
				return err
			}
		}
		for i, e := range hosts {
			h, err := a.Host(i)
			if err != nil {
				return err
			}
			fillHost(h, e)
			if prev != nil {
				if old, ok := prev.FindHost(e.Alias); ok {
					carryHost(h, old)
				}
			}
		}
		return nil
	})
}

func fillHost(h *status_area.Host, e *host_config.HostEntry) {
	h.SetAlias(e.Alias)
	h.SetRealHostname(status_area.HostOne, e.RealHostname[0])
	h.SetRealHostname(status_area.HostTwo, e.RealHostname[1])
	h.SetToggle(e.Toggle)
	h.SetProtocol(e.Protocol)
	h.SetAllowedTransfers(e.AllowedTransfers)
	h.SetMaxErrors(e.MaxErrors)
	h.SetRetryInterval(e.RetryInterval)
	h.SetBlockSize(int(e.BlockSize))
	h.SetTransferRateLimit(e.TransferRateLimit)
	h.SetTransferTimeout(e.TransferTimeout)
	h.SetKeepConnected(e.KeepConnected)
	h.SetProtocolOptions(e.ProtocolOptions)
	h.SetHostStatus(e.HostStatus)
	for _, js := range h.Jobs() {
		js.Reset()
	}
}

func carryHost(h, old *status_area.Host) {
	h.SetHostStatus(old.HostStatus())
	h.SetErrorCounter(old.ErrorCounter())
	h.SetTotalErrors(old.TotalErrors())
	for _, kind := range reversed(old.ErrorHistory()) {
		h.PushErrorHistory(kind)
	}
	h.SetConnections(old.Connections())
	h.SetFileCounterDone(old.FileCounterDone())
	h.SetBytesSend(old.BytesSend())
	h.SetTotalFileCounter(old.TotalFileCounter())
	h.SetTotalFileSize(old.TotalFileSize())
	h.SetLastConnection(old.LastConnection())
	h.SetLastRetry(old.LastRetry())
	h.SetStartEvent(old.StartEvent())
	h.SetEndEvent(old.EndEvent())
	h.SetLogCapabilities(old.LogCapabilities())
	h.SetDebug(old.Debug())
	h.SetJobsQueued(old.JobsQueued())
}

func reversed(in []uint8) []uint8 {
	out := make([]uint8, len(in))
	for i, v := range in {
		out[len(in)-1-i] = v
	}
	return out
}

// BuildDirArea writes a directory status area for dirs.  The host of each
// directory URL is looked up in hsa to fill in the host position.
// incoming is the root of the per-directory retrieve work dirs.
func BuildDirArea(path string, dirs []param.DirectoryConfig, generation uint32, hsa *status_area.Area, incoming string, prev *status_area.Area) error {
	return status_area.Create(path, status_area.KindDir, len(dirs), generation, func(a *status_area.Area) error {
		for i, cfg := range dirs {
			d, err := a.Dir(i)
			if err != nil {
				return err
			}
			if err := fillDir(d, cfg, hsa, incoming); err != nil {
				return errors.Wrapf(err, "directory %s", cfg.Alias)
			}
			if prev != nil {
				if old, ok := prev.FindDir(cfg.Alias); ok {
					d.SetDirMtime(old.DirMtime())
					d.SetErrorCounter(old.ErrorCounter())
					d.SetBytesReceived(old.BytesReceived())
					d.SetFilesReceived(old.FilesReceived())
					d.SetLastRetrieval(old.LastRetrieval())
					d.SetNextCheckTime(old.NextCheckTime())
				}
			}
		}
		return nil
	})
}

func fillDir(d *status_area.Dir, cfg param.DirectoryConfig, hsa *status_area.Area, incoming string) error {
	if cfg.Alias == "" {
		return errors.New("directory without alias")
	}
	r, err := job.ParseRecipient(cfg.Url)
	if err != nil {
		return err
	}
	d.SetAlias(cfg.Alias)
	d.SetURL(cfg.Url)
	d.SetProtocol(r.Protocol)
	d.SetRetrieveWorkDir(filepath.Join(incoming, cfg.Alias))
	d.SetHostAlias(r.Host)
	d.SetHostPos(-1)
	if hsa != nil {
		if h, ok := hsa.FindHost(r.Host); ok {
			d.SetHostPos(h.Index())
		}
	}
	d.SetFileMask(cfg.FileMask)
	d.SetRemove(cfg.Remove)
	d.SetStupidMode(status_area.ParseStupidMode(cfg.StupidMode))
	d.SetForceReread(status_area.ParseForceReread(cfg.ForceReread))
	d.SetKeepConnected(cfg.KeepConnected)
	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = time.Minute
	}
	d.SetCheckInterval(interval)
	if cfg.DoNotParallelize {
		d.SetDirFlag(d.DirFlag() | status_area.DoNotParallelize)
	}
	d.SetMaxCopiedFiles(cfg.MaxCopiedFiles)
	d.SetMaxCopiedFileSize(int64(cfg.MaxCopiedFileSize))
	d.SetIgnoreSize(int64(cfg.IgnoreSize))
	d.SetIgnoreFileTime(cfg.IgnoreFileTime)
	return nil
}
