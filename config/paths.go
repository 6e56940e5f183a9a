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

package config

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// WorkDir is the root of one AFD installation.
type WorkDir string

const (
	HostConfigFile    = "HOST_CONFIG"
	MonCmdFifo        = "MON_CMD_FIFO"
	ProbeOnlyFifo     = "PROBE_ONLY_FIFO"
	FdWakeUpFifo      = "FD_WAKE_UP_FIFO"
	SystemLogFifo     = "SYSTEM_LOG_FIFO"
	TransferLogFifo   = "TRANSFER_LOG_FIFO"
	EventLogFifo      = "EVENT_LOG_FIFO"
	MonActiveFile     = "MON_ACTIVE_FILE"
	MonStatusFile     = "AFD_MON_STATUS_FILE"
	HostLogFifoPrefix = "transfer_log."
	CrcDir            = "CRC_DIR"
	RetrieveListDir   = "ls_data"
)

func (wd WorkDir) String() string        { return string(wd) }
func (wd WorkDir) EtcDir() string        { return filepath.Join(string(wd), "etc") }
func (wd WorkDir) FifoDir() string       { return filepath.Join(string(wd), "fifodir") }
func (wd WorkDir) LogDir() string        { return filepath.Join(string(wd), "log") }
func (wd WorkDir) MessageDir() string    { return filepath.Join(string(wd), "messages") }
func (wd WorkDir) OutgoingDir() string   { return filepath.Join(string(wd), "files", "outgoing") }
func (wd WorkDir) IncomingDir() string   { return filepath.Join(string(wd), "files", "incoming") }
func (wd WorkDir) ArchiveDir() string    { return filepath.Join(string(wd), "archive") }
func (wd WorkDir) ConfigFile() string    { return filepath.Join(wd.EtcDir(), ConfigName+".yaml") }
func (wd WorkDir) HostConfig() string    { return filepath.Join(wd.EtcDir(), HostConfigFile) }
func (wd WorkDir) StatsDB() string       { return filepath.Join(string(wd), "stats.sqlite") }
func (wd WorkDir) Fifo(name string) string {
	return filepath.Join(wd.FifoDir(), name)
}

// HostStatusFile and DirStatusFile name the mapped status areas.  A rebuild
// replaces the file, so attached processes notice it through Area.Stale.
func (wd WorkDir) HostStatusFile() string { return filepath.Join(wd.FifoDir(), "hsa.status") }
func (wd WorkDir) DirStatusFile() string  { return filepath.Join(wd.FifoDir(), "dsa.status") }

func (wd WorkDir) RetrieveList(dirAlias string) string {
	return filepath.Join(wd.FifoDir(), RetrieveListDir, dirAlias)
}

func (wd WorkDir) HostLogFifo(alias string) string {
	return filepath.Join(wd.FifoDir(), HostLogFifoPrefix+alias)
}

func (wd WorkDir) HostLogDir(alias string) string {
	return filepath.Join(wd.LogDir(), "hosts", alias)
}

func (wd WorkDir) MessageFile(msgID string) string {
	return filepath.Join(wd.MessageDir(), msgID)
}

func (wd WorkDir) StagingDir(msgID string) string {
	return filepath.Join(wd.OutgoingDir(), msgID)
}

// MakeLayout creates every directory a work dir needs.
func (wd WorkDir) MakeLayout() error {
	for _, dir := range []string{
		wd.EtcDir(), wd.FifoDir(), filepath.Join(wd.FifoDir(), RetrieveListDir),
		filepath.Join(wd.FifoDir(), CrcDir), wd.LogDir(), wd.MessageDir(),
		wd.OutgoingDir(), wd.IncomingDir(), wd.ArchiveDir(),
	} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return errors.Wrapf(err, "failed to create %s", dir)
		}
	}
	return nil
}
