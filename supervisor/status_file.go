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
	"bytes"
	"encoding/binary"
	"os"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ProcState is the state byte of one supervised process in the status
// file.
type ProcState uint8

const (
	ProcStopped ProcState = iota
	ProcRunning
	ProcRestarting
	ProcNotWorking
	ProcShutdown
)

// Process slots of the status file.
const (
	ProcSupervisor = iota
	ProcSystemLog
	ProcTransferLog
	ProcEventLog
	procCount
)

var statusMagic = []byte("AFDM")

const (
	sfMagic      = 0
	sfVersion    = 4
	sfStartTime  = 8
	sfShutdown   = 16
	sfGeneration = 24
	sfHosts      = 28
	sfActive     = 32
	sfStates     = 36
	statusSize   = 64

	statusVersion = 1
)

// StatusFile is the mapped AFD_MON_STATUS_FILE.
type StatusFile struct {
	f    *os.File
	data []byte
}

// OpenStatusFile maps path, creating or re-initialising it when it does
// not hold a status file of this version.
func OpenStatusFile(path string) (*StatusFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0640)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	if err := f.Truncate(statusSize); err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "failed to size %s", path)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, statusSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "failed to map %s", path)
	}
	s := &StatusFile{f: f, data: data}
	if !bytes.Equal(data[sfMagic:sfMagic+4], statusMagic) || binary.NativeEndian.Uint32(data[sfVersion:]) != statusVersion {
		clear(data)
		copy(data[sfMagic:], statusMagic)
		binary.NativeEndian.PutUint32(data[sfVersion:], statusVersion)
	}
	return s, nil
}

func (s *StatusFile) SetStartTime(t time.Time) {
	binary.NativeEndian.PutUint64(s.data[sfStartTime:], uint64(t.Unix()))
}

func (s *StatusFile) StartTime() time.Time {
	return time.Unix(int64(binary.NativeEndian.Uint64(s.data[sfStartTime:])), 0)
}

func (s *StatusFile) SetShutdownTime(t time.Time) {
	binary.NativeEndian.PutUint64(s.data[sfShutdown:], uint64(t.Unix()))
}

func (s *StatusFile) ShutdownTime() time.Time {
	return time.Unix(int64(binary.NativeEndian.Uint64(s.data[sfShutdown:])), 0)
}

func (s *StatusFile) SetState(proc int, state ProcState) {
	if proc >= 0 && proc < procCount {
		s.data[sfStates+proc] = uint8(state)
	}
}

func (s *StatusFile) State(proc int) ProcState {
	if proc < 0 || proc >= procCount {
		return ProcStopped
	}
	return ProcState(s.data[sfStates+proc])
}

// SetAreas records the generation and size of the host status area and
// the number of active transfers.
func (s *StatusFile) SetAreas(generation uint32, hosts, active int) {
	binary.NativeEndian.PutUint32(s.data[sfGeneration:], generation)
	binary.NativeEndian.PutUint32(s.data[sfHosts:], uint32(hosts))
	binary.NativeEndian.PutUint32(s.data[sfActive:], uint32(active))
}

func (s *StatusFile) Sync() error {
	return unix.Msync(s.data, unix.MS_SYNC)
}

// Close syncs and unmaps the file.
func (s *StatusFile) Close() error {
	if s.data == nil {
		return nil
	}
	err := s.Sync()
	if uerr := unix.Munmap(s.data); err == nil {
		err = uerr
	}
	s.data = nil
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	return err
}
