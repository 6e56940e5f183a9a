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
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/pelicanplatform/afd/daemon"
)

// ActivePids is the content of MON_ACTIVE_FILE: every process the
// supervisor started, so that the next supervisor can clean up after a
// crash.  Each pair is one job slot of one host together with the log
// subscriber of that host; the event log sink is the last pair with a
// zero worker pid.
type ActivePids struct {
	Own    int32
	SysLog int32
	MonLog int32
	Pairs  [][2]int32
}

// ErrAlreadyRunning is returned when the pid recorded in MON_ACTIVE_FILE
// still runs.
var ErrAlreadyRunning = errors.New("another supervisor is running in this work directory")

func (a *ActivePids) marshal() []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.NativeEndian, [3]int32{a.Own, a.SysLog, a.MonLog})
	_ = binary.Write(&buf, binary.NativeEndian, int32(len(a.Pairs)))
	for _, p := range a.Pairs {
		_ = binary.Write(&buf, binary.NativeEndian, p)
	}
	return buf.Bytes()
}

// WriteActiveFile replaces path with a fully written file.
func WriteActiveFile(path string, a *ActivePids) error {
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path))
	if err := os.WriteFile(tmp, a.marshal(), 0600); err != nil {
		return errors.Wrapf(err, "failed to write %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "failed to install %s", path)
	}
	return nil
}

// ReadActiveFile decodes path.  A missing file yields nil and no error.
func ReadActiveFile(path string) (*ActivePids, error) {
	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	r := bytes.NewReader(content)
	var head [4]int32
	if err := binary.Read(r, binary.NativeEndian, &head); err != nil {
		return nil, errors.Wrapf(err, "%s is truncated", path)
	}
	if head[3] < 0 || int(head[3])*8 != r.Len() {
		return nil, errors.Errorf("%s holds %d bytes of pairs, expected %d pairs", path, r.Len(), head[3])
	}
	a := &ActivePids{Own: head[0], SysLog: head[1], MonLog: head[2], Pairs: make([][2]int32, head[3])}
	if err := binary.Read(r, binary.NativeEndian, a.Pairs); err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s", path)
	}
	return a, nil
}

// Pids lists every recorded child pid.
func (a *ActivePids) Pids() []int {
	var pids []int
	add := func(p int32) {
		if p > 0 {
			pids = append(pids, int(p))
		}
	}
	add(a.SysLog)
	add(a.MonLog)
	for _, p := range a.Pairs {
		add(p[0])
		add(p[1])
	}
	return pids
}

// killLeftovers kills what an earlier supervisor left behind.  It refuses
// to touch anything while that supervisor is still alive.
func killLeftovers(path string, self int) error {
	prev, err := ReadActiveFile(path)
	if err != nil {
		log.Warningf("Ignoring unreadable %s: %v", path, err)
		return nil
	}
	if prev == nil {
		return nil
	}
	if int(prev.Own) != self && daemon.Alive(int(prev.Own)) {
		return errors.Wrapf(ErrAlreadyRunning, "pid %d", prev.Own)
	}
	for _, pid := range prev.Pids() {
		if pid == self || !daemon.Alive(pid) {
			continue
		}
		log.Warningf("Killing leftover process %d", pid)
		if err := daemon.Signal(pid, syscall.SIGKILL); err != nil {
			log.Warning(err)
		}
	}
	return nil
}
