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

package job

import (
	"strings"

	"github.com/pkg/errors"
)

// LockMode is the dialect used to hide a file from the remote side while it
// is being written.
type LockMode int

const (
	LockNone LockMode = iota
	LockDot
	LockDotVMS
	LockPostfix
	LockPrefix
	LockFile
	LockUnique
)

var lockModeNames = map[string]LockMode{
	"":               LockDot,
	"NONE":           LockNone,
	"OFF":            LockNone,
	"DOT":            LockDot,
	"DOT_VMS":        LockDotVMS,
	"POSTFIX":        LockPostfix,
	"PREFIX":         LockPrefix,
	"LOCKFILE":       LockFile,
	"UNIQUE_LOCKING": LockUnique,
}

func ParseLockMode(s string) (LockMode, error) {
	mode, ok := lockModeNames[strings.ToUpper(strings.TrimSpace(s))]
	if !ok {
		return LockNone, errors.Errorf("unknown lock mode %q", s)
	}
	return mode, nil
}

func (m LockMode) String() string {
	for name, mode := range lockModeNames {
		if mode == m && name != "" && name != "OFF" {
			return name
		}
	}
	return "UNKNOWN"
}

// Locking resolves temporary and final names of one session.
type Locking struct {
	Mode   LockMode
	Prefix string
	Suffix string
	Unique string
}

// TempName is the name a file is written under.  The second result is
// false when the file is written under its final name.
func (l Locking) TempName(name string) (string, bool) {
	switch l.Mode {
	case LockDot, LockDotVMS:
		return "." + name, true
	case LockPostfix:
		return name + l.Suffix, true
	case LockPrefix:
		return l.Prefix + name, true
	case LockUnique:
		return name + "." + l.Unique, true
	}
	return name, false
}

// FinalName is the name after the closing rename.  VMS targets need an
// extension separator, so DOT_VMS appends a '.' to names without one.
func (l Locking) FinalName(name string) string {
	if l.Mode == LockDotVMS && !strings.Contains(name, ".") {
		return name + "."
	}
	return name
}
