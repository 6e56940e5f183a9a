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

package fifo

import (
	"encoding/binary"
	"fmt"
)

// Command bytes accepted on MON_CMD_FIFO.
const (
	Shutdown   byte = 1
	IsAlive    byte = 2
	GotLC      byte = 3
	DisableMon byte = 4
	EnableMon  byte = 5

	// Ackn is written to PROBE_ONLY_FIFO in reply to IsAlive.
	Ackn byte = 6
	// WakeUp is any byte written to FD_WAKE_UP_FIFO.
	WakeUp byte = 0
)

const indexLen = 4

// Command is one decoded record.  Index is set for commands that carry a
// host index.
type Command struct {
	Code  byte
	Index int32
}

func (c Command) String() string {
	switch c.Code {
	case Shutdown:
		return "SHUTDOWN"
	case IsAlive:
		return "IS_ALIVE"
	case GotLC:
		return fmt.Sprintf("GOT_LC(%d)", c.Index)
	case DisableMon:
		return fmt.Sprintf("DISABLE_MON(%d)", c.Index)
	case EnableMon:
		return fmt.Sprintf("ENABLE_MON(%d)", c.Index)
	}
	return fmt.Sprintf("0x%02x", c.Code)
}

func hasIndex(code byte) bool {
	return code == GotLC || code == DisableMon || code == EnableMon
}

// Encode returns the wire form of a command.
func Encode(code byte, index int32) []byte {
	if !hasIndex(code) {
		return []byte{code}
	}
	buf := make([]byte, 1+indexLen)
	buf[0] = code
	binary.NativeEndian.PutUint32(buf[1:], uint32(index))
	return buf
}

// Decoder splits the command byte stream into records.  A record cut short
// by a read boundary is kept and completed by the next Feed.
type Decoder struct {
	pending []byte
}

// Feed consumes p and returns every complete command plus the bytes that
// were skipped as garbage, one at a time.
func (d *Decoder) Feed(p []byte) (cmds []Command, garbage []byte) {
	buf := append(d.pending, p...)
	d.pending = nil
	i := 0
	for i < len(buf) {
		code := buf[i]
		switch {
		case code == Shutdown || code == IsAlive:
			cmds = append(cmds, Command{Code: code})
			i++
		case hasIndex(code):
			if len(buf)-i < 1+indexLen {
				d.pending = append([]byte(nil), buf[i:]...)
				return
			}
			idx := int32(binary.NativeEndian.Uint32(buf[i+1 : i+1+indexLen]))
			cmds = append(cmds, Command{Code: code, Index: idx})
			i += 1 + indexLen
		default:
			garbage = append(garbage, code)
			i++
		}
	}
	return
}

// Pending reports how many bytes of an incomplete record are buffered.
func (d *Decoder) Pending() int {
	return len(d.pending)
}
