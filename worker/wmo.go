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

package worker

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	soh = 0x01
	etx = 0x03

	// wmoPrefixLen is the 8 digit length plus the 2 letter type.
	wmoPrefixLen = 10
)

var wmoTypes = map[byte]string{'I': "BI", 'A': "AN", 'F': "FX"}

// wmoHeading turns a file name like T_SAXX20_EDZW_011200.bin into the
// bulletin heading "SAXX20 EDZW 011200".  A one letter type prefix is
// dropped and the name ends at the first '.' or ';'.
func wmoHeading(name string) string {
	if len(name) > 2 && name[1] == '_' {
		name = name[2:]
	}
	if i := strings.IndexAny(name, ".;"); i >= 0 {
		name = name[:i]
	}
	return strings.ReplaceAll(name, "_", " ")
}

// wmoFrame is the envelope written around one file.
type wmoFrame struct {
	Header  []byte
	Trailer []byte
}

// Len is the number of bytes the frame adds to the payload.
func (f wmoFrame) Len() int64 { return int64(len(f.Header) + len(f.Trailer)) }

// newWMOFrame builds the envelope for a payload of size bytes.  counter < 0
// leaves the counter line out.  The length field counts everything after
// the 10 byte prefix.
func newWMOFrame(name string, counter int, mode byte, withLength bool, size int64) wmoFrame {
	var body strings.Builder
	body.WriteString("\x01\r\r\n")
	if counter >= 0 {
		fmt.Fprintf(&body, "%03d\r\r\n", counter%1000)
	}
	body.WriteString(wmoHeading(name))
	body.WriteString("\r\r\n")
	trailer := []byte("\r\r\n\x03")

	header := []byte(body.String())
	if withLength {
		typ, ok := wmoTypes[mode]
		if !ok {
			typ = wmoTypes['I']
		}
		total := int64(len(header)) + size + int64(len(trailer))
		header = append([]byte(fmt.Sprintf("%08d%s", total, typ)), header...)
	}
	return wmoFrame{Header: header, Trailer: trailer}
}

// nextWMOCounter returns the counter stored in path and stores its
// successor, wrapping to 0 after max.  The file is locked while it is
// updated so that parallel workers hand out distinct values.
func nextWMOCounter(path string, max int) (int, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to open WMO counter file %s", path)
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return 0, errors.Wrapf(err, "failed to lock WMO counter file %s", path)
	}
	defer func() { _ = unix.Flock(int(f.Fd()), unix.LOCK_UN) }()

	content, err := io.ReadAll(f)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read WMO counter file %s", path)
	}
	current := 0
	if s := strings.TrimSpace(string(content)); s != "" {
		if current, err = strconv.Atoi(s); err != nil || current < 0 {
			current = 0
		}
	}
	if current > max {
		current = 0
	}
	next := current + 1
	if next > max {
		next = 0
	}
	if err := f.Truncate(0); err != nil {
		return 0, errors.Wrapf(err, "failed to truncate WMO counter file %s", path)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(next)), 0); err != nil {
		return 0, errors.Wrapf(err, "failed to write WMO counter file %s", path)
	}
	return current, nil
}
