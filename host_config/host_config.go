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

// Package host_config reads and rewrites the HOST_CONFIG file.
//
// The file is line oriented.  A host line is
//
//	alias:real1:real2:toggle:protocol:allowed:max_errors:retry_interval:block_size:trl:timeout:keep_connected:options:host_status
//
// where every field after the alias may be left empty.  A line without
// any ':' names a group; the hosts below it belong to that group.  Lines
// starting with '#' and blank lines are kept as they are.
package host_config

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/pelicanplatform/afd/byte_rate"
	"github.com/pelicanplatform/afd/param"
	"github.com/pelicanplatform/afd/status_area"
)

const (
	fieldCount = 14

	DefaultAllowedTransfers = 2
	DefaultMaxErrors        = 10
	DefaultRetryInterval    = 120 * time.Second
)

var ErrNotFound = errors.New("alias not found in HOST_CONFIG")

type lineKind int

const (
	lineOther lineKind = iota
	lineGroup
	lineHost
)

type line struct {
	kind lineKind
	raw  string
	name string
	host *HostEntry
}

// HostEntry is one host line.
type HostEntry struct {
	Alias             string
	RealHostname      [2]string
	Toggle            status_area.Toggle
	Protocol          status_area.Protocol
	AllowedTransfers  int
	MaxErrors         int
	RetryInterval     time.Duration
	BlockSize         int64
	TransferRateLimit int64
	TransferTimeout   time.Duration
	KeepConnected     time.Duration
	ProtocolOptions   uint32
	HostStatus        uint32
	Group             string
}

// File is a parsed HOST_CONFIG.
type File struct {
	lines []line
	mode  os.FileMode
}

// Load parses the file at path.  A missing file yields an empty File.
func Load(path string) (*File, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return &File{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	defer f.Close()
	hc, err := Parse(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", path)
	}
	if fi, err := f.Stat(); err == nil {
		hc.mode = fi.Mode().Perm()
	}
	return hc, nil
}

// Parse reads HOST_CONFIG content.  Malformed host lines are reported with
// their line number.
func Parse(r io.Reader) (*File, error) {
	hc := &File{}
	scanner := bufio.NewScanner(r)
	group := ""
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Text()
		trimmed := strings.TrimSpace(raw)
		switch {
		case trimmed == "" || strings.HasPrefix(trimmed, "#"):
			hc.lines = append(hc.lines, line{kind: lineOther, raw: raw})
		case !strings.Contains(trimmed, ":"):
			group = trimmed
			hc.lines = append(hc.lines, line{kind: lineGroup, raw: raw, name: trimmed})
		default:
			entry, err := parseHost(trimmed)
			if err != nil {
				return nil, errors.Wrapf(err, "line %d", lineNo)
			}
			entry.Group = group
			hc.lines = append(hc.lines, line{kind: lineHost, raw: raw, name: entry.Alias, host: entry})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return hc, nil
}

func parseHost(s string) (*HostEntry, error) {
	fields := strings.Split(s, ":")
	if len(fields) > fieldCount {
		return nil, errors.Errorf("too many fields (%d)", len(fields))
	}
	for len(fields) < fieldCount {
		fields = append(fields, "")
	}
	e := &HostEntry{
		Alias:            strings.TrimSpace(fields[0]),
		RealHostname:     [2]string{strings.TrimSpace(fields[1]), strings.TrimSpace(fields[2])},
		Toggle:           status_area.HostOne,
		AllowedTransfers: DefaultAllowedTransfers,
		MaxErrors:        DefaultMaxErrors,
		RetryInterval:    DefaultRetryInterval,
	}
	if e.Alias == "" {
		return nil, errors.New("empty alias")
	}
	if len(e.Alias) >= status_area.AliasLen {
		return nil, errors.Errorf("alias %s is longer than %d characters", e.Alias, status_area.AliasLen-1)
	}
	if e.RealHostname[0] == "" {
		e.RealHostname[0] = e.Alias
	}
	var err error
	if v := strings.TrimSpace(fields[3]); v == "2" {
		e.Toggle = status_area.HostTwo
	} else if v != "" && v != "1" {
		return nil, errors.Errorf("invalid host toggle %q", v)
	}
	if v := strings.TrimSpace(fields[4]); v != "" {
		if e.Protocol = status_area.ParseProtocol(v); e.Protocol == status_area.ProtoUnknown {
			return nil, errors.Errorf("unknown protocol %q", v)
		}
	}
	if e.AllowedTransfers, err = intField(fields[5], DefaultAllowedTransfers); err != nil {
		return nil, errors.Wrap(err, "allowed transfers")
	}
	if e.AllowedTransfers < 1 || e.AllowedTransfers > status_area.MaxSlots {
		return nil, errors.Errorf("allowed transfers %d outside 1..%d", e.AllowedTransfers, status_area.MaxSlots)
	}
	if e.MaxErrors, err = intField(fields[6], DefaultMaxErrors); err != nil {
		return nil, errors.Wrap(err, "max errors")
	}
	if e.RetryInterval, err = secondsField(fields[7], DefaultRetryInterval); err != nil {
		return nil, errors.Wrap(err, "retry interval")
	}
	if v := strings.TrimSpace(fields[8]); v != "" {
		size, err := param.ParseByteSize(v)
		if err != nil {
			return nil, errors.Wrap(err, "block size")
		}
		e.BlockSize = int64(size)
	}
	if v := strings.TrimSpace(fields[9]); v != "" && v != "0" {
		rate, err := byte_rate.ParseRate(v)
		if err != nil {
			return nil, errors.Wrap(err, "transfer rate limit")
		}
		e.TransferRateLimit = rate.BytesPerSecond()
	}
	if e.TransferTimeout, err = secondsField(fields[10], 0); err != nil {
		return nil, errors.Wrap(err, "transfer timeout")
	}
	if e.KeepConnected, err = secondsField(fields[11], 0); err != nil {
		return nil, errors.Wrap(err, "keep connected")
	}
	if e.ProtocolOptions, err = optionsField(fields[12]); err != nil {
		return nil, errors.Wrap(err, "protocol options")
	}
	if v := strings.TrimSpace(fields[13]); v != "" {
		status, err := strconv.ParseUint(v, 0, 32)
		if err != nil {
			return nil, errors.Wrap(err, "host status")
		}
		e.HostStatus = uint32(status)
	}
	return e, nil
}

func intField(s string, def int) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}

func secondsField(s string, def time.Duration) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

// optionsField accepts a number or option names joined by '|'.
func optionsField(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseUint(s, 0, 32); err == nil {
		return uint32(n), nil
	}
	var opts uint32
	for _, name := range strings.Split(s, "|") {
		bit, ok := status_area.ProtocolOption(name)
		if !ok {
			return 0, errors.Errorf("unknown protocol option %q", name)
		}
		opts |= bit
	}
	return opts, nil
}

// Format renders e as a HOST_CONFIG line.
func (e *HostEntry) Format() string {
	toggle := "1"
	if e.Toggle == status_area.HostTwo {
		toggle = "2"
	}
	trl := ""
	if e.TransferRateLimit > 0 {
		trl = strconv.FormatInt(e.TransferRateLimit, 10)
	}
	block := ""
	if e.BlockSize > 0 {
		block = strconv.FormatInt(e.BlockSize, 10)
	}
	fields := []string{
		e.Alias, e.RealHostname[0], e.RealHostname[1], toggle, e.Protocol.String(),
		strconv.Itoa(e.AllowedTransfers), strconv.Itoa(e.MaxErrors),
		strconv.Itoa(int(e.RetryInterval / time.Second)), block, trl,
		strconv.Itoa(int(e.TransferTimeout / time.Second)),
		strconv.Itoa(int(e.KeepConnected / time.Second)),
		fmt.Sprintf("%d", e.ProtocolOptions), fmt.Sprintf("%d", e.HostStatus),
	}
	return strings.Join(fields, ":")
}

// Hosts returns the host entries in file order.
func (hc *File) Hosts() []*HostEntry {
	var hosts []*HostEntry
	for _, l := range hc.lines {
		if l.kind == lineHost {
			hosts = append(hosts, l.host)
		}
	}
	return hosts
}

// Groups returns the group names in file order.
func (hc *File) Groups() []string {
	var groups []string
	for _, l := range hc.lines {
		if l.kind == lineGroup {
			groups = append(groups, l.name)
		}
	}
	return groups
}

// Host looks up a host by alias.
func (hc *File) Host(alias string) (*HostEntry, bool) {
	for _, l := range hc.lines {
		if l.kind == lineHost && l.name == alias {
			return l.host, true
		}
	}
	return nil, false
}

// Remove drops the host or group line named alias.  Members of a removed
// group stay in the file.
func (hc *File) Remove(alias string) error {
	for i, l := range hc.lines {
		if (l.kind == lineHost || l.kind == lineGroup) && l.name == alias {
			hc.lines = append(hc.lines[:i], hc.lines[i+1:]...)
			return nil
		}
	}
	return errors.Wrapf(ErrNotFound, "%s", alias)
}

// Add appends a host line, or replaces the line of an existing alias in
// place.
func (hc *File) Add(e *HostEntry) {
	for i, l := range hc.lines {
		if l.kind == lineHost && l.name == e.Alias {
			hc.lines[i] = line{kind: lineHost, raw: e.Format(), name: e.Alias, host: e}
			return
		}
	}
	hc.lines = append(hc.lines, line{kind: lineHost, raw: e.Format(), name: e.Alias, host: e})
}

func (hc *File) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	for _, l := range hc.lines {
		buf.WriteString(l.raw)
		buf.WriteByte('\n')
	}
	return buf.WriteTo(w)
}

// Save writes the file atomically.  An existing file keeps its permission
// bits; a new one gets 0600, or 0660 when groupCanWrite is set.
func (hc *File) Save(path string, groupCanWrite bool) error {
	mode := hc.mode
	if mode == 0 {
		mode = 0600
		if groupCanWrite {
			mode = 0660
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return errors.Wrapf(err, "failed to create temporary file for %s", path)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	if _, err := hc.WriteTo(tmp); err != nil {
		_ = tmp.Close()
		return errors.Wrapf(err, "failed to write %s", tmp.Name())
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return errors.Wrapf(err, "failed to chmod %s", tmp.Name())
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %s", tmp.Name())
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrapf(err, "failed to replace %s", path)
	}
	hc.mode = mode
	return nil
}

// RemoveHost removes alias from the HOST_CONFIG at path.
func RemoveHost(path, alias string, groupCanWrite bool) error {
	hc, err := Load(path)
	if err != nil {
		return err
	}
	if err := hc.Remove(alias); err != nil {
		return err
	}
	if err := hc.Save(path, groupCanWrite); err != nil {
		return err
	}
	log.Infof("Removed %s from %s", alias, path)
	return nil
}
