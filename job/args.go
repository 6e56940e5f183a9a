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
	"strconv"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
)

// ErrIncorrect reports an unusable worker command line.
var ErrIncorrect = errors.New("incorrect worker arguments")

// ErrVersion is returned when --version was requested.
var ErrVersion = errors.New("version requested")

type positionals struct {
	WorkDir string `positional-arg-name:"work-dir" description:"AFD work directory"`
	Slot    string `positional-arg-name:"slot" description:"Job slot of the host"`
	HostID  string `positional-arg-name:"host-id" description:"Alias of the host"`
	HostPos string `positional-arg-name:"host-pos" description:"Position of the host in the host status area"`
	Target  string `positional-arg-name:"msg-or-dir" description:"Message id (send) or directory alias (retrieve)"`
}

// Args is the parsed worker command line.
type Args struct {
	AgeLimit       int  `short:"a" description:"Delete files older than this many seconds instead of sending them"`
	DisableArchive bool `short:"A" description:"Do not archive sent files"`
	Distributed    bool `short:"d" description:"Run as a distributed helper: one round, no bursts"`
	Retries        int  `short:"o" description:"Number of earlier failed attempts of this job"`
	Resend         bool `short:"r" description:"Resend files from the archive"`
	TempToggle     bool `short:"t" description:"Use the other real hostname for this run"`
	Version        bool `long:"version" description:"Print the version and exit"`

	Positional positionals `positional-args:"yes"`

	WorkDir string `no-flag:"true"`
	Slot    int    `no-flag:"true"`
	HostID  string `no-flag:"true"`
	HostPos int    `no-flag:"true"`
	Target  string `no-flag:"true"`
}

// AgeLimitDuration returns the -a value as a duration, zero when unset.
func (a *Args) AgeLimitDuration() time.Duration {
	return time.Duration(a.AgeLimit) * time.Second
}

// ParseArgs parses argv (without the program name).  Positionals come first
// and flags follow, as the supervisor builds them.
func ParseArgs(argv []string) (*Args, error) {
	args := &Args{}
	parser := flags.NewParser(args, flags.PassDoubleDash)
	rest, err := parser.ParseArgs(argv)
	if args.Version {
		return args, ErrVersion
	}
	if err != nil {
		return nil, errors.Wrap(ErrIncorrect, err.Error())
	}
	if len(rest) > 0 {
		return nil, errors.Wrapf(ErrIncorrect, "unexpected argument %q", rest[0])
	}
	p := args.Positional
	if p.WorkDir == "" || p.Slot == "" || p.HostID == "" || p.HostPos == "" || p.Target == "" {
		return nil, errors.Wrap(ErrIncorrect, "expected <work-dir> <slot> <host-id> <host-pos> <msg-or-dir>")
	}
	if args.Slot, err = strconv.Atoi(p.Slot); err != nil || args.Slot < 0 {
		return nil, errors.Wrapf(ErrIncorrect, "invalid slot %q", p.Slot)
	}
	if args.HostPos, err = strconv.Atoi(p.HostPos); err != nil || args.HostPos < 0 {
		return nil, errors.Wrapf(ErrIncorrect, "invalid host position %q", p.HostPos)
	}
	if args.AgeLimit < 0 || args.Retries < 0 {
		return nil, errors.Wrap(ErrIncorrect, "negative age limit or retry count")
	}
	args.WorkDir = p.WorkDir
	args.HostID = p.HostID
	args.Target = p.Target
	return args, nil
}

// Argv renders the command line that ParseArgs accepts.
func (a *Args) Argv() []string {
	argv := []string{a.WorkDir, strconv.Itoa(a.Slot), a.HostID, strconv.Itoa(a.HostPos), a.Target}
	if a.AgeLimit > 0 {
		argv = append(argv, "-a", strconv.Itoa(a.AgeLimit))
	}
	if a.DisableArchive {
		argv = append(argv, "-A")
	}
	if a.Distributed {
		argv = append(argv, "-d")
	}
	if a.Retries > 0 {
		argv = append(argv, "-o", strconv.Itoa(a.Retries))
	}
	if a.Resend {
		argv = append(argv, "-r")
	}
	if a.TempToggle {
		argv = append(argv, "-t")
	}
	return argv
}
