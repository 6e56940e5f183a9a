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
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/pelicanplatform/afd/archive"
	"github.com/pelicanplatform/afd/config"
	"github.com/pelicanplatform/afd/param"
	"github.com/pelicanplatform/afd/status_area"
)

// Descriptor is everything one worker knows about its job.  Apart from the
// selected real hostname and the lazily chosen archive directory it does
// not change after InitWorker.
type Descriptor struct {
	WorkDir  config.WorkDir
	Args     *Args
	Retrieve bool

	Slot      int
	HostAlias string
	MsgName   string
	JobID     uint32
	Message   *Message
	Recipient *Recipient

	StagingDir string
	TargetDir  string

	Chmod           os.FileMode
	UID, GID        int
	ArchiveTime     time.Duration
	Rename          RenameRules
	Locking         Locking
	LockFileName    string
	BlockSize       int
	KeepConnected   time.Duration
	Timeout         time.Duration
	ProtocolOptions uint32
	RateLimit       int64
	CreateTargetDir bool
	DirMode         os.FileMode

	FileNameIsHeader    bool
	WmoCounterFile      string
	TransferMode        byte
	WithLengthIndicator bool
	TransExec           string
	AgeLimit            time.Duration
	DupcheckTimeout     time.Duration
	SilentNotLockedFile bool
	Debug               bool

	HSA  *status_area.Area
	Host *status_area.Host
	DSA  *status_area.Area
	Dir  *status_area.Dir

	toggle     status_area.Toggle
	hostname   string
	archiveDir string
}

// InitWorker parses argv, attaches the status areas and resolves the job
// options from the message (send) or the directory record (retrieve).
// Command line problems wrap ErrIncorrect.
func InitWorker(argv []string, retrieve bool) (*Descriptor, error) {
	args, err := ParseArgs(argv)
	if err != nil {
		return nil, err
	}
	d := &Descriptor{
		WorkDir:   config.WorkDir(args.WorkDir),
		Args:      args,
		Retrieve:  retrieve,
		Slot:      args.Slot,
		HostAlias: args.HostID,
		MsgName:   args.Target,
		UID:       -1,
		GID:       -1,
	}
	if err := d.attach(); err != nil {
		return nil, err
	}
	if retrieve {
		err = d.fromDirectory()
	} else {
		err = d.fromMessage()
	}
	if err != nil {
		d.Close()
		return nil, err
	}
	d.fromHost()
	d.SelectHostname()
	return d, nil
}

func (d *Descriptor) attach() error {
	hsa, err := status_area.Attach(d.WorkDir.HostStatusFile(), status_area.KindHost)
	if err != nil {
		return errors.Wrap(err, "failed to attach host status area")
	}
	d.HSA = hsa
	host, err := hsa.Host(d.Args.HostPos)
	if err != nil || host.Alias() != d.HostAlias {
		var ok bool
		if host, ok = hsa.FindHost(d.HostAlias); !ok {
			d.Close()
			return errors.Wrapf(ErrIncorrect, "host %s is not in the host status area", d.HostAlias)
		}
	}
	// host points into the mapping, so read it before Close unmaps it.
	allowed := host.AllowedTransfers()
	if d.Slot >= allowed {
		d.Close()
		return errors.Wrapf(ErrIncorrect, "slot %d outside the %d allowed transfers of %s",
			d.Slot, allowed, d.HostAlias)
	}
	d.Host = host
	return nil
}

func (d *Descriptor) fromMessage() error {
	msg, err := LoadMessage(d.WorkDir.MessageFile(d.MsgName))
	if err != nil {
		return err
	}
	d.Message = msg
	d.JobID = msg.JobID
	if d.Recipient, err = ParseRecipient(msg.Recipient); err != nil {
		return errors.Wrapf(err, "message %s", d.MsgName)
	}
	d.TargetDir = d.Recipient.Path
	d.StagingDir = d.WorkDir.StagingDir(d.MsgName)

	mode, err := ParseLockMode(msg.Lock)
	if err != nil {
		return err
	}
	d.Locking = Locking{
		Mode:   mode,
		Prefix: msg.LockPrefix,
		Suffix: msg.LockSuffix,
		Unique: uuid.NewString()[:8],
	}
	if d.Locking.Suffix == "" {
		d.Locking.Suffix = param.Transfer_LockSuffix.GetString()
	}
	if d.Locking.Prefix == "" {
		d.Locking.Prefix = "."
	}
	d.LockFileName = param.Transfer_LockFileName.GetString()

	if msg.Chmod != "" {
		if d.Chmod, err = parseMode(msg.Chmod); err != nil {
			return errors.Wrap(err, "chmod")
		}
	}
	if msg.Chown != "" {
		if d.UID, d.GID, err = lookupOwner(msg.Chown); err != nil {
			return errors.Wrap(err, "chown")
		}
	}
	d.DirMode = 0755
	if msg.DirMode != "" {
		if d.DirMode, err = parseMode(msg.DirMode); err != nil {
			return errors.Wrap(err, "dir_mode")
		}
	}
	d.CreateTargetDir = msg.CreateTargetDir
	if d.Rename, err = ParseRenameRules(msg.TransRename); err != nil {
		return err
	}
	d.ArchiveTime = time.Duration(msg.ArchiveTime) * time.Second
	if d.Args.Resend {
		_, created, err := ParseMessageID(d.MsgName)
		if err != nil {
			return errors.Wrap(err, "cannot locate archived files")
		}
		d.StagingDir = archive.JobDir(d.WorkDir.ArchiveDir(), created.Add(d.ArchiveTime), d.HostAlias, d.JobID)
	}
	d.FileNameIsHeader = msg.FileNameIsHeader
	d.WmoCounterFile = msg.WmoCounterFile
	d.TransferMode = 'I'
	if m := strings.ToUpper(msg.TransferMode); m != "" {
		d.TransferMode = m[0]
	}
	if d.TransferMode != 'I' && d.TransferMode != 'A' && d.TransferMode != 'F' {
		return errors.Errorf("unknown transfer mode %q", msg.TransferMode)
	}
	d.WithLengthIndicator = true
	if msg.WithLengthIndicator != nil {
		d.WithLengthIndicator = *msg.WithLengthIndicator
	}
	d.TransExec = msg.TransExec
	d.AgeLimit = time.Duration(msg.AgeLimit) * time.Second
	if d.Args.AgeLimit > 0 {
		d.AgeLimit = d.Args.AgeLimitDuration()
	}
	d.DupcheckTimeout = time.Duration(msg.DupcheckTimeout) * time.Second
	d.SilentNotLockedFile = msg.SilentNotLockedFile
	return nil
}

func (d *Descriptor) fromDirectory() error {
	dsa, err := status_area.Attach(d.WorkDir.DirStatusFile(), status_area.KindDir)
	if err != nil {
		return errors.Wrap(err, "failed to attach directory status area")
	}
	d.DSA = dsa
	dir, ok := dsa.FindDir(d.MsgName)
	if !ok {
		return errors.Wrapf(ErrIncorrect, "directory %s is not in the directory status area", d.MsgName)
	}
	d.Dir = dir
	if d.Recipient, err = ParseRecipient(dir.URL()); err != nil {
		return errors.Wrapf(err, "directory %s", d.MsgName)
	}
	d.TargetDir = d.Recipient.Path
	d.StagingDir = dir.RetrieveWorkDir()
	if d.StagingDir == "" {
		d.StagingDir = filepath.Join(d.WorkDir.IncomingDir(), d.MsgName)
	}
	return nil
}

func (d *Descriptor) fromHost() {
	h := d.Host
	d.BlockSize = h.BlockSize()
	if d.BlockSize <= 0 {
		d.BlockSize = int(param.Transfer_DefaultBlockSize.GetByteSize())
	}
	d.Timeout = h.TransferTimeout()
	if d.Timeout <= 0 {
		d.Timeout = param.Transfer_DefaultTimeout.GetDuration()
	}
	d.KeepConnected = h.KeepConnected()
	if d.Dir != nil && d.Dir.KeepConnected() > 0 {
		d.KeepConnected = d.Dir.KeepConnected()
	}
	d.ProtocolOptions = h.ProtocolOptions()
	d.RateLimit = h.TransferRateLimit()
	if d.RateLimit == 0 {
		d.RateLimit = param.Transfer_DefaultRateLimit.GetByteRate().BytesPerSecond()
	}
	d.Debug = h.Debug()
}

// NextMessage switches a send descriptor to another message of the same
// host.  reconnect is set when the new recipient needs a fresh session:
// another server, other credentials or another target directory.
func (d *Descriptor) NextMessage(msgID string) (reconnect bool, err error) {
	prev := d.Recipient
	d.MsgName = msgID
	d.archiveDir = ""
	if err := d.fromMessage(); err != nil {
		return false, err
	}
	return !sameServer(prev, d.Recipient), nil
}

func sameServer(a, b *Recipient) bool {
	if a.Protocol != b.Protocol || a.Host != b.Host || a.Port != b.Port ||
		a.User != b.User || a.TLS != b.TLS || string(a.Password) != string(b.Password) {
		return false
	}
	return a.Path == b.Path
}

// Protocol is the protocol of the recipient URL.
func (d *Descriptor) Protocol() status_area.Protocol { return d.Recipient.Protocol }

func (d *Descriptor) HasOption(bit uint32) bool { return d.ProtocolOptions&bit != 0 }

// SelectHostname picks the real hostname according to host_toggle and -t.
// It reports whether the choice differs from the previous one.
func (d *Descriptor) SelectHostname() bool {
	toggle := d.Host.Toggle()
	if d.Args.TempToggle && d.Host.HasSecondHost() {
		toggle = toggle.Other()
	}
	name := d.Host.RealHostname(toggle)
	if name == "" {
		name = d.Recipient.Host
	}
	changed := d.hostname != "" && (name != d.hostname || toggle != d.toggle)
	d.toggle = toggle
	d.hostname = name
	return changed
}

// Hostname is the real hostname selected by SelectHostname.
func (d *Descriptor) Hostname() string { return d.hostname }

// HostnameChanged reports whether the status area now selects another
// real hostname than the one this worker connected to.
func (d *Descriptor) HostnameChanged() bool {
	toggle := d.Host.Toggle()
	if d.Args.TempToggle && d.Host.HasSecondHost() {
		toggle = toggle.Other()
	}
	return toggle != d.toggle
}

// ArchiveExpiry is the day the archived copies of this message expire.
func (d *Descriptor) ArchiveExpiry() time.Time {
	_, created, err := ParseMessageID(d.MsgName)
	if err != nil {
		created = time.Now()
	}
	return created.Add(d.ArchiveTime)
}

// ArchiveDir returns the archive directory chosen so far.
func (d *Descriptor) ArchiveDir() string { return d.archiveDir }

// SetArchiveDir records the archive directory created for this job.
func (d *Descriptor) SetArchiveDir(dir string) { d.archiveDir = dir }

// ArchiveEnabled reports whether delivered files go to the archive.
func (d *Descriptor) ArchiveEnabled() bool {
	return !d.Retrieve && d.ArchiveTime > 0 && !d.Args.DisableArchive && !d.Args.Resend &&
		!param.Archive_Disable.GetBool() && !d.HSA.HasFeature(status_area.DisableArchive)
}

// Job returns this worker's job status record.
func (d *Descriptor) Job() *status_area.JobStatus {
	js, err := d.Host.Job(d.Slot)
	if err != nil {
		// The slot was validated against allowed_transfers in InitWorker.
		panic(err)
	}
	return js
}

// Close detaches the status areas.
func (d *Descriptor) Close() {
	if d.DSA != nil {
		_ = d.DSA.Detach()
		d.DSA = nil
	}
	if d.HSA != nil {
		_ = d.HSA.Detach()
		d.HSA = nil
	}
}

func parseMode(s string) (os.FileMode, error) {
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil || v > 07777 {
		return 0, errors.Errorf("invalid mode %q", s)
	}
	return os.FileMode(v), nil
}

// lookupOwner resolves "user[:group]"; numeric ids are taken as they are.
func lookupOwner(owner string) (uid, gid int, err error) {
	userPart, groupPart, _ := strings.Cut(owner, ":")
	uid, gid = -1, -1
	if userPart != "" {
		if uid, err = strconv.Atoi(userPart); err != nil {
			u, lerr := user.Lookup(userPart)
			if lerr != nil {
				return -1, -1, errors.Wrapf(lerr, "unknown user %s", userPart)
			}
			uid, _ = strconv.Atoi(u.Uid)
			if groupPart == "" {
				gid, _ = strconv.Atoi(u.Gid)
			}
		}
	}
	if groupPart != "" {
		if gid, err = strconv.Atoi(groupPart); err != nil {
			g, lerr := user.LookupGroup(groupPart)
			if lerr != nil {
				return -1, -1, errors.Wrapf(lerr, "unknown group %s", groupPart)
			}
			gid, _ = strconv.Atoi(g.Gid)
		}
	}
	return uid, gid, nil
}
