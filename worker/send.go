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
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/pkg/errors"

	"github.com/pelicanplatform/afd/archive"
	"github.com/pelicanplatform/afd/job"
	"github.com/pelicanplatform/afd/param"
	"github.com/pelicanplatform/afd/protocol"
	"github.com/pelicanplatform/afd/status_area"
)

// stagedFile is one file of a message.
type stagedFile struct {
	Local string
	Name  string
	Size  int64
	Mtime time.Time
}

// stagedFiles lists the files of the current message in name order.  On a
// resend the archived copies are used under their original names.
func (w *Worker) stagedFiles() ([]stagedFile, error) {
	d := w.d
	entries, err := os.ReadDir(d.StagingDir)
	if err != nil {
		return nil, protocol.NewError(protocol.OpenLocalError, "read "+d.StagingDir, err)
	}
	files := make([]stagedFile, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		name := e.Name()
		if d.Args.Resend {
			var ok bool
			if name, ok = archive.OriginalName(d.MsgName, name); !ok {
				continue
			}
		}
		fi, err := e.Info()
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, protocol.NewError(protocol.OpenLocalError, "stat "+e.Name(), err)
		}
		files = append(files, stagedFile{
			Local: filepath.Join(d.StagingDir, e.Name()),
			Name:  name,
			Size:  fi.Size(),
			Mtime: fi.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// sendMessage delivers every staged file of the current message and
// removes the message once all are gone.
func (w *Worker) sendMessage(ctx context.Context) error {
	d := w.d
	if d.Protocol() == status_area.ProtoEXEC {
		d.Locking.Mode = job.LockNone
	}
	files, err := w.stagedFiles()
	if err != nil {
		return err
	}
	var total int64
	for _, f := range files {
		total += f.Size
	}
	js := w.js
	js.SetJobID(d.JobID)
	js.SetUniqueName(d.MsgName)
	js.SetNoOfFiles(len(files))
	js.SetNoOfFilesDone(0)
	js.SetFileSize(total)
	js.SetFileSizeDone(0)

	if len(files) == 0 {
		w.log.Debugf("No files to send for message %s", d.MsgName)
		return w.removeMessage()
	}
	if d.Locking.Mode == job.LockFile {
		if err := w.createLockFile(); err != nil {
			return err
		}
	}
	for _, f := range files {
		if err := w.checkSession(ctx); err != nil {
			return err
		}
		if err := w.sendFile(ctx, f); err != nil {
			return err
		}
	}
	if d.Locking.Mode == job.LockFile {
		if err := w.leaf.Delete(d.LockFileName); err != nil {
			return asKind(protocol.RemoveLockfileError, "remove "+d.LockFileName, err)
		}
	}
	return w.removeMessage()
}

func (w *Worker) createLockFile() error {
	name := w.d.LockFileName
	if err := w.leaf.OpenWrite(name, 0, 0); err != nil {
		return asKind(protocol.OpenRemoteError, "create "+name, err)
	}
	if err := w.leaf.CloseFile(); err != nil {
		return asKind(protocol.CloseRemoteError, "close "+name, err)
	}
	return nil
}

// removeMessage drops the message file and its staging directory.  Archived
// files of a resend stay where they are.
func (w *Worker) removeMessage() error {
	d := w.d
	if !d.Args.Resend {
		if err := os.Remove(d.StagingDir); err != nil && !os.IsNotExist(err) {
			w.log.Warnf("Failed to remove staging directory %s: %v", d.StagingDir, err)
		}
	}
	if err := os.Remove(d.WorkDir.MessageFile(d.MsgName)); err != nil && !os.IsNotExist(err) {
		w.log.Warnf("Failed to remove message %s: %v", d.MsgName, err)
	}
	return nil
}

// sendFile moves one staged file to the remote side.
func (w *Worker) sendFile(ctx context.Context, f stagedFile) error {
	d := w.d
	if d.AgeLimit > 0 && time.Since(f.Mtime) > d.AgeLimit {
		w.log.Warnf("Deleted %s (%d bytes) because it exceeded the age limit of %s", f.Name, f.Size, d.AgeLimit)
		w.removeLocal(f.Local)
		return w.fileDropped(f.Size)
	}
	if w.dup != nil {
		seen, err := w.dup.Seen(f.Name)
		if err != nil {
			w.log.Warnf("Duplicate check for %s failed: %v", f.Name, err)
		} else if seen {
			w.log.Warnf("Deleted duplicate file %s (%d bytes)", f.Name, f.Size)
			w.removeLocal(f.Local)
			return w.fileDropped(f.Size)
		}
	}

	remote := d.Rename.Apply(f.Name)
	final := d.Locking.FinalName(remote)
	js := w.js
	js.SetFileNameInUse(f.Name)
	js.SetFileSizeInUse(f.Size)
	js.SetFileSizeInUseDone(0)

	size := f.Size
	moved := false
	if w.canMove() {
		var err error
		if moved, err = w.moveFile(f.Local, final); err != nil {
			w.forgetDup(f.Name)
			return err
		}
	}
	if !moved {
		sent, err := w.copyFile(ctx, f, remote, final)
		if err != nil {
			w.forgetDup(f.Name)
			return err
		}
		size = sent
	}
	js.SetFileSizeInUseDone(size)
	w.applyAttributes(final, f.Mtime, moved)

	if !moved {
		if d.TransExec != "" {
			w.runTransExec(ctx, f.Local)
		}
		w.archiveOrDelete(f)
	}
	if err := w.fileDone(size, 0); err != nil {
		return err
	}
	return w.resetErrors()
}

func (w *Worker) forgetDup(name string) {
	if w.dup != nil {
		w.dup.Forget(name)
	}
}

// canMove reports whether the file can be renamed into place instead of
// being copied.
func (w *Worker) canMove() bool {
	d := w.d
	_, ok := w.leaf.(protocol.Mover)
	return ok && !d.FileNameIsHeader && !d.ArchiveEnabled() && !d.Args.Resend &&
		w.limiter == nil && d.TransExec == ""
}

// moveFile renames local into place.  moved is false when the two sides
// live on different file systems and the file has to be copied.
func (w *Worker) moveFile(local, final string) (moved bool, err error) {
	err = w.leaf.(protocol.Mover).MoveFrom(local, final)
	switch moveRecovery(err) {
	case recoverDone:
		return true, nil
	case recoverFallback:
		return false, nil
	}
	return false, asKind(protocol.MoveError, "move "+local, err)
}

func moveRecovery(err error) recovery {
	switch {
	case err == nil:
		return recoverDone
	case errors.Is(err, syscall.EXDEV):
		return recoverFallback
	}
	return recoverFail
}

// copyFile streams f to the remote side and returns the number of payload
// bytes sent, which is larger than f.Size when the file grew meanwhile.
func (w *Worker) copyFile(ctx context.Context, f stagedFile, remote, final string) (int64, error) {
	d := w.d
	src, err := os.Open(f.Local)
	if err != nil {
		return 0, protocol.NewError(protocol.OpenLocalError, "open "+f.Local, err)
	}
	defer src.Close()

	var frame wmoFrame
	if d.FileNameIsHeader {
		counter := -1
		if d.WmoCounterFile != "" {
			if counter, err = nextWMOCounter(w.counterPath(), param.Wmo_MaxCounter.GetInt()); err != nil {
				w.log.Warnf("WMO counter not available: %v", err)
				counter = -1
			}
		}
		frame = newWMOFrame(remote, counter, d.TransferMode, d.WithLengthIndicator, f.Size)
	}

	tmp, locked := d.Locking.TempName(remote)
	if err := w.openWrite(tmp, f.Size+frame.Len()); err != nil {
		return 0, err
	}
	if len(frame.Header) > 0 {
		if err := w.writeBlock(ctx, frame.Header); err != nil {
			return 0, err
		}
	}

	start := time.Now()
	canGrow := d.Protocol() != status_area.ProtoSCP && !d.FileNameIsHeader
	var sent int64
	for {
		n, rerr := src.Read(w.buf)
		if n > 0 {
			if err := w.writeBlock(ctx, w.buf[:n]); err != nil {
				return sent, err
			}
			sent += int64(n)
			w.js.SetFileSizeInUseDone(sent)
			w.js.SetBytesSend(w.js.BytesSend() + uint64(n))
			if d.HasOption(status_area.TimeoutTransfer) && time.Since(start) > d.Timeout {
				_ = w.leaf.CloseFile()
				return sent, protocol.NewError(protocol.StillFilesToSend, "send "+f.Name,
					errors.Errorf("transfer exceeded %s", d.Timeout))
			}
		}
		if rerr == io.EOF {
			if !canGrow || !w.grew(src, f.Name, sent) {
				break
			}
			continue
		}
		if rerr != nil {
			return sent, protocol.NewError(protocol.ReadLocalError, "read "+f.Local, rerr)
		}
	}
	if len(frame.Trailer) > 0 {
		if err := w.writeBlock(ctx, frame.Trailer); err != nil {
			return sent, err
		}
	}
	if err := w.leaf.CloseFile(); err != nil {
		return sent, asKind(protocol.CloseRemoteError, "close "+tmp, err)
	}
	if locked || tmp != final {
		if err := w.leaf.Rename(tmp, final); err != nil {
			return sent, asKind(protocol.RenameError, "rename "+tmp+" to "+final, err)
		}
	}
	return sent, nil
}

// grew checks whether the local file got longer than what was sent.
func (w *Worker) grew(src *os.File, name string, sent int64) bool {
	fi, err := src.Stat()
	if err != nil || fi.Size() <= sent {
		return false
	}
	if !w.d.SilentNotLockedFile {
		w.log.Infof("File %s grew by %d bytes while sending, sending the rest as well", name, fi.Size()-sent)
	}
	return true
}

// openWrite opens the remote file, recreating the target directory when
// it vanished and the message allows creating it.
func (w *Worker) openWrite(name string, size int64) error {
	err := w.leaf.OpenWrite(name, size, w.d.Chmod)
	if openWriteRecovery(err, w.d.CreateTargetDir) == recoverRetry {
		w.log.Debugf("Target directory of %s is missing, creating it", name)
		if err := w.enterTargetDir(true); err != nil {
			return err
		}
		err = w.leaf.OpenWrite(name, size, w.d.Chmod)
	}
	return asKind(protocol.OpenRemoteError, "open "+name, err)
}

func openWriteRecovery(err error, createTargetDir bool) recovery {
	switch {
	case err == nil:
		return recoverDone
	case createTargetDir && protocol.IsNoSuchFile(err):
		return recoverRetry
	}
	return recoverFail
}

func (w *Worker) writeBlock(ctx context.Context, p []byte) error {
	if err := w.limiter.wait(ctx, len(p)); err != nil {
		return protocol.NewError(protocol.WriteRemoteError, "rate limit", err)
	}
	return asKind(protocol.WriteRemoteError, "write", w.leaf.WriteBlock(p))
}

// applyAttributes sets owner and time stamp of a delivered file, and the
// mode of a moved one.  Failures are logged, the file is delivered anyway.
func (w *Worker) applyAttributes(name string, mtime time.Time, moved bool) {
	d := w.d
	attrs, ok := w.leaf.(protocol.Attributes)
	if !ok {
		return
	}
	if moved && d.Chmod != 0 {
		if err := attrs.Chmod(name, d.Chmod); err != nil {
			w.log.Warnf("Failed to change mode of %s: %v", name, err)
		}
	}
	if d.UID >= 0 || d.GID >= 0 {
		if err := attrs.Chown(name, d.UID, d.GID); err != nil {
			w.log.Warnf("%v", asKind(protocol.ChownError, "chown "+name, err))
		}
	}
	if d.HasOption(status_area.KeepTimeStamp) && !mtime.IsZero() {
		if err := attrs.Chtimes(name, mtime); err != nil && !errors.Is(err, protocol.ErrNotSupported) {
			w.log.Warnf("Failed to set time stamp of %s: %v", name, err)
		}
	}
}

func (w *Worker) counterPath() string {
	path := w.d.WmoCounterFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(w.d.WorkDir.FifoDir(), path)
	}
	return path
}

// runTransExec runs the post delivery command of the message.  %s is
// replaced by the local file name; without %s the name is appended.
func (w *Worker) runTransExec(ctx context.Context, local string) {
	argv, err := shellquote.Split(w.d.TransExec)
	if err != nil || len(argv) == 0 {
		w.log.Warnf("Invalid trans_exec command %q: %v", w.d.TransExec, err)
		return
	}
	replaced := false
	for i, arg := range argv {
		if strings.Contains(arg, "%s") {
			argv[i] = strings.ReplaceAll(arg, "%s", local)
			replaced = true
		}
	}
	if !replaced {
		argv = append(argv, local)
	}
	ctx, cancel := context.WithTimeout(ctx, w.d.Timeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
	if err != nil {
		w.log.Warnf("Failed to execute `%s`: %v: %s", shellquote.Join(argv...), err, strings.TrimSpace(string(out)))
		return
	}
	w.log.Debugf("Executed `%s`", shellquote.Join(argv...))
}

// archiveOrDelete disposes of a delivered local file.
func (w *Worker) archiveOrDelete(f stagedFile) {
	d := w.d
	if d.Args.Resend {
		return
	}
	if d.ArchiveEnabled() {
		if w.archiver == nil {
			w.archiver = archive.NewArchiver(d.WorkDir.ArchiveDir(), d.HostAlias, d.JobID, d.MsgName, d.ArchiveExpiry())
			d.SetArchiveDir(w.archiver.Dir)
		}
		if _, err := w.archiver.Commit(f.Local, f.Name); err != nil {
			w.log.Errorf("Failed to archive %s: %v", f.Name, err)
		}
		return
	}
	w.removeLocal(f.Local)
}

// removeLocal unlinks path, retrying while the file is busy.
func (w *Worker) removeLocal(path string) {
	retries := param.Transfer_UnlinkRetries.GetInt()
	delay := param.Transfer_UnlinkDelay.GetDuration()
	withDelay := param.Transfer_WithUnlinkDelay.GetBool()
	for attempt := 0; ; attempt++ {
		err := os.Remove(path)
		switch unlinkRecovery(err, withDelay, attempt, retries) {
		case recoverDone:
			return
		case recoverRetry:
			time.Sleep(delay)
			continue
		}
		w.log.Warnf("Failed to remove %s: %v", path, err)
		return
	}
}

func unlinkRecovery(err error, withDelay bool, attempt, retries int) recovery {
	switch {
	case err == nil, os.IsNotExist(err):
		return recoverDone
	case withDelay && errors.Is(err, syscall.EBUSY) && attempt < retries:
		return recoverRetry
	}
	return recoverFail
}
