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
	"path/filepath"
	"strings"
	"time"

	"github.com/pelicanplatform/afd/param"
	"github.com/pelicanplatform/afd/protocol"
	"github.com/pelicanplatform/afd/status_area"
)

// retrieveRound lists the remote directory once and fetches the files
// assigned to this slot.
func (w *Worker) retrieveRound(ctx context.Context) error {
	d := w.d
	if err := w.checkDirectory(); err != nil {
		return err
	}
	if w.rl == nil {
		rl, err := status_area.OpenRetrieveList(d.WorkDir.RetrieveList(d.MsgName))
		if err != nil {
			return protocol.NewError(protocol.OpenLocalError, "retrieve list", err)
		}
		w.rl = rl
	}
	names, err := w.listRemote()
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := w.checkSession(ctx); err != nil {
			w.releaseEntries(names)
			return err
		}
		if err := w.checkDirectory(); err != nil {
			w.releaseEntries(names)
			return err
		}
		if err := w.fetch(ctx, name); err != nil {
			w.releaseEntries(names)
			return err
		}
	}
	d.Dir.SetNextCheckTime(time.Now().Add(d.Dir.CheckInterval()))
	return nil
}

// checkDirectory stops retrieving when the operator disabled it or when
// the directory left the configuration.
func (w *Worker) checkDirectory() error {
	d := w.d
	if d.HSA.HasFeature(status_area.DisableRetrieve) {
		return errRetrieveOff
	}
	if d.DSA.Stale() || d.Dir.Alias() != d.MsgName {
		return errDirectoryGone
	}
	return nil
}

// wanted filters the remote listing by the directory settings.
func (w *Worker) wanted(fi protocol.FileInfo) bool {
	dir := w.d.Dir
	if fi.IsDir || strings.HasPrefix(fi.Name, ".") {
		return false
	}
	if !matchMasks(dir.FileMask(), fi.Name) {
		return false
	}
	if limit := dir.IgnoreSize(); limit > 0 && fi.Size > limit {
		return false
	}
	if age := dir.IgnoreFileTime(); age > 0 && fi.HasTime && time.Since(fi.ModTime) > age {
		return false
	}
	return true
}

// matchMasks applies the file masks of a directory.  A leading '!'
// excludes; an empty mask list takes everything.
func matchMasks(masks []string, name string) bool {
	if len(masks) == 0 {
		return true
	}
	matched := false
	for _, mask := range masks {
		if exclude, ok := strings.CutPrefix(mask, "!"); ok {
			if hit, _ := filepath.Match(exclude, name); hit {
				return false
			}
			continue
		}
		if hit, _ := filepath.Match(mask, name); hit {
			matched = true
		}
	}
	return matched
}

// listRemote refreshes the retrieve list from a remote listing and assigns
// the pending entries to this slot.
func (w *Worker) listRemote() ([]string, error) {
	d, dir, rl := w.d, w.d.Dir, w.rl

	skipListing := false
	var dirMtime int64
	if fr := dir.ForceReread(); fr == status_area.RereadNo || fr == status_area.RereadLocalOnly {
		if fi, err := w.leaf.Stat("."); err == nil && fi.HasTime {
			dirMtime = fi.ModTime.Unix()
			skipListing = dirMtime == dir.DirMtime()
		}
	}

	var listing []protocol.FileInfo
	if !skipListing {
		var err error
		if listing, err = w.leaf.List(); err != nil {
			return nil, asKind(protocol.ListError, "list "+d.TargetDir, err)
		}
	} else {
		w.log.Debug("Remote directory unchanged, not listing it")
	}

	if err := dir.Lock(d.Timeout); err != nil {
		return nil, err
	}
	if err := rl.Refresh(); err != nil {
		dir.Unlock()
		return nil, protocol.NewError(protocol.ReadLocalError, "retrieve list", err)
	}
	if !skipListing {
		seen := make(map[string]bool, len(listing))
		for _, fi := range listing {
			if !w.wanted(fi) {
				continue
			}
			seen[fi.Name] = true
			if err := w.updateEntry(fi); err != nil {
				w.log.Warnf("Cannot remember %s: %v", fi.Name, err)
			}
		}
		for i := 0; i < rl.Len(); i++ {
			if e, err := rl.Entry(i); err == nil && !seen[e.Name()] {
				e.SetInList(false)
			}
		}
		rl.Compact(func(e *status_area.RetrieveEntry) bool { return e.InList() || e.Assigned() != 0 })
		if dirMtime != 0 {
			dir.SetDirMtime(dirMtime)
		}
	}

	var names []string
	var files int
	var size int64
	maxFiles, maxSize := dir.MaxCopiedFiles(), dir.MaxCopiedFileSize()
	for i := 0; i < rl.Len(); i++ {
		e, err := rl.Entry(i)
		if err != nil || !e.InList() || e.Retrieved() || e.Assigned() != 0 {
			continue
		}
		if maxFiles > 0 && files >= maxFiles {
			break
		}
		todo := e.Size() - w.resumeOffset(e)
		if maxSize > 0 && files > 0 && size+todo > maxSize {
			break
		}
		if !e.Assign(d.Slot) {
			continue
		}
		names = append(names, e.Name())
		files++
		size += todo
	}
	if err := rl.Sync(); err != nil {
		w.log.Warnf("Failed to sync retrieve list: %v", err)
	}
	dir.SetFilesToRetrieve(dir.FilesToRetrieve() + files)
	dir.SetSizeToRetrieve(dir.SizeToRetrieve() + size)
	dir.Unlock()

	w.js.SetNoOfFiles(files)
	w.js.SetNoOfFilesDone(0)
	w.js.SetFileSize(size)
	w.js.SetFileSizeDone(0)
	if files == 0 {
		return nil, nil
	}
	w.log.Debugf("%d files (%d bytes) to retrieve", files, size)
	return names, w.addTotals(files, size)
}

// updateEntry merges one listed file into the retrieve list.  The caller
// holds the directory lock.
func (w *Worker) updateEntry(fi protocol.FileInfo) error {
	e, found := w.rl.Find(fi.Name)
	if !found {
		var err error
		if e, err = w.rl.Append(fi.Name, fi.Size, fi.ModTime); err != nil {
			return err
		}
		e.SetGotDate(fi.HasTime)
		e.SetInList(true)
		return nil
	}
	e.SetInList(true)
	changed := fi.Size != e.Size() || (fi.HasTime && fi.ModTime.Unix() != e.Mtime().Unix())
	if e.Retrieved() {
		switch w.d.Dir.StupidMode() {
		case status_area.StupidYes:
			e.SetPrevSize(0)
			e.Reopen()
		case status_area.AppendOnly:
			if fi.Size > e.Size() {
				e.SetPrevSize(e.Size())
				e.Reopen()
			}
		case status_area.GetOnceOnly:
		default:
			if changed {
				e.SetPrevSize(0)
				e.Reopen()
			}
		}
	}
	e.SetSize(fi.Size)
	if fi.HasTime {
		e.SetMtime(fi.ModTime)
		e.SetGotDate(true)
	}
	return nil
}

func (w *Worker) tempPath(name string) string {
	return filepath.Join(w.d.StagingDir, "."+name)
}

// resumeOffset is where fetching of e starts: past the part an append-only
// directory already delivered, or past a partial local copy.
func (w *Worker) resumeOffset(e *status_area.RetrieveEntry) int64 {
	if w.d.Dir.StupidMode() == status_area.AppendOnly && e.PrevSize() > 0 {
		return e.PrevSize()
	}
	if fi, err := os.Stat(w.tempPath(e.Name())); err == nil && fi.Size() < e.Size() {
		return fi.Size()
	}
	return 0
}

// releaseEntries hands back the entries this slot did not finish and takes
// them off the pending totals.
func (w *Worker) releaseEntries(names []string) {
	dir := w.d.Dir
	if err := dir.Lock(w.d.Timeout); err != nil {
		return
	}
	if err := w.rl.Refresh(); err != nil {
		dir.Unlock()
		return
	}
	var files int
	var size int64
	for _, name := range names {
		e, ok := w.rl.Find(name)
		if !ok || e.Assigned() != w.d.Slot+1 {
			continue
		}
		todo := e.Size() - w.resumeOffset(e)
		e.Release()
		w.shrinkDirTotals(todo)
		files++
		size += todo
	}
	_ = w.rl.Sync()
	dir.Unlock()
	if files > 0 {
		if err := w.addTotals(-files, -size); err != nil {
			w.log.Warnf("Failed to correct totals: %v", err)
		}
	}
}

// dropEntry forgets a file that vanished on the remote side.
func (w *Worker) dropEntry(name string, todo int64) error {
	dir := w.d.Dir
	if err := dir.Lock(w.d.Timeout); err != nil {
		return err
	}
	if err := w.rl.Refresh(); err == nil {
		if e, ok := w.rl.Find(name); ok {
			e.Release()
			e.SetInList(false)
		}
	}
	w.shrinkDirTotals(todo)
	dir.Unlock()
	return w.fileDropped(todo)
}

// shrinkDirTotals takes one file off the directory's pending figures.  The
// caller holds the directory lock.
func (w *Worker) shrinkDirTotals(todo int64) {
	dir := w.d.Dir
	files := dir.FilesToRetrieve() - 1
	if files < 0 {
		files = 0
	}
	dir.SetFilesToRetrieve(files)
	size := dir.SizeToRetrieve() - todo
	if size < 0 {
		size = 0
	}
	dir.SetSizeToRetrieve(size)
}

// fetch retrieves one assigned file into the incoming directory.
func (w *Worker) fetch(ctx context.Context, name string) error {
	d, dir := w.d, w.d.Dir
	if err := dir.Lock(d.Timeout); err != nil {
		return err
	}
	if err := w.rl.Refresh(); err != nil {
		dir.Unlock()
		return protocol.NewError(protocol.ReadLocalError, "retrieve list", err)
	}
	e, ok := w.rl.Find(name)
	if !ok || e.Assigned() != d.Slot+1 {
		dir.Unlock()
		return nil
	}
	size, mtime, gotDate := e.Size(), e.Mtime(), e.GotDate()
	offset := w.resumeOffset(e)
	appendOnly := dir.StupidMode() == status_area.AppendOnly && e.PrevSize() > 0
	dir.Unlock()

	js := w.js
	js.SetFileNameInUse(name)
	js.SetFileSizeInUse(size)
	js.SetFileSizeInUseDone(offset)

	err := w.leaf.OpenRead(name, offset)
	if protocol.IsNoSuchFile(err) {
		w.log.Warnf("Remote file %s is gone", name)
		return w.dropEntry(name, size-offset)
	}
	if err != nil {
		return asKind(protocol.OpenRemoteError, "open "+name, err)
	}
	if offset > 0 && !appendOnly {
		w.log.Debugf("Resuming %s at %d", name, offset)
	}

	if err := os.MkdirAll(d.StagingDir, 0750); err != nil {
		_ = w.leaf.CloseFile()
		return protocol.NewError(protocol.MkdirError, "create "+d.StagingDir, err)
	}
	tmp := w.tempPath(name)
	flags := os.O_WRONLY | os.O_CREATE
	if offset > 0 && !appendOnly {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	dst, err := os.OpenFile(tmp, flags, 0640)
	if err != nil {
		_ = w.leaf.CloseFile()
		return protocol.NewError(protocol.OpenLocalError, "open "+tmp, err)
	}
	got, err := w.readInto(ctx, dst, offset, size-offset)
	if err != nil {
		dst.Close()
		_ = w.leaf.CloseFile()
		return err
	}
	if err := w.leaf.CloseFile(); err != nil {
		dst.Close()
		return asKind(protocol.CloseRemoteError, "close "+name, err)
	}
	if err := dst.Close(); err != nil {
		return protocol.NewError(protocol.WriteLocalError, "close "+tmp, err)
	}

	if expected := size - offset; got != expected {
		w.log.Infof("File %s changed size while fetching: listed %d bytes, got %d", name, size, offset+got)
		if err := w.adjustTotalSize(got - expected); err != nil {
			return err
		}
		size = offset + got
	}
	if d.HasOption(status_area.KeepTimeStamp) && gotDate && !mtime.IsZero() {
		if err := os.Chtimes(tmp, mtime, mtime); err != nil {
			w.log.Warnf("Failed to set time stamp of %s: %v", name, err)
		}
	}
	final := filepath.Join(d.StagingDir, name)
	if err := os.Rename(tmp, final); err != nil {
		return protocol.NewError(protocol.RenameError, "rename "+tmp, err)
	}
	if dir.Remove() {
		if err := w.leaf.Delete(name); err != nil {
			w.log.Warnf("%v", asKind(protocol.DeleteRemoteError, "delete "+name, err))
		}
	}

	if err := dir.Lock(d.Timeout); err != nil {
		return err
	}
	if err := w.rl.Refresh(); err == nil {
		if e, ok := w.rl.Find(name); ok {
			e.SetSize(size)
			if err := e.MarkRetrieved(d.Slot); err != nil {
				w.log.Warnf("%v", err)
			}
		}
		_ = w.rl.Sync()
	}
	w.shrinkDirTotals(size - offset)
	dir.SetBytesReceived(dir.BytesReceived() + uint64(got))
	dir.SetFilesReceived(dir.FilesReceived() + 1)
	dir.SetLastRetrieval(time.Now())
	dir.Unlock()

	if err := w.fileDone(size, offset); err != nil {
		return err
	}
	w.log.Debugf("%d files, %d bytes", js.NoOfFilesDone(), js.FileSizeDone())
	return w.resetErrors()
}

// readInto copies the open remote file to dst.  offset is where the read
// started and remaining the number of bytes the listing promised.
func (w *Worker) readInto(ctx context.Context, dst io.Writer, offset, remaining int64) (int64, error) {
	var got int64
	if mr, ok := w.leaf.(protocol.MultiReader); ok && mr.MultiReadInit(len(w.buf), remaining) > 0 {
		n, single, err := w.multiRead(ctx, mr, dst, offset)
		got += n
		if err != nil || !single {
			return got, err
		}
	}
	for {
		n, err := w.leaf.ReadBlock(w.buf)
		if n > 0 {
			if werr := w.received(ctx, dst, w.buf[:n], offset+got); werr != nil {
				return got, werr
			}
			got += int64(n)
		}
		if err == io.EOF {
			return got, nil
		}
		if err != nil {
			return got, asKind(protocol.ReadRemoteError, "read", err)
		}
	}
}

// multiRead drains the read pipeline of mr.  single is set when the leaf
// asked to continue with plain reads.
func (w *Worker) multiRead(ctx context.Context, mr protocol.MultiReader, dst io.Writer, offset int64) (got int64, single bool, err error) {
	for {
		if err := mr.MultiReadDispatch(); err != nil {
			mr.MultiReadDiscard(true)
			return got, false, asKind(protocol.ReadRemoteError, "read", err)
		}
		n, result, err := mr.MultiReadCatch(w.buf)
		if err != nil {
			mr.MultiReadDiscard(true)
			return got, false, asKind(protocol.ReadRemoteError, "read", err)
		}
		if n > 0 {
			if werr := w.received(ctx, dst, w.buf[:n], offset+got); werr != nil {
				mr.MultiReadDiscard(true)
				return got, false, werr
			}
			got += int64(n)
		}
		switch result {
		case protocol.MultiReadEOF:
			mr.MultiReadDiscard(true)
			return got, false, nil
		case protocol.MultiReadSingle:
			return got, true, nil
		}
	}
}

// received stores one block and books it in the slot.
func (w *Worker) received(ctx context.Context, dst io.Writer, p []byte, done int64) error {
	if err := w.limiter.wait(ctx, len(p)); err != nil {
		return protocol.NewError(protocol.ReadRemoteError, "rate limit", err)
	}
	if _, err := dst.Write(p); err != nil {
		return protocol.NewError(protocol.WriteLocalError, "write", err)
	}
	w.js.SetFileSizeInUseDone(done + int64(len(p)))
	w.js.SetBytesSend(w.js.BytesSend() + uint64(len(p)))
	return nil
}

// awaitNextCheck keeps the session of a retrieve worker open until the
// directory is due again.  It returns false when keep_connected ran out.
func (w *Worker) awaitNextCheck(ctx context.Context) (bool, error) {
	d := w.d
	if d.KeepConnected <= 0 || d.Args.Distributed {
		return false, nil
	}
	if err := w.setHandshake(status_area.HandshakeSleeping); err != nil {
		return false, err
	}
	defer func() { _ = w.setHandshake(status_area.HandshakeIdle) }()

	interval := param.Transfer_NoopInterval.GetDuration()
	if limit := d.Timeout - 5*time.Second; limit > 0 && limit < interval {
		interval = limit
	}
	if interval < handshakePoll {
		interval = handshakePoll
	}
	giveUp := time.Now().Add(d.KeepConnected)
	lastNoop := time.Now()
	for {
		now := time.Now()
		next := d.Dir.NextCheckTime()
		if !now.Before(next) {
			return true, nil
		}
		if !now.Before(giveUp) {
			return false, nil
		}
		sleep := handshakePoll
		if until := next.Sub(now); until < sleep {
			sleep = until
		}
		select {
		case <-ctx.Done():
		case <-time.After(sleep):
		}
		if err := w.checkSession(ctx); err != nil {
			return false, err
		}
		if err := w.checkDirectory(); err != nil {
			return false, err
		}
		if w.js.Handshake() == status_area.HandshakeWakeUpExit {
			return false, errWakeUpExit
		}
		if time.Since(lastNoop) >= interval {
			if err := w.leaf.Noop(); err != nil {
				return false, asKind(protocol.ConnectError, "keep-alive", err)
			}
			lastNoop = time.Now()
		}
	}
}
