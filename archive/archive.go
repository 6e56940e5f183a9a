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

// Package archive keeps delivered files for a while.
//
// Files of one message land in
//
//	<root>/<YYYY>/<MM>/<DD>/<host>/<job-id>/<msg-id>-<name>
//
// where the date is the day the copies expire.  Prune removes whole days.
package archive

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// JobDir is the directory holding the archived files of jobID for host,
// expiring on the day of expires.
func JobDir(root string, expires time.Time, host string, jobID uint32) string {
	return filepath.Join(root, expires.Format("2006"), expires.Format("01"), expires.Format("02"),
		host, strconv.FormatUint(uint64(jobID), 16))
}

// ArchivedName is the name of name inside a job directory.
func ArchivedName(msgID, name string) string { return msgID + "-" + name }

// OriginalName undoes ArchivedName; ok is false for files of other
// messages.
func OriginalName(msgID, archived string) (string, bool) {
	return strings.CutPrefix(archived, msgID+"-")
}

// Archiver commits the files of one message.  The job directory is created
// on the first commit.
type Archiver struct {
	Fs    afero.Fs
	Dir   string
	MsgID string

	created bool
}

func NewArchiver(root, host string, jobID uint32, msgID string, expires time.Time) *Archiver {
	return &Archiver{
		Fs:    afero.NewOsFs(),
		Dir:   JobDir(root, expires, host, jobID),
		MsgID: msgID,
	}
}

// Commit moves localPath into the archive as name.  Committing a name that
// is already archived leaves the archive alone and only removes localPath.
// On failure localPath is still removed and the error returned.
func (a *Archiver) Commit(localPath, name string) (string, error) {
	target := filepath.Join(a.Dir, ArchivedName(a.MsgID, name))
	err := a.commit(localPath, target)
	if err != nil {
		if rmErr := a.Fs.Remove(localPath); rmErr != nil && !os.IsNotExist(rmErr) {
			log.Warnf("Failed to remove %s after failed archive: %v", localPath, rmErr)
		}
		return "", err
	}
	return target, nil
}

func (a *Archiver) commit(localPath, target string) error {
	if !a.created {
		if err := a.Fs.MkdirAll(a.Dir, 0750); err != nil {
			return errors.Wrapf(err, "failed to create archive directory %s", a.Dir)
		}
		a.created = true
	}
	if _, err := a.Fs.Stat(target); err == nil {
		log.Debugf("%s is already archived", target)
		return a.Fs.Remove(localPath)
	}
	err := a.Fs.Rename(localPath, target)
	if err == nil {
		return nil
	}
	var linkErr *os.LinkError
	if errors.As(err, &linkErr) && linkErr.Err == syscall.EXDEV {
		return a.copyAcross(localPath, target)
	}
	return errors.Wrapf(err, "failed to archive %s", localPath)
}

func (a *Archiver) copyAcross(localPath, target string) error {
	src, err := a.Fs.Open(localPath)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", localPath)
	}
	defer src.Close()
	tmp := target + ".part"
	dst, err := a.Fs.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0640)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", tmp)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		_ = a.Fs.Remove(tmp)
		return errors.Wrapf(err, "failed to copy %s", localPath)
	}
	if err := dst.Close(); err != nil {
		_ = a.Fs.Remove(tmp)
		return errors.Wrapf(err, "failed to close %s", tmp)
	}
	if err := a.Fs.Rename(tmp, target); err != nil {
		return errors.Wrapf(err, "failed to rename %s", tmp)
	}
	return a.Fs.Remove(localPath)
}

// Prune removes the day directories under root that lie before now's day
// and returns how many it removed.
func Prune(fs afero.Fs, root string, now time.Time) (int, error) {
	today := now.Format("2006/01/02")
	days, err := afero.Glob(fs, filepath.Join(root, "[0-9][0-9][0-9][0-9]", "[0-9][0-9]", "[0-9][0-9]"))
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, day := range days {
		rel, err := filepath.Rel(root, day)
		if err != nil {
			continue
		}
		if filepath.ToSlash(rel) >= today {
			continue
		}
		if err := fs.RemoveAll(day); err != nil {
			return removed, errors.Wrapf(err, "failed to prune %s", day)
		}
		removed++
	}
	for _, dir := range []string{"[0-9][0-9][0-9][0-9]/[0-9][0-9]", "[0-9][0-9][0-9][0-9]"} {
		parents, _ := afero.Glob(fs, filepath.Join(root, dir))
		for _, p := range parents {
			if entries, err := afero.ReadDir(fs, p); err == nil && len(entries) == 0 {
				_ = fs.Remove(p)
			}
		}
	}
	if removed > 0 {
		log.Infof("Pruned %d expired archive day(s) below %s", removed, root)
	}
	return removed, nil
}
