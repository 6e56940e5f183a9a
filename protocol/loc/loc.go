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

// Package loc delivers to and fetches from local directories.
package loc

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/pelicanplatform/afd/protocol"
	"github.com/pelicanplatform/afd/status_area"
)

func init() {
	protocol.Register(status_area.ProtoLOC, func() protocol.Leaf { return New(afero.NewOsFs()) })
}

type Leaf struct {
	fs  afero.Fs
	cwd string
	rd  afero.File
	wr  afero.File
}

func New(fs afero.Fs) *Leaf {
	return &Leaf{fs: fs}
}

func (l *Leaf) path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(l.cwd, name)
}

func (l *Leaf) Connect(ctx context.Context, cfg protocol.Config) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", protocol.NewError(protocol.ConnectError, "connect", err)
	}
	l.cwd = cfg.Path
	if l.cwd == "" {
		l.cwd = "/"
	}
	return "local filesystem " + l.cwd, nil
}

func (l *Leaf) ChdirOrMkdir(path string, create bool, mode os.FileMode) (string, error) {
	target := l.path(path)
	fi, err := l.fs.Stat(target)
	if err == nil {
		if !fi.IsDir() {
			return "", protocol.NewError(protocol.ChdirError, "cd "+target, syscall.ENOTDIR)
		}
		l.cwd = target
		return "", nil
	}
	if !os.IsNotExist(err) {
		return "", protocol.NewError(protocol.ChdirError, "cd "+target, err)
	}
	if !create {
		return "", protocol.NewError(protocol.ChdirError, "cd "+target, protocol.ErrNoSuchFile)
	}
	created := target
	for dir := filepath.Dir(target); dir != "/" && dir != "."; dir = filepath.Dir(dir) {
		if ok, _ := afero.DirExists(l.fs, dir); ok {
			break
		}
		created = dir
	}
	if mode == 0 {
		mode = 0755
	}
	if err := l.fs.MkdirAll(target, mode); err != nil {
		return "", protocol.NewError(protocol.MkdirError, "mkdir "+target, err)
	}
	l.cwd = target
	return created, nil
}

func (l *Leaf) Stat(name string) (protocol.FileInfo, error) {
	fi, err := l.fs.Stat(l.path(name))
	if os.IsNotExist(err) {
		return protocol.FileInfo{}, protocol.NewError(protocol.StatTargetError, "stat "+name, protocol.ErrNoSuchFile)
	}
	if err != nil {
		return protocol.FileInfo{}, protocol.NewError(protocol.StatTargetError, "stat "+name, err)
	}
	return toInfo(fi), nil
}

func toInfo(fi os.FileInfo) protocol.FileInfo {
	return protocol.FileInfo{Name: fi.Name(), Size: fi.Size(), ModTime: fi.ModTime(), IsDir: fi.IsDir(), HasTime: true}
}

func (l *Leaf) List() ([]protocol.FileInfo, error) {
	entries, err := afero.ReadDir(l.fs, l.cwd)
	if err != nil {
		return nil, protocol.NewError(protocol.ListError, "list "+l.cwd, err)
	}
	files := make([]protocol.FileInfo, 0, len(entries))
	for _, fi := range entries {
		if fi.Mode().IsRegular() {
			files = append(files, toInfo(fi))
		}
	}
	return files, nil
}

func (l *Leaf) OpenRead(name string, offset int64) error {
	f, err := l.fs.Open(l.path(name))
	if os.IsNotExist(err) {
		return protocol.NewError(protocol.OpenRemoteError, "open "+name, protocol.ErrNoSuchFile)
	}
	if err != nil {
		return protocol.NewError(protocol.OpenRemoteError, "open "+name, err)
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return protocol.NewError(protocol.OpenRemoteError, "seek "+name, err)
		}
	}
	l.rd = f
	return nil
}

func (l *Leaf) ReadBlock(buf []byte) (int, error) {
	if l.rd == nil {
		return 0, protocol.NewError(protocol.ReadRemoteError, "read", os.ErrClosed)
	}
	n, err := l.rd.Read(buf)
	if err == io.EOF && n > 0 {
		return n, nil
	}
	if err == io.EOF {
		return 0, io.EOF
	}
	if err != nil {
		return n, protocol.NewError(protocol.ReadRemoteError, "read "+l.rd.Name(), err)
	}
	return n, nil
}

func (l *Leaf) OpenWrite(name string, size int64, mode os.FileMode) error {
	if mode == 0 {
		mode = 0644
	}
	f, err := l.fs.OpenFile(l.path(name), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return protocol.NewError(protocol.OpenRemoteError, "create "+name, err)
	}
	l.wr = f
	return nil
}

func (l *Leaf) WriteBlock(buf []byte) error {
	if l.wr == nil {
		return protocol.NewError(protocol.WriteRemoteError, "write", os.ErrClosed)
	}
	if _, err := l.wr.Write(buf); err != nil {
		return protocol.NewError(protocol.WriteRemoteError, "write "+l.wr.Name(), err)
	}
	return nil
}

func (l *Leaf) CloseFile() error {
	var err error
	if l.rd != nil {
		err = l.rd.Close()
		l.rd = nil
	}
	if l.wr != nil {
		if werr := l.wr.Close(); werr != nil {
			err = werr
		}
		l.wr = nil
	}
	if err != nil {
		return protocol.NewError(protocol.CloseRemoteError, "close", err)
	}
	return nil
}

func (l *Leaf) Delete(name string) error {
	err := l.fs.Remove(l.path(name))
	if os.IsNotExist(err) {
		return protocol.NewError(protocol.DeleteRemoteError, "delete "+name, protocol.ErrNoSuchFile)
	}
	if err != nil {
		return protocol.NewError(protocol.DeleteRemoteError, "delete "+name, err)
	}
	return nil
}

// Rename replaces an existing target once before giving up.
func (l *Leaf) Rename(from, to string) error {
	src, dst := l.path(from), l.path(to)
	err := l.fs.Rename(src, dst)
	if errors.Is(err, syscall.EEXIST) {
		if rmErr := l.fs.Remove(dst); rmErr == nil {
			err = l.fs.Rename(src, dst)
		}
	}
	if err != nil {
		return protocol.NewError(protocol.RenameError, "rename "+from, err)
	}
	return nil
}

// MoveFrom renames localPath into the working directory.  A move across
// file systems fails with an error wrapping syscall.EXDEV; callers copy
// instead.
func (l *Leaf) MoveFrom(localPath, name string) error {
	dst := l.path(name)
	err := l.fs.Rename(localPath, dst)
	if errors.Is(err, syscall.EEXIST) {
		if rmErr := l.fs.Remove(dst); rmErr == nil {
			err = l.fs.Rename(localPath, dst)
		}
	}
	if err != nil {
		return protocol.NewError(protocol.MoveError, "move "+localPath, err)
	}
	return nil
}

func (l *Leaf) Chmod(name string, mode os.FileMode) error {
	if err := l.fs.Chmod(l.path(name), mode); err != nil {
		return protocol.NewError(protocol.ChownError, "chmod "+name, err)
	}
	return nil
}

func (l *Leaf) Chown(name string, uid, gid int) error {
	if err := l.fs.Chown(l.path(name), uid, gid); err != nil {
		return protocol.NewError(protocol.ChownError, "chown "+name, err)
	}
	return nil
}

func (l *Leaf) Chtimes(name string, mtime time.Time) error {
	if err := l.fs.Chtimes(l.path(name), mtime, mtime); err != nil {
		return protocol.NewError(protocol.ChownError, "utime "+name, err)
	}
	return nil
}

func (l *Leaf) Noop() error { return nil }

func (l *Leaf) Quit() error { return l.CloseFile() }
