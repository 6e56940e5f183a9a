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

// Package sftp delivers and fetches files over SFTP.
package sftp

import (
	"context"
	"io"
	"os"
	"path"
	"time"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	log "github.com/sirupsen/logrus"

	"github.com/pelicanplatform/afd/protocol"
	"github.com/pelicanplatform/afd/protocol/sshconn"
	"github.com/pelicanplatform/afd/status_area"
)

// maxPendingReads bounds the read requests kept in flight by MultiRead.
const maxPendingReads = 32

func init() {
	protocol.Register(status_area.ProtoSFTP, func() protocol.Leaf { return &Leaf{} })
}

type readReq struct {
	off  int64
	buf  []byte
	n    int
	err  error
	done chan struct{}
}

type Leaf struct {
	conn   *sshconn.Conn
	client *sftp.Client
	cwd    string

	rd     *sftp.File
	rdSize int64
	wr     *sftp.File

	// multi-read state
	window  int
	block   int
	nextOff int64
	pending []*readReq
}

// NewWithClient wraps an already established SFTP client.
func NewWithClient(client *sftp.Client) *Leaf {
	return &Leaf{client: client}
}

func (l *Leaf) Connect(ctx context.Context, cfg protocol.Config) (string, error) {
	if l.client == nil {
		conn, err := sshconn.Dial(ctx, cfg)
		if err != nil {
			return "", protocol.NewError(protocol.ConnectError, "connect "+cfg.Host, err)
		}
		client, err := sftp.NewClient(conn.Client, sftp.UseConcurrentReads(false))
		if err != nil {
			conn.Close()
			return "", protocol.NewError(protocol.ConnectError, "sftp subsystem", err)
		}
		l.conn, l.client = conn, client
	}
	wd, err := l.client.Getwd()
	if err != nil {
		wd = "/"
	}
	l.cwd = wd
	if cfg.Path != "" {
		if path.IsAbs(cfg.Path) {
			l.cwd = path.Clean(cfg.Path)
		} else {
			l.cwd = path.Join(wd, cfg.Path)
		}
	}
	banner := "SFTP"
	if l.conn != nil {
		banner = string(l.conn.Client.ServerVersion())
	}
	return banner, nil
}

func (l *Leaf) path(name string) string {
	if path.IsAbs(name) {
		return name
	}
	return path.Join(l.cwd, name)
}

func (l *Leaf) ChdirOrMkdir(dir string, create bool, mode os.FileMode) (string, error) {
	target := l.path(dir)
	fi, err := l.client.Stat(target)
	if err == nil {
		if !fi.IsDir() {
			return "", protocol.NewError(protocol.ChdirError, "cd "+target, errors.New("not a directory"))
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

	var missing []string
	for d := target; d != "/" && d != "."; d = path.Dir(d) {
		if _, err := l.client.Stat(d); err == nil {
			break
		}
		missing = append(missing, d)
	}
	var created string
	for i := len(missing) - 1; i >= 0; i-- {
		if err := l.client.Mkdir(missing[i]); err != nil {
			return created, protocol.NewError(protocol.MkdirError, "mkdir "+missing[i], err)
		}
		if mode != 0 {
			if err := l.client.Chmod(missing[i], mode); err != nil {
				log.Warnf("Failed to chmod %s to %o: %v", missing[i], mode, err)
			}
		}
		if created == "" {
			created = missing[i]
		}
	}
	l.cwd = target
	return created, nil
}

func toInfo(fi os.FileInfo) protocol.FileInfo {
	return protocol.FileInfo{Name: fi.Name(), Size: fi.Size(), ModTime: fi.ModTime(), IsDir: fi.IsDir(), HasTime: true}
}

func noSuchFile(err error) error {
	if os.IsNotExist(err) {
		return protocol.ErrNoSuchFile
	}
	return err
}

func (l *Leaf) Stat(name string) (protocol.FileInfo, error) {
	fi, err := l.client.Stat(l.path(name))
	if err != nil {
		return protocol.FileInfo{}, protocol.NewError(protocol.StatTargetError, "stat "+name, noSuchFile(err))
	}
	return toInfo(fi), nil
}

func (l *Leaf) List() ([]protocol.FileInfo, error) {
	entries, err := l.client.ReadDir(l.cwd)
	if err != nil {
		return nil, protocol.NewError(protocol.ListError, "readdir "+l.cwd, err)
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
	f, err := l.client.Open(l.path(name))
	if err != nil {
		return protocol.NewError(protocol.OpenRemoteError, "open "+name, noSuchFile(err))
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return protocol.NewError(protocol.OpenRemoteError, "fstat "+name, err)
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return protocol.NewError(protocol.OpenRemoteError, "seek "+name, err)
		}
	}
	l.rd, l.rdSize, l.nextOff = f, fi.Size(), offset
	return nil
}

func (l *Leaf) ReadBlock(buf []byte) (int, error) {
	if l.rd == nil {
		return 0, protocol.NewError(protocol.ReadRemoteError, "read", os.ErrClosed)
	}
	n, err := l.rd.Read(buf)
	if err == io.EOF {
		if n > 0 {
			return n, nil
		}
		return 0, io.EOF
	}
	if err != nil {
		return n, protocol.NewError(protocol.ReadRemoteError, "read "+l.rd.Name(), err)
	}
	return n, nil
}

// MultiReadInit sizes the read window for the rest of the open file.  It
// returns 0 when a single read will do.
func (l *Leaf) MultiReadInit(blockSize int, remaining int64) int {
	if l.rd == nil || blockSize <= 0 || remaining <= int64(blockSize) {
		return 0
	}
	blocks := (remaining + int64(blockSize) - 1) / int64(blockSize)
	l.window = maxPendingReads
	if blocks < int64(l.window) {
		l.window = int(blocks)
	}
	l.block = blockSize
	l.pending = l.pending[:0]
	return l.window
}

// MultiReadDispatch tops the window up with new read requests.
func (l *Leaf) MultiReadDispatch() error {
	if l.rd == nil {
		return protocol.NewError(protocol.ReadRemoteError, "read", os.ErrClosed)
	}
	for len(l.pending) < l.window && l.nextOff < l.rdSize {
		req := &readReq{off: l.nextOff, buf: make([]byte, l.block), done: make(chan struct{})}
		l.nextOff += int64(l.block)
		l.pending = append(l.pending, req)
		go func(f *sftp.File) {
			defer close(req.done)
			req.n, req.err = f.ReadAt(req.buf, req.off)
		}(l.rd)
	}
	return nil
}

// MultiReadCatch hands back the oldest outstanding block.
func (l *Leaf) MultiReadCatch(buf []byte) (int, int, error) {
	if len(l.pending) == 0 {
		return 0, protocol.MultiReadSingle, nil
	}
	req := l.pending[0]
	<-req.done
	l.pending = l.pending[1:]
	if req.err != nil && req.err != io.EOF {
		l.MultiReadDiscard(true)
		return 0, protocol.MultiReadData, protocol.NewError(protocol.ReadRemoteError, "read "+l.rd.Name(), req.err)
	}
	n := copy(buf, req.buf[:req.n])
	if req.off+int64(req.n) >= l.rdSize || req.n == 0 {
		return n, protocol.MultiReadEOF, nil
	}
	return n, protocol.MultiReadData, nil
}

func (l *Leaf) MultiReadEOF() bool {
	return len(l.pending) == 0 && l.nextOff >= l.rdSize
}

func (l *Leaf) MultiReadDiscard(drain bool) {
	if drain {
		for _, req := range l.pending {
			<-req.done
		}
	}
	l.pending = nil
	l.window = 0
}

func (l *Leaf) OpenWrite(name string, size int64, mode os.FileMode) error {
	p := l.path(name)
	f, err := l.client.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return protocol.NewError(protocol.OpenRemoteError, "create "+name, err)
	}
	if mode != 0 {
		if err := f.Chmod(mode); err != nil {
			log.Debugf("Failed to set mode %o on %s: %v", mode, p, err)
		}
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
		l.MultiReadDiscard(true)
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
	if err := l.client.Remove(l.path(name)); err != nil {
		return protocol.NewError(protocol.DeleteRemoteError, "delete "+name, noSuchFile(err))
	}
	return nil
}

// Rename overwrites an existing target.  Plain SFTP refuses that, so the
// target is removed and the rename retried once.
func (l *Leaf) Rename(from, to string) error {
	src, dst := l.path(from), l.path(to)
	err := l.client.Rename(src, dst)
	if err != nil {
		if _, ok := l.client.HasExtension("posix-rename@openssh.com"); ok {
			err = l.client.PosixRename(src, dst)
		}
	}
	if err != nil {
		if rmErr := l.client.Remove(dst); rmErr == nil {
			err = l.client.Rename(src, dst)
		}
	}
	if err != nil {
		return protocol.NewError(protocol.RenameError, "rename "+from, err)
	}
	return nil
}

func (l *Leaf) Chmod(name string, mode os.FileMode) error {
	if err := l.client.Chmod(l.path(name), mode); err != nil {
		return protocol.NewError(protocol.ChownError, "chmod "+name, err)
	}
	return nil
}

func (l *Leaf) Chown(name string, uid, gid int) error {
	if err := l.client.Chown(l.path(name), uid, gid); err != nil {
		return protocol.NewError(protocol.ChownError, "chown "+name, err)
	}
	return nil
}

func (l *Leaf) Chtimes(name string, mtime time.Time) error {
	if err := l.client.Chtimes(l.path(name), mtime, mtime); err != nil {
		return protocol.NewError(protocol.ChownError, "utime "+name, err)
	}
	return nil
}

// Noop stats the working directory.
func (l *Leaf) Noop() error {
	if _, err := l.client.Stat(l.cwd); err != nil {
		return protocol.NewError(protocol.StatTargetError, "noop", err)
	}
	return nil
}

func (l *Leaf) Quit() error {
	cerr := l.CloseFile()
	err := l.client.Close()
	if l.conn != nil {
		if e := l.conn.Close(); err == nil {
			err = e
		}
		l.conn = nil
	}
	if err != nil {
		return protocol.NewError(protocol.QuitError, "quit", err)
	}
	return cerr
}
