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

// Package scp delivers files with the scp sink protocol and runs the
// remaining file operations as remote shell commands.
package scp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"

	"github.com/pelicanplatform/afd/protocol"
	"github.com/pelicanplatform/afd/protocol/sshconn"
	"github.com/pelicanplatform/afd/status_area"
)

func init() {
	protocol.Register(status_area.ProtoSCP, func() protocol.Leaf { return &Leaf{} })
}

type Leaf struct {
	conn *sshconn.Conn
	cwd  string

	session   *ssh.Session
	stdin     io.WriteCloser
	stdout    *bufio.Reader
	writing   bool
	remaining int64
}

func (l *Leaf) Connect(ctx context.Context, cfg protocol.Config) (string, error) {
	conn, err := sshconn.Dial(ctx, cfg)
	if err != nil {
		return "", protocol.NewError(protocol.ConnectError, "connect "+cfg.Host, err)
	}
	l.conn = conn
	l.cwd = cfg.Path
	return string(conn.Client.ServerVersion()), nil
}

func (l *Leaf) path(name string) string {
	if path.IsAbs(name) || l.cwd == "" {
		return name
	}
	return path.Join(l.cwd, name)
}

// run executes a shell command built from args.  A failure that names a
// missing file wraps ErrNoSuchFile.
func (l *Leaf) run(kind protocol.Kind, args ...string) ([]byte, error) {
	cmd := shellquote.Join(args...)
	out, err := l.conn.Run(cmd)
	if err == nil {
		return out, nil
	}
	msg := strings.TrimSpace(string(out))
	if strings.Contains(msg, "No such file") || strings.Contains(msg, "cannot stat") {
		err = errors.Wrap(protocol.ErrNoSuchFile, msg)
	} else if msg != "" {
		err = errors.Wrap(err, msg)
	}
	return nil, protocol.NewError(kind, args[0], err)
}

func (l *Leaf) isDir(p string) bool {
	_, err := l.conn.Run(shellquote.Join("test", "-d", p))
	return err == nil
}

func (l *Leaf) ChdirOrMkdir(dir string, create bool, mode os.FileMode) (string, error) {
	target := l.path(dir)
	if l.isDir(target) {
		l.cwd = target
		return "", nil
	}
	if !create {
		return "", protocol.NewError(protocol.ChdirError, "cd "+target, protocol.ErrNoSuchFile)
	}

	var missing []string
	for d := target; d != "/" && d != "." && d != ""; d = path.Dir(d) {
		if l.isDir(d) {
			break
		}
		missing = append([]string{d}, missing...)
	}
	if _, err := l.run(protocol.MkdirError, append([]string{"mkdir"}, missing...)...); err != nil {
		return "", err
	}
	if mode != 0 {
		args := append([]string{"chmod", strconv.FormatUint(uint64(mode.Perm()), 8)}, missing...)
		if _, err := l.run(protocol.ChownError, args...); err != nil {
			l.cwd = target
			return missing[0], err
		}
	}
	l.cwd = target
	if len(missing) == 0 {
		return "", nil
	}
	return missing[0], nil
}

func (l *Leaf) Stat(name string) (protocol.FileInfo, error) {
	out, err := l.run(protocol.StatTargetError, "stat", "-c", "%s %Y", l.path(name))
	if err != nil {
		return protocol.FileInfo{}, err
	}
	var size, mtime int64
	if _, err := fmt.Sscanf(strings.TrimSpace(string(out)), "%d %d", &size, &mtime); err != nil {
		return protocol.FileInfo{}, protocol.NewError(protocol.StatTargetError, "stat "+name, err)
	}
	return protocol.FileInfo{Name: path.Base(name), Size: size, ModTime: time.Unix(mtime, 0), HasTime: true}, nil
}

// List relies on GNU find on the remote side.
func (l *Leaf) List() ([]protocol.FileInfo, error) {
	dir := l.cwd
	if dir == "" {
		dir = "."
	}
	out, err := l.run(protocol.ListError, "find", dir, "-maxdepth", "1", "-type", "f", "-printf", `%f\t%s\t%T@\n`)
	if err != nil {
		return nil, err
	}
	var files []protocol.FileInfo
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Split(line, "\t")
		if len(fields) != 3 {
			continue
		}
		size, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		secs, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			continue
		}
		files = append(files, protocol.FileInfo{
			Name:    fields[0],
			Size:    size,
			ModTime: time.Unix(int64(secs), 0),
			HasTime: true,
		})
	}
	return files, nil
}

func (l *Leaf) start(kind protocol.Kind, args ...string) error {
	session, err := l.conn.Client.NewSession()
	if err != nil {
		return protocol.NewError(kind, "session", err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return protocol.NewError(kind, "session", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return protocol.NewError(kind, "session", err)
	}
	if err := session.Start(shellquote.Join(args...)); err != nil {
		session.Close()
		return protocol.NewError(kind, args[0], err)
	}
	l.session, l.stdin, l.stdout = session, stdin, bufio.NewReader(stdout)
	return nil
}

// ack reads one scp status byte; 1 and 2 are followed by a message.
func (l *Leaf) ack() error {
	b, err := l.stdout.ReadByte()
	if err != nil {
		return err
	}
	if b == 0 {
		return nil
	}
	msg, _ := l.stdout.ReadString('\n')
	msg = strings.TrimSpace(msg)
	if strings.Contains(msg, "No such file") {
		return errors.Wrap(protocol.ErrNoSuchFile, msg)
	}
	return errors.Errorf("scp: %s", msg)
}

func (l *Leaf) abort() {
	if l.session != nil {
		l.session.Close()
	}
	l.session, l.stdin, l.stdout = nil, nil, nil
}

func (l *Leaf) OpenRead(name string, offset int64) error {
	if err := l.start(protocol.OpenRemoteError, "scp", "-f", l.path(name)); err != nil {
		return err
	}
	if _, err := l.stdin.Write([]byte{0}); err != nil {
		l.abort()
		return protocol.NewError(protocol.OpenRemoteError, "scp "+name, err)
	}
	b, err := l.stdout.ReadByte()
	if err == nil && b != 'C' {
		l.stdout.UnreadByte()
		err = l.ack()
		if err == nil {
			err = errors.Errorf("unexpected scp record %q", b)
		}
	}
	if err != nil {
		l.abort()
		return protocol.NewError(protocol.OpenRemoteError, "scp "+name, err)
	}
	header, err := l.stdout.ReadString('\n')
	if err != nil {
		l.abort()
		return protocol.NewError(protocol.OpenRemoteError, "scp "+name, err)
	}
	var mode uint32
	var size int64
	if _, err := fmt.Sscanf(header, "%o %d", &mode, &size); err != nil {
		l.abort()
		return protocol.NewError(protocol.OpenRemoteError, "scp header "+strings.TrimSpace(header), err)
	}
	if _, err := l.stdin.Write([]byte{0}); err != nil {
		l.abort()
		return protocol.NewError(protocol.OpenRemoteError, "scp "+name, err)
	}
	// The scp source has no restart marker, so resumed bytes are skipped.
	if offset > 0 {
		if _, err := io.CopyN(io.Discard, l.stdout, offset); err != nil {
			l.abort()
			return protocol.NewError(protocol.ReadRemoteError, "skip "+name, err)
		}
		size -= offset
	}
	l.remaining, l.writing = size, false
	return nil
}

func (l *Leaf) ReadBlock(buf []byte) (int, error) {
	if l.session == nil || l.writing {
		return 0, protocol.NewError(protocol.ReadRemoteError, "read", os.ErrClosed)
	}
	if l.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(buf)) > l.remaining {
		buf = buf[:l.remaining]
	}
	n, err := io.ReadFull(l.stdout, buf)
	l.remaining -= int64(n)
	if err != nil {
		return n, protocol.NewError(protocol.ReadRemoteError, "read", err)
	}
	return n, nil
}

func (l *Leaf) OpenWrite(name string, size int64, mode os.FileMode) error {
	if mode == 0 {
		mode = 0644
	}
	if err := l.start(protocol.OpenRemoteError, "scp", "-t", l.path(name)); err != nil {
		return err
	}
	err := l.ack()
	if err == nil {
		_, err = fmt.Fprintf(l.stdin, "C%04o %d %s\n", mode.Perm(), size, path.Base(name))
	}
	if err == nil {
		err = l.ack()
	}
	if err != nil {
		l.abort()
		return protocol.NewError(protocol.OpenRemoteError, "scp "+name, err)
	}
	l.writing, l.remaining = true, size
	return nil
}

func (l *Leaf) WriteBlock(buf []byte) error {
	if l.session == nil || !l.writing {
		return protocol.NewError(protocol.WriteRemoteError, "write", os.ErrClosed)
	}
	if _, err := l.stdin.Write(buf); err != nil {
		return protocol.NewError(protocol.WriteRemoteError, "write", err)
	}
	l.remaining -= int64(len(buf))
	return nil
}

func (l *Leaf) CloseFile() error {
	if l.session == nil {
		return nil
	}
	var err error
	switch {
	case l.writing && l.remaining != 0:
		err = errors.Errorf("%d bytes announced but not written", l.remaining)
	case l.writing:
		if _, err = l.stdin.Write([]byte{0}); err == nil {
			err = l.ack()
		}
	case l.remaining == 0:
		if err = l.ack(); err == nil {
			_, err = l.stdin.Write([]byte{0})
		}
	default:
		// Partially read; the source cannot be told to stop cleanly.
		l.abort()
		return nil
	}
	l.stdin.Close()
	if err == nil {
		err = l.session.Wait()
	}
	l.abort()
	if err != nil {
		return protocol.NewError(protocol.CloseRemoteError, "close", err)
	}
	return nil
}

func (l *Leaf) Delete(name string) error {
	_, err := l.run(protocol.DeleteRemoteError, "rm", l.path(name))
	return err
}

func (l *Leaf) Rename(from, to string) error {
	_, err := l.run(protocol.RenameError, "mv", "-f", l.path(from), l.path(to))
	return err
}

func (l *Leaf) Chmod(name string, mode os.FileMode) error {
	_, err := l.run(protocol.ChownError, "chmod", strconv.FormatUint(uint64(mode.Perm()), 8), l.path(name))
	return err
}

func (l *Leaf) Chown(name string, uid, gid int) error {
	owner := strconv.Itoa(uid)
	if gid >= 0 {
		owner += ":" + strconv.Itoa(gid)
	}
	_, err := l.run(protocol.ChownError, "chown", owner, l.path(name))
	return err
}

func (l *Leaf) Chtimes(name string, mtime time.Time) error {
	_, err := l.run(protocol.ChownError, "touch", "-d", "@"+strconv.FormatInt(mtime.Unix(), 10), l.path(name))
	return err
}

func (l *Leaf) Noop() error {
	if _, _, err := l.conn.Client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
		return protocol.NewError(protocol.StatTargetError, "noop", err)
	}
	return nil
}

func (l *Leaf) Quit() error {
	cerr := l.CloseFile()
	if err := l.conn.Close(); err != nil {
		return protocol.NewError(protocol.QuitError, "quit", err)
	}
	return cerr
}
