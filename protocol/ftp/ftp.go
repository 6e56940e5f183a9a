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

// Package ftp delivers and fetches files over FTP and FTPS.
package ftp

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/textproto"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/pelicanplatform/afd/protocol"
	"github.com/pelicanplatform/afd/status_area"
)

func init() {
	protocol.Register(status_area.ProtoFTP, func() protocol.Leaf { return &Leaf{} })
}

type Leaf struct {
	conn *ftp.ServerConn

	rd *ftp.Response

	wr     *io.PipeWriter
	wrDone chan error
	wrName string
}

func replyCode(err error) int {
	var te *textproto.Error
	if errors.As(err, &te) {
		return te.Code
	}
	return 0
}

// newError maps a failed command to a protocol error.  A 550 reply means
// the file or directory is not there.
func newError(kind protocol.Kind, op string, err error) error {
	code := replyCode(err)
	if code == ftp.StatusFileUnavailable {
		err = errors.Wrap(protocol.ErrNoSuchFile, err.Error())
	}
	return protocol.WithCode(kind, op, code, err)
}

func (l *Leaf) Connect(ctx context.Context, cfg protocol.Config) (string, error) {
	port := cfg.Port
	if port == 0 {
		port = 21
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))
	keepalive := cfg.HasOption(status_area.TCPKeepalive)

	// The first dial is the control connection; the library upgrades it
	// after AUTH TLS.  Data connections are protected here.
	dials := 0
	dial := func(network, address string) (net.Conn, error) {
		conn, err := protocol.Dial(ctx, network, address, cfg.Timeout, keepalive)
		if err != nil {
			return nil, err
		}
		dials++
		if cfg.TLS && dials > 1 {
			return tls.Client(conn, cfg.TLSConfig), nil
		}
		return conn, nil
	}
	opts := []ftp.DialOption{
		ftp.DialWithDialFunc(dial),
		ftp.DialWithShutTimeout(cfg.Timeout),
		ftp.DialWithDisabledEPSV(cfg.HasOption(status_area.UsePassiveFTP)),
	}
	if cfg.TLS {
		tlsConfig := &tls.Config{ServerName: cfg.Host}
		if cfg.TLSConfig != nil {
			tlsConfig = cfg.TLSConfig.Clone()
		}
		// Most servers insist that data connections resume the control
		// connection's session.
		if tlsConfig.ClientSessionCache == nil {
			tlsConfig.ClientSessionCache = tls.NewLRUClientSessionCache(0)
		}
		cfg.TLSConfig = tlsConfig
		opts = append(opts, ftp.DialWithExplicitTLS(tlsConfig))
	}
	if cfg.Debug {
		opts = append(opts, ftp.DialWithDebugOutput(log.StandardLogger().WriterLevel(log.DebugLevel)))
	}

	conn, err := ftp.Dial(addr, opts...)
	if err != nil {
		return "", newError(protocol.ConnectError, "connect "+addr, err)
	}
	user := cfg.User
	if user == "" {
		user = "anonymous"
	}
	if err := conn.Login(user, string(cfg.Password)); err != nil {
		conn.Quit()
		return "", newError(protocol.ConnectError, "login "+user, err)
	}
	if cfg.TransferMode == 'A' {
		if err := conn.Type(ftp.TransferTypeASCII); err != nil {
			conn.Quit()
			return "", newError(protocol.ConnectError, "type A", err)
		}
	}
	l.conn = conn
	return "FTP " + addr, nil
}

// ChdirOrMkdir walks into dir.  FTP has no way to set the mode of new
// directories, so mode is ignored.
func (l *Leaf) ChdirOrMkdir(dir string, create bool, mode os.FileMode) (string, error) {
	err := l.conn.ChangeDir(dir)
	if err == nil {
		return "", nil
	}
	if !create {
		return "", newError(protocol.ChdirError, "cd "+dir, err)
	}

	var created string
	if path.IsAbs(dir) {
		if err := l.conn.ChangeDir("/"); err != nil {
			return "", newError(protocol.ChdirError, "cd /", err)
		}
	}
	for _, part := range strings.Split(strings.Trim(dir, "/"), "/") {
		if part == "" {
			continue
		}
		if err := l.conn.ChangeDir(part); err == nil {
			continue
		}
		if err := l.conn.MakeDir(part); err != nil {
			return created, newError(protocol.MkdirError, "mkdir "+part, err)
		}
		if created == "" {
			if cwd, err := l.conn.CurrentDir(); err == nil {
				created = path.Join(cwd, part)
			} else {
				created = part
			}
		}
		if err := l.conn.ChangeDir(part); err != nil {
			return created, newError(protocol.ChdirError, "cd "+part, err)
		}
	}
	if mode != 0 {
		log.Debugf("Ignoring directory mode %o for FTP", mode)
	}
	return created, nil
}

func (l *Leaf) Stat(name string) (protocol.FileInfo, error) {
	size, err := l.conn.FileSize(name)
	if err != nil {
		return protocol.FileInfo{}, newError(protocol.StatTargetError, "size "+name, err)
	}
	fi := protocol.FileInfo{Name: path.Base(name), Size: size}
	if l.conn.IsGetTimeSupported() {
		if mtime, err := l.conn.GetTime(name); err == nil {
			fi.ModTime, fi.HasTime = mtime, true
		}
	}
	return fi, nil
}

func (l *Leaf) List() ([]protocol.FileInfo, error) {
	entries, err := l.conn.List("")
	if err != nil {
		return nil, newError(protocol.ListError, "list", err)
	}
	files := make([]protocol.FileInfo, 0, len(entries))
	for _, e := range entries {
		if e.Type != ftp.EntryTypeFile {
			continue
		}
		files = append(files, protocol.FileInfo{
			Name:    e.Name,
			Size:    int64(e.Size),
			ModTime: e.Time,
			HasTime: !e.Time.IsZero(),
		})
	}
	return files, nil
}

func (l *Leaf) OpenRead(name string, offset int64) error {
	resp, err := l.conn.RetrFrom(name, uint64(offset))
	if err != nil {
		return newError(protocol.OpenRemoteError, "retr "+name, err)
	}
	l.rd = resp
	return nil
}

func (l *Leaf) ReadBlock(buf []byte) (int, error) {
	if l.rd == nil {
		return 0, protocol.NewError(protocol.ReadRemoteError, "read", os.ErrClosed)
	}
	n, err := io.ReadFull(l.rd, buf)
	if err == io.ErrUnexpectedEOF || (err == io.EOF && n > 0) {
		return n, nil
	}
	if err == io.EOF {
		return 0, io.EOF
	}
	if err != nil {
		return n, protocol.NewError(protocol.ReadRemoteError, "read", err)
	}
	return n, nil
}

// OpenWrite starts a STOR fed from a pipe so that blocks can be written
// one at a time.
func (l *Leaf) OpenWrite(name string, size int64, mode os.FileMode) error {
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		err := l.conn.Stor(name, pr)
		pr.CloseWithError(err)
		done <- err
	}()
	l.wr, l.wrDone, l.wrName = pw, done, name
	return nil
}

func (l *Leaf) WriteBlock(buf []byte) error {
	if l.wr == nil {
		return protocol.NewError(protocol.WriteRemoteError, "write", os.ErrClosed)
	}
	if _, err := l.wr.Write(buf); err != nil {
		if err == io.ErrClosedPipe {
			err = <-l.wrDone
			l.wr = nil
			return newError(protocol.OpenRemoteError, "stor "+l.wrName, err)
		}
		return newError(protocol.WriteRemoteError, "write "+l.wrName, err)
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
		l.wr.Close()
		if werr := <-l.wrDone; werr != nil {
			err = werr
		}
		l.wr = nil
	}
	if err != nil {
		return newError(protocol.CloseRemoteError, "close", err)
	}
	return nil
}

func (l *Leaf) Delete(name string) error {
	if err := l.conn.Delete(name); err != nil {
		return newError(protocol.DeleteRemoteError, "dele "+name, err)
	}
	return nil
}

// Rename deletes an existing target and retries once when the server
// refuses to overwrite.
func (l *Leaf) Rename(from, to string) error {
	err := l.conn.Rename(from, to)
	if err != nil && l.conn.Delete(to) == nil {
		err = l.conn.Rename(from, to)
	}
	if err != nil {
		return newError(protocol.RenameError, "rename "+from, err)
	}
	return nil
}

func (l *Leaf) Chmod(name string, mode os.FileMode) error {
	return protocol.NewError(protocol.ChownError, "chmod "+name, protocol.ErrNotSupported)
}

func (l *Leaf) Chown(name string, uid, gid int) error {
	return protocol.NewError(protocol.ChownError, "chown "+name, protocol.ErrNotSupported)
}

func (l *Leaf) Chtimes(name string, mtime time.Time) error {
	if !l.conn.IsSetTimeSupported() {
		return protocol.NewError(protocol.ChownError, "mfmt "+name, protocol.ErrNotSupported)
	}
	if err := l.conn.SetTime(name, mtime); err != nil {
		return newError(protocol.ChownError, "mfmt "+name, err)
	}
	return nil
}

func (l *Leaf) Noop() error {
	if err := l.conn.NoOp(); err != nil {
		return newError(protocol.StatTargetError, "noop", err)
	}
	return nil
}

func (l *Leaf) Quit() error {
	cerr := l.CloseFile()
	if err := l.conn.Quit(); err != nil {
		return newError(protocol.QuitError, "quit", err)
	}
	return cerr
}
