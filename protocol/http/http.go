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

// Package http delivers and fetches files over HTTP(S), using WebDAV
// methods for directories, listings and renames.
package http

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"

	"github.com/pkg/errors"
	"github.com/studio-b12/gowebdav"

	"github.com/pelicanplatform/afd/config"
	"github.com/pelicanplatform/afd/protocol"
	"github.com/pelicanplatform/afd/status_area"
)

func init() {
	protocol.Register(status_area.ProtoHTTP, func() protocol.Leaf { return &Leaf{} })
}

type Leaf struct {
	client    *gowebdav.Client
	transport *http.Transport
	cwd       string

	rd io.ReadCloser

	wr     *io.PipeWriter
	wrDone chan error
	wrName string
}

func notFound(err error) error {
	if gowebdav.IsErrNotFound(err) {
		return errors.Wrap(protocol.ErrNoSuchFile, err.Error())
	}
	return err
}

func (l *Leaf) Connect(ctx context.Context, cfg protocol.Config) (string, error) {
	scheme := "http"
	if cfg.TLS {
		scheme = "https"
	}
	host := cfg.Host
	if cfg.Port != 0 {
		host = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	}
	base := url.URL{Scheme: scheme, Host: host, Path: "/"}

	keepalive := cfg.HasOption(status_area.TCPKeepalive)
	l.transport = &http.Transport{
		DialContext: func(dialCtx context.Context, network, addr string) (net.Conn, error) {
			return protocol.Dial(ctx, network, addr, cfg.Timeout, keepalive)
		},
		TLSClientConfig:       cfg.TLSConfig,
		ResponseHeaderTimeout: cfg.Timeout,
		MaxIdleConnsPerHost:   1,
	}
	l.client = gowebdav.NewClient(base.String(), cfg.User, string(cfg.Password))
	l.client.SetTransport(l.transport)
	l.client.SetHeader("User-Agent", "afd/"+config.GetVersion())

	l.cwd = "/"
	if cfg.Path != "" {
		l.cwd = path.Join("/", cfg.Path)
	}
	// Plain HTTP servers answer PROPFIND with an error status; only a
	// failure to talk to the server at all is fatal.
	if err := l.client.Connect(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return "", protocol.NewError(protocol.ConnectError, "connect "+host, err)
		}
	}
	return "HTTP " + base.String(), nil
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
			return "", protocol.NewError(protocol.ChdirError, "cd "+target, errors.New("not a collection"))
		}
		l.cwd = target
		return "", nil
	}
	if !gowebdav.IsErrNotFound(err) {
		return "", protocol.NewError(protocol.ChdirError, "cd "+target, err)
	}
	if !create {
		return "", protocol.NewError(protocol.ChdirError, "cd "+target, protocol.ErrNoSuchFile)
	}

	created := target
	for d := path.Dir(target); d != "/"; d = path.Dir(d) {
		if _, err := l.client.Stat(d); err == nil {
			break
		}
		created = d
	}
	if err := l.client.MkdirAll(target, mode); err != nil {
		return "", protocol.NewError(protocol.MkdirError, "mkcol "+target, err)
	}
	l.cwd = target
	return created, nil
}

func toInfo(fi os.FileInfo) protocol.FileInfo {
	return protocol.FileInfo{
		Name:    fi.Name(),
		Size:    fi.Size(),
		ModTime: fi.ModTime(),
		IsDir:   fi.IsDir(),
		HasTime: !fi.ModTime().IsZero(),
	}
}

func (l *Leaf) Stat(name string) (protocol.FileInfo, error) {
	fi, err := l.client.Stat(l.path(name))
	if err != nil {
		return protocol.FileInfo{}, protocol.NewError(protocol.StatTargetError, "stat "+name, notFound(err))
	}
	return toInfo(fi), nil
}

func (l *Leaf) List() ([]protocol.FileInfo, error) {
	entries, err := l.client.ReadDir(l.cwd)
	if err != nil {
		return nil, protocol.NewError(protocol.ListError, "propfind "+l.cwd, notFound(err))
	}
	files := make([]protocol.FileInfo, 0, len(entries))
	for _, fi := range entries {
		if !fi.IsDir() {
			files = append(files, toInfo(fi))
		}
	}
	return files, nil
}

func (l *Leaf) OpenRead(name string, offset int64) error {
	var rd io.ReadCloser
	var err error
	if offset > 0 {
		rd, err = l.client.ReadStreamRange(l.path(name), offset, 0)
	} else {
		rd, err = l.client.ReadStream(l.path(name))
	}
	if err != nil {
		return protocol.NewError(protocol.OpenRemoteError, "get "+name, notFound(err))
	}
	l.rd = rd
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

// OpenWrite starts a PUT whose body is fed by WriteBlock.
func (l *Leaf) OpenWrite(name string, size int64, mode os.FileMode) error {
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	p := l.path(name)
	go func() {
		err := l.client.WriteStream(p, pr, mode)
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
		}
		return protocol.NewError(protocol.WriteRemoteError, "put "+l.wrName, err)
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
		return protocol.NewError(protocol.CloseRemoteError, "close", err)
	}
	return nil
}

// Delete succeeds for a file that is already gone.
func (l *Leaf) Delete(name string) error {
	if err := l.client.Remove(l.path(name)); err != nil {
		return protocol.NewError(protocol.DeleteRemoteError, "delete "+name, notFound(err))
	}
	return nil
}

func (l *Leaf) Rename(from, to string) error {
	if err := l.client.Rename(l.path(from), l.path(to), true); err != nil {
		return protocol.NewError(protocol.RenameError, "move "+from, notFound(err))
	}
	return nil
}

// Noop does nothing; every request opens or reuses a pooled connection.
func (l *Leaf) Noop() error { return nil }

func (l *Leaf) Quit() error {
	err := l.CloseFile()
	l.transport.CloseIdleConnections()
	return err
}
