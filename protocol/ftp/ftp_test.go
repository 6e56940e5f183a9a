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

package ftp

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"path"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelicanplatform/afd/protocol"
)

// ftpServer is a single-session FTP server keeping files in memory.
type ftpServer struct {
	t        *testing.T
	listener net.Listener

	mu    sync.Mutex
	files map[string][]byte
	dirs  map[string]bool
	cmds  []string
}

func newFTPServer(t *testing.T) *ftpServer {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &ftpServer{t: t, listener: l, files: map[string][]byte{}, dirs: map[string]bool{"/": true}}
	go s.serve()
	t.Cleanup(func() { l.Close() })
	return s
}

func (s *ftpServer) port() int { return s.listener.Addr().(*net.TCPAddr).Port }

func (s *ftpServer) file(name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[name]
	return data, ok
}

func (s *ftpServer) put(name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[name] = data
}

func (s *ftpServer) serve() {
	conn, err := s.listener.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	tp := textproto.NewConn(conn)
	cwd := "/"
	var data net.Listener
	var rest int64
	var renameFrom string
	abs := func(p string) string {
		if path.IsAbs(p) {
			return path.Clean(p)
		}
		return path.Join(cwd, p)
	}
	accept := func() net.Conn {
		if data == nil {
			return nil
		}
		c, err := data.Accept()
		data.Close()
		data = nil
		if err != nil {
			return nil
		}
		return c
	}

	tp.PrintfLine("220 ready")
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}
		cmd, arg, _ := strings.Cut(line, " ")
		s.mu.Lock()
		s.cmds = append(s.cmds, cmd)
		s.mu.Unlock()

		switch cmd {
		case "USER":
			tp.PrintfLine("331 password please")
		case "PASS":
			tp.PrintfLine("230 logged in")
		case "FEAT":
			tp.PrintfLine("211-Features:\r\n SIZE\r\n211 End")
		case "TYPE", "NOOP":
			tp.PrintfLine("200 ok")
		case "PWD":
			tp.PrintfLine("257 \"%s\"", cwd)
		case "CWD":
			s.mu.Lock()
			ok := s.dirs[abs(arg)]
			s.mu.Unlock()
			if ok {
				cwd = abs(arg)
				tp.PrintfLine("250 ok")
			} else {
				tp.PrintfLine("550 no such directory")
			}
		case "MKD":
			s.mu.Lock()
			s.dirs[abs(arg)] = true
			s.mu.Unlock()
			tp.PrintfLine("257 created")
		case "SIZE":
			if d, ok := s.file(abs(arg)); ok {
				tp.PrintfLine("213 %d", len(d))
			} else {
				tp.PrintfLine("550 no such file")
			}
		case "EPSV":
			data, err = net.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				tp.PrintfLine("425 %v", err)
				continue
			}
			tp.PrintfLine("229 Entering Extended Passive Mode (|||%d|)", data.Addr().(*net.TCPAddr).Port)
		case "REST":
			rest, _ = strconv.ParseInt(arg, 10, 64)
			tp.PrintfLine("350 restarting")
		case "STOR":
			tp.PrintfLine("150 send it")
			c := accept()
			body, _ := io.ReadAll(c)
			c.Close()
			s.put(abs(arg), body)
			tp.PrintfLine("226 done")
		case "RETR":
			d, ok := s.file(abs(arg))
			if !ok {
				if data != nil {
					data.Close()
					data = nil
				}
				tp.PrintfLine("550 no such file")
				continue
			}
			tp.PrintfLine("150 sending")
			c := accept()
			c.Write(d[rest:])
			c.Close()
			rest = 0
			tp.PrintfLine("226 done")
		case "LIST":
			tp.PrintfLine("150 listing")
			c := accept()
			s.mu.Lock()
			for name, d := range s.files {
				if path.Dir(name) == cwd {
					fmt.Fprintf(c, "-rw-r--r--   1 ftp ftp %d Jan 29 10:29 %s\r\n", len(d), path.Base(name))
				}
			}
			s.mu.Unlock()
			c.Close()
			tp.PrintfLine("226 done")
		case "DELE":
			s.mu.Lock()
			_, ok := s.files[abs(arg)]
			delete(s.files, abs(arg))
			s.mu.Unlock()
			if ok {
				tp.PrintfLine("250 deleted")
			} else {
				tp.PrintfLine("550 no such file")
			}
		case "RNFR":
			renameFrom = abs(arg)
			tp.PrintfLine("350 ready for RNTO")
		case "RNTO":
			s.mu.Lock()
			if _, exists := s.files[abs(arg)]; exists {
				s.mu.Unlock()
				tp.PrintfLine("553 target exists")
				continue
			}
			s.files[abs(arg)] = s.files[renameFrom]
			delete(s.files, renameFrom)
			s.mu.Unlock()
			tp.PrintfLine("250 renamed")
		case "QUIT":
			tp.PrintfLine("221 bye")
			return
		default:
			tp.PrintfLine("502 not implemented")
		}
	}
}

func connect(t *testing.T, s *ftpServer) *Leaf {
	l := &Leaf{}
	_, err := l.Connect(context.Background(), protocol.Config{
		Host:     "127.0.0.1",
		Port:     s.port(),
		User:     "afd",
		Password: []byte("secret"),
		Timeout:  5 * time.Second,
	})
	require.NoError(t, err)
	return l
}

func TestSendAndRename(t *testing.T) {
	s := newFTPServer(t)
	l := connect(t, s)

	created, err := l.ChdirOrMkdir("/in/sub", true, 0755)
	require.NoError(t, err)
	assert.Equal(t, "/in", created)

	require.NoError(t, l.OpenWrite(".report", 11, 0))
	require.NoError(t, l.WriteBlock([]byte("hello ")))
	require.NoError(t, l.WriteBlock([]byte("world")))
	require.NoError(t, l.CloseFile())

	s.put("/in/sub/report", []byte("stale"))
	require.NoError(t, l.Rename(".report", "report"))

	body, ok := s.file("/in/sub/report")
	require.True(t, ok)
	assert.Equal(t, "hello world", string(body))

	fi, err := l.Stat("report")
	require.NoError(t, err)
	assert.EqualValues(t, 11, fi.Size)
	assert.False(t, fi.HasTime)

	_, err = l.Stat("gone")
	assert.Equal(t, protocol.StatTargetError, protocol.KindOf(err))
	assert.True(t, protocol.IsNoSuchFile(err))

	require.NoError(t, l.Noop())
	require.NoError(t, l.Quit())
}

func TestRetrieveWithResume(t *testing.T) {
	s := newFTPServer(t)
	s.put("/data", []byte("0123456789"))
	l := connect(t, s)

	files, err := l.List()
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "data", files[0].Name)
	assert.EqualValues(t, 10, files[0].Size)

	require.NoError(t, l.OpenRead("data", 6))
	buf := make([]byte, 8)
	n, err := l.ReadBlock(buf)
	require.NoError(t, err)
	assert.Equal(t, "6789", string(buf[:n]))
	_, err = l.ReadBlock(buf)
	assert.Equal(t, io.EOF, err)
	require.NoError(t, l.CloseFile())

	err = l.OpenRead("missing", 0)
	assert.True(t, protocol.IsNoSuchFile(err))

	require.NoError(t, l.Delete("data"))
	err = l.Delete("data")
	assert.Equal(t, protocol.DeleteRemoteError, protocol.KindOf(err))
	require.NoError(t, l.Quit())
}

func TestChdirWithoutCreate(t *testing.T) {
	s := newFTPServer(t)
	l := connect(t, s)

	_, err := l.ChdirOrMkdir("/nowhere", false, 0)
	require.Error(t, err)
	var pe *protocol.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, protocol.ChdirError, pe.Kind)
	assert.Equal(t, 550, pe.Code)
	require.NoError(t, l.Quit())
}
