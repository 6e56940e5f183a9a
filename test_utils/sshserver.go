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

package test_utils

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

const (
	SSHUser     = "afd"
	SSHPassword = "secret"
)

// SSHServer is an in-process SSH server for leaf tests.  Exec requests run
// through /bin/sh inside Root and the sftp subsystem serves Root.
type SSHServer struct {
	Root       string
	Port       int
	KnownHosts string
	HostKey    ssh.Signer

	listener net.Listener
	config   *ssh.ServerConfig
	wg       sync.WaitGroup

	mu       sync.Mutex
	Commands []string
}

// StartSSHServer listens on a loopback port.  KnownHosts names a file that
// already trusts the server's host key.
func StartSSHServer(t *testing.T) *SSHServer {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == SSHUser && string(pass) == SSHPassword {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
	}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	tmp := t.TempDir()
	s := &SSHServer{
		Root:       filepath.Join(tmp, "root"),
		Port:       listener.Addr().(*net.TCPAddr).Port,
		KnownHosts: filepath.Join(tmp, "known_hosts"),
		HostKey:    signer,
		listener:   listener,
		config:     config,
	}
	require.NoError(t, os.MkdirAll(s.Root, 0755))
	line := fmt.Sprintf("[127.0.0.1]:%d %s\n", s.Port,
		strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey()))))
	require.NoError(t, os.WriteFile(s.KnownHosts, []byte(line), 0600))

	s.wg.Add(1)
	go s.accept()
	t.Cleanup(func() {
		listener.Close()
		s.wg.Wait()
	})
	return s
}

func (s *SSHServer) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go s.handle(conn)
	}
}

func (s *SSHServer) handle(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.session(channel, requests)
	}
}

func (s *SSHServer) session(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()
	for req := range reqs {
		switch req.Type {
		case "exec":
			if len(req.Payload) < 4 {
				_ = req.Reply(false, nil)
				return
			}
			cmdLine := string(req.Payload[4:])
			s.mu.Lock()
			s.Commands = append(s.Commands, cmdLine)
			s.mu.Unlock()
			_ = req.Reply(true, nil)

			cmd := exec.Command("/bin/sh", "-c", cmdLine)
			cmd.Dir = s.Root
			cmd.Stdin = ch
			cmd.Stdout = ch
			cmd.Stderr = ch.Stderr()
			status := uint32(0)
			if err := cmd.Run(); err != nil {
				status = 1
				if exitErr, ok := err.(*exec.ExitError); ok {
					status = uint32(exitErr.ExitCode())
				}
			}
			payload := make([]byte, 4)
			binary.BigEndian.PutUint32(payload, status)
			_ = ch.CloseWrite()
			_, _ = ch.SendRequest("exit-status", false, payload)
			return
		case "subsystem":
			if len(req.Payload) < 4 || string(req.Payload[4:]) != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			server, err := sftp.NewServer(ch, sftp.WithServerWorkingDirectory(s.Root))
			if err != nil {
				return
			}
			_ = server.Serve()
			server.Close()
			return
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}
