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

// Package sshconn opens the SSH sessions shared by the sftp and scp leaves.
package sshconn

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/pelicanplatform/afd/protocol"
	"github.com/pelicanplatform/afd/status_area"
)

const defaultKeepaliveInterval = 30 * time.Second

// Conn is an established SSH client plus its keepalive loop.
type Conn struct {
	Client *ssh.Client

	agentConn net.Conn
	stop      context.CancelFunc
	wg        sync.WaitGroup
}

// Dial connects and authenticates according to cfg.  With
// TLS_STRICT_VERIFY set, hosts missing from known_hosts are rejected;
// otherwise their key is recorded on first use.
func Dial(ctx context.Context, cfg protocol.Config) (*Conn, error) {
	c := &Conn{}
	auth, err := c.authMethods(ctx, cfg)
	if err != nil {
		return nil, err
	}
	hostKeyCallback, err := hostKeyCallback(cfg)
	if err != nil {
		c.closeAgent()
		return nil, err
	}
	sshConfig := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         cfg.Timeout,
	}
	port := cfg.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))

	conn, err := protocol.Dial(ctx, "tcp", addr, cfg.Timeout, cfg.HasOption(status_area.TCPKeepalive))
	if err != nil {
		c.closeAgent()
		return nil, err
	}
	sshConn, chans, reqs, err := newClientConn(ctx, conn, addr, sshConfig)
	if err != nil {
		conn.Close()
		c.closeAgent()
		return nil, err
	}
	c.Client = ssh.NewClient(sshConn, chans, reqs)

	kaCtx, cancel := context.WithCancel(ctx)
	c.stop = cancel
	if cfg.HasOption(status_area.TCPKeepalive) || cfg.HasOption(status_area.StatKeepalive) {
		interval := cfg.Timeout / 2
		if interval <= 0 || interval > defaultKeepaliveInterval {
			interval = defaultKeepaliveInterval
		}
		c.wg.Add(1)
		go c.keepalive(kaCtx, interval)
	}
	log.Debugf("SSH connection established to %s@%s", cfg.User, addr)
	return c, nil
}

// newClientConn runs the handshake so that cancelling ctx aborts it.
func newClientConn(ctx context.Context, conn net.Conn, addr string, config *ssh.ClientConfig) (ssh.Conn, <-chan ssh.NewChannel, <-chan *ssh.Request, error) {
	type result struct {
		sshConn ssh.Conn
		chans   <-chan ssh.NewChannel
		reqs    <-chan *ssh.Request
		err     error
	}
	done := make(chan result, 1)
	go func() {
		sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
		done <- result{sshConn, chans, reqs, err}
	}()
	select {
	case <-ctx.Done():
		conn.Close()
		<-done
		return nil, nil, nil, ctx.Err()
	case r := <-done:
		return r.sshConn, r.chans, r.reqs, r.err
	}
}

func (c *Conn) authMethods(ctx context.Context, cfg protocol.Config) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if len(cfg.Password) > 0 {
		password := string(cfg.Password)
		methods = append(methods, ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}))
	}
	if signers := loadIdentities(cfg.IdentityFiles); len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}
	if socket := os.Getenv("SSH_AUTH_SOCK"); socket != "" {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "unix", socket)
		if err != nil {
			log.Debugf("SSH agent at %s unavailable: %v", socket, err)
		} else {
			c.agentConn = conn
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}
	if len(methods) == 0 {
		return nil, errors.New("no SSH authentication method available")
	}
	return methods, nil
}

// loadIdentities reads the given private keys, or the default ones under
// ~/.ssh when none are given.  Unreadable and encrypted keys are skipped.
func loadIdentities(files []string) []ssh.Signer {
	if len(files) == 0 {
		if home, err := os.UserHomeDir(); err == nil {
			for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
				files = append(files, filepath.Join(home, ".ssh", name))
			}
		}
	}
	var signers []ssh.Signer
	for _, file := range files {
		keyData, err := os.ReadFile(file)
		if err != nil {
			continue
		}
		signer, err := ssh.ParsePrivateKey(keyData)
		if err != nil {
			log.Debugf("Skipping identity %s: %v", file, err)
			continue
		}
		signers = append(signers, signer)
	}
	return signers
}

func knownHostsPath(cfg protocol.Config) (string, error) {
	if cfg.KnownHostsFile != "" {
		return cfg.KnownHostsFile, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "failed to get home directory")
	}
	return filepath.Join(home, ".ssh", "known_hosts"), nil
}

func hostKeyCallback(cfg protocol.Config) (ssh.HostKeyCallback, error) {
	path, err := knownHostsPath(cfg)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, errors.Wrap(err, "failed to create known_hosts directory")
		}
		if err := os.WriteFile(path, nil, 0600); err != nil {
			return nil, errors.Wrap(err, "failed to create known_hosts file")
		}
	}
	callback, err := knownhosts.New(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse known_hosts file")
	}
	strict := cfg.HasOption(status_area.TLSStrictVerify)
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := callback(hostname, remote, key)
		if err == nil {
			return nil
		}
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) && len(keyErr.Want) > 0 {
			log.Errorf("SSH host key of %s changed (offered %s)", hostname, ssh.FingerprintSHA256(key))
			return errors.Wrapf(err, "host key verification failed for %s", hostname)
		}
		if strict {
			return errors.Wrapf(err, "SSH host %s is not in %s", hostname, path)
		}
		log.Warnf("Adding unknown SSH host %s (%s) to %s", hostname, ssh.FingerprintSHA256(key), path)
		return appendKnownHost(path, hostname, key)
	}, nil
}

func appendKnownHost(path, hostname string, key ssh.PublicKey) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return errors.Wrap(err, "failed to open known_hosts file")
	}
	defer f.Close()
	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	if _, err := f.WriteString(line + "\n"); err != nil {
		return errors.Wrap(err, "failed to write known_hosts file")
	}
	return nil
}

func (c *Conn) keepalive(ctx context.Context, interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := c.Client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				log.Warnf("SSH keepalive failed: %v", err)
				return
			}
		}
	}
}

// Run executes cmd in a new session and returns its combined output.
func (c *Conn) Run(cmd string) ([]byte, error) {
	session, err := c.Client.NewSession()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open SSH session")
	}
	defer session.Close()
	return session.CombinedOutput(cmd)
}

func (c *Conn) closeAgent() {
	if c.agentConn != nil {
		c.agentConn.Close()
		c.agentConn = nil
	}
}

// Close stops the keepalive loop and closes the connection.
func (c *Conn) Close() error {
	if c.stop != nil {
		c.stop()
	}
	var err error
	if c.Client != nil {
		err = c.Client.Close()
	}
	c.wg.Wait()
	c.closeAgent()
	return err
}
