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

package protocol

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/pelicanplatform/afd/param"
)

// TimeoutConn arms a fresh deadline before every Read and Write, so a
// stalled peer fails the operation after Timeout instead of hanging.
type TimeoutConn struct {
	net.Conn
	Timeout time.Duration

	stop func() bool
}

func (c *TimeoutConn) Close() error {
	if c.stop != nil {
		c.stop()
	}
	return c.Conn.Close()
}

func (c *TimeoutConn) Read(p []byte) (int, error) {
	if c.Timeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.Timeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(p)
}

func (c *TimeoutConn) Write(p []byte) (int, error) {
	if c.Timeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.Timeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(p)
}

// Dial connects to addr within timeout and wraps the connection in a
// TimeoutConn.  Cancelling ctx after Dial returned closes the connection.
func Dial(ctx context.Context, network, addr string, timeout time.Duration, keepalive bool) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout, KeepAlive: -1}
	if keepalive {
		d.KeepAlive = 0
	}
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	tc := &TimeoutConn{Conn: conn, Timeout: timeout}
	tc.stop = context.AfterFunc(ctx, func() { conn.Close() })
	return tc, nil
}

// TLSConfig builds the client TLS settings from Tls.CipherList,
// Tls.CertFile and Tls.CertDir.  Without strict verification the server
// certificate is not checked.
func TLSConfig(serverName string, strict bool) (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: !strict,
		MinVersion:         tls.VersionTLS12,
	}
	if list := param.Tls_CipherList.GetString(); list != "" {
		suites, err := parseCipherList(list)
		if err != nil {
			return nil, err
		}
		cfg.CipherSuites = suites
	}
	certFile := param.Tls_CertFile.GetString()
	certDir := param.Tls_CertDir.GetString()
	if certFile == "" && certDir == "" {
		return cfg, nil
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if certFile != "" {
		if err := appendPEM(pool, certFile); err != nil {
			return nil, err
		}
	}
	if certDir != "" {
		entries, err := os.ReadDir(certDir)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read certificate directory %s", certDir)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			if err := appendPEM(pool, filepath.Join(certDir, entry.Name())); err != nil {
				log.Debugf("Skipping %s: %v", entry.Name(), err)
			}
		}
	}
	cfg.RootCAs = pool
	return cfg, nil
}

func appendPEM(pool *x509.CertPool, path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read %s", path)
	}
	if !pool.AppendCertsFromPEM(content) {
		return errors.Errorf("no certificates in %s", path)
	}
	return nil
}

// parseCipherList accepts Go cipher suite names separated by ':' or ','.
func parseCipherList(list string) ([]uint16, error) {
	known := map[string]uint16{}
	for _, s := range tls.CipherSuites() {
		known[s.Name] = s.ID
	}
	var ids []uint16
	for _, name := range strings.FieldsFunc(list, func(r rune) bool { return r == ':' || r == ',' }) {
		id, ok := known[strings.TrimSpace(name)]
		if !ok {
			return nil, errors.Errorf("unknown or insecure cipher suite %q", name)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
