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
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelicanplatform/afd/status_area"
)

func TestEvalTimeout(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		kind    Kind
		timeout bool
	}{
		{"plain", NewError(WriteRemoteError, "write", io.ErrUnexpectedEOF), WriteRemoteError, false},
		{"deadline", NewError(ReadRemoteError, "read", os.ErrDeadlineExceeded), ReadRemoteError, true},
		{"context", NewError(ConnectError, "connect", context.DeadlineExceeded), ConnectError, true},
		{"wrapped", errors.Wrap(NewError(ChdirError, "cd", os.ErrDeadlineExceeded), "outer"), ChdirError, true},
		{"foreign", os.ErrDeadlineExceeded, KindNone, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			kind, timeout := EvalTimeout(tc.err)
			assert.Equal(t, tc.kind, kind)
			assert.Equal(t, tc.timeout, timeout)
		})
	}
}

func TestErrorMessage(t *testing.T) {
	err := WithCode(OpenRemoteError, "open a.bin", 550, ErrNoSuchFile)
	assert.Equal(t, "open a.bin: OPEN_REMOTE_ERROR (550): no such remote file", err.Error())
	assert.True(t, IsNoSuchFile(err))
	assert.Equal(t, OpenRemoteError, KindOf(errors.Wrap(err, "retrieve")))
	assert.Equal(t, KindNone, KindOf(io.EOF))
}

type nopLeaf struct{ Leaf }

func TestRegistry(t *testing.T) {
	registryMu.Lock()
	saved := registry
	registry = map[status_area.Protocol]Factory{}
	registryMu.Unlock()
	t.Cleanup(func() {
		registryMu.Lock()
		registry = saved
		registryMu.Unlock()
	})

	Register(status_area.ProtoSCP, func() Leaf { return nopLeaf{} })
	Register(status_area.ProtoFTP, func() Leaf { return nopLeaf{} })
	assert.Equal(t, []status_area.Protocol{status_area.ProtoFTP, status_area.ProtoSCP}, Registered())

	leaf, err := New(status_area.ProtoFTP)
	require.NoError(t, err)
	assert.IsType(t, nopLeaf{}, leaf)

	_, err = New(status_area.ProtoHTTP)
	assert.Error(t, err)
	assert.Panics(t, func() { Register(status_area.ProtoFTP, func() Leaf { return nopLeaf{} }) })
}

func TestTimeoutConn(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	conn := &TimeoutConn{Conn: client, Timeout: 50 * time.Millisecond}
	defer conn.Close()

	go func() {
		_, _ = server.Write([]byte("hi"))
	}()
	buf := make([]byte, 2)
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(buf))

	// Nobody writes any more: the next read has to time out.
	_, err = conn.Read(buf)
	require.Error(t, err)
	perr := NewError(ReadRemoteError, "read", err)
	assert.True(t, perr.Timeout)
}

func TestDialCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err == nil {
			defer c.Close()
			_, _ = io.Copy(io.Discard, c)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	conn, err := Dial(ctx, "tcp", ln.Addr().String(), time.Minute, true)
	require.NoError(t, err)
	cancel()

	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	assert.Error(t, err)
}

func TestParseCipherList(t *testing.T) {
	ids, err := parseCipherList("TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256:TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384")
	require.NoError(t, err)
	assert.Equal(t, []uint16{tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256, tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384}, ids)

	_, err = parseCipherList("NOT_A_CIPHER")
	assert.Error(t, err)
}
