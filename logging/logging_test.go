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

package logging

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelicanplatform/afd/fifo"
)

func TestWhatDone(t *testing.T) {
	tests := []struct {
		name     string
		verb     string
		files    uint64
		bytes    uint64
		jobID    uint32
		bursts   uint32
		expected string
	}{
		{"plain-copy", VerbCopied, 3, 35, 0, 0, "copied 3 files, 35 bytes"},
		{"retrieve", VerbRetrieved, 1, 1000, 0, 0, "retrieved 1 files, 1000 bytes"},
		{"large-with-job", VerbSend, 2, 1536, 0xbeef, 0, "send 2 files, 1.50 KiB (1536 bytes) #beef"},
		{"one-burst", VerbSend, 4, 10, 0x1, 1, "send 4 files, 10 bytes #1 [BURST]"},
		{"many-bursts", VerbSend, 9, 10, 0x1, 3, "send 9 files, 10 bytes #1 [BURST * 3]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, WhatDone(tt.verb, tt.files, tt.bytes, tt.jobID, tt.bursts))
		})
	}
}

func TestTransLogFormatter(t *testing.T) {
	var out, mirror bytes.Buffer
	entry := NewTransLogger(&out, "ha", 1, &mirror)

	entry.Error("Failed to connect")
	entry.WithField(FieldOffline, true).Error("Still offline")
	entry.Warn("file grew")
	entry.WithField(FieldSign, SignConfig).Info("config changed")
	entry.Debug("details")

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	require.Len(t, lines, 5)
	signs := make([]string, 0, len(lines))
	for _, line := range lines {
		// "YYYY-MM-DD HH:MM:SS S alias..."
		require.Greater(t, len(line), 21)
		signs = append(signs, line[20:21])
	}
	assert.Equal(t, []string{"E", "O", "W", "C", "D"}, signs)
	assert.Contains(t, lines[0], " ha          [1]: Failed to connect")
	assert.Equal(t, out.String(), mirror.String())
}

func TestSinkRotates(t *testing.T) {
	dir := t.TempDir()
	fifoPath := filepath.Join(dir, "TRANSFER_LOG_FIFO")
	require.NoError(t, fifo.Make(fifoPath))

	sink := &Sink{FifoPath: fifoPath, Dir: filepath.Join(dir, "log"), Name: "TRANSFER_LOG", MaxSize: 20, MaxFiles: 3}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sink.Run(ctx) }()

	require.Eventually(t, func() bool {
		return fifo.Send(fifoPath, []byte("0123456789abcdef\n")) == nil
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, fifo.Send(fifoPath, []byte("second record...\n")))

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "log", "TRANSFER_LOG.1"))
		return err == nil && sink.Written() > 0
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	older, err := os.ReadFile(filepath.Join(dir, "log", "TRANSFER_LOG.1"))
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef\n", string(older))
	current, err := os.ReadFile(filepath.Join(dir, "log", "TRANSFER_LOG.0"))
	require.NoError(t, err)
	assert.Equal(t, "second record...\n", string(current))
}

func TestSinkDataTimeout(t *testing.T) {
	dir := t.TempDir()
	fifoPath := filepath.Join(dir, "transfer_log.ha")
	require.NoError(t, fifo.Make(fifoPath))
	sink := &Sink{FifoPath: fifoPath, Dir: dir, Name: "TRANSFER_LOG", DataTimeout: 50 * time.Millisecond}
	err := sink.Run(context.Background())
	var sinkErr *SinkError
	require.ErrorAs(t, err, &sinkErr)
	assert.Equal(t, SinkDataTimeout, sinkErr.Exit)
}

func TestBufferedFlush(t *testing.T) {
	ResetLogFlush()
	t.Cleanup(func() {
		ResetLogFlush()
		log.SetOutput(os.Stderr)
	})
	SetupLogBuffering()
	log.Info("before flush")
	require.NoError(t, FlushLogs(false))
	assert.Equal(t, os.Stderr, log.StandardLogger().Out)
}
