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
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/pelicanplatform/afd/fifo"
)

// SinkExit is the exit status of a log sink process.  The supervisor picks
// its restart policy from it.
type SinkExit int

const (
	SinkOK SinkExit = iota
	SinkConnectError
	SinkFailedCmd
	SinkDataTimeout
	SinkRemoteHangup
	SinkMissedPacket
	SinkIncorrect
)

func (e SinkExit) String() string {
	switch e {
	case SinkOK:
		return "ok"
	case SinkConnectError:
		return "LOG_CONNECT_ERROR"
	case SinkFailedCmd:
		return "FAILED_LOG_CMD"
	case SinkDataTimeout:
		return "LOG_DATA_TIMEOUT"
	case SinkRemoteHangup:
		return "REMOTE_HANGUP"
	case SinkMissedPacket:
		return "MISSED_PACKET"
	case SinkIncorrect:
		return "INCORRECT"
	}
	return fmt.Sprintf("unknown(%d)", int(e))
}

// SinkError pairs an exit status with its cause.
type SinkError struct {
	Exit SinkExit
	Err  error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("%s: %v", e.Exit, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }

// Sink copies newline terminated records from a fifo into a rotating log
// file <Dir>/<Name>.0.
type Sink struct {
	FifoPath    string
	Dir         string
	Name        string
	MaxSize     int64
	MaxFiles    int
	DataTimeout time.Duration // zero waits forever
	MaxLine     int

	mu      sync.Mutex
	out     *os.File
	written int64
}

func (s *Sink) current() string {
	return filepath.Join(s.Dir, fmt.Sprintf("%s.0", s.Name))
}

func (s *Sink) open() error {
	if err := os.MkdirAll(s.Dir, 0750); err != nil {
		return err
	}
	f, err := os.OpenFile(s.current(), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0640)
	if err != nil {
		return err
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	s.out = f
	s.written = fi.Size()
	return nil
}

// rotate shifts <name>.i to <name>.i+1, dropping the oldest generation.
func (s *Sink) rotate() error {
	if s.out != nil {
		_ = s.out.Close()
		s.out = nil
	}
	maxFiles := s.MaxFiles
	if maxFiles < 1 {
		maxFiles = 1
	}
	_ = os.Remove(filepath.Join(s.Dir, fmt.Sprintf("%s.%d", s.Name, maxFiles-1)))
	for i := maxFiles - 2; i >= 0; i-- {
		from := filepath.Join(s.Dir, fmt.Sprintf("%s.%d", s.Name, i))
		to := filepath.Join(s.Dir, fmt.Sprintf("%s.%d", s.Name, i+1))
		if err := os.Rename(from, to); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return s.open()
}

func (s *Sink) writeLine(line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.MaxSize > 0 && s.written+int64(len(line)) > s.MaxSize && s.written > 0 {
		if err := s.rotate(); err != nil {
			return err
		}
	}
	n, err := s.out.Write(line)
	s.written += int64(n)
	return err
}

// Written returns the number of bytes in the current generation.
func (s *Sink) Written() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// Run blocks until ctx is cancelled or the sink fails.  The returned error
// is nil or a *SinkError.
func (s *Sink) Run(ctx context.Context) error {
	in, err := fifo.OpenReader(s.FifoPath)
	if err != nil {
		return &SinkError{Exit: SinkConnectError, Err: err}
	}
	defer in.Close()
	if err := s.open(); err != nil {
		return &SinkError{Exit: SinkFailedCmd, Err: errors.Wrapf(err, "failed to open %s", s.current())}
	}
	defer func() {
		s.mu.Lock()
		_ = s.out.Close()
		s.mu.Unlock()
	}()

	maxLine := s.MaxLine
	if maxLine <= 0 {
		maxLine = 64 * 1024
	}
	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 4096), maxLine)
		for scanner.Scan() {
			line := append(append([]byte(nil), scanner.Bytes()...), '\n')
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	var timeout <-chan time.Time
	for {
		if s.DataTimeout > 0 {
			timeout = time.After(s.DataTimeout)
		}
		select {
		case <-ctx.Done():
			return nil
		case line := <-lines:
			if err := s.writeLine(line); err != nil {
				return &SinkError{Exit: SinkFailedCmd, Err: err}
			}
		case err := <-readErr:
			if errors.Is(err, bufio.ErrTooLong) {
				return &SinkError{Exit: SinkMissedPacket, Err: err}
			}
			if err == nil {
				err = errors.New("log fifo closed")
			}
			return &SinkError{Exit: SinkRemoteHangup, Err: err}
		case <-timeout:
			log.Debugf("No log data on %s for %s", s.FifoPath, s.DataTimeout)
			return &SinkError{Exit: SinkDataTimeout, Err: errors.Errorf("no data for %s", s.DataTimeout)}
		}
	}
}
