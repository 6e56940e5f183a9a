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

// Package fifo creates the named pipes of a work dir and encodes the
// single-byte command protocol spoken on them.
package fifo

import (
	"io"
	"os"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Make creates a fifo at path with mode 0600, replacing anything at path
// that is not already a fifo.
func Make(path string) error {
	if fi, err := os.Lstat(path); err == nil {
		if fi.Mode()&os.ModeNamedPipe != 0 {
			return nil
		}
		if err := os.Remove(path); err != nil {
			return errors.Wrapf(err, "failed to remove %s", path)
		}
	}
	if err := unix.Mkfifo(path, 0600); err != nil && !errors.Is(err, unix.EEXIST) {
		return errors.Wrapf(err, "failed to create fifo %s", path)
	}
	return nil
}

// OpenReader opens path for reading without ever seeing EOF: the process
// holds a write end too, so the fifo stays open when writers come and go.
func OpenReader(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open fifo %s", path)
	}
	return f, nil
}

// ErrNoReader is returned when a fifo has nobody reading it.
var ErrNoReader = errors.New("fifo has no reader")

// Send writes p to the fifo at path in one write.  It never blocks waiting
// for a reader.
func Send(path string, p []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|syscall.O_NONBLOCK, 0)
	if err != nil {
		if errors.Is(err, unix.ENXIO) {
			return ErrNoReader
		}
		return errors.Wrapf(err, "failed to open fifo %s", path)
	}
	defer f.Close()
	if _, err := f.Write(p); err != nil {
		return errors.Wrapf(err, "failed to write to fifo %s", path)
	}
	return nil
}

// Writer is an io.Writer onto a fifo that (re)opens lazily.  Records that
// cannot be delivered because nobody reads the fifo go to Fallback.
type Writer struct {
	Path     string
	Fallback io.Writer

	mu sync.Mutex
	f  *os.File
}

func NewWriter(path string, fallback io.Writer) *Writer {
	return &Writer{Path: path, Fallback: fallback}
}

func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		f, err := os.OpenFile(w.Path, os.O_WRONLY|syscall.O_NONBLOCK, 0)
		if err != nil {
			return w.fallback(p)
		}
		w.f = f
	}
	n, err := w.f.Write(p)
	if err != nil {
		_ = w.f.Close()
		w.f = nil
		if n == 0 {
			return w.fallback(p)
		}
	}
	return n, err
}

func (w *Writer) fallback(p []byte) (int, error) {
	if w.Fallback == nil {
		return len(p), nil
	}
	return w.Fallback.Write(p)
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
