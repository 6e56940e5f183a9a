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

// Package protocol defines the operations every transfer protocol offers
// to a worker, and the error kinds they report.
package protocol

import (
	"context"
	"crypto/tls"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/pelicanplatform/afd/status_area"
)

// Config carries the connection parameters of one session.
type Config struct {
	Host     string
	Port     int
	User     string
	Password []byte
	// Path is the base path from the recipient URL; for exec it is the
	// command line.
	Path string

	Timeout      time.Duration
	Options      uint32
	TLS          bool
	TLSConfig    *tls.Config
	TransferMode byte
	Debug        bool

	// KnownHostsFile and IdentityFiles configure SSH based leaves.
	KnownHostsFile string
	IdentityFiles  []string
}

func (c Config) HasOption(bit uint32) bool { return c.Options&bit != 0 }

// FileInfo describes a remote file.
type FileInfo struct {
	Name    string
	Size    int64
	ModTime time.Time
	IsDir   bool
	// HasTime is false when the listing carried no usable date.
	HasTime bool
}

// Leaf is one protocol session.  A worker uses a single Leaf from one
// goroutine; operations block until done or until the session's timeout.
// Cancelling the context passed to Connect aborts the session.
type Leaf interface {
	// Connect opens the session and returns the server greeting.
	Connect(ctx context.Context, cfg Config) (banner string, err error)
	// ChdirOrMkdir changes the working directory, creating it and its
	// missing ancestors with mode when create is set.  The returned path
	// names the first directory created, if any.
	ChdirOrMkdir(path string, create bool, mode os.FileMode) (created string, err error)
	// Stat returns the attributes of name; a missing file wraps
	// ErrNoSuchFile.
	Stat(name string) (FileInfo, error)
	// List returns the plain files of the working directory.
	List() ([]FileInfo, error)
	// OpenRead prepares name for ReadBlock, starting at offset.
	OpenRead(name string, offset int64) error
	// ReadBlock fills buf.  It returns 0, io.EOF once the file is
	// exhausted.
	ReadBlock(buf []byte) (int, error)
	// OpenWrite prepares name for WriteBlock.  size is the total number
	// of bytes that will be written.
	OpenWrite(name string, size int64, mode os.FileMode) error
	WriteBlock(buf []byte) error
	// CloseFile finishes the current read or write.
	CloseFile() error
	Delete(name string) error
	Rename(from, to string) error
	// Noop keeps an idle session alive.
	Noop() error
	Quit() error
}

// Attributes is implemented by leaves that can change remote metadata.
type Attributes interface {
	Chmod(name string, mode os.FileMode) error
	Chown(name string, uid, gid int) error
	Chtimes(name string, mtime time.Time) error
}

// Mover is implemented by leaves that can take over a local file without
// copying it.
type Mover interface {
	MoveFrom(localPath, name string) error
}

// MultiRead results.
const (
	MultiReadData = iota
	MultiReadEOF
	// MultiReadSingle asks the caller to fall back to ReadBlock.
	MultiReadSingle
)

// MultiReader is implemented by leaves that can keep several read requests
// in flight.
type MultiReader interface {
	// MultiReadInit returns how many requests may be in flight for the
	// remaining bytes of the open file.
	MultiReadInit(blockSize int, remaining int64) int
	MultiReadDispatch() error
	// MultiReadCatch returns the next block in file order.
	MultiReadCatch(buf []byte) (n int, result int, err error)
	MultiReadEOF() bool
	// MultiReadDiscard drops queued blocks; with drain it also waits for
	// requests still in flight.
	MultiReadDiscard(drain bool)
}

// Factory builds an unconnected Leaf.
type Factory func() Leaf

var (
	registryMu sync.RWMutex
	registry   = map[status_area.Protocol]Factory{}
)

// Register makes a leaf available for p.  Leaves call it from init.
func Register(p status_area.Protocol, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[p]; dup {
		panic("protocol: Register called twice for " + p.String())
	}
	registry[p] = f
}

// New returns a fresh leaf for p.
func New(p status_area.Protocol) (Leaf, error) {
	registryMu.RLock()
	f, ok := registry[p]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.Errorf("no leaf registered for protocol %s", p)
	}
	return f(), nil
}

// Registered lists the protocols that have a leaf.
func Registered() []status_area.Protocol {
	registryMu.RLock()
	defer registryMu.RUnlock()
	ps := make([]status_area.Protocol, 0, len(registry))
	for p := range registry {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i] < ps[j] })
	return ps
}
