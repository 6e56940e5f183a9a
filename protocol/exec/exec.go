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

// Package exec hands each file to a local command on its standard input.
package exec

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/pelicanplatform/afd/protocol"
	"github.com/pelicanplatform/afd/status_area"
)

func init() {
	protocol.Register(status_area.ProtoEXEC, func() protocol.Leaf { return &Leaf{} })
}

type Leaf struct {
	ctx     context.Context
	command string
	dir     string
	timeout time.Duration

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	output bytes.Buffer
	name   string
}

// Connect validates the command line; nothing runs until OpenWrite.
func (l *Leaf) Connect(ctx context.Context, cfg protocol.Config) (string, error) {
	command := strings.TrimSpace(cfg.Path)
	if command == "" {
		return "", protocol.NewError(protocol.ConnectError, "exec", errors.New("empty command"))
	}
	if _, err := shellquote.Split(command); err != nil {
		return "", protocol.NewError(protocol.ConnectError, "exec", errors.Wrapf(err, "invalid command %q", command))
	}
	l.ctx, l.command, l.timeout = ctx, command, cfg.Timeout
	return "exec " + command, nil
}

// ChdirOrMkdir selects the directory the command runs in.
func (l *Leaf) ChdirOrMkdir(dir string, create bool, mode os.FileMode) (string, error) {
	if dir == "" {
		return "", nil
	}
	fi, err := os.Stat(dir)
	if err == nil && fi.IsDir() {
		l.dir = dir
		return "", nil
	}
	if !create || (err != nil && !os.IsNotExist(err)) {
		if err == nil {
			err = errors.New("not a directory")
		}
		return "", protocol.NewError(protocol.ChdirError, "cd "+dir, err)
	}
	if mode == 0 {
		mode = 0755
	}
	if err := os.MkdirAll(dir, mode); err != nil {
		return "", protocol.NewError(protocol.MkdirError, "mkdir "+dir, err)
	}
	l.dir = dir
	return dir, nil
}

// argv substitutes every %s with name.  Without %s the name is appended.
func (l *Leaf) argv(name string) ([]string, error) {
	words, err := shellquote.Split(l.command)
	if err != nil {
		return nil, err
	}
	if len(words) == 0 {
		return nil, errors.New("empty command")
	}
	found := false
	for i, w := range words {
		if strings.Contains(w, "%s") {
			words[i] = strings.ReplaceAll(w, "%s", name)
			found = true
		}
	}
	if !found {
		words = append(words, name)
	}
	return words, nil
}

func (l *Leaf) OpenWrite(name string, size int64, mode os.FileMode) error {
	words, err := l.argv(name)
	if err != nil {
		return protocol.NewError(protocol.ExecError, "exec", err)
	}
	ctx := l.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	cmd := exec.CommandContext(ctx, words[0], words[1:]...)
	cmd.Dir = l.dir
	l.output.Reset()
	cmd.Stdout = &l.output
	cmd.Stderr = &l.output
	cmd.WaitDelay = time.Second
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return protocol.NewError(protocol.ExecError, "exec "+words[0], err)
	}
	if err := cmd.Start(); err != nil {
		return protocol.NewError(protocol.ExecError, "exec "+words[0], err)
	}
	log.Debugf("Started %s for %s (pid %d)", shellquote.Join(words...), name, cmd.Process.Pid)
	l.cmd, l.stdin, l.name = cmd, stdin, name
	return nil
}

func (l *Leaf) WriteBlock(buf []byte) error {
	if l.stdin == nil {
		return protocol.NewError(protocol.WriteRemoteError, "write", os.ErrClosed)
	}
	if _, err := l.stdin.Write(buf); err != nil {
		return protocol.NewError(protocol.WriteRemoteError, "write "+l.name, err)
	}
	return nil
}

// CloseFile waits for the command; a non-zero exit is an ExecError that
// carries the command's output.
func (l *Leaf) CloseFile() error {
	if l.cmd == nil {
		return nil
	}
	l.stdin.Close()
	done := make(chan error, 1)
	go func() { done <- l.cmd.Wait() }()

	var err error
	if l.timeout > 0 {
		select {
		case err = <-done:
		case <-time.After(l.timeout):
			l.cmd.Process.Kill()
			<-done
			err = errors.Wrapf(os.ErrDeadlineExceeded, "%s did not finish within %s", l.cmd.Path, l.timeout)
		}
	} else {
		err = <-done
	}
	cmd := l.cmd
	l.cmd, l.stdin = nil, nil
	if err != nil {
		if out := strings.TrimSpace(l.output.String()); out != "" {
			err = errors.Wrap(err, out)
		}
		return protocol.NewError(protocol.ExecError, "exec "+filepath.Base(cmd.Path), err)
	}
	return nil
}

func notSupported(kind protocol.Kind, op string) error {
	return protocol.NewError(kind, op, protocol.ErrNotSupported)
}

func (l *Leaf) Stat(name string) (protocol.FileInfo, error) {
	return protocol.FileInfo{}, notSupported(protocol.StatTargetError, "stat "+name)
}

func (l *Leaf) List() ([]protocol.FileInfo, error) {
	return nil, notSupported(protocol.ListError, "list")
}

func (l *Leaf) OpenRead(name string, offset int64) error {
	return notSupported(protocol.OpenRemoteError, "open "+name)
}

func (l *Leaf) ReadBlock(buf []byte) (int, error) {
	return 0, notSupported(protocol.ReadRemoteError, "read")
}

func (l *Leaf) Delete(name string) error {
	return notSupported(protocol.DeleteRemoteError, "delete "+name)
}

// Rename accepts the identity rename only; exec targets have no names.
func (l *Leaf) Rename(from, to string) error {
	if from == to {
		return nil
	}
	return notSupported(protocol.RenameError, "rename "+from)
}

func (l *Leaf) Noop() error { return nil }

func (l *Leaf) Quit() error { return l.CloseFile() }
