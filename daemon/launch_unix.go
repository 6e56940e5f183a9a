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

//go:build !windows

package daemon

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type (
	// Launcher starts one child process.
	Launcher interface {
		Name() string
		Launch(ctx context.Context) (context.Context, int, error)
	}

	// ProcessLauncher runs Args as a child of the supervisor.  The child
	// keeps running when the launching context ends; it is stopped with
	// Signal.
	ProcessLauncher struct {
		DaemonName string
		Args       []string
		Env        []string
		Uid        int
		Gid        int
	}
)

func ForwardCommandToLogger(ctx context.Context, daemonName string, cmdStdout io.ReadCloser, cmdStderr io.ReadCloser) {
	cmdLogger := log.WithFields(log.Fields{"daemon": daemonName})
	stdoutScanner := bufio.NewScanner(cmdStdout)
	stdoutLines := make(chan string, 10)

	stderrScanner := bufio.NewScanner(cmdStderr)
	stderrLines := make(chan string, 10)
	go func() {
		defer close(stdoutLines)
		for stdoutScanner.Scan() {
			stdoutLines <- stdoutScanner.Text()
		}
	}()
	go func() {
		defer close(stderrLines)
		for stderrScanner.Scan() {
			stderrLines <- stderrScanner.Text()
		}
	}()
	for stdoutLines != nil || stderrLines != nil {
		select {
		case line, ok := <-stdoutLines:
			if ok {
				cmdLogger.Info(line)
			} else {
				stdoutLines = nil
			}
		case line, ok := <-stderrLines:
			if ok {
				cmdLogger.Warn(line)
			} else {
				stderrLines = nil
			}
		case <-ctx.Done():
			return
		}
	}
}

func (launcher ProcessLauncher) Name() string {
	return launcher.DaemonName
}

// Launch starts the process.  The returned context is cancelled when the
// process exits, with the result of Wait as its cause.
func (launcher ProcessLauncher) Launch(ctx context.Context) (context.Context, int, error) {
	if len(launcher.Args) == 0 {
		return ctx, -1, errors.Errorf("no command given for %s", launcher.DaemonName)
	}
	cmd := exec.Command(launcher.Args[0], launcher.Args[1:]...)
	if cmd.Err != nil {
		return ctx, -1, cmd.Err
	}
	cmd.Env = append(os.Environ(), launcher.Env...)
	cmdStdout, err := cmd.StdoutPipe()
	if err != nil {
		return ctx, -1, err
	}
	cmdStderr, err := cmd.StderrPipe()
	if err != nil {
		return ctx, -1, err
	}

	// Own process group, so a terminal ^C reaches the supervisor only.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if launcher.Uid > 0 && launcher.Gid > 0 {
		cmd.SysProcAttr.Credential = &syscall.Credential{Uid: uint32(launcher.Uid), Gid: uint32(launcher.Gid)}
		log.Infof("Will launch %s with UID %v and GID %v", launcher.DaemonName, launcher.Uid, launcher.Gid)
	} else if launcher.Uid > 0 || launcher.Gid > 0 {
		return ctx, -1, errors.New("If either uid or gid is specified for a child, both must be specified")
	}

	if err := cmd.Start(); err != nil {
		return ctx, -1, errors.Wrapf(err, "failed to start %s", launcher.DaemonName)
	}
	ctxResult, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	go ForwardCommandToLogger(ctxResult, launcher.Name(), cmdStdout, cmdStderr)
	go func() {
		cancel(waitResult(cmd.Wait()))
	}()
	return ctxResult, cmd.Process.Pid, nil
}

// errExitedCleanly is the cause of a child context whose process exited
// with status zero.
var errExitedCleanly = errors.New("exited with status 0")

func waitResult(err error) error {
	if err == nil {
		return errExitedCleanly
	}
	return err
}

// ExitStatus decodes the cause of a child context.  signaled is set when
// the process died from a signal; code is then the signal number.
func ExitStatus(cause error) (code int, signaled bool) {
	if cause == nil || errors.Is(cause, errExitedCleanly) {
		return 0, false
	}
	var exitErr *exec.ExitError
	if errors.As(cause, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return int(ws.Signal()), true
		}
		return exitErr.ExitCode(), false
	}
	return -1, false
}

// Signal delivers sig to pid; a process that is already gone is not an
// error.
func Signal(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	if err := syscall.Kill(pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return errors.Wrapf(err, "failed to send %v to %d", sig, pid)
	}
	return nil
}

// Alive reports whether pid names a running process.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
