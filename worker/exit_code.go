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

package worker

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/pelicanplatform/afd/job"
	"github.com/pelicanplatform/afd/protocol"
	"github.com/pelicanplatform/afd/status_area"
)

// ExitCode is the process status of a worker.  The supervisor reads it to
// decide about error counters and restarts, so the values are stable.
type ExitCode int

const (
	TransferSuccess ExitCode = 0

	// Protocol failures share the numbering of protocol.Kind.
	ConnectError        = ExitCode(protocol.ConnectError)
	ChdirError          = ExitCode(protocol.ChdirError)
	StatTargetError     = ExitCode(protocol.StatTargetError)
	OpenRemoteError     = ExitCode(protocol.OpenRemoteError)
	OpenLocalError      = ExitCode(protocol.OpenLocalError)
	ReadRemoteError     = ExitCode(protocol.ReadRemoteError)
	WriteRemoteError    = ExitCode(protocol.WriteRemoteError)
	ReadLocalError      = ExitCode(protocol.ReadLocalError)
	WriteLocalError     = ExitCode(protocol.WriteLocalError)
	CloseRemoteError    = ExitCode(protocol.CloseRemoteError)
	MoveError           = ExitCode(protocol.MoveError)
	RenameError         = ExitCode(protocol.RenameError)
	MkdirError          = ExitCode(protocol.MkdirError)
	RemoveLockfileError = ExitCode(protocol.RemoveLockfileError)
	AllocError          = ExitCode(protocol.AllocError)
	ExecError           = ExitCode(protocol.ExecError)
	StillFilesToSend    = ExitCode(protocol.StillFilesToSend)
	ChownError          = ExitCode(protocol.ChownError)
	DeleteRemoteError   = ExitCode(protocol.DeleteRemoteError)
	ListError           = ExitCode(protocol.ListError)
	QuitError           = ExitCode(protocol.QuitError)

	Incorrect       ExitCode = 30
	LockRegionError ExitCode = 31
	GotKilled       ExitCode = 40
	QuitSignal      ExitCode = 41
	Faulty          ExitCode = 42
	InternalError   ExitCode = 43

	// TimeoutFlag is or-ed into the code when the failure was a missed
	// deadline.
	TimeoutFlag ExitCode = 0x40
)

var exitNames = map[ExitCode]string{
	TransferSuccess: "TRANSFER_SUCCESS",
	Incorrect:       "INCORRECT",
	LockRegionError: "LOCK_REGION_ERROR",
	GotKilled:       "GOT_KILLED",
	QuitSignal:      "QUIT_SIGNAL",
	Faulty:          "IS_FAULTY_VAR",
	InternalError:   "INTERNAL_ERROR",
}

// Base strips the timeout flag.
func (c ExitCode) Base() ExitCode { return c &^ TimeoutFlag }

// Timeout reports whether the failure was caused by a missed deadline.
func (c ExitCode) Timeout() bool { return c != TransferSuccess && c&TimeoutFlag != 0 }

func (c ExitCode) String() string {
	base := c.Base()
	name, ok := exitNames[base]
	if !ok {
		if base > 0 && base <= QuitError {
			name = protocol.Kind(base).String()
		} else {
			name = fmt.Sprintf("EXIT_%d", int(base))
		}
	}
	if c.Timeout() {
		name += "+TIMEOUT"
	}
	return name
}

// Class groups exit codes by what went wrong.
type Class int

const (
	ClassNone Class = iota
	TransientNetwork
	RemoteRefused
	RemoteGone
	LocalIO
	Permissions
	ConfigProblem
	InternalInvariant
	Timeout
	Killed
	StillFiles
)

var classNames = []string{
	"NONE", "TRANSIENT_NETWORK", "REMOTE_REFUSED", "REMOTE_GONE", "LOCAL_IO",
	"PERMISSIONS", "CONFIG", "INTERNAL_INVARIANT", "TIMEOUT", "KILLED", "STILL_FILES",
}

func (c Class) String() string {
	if int(c) < len(classNames) {
		return classNames[c]
	}
	return "UNKNOWN"
}

// Class maps the exit code into the error taxonomy.
func (c ExitCode) Class() Class {
	if c.Timeout() {
		return Timeout
	}
	switch c.Base() {
	case TransferSuccess:
		return ClassNone
	case ConnectError, ReadRemoteError, WriteRemoteError:
		return TransientNetwork
	case ChdirError, StatTargetError, OpenRemoteError, MoveError, RenameError, MkdirError,
		RemoveLockfileError, ExecError, ListError, DeleteRemoteError:
		return RemoteRefused
	case CloseRemoteError, QuitError:
		return RemoteGone
	case OpenLocalError, ReadLocalError, WriteLocalError, AllocError:
		return LocalIO
	case ChownError:
		return Permissions
	case Incorrect:
		return ConfigProblem
	case GotKilled, QuitSignal:
		return Killed
	case StillFilesToSend:
		return StillFiles
	}
	return InternalInvariant
}

// IsError reports whether the supervisor should count the exit against the
// host's error counter.
func (c ExitCode) IsError() bool {
	switch c.Base() {
	case TransferSuccess, GotKilled, StillFilesToSend:
		return false
	}
	return true
}

// CodeOf maps an error returned by the transfer loops to the exit code.
func CodeOf(ctx context.Context, err error) ExitCode {
	if err == nil {
		return TransferSuccess
	}
	if cause := context.Cause(ctx); cause != nil {
		switch {
		case errors.Is(cause, job.ErrGotKilled):
			return GotKilled
		case errors.Is(cause, job.ErrQuitSignal):
			return QuitSignal
		}
	}
	switch {
	case errors.Is(err, job.ErrIncorrect):
		return Incorrect
	case errors.Is(err, status_area.ErrLockTimeout), errors.Is(err, status_area.ErrLockOrder):
		return LockRegionError
	}
	kind, timedOut := protocol.EvalTimeout(err)
	code := ExitCode(kind)
	if kind == protocol.KindNone {
		code = InternalError
	}
	if timedOut {
		code |= TimeoutFlag
	}
	return code
}

// recovery is the decision of a helper that handled a recoverable failure.
type recovery int

const (
	recoverDone recovery = iota
	recoverRetry
	recoverFallback
	recoverFail
)
