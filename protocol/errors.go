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
	"fmt"
	"net"
	"os"

	"github.com/pkg/errors"
)

// Kind classifies protocol failures.  Every kind maps to one worker exit
// code.
type Kind int

const (
	KindNone Kind = iota
	ConnectError
	ChdirError
	StatTargetError
	OpenRemoteError
	OpenLocalError
	ReadRemoteError
	WriteRemoteError
	ReadLocalError
	WriteLocalError
	CloseRemoteError
	MoveError
	RenameError
	MkdirError
	RemoveLockfileError
	AllocError
	ExecError
	StillFilesToSend
	ChownError
	DeleteRemoteError
	ListError
	QuitError
)

var kindNames = map[Kind]string{
	KindNone:            "SUCCESS",
	ConnectError:        "CONNECT_ERROR",
	ChdirError:          "CHDIR_ERROR",
	StatTargetError:     "STAT_TARGET_ERROR",
	OpenRemoteError:     "OPEN_REMOTE_ERROR",
	OpenLocalError:      "OPEN_LOCAL_ERROR",
	ReadRemoteError:     "READ_REMOTE_ERROR",
	WriteRemoteError:    "WRITE_REMOTE_ERROR",
	ReadLocalError:      "READ_LOCAL_ERROR",
	WriteLocalError:     "WRITE_LOCAL_ERROR",
	CloseRemoteError:    "CLOSE_REMOTE_ERROR",
	MoveError:           "MOVE_ERROR",
	RenameError:         "RENAME_ERROR",
	MkdirError:          "MKDIR_ERROR",
	RemoveLockfileError: "REMOVE_LOCKFILE_ERROR",
	AllocError:          "ALLOC_ERROR",
	ExecError:           "EXEC_ERROR",
	StillFilesToSend:    "STILL_FILES_TO_SEND",
	ChownError:          "CHOWN_ERROR",
	DeleteRemoteError:   "DELETE_REMOTE_ERROR",
	ListError:           "LIST_ERROR",
	QuitError:           "QUIT_ERROR",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("KIND_%d", int(k))
}

var (
	// ErrNoSuchFile is wrapped by leaves when the remote file does not
	// exist (SSH_FX_NO_SUCH_FILE, FTP 550, HTTP 404).
	ErrNoSuchFile = errors.New("no such remote file")
	// ErrNotSupported marks operations a leaf cannot perform.
	ErrNotSupported = errors.New("operation not supported by protocol")
)

// Error is the uniform failure of a leaf operation.
type Error struct {
	Kind    Kind
	Op      string
	Timeout bool
	// Code is the protocol reply code when the remote side sent one.
	Code int
	Err  error
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Kind.String()
	if e.Code != 0 {
		msg += fmt.Sprintf(" (%d)", e.Code)
	}
	if e.Timeout {
		msg += " [timeout]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err as a failure of op.  Deadline and timeout errors are
// flagged so that EvalTimeout can tell them apart.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Timeout: isTimeout(err), Err: err}
}

// WithCode is NewError carrying a protocol reply code.
func WithCode(kind Kind, op string, code int, err error) *Error {
	e := NewError(kind, op, err)
	e.Code = code
	return e
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// KindOf returns the kind of err, or KindNone when err is not a protocol
// Error.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindNone
}

// EvalTimeout reports the kind of err and whether it was caused by a missed
// deadline.
func EvalTimeout(err error) (Kind, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind, pe.Timeout || isTimeout(pe.Err)
	}
	return KindNone, isTimeout(err)
}

// IsNoSuchFile reports whether err says the remote file is gone.
func IsNoSuchFile(err error) bool {
	return errors.Is(err, ErrNoSuchFile) || errors.Is(err, os.ErrNotExist)
}
