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

// Package worker moves the files of one host slot.  A send worker pushes
// the staged files of a message, a retrieve worker pulls the new files of a
// remote directory.  Both keep their session open for further rounds as
// long as the supervisor hands out work.
package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/pelicanplatform/afd/archive"
	"github.com/pelicanplatform/afd/config"
	"github.com/pelicanplatform/afd/dupcheck"
	"github.com/pelicanplatform/afd/fifo"
	"github.com/pelicanplatform/afd/job"
	"github.com/pelicanplatform/afd/logging"
	"github.com/pelicanplatform/afd/param"
	"github.com/pelicanplatform/afd/protocol"
	"github.com/pelicanplatform/afd/status_area"

	_ "github.com/pelicanplatform/afd/protocol/exec"
	_ "github.com/pelicanplatform/afd/protocol/ftp"
	_ "github.com/pelicanplatform/afd/protocol/http"
	_ "github.com/pelicanplatform/afd/protocol/loc"
	_ "github.com/pelicanplatform/afd/protocol/scp"
	_ "github.com/pelicanplatform/afd/protocol/sftp"
)

var (
	errHostnameChanged = errors.New("hostname changed")
	errWakeUpExit      = errors.New("supervisor asked to exit")
	errDirectoryGone   = errors.New("directory no longer configured")
	errRetrieveOff     = errors.New("retrieving is disabled")
)

// handshakePoll is how often a waiting worker looks at its slot.
const handshakePoll = 100 * time.Millisecond

// Worker is the state of one transfer process.
type Worker struct {
	d      *job.Descriptor
	js     *status_area.JobStatus
	leaf   protocol.Leaf
	log    *log.Entry
	events *log.Logger

	newLeaf  func(status_area.Protocol) (protocol.Leaf, error)
	buf      []byte
	limiter  *rateLimiter
	dup      *dupcheck.Checker
	archiver *archive.Archiver
	rl       *status_area.RetrieveList

	connected time.Time
	filesDone uint64
	bytesDone uint64
	bursts    uint32
	timedOut  atomic.Bool
	closers   []io.Closer
}

type Option func(*Worker)

// WithLogger replaces the transfer log.
func WithLogger(entry *log.Entry) Option { return func(w *Worker) { w.log = entry } }

// WithEventLogger replaces the event log.
func WithEventLogger(logger *log.Logger) Option { return func(w *Worker) { w.events = logger } }

// WithLeaf makes the worker use leaf instead of a registered one.
func WithLeaf(leaf protocol.Leaf) Option {
	return func(w *Worker) {
		w.newLeaf = func(status_area.Protocol) (protocol.Leaf, error) { return leaf, nil }
	}
}

func New(d *job.Descriptor, opts ...Option) *Worker {
	w := &Worker{d: d, newLeaf: protocol.New}
	for _, opt := range opts {
		opt(w)
	}
	wd := d.WorkDir
	if w.log == nil {
		out := fifo.NewWriter(wd.Fifo(config.TransferLogFifo), os.Stderr)
		w.closers = append(w.closers, out)
		var mirrors []io.Writer
		if d.Host.LogCapabilities() != 0 {
			hostLog := fifo.NewWriter(wd.HostLogFifo(d.HostAlias), nil)
			w.closers = append(w.closers, hostLog)
			mirrors = append(mirrors, hostLog)
		}
		w.log = logging.NewTransLogger(out, d.HostAlias, d.Slot, mirrors...)
	}
	if w.events == nil {
		out := fifo.NewWriter(wd.Fifo(config.EventLogFifo), os.Stderr)
		w.closers = append(w.closers, out)
		w.events = logging.NewEventLogger(out)
	}
	w.buf = make([]byte, d.BlockSize)
	return w
}

// Main runs a worker for argv and returns its exit code.
func Main(ctx context.Context, argv []string, retrieve bool) int {
	debug.SetPanicOnFault(true)
	d, err := job.InitWorker(argv, retrieve)
	if errors.Is(err, job.ErrVersion) {
		fmt.Println(config.GetVersion())
		return int(TransferSuccess)
	}
	if err != nil {
		log.Errorf("Failed to initialize worker: %v", err)
		if errors.Is(err, job.ErrIncorrect) {
			return int(Incorrect)
		}
		return int(InternalError)
	}
	defer d.Close()

	ctx, release := job.WithSignals(ctx)
	defer release()
	w := New(d)
	defer w.recoverFault()
	return int(w.Run(ctx))
}

// recoverFault resets the slot before a program fault takes the process
// down.
func (w *Worker) recoverFault() {
	r := recover()
	if r == nil {
		return
	}
	w.log.Errorf("Program fault: %v", r)
	log.Errorf("Program fault in worker for %s: %v\n%s", w.d.HostAlias, r, debug.Stack())
	if w.js != nil {
		w.js.ResetCounters()
		if err := w.d.Host.SetConnectStatus(w.d.Slot, status_area.Disconnect, w.d.Timeout); err != nil {
			w.log.Warnf("Failed to reset connect status after fault: %v", err)
		}
		if err := w.d.Host.Sync(); err != nil {
			w.log.Warnf("Failed to sync host status area after fault: %v", err)
		}
	}
	panic(r)
}

// Run performs the session and returns the exit code.
func (w *Worker) Run(ctx context.Context) (code ExitCode) {
	w.js = w.d.Job()
	w.js.SetPid(os.Getpid())
	if !w.d.Retrieve {
		w.js.SetUniqueName(w.d.MsgName)
	}
	if w.d.DupcheckTimeout > 0 {
		w.dup = dupcheck.New(w.d.WorkDir.Fifo(config.CrcDir), w.d.HostAlias, w.d.DupcheckTimeout)
	}

	err := w.run(ctx)
	switch {
	case errors.Is(err, errHostnameChanged):
		w.log.Info("hostname changed")
		err = nil
	case errors.Is(err, errWakeUpExit), errors.Is(err, errDirectoryGone), errors.Is(err, errRetrieveOff):
		w.log.Debugf("Stopping: %v", err)
		err = nil
	}
	code = CodeOf(ctx, err)
	if err != nil && code.IsError() {
		w.logFailure(err)
	}
	if code.Timeout() {
		w.timedOut.Store(true)
	}
	w.finish(code)
	return code
}

func (w *Worker) logFailure(err error) {
	entry := w.log
	if w.d.Host.HasStatus(status_area.HostErrorOfflineAny) {
		entry = entry.WithField(logging.FieldOffline, true)
	}
	if w.d.Args.Retries > 0 {
		entry.Errorf("%v (#%d)", err, w.d.Args.Retries)
		return
	}
	entry.Error(err.Error())
}

func (w *Worker) run(ctx context.Context) error {
	if err := w.connect(ctx); err != nil {
		return err
	}
	for {
		if err := w.checkSession(ctx); err != nil {
			return err
		}
		var err error
		if w.d.Retrieve {
			err = w.retrieveRound(ctx)
		} else {
			err = w.sendMessage(ctx)
		}
		if err != nil {
			return err
		}

		var again, reconnect bool
		if w.d.Retrieve {
			again, err = w.awaitNextCheck(ctx)
		} else {
			again, reconnect, err = w.awaitBurst(ctx)
		}
		if err != nil {
			return err
		}
		if !again {
			break
		}
		w.bursts++
		w.js.SetBurstCounter(w.bursts)
		if reconnect {
			w.log.Debug("Next message needs another session, reconnecting")
			w.closeSession()
			if err := w.connect(ctx); err != nil {
				return err
			}
		}
	}
	return w.closeSession()
}

// checkSession stops the loops when the worker was cancelled or when the
// status area selected another real hostname.
func (w *Worker) checkSession(ctx context.Context) error {
	if ctx.Err() != nil {
		return protocol.NewError(protocol.KindNone, "session", context.Cause(ctx))
	}
	if w.d.HostnameChanged() {
		return errHostnameChanged
	}
	return nil
}

func (w *Worker) protocolConfig() (protocol.Config, error) {
	d := w.d
	r := d.Recipient
	cfg := protocol.Config{
		Host:           d.Hostname(),
		Port:           r.Port,
		User:           r.User,
		Password:       r.Password,
		Timeout:        d.Timeout,
		Options:        d.ProtocolOptions,
		TLS:            r.TLS,
		TransferMode:   d.TransferMode,
		Debug:          d.Debug,
		KnownHostsFile: param.Ssh_KnownHostsFile.GetString(),
		IdentityFiles:  param.Ssh_IdentityFiles.GetStringSlice(),
	}
	switch d.Protocol() {
	case status_area.ProtoLOC, status_area.ProtoEXEC:
		cfg.Path = r.Path
	}
	if r.TLS {
		tlsConfig, err := protocol.TLSConfig(cfg.Host, d.HasOption(status_area.TLSStrictVerify))
		if err != nil {
			return cfg, protocol.NewError(protocol.ConnectError, "tls setup", err)
		}
		cfg.TLSConfig = tlsConfig
	}
	return cfg, nil
}

func (w *Worker) connect(ctx context.Context) error {
	d := w.d
	h := d.Host
	if err := h.SetConnectStatus(d.Slot, status_area.Connecting, d.Timeout); err != nil {
		return err
	}
	leaf, err := w.newLeaf(d.Protocol())
	if err != nil {
		return protocol.NewError(protocol.ConnectError, "connect", err)
	}
	cfg, err := w.protocolConfig()
	if err != nil {
		return err
	}
	banner, err := leaf.Connect(ctx, cfg)
	if err != nil {
		return asKind(protocol.ConnectError, fmt.Sprintf("connect to %s", cfg.Host), err)
	}
	w.leaf = leaf
	w.log.Debugf("Connected to %s: %s", cfg.Host, banner)

	if err := h.SetConnectStatus(d.Slot, status_area.ActiveStatus(d.Protocol(), d.Retrieve), d.Timeout); err != nil {
		return err
	}
	if err := h.Lock(status_area.LockCON, d.Timeout); err != nil {
		return err
	}
	h.SetConnections(h.Connections() + 1)
	active := h.ActiveTransfers()
	h.Unlock(status_area.LockCON)
	w.connected = time.Now()
	w.limiter = newRateLimiter(d.RateLimit, active, d.BlockSize)

	return w.enterTargetDir(false)
}

// enterTargetDir changes into the target directory.  create forces the
// creation of missing directories regardless of the message option.
func (w *Worker) enterTargetDir(create bool) error {
	d := w.d
	if d.Protocol() == status_area.ProtoEXEC || d.TargetDir == "" {
		return nil
	}
	create = create || (!d.Retrieve && d.CreateTargetDir)
	created, err := w.leaf.ChdirOrMkdir(d.TargetDir, create, d.DirMode)
	if err != nil {
		return asKind(protocol.ChdirError, "change directory to "+d.TargetDir, err)
	}
	if created != "" {
		w.log.Infof("Created directory %s", created)
		if attrs, ok := w.leaf.(protocol.Attributes); ok && (d.UID >= 0 || d.GID >= 0) {
			if err := attrs.Chown(created, d.UID, d.GID); err != nil {
				w.log.Warnf("%v", asKind(protocol.ChownError, "chown "+created, err))
			}
		}
	}
	return nil
}

func (w *Worker) closeSession() error {
	if w.leaf == nil {
		return nil
	}
	leaf := w.leaf
	w.leaf = nil
	if err := leaf.Quit(); err != nil {
		w.log.Warnf("%v", asKind(protocol.QuitError, "quit", err))
	}
	return nil
}

// finish resets the slot and writes the session summary.
func (w *Worker) finish(code ExitCode) {
	d := w.d
	_ = w.closeSession()
	if w.filesDone > 0 || !w.connected.IsZero() {
		w.log.Info(logging.WhatDone(w.verb(), w.filesDone, w.bytesDone, d.JobID, w.bursts))
	}
	w.js.ResetCounters()
	w.js.SetBurstCounter(0)
	w.js.SetUniqueName("")
	if w.rl != nil {
		_ = w.rl.Close()
	}
	if err := d.Host.SetConnectStatus(d.Slot, status_area.Disconnect, d.Timeout); err != nil {
		log.Warnf("Failed to reset slot %d of %s: %v", d.Slot, d.HostAlias, err)
	}
	if err := d.Host.Sync(); err != nil {
		log.Warnf("Failed to sync host status of %s: %v", d.HostAlias, err)
	}
	for _, c := range w.closers {
		_ = c.Close()
	}
	if w.timedOut.Load() {
		log.Debugf("Worker for %s[%d] missed a deadline", d.HostAlias, d.Slot)
	}
	log.Debugf("Worker for %s[%d] exits with %s", d.HostAlias, d.Slot, code)
}

func (w *Worker) verb() string {
	switch {
	case w.d.Retrieve:
		return logging.VerbRetrieved
	case w.d.Protocol() == status_area.ProtoLOC:
		return logging.VerbCopied
	}
	return logging.VerbSend
}

// awaitBurst waits for the supervisor to hand this slot another message of
// the same host.  With keep_connected set the session idles for that long,
// sending keep-alives, before it gives up.
func (w *Worker) awaitBurst(ctx context.Context) (again, reconnect bool, err error) {
	d := w.d
	if d.Args.Distributed || d.HasOption(status_area.DisableBursting) {
		return false, false, nil
	}
	if err := w.setHandshake(status_area.HandshakeBurstWait); err != nil {
		return false, false, err
	}
	msg, err := w.pollForMessage(ctx, param.Transfer_BurstWait.GetDuration(), false)
	if err == nil && msg == "" && d.KeepConnected > 0 {
		if err = w.setHandshake(status_area.HandshakeSleeping); err == nil {
			msg, err = w.pollForMessage(ctx, d.KeepConnected, true)
		}
	}
	if err != nil {
		return false, false, err
	}
	if msg == "" {
		return false, false, nil
	}
	w.log.Debugf("Burst: continuing with message %s", msg)
	w.archiver = nil
	if reconnect, err = d.NextMessage(msg); err != nil {
		return false, false, err
	}
	return true, reconnect, nil
}

func (w *Worker) setHandshake(v byte) error {
	h := w.d.Host
	if err := h.Lock(status_area.LockCON, w.d.Timeout); err != nil {
		return err
	}
	w.js.SetHandshake(v)
	h.Unlock(status_area.LockCON)
	return nil
}

// pollForMessage watches the slot for a message id for up to wait.  When
// the wait ends empty handed the handshake is cleared under the same lock
// the supervisor assigns under, so an assignment is never lost.
func (w *Worker) pollForMessage(ctx context.Context, wait time.Duration, keepalive bool) (string, error) {
	h := w.d.Host
	deadline := time.Now().Add(wait)
	lastNoop := time.Now()
	noopInterval := param.Transfer_NoopInterval.GetDuration()
	ticker := time.NewTicker(handshakePoll)
	defer ticker.Stop()
	for {
		if err := h.Lock(status_area.LockCON, w.d.Timeout); err != nil {
			return "", err
		}
		msg := w.js.UniqueName()
		hs := w.js.Handshake()
		expired := !time.Now().Before(deadline)
		if msg == "" && (expired || hs == status_area.HandshakeWakeUpExit) {
			w.js.SetHandshake(status_area.HandshakeIdle)
		}
		h.Unlock(status_area.LockCON)

		switch {
		case msg != "":
			return msg, nil
		case hs == status_area.HandshakeWakeUpExit:
			return "", errWakeUpExit
		case expired:
			return "", nil
		}
		if err := w.checkSession(ctx); err != nil {
			return "", err
		}
		if keepalive && time.Since(lastNoop) >= noopInterval {
			if err := w.leaf.Noop(); err != nil {
				return "", asKind(protocol.ConnectError, "keep-alive", err)
			}
			lastNoop = time.Now()
		}
		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}
}

// asKind makes sure err carries a protocol kind, wrapping plain errors as
// kind.
func asKind(kind protocol.Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	if protocol.KindOf(err) != protocol.KindNone {
		return err
	}
	return protocol.NewError(kind, op, err)
}
