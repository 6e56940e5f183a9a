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

// Package supervisor is the long running parent of the transfer workers
// and log sinks.  It owns the status areas, hands messages and directories
// to job slots, reaps and restarts its children and answers the command
// fifo.
package supervisor

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/pelicanplatform/afd/config"
	"github.com/pelicanplatform/afd/daemon"
	"github.com/pelicanplatform/afd/fifo"
	"github.com/pelicanplatform/afd/host_config"
	"github.com/pelicanplatform/afd/logging"
	"github.com/pelicanplatform/afd/metrics"
	"github.com/pelicanplatform/afd/param"
	"github.com/pelicanplatform/afd/server_utils"
	"github.com/pelicanplatform/afd/stats"
	"github.com/pelicanplatform/afd/status_area"
	"github.com/pelicanplatform/afd/status_area/builder"
)

const shutdownPoll = 100 * time.Millisecond

type childKind int

const (
	kindSend childKind = iota
	kindRetrieve
	kindSink
)

// child is one running process.
type child struct {
	kind    childKind
	name    string
	pid     int
	ctx     context.Context
	started time.Time

	host string
	slot int
	dir  string
	msgs []string

	sink *sinkSpec
}

type slotKey struct {
	host string
	slot int
}

type Supervisor struct {
	wd  config.WorkDir
	exe string

	withSinks bool
	events    *log.Logger

	hsa    *status_area.Area
	dsa    *status_area.Area
	groups bool
	status *StatusFile
	stats  *stats.Store

	children map[int]*child
	slots    map[slotKey]*child
	exits    chan *child
	done     chan struct{}

	queue    map[string]*queued
	inflight map[string]*child
	warned   map[string]bool

	restarts map[string]*daemon.RestartTracker
	disabled map[string]bool

	sinks []*sinkSpec

	cmdFifo  *os.File
	wakeFifo *os.File
	cmds     chan []byte
	wake     chan struct{}
	decoder  fifo.Decoder

	observer *metrics.HostObserver

	configMtimes [2]time.Time
	lastCheck    time.Time
	lastSummary  time.Time
	lastTotals   stats.Totals

	shuttingDown bool
}

type Option func(*Supervisor)

// WithoutLogSinks runs the supervisor without starting log sink processes.
func WithoutLogSinks() Option { return func(s *Supervisor) { s.withSinks = false } }

// WithExecutable sets the program started for workers and log sinks.
func WithExecutable(path string) Option { return func(s *Supervisor) { s.exe = path } }

// WithEventLogger replaces the event log writer.
func WithEventLogger(l *log.Logger) Option { return func(s *Supervisor) { s.events = l } }

func New(wd config.WorkDir, opts ...Option) *Supervisor {
	s := &Supervisor{
		wd:        wd,
		withSinks: true,
		children:  make(map[int]*child),
		slots:     make(map[slotKey]*child),
		exits:     make(chan *child, 64),
		done:      make(chan struct{}),
		queue:     make(map[string]*queued),
		inflight:  make(map[string]*child),
		warned:    make(map[string]bool),
		restarts:  make(map[string]*daemon.RestartTracker),
		disabled:  make(map[string]bool),
		cmds:      make(chan []byte, 16),
		wake:      make(chan struct{}, 1),
		observer:  metrics.NewHostObserver(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.exe == "" {
		s.exe = param.Supervisor_WorkerExecutable.GetString()
	}
	if s.exe == "" {
		if exe, err := os.Executable(); err == nil {
			s.exe = exe
		}
	}
	return s
}

// HostArea is the host status area currently in use.
func (s *Supervisor) HostArea() *status_area.Area { return s.hsa }

// DirArea is the directory status area currently in use.
func (s *Supervisor) DirArea() *status_area.Area { return s.dsa }

// Run starts the supervisor and blocks until ctx ends or a SHUTDOWN
// command arrives.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.start(ctx); err != nil {
		s.cleanup()
		return err
	}
	ticker := time.NewTicker(s.rescanTime())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("Received termination request")
			return s.shutdown()
		case c := <-s.exits:
			now := time.Now()
			s.reap(c, now)
			s.dispatch(now)
		case p := <-s.cmds:
			if s.handleCommands(p) {
				return s.shutdown()
			}
		case <-s.wake:
			s.dispatch(time.Now())
		case now := <-ticker.C:
			if err := s.tick(now); err != nil {
				log.Errorf("Supervisor failure: %v", err)
				_ = s.shutdown()
				return err
			}
			ticker.Reset(s.rescanTime())
		}
	}
}

func (s *Supervisor) rescanTime() time.Duration {
	if s.groups {
		return param.Supervisor_GroupRescanTime.GetDuration()
	}
	return param.Supervisor_RescanTime.GetDuration()
}

func (s *Supervisor) start(ctx context.Context) error {
	wd := s.wd
	if err := wd.MakeLayout(); err != nil {
		return err
	}
	activeFile := wd.Fifo(config.MonActiveFile)
	if err := killLeftovers(activeFile, os.Getpid()); err != nil {
		return err
	}
	for _, name := range []string{config.MonCmdFifo, config.ProbeOnlyFifo, config.FdWakeUpFifo,
		config.SystemLogFifo, config.TransferLogFifo, config.EventLogFifo} {
		if err := fifo.Make(wd.Fifo(name)); err != nil {
			return err
		}
	}
	if s.events == nil {
		s.events = logging.NewEventLogger(fifo.NewWriter(wd.Fifo(config.EventLogFifo), io.Discard))
	}

	status, err := OpenStatusFile(wd.Fifo(config.MonStatusFile))
	if err != nil {
		return err
	}
	s.status = status
	now := time.Now()
	status.SetStartTime(now)
	status.SetShutdownTime(time.Unix(0, 0))
	status.SetState(ProcSupervisor, ProcRunning)

	if err := s.buildAreas(); err != nil {
		return err
	}
	s.configMtimes = s.readConfigMtimes()
	s.lastCheck = now

	if s.stats, err = stats.Open(wd.StatsDB()); err != nil {
		return err
	}
	s.lastTotals = s.currentTotals()
	if err := s.stats.Init(s.lastTotals, now); err != nil {
		return err
	}
	s.lastSummary = now
	metrics.SetComponentHealthStatus(metrics.Supervisor_StatStore, metrics.StatusOK, "")

	if s.withSinks {
		s.initSinks()
		s.startDueSinks(now)
	}

	if s.cmdFifo, err = fifo.OpenReader(wd.Fifo(config.MonCmdFifo)); err != nil {
		return err
	}
	go s.readFifo(s.cmdFifo, func(p []byte) {
		select {
		case s.cmds <- p:
		case <-s.done:
		}
	})
	if s.wakeFifo, err = fifo.OpenReader(wd.Fifo(config.FdWakeUpFifo)); err != nil {
		return err
	}
	go s.readFifo(s.wakeFifo, func([]byte) { s.notify() })

	server_utils.LaunchWatcherMaintenance(ctx, []string{wd.MessageDir(), wd.EtcDir()}, "message directory watch",
		param.Supervisor_ConfigCheckInterval.GetDuration(), func(bool) error {
			s.notify()
			return nil
		})
	if port := param.Monitoring_Port.GetInt(); port > 0 {
		engine := metrics.NewEngine(s.observer.Hosts, param.Monitoring_EnablePrometheus.GetBool())
		go func() {
			if err := metrics.ServeMonitoring(ctx, port, engine); err != nil {
				log.Error(err)
			}
		}()
	}

	s.prune(now)
	s.observer.Observe(s.hsa, now)
	if err := s.writeActiveFile(); err != nil {
		return err
	}
	metrics.SetComponentHealthStatus(metrics.Supervisor_Dispatch, metrics.StatusOK, "")
	log.Infof("Starting AFD monitor (%s) in %s with %d hosts and %d directories",
		config.GetVersion(), wd, s.hsa.Count(), s.dsa.Count())
	s.dispatch(now)
	return nil
}

// buildAreas creates fresh status areas from HOST_CONFIG and afd.yaml,
// carrying the runtime state of any areas found on disk.
func (s *Supervisor) buildAreas() error {
	wd := s.wd
	hc, err := host_config.Load(wd.HostConfig())
	if err != nil {
		return err
	}
	s.groups = len(hc.Groups()) > 0

	prevHSA, prevDSA := s.hsa, s.dsa
	if prevHSA == nil {
		if a, err := status_area.Attach(wd.HostStatusFile(), status_area.KindHost); err == nil {
			prevHSA = a
			defer func() { _ = a.Detach() }()
		}
	}
	if prevDSA == nil {
		if a, err := status_area.Attach(wd.DirStatusFile(), status_area.KindDir); err == nil {
			prevDSA = a
			defer func() { _ = a.Detach() }()
		}
	}
	var generation uint32 = 1
	if prevHSA != nil {
		generation = prevHSA.Generation() + 1
	}
	if err := builder.BuildHostArea(wd.HostStatusFile(), hc.Hosts(), generation, prevHSA); err != nil {
		return err
	}
	hsa, err := status_area.Attach(wd.HostStatusFile(), status_area.KindHost)
	if err != nil {
		return err
	}
	var dirs []param.DirectoryConfig
	if cfg, err := param.GetUnmarshaledConfig(); err == nil {
		dirs = cfg.Directories
	}
	if err := builder.BuildDirArea(wd.DirStatusFile(), dirs, generation, hsa, wd.IncomingDir(), prevDSA); err != nil {
		_ = hsa.Detach()
		return err
	}
	dsa, err := status_area.Attach(wd.DirStatusFile(), status_area.KindDir)
	if err != nil {
		_ = hsa.Detach()
		return err
	}
	for _, d := range dsa.Dirs() {
		if d.HostPos() < 0 {
			log.Warningf("Directory %s refers to unknown host %s", d.Alias(), d.HostAlias())
		}
	}

	if s.hsa != nil {
		_ = s.hsa.Detach()
	}
	if s.dsa != nil {
		_ = s.dsa.Detach()
	}
	s.hsa, s.dsa = hsa, dsa
	for alias := range s.restarts {
		if _, ok := hsa.FindHost(alias); !ok {
			delete(s.restarts, alias)
			delete(s.disabled, alias)
			metrics.DeleteComponentHealthStatus(metrics.HealthStatusComponent(alias))
		}
	}
	for alias := range s.disabled {
		if h, ok := hsa.FindHost(alias); ok {
			s.markSlots(h, status_area.Disabled)
		}
	}
	for alias, tr := range s.restarts {
		if h, ok := hsa.FindHost(alias); ok && tr.Latched() {
			s.markSlots(h, status_area.NotWorking)
		}
	}
	if s.status != nil {
		s.status.SetAreas(hsa.Generation(), hsa.Count(), 0)
	}
	return nil
}

func (s *Supervisor) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Supervisor) readFifo(f *os.File, deliver func([]byte)) {
	buf := make([]byte, 256)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			deliver(append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			if !errors.Is(err, os.ErrClosed) {
				log.Debugf("Stopped reading %s: %v", f.Name(), err)
			}
			return
		}
	}
}

func (s *Supervisor) tick(now time.Time) error {
	s.summarize(now)
	if now.Sub(s.lastCheck) >= param.Supervisor_ConfigCheckInterval.GetDuration() {
		s.lastCheck = now
		if err := s.checkConfig(); err != nil {
			metrics.SetComponentHealthStatus(metrics.Supervisor_Config, metrics.StatusCritical, err.Error())
			return err
		}
		metrics.SetComponentHealthStatus(metrics.Supervisor_Config, metrics.StatusOK, "")
	}
	if s.withSinks {
		s.startDueSinks(now)
	}
	s.dispatch(now)
	s.observer.Observe(s.hsa, now)
	active := 0
	for _, h := range s.hsa.Hosts() {
		active += h.ActiveTransfers()
	}
	s.status.SetAreas(s.hsa.Generation(), s.hsa.Count(), active)
	return nil
}

// spawn starts one child of s.exe with args and registers it.
func (s *Supervisor) spawn(c *child, args []string) error {
	launcher := daemon.ProcessLauncher{DaemonName: c.name, Args: append([]string{s.exe}, args...), Uid: -1, Gid: -1}
	ctx, pid, err := launcher.Launch(context.Background())
	if err != nil {
		return err
	}
	c.pid, c.ctx, c.started = pid, ctx, time.Now()
	s.children[pid] = c
	go func() {
		<-ctx.Done()
		select {
		case s.exits <- c:
		case <-s.done:
		}
	}()
	return nil
}

// signalChildren sends sig to every child of the given kinds.
func (s *Supervisor) signalChildren(sig syscall.Signal, kinds ...childKind) int {
	n := 0
	for _, c := range s.children {
		for _, k := range kinds {
			if c.kind == k {
				if err := daemon.Signal(c.pid, sig); err != nil {
					log.Warning(err)
				}
				n++
			}
		}
	}
	return n
}

func (s *Supervisor) countChildren(kinds ...childKind) int {
	n := 0
	for _, c := range s.children {
		for _, k := range kinds {
			if c.kind == k {
				n++
			}
		}
	}
	return n
}

// stopChildren interrupts the children of the given kinds and reaps them,
// waiting at most Supervisor.MaxShutdownTime before killing the rest.
func (s *Supervisor) stopChildren(kinds ...childKind) {
	if s.signalChildren(syscall.SIGINT, kinds...) == 0 {
		return
	}
	deadline := time.Now().Add(param.Supervisor_MaxShutdownTime.GetDuration())
	ticker := time.NewTicker(shutdownPoll)
	defer ticker.Stop()
	for s.countChildren(kinds...) > 0 {
		if time.Now().After(deadline) {
			n := s.signalChildren(syscall.SIGKILL, kinds...)
			log.Warningf("%d children did not stop in time, killed them", n)
			deadline = time.Now().Add(param.Supervisor_MaxShutdownTime.GetDuration())
		}
		select {
		case c := <-s.exits:
			s.reap(c, time.Now())
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) shutdown() error {
	s.shuttingDown = true
	log.Info("Stopping AFD monitor")
	daemon.SetExpectedRestart(true)
	defer daemon.SetExpectedRestart(false)
	s.stopChildren(kindSend, kindRetrieve)
	s.stopChildren(kindSink)

	now := time.Now()
	hostname, _ := os.Hostname()
	if s.status != nil {
		s.status.SetShutdownTime(now)
		s.status.SetState(ProcSupervisor, ProcShutdown)
	}
	log.Infof("Shutdown on %s", hostname)
	if err := os.Remove(s.wd.Fifo(config.MonActiveFile)); err != nil && !os.IsNotExist(err) {
		log.Warningf("Failed to remove %s: %v", config.MonActiveFile, err)
	}
	return s.cleanup()
}

func (s *Supervisor) cleanup() error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.cmdFifo != nil {
		keep(s.cmdFifo.Close())
		s.cmdFifo = nil
	}
	if s.wakeFifo != nil {
		keep(s.wakeFifo.Close())
		s.wakeFifo = nil
	}
	if s.stats != nil {
		keep(s.stats.Close())
		s.stats = nil
	}
	if s.hsa != nil {
		keep(s.hsa.Sync())
		keep(s.hsa.Detach())
		s.hsa = nil
	}
	if s.dsa != nil {
		keep(s.dsa.Detach())
		s.dsa = nil
	}
	if s.status != nil {
		keep(s.status.Close())
		s.status = nil
	}
	return firstErr
}

func (s *Supervisor) writeActiveFile() error {
	a := &ActivePids{Own: int32(os.Getpid())}
	for _, sink := range s.sinks {
		if sink.child == nil {
			continue
		}
		switch sink.proc {
		case ProcSystemLog:
			a.SysLog = int32(sink.child.pid)
		case ProcTransferLog:
			a.MonLog = int32(sink.child.pid)
		}
	}
	for _, h := range s.hsa.Hosts() {
		var logPid int32
		if sink := s.hostSink(h.Alias()); sink != nil && sink.child != nil {
			logPid = int32(sink.child.pid)
		}
		for slot := 0; slot < h.AllowedTransfers(); slot++ {
			var pid int32
			if c := s.slots[slotKey{h.Alias(), slot}]; c != nil {
				pid = int32(c.pid)
			}
			a.Pairs = append(a.Pairs, [2]int32{pid, logPid})
		}
	}
	for _, sink := range s.sinks {
		if sink.proc == ProcEventLog && sink.child != nil {
			a.Pairs = append(a.Pairs, [2]int32{0, int32(sink.child.pid)})
		}
	}
	return WriteActiveFile(filepath.Clean(s.wd.Fifo(config.MonActiveFile)), a)
}
