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

package main

import (
	"context"
	"io"
	"os"
	"strconv"
	"syscall"

	"github.com/oklog/run"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/writer"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/pelicanplatform/afd/config"
	"github.com/pelicanplatform/afd/fifo"
	"github.com/pelicanplatform/afd/supervisor"
)

var (
	supervisorCmd = &cobra.Command{
		Use:     "supervisor",
		Aliases: []string{"mon"},
		Short:   "Run the supervisor of a work directory",
		Long: `Run the supervisor: it builds the host and directory status areas,
starts the log processes, hands queued messages to send workers, starts
retrieve workers and restarts whatever dies.  SIGINT, SIGTERM or a
SHUTDOWN on MON_CMD_FIFO stop it.`,
		Args: cobra.NoArgs,
		RunE: runSupervisor,
	}

	monitoringPort = uint16(0)
	portFlag       = &pflag.Flag{
		Name:      "port",
		Shorthand: "p",
		Usage:     "Serve metrics and the status API on this port (0 disables it)",
		Value:     (*uint16Value)(&monitoringPort),
		DefValue:  "0",
	}
)

type uint16Value uint16

func (i *uint16Value) Set(s string) error {
	v, err := strconv.ParseUint(s, 0, 16)
	*i = uint16Value(v)
	return err
}

func (i *uint16Value) Type() string { return "uint16" }

func (i *uint16Value) String() string { return strconv.FormatUint(uint64(*i), 10) }

func runSupervisor(cmd *cobra.Command, _ []string) error {
	wd, err := initWorkDir(false)
	if err != nil {
		return err
	}
	// From here on the system log process owns our log lines; stderr only
	// sees them while it is not running.
	log.SetOutput(io.Discard)
	log.AddHook(&writer.Hook{
		Writer:    fifo.NewWriter(wd.Fifo(config.SystemLogFifo), os.Stderr),
		LogLevels: log.AllLevels,
	})

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	log.Infof("Starting AFD supervisor %s in %s", config.GetVersion(), wd)

	var g run.Group
	g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))
	sup := supervisor.New(wd)
	g.Add(func() error { return sup.Run(ctx) }, func(error) { cancel() })
	err = g.Run()
	var sig run.SignalError
	if errors.As(err, &sig) {
		log.Infof("Received %v", sig.Signal)
		return nil
	}
	return err
}

func init() {
	supervisorCmd.Flags().AddFlag(portFlag)
	if err := viper.BindPFlag("Monitoring.Port", portFlag); err != nil {
		panic(err)
	}
}
