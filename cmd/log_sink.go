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
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pelicanplatform/afd/logging"
)

var (
	logSink = logging.Sink{}

	logSinkCmd = &cobra.Command{
		Use:   "log-sink",
		Short: "Copy log records from a fifo into rotating log files",
		Long: `Read newline terminated records from --fifo and append them to
<dir>/<name>.0, rotating at --max-size.  The exit status tells the
supervisor why the sink stopped.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			os.Exit(int(runLogSink(cmd)))
		},
	}
)

func runLogSink(cmd *cobra.Command) logging.SinkExit {
	_ = logging.FlushLogs(false)
	if logSink.FifoPath == "" || logSink.Dir == "" || logSink.Name == "" {
		log.Errorln("log-sink needs --fifo, --dir and --name")
		return logging.SinkIncorrect
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := logSink.Run(ctx)
	if err == nil {
		return logging.SinkOK
	}
	log.Errorf("Log process %s stopped: %v", logSink.Name, err)
	var sinkErr *logging.SinkError
	if errors.As(err, &sinkErr) {
		return sinkErr.Exit
	}
	return logging.SinkFailedCmd
}

func init() {
	flags := logSinkCmd.Flags()
	flags.StringVar(&logSink.FifoPath, "fifo", "", "fifo to read records from")
	flags.StringVar(&logSink.Dir, "dir", "", "directory of the log files")
	flags.StringVar(&logSink.Name, "name", "", "base name of the log files")
	flags.Int64Var(&logSink.MaxSize, "max-size", 10<<20, "rotate when the current file would exceed this many bytes")
	flags.IntVar(&logSink.MaxFiles, "max-files", 7, "number of generations to keep")
	flags.DurationVar(&logSink.DataTimeout, "data-timeout", 0, "give up when no record arrives for this long (0 waits forever)")
	flags.IntVar(&logSink.MaxLine, "max-line", 0, "truncate records longer than this (0 keeps them whole)")
}
