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

	"github.com/spf13/cobra"

	"github.com/pelicanplatform/afd/config"
	"github.com/pelicanplatform/afd/logging"
	"github.com/pelicanplatform/afd/worker"
)

var (
	workerCmd = &cobra.Command{
		Use:   "worker",
		Short: "Transfer workers started by the supervisor",
	}

	workerSendCmd = &cobra.Command{
		Use:                "send <work-dir> <slot> <host-alias> <host-pos> <msg-name> [-a age] [-A] [-d] [-o retries] [-r] [-t]",
		Short:              "Send the files of one message",
		DisableFlagParsing: true,
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(runWorker(cmd, args, false))
		},
	}

	workerRetrieveCmd = &cobra.Command{
		Use:                "retrieve <work-dir> <slot> <host-alias> <host-pos> <dir-alias> [-o retries] [-t]",
		Short:              "Fetch the files of one directory",
		DisableFlagParsing: true,
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(runWorker(cmd, args, true))
		},
	}
)

// runWorker loads the configuration of the work directory named first on
// the command line and hands the raw argv to the worker.
func runWorker(cmd *cobra.Command, args []string, retrieve bool) int {
	if len(args) > 0 && args[0] != "--version" {
		wd := config.WorkDir(args[0])
		if err := config.InitConfig(wd); err != nil {
			_ = logging.FlushLogs(false)
			cmd.PrintErrln("Failed to configure worker:", err)
			return int(worker.Incorrect)
		}
	}
	_ = logging.FlushLogs(false)
	return worker.Main(cmd.Context(), args, retrieve)
}

func init() {
	workerCmd.AddCommand(workerSendCmd)
	workerCmd.AddCommand(workerRetrieveCmd)
}
