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
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/pelicanplatform/afd/config"
	"github.com/pelicanplatform/afd/logging"
)

var (
	workDirFlag string
	outputJSON  bool

	rootCmd = &cobra.Command{
		Use:   "afd",
		Short: "Automatic file distributor",
		Long: `afd distributes files to remote hosts and fetches files from them
over FTP, SFTP, SCP, HTTP, local copy and external commands.  The
supervisor keeps one worker per host slot running and restarts the
pieces that fail.`,
		SilenceUsage: true,
	}
)

func Execute() error {
	logging.SetupLogBuffering()
	egrp, egrpCtx := errgroup.WithContext(context.Background())
	ctx := context.WithValue(egrpCtx, config.EgrpKey, egrp)
	exeErr := rootCmd.ExecuteContext(ctx)
	if exeErr != nil {
		// Errors before the logs were flushed would otherwise vanish.
		_ = logging.FlushLogs(false)
		log.Errorln("Fatal error:", exeErr)
	}
	egrpErr := egrp.Wait()
	if egrpErr == config.ErrExitOnSignal {
		return nil
	}
	if egrpErr != nil {
		log.Errorln("Fatal error occurred that lead to the shutdown of the process:", egrpErr)
		return egrpErr
	}
	return exeErr
}

// initWorkDir resolves the work directory, loads its configuration and
// sends the buffered startup logs to their destination.
func initWorkDir(pushToFile bool) (config.WorkDir, error) {
	wd, err := config.ResolveWorkDir(workDirFlag)
	if err != nil {
		return "", err
	}
	if err := config.InitConfig(wd); err != nil {
		return "", errors.Wrapf(err, "failed to configure work directory %s", wd)
	}
	if err := logging.FlushLogs(pushToFile); err != nil {
		return "", err
	}
	return wd, nil
}

func printJSONOr(v interface{}, plain func()) {
	if !outputJSON {
		plain()
		return
	}
	if out, err := json.MarshalIndent(v, "", "  "); err == nil {
		fmt.Println(string(out))
	} else {
		log.Errorln("Failed to encode output:", err)
	}
}

func init() {
	rootCmd.AddCommand(supervisorCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(logSinkCmd)
	rootCmd.AddCommand(hostCmd)
	rootCmd.AddCommand(ctlCmd)
	rootCmd.AddCommand(queueCmd)

	rootCmd.PersistentFlags().StringVarP(&workDirFlag, "work-dir", "w", "", "AFD work directory (default $"+config.WorkDirEnv+")")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug logs")
	rootCmd.PersistentFlags().StringP("log", "l", "", "Specified log output file")
	rootCmd.PersistentFlags().BoolP("version", "", false, "Print the version and exit")
	rootCmd.PersistentFlags().BoolVarP(&outputJSON, "json", "", false, "output results in JSON format")
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	if err := viper.BindPFlag("Debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		panic(err)
	}
	if err := viper.BindPFlag("Logging.LogLocation", rootCmd.PersistentFlags().Lookup("log")); err != nil {
		panic(err)
	}
}
