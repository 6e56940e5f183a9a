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
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pelicanplatform/afd/config"
	"github.com/pelicanplatform/afd/fifo"
	"github.com/pelicanplatform/afd/job"
)

var (
	queueMsg   = job.Message{}
	queueMove  bool
	queueJobID uint32

	queueCmd = &cobra.Command{
		Use:   "queue <host-alias> <file>...",
		Short: "Queue files for a host",
		Long: `Copy (or with --move, move) files into a new staging directory,
write the message that tells the send worker where they go and wake the
supervisor.`,
		Args: cobra.MinimumNArgs(2),
		RunE: runQueue,
	}
)

func stageFiles(files []string, move bool) func(dir string) error {
	return func(dir string) error {
		for _, src := range files {
			dst := filepath.Join(dir, filepath.Base(src))
			if move {
				if err := os.Rename(src, dst); err == nil {
					continue
				}
			}
			if err := copyFile(src, dst); err != nil {
				return err
			}
			if move {
				if err := os.Remove(src); err != nil {
					return errors.Wrapf(err, "failed to remove %s", src)
				}
			}
		}
		return nil
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", src)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0640)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return errors.Wrapf(err, "failed to copy %s", src)
	}
	return out.Close()
}

func runQueue(_ *cobra.Command, args []string) error {
	wd, err := initWorkDir(false)
	if err != nil {
		return err
	}
	msg := queueMsg
	msg.Host = args[0]
	msg.JobID = queueJobID
	if msg.JobID == 0 {
		msg.JobID = uint32(time.Now().UnixNano() >> 10)
	}
	if msg.Recipient == "" {
		return errors.New("--recipient is required")
	}
	id, err := job.WriteMessage(wd, &msg, stageFiles(args[1:], queueMove))
	if err != nil {
		return err
	}
	if err := fifo.Send(wd.Fifo(config.FdWakeUpFifo), []byte{fifo.WakeUp}); err != nil {
		log.Debugf("Supervisor not woken: %v", err)
	}
	fmt.Println(id)
	return nil
}

func init() {
	flags := queueCmd.Flags()
	flags.StringVarP(&queueMsg.Recipient, "recipient", "r", "", "target URL, e.g. sftp://user@host/dir")
	flags.Uint32Var(&queueJobID, "job-id", 0, "job id (default derived from the clock)")
	flags.StringVar(&queueMsg.Lock, "lock", "", "locking: DOT, DOT_VMS, POSTFIX, PREFIX, LOCKFILE, UNIQUE_LOCKING or NONE")
	flags.Uint32Var(&queueMsg.ArchiveTime, "archive-time", 0, "seconds to keep sent files in the archive")
	flags.Uint32Var(&queueMsg.AgeLimit, "age-limit", 0, "drop files older than this many seconds")
	flags.Uint32Var(&queueMsg.DupcheckTimeout, "dupcheck-timeout", 0, "suppress duplicates sent within this many seconds")
	flags.StringVar(&queueMsg.TransferMode, "transfer-mode", "", "I, A or F")
	flags.BoolVar(&queueMsg.CreateTargetDir, "create-target-dir", false, "create missing target directories")
	flags.BoolVar(&queueMove, "move", false, "move the files instead of copying them")
}
