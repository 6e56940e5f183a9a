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
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/pelicanplatform/afd/config"
	"github.com/pelicanplatform/afd/fifo"
	"github.com/pelicanplatform/afd/status_area"
)

var (
	ctlCmd = &cobra.Command{
		Use:       "ctl shutdown|is-alive|enable|disable|log-cap [alias]",
		Short:     "Send a command to the running supervisor",
		Args:      cobra.RangeArgs(1, 2),
		ValidArgs: []string{"shutdown", "is-alive", "enable", "disable", "log-cap"},
		RunE:      runCtl,
	}

	probeTimeout time.Duration

	errNotAlive = errors.New("supervisor did not answer")
)

// encodeCtl turns a ctl verb into its MON_CMD_FIFO record.  Host commands
// address the host by its position in the host status area.
func encodeCtl(wd config.WorkDir, verb string, args []string) ([]byte, error) {
	var code byte
	switch verb {
	case "shutdown":
		return fifo.Encode(fifo.Shutdown, 0), nil
	case "is-alive":
		return fifo.Encode(fifo.IsAlive, 0), nil
	case "enable":
		code = fifo.EnableMon
	case "disable":
		code = fifo.DisableMon
	case "log-cap":
		code = fifo.GotLC
	default:
		return nil, errors.Errorf("unknown command %q", verb)
	}
	if len(args) == 0 {
		return nil, errors.Errorf("%s needs a host alias", verb)
	}
	hsa, err := status_area.Attach(wd.HostStatusFile(), status_area.KindHost)
	if err != nil {
		return nil, errors.Wrap(err, "is the supervisor running?")
	}
	defer hsa.Detach()
	h, ok := hsa.FindHost(args[0])
	if !ok {
		return nil, errors.Errorf("host %s is not in the host status area", args[0])
	}
	return fifo.Encode(code, int32(h.Index())), nil
}

func runCtl(_ *cobra.Command, args []string) error {
	wd, err := initWorkDir(false)
	if err != nil {
		return err
	}
	record, err := encodeCtl(wd, args[0], args[1:])
	if err != nil {
		return err
	}
	if args[0] == "is-alive" {
		return probe(wd, record)
	}
	if err := fifo.Send(wd.Fifo(config.MonCmdFifo), record); err != nil {
		if errors.Is(err, fifo.ErrNoReader) {
			return errors.Wrap(errNotAlive, "nobody reads "+config.MonCmdFifo)
		}
		return err
	}
	return nil
}

// probe sends IS_ALIVE and waits for the acknowledgement on
// PROBE_ONLY_FIFO.
func probe(wd config.WorkDir, record []byte) error {
	probePath := wd.Fifo(config.ProbeOnlyFifo)
	if err := fifo.Make(probePath); err != nil {
		return err
	}
	in, err := fifo.OpenReader(probePath)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := fifo.Send(wd.Fifo(config.MonCmdFifo), record); err != nil {
		return errors.Wrap(errNotAlive, err.Error())
	}
	if err := in.SetReadDeadline(time.Now().Add(probeTimeout)); err != nil {
		return err
	}
	buf := make([]byte, 16)
	for {
		n, err := in.Read(buf)
		if err != nil {
			return errors.Wrap(errNotAlive, err.Error())
		}
		for _, b := range buf[:n] {
			if b == fifo.Ackn {
				fmt.Println("alive")
				return nil
			}
		}
	}
}

func init() {
	ctlCmd.Flags().DurationVar(&probeTimeout, "timeout", 5*time.Second, "how long is-alive waits for the answer")
}
