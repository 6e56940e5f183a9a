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

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pelicanplatform/afd/host_config"
	"github.com/pelicanplatform/afd/status_area"
)

type hostRow struct {
	Alias     string `json:"alias"`
	Group     string `json:"group,omitempty"`
	Hostname  string `json:"hostname"`
	Protocol  string `json:"protocol"`
	Allowed   int    `json:"allowed_transfers"`
	Active    int    `json:"active_transfers"`
	Errors    int    `json:"error_counter"`
	Queued    int    `json:"jobs_queued"`
	FilesDone uint64 `json:"files_done"`
	BytesSent uint64 `json:"bytes_sent"`
}

var (
	hostCmd = &cobra.Command{
		Use:   "host",
		Short: "Inspect and edit HOST_CONFIG",
	}

	hostRemoveCmd = &cobra.Command{
		Use:   "remove <alias>...",
		Short: "Remove hosts or groups from HOST_CONFIG",
		Long: `Remove host or group lines from HOST_CONFIG.  Every other line keeps
its place; the running supervisor picks up the change on its next
configuration check.`,
		Args: cobra.MinimumNArgs(1),
		RunE: removeHosts,
	}

	hostListCmd = &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List the configured hosts with their live counters",
		Args:    cobra.NoArgs,
		RunE:    listHosts,
	}

	groupCanWrite bool
)

func removeHosts(_ *cobra.Command, aliases []string) error {
	wd, err := initWorkDir(false)
	if err != nil {
		return err
	}
	for _, alias := range aliases {
		if err := host_config.RemoveHost(wd.HostConfig(), alias, groupCanWrite); err != nil {
			return errors.Wrapf(err, "failed to remove %s", alias)
		}
	}
	return nil
}

func listHosts(_ *cobra.Command, _ []string) error {
	wd, err := initWorkDir(false)
	if err != nil {
		return err
	}
	hc, err := host_config.Load(wd.HostConfig())
	if err != nil {
		return err
	}
	// Counters only exist while a supervisor has built the area.
	hsa, err := status_area.Attach(wd.HostStatusFile(), status_area.KindHost)
	if err != nil {
		log.Debugf("No host status area: %v", err)
		hsa = nil
	} else {
		defer hsa.Detach()
	}

	var rows []hostRow
	for _, e := range hc.Hosts() {
		row := hostRow{
			Alias:    e.Alias,
			Group:    e.Group,
			Hostname: e.RealHostname[0],
			Protocol: e.Protocol.String(),
			Allowed:  e.AllowedTransfers,
		}
		if hsa != nil {
			if h, ok := hsa.FindHost(e.Alias); ok {
				row.Hostname = h.CurrentHostname()
				row.Active = h.ActiveTransfers()
				row.Errors = h.ErrorCounter()
				row.Queued = h.JobsQueued()
				row.FilesDone = h.FileCounterDone()
				row.BytesSent = h.BytesSend()
			}
		}
		rows = append(rows, row)
	}

	printJSONOr(rows, func() {
		fmt.Printf("%-12s %-24s %-6s %7s %6s %6s %10s %14s\n",
			"ALIAS", "HOSTNAME", "PROTO", "ACTIVE", "ERRORS", "QUEUED", "FILES", "BYTES")
		for _, r := range rows {
			fmt.Printf("%-12s %-24s %-6s %3d/%-3d %6d %6d %10d %14d\n",
				r.Alias, r.Hostname, r.Protocol, r.Active, r.Allowed, r.Errors, r.Queued, r.FilesDone, r.BytesSent)
		}
	})
	return nil
}

func init() {
	hostRemoveCmd.Flags().BoolVar(&groupCanWrite, "group-can-write", false, "create a missing HOST_CONFIG group writable")
	hostCmd.AddCommand(hostRemoveCmd)
	hostCmd.AddCommand(hostListCmd)
}
