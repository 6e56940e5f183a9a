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
	"os"
	"path/filepath"
	"strings"

	"github.com/pelicanplatform/afd/config"
)

// Filled in by the release build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	config.SetVersion(version)
	err := handleCLI(os.Args)
	if err != nil {
		os.Exit(1)
	}
}

// execArgs maps the name the binary was started under onto the matching
// subcommand.  Installations link afd_mon to the supervisor, sf_<proto> to
// a send worker and gf_<proto> to a retrieve worker.
func execArgs(execName string, args []string) []string {
	execName = strings.ToLower(filepath.Base(execName))
	switch {
	case execName == "afd_mon":
		return append([]string{"supervisor"}, args...)
	case strings.HasPrefix(execName, "sf_"):
		return append([]string{"worker", "send"}, args...)
	case strings.HasPrefix(execName, "gf_"):
		return append([]string{"worker", "retrieve"}, args...)
	}
	return args
}

func handleCLI(args []string) error {
	argv := execArgs(args[0], args[1:])
	if len(argv) > 0 && argv[len(argv)-1] == "--version" && (len(argv) < 2 || argv[0] != "worker") {
		fmt.Println("Version:", version)
		fmt.Println("Build Date:", date)
		fmt.Println("Build Commit:", commit)
		return nil
	}
	rootCmd.SetArgs(argv)
	return Execute()
}
