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

package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/pelicanplatform/afd/param"
)

type ContextKey string

const (
	// EgrpKey carries the process-wide *errgroup.Group in a context.
	EgrpKey ContextKey = "Egrp"

	EnvPrefix  = "AFD"
	WorkDirEnv = "AFD_WORK_DIR"
	ConfigName = "afd"
)

var (
	version = "dev"

	ErrExitOnSignal = errors.New("exit program on signal")
	ErrNoWorkDir    = errors.New("no work directory given; use -w or set " + WorkDirEnv)
)

// SetVersion records the build version; cmd calls it before anything
// logs or dials out.
func SetVersion(v string) { version = v }

func GetVersion() string { return version }

// ResolveWorkDir returns the work directory selected on the command line,
// falling back to AFD_WORK_DIR.
func ResolveWorkDir(flagValue string) (WorkDir, error) {
	dir := flagValue
	if dir == "" {
		dir = os.Getenv(WorkDirEnv)
	}
	if dir == "" {
		return "", ErrNoWorkDir
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", errors.Wrapf(err, "invalid work directory %s", dir)
	}
	return WorkDir(abs), nil
}

// InitConfig prepares viper for a process running inside work dir wd:
// defaults, AFD_ environment overrides and <wd>/etc/afd.yaml.  The config
// file is optional.
func InitConfig(wd WorkDir) error {
	v := viper.GetViper()
	param.SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	param.BindAllParameters(v)

	v.SetConfigType("yaml")
	v.SetConfigFile(wd.ConfigFile())
	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return errors.Wrapf(err, "failed to read %s", wd.ConfigFile())
			}
		}
		log.Debugf("No configuration file at %s; using defaults", wd.ConfigFile())
	}
	if _, err := param.Refresh(); err != nil {
		return err
	}
	return setLoggingLevel()
}

// ReloadConfig re-reads afd.yaml after the supervisor noticed a change.
func ReloadConfig(wd WorkDir) (*param.Config, error) {
	v := viper.GetViper()
	if err := v.ReadInConfig(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrapf(err, "failed to re-read %s", wd.ConfigFile())
	}
	cfg, err := param.Refresh()
	if err != nil {
		return nil, err
	}
	return cfg, setLoggingLevel()
}
