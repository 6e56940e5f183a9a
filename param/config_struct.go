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

package param

import (
	"time"

	"github.com/pelicanplatform/afd/byte_rate"
)

// Config is the decoded snapshot of afd.yaml plus defaults and environment.
type Config struct {
	Logging struct {
		Level       string   `mapstructure:"level"`
		LogLocation string   `mapstructure:"loglocation"`
		MaxLogSize  ByteSize `mapstructure:"maxlogsize"`
		MaxLogFiles int      `mapstructure:"maxlogfiles"`
	} `mapstructure:"logging"`
	Supervisor struct {
		RescanTime          time.Duration `mapstructure:"rescantime"`
		GroupRescanTime     time.Duration `mapstructure:"grouprescantime"`
		ConfigCheckInterval time.Duration `mapstructure:"configcheckinterval"`
		MaxShutdownTime     time.Duration `mapstructure:"maxshutdowntime"`
		MaxRestarts         int           `mapstructure:"maxrestarts"`
		RestartWindow       time.Duration `mapstructure:"restartwindow"`
		MaxLogRestarts      int           `mapstructure:"maxlogrestarts"`
		LogRetryInterval    time.Duration `mapstructure:"logretryinterval"`
		WorkerExecutable    string        `mapstructure:"workerexecutable"`
	} `mapstructure:"supervisor"`
	Transfer struct {
		DefaultBlockSize ByteSize           `mapstructure:"defaultblocksize"`
		DefaultTimeout   time.Duration      `mapstructure:"defaulttimeout"`
		BurstWait        time.Duration      `mapstructure:"burstwait"`
		NoopInterval     time.Duration      `mapstructure:"noopinterval"`
		UnlinkRetries    int                `mapstructure:"unlinkretries"`
		UnlinkDelay      time.Duration      `mapstructure:"unlinkdelay"`
		WithUnlinkDelay  bool               `mapstructure:"withunlinkdelay"`
		LockSuffix       string             `mapstructure:"locksuffix"`
		LockFileName     string             `mapstructure:"lockfilename"`
		DefaultRateLimit byte_rate.ByteRate `mapstructure:"defaultratelimit"`
	} `mapstructure:"transfer"`
	Archive struct {
		Disable bool `mapstructure:"disable"`
	} `mapstructure:"archive"`
	Dupcheck struct {
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"dupcheck"`
	Wmo struct {
		MaxCounter int `mapstructure:"maxcounter"`
	} `mapstructure:"wmo"`
	Monitoring struct {
		EnablePrometheus bool `mapstructure:"enableprometheus"`
		Port             int  `mapstructure:"port"`
	} `mapstructure:"monitoring"`
	Tls struct {
		CipherList string `mapstructure:"cipherlist"`
		CertFile   string `mapstructure:"certfile"`
		CertDir    string `mapstructure:"certdir"`
	} `mapstructure:"tls"`
	Ssh struct {
		KnownHostsFile string   `mapstructure:"knownhostsfile"`
		IdentityFiles  []string `mapstructure:"identityfiles"`
	} `mapstructure:"ssh"`
	Directories []DirectoryConfig `mapstructure:"directories"`
}

// DirectoryConfig describes one source directory polled by a retrieve worker.
type DirectoryConfig struct {
	Alias             string        `mapstructure:"alias"`
	Url               string        `mapstructure:"url"`
	FileMask          []string      `mapstructure:"filemask"`
	Remove            bool          `mapstructure:"remove"`
	StupidMode        string        `mapstructure:"stupidmode"`
	ForceReread       string        `mapstructure:"forcereread"`
	KeepConnected     time.Duration `mapstructure:"keepconnected"`
	CheckInterval     time.Duration `mapstructure:"checkinterval"`
	DoNotParallelize  bool          `mapstructure:"donotparallelize"`
	MaxCopiedFiles    int           `mapstructure:"maxcopiedfiles"`
	MaxCopiedFileSize ByteSize      `mapstructure:"maxcopiedfilesize"`
	IgnoreSize        ByteSize      `mapstructure:"ignoresize"`
	IgnoreFileTime    time.Duration `mapstructure:"ignorefiletime"`
}
