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

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/pelicanplatform/afd/byte_rate"
)

type StringParam struct{ name string }
type StringSliceParam struct{ name string }
type BoolParam struct{ name string }
type IntParam struct{ name string }
type DurationParam struct{ name string }
type ByteSizeParam struct{ name string }
type ByteRateParam struct{ name string }
type ObjectParam struct{ name string }

func (sP StringParam) GetString() string { return viper.GetString(sP.name) }
func (sP StringParam) GetName() string   { return sP.name }
func (sP StringParam) IsSet() bool       { return viper.IsSet(sP.name) }

func (slP StringSliceParam) GetStringSlice() []string { return viper.GetStringSlice(slP.name) }
func (slP StringSliceParam) GetName() string          { return slP.name }
func (slP StringSliceParam) IsSet() bool              { return viper.IsSet(slP.name) }

func (bP BoolParam) GetBool() bool   { return viper.GetBool(bP.name) }
func (bP BoolParam) GetName() string { return bP.name }
func (bP BoolParam) IsSet() bool     { return viper.IsSet(bP.name) }

func (iP IntParam) GetInt() int     { return viper.GetInt(iP.name) }
func (iP IntParam) GetName() string { return iP.name }
func (iP IntParam) IsSet() bool     { return viper.IsSet(iP.name) }

func (dP DurationParam) GetDuration() time.Duration { return viper.GetDuration(dP.name) }
func (dP DurationParam) GetName() string            { return dP.name }
func (dP DurationParam) IsSet() bool                { return viper.IsSet(dP.name) }

// GetByteSize falls back to zero when the configured value does not parse;
// config validation reports the bad value at startup.
func (bsP ByteSizeParam) GetByteSize() int64 {
	size, err := ParseByteSize(viper.GetString(bsP.name))
	if err != nil {
		return 0
	}
	return int64(size)
}
func (bsP ByteSizeParam) GetName() string { return bsP.name }
func (bsP ByteSizeParam) IsSet() bool     { return viper.IsSet(bsP.name) }

func (brP ByteRateParam) GetByteRate() byte_rate.ByteRate {
	raw := viper.GetString(brP.name)
	if raw == "" || raw == "0" {
		return 0
	}
	rate, err := byte_rate.ParseRate(raw)
	if err != nil {
		return 0
	}
	return rate
}
func (brP ByteRateParam) GetName() string { return brP.name }
func (brP ByteRateParam) IsSet() bool     { return viper.IsSet(brP.name) }

// Unmarshal decodes the object value with the same hooks as the snapshot.
func (oP ObjectParam) Unmarshal(rawVal any) error {
	return viper.UnmarshalKey(oP.name, rawVal, func(dc *mapstructure.DecoderConfig) {
		dc.DecodeHook = decoderConfig(rawVal).DecodeHook
		dc.WeaklyTypedInput = true
	})
}
func (oP ObjectParam) GetName() string { return oP.name }
func (oP ObjectParam) IsSet() bool     { return viper.IsSet(oP.name) }

var (
	Logging_Level       = StringParam{"Logging.Level"}
	Logging_LogLocation = StringParam{"Logging.LogLocation"}
	Logging_MaxLogSize  = ByteSizeParam{"Logging.MaxLogSize"}
	Logging_MaxLogFiles = IntParam{"Logging.MaxLogFiles"}

	Supervisor_RescanTime          = DurationParam{"Supervisor.RescanTime"}
	Supervisor_GroupRescanTime     = DurationParam{"Supervisor.GroupRescanTime"}
	Supervisor_ConfigCheckInterval = DurationParam{"Supervisor.ConfigCheckInterval"}
	Supervisor_MaxShutdownTime     = DurationParam{"Supervisor.MaxShutdownTime"}
	Supervisor_MaxRestarts         = IntParam{"Supervisor.MaxRestarts"}
	Supervisor_RestartWindow       = DurationParam{"Supervisor.RestartWindow"}
	Supervisor_MaxLogRestarts      = IntParam{"Supervisor.MaxLogRestarts"}
	Supervisor_LogRetryInterval    = DurationParam{"Supervisor.LogRetryInterval"}
	Supervisor_WorkerExecutable    = StringParam{"Supervisor.WorkerExecutable"}

	Transfer_DefaultBlockSize = ByteSizeParam{"Transfer.DefaultBlockSize"}
	Transfer_DefaultTimeout   = DurationParam{"Transfer.DefaultTimeout"}
	Transfer_BurstWait        = DurationParam{"Transfer.BurstWait"}
	Transfer_NoopInterval     = DurationParam{"Transfer.NoopInterval"}
	Transfer_UnlinkRetries    = IntParam{"Transfer.UnlinkRetries"}
	Transfer_UnlinkDelay      = DurationParam{"Transfer.UnlinkDelay"}
	Transfer_WithUnlinkDelay  = BoolParam{"Transfer.WithUnlinkDelay"}
	Transfer_LockSuffix       = StringParam{"Transfer.LockSuffix"}
	Transfer_LockFileName     = StringParam{"Transfer.LockFileName"}
	Transfer_DefaultRateLimit = ByteRateParam{"Transfer.DefaultRateLimit"}

	Archive_Disable  = BoolParam{"Archive.Disable"}
	Dupcheck_Timeout = DurationParam{"Dupcheck.Timeout"}
	Wmo_MaxCounter   = IntParam{"Wmo.MaxCounter"}

	Monitoring_EnablePrometheus = BoolParam{"Monitoring.EnablePrometheus"}
	Monitoring_Port             = IntParam{"Monitoring.Port"}

	Tls_CipherList = StringParam{"Tls.CipherList"}
	Tls_CertFile   = StringParam{"Tls.CertFile"}
	Tls_CertDir    = StringParam{"Tls.CertDir"}

	Ssh_KnownHostsFile = StringParam{"Ssh.KnownHostsFile"}
	Ssh_IdentityFiles  = StringSliceParam{"Ssh.IdentityFiles"}

	Directories = ObjectParam{"Directories"}
)

var allParameterNames = []string{
	Logging_Level.name, Logging_LogLocation.name, Logging_MaxLogSize.name, Logging_MaxLogFiles.name,
	Supervisor_RescanTime.name, Supervisor_GroupRescanTime.name, Supervisor_ConfigCheckInterval.name,
	Supervisor_MaxShutdownTime.name, Supervisor_MaxRestarts.name, Supervisor_RestartWindow.name,
	Supervisor_MaxLogRestarts.name, Supervisor_LogRetryInterval.name, Supervisor_WorkerExecutable.name,
	Transfer_DefaultBlockSize.name, Transfer_DefaultTimeout.name, Transfer_BurstWait.name,
	Transfer_NoopInterval.name, Transfer_UnlinkRetries.name, Transfer_UnlinkDelay.name,
	Transfer_WithUnlinkDelay.name, Transfer_LockSuffix.name, Transfer_LockFileName.name,
	Transfer_DefaultRateLimit.name,
	Archive_Disable.name, Dupcheck_Timeout.name, Wmo_MaxCounter.name,
	Monitoring_EnablePrometheus.name, Monitoring_Port.name,
	Tls_CipherList.name, Tls_CertFile.name, Tls_CertDir.name,
	Ssh_KnownHostsFile.name, Ssh_IdentityFiles.name,
}

// SetDefaults installs the built-in default for every parameter.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(Logging_Level.name, "info")
	v.SetDefault(Logging_MaxLogSize.name, "10MiB")
	v.SetDefault(Logging_MaxLogFiles.name, 7)

	v.SetDefault(Supervisor_RescanTime.name, 2*time.Second)
	v.SetDefault(Supervisor_GroupRescanTime.name, 10*time.Second)
	v.SetDefault(Supervisor_ConfigCheckInterval.name, 10*time.Second)
	v.SetDefault(Supervisor_MaxShutdownTime.name, 2*time.Second)
	v.SetDefault(Supervisor_MaxRestarts.name, 20)
	v.SetDefault(Supervisor_RestartWindow.name, 5*time.Second)
	v.SetDefault(Supervisor_MaxLogRestarts.name, 0)
	v.SetDefault(Supervisor_LogRetryInterval.name, 60*time.Second)

	v.SetDefault(Transfer_DefaultBlockSize.name, "64KiB")
	v.SetDefault(Transfer_DefaultTimeout.name, 120*time.Second)
	v.SetDefault(Transfer_BurstWait.name, 2*time.Second)
	v.SetDefault(Transfer_NoopInterval.name, 30*time.Second)
	v.SetDefault(Transfer_UnlinkRetries.name, 20)
	v.SetDefault(Transfer_UnlinkDelay.name, 100*time.Millisecond)
	v.SetDefault(Transfer_LockSuffix.name, ".tmp")
	v.SetDefault(Transfer_LockFileName.name, "LOCKFILE")

	v.SetDefault(Dupcheck_Timeout.name, time.Hour)
	v.SetDefault(Wmo_MaxCounter.name, 999)

	v.SetDefault(Monitoring_EnablePrometheus.name, true)
	v.SetDefault(Monitoring_Port.name, 0)
}
