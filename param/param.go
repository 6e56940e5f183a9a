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
	"reflect"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/alecthomas/units"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/pelicanplatform/afd/byte_rate"
)

var (
	viperConfig atomic.Pointer[Config]
	configMutex sync.Mutex
	callbacks   = make(map[string]ConfigCallback)
	callbackMux sync.RWMutex
)

// ConfigCallback is invoked with the previous and the new snapshot after
// every successful Refresh.
type ConfigCallback func(oldConfig, newConfig *Config)

// Refresh rebuilds the cached Config snapshot from the global viper instance.
// Call it after anything mutates viper (ReadInConfig, Set, flag binding).
func Refresh() (*Config, error) {
	configMutex.Lock()
	defer configMutex.Unlock()
	newConfig, err := DecodeConfig(viper.GetViper())
	if err != nil {
		return nil, err
	}
	oldConfig := viperConfig.Swap(newConfig)
	invokeCallbacks(oldConfig, newConfig)
	return newConfig, nil
}

// GetUnmarshaledConfig returns the snapshot built by the last Refresh.
func GetUnmarshaledConfig() (*Config, error) {
	config := viperConfig.Load()
	if config == nil {
		return nil, errors.New("config hasn't been unmarshaled yet")
	}
	return config, nil
}

// BindAllParameters binds every known key to its AFD_ environment variable so
// that env-only values show up in AllSettings.
func BindAllParameters(v *viper.Viper) {
	for _, key := range allParameterNames {
		_ = v.BindEnv(key)
	}
	// The TLS settings keep their historical variable names.
	_ = v.BindEnv(Tls_CipherList.GetName(), "AFD_TLS_CIPHERLIST", "SSL_CIPHER")
	_ = v.BindEnv(Tls_CertFile.GetName(), "AFD_TLS_CERTFILE", "SSL_CERT_FILE")
	_ = v.BindEnv(Tls_CertDir.GetName(), "AFD_TLS_CERTDIR", "SSL_CERT_DIR")
}

func decoderConfig(result interface{}) *mapstructure.DecoderConfig {
	return &mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			stringToSliceHookFunc(),
			stringToByteRateHookFunc(),
			stringToByteSizeHookFunc(),
		),
		MatchName: func(mapKey, fieldName string) bool {
			return strings.EqualFold(mapKey, fieldName)
		},
		Result: result,
	}
}

// DecodeConfig decodes a viper instance into a fresh Config without touching
// the cached snapshot.
func DecodeConfig(v *viper.Viper) (*Config, error) {
	if v == nil {
		return nil, errors.New("nil viper instance")
	}
	BindAllParameters(v)
	settings := v.AllSettings()
	for _, key := range allParameterNames {
		if val := v.Get(key); val != nil {
			setLowercasePath(settings, strings.Split(key, "."), val)
		}
	}
	newConfig := new(Config)
	decoder, err := mapstructure.NewDecoder(decoderConfig(newConfig))
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(settings); err != nil {
		return nil, errors.Wrap(err, "failed to decode configuration")
	}
	return newConfig, nil
}

func setLowercasePath(root map[string]any, path []string, val any) {
	m := root
	for _, elem := range path[:len(path)-1] {
		k := strings.ToLower(elem)
		if next, ok := m[k].(map[string]any); ok {
			m = next
			continue
		}
		next := make(map[string]any)
		m[k] = next
		m = next
	}
	m[strings.ToLower(path[len(path)-1])] = val
}

// Set updates viper and refreshes the snapshot.
func Set(key string, value interface{}) error {
	return MultiSet(map[string]interface{}{key: value})
}

func MultiSet(keyValues map[string]interface{}) error {
	for key, value := range keyValues {
		viper.Set(key, value)
	}
	_, err := Refresh()
	return err
}

// Reset clears viper and the snapshot.  Intended for tests.
func Reset() {
	configMutex.Lock()
	defer configMutex.Unlock()
	viper.Reset()
	viperConfig.Store(nil)
}

// RegisterCallback registers cb under key, replacing a previous callback
// with the same key.
func RegisterCallback(key string, cb ConfigCallback) {
	callbackMux.Lock()
	defer callbackMux.Unlock()
	callbacks[key] = cb
}

func ClearCallbacks() {
	callbackMux.Lock()
	defer callbackMux.Unlock()
	callbacks = make(map[string]ConfigCallback)
}

func invokeCallbacks(oldConfig, newConfig *Config) {
	callbackMux.RLock()
	defer callbackMux.RUnlock()
	for _, cb := range callbacks {
		cb(oldConfig, newConfig)
	}
}

// stringToSliceHookFunc splits comma or whitespace separated strings so
// list parameters can come from environment variables.
func stringToSliceHookFunc() mapstructure.DecodeHookFunc {
	return func(f reflect.Kind, t reflect.Kind, data interface{}) (interface{}, error) {
		if f != reflect.String || t != reflect.Slice {
			return data, nil
		}
		raw := strings.Trim(data.(string), `"'`)
		if raw == "" {
			return []string{}, nil
		}
		var parts []string
		if strings.Contains(raw, ",") {
			parts = strings.Split(raw, ",")
		} else {
			parts = strings.Fields(raw)
		}
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.Trim(strings.TrimSpace(part), `"'`); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result, nil
	}
}

func stringToByteRateHookFunc() mapstructure.DecodeHookFunc {
	byteRateType := reflect.TypeOf(byte_rate.ByteRate(0))
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t != byteRateType {
			return data, nil
		}
		raw := strings.TrimSpace(data.(string))
		if raw == "" || raw == "0" {
			return byte_rate.ByteRate(0), nil
		}
		rate, err := byte_rate.ParseRate(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse byte rate '%s'", raw)
		}
		return rate, nil
	}
}

func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	byteSizeType := reflect.TypeOf(ByteSize(0))
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t != byteSizeType {
			return data, nil
		}
		size, err := ParseByteSize(data.(string))
		if err != nil {
			return nil, err
		}
		return size, nil
	}
}

// ByteSize is a size in bytes that may be written as "64KiB" in the
// configuration.
type ByteSize int64

// ParseByteSize accepts plain integers and strict IEC/SI byte strings.
func ParseByteSize(raw string) (ByteSize, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if n, err := units.ParseStrictBytes(raw); err == nil {
		return ByteSize(n), nil
	}
	n, err := units.ParseStrictBytes(raw + "B")
	if err != nil {
		return 0, errors.Wrapf(err, "invalid byte size '%s'", raw)
	}
	return ByteSize(n), nil
}
