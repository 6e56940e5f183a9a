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

package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/pelicanplatform/afd/param"
)

// BufferedLogHook holds entries logged before the destination is known.
type BufferedLogHook struct {
	mu      sync.Mutex
	entries []*log.Entry
	flushed atomic.Bool
}

var (
	bufferedHook atomic.Pointer[BufferedLogHook]
	flushOnce    sync.Once
	logFHandle   *os.File
)

// ResetLogFlush lets tests flush more than once.
func ResetLogFlush() {
	flushOnce = sync.Once{}
	bufferedHook.Store(nil)
}

func (hook *BufferedLogHook) Fire(entry *log.Entry) error {
	if hook.flushed.Load() {
		return nil
	}
	hook.mu.Lock()
	defer hook.mu.Unlock()
	hook.entries = append(hook.entries, entry)
	return nil
}

func (hook *BufferedLogHook) Levels() []log.Level {
	return log.AllLevels
}

// SetupLogBuffering discards direct output and buffers entries until
// FlushLogs runs.
func SetupLogBuffering() {
	log.SetOutput(io.Discard)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
		DisableColors: true,
	})
	hook := &BufferedLogHook{}
	if bufferedHook.CompareAndSwap(nil, hook) {
		log.AddHook(hook)
	}
}

// FlushLogs switches to the configured destination (Logging.LogLocation when
// pushToFile is set, stderr otherwise) and replays the buffered entries.
func FlushLogs(pushToFile bool) error {
	var flushErr error
	flushOnce.Do(func() {
		hook := bufferedHook.Load()
		if hook == nil || hook.flushed.Load() {
			return
		}
		hook.flushed.Store(true)

		logLocation := param.Logging_LogLocation.GetString()
		if pushToFile && logLocation != "" {
			if err := os.MkdirAll(filepath.Dir(logLocation), 0750); err != nil {
				flushErr = fmt.Errorf("failed to access/create log directory: %w", err)
				return
			}
			f, err := os.OpenFile(logLocation, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0640)
			if err != nil {
				flushErr = fmt.Errorf("failed to access log file: %w", err)
				return
			}
			logFHandle = f
			log.SetOutput(f)
			log.SetFormatter(&log.TextFormatter{
				FullTimestamp:          true,
				DisableColors:          true,
				DisableLevelTruncation: true,
			})
		} else {
			log.SetOutput(os.Stderr)
			log.SetFormatter(&log.TextFormatter{
				FullTimestamp:          true,
				ForceColors:            term.IsTerminal(int(os.Stderr.Fd())),
				DisableLevelTruncation: true,
			})
		}

		hook.mu.Lock()
		for _, entry := range hook.entries {
			if formatted, err := entry.String(); err == nil {
				_, _ = log.StandardLogger().Out.Write([]byte(formatted))
			}
		}
		hook.entries = nil
		hook.mu.Unlock()

		log.StandardLogger().ReplaceHooks(make(log.LevelHooks))
	})
	return flushErr
}

// CloseLogger closes the log file opened by FlushLogs.  Tests only.
func CloseLogger() {
	if logFHandle != nil {
		_ = logFHandle.Close()
	}
}
