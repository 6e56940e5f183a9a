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
	"bytes"
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/writer"
)

// Sign characters leading every transfer-log line.
const (
	SignError   = "E"
	SignWarn    = "W"
	SignInfo    = "I"
	SignDebug   = "D"
	SignOffline = "O"
	SignConfig  = "C"
)

// Entry fields understood by TransLogFormatter.
const (
	FieldAlias   = "alias"
	FieldSlot    = "slot"
	FieldSign    = "sign"
	FieldOffline = "offline"
)

const aliasWidth = 12

// TransLogFormatter renders
//
//	2026-10-17 12:00:00 I ha          [0]: message
type TransLogFormatter struct{}

func signFor(entry *log.Entry) string {
	if sign, ok := entry.Data[FieldSign].(string); ok && sign != "" {
		return sign
	}
	switch entry.Level {
	case log.PanicLevel, log.FatalLevel, log.ErrorLevel:
		if offline, ok := entry.Data[FieldOffline].(bool); ok && offline {
			return SignOffline
		}
		return SignError
	case log.WarnLevel:
		return SignWarn
	case log.InfoLevel:
		return SignInfo
	default:
		return SignDebug
	}
}

func (f *TransLogFormatter) Format(entry *log.Entry) ([]byte, error) {
	var b bytes.Buffer
	b.WriteString(entry.Time.Format("2006-01-02 15:04:05"))
	b.WriteByte(' ')
	b.WriteString(signFor(entry))
	b.WriteByte(' ')
	alias, _ := entry.Data[FieldAlias].(string)
	fmt.Fprintf(&b, "%-*s", aliasWidth, alias)
	if slot, ok := entry.Data[FieldSlot].(int); ok {
		fmt.Fprintf(&b, "[%d]", slot)
	}
	b.WriteString(": ")
	b.WriteString(strings.TrimRight(entry.Message, "\n"))
	b.WriteByte('\n')
	return b.Bytes(), nil
}

// NewTransLogger returns a logger for one host slot writing formatted
// transfer-log lines to out.  Extra writers (host log subscribers) receive
// the same lines.
func NewTransLogger(out io.Writer, alias string, slot int, mirrors ...io.Writer) *log.Entry {
	logger := log.New()
	logger.SetOutput(out)
	logger.SetFormatter(&TransLogFormatter{})
	logger.SetLevel(log.DebugLevel)
	for _, w := range mirrors {
		logger.AddHook(&writer.Hook{Writer: w, LogLevels: log.AllLevels})
	}
	fields := log.Fields{FieldAlias: alias}
	if slot >= 0 {
		fields[FieldSlot] = slot
	}
	return logger.WithFields(fields)
}

// EventFormatter renders event-log lines: time, alias and the event text.
type EventFormatter struct{}

func (f *EventFormatter) Format(entry *log.Entry) ([]byte, error) {
	alias, _ := entry.Data[FieldAlias].(string)
	return []byte(fmt.Sprintf("%s %-*s %s\n", entry.Time.Format("2006-01-02 15:04:05"), aliasWidth, alias, entry.Message)), nil
}

// NewEventLogger returns a logger writing event-log lines to out.
func NewEventLogger(out io.Writer) *log.Logger {
	logger := log.New()
	logger.SetOutput(out)
	logger.SetFormatter(&EventFormatter{})
	return logger
}

// Event texts understood by the dispatcher and the monitor.
const (
	EventStopQueue  = "Stopping input queue"
	EventStartQueue = "Starting input queue"
)
