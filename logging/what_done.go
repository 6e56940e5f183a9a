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
	"strings"

	"github.com/pelicanplatform/afd/byte_rate"
)

// Summary verbs.
const (
	VerbCopied    = "copied"
	VerbSend      = "send"
	VerbRetrieved = "retrieved"
)

// WhatDone builds the one-line session summary of a worker.  Sizes of
// 1 KiB and above carry the exact byte count in brackets.  jobID 0 omits
// the job tag.
func WhatDone(verb string, files uint64, bytes uint64, jobID uint32, bursts uint32) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %d files, ", verb, files)
	if bytes < 1024 {
		fmt.Fprintf(&b, "%d bytes", bytes)
	} else {
		fmt.Fprintf(&b, "%s (%d bytes)", byte_rate.FormatSize(float64(bytes)), bytes)
	}
	if jobID != 0 {
		fmt.Fprintf(&b, " #%x", jobID)
	}
	switch {
	case bursts == 1:
		b.WriteString(" [BURST]")
	case bursts > 1:
		fmt.Fprintf(&b, " [BURST * %d]", bursts)
	}
	return b.String()
}
