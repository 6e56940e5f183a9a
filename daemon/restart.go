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

package daemon

import (
	"sync/atomic"
	"time"
)

var expectedRestart atomic.Bool

// SetExpectedRestart marks that the supervisor is stopping children on
// purpose (rebuild of the status areas, shutdown); their exits are not
// counted by any RestartTracker.
func SetExpectedRestart(inProgress bool) {
	expectedRestart.Store(inProgress)
}

func IsExpectedRestart() bool {
	return expectedRestart.Load()
}

// RestartTracker applies the restart limit to one child.  A child that
// exits less than Window after it was started counts as a quick restart;
// more than Max quick restarts in a row latch it off.  Surviving Window
// resets the count.  Max <= 0 never latches.
type RestartTracker struct {
	Max    int
	Window time.Duration

	quick   int
	latched bool
}

// Exited records an exit of a child started at start and reports whether
// it may be started again.
func (r *RestartTracker) Exited(start, now time.Time) bool {
	if r.latched {
		return false
	}
	if now.Sub(start) >= r.Window {
		r.quick = 0
		return true
	}
	r.quick++
	if r.Max > 0 && r.quick > r.Max {
		r.latched = true
		return false
	}
	return true
}

// Latched reports whether the child must not be started again.
func (r *RestartTracker) Latched() bool { return r.latched }

// QuickRestarts returns the current run of quick restarts.
func (r *RestartTracker) QuickRestarts() int { return r.quick }

// Reset clears the latch, as after an explicit enable.
func (r *RestartTracker) Reset() {
	r.quick = 0
	r.latched = false
}
