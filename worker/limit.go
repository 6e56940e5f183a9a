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

package worker

import (
	"context"

	"golang.org/x/time/rate"
)

// rateLimiter caps the bytes per second one worker moves.  A nil limiter
// does not limit.
type rateLimiter struct {
	lim *rate.Limiter
}

// newRateLimiter shares the host limit between the transfers active on
// it.  burst is the largest single write, normally the block size.
func newRateLimiter(hostLimit int64, active, burst int) *rateLimiter {
	if hostLimit <= 0 {
		return nil
	}
	if active < 1 {
		active = 1
	}
	perProcess := hostLimit / int64(active)
	if perProcess < 1 {
		perProcess = 1
	}
	if burst < 1 {
		burst = 1
	}
	return &rateLimiter{lim: rate.NewLimiter(rate.Limit(perProcess), burst)}
}

// wait blocks until n more bytes may be moved.
func (r *rateLimiter) wait(ctx context.Context, n int) error {
	if r == nil {
		return nil
	}
	burst := r.lim.Burst()
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := r.lim.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}
