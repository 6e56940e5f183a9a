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

package job

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

var (
	// ErrGotKilled is the cancellation cause after SIGINT.
	ErrGotKilled = errors.New("got killed")
	// ErrQuitSignal is the cancellation cause after SIGQUIT.
	ErrQuitSignal = errors.New("received SIGQUIT")
)

type signalTarget struct {
	cancel context.CancelCauseFunc
}

var (
	currentTarget = atomic.NewPointer[signalTarget](nil)
	signalsOnce   sync.Once
)

func startSignalLoop() {
	signal.Ignore(syscall.SIGTERM, syscall.SIGHUP, syscall.SIGPIPE)
	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGQUIT)
	go func() {
		for sig := range sigs {
			target := currentTarget.Load()
			if target == nil {
				log.Debugf("Ignoring %v: no job installed", sig)
				continue
			}
			if sig == syscall.SIGINT {
				target.cancel(ErrGotKilled)
			} else {
				target.cancel(ErrQuitSignal)
			}
		}
	}()
}

// WithSignals returns a context that SIGINT and SIGQUIT cancel, with
// ErrGotKilled or ErrQuitSignal as cause.  SIGTERM, SIGHUP and SIGPIPE are
// ignored.  Only one context receives signals at a time; release uninstalls
// it again.
func WithSignals(parent context.Context) (ctx context.Context, release func()) {
	signalsOnce.Do(startSignalLoop)
	ctx, cancel := context.WithCancelCause(parent)
	target := &signalTarget{cancel: cancel}
	if prev := currentTarget.Swap(target); prev != nil {
		log.Warn("Replacing an installed signal target")
	}
	return ctx, func() {
		currentTarget.CompareAndSwap(target, nil)
		cancel(nil)
	}
}
