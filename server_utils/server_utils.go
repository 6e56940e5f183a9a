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

// Package server_utils holds the maintenance helpers of the long running
// supervisor: directory watchers and the sqlite setup of its stores.
package server_utils

import (
	"context"
	"reflect"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// LaunchWatcherMaintenance runs maintenanceFunc whenever something changes
// in one of dirs and at least every sleepTime.  The routine ends with ctx.
// A watcher that cannot be set up only costs the notifications; the ticker
// keeps running.  maintenanceFunc gets true when a filesystem event woke it.
func LaunchWatcherMaintenance(ctx context.Context, dirs []string, description string, sleepTime time.Duration, maintenanceFunc func(notifyEvent bool) error) {
	selectCount := 4
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warningf("%s routine failed to create new watcher: %v", description, err)
		selectCount -= 2
	} else {
		for _, dir := range dirs {
			if err = watcher.Add(dir); err != nil {
				log.Warningf("%s routine failed to add directory %s to watch: %v", description, dir, err)
				selectCount -= 2
				_ = watcher.Close()
				break
			}
		}
	}
	cases := make([]reflect.SelectCase, selectCount)
	ticker := time.NewTicker(sleepTime)
	cases[0].Dir = reflect.SelectRecv
	cases[0].Chan = reflect.ValueOf(ticker.C)
	cases[1].Dir = reflect.SelectRecv
	cases[1].Chan = reflect.ValueOf(ctx.Done())
	if selectCount == 4 {
		cases[2].Dir = reflect.SelectRecv
		cases[2].Chan = reflect.ValueOf(watcher.Events)
		cases[3].Dir = reflect.SelectRecv
		cases[3].Chan = reflect.ValueOf(watcher.Errors)
	}
	go func() {
		defer ticker.Stop()
		if selectCount == 4 {
			defer watcher.Close()
		}
		for {
			chosen, recv, ok := reflect.Select(cases)
			switch chosen {
			case 0:
				if err := maintenanceFunc(false); err != nil {
					log.Warningf("Failure during %s routine: %v", description, err)
				}
			case 1:
				log.Debugf("%s routine has been cancelled.  Shutting down", description)
				return
			case 2:
				if !ok {
					log.Errorf("Watcher events closed in %s routine; falling back to polling", description)
					cases = cases[:2]
					continue
				}
				if event, isEvent := recv.Interface().(fsnotify.Event); isEvent {
					log.Debugf("Got filesystem event (%v); will run %s", event, description)
				}
				if err := maintenanceFunc(true); err != nil {
					log.Warningf("Failure during %s routine: %v", description, err)
				}
			case 3:
				if !ok {
					cases = cases[:2]
					continue
				}
				if err, isErr := recv.Interface().(error); isErr {
					log.Errorf("Watcher failure in the %s routine: %v", description, err)
				}
				time.Sleep(time.Second)
			}
		}
	}()
}
