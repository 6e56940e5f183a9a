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
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/pelicanplatform/afd/config"
	"github.com/pelicanplatform/afd/fifo"
	"github.com/pelicanplatform/afd/logging"
	"github.com/pelicanplatform/afd/status_area"
)

// subtractTotals takes one file of size bytes off the host totals.  The
// caller holds LOCK_TFC.  Totals that would go negative are recomputed from
// what this slot still has to do.
func (w *Worker) subtractTotals(size int64) {
	h, js := w.d.Host, w.js
	files := h.TotalFileCounter() - 1
	if files < 0 {
		files = int64(js.NoOfFiles() - js.NoOfFilesDone() - 1)
		if files < 0 {
			files = 0
		}
		w.log.Debugf("Total file counter less than zero. Correcting to %d.", files)
	}
	h.SetTotalFileCounter(files)

	total := h.TotalFileSize() - size
	if total < 0 {
		total = js.FileSize() - js.FileSizeDone() - size
		if total < 0 {
			total = 0
		}
		w.log.Debugf("Total file size less than zero. Correcting to %d.", total)
	}
	h.SetTotalFileSize(total)
}

// fileDone books one completed file: size is the full file size and offset
// the part that was already present before this session.
func (w *Worker) fileDone(size, offset int64) error {
	h, js := w.d.Host, w.js
	if err := h.Lock(status_area.LockTFC, w.d.Timeout); err != nil {
		return err
	}
	w.subtractTotals(size - offset)
	js.SetNoOfFilesDone(js.NoOfFilesDone() + 1)
	js.SetFileSizeDone(js.FileSizeDone() + size)
	js.SetFileSizeInUse(0)
	js.SetFileSizeInUseDone(0)
	js.SetFileNameInUse("")
	h.SetFileCounterDone(h.FileCounterDone() + 1)
	h.SetBytesSend(h.BytesSend() + uint64(size-offset))
	h.SetLastConnection(time.Now())
	h.Unlock(status_area.LockTFC)

	w.filesDone++
	w.bytesDone += uint64(size)
	return nil
}

// fileDropped removes a file that will not be transferred from the totals.
func (w *Worker) fileDropped(size int64) error {
	h := w.d.Host
	if err := h.Lock(status_area.LockTFC, w.d.Timeout); err != nil {
		return err
	}
	w.subtractTotals(size)
	w.js.SetNoOfFiles(w.js.NoOfFiles() - 1)
	w.js.SetFileSize(w.js.FileSize() - size)
	h.Unlock(status_area.LockTFC)
	return nil
}

// addTotals books newly found files of a retrieve round, or with negative
// arguments takes back the ones that were not fetched.
func (w *Worker) addTotals(files int, size int64) error {
	h := w.d.Host
	if err := h.Lock(status_area.LockTFC, w.d.Timeout); err != nil {
		return err
	}
	h.SetTotalFileCounter(max(h.TotalFileCounter()+int64(files), 0))
	h.SetTotalFileSize(max(h.TotalFileSize()+size, 0))
	h.Unlock(status_area.LockTFC)
	return nil
}

// adjustTotalSize corrects total_file_size when a file turned out larger or
// smaller than listed.
func (w *Worker) adjustTotalSize(delta int64) error {
	h := w.d.Host
	if err := h.Lock(status_area.LockTFC, w.d.Timeout); err != nil {
		return err
	}
	total := h.TotalFileSize() + delta
	if total < 0 {
		total = 0
	}
	h.SetTotalFileSize(total)
	h.Unlock(status_area.LockTFC)
	return nil
}

// resetErrors clears the error state of the host after a successful
// transfer, lifts an automatic queue stop and wakes the dispatcher.
func (w *Worker) resetErrors() error {
	h := w.d.Host
	if h.ErrorCounter() == 0 && !h.HasStatus(status_area.AutoPauseQueue|status_area.ErrorQueueSet) {
		return nil
	}
	release, err := h.LockRegions(w.d.Timeout, status_area.LockEC, status_area.LockHS)
	if err != nil {
		return err
	}
	h.SetErrorCounter(0)
	status := h.HostStatus()
	wasPaused := status&status_area.AutoPauseQueue != 0
	status &^= status_area.AutoPauseQueue | status_area.ErrorQueueSet | status_area.HostErrorAcknowledged
	if end := h.EndEvent(); end.IsZero() || time.Now().After(end) {
		status &^= status_area.HostErrorOfflineT
	}
	status |= status_area.HostActionSuccess
	h.SetHostStatus(status)
	release()

	if wasPaused {
		if err := fifo.Send(w.d.WorkDir.Fifo(config.FdWakeUpFifo), []byte{0}); err != nil &&
			!errors.Is(err, fifo.ErrNoReader) && !errors.Is(err, os.ErrNotExist) {
			w.log.Warnf("Failed to wake up the dispatcher: %v", err)
		}
		w.events.WithField(logging.FieldAlias, w.d.HostAlias).Info(logging.EventStartQueue)
	}
	w.log.Debug("Error counter reset")
	return nil
}
