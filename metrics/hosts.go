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

package metrics

import (
	"sync"
	"time"

	"github.com/VividCortex/ewma"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/pelicanplatform/afd/status_area"
)

var (
	HostActiveTransfers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "afd_host_active_transfers",
		Help: "Job slots of a host that are not disconnected",
	}, []string{"host"})

	HostErrorCounter = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "afd_host_error_counter",
		Help: "Consecutive errors of a host",
	}, []string{"host"})

	HostQueuedFiles = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "afd_host_queued_files",
		Help: "Files queued for a host (total_file_counter)",
	}, []string{"host"})

	HostQueuedBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "afd_host_queued_bytes",
		Help: "Bytes queued for a host (total_file_size)",
	}, []string{"host"})

	HostFilesDone = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "afd_host_files_done",
		Help: "Files transferred since the status area was built",
	}, []string{"host"})

	HostBytesSent = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "afd_host_bytes_sent",
		Help: "Bytes transferred since the status area was built",
	}, []string{"host"})

	HostConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "afd_host_connections",
		Help: "Sessions opened to a host",
	}, []string{"host"})

	HostThroughput = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "afd_host_throughput_bytes_per_second",
		Help: "Moving average of the transfer rate of a host",
	}, []string{"host"})

	WorkerExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "afd_worker_exits_total",
		Help: "Worker exits by host and exit class",
	}, []string{"host", "class"})

	WorkerRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "afd_worker_restarts_total",
		Help: "Worker restarts by host",
	}, []string{"host"})
)

// HostSnapshot is the JSON view of one host record.
type HostSnapshot struct {
	Alias            string   `json:"alias"`
	Hostname         string   `json:"hostname"`
	Protocol         string   `json:"protocol"`
	AllowedTransfers int      `json:"allowed_transfers"`
	ActiveTransfers  int      `json:"active_transfers"`
	ErrorCounter     int      `json:"error_counter"`
	TotalFiles       int64    `json:"total_file_counter"`
	TotalSize        int64    `json:"total_file_size"`
	FilesDone        uint64   `json:"file_counter_done"`
	BytesSent        uint64   `json:"bytes_send"`
	Connections      uint64   `json:"connections"`
	Throughput       float64  `json:"throughput"`
	Slots            []string `json:"slots"`
	LastConnection   int64    `json:"last_connection,omitempty"`
}

// HostObserver turns successive reads of the host status area into
// prometheus values and a smoothed throughput per host.
type HostObserver struct {
	mu    sync.Mutex
	rates map[string]*hostRate
	last  []HostSnapshot
}

type hostRate struct {
	avg   ewma.MovingAverage
	bytes uint64
	at    time.Time
}

func NewHostObserver() *HostObserver {
	return &HostObserver{rates: make(map[string]*hostRate)}
}

// Observe samples every host of hsa.  Hosts that disappeared since the
// last call lose their series.
func (o *HostObserver) Observe(hsa *status_area.Area, now time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()

	seen := make(map[string]bool)
	snaps := make([]HostSnapshot, 0, hsa.Count())
	for _, h := range hsa.Hosts() {
		alias := h.Alias()
		seen[alias] = true
		r, ok := o.rates[alias]
		if !ok {
			r = &hostRate{avg: ewma.NewMovingAverage(), bytes: h.BytesSend(), at: now}
			o.rates[alias] = r
		}
		if dt := now.Sub(r.at).Seconds(); dt > 0 {
			sent := h.BytesSend()
			delta := float64(0)
			if sent >= r.bytes {
				delta = float64(sent-r.bytes) / dt
			}
			r.avg.Add(delta)
			r.bytes, r.at = sent, now
		}

		snap := HostSnapshot{
			Alias:            alias,
			Hostname:         h.CurrentHostname(),
			Protocol:         h.Protocol().String(),
			AllowedTransfers: h.AllowedTransfers(),
			ActiveTransfers:  h.ActiveTransfers(),
			ErrorCounter:     h.ErrorCounter(),
			TotalFiles:       h.TotalFileCounter(),
			TotalSize:        h.TotalFileSize(),
			FilesDone:        h.FileCounterDone(),
			BytesSent:        h.BytesSend(),
			Connections:      h.Connections(),
			Throughput:       r.avg.Value(),
		}
		if t := h.LastConnection(); !t.IsZero() {
			snap.LastConnection = t.Unix()
		}
		for _, js := range h.Jobs() {
			snap.Slots = append(snap.Slots, js.ConnectStatus().String())
		}
		snaps = append(snaps, snap)

		labels := prometheus.Labels{"host": alias}
		HostActiveTransfers.With(labels).Set(float64(snap.ActiveTransfers))
		HostErrorCounter.With(labels).Set(float64(snap.ErrorCounter))
		HostQueuedFiles.With(labels).Set(float64(snap.TotalFiles))
		HostQueuedBytes.With(labels).Set(float64(snap.TotalSize))
		HostFilesDone.With(labels).Set(float64(snap.FilesDone))
		HostBytesSent.With(labels).Set(float64(snap.BytesSent))
		HostConnections.With(labels).Set(float64(snap.Connections))
		HostThroughput.With(labels).Set(snap.Throughput)
	}
	for alias := range o.rates {
		if seen[alias] {
			continue
		}
		delete(o.rates, alias)
		labels := prometheus.Labels{"host": alias}
		for _, g := range []*prometheus.GaugeVec{HostActiveTransfers, HostErrorCounter, HostQueuedFiles,
			HostQueuedBytes, HostFilesDone, HostBytesSent, HostConnections, HostThroughput} {
			g.Delete(labels)
		}
	}
	o.last = snaps
}

// Hosts returns the result of the last Observe.
func (o *HostObserver) Hosts() []HostSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]HostSnapshot(nil), o.last...)
}
