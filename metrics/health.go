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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HealthStatusEnum orders states from worst to best, so the overall state
// of the supervisor is the minimum over its components.
type HealthStatusEnum int

const (
	StatusCritical HealthStatusEnum = iota + 1
	StatusWarning
	StatusOK
	StatusUnknown
)

const statusIndexErrorMessage = "Error: status string index out of range"

var statusNames = [...]string{"critical", "warning", "ok", "unknown"}

func (s HealthStatusEnum) String() string {
	if s < StatusCritical || int(s) > len(statusNames) {
		return statusIndexErrorMessage
	}
	return statusNames[s-1]
}

// HealthStatusComponent names a part of the supervisor.  Host aliases are
// used as component names as well.
type HealthStatusComponent string

const (
	Supervisor_Dispatch  HealthStatusComponent = "dispatch"
	Supervisor_LogSinks  HealthStatusComponent = "log-sinks"
	Supervisor_Config    HealthStatusComponent = "config"
	Supervisor_StatStore HealthStatusComponent = "stats"
)

func (c HealthStatusComponent) String() string { return string(c) }

type (
	// ComponentStatus is one entry of the health endpoint.  Since is when
	// the component last changed state; LastUpdate is the last report.
	ComponentStatus struct {
		Status     string `json:"status"`
		Message    string `json:"message,omitempty"`
		Since      int64  `json:"since"`
		LastUpdate int64  `json:"last_update"`
	}

	HealthStatus struct {
		OverallStatus   string                     `json:"status"`
		ComponentStatus map[string]ComponentStatus `json:"components"`
	}

	componentHealth struct {
		state   HealthStatusEnum
		message string
		since   time.Time
		updated time.Time
	}
)

var (
	healthMu   sync.Mutex
	components = map[string]componentHealth{}

	AfdHealthStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "afd_component_health_status",
		Help: "Health of each supervisor component and host (1 critical, 2 warning, 3 ok, 4 unknown)",
	}, []string{"component"})

	AfdHealthLastUpdate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "afd_component_health_status_last_update",
		Help: "Unix time of the last health report of a component",
	}, []string{"component"})
)

// SetComponentHealthStatus records the state of a component.  Repeating
// the current state only refreshes the report time.
func SetComponentHealthStatus(name HealthStatusComponent, state HealthStatusEnum, msg string) {
	now := time.Now()
	healthMu.Lock()
	prev, ok := components[name.String()]
	since := now
	if ok && prev.state == state {
		since = prev.since
	}
	components[name.String()] = componentHealth{state: state, message: msg, since: since, updated: now}
	healthMu.Unlock()

	labels := prometheus.Labels{"component": name.String()}
	AfdHealthStatus.With(labels).Set(float64(state))
	AfdHealthLastUpdate.With(labels).Set(float64(now.Unix()))
}

// DeleteComponentHealthStatus forgets a component, e.g. a host that left
// HOST_CONFIG.
func DeleteComponentHealthStatus(name HealthStatusComponent) {
	healthMu.Lock()
	delete(components, name.String())
	healthMu.Unlock()

	labels := prometheus.Labels{"component": name.String()}
	AfdHealthStatus.Delete(labels)
	AfdHealthLastUpdate.Delete(labels)
}

func GetHealthStatus() HealthStatus {
	healthMu.Lock()
	defer healthMu.Unlock()

	overall := StatusUnknown
	status := HealthStatus{ComponentStatus: make(map[string]ComponentStatus, len(components))}
	for name, c := range components {
		status.ComponentStatus[name] = ComponentStatus{
			Status:     c.state.String(),
			Message:    c.message,
			Since:      c.since.Unix(),
			LastUpdate: c.updated.Unix(),
		}
		overall = min(overall, c.state)
	}
	status.OverallStatus = overall.String()
	return status
}
