/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics owns the shared Prometheus registry and the metric vectors
// the pipeline components report to. QueueDepth and QueueRetries are
// registered, but no package in this module sets them. Kept library-local (not registered
// against a global default registry) so two independent managers in the same
// process do not collide.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const prefix = "operator_sdk"

// Registry is this module's private Prometheus registry. The ControllerManager
// exposes it on the configured metricsEndpoint.
var Registry = prometheus.NewRegistry()

var (
	ReconcilesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_reconcile_total",
			Help: "Total number of reconcile invocations per controller and outcome",
		},
		[]string{"controller", "outcome"},
	)
	ReconcileDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    prefix + "_reconcile_duration_seconds",
			Help:    "Duration of reconcile invocations per controller",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"controller"},
	)
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: prefix + "_queue_depth",
			Help: "Number of eligible-but-undequeued items per controller",
		},
		[]string{"controller"},
	)
	QueueRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_queue_retries_total",
			Help: "Total number of rate-limited requeues per controller",
		},
		[]string{"controller"},
	)
	WatchRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_watch_restarts_total",
			Help: "Total number of watch loop restarts per controller and reason",
		},
		[]string{"controller", "reason"},
	)
	WebhookRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_webhook_requests_total",
			Help: "Total number of admission requests per webhook and outcome",
		},
		[]string{"webhook", "outcome"},
	)
	LeaderState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: prefix + "_leader_state",
			Help: "Whether this replica currently holds leadership (1) or not (0), per lease",
		},
		[]string{"lease"},
	)
)

func init() {
	Registry.MustRegister(
		ReconcilesTotal,
		ReconcileDurationSeconds,
		QueueDepth,
		QueueRetries,
		WatchRestarts,
		WebhookRequestsTotal,
		LeaderState,
	)
}
