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

// Package config loads the configuration surface (spec §6) from flags, an
// optional YAML file, and their defaults, the same layering the teacher's
// clm/cmd package applies via pflag.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	kyaml "sigs.k8s.io/yaml"
)

// Config is the full configuration surface from spec.md §6.
type Config struct {
	WatchNamespace string `json:"watchNamespace,omitempty"`
	LabelSelector  string `json:"labelSelector,omitempty"`
	FieldSelector  string `json:"fieldSelector,omitempty"`

	MaxConcurrentReconciles int           `json:"maxConcurrentReconciles,omitempty"`
	ErrorMinRequeueInterval time.Duration `json:"errorMinRequeueInterval,omitempty"`
	ErrorMaxRequeueInterval time.Duration `json:"errorMaxRequeueInterval,omitempty"`
	WatchRetryDelay         time.Duration `json:"watchRetryDelay,omitempty"`

	LeaderElectionEnabled bool          `json:"leaderElectionEnabled,omitempty"`
	LeaseDuration         time.Duration `json:"leaseDuration,omitempty"`
	RenewDeadline         time.Duration `json:"renewDeadline,omitempty"`
	RetryPeriod           time.Duration `json:"retryPeriod,omitempty"`

	UserImpersonation string `json:"userImpersonation,omitempty"`

	MetricsEndpoint   string `json:"metricsEndpoint,omitempty"`
	LivenessEndpoint  string `json:"livenessEndpoint,omitempty"`
	ReadinessEndpoint string `json:"readinessEndpoint,omitempty"`
	StartupEndpoint   string `json:"startupEndpoint,omitempty"`
	HealthListenAddr  string `json:"healthListenAddress,omitempty"`

	WebhookListenAddress string `json:"webhookListenAddress,omitempty"`
	WebhookPort          int    `json:"webhookPort,omitempty"`
	WebhookCertFile      string `json:"webhookCertFile,omitempty"`
	WebhookKeyFile       string `json:"webhookKeyFile,omitempty"`

	GracefulShutdownTimeout time.Duration `json:"gracefulShutdownTimeout,omitempty"`
}

// Default returns the configuration surface's documented defaults (spec §6).
func Default() Config {
	return Config{
		MaxConcurrentReconciles: 1,
		ErrorMinRequeueInterval: 5 * time.Millisecond,
		ErrorMaxRequeueInterval: 1000 * time.Second,
		WatchRetryDelay:         30 * time.Second,
		LeaseDuration:           15 * time.Second,
		RenewDeadline:           10 * time.Second,
		RetryPeriod:             2 * time.Second,
		MetricsEndpoint:         "/metrics",
		LivenessEndpoint:        "/healthz",
		ReadinessEndpoint:       "/readyz",
		StartupEndpoint:         "/startupz",
		HealthListenAddr:        ":8081",
		WebhookPort:             9443,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// BindFlags registers every configuration field on fs, following the
// teacher's pflag-binding convention in clm/cmd (one flag per config field,
// long name matching the JSON tag).
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.WatchNamespace, "watch-namespace", c.WatchNamespace, "Namespace to watch; empty watches all namespaces")
	fs.StringVar(&c.LabelSelector, "label-selector", c.LabelSelector, "Label selector narrowing watched objects")
	fs.StringVar(&c.FieldSelector, "field-selector", c.FieldSelector, "Field selector narrowing watched objects")
	fs.IntVar(&c.MaxConcurrentReconciles, "max-concurrent-reconciles", c.MaxConcurrentReconciles, "Maximum number of concurrent reconciles per controller")
	fs.DurationVar(&c.ErrorMinRequeueInterval, "error-min-requeue-interval", c.ErrorMinRequeueInterval, "Minimum requeue backoff on reconcile error")
	fs.DurationVar(&c.ErrorMaxRequeueInterval, "error-max-requeue-interval", c.ErrorMaxRequeueInterval, "Maximum requeue backoff on reconcile error")
	fs.DurationVar(&c.WatchRetryDelay, "watch-retry-delay", c.WatchRetryDelay, "Delay before retrying a failed watch connection")
	fs.BoolVar(&c.LeaderElectionEnabled, "leader-election-enabled", c.LeaderElectionEnabled, "Enable lease-based leader election")
	fs.DurationVar(&c.LeaseDuration, "leader-election-lease-duration", c.LeaseDuration, "Leader election lease duration")
	fs.DurationVar(&c.RenewDeadline, "leader-election-renew-deadline", c.RenewDeadline, "Leader election renew deadline")
	fs.DurationVar(&c.RetryPeriod, "leader-election-retry-period", c.RetryPeriod, "Leader election retry period")
	fs.StringVar(&c.UserImpersonation, "user-impersonation", c.UserImpersonation, "Username to impersonate for all API calls")
	fs.StringVar(&c.MetricsEndpoint, "metrics-endpoint", c.MetricsEndpoint, "HTTP path serving Prometheus metrics")
	fs.StringVar(&c.LivenessEndpoint, "liveness-endpoint", c.LivenessEndpoint, "HTTP path serving the liveness probe")
	fs.StringVar(&c.ReadinessEndpoint, "readiness-endpoint", c.ReadinessEndpoint, "HTTP path serving the readiness probe")
	fs.StringVar(&c.StartupEndpoint, "startup-endpoint", c.StartupEndpoint, "HTTP path serving the startup probe")
	fs.StringVar(&c.HealthListenAddr, "health-listen-address", c.HealthListenAddr, "Address the probe/metrics server listens on")
	fs.StringVar(&c.WebhookListenAddress, "webhook-listen-address", c.WebhookListenAddress, "Address the admission webhook server listens on")
	fs.IntVar(&c.WebhookPort, "webhook-port", c.WebhookPort, "Port the admission webhook server listens on")
	fs.StringVar(&c.WebhookCertFile, "webhook-cert-file", c.WebhookCertFile, "TLS certificate file for the admission webhook server")
	fs.StringVar(&c.WebhookKeyFile, "webhook-key-file", c.WebhookKeyFile, "TLS key file for the admission webhook server")
	fs.DurationVar(&c.GracefulShutdownTimeout, "graceful-shutdown-timeout", c.GracefulShutdownTimeout, "Grace window for shutdown to complete in-flight work")
}

// LoadFile merges a YAML config file's values on top of c, following the
// teacher's use of sigs.k8s.io/yaml for JSON-tag-compatible config documents.
func (c *Config) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "failed reading config file")
	}
	if err := kyaml.Unmarshal(raw, c); err != nil {
		return errors.Wrap(err, "failed parsing config file")
	}
	return nil
}
