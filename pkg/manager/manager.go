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

// Package manager implements ControllerManager (spec §4.H): it owns the
// lifecycle of every registered Controller, the optional LeaderElector and
// WebhookServer, and the probe endpoints the platform health-checks against.
package manager

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"

	"github.com/nforgeio/operator-sdk-sub002/internal/events"
	internalmetrics "github.com/nforgeio/operator-sdk-sub002/internal/metrics"
	"github.com/nforgeio/operator-sdk-sub002/pkg/client"
	"github.com/nforgeio/operator-sdk-sub002/pkg/leaderelection"
	"github.com/nforgeio/operator-sdk-sub002/pkg/log"
	"github.com/nforgeio/operator-sdk-sub002/pkg/webhook"
)

// Options configures the Manager (spec §6 configuration surface).
type Options struct {
	LeaderElectionEnabled bool
	LeaseName             string
	LeaseNamespace        string
	LeaseDuration         time.Duration
	RenewDeadline         time.Duration
	RetryPeriod           time.Duration

	MetricsEndpoint   string
	LivenessEndpoint  string
	ReadinessEndpoint string
	StartupEndpoint   string
	HealthListenAddr  string

	GracefulShutdownTimeout time.Duration

	Webhook  *webhook.Options
	Recorder *events.DeduplicatingRecorder
}

// Manager orchestrates A-G (spec §2): ResourceCache/Watcher/EventQueue/
// Reconciler per registered Controller, FinalizerManager inside each
// Controller, LeaderElector gating their activity, and WebhookServer running
// independently alongside them.
type Manager struct {
	opts      Options
	apiClient client.Interface
	logger    logr.Logger

	mutex       sync.Mutex
	controllers []*Controller

	elector       *leaderelection.Elector
	webhookServer *webhook.Server

	leading bool
}

func New(opts Options, apiClient client.Interface, logger logr.Logger) *Manager {
	if opts.GracefulShutdownTimeout <= 0 {
		opts.GracefulShutdownTimeout = 30 * time.Second
	}
	m := &Manager{opts: opts, apiClient: apiClient, logger: logger}
	if opts.Webhook != nil {
		m.webhookServer = webhook.New(*opts.Webhook)
	}
	return m
}

// AddController registers a new watched-kind pipeline. Must be called before
// Start.
func (m *Manager) AddController(opts ControllerOptions) (*Controller, error) {
	c, err := newController(opts, m.apiClient)
	if err != nil {
		return nil, err
	}
	m.mutex.Lock()
	m.controllers = append(m.controllers, c)
	m.mutex.Unlock()
	return c, nil
}

// WebhookServer exposes the underlying server for Register calls.
func (m *Manager) WebhookServer() *webhook.Server {
	return m.webhookServer
}

// Recorder exposes the shared deduplicating event recorder, for callers
// building ControllerOptions.Recorder without rewiring their own.
func (m *Manager) Recorder() *events.DeduplicatingRecorder {
	return m.opts.Recorder
}

// Start launches the probe server first, then leader election (or, with it
// disabled, the controllers directly) and the webhook server, and blocks until
// ctx is canceled. The webhook server does not wait for leadership or for the
// controllers' initial LIST, and each controller starts its watcher and worker
// pool together. On cancellation the controllers, the elector and the webhook
// server all stop at once, not in reverse startup order; Start waits for them
// for at most GracefulShutdownTimeout and then shuts the probe server down.
func (m *Manager) Start(ctx context.Context) error {
	ctx = log.IntoContext(ctx, m.logger)

	var wg sync.WaitGroup
	healthSrv := m.startHealthServer()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = healthSrv.Shutdown(shutdownCtx)
	}()

	controllersCtx, cancelControllers := context.WithCancel(ctx)
	defer cancelControllers()

	startControllers := func(leadCtx context.Context) {
		for _, c := range lo.Slice(m.controllers, 0, len(m.controllers)) {
			wg.Add(1)
			go func(c *Controller) {
				defer wg.Done()
				if err := c.run(leadCtx); err != nil && leadCtx.Err() == nil {
					m.logger.Error(err, "controller exited unexpectedly")
				}
			}(c)
		}
	}

	if m.opts.LeaderElectionEnabled {
		m.elector = leaderelection.New(leaderelection.Options{
			LeaseName:      m.opts.LeaseName,
			LeaseNamespace: m.opts.LeaseNamespace,
			LeaseDuration:  m.opts.LeaseDuration,
			RenewDeadline:  m.opts.RenewDeadline,
			RetryPeriod:    m.opts.RetryPeriod,
		}, m.apiClient, leaderelection.Callbacks{
			OnStartedLeading: func(leadCtx context.Context) {
				m.mutex.Lock()
				m.leading = true
				m.mutex.Unlock()
				startControllers(leadCtx)
			},
			OnStoppedLeading: func() {
				m.mutex.Lock()
				m.leading = false
				m.mutex.Unlock()
				cancelControllers()
			},
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.elector.Run(controllersCtx); err != nil {
				m.logger.Error(err, "leader elector exited unexpectedly")
			}
		}()
	} else {
		m.leading = true
		startControllers(controllersCtx)
	}

	if m.webhookServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.webhookServer.Start(ctx); err != nil {
				m.logger.Error(err, "webhook server exited unexpectedly")
			}
		}()
	}

	<-ctx.Done()
	cancelControllers()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(m.opts.GracefulShutdownTimeout):
		m.logger.Info("graceful shutdown timeout exceeded, returning anyway")
	}
	return nil
}

// IsLeading reports whether leader election is disabled (always active) or
// this replica currently holds the lease.
func (m *Manager) IsLeading() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.leading
}

func (m *Manager) startHealthServer() *http.Server {
	mux := http.NewServeMux()
	m.registerHealthHandlers(mux)
	addr := m.opts.HealthListenAddr
	if addr == "" {
		addr = ":8081"
	}
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

// registerHealthHandlers wires the probe and metrics endpoints onto mux,
// split out from startHealthServer so it can be exercised against an
// httptest.Server without binding a real listener.
func (m *Manager) registerHealthHandlers(mux *http.ServeMux) {
	if m.opts.StartupEndpoint != "" {
		mux.HandleFunc(m.opts.StartupEndpoint, m.handleStartup)
	}
	if m.opts.LivenessEndpoint != "" {
		mux.HandleFunc(m.opts.LivenessEndpoint, m.handleLiveness)
	}
	if m.opts.ReadinessEndpoint != "" {
		mux.HandleFunc(m.opts.ReadinessEndpoint, m.handleReadiness)
	}
	if m.opts.MetricsEndpoint != "" {
		mux.Handle(m.opts.MetricsEndpoint, promhttp.HandlerFor(internalmetrics.Registry, promhttp.HandlerOpts{}))
	}
}

// handleStartup is ready once every controller's initial LIST has completed
// (spec §4.H "Startup" semantics).
func (m *Manager) handleStartup(w http.ResponseWriter, r *http.Request) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for _, c := range m.controllers {
		if !c.Synced() {
			http.Error(w, "not all controllers synced", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

// handleLiveness fails if any Watcher has been disconnected longer than
// 2 x watchRetryDelay (spec §4.H).
func (m *Manager) handleLiveness(w http.ResponseWriter, r *http.Request) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for _, c := range m.controllers {
		threshold := 2 * c.opts.WatchRetryDelay
		if threshold <= 0 {
			threshold = 60 * time.Second
		}
		if c.DisconnectedFor() > threshold {
			http.Error(w, "watcher disconnected too long", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

// handleReadiness fails during leader transitions or while leadership is not
// held (spec §4.H: "fails during leader transitions or while queues are
// paused" — with leader election enabled, queues are paused exactly when this
// replica is not leading).
func (m *Manager) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if m.opts.LeaderElectionEnabled && !m.IsLeading() {
		http.Error(w, "not leading", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}
