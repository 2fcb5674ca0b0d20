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

// Package leaderelection implements LeaderElector (spec §4.F): a
// lease-based single-writer gate built directly against the APIClient
// capability's GetLease/CreateOrUpdateLease operations (spec §6). This
// module deliberately does not depend on k8s.io/client-go/tools/leaderelection
// — see DESIGN.md for why that dependency is not wired — but follows the
// same Follower/Leader/Stopped state machine and renew-at-half-deadline
// cadence that package popularized.
package leaderelection

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	apierrs "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	internalmetrics "github.com/nforgeio/operator-sdk-sub002/internal/metrics"
	apierr "github.com/nforgeio/operator-sdk-sub002/pkg/apierrors"
	"github.com/nforgeio/operator-sdk-sub002/pkg/client"
	"github.com/nforgeio/operator-sdk-sub002/pkg/log"
)

// State is one of the three LeaderElector states (spec §4.F).
type State int

const (
	Follower State = iota
	Leader
	Stopped
)

func (s State) String() string {
	switch s {
	case Follower:
		return "Follower"
	case Leader:
		return "Leader"
	case Stopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Callbacks are invoked on election transitions (spec §4.F).
type Callbacks struct {
	OnStartedLeading func(ctx context.Context)
	OnStoppedLeading func()
}

// Options configures an Elector (spec §6 configuration surface).
type Options struct {
	LeaseName      string
	LeaseNamespace string
	// Identity defaults to a random UUID if unset, matching the pattern
	// karpenter/machine-api-operator use google/uuid for resource identity.
	Identity       string
	LeaseDuration  time.Duration
	RenewDeadline  time.Duration
	RetryPeriod    time.Duration
}

// Elector runs the acquire/renew/release state machine for a single Lease.
type Elector struct {
	opts      Options
	apiClient client.Interface
	callbacks Callbacks

	state State
}

func New(opts Options, apiClient client.Interface, callbacks Callbacks) *Elector {
	if opts.Identity == "" {
		opts.Identity = uuid.NewString()
	}
	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = 15 * time.Second
	}
	if opts.RenewDeadline <= 0 {
		opts.RenewDeadline = 10 * time.Second
	}
	if opts.RetryPeriod <= 0 {
		opts.RetryPeriod = 2 * time.Second
	}
	return &Elector{opts: opts, apiClient: apiClient, callbacks: callbacks, state: Follower}
}

// State reports the elector's current state, for the ControllerManager's
// readiness probe (spec §4.H: "readiness fails during leader transitions").
func (e *Elector) State() State { return e.state }

// Run drives the state machine until ctx is canceled. It returns nil on
// clean cancellation.
func (e *Elector) Run(ctx context.Context) error {
	logger := log.FromContext(ctx).WithValues("lease", e.opts.LeaseNamespace+"/"+e.opts.LeaseName, "identity", e.opts.Identity)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if e.acquireOrRenew(ctx, logger) {
			e.transitionTo(Leader, logger)
			if !e.leadLoop(ctx, logger) {
				return nil
			}
			e.transitionTo(Stopped, logger)
			if e.callbacks.OnStoppedLeading != nil {
				e.callbacks.OnStoppedLeading()
			}
			e.transitionTo(Follower, logger)
			continue
		}
		if !sleep(ctx, e.opts.RetryPeriod) {
			return nil
		}
	}
}

// leadLoop renews the lease every RenewDeadline/2 until renewal fails to
// succeed within RenewDeadline, or ctx is canceled. Returns false if ctx was
// canceled (caller should stop entirely), true if leadership was lost and
// the caller should fall back to Follower.
func (e *Elector) leadLoop(ctx context.Context, logger logr.Logger) bool {
	leadingCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if e.callbacks.OnStartedLeading != nil {
		go e.callbacks.OnStartedLeading(leadingCtx)
	}

	deadline := time.Now().Add(e.opts.RenewDeadline)
	ticker := time.NewTicker(e.opts.RenewDeadline / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			renewCtx, renewCancel := context.WithTimeout(ctx, e.opts.RenewDeadline)
			ok := e.acquireOrRenew(renewCtx, logger)
			renewCancel()
			if ok {
				deadline = time.Now().Add(e.opts.RenewDeadline)
				continue
			}
			if time.Now().After(deadline) {
				logger.Info("failed to renew lease within deadline, stepping down")
				return true
			}
		}
	}
}

// acquireOrRenew attempts to become, or remain, the holder. It returns true
// iff this identity now holds the lease with time remaining.
func (e *Elector) acquireOrRenew(ctx context.Context, logger logr.Logger) bool {
	now := metav1.NowMicro()
	existing, err := e.apiClient.GetLease(ctx, e.opts.LeaseNamespace, e.opts.LeaseName)
	if err != nil && !apierrs.IsNotFound(err) {
		logger.Error(apierr.Wrap(err, "get lease"), "leader election: could not read lease")
		return false
	}

	held := err == nil && existing.HolderIdentity != "" && existing.HolderIdentity != e.opts.Identity
	if held {
		expiry := existing.RenewTime.Time.Add(time.Duration(existing.LeaseDurationSeconds) * time.Second)
		if now.Time.Before(expiry) {
			return false
		}
	}

	desired := client.Lease{
		Name:                 e.opts.LeaseName,
		Namespace:            e.opts.LeaseNamespace,
		HolderIdentity:       e.opts.Identity,
		LeaseDurationSeconds: int32(e.opts.LeaseDuration.Seconds()),
		RenewTime:            now,
		ResourceVersion:      existing.ResourceVersion,
	}
	if existing.HolderIdentity != e.opts.Identity || existing.AcquireTime.IsZero() {
		desired.AcquireTime = now
	} else {
		desired.AcquireTime = existing.AcquireTime
	}

	if _, err := e.apiClient.CreateOrUpdateLease(ctx, desired); err != nil {
		logger.Error(apierr.Wrap(err, "update lease"), "leader election: could not acquire/renew lease")
		return false
	}
	return true
}

func (e *Elector) transitionTo(s State, logger logr.Logger) {
	e.state = s
	value := 0.0
	if s == Leader {
		value = 1.0
	}
	internalmetrics.LeaderState.WithLabelValues(e.opts.LeaseNamespace + "/" + e.opts.LeaseName).Set(value)
	logger.Info("leader election transition", "state", s.String())
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
