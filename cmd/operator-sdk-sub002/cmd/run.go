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

package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/dynamic"
	corev1client "k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	typedcorev1 "k8s.io/client-go/kubernetes/typed/core/v1"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/record"

	"github.com/nforgeio/operator-sdk-sub002/internal/events"
	apiclient "github.com/nforgeio/operator-sdk-sub002/pkg/client"
	"github.com/nforgeio/operator-sdk-sub002/pkg/log"
	"github.com/nforgeio/operator-sdk-sub002/pkg/manager"
	"github.com/nforgeio/operator-sdk-sub002/pkg/webhook"
)

const runUsage = `Run the controller manager

Loads kubeconfig (or in-cluster config), wires the dynamic APIClient, and
starts the health probe server, optional leader election, and optional
webhook server. Library consumers embed pkg/manager directly and register
their own controllers via Manager.AddController; this command is the minimal
runnable shell for the library's own smoke-testing.`

func newRunCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "run",
		Short:        "Run the controller manager",
		Long:         runUsage,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			return run(c.Context(), opts)
		},
	}
	return cmd
}

func run(parentCtx context.Context, opts *rootOptions) error {
	ctx, stop := signal.NotifyContext(parentCtx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := log.NewZap(opts.debug)
	ctx = log.IntoContext(ctx, logger)

	if opts.configFile != "" {
		if err := opts.cfg.LoadFile(opts.configFile); err != nil {
			return err
		}
	}

	restConfig, err := buildRestConfig(opts.kubeconfig)
	if err != nil {
		return errors.Wrap(err, "failed building Kubernetes REST config")
	}
	if opts.cfg.UserImpersonation != "" {
		restConfig.Impersonate = rest.ImpersonationConfig{UserName: opts.cfg.UserImpersonation}
	}

	dyn, err := dynamic.NewForConfig(restConfig)
	if err != nil {
		return errors.Wrap(err, "failed building dynamic client")
	}
	disco, err := discovery.NewDiscoveryClientForConfig(restConfig)
	if err != nil {
		return errors.Wrap(err, "failed building discovery client")
	}
	clientset, err := corev1client.NewForConfig(restConfig)
	if err != nil {
		return errors.Wrap(err, "failed building typed clientset for event recording")
	}

	broadcaster := record.NewBroadcaster()
	broadcaster.StartRecordingToSink(&typedcorev1.EventSinkImpl{Interface: clientset.CoreV1().Events("")})
	rawRecorder := broadcaster.NewRecorder(scheme.Scheme, corev1.EventSource{Component: shortName})
	recorder := events.NewDeduplicatingRecorder(rawRecorder)

	apiClient := apiclient.NewDynamicClient(dyn, disco, rawRecorder)

	var webhookOpts *webhook.Options
	if opts.cfg.WebhookCertFile != "" {
		webhookOpts = &webhook.Options{
			ListenAddress: opts.cfg.WebhookListenAddress,
			Port:          opts.cfg.WebhookPort,
			CertFile:      opts.cfg.WebhookCertFile,
			KeyFile:       opts.cfg.WebhookKeyFile,
		}
	}

	mgr := manager.New(manager.Options{
		LeaderElectionEnabled:   opts.cfg.LeaderElectionEnabled,
		LeaseName:               "operator-sdk-sub002-leader",
		LeaseNamespace:          opts.cfg.WatchNamespace,
		LeaseDuration:           opts.cfg.LeaseDuration,
		RenewDeadline:           opts.cfg.RenewDeadline,
		RetryPeriod:             opts.cfg.RetryPeriod,
		MetricsEndpoint:         opts.cfg.MetricsEndpoint,
		LivenessEndpoint:        opts.cfg.LivenessEndpoint,
		ReadinessEndpoint:       opts.cfg.ReadinessEndpoint,
		StartupEndpoint:         opts.cfg.StartupEndpoint,
		HealthListenAddr:        opts.cfg.HealthListenAddr,
		GracefulShutdownTimeout: opts.cfg.GracefulShutdownTimeout,
		Webhook:                 webhookOpts,
		Recorder:                recorder,
	}, apiClient, logger)

	logger.Info("starting controller manager")
	return mgr.Start(ctx)
}

func buildRestConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig != "" {
		return clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, nil
	}
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, &clientcmd.ConfigOverrides{}).ClientConfig()
}
