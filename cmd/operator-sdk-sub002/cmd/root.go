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

// Package cmd is the example entrypoint wiring pkg/manager into a runnable
// binary, built the way the teacher's clm/cmd package assembles its own
// cobra command tree.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/nforgeio/operator-sdk-sub002/pkg/config"
)

const (
	shortName = "operator-sdk-sub002"
)

const rootUsage = `A Kubernetes operator runtime

Common actions:
- operator-sdk-sub002 run        Run the controller manager
- operator-sdk-sub002 version    Show build version
`

type rootOptions struct {
	kubeconfig string
	configFile string
	debug      bool
	cfg        config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{cfg: config.Default()}

	cmd := &cobra.Command{
		Use:          shortName,
		Short:        "A Kubernetes operator runtime",
		Long:         rootUsage,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.kubeconfig, "kubeconfig", "", "Path to a kubeconfig file; empty uses in-cluster config")
	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "Path to a YAML config file merged under the flag defaults")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug-level logging")
	opts.cfg.BindFlags(cmd.PersistentFlags())

	cmd.AddCommand(
		newVersionCmd(),
		newRunCmd(opts),
	)

	return cmd
}

func Execute() error {
	return newRootCmd().Execute()
}
