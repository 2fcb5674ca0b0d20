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
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	kyaml "sigs.k8s.io/yaml"

	"github.com/nforgeio/operator-sdk-sub002/internal/version"
)

const versionUsage = `Show operator-sdk-sub002 build version`

type versionOptions struct {
	outputFormat string
}

func newVersionCmd() *cobra.Command {
	opts := &versionOptions{}

	cmd := &cobra.Command{
		Use:          "version",
		Short:        "Show version",
		Long:         versionUsage,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		PreRunE: func(c *cobra.Command, args []string) error {
			switch opts.outputFormat {
			case "short", "yaml", "json":
				return nil
			default:
				return fmt.Errorf("invalid value for flag --%s: %s", "output", opts.outputFormat)
			}
		},
		RunE: func(c *cobra.Command, args []string) error {
			buildInfo := version.GetBuildInfo()
			switch opts.outputFormat {
			case "short":
				fmt.Printf("%s\n", buildInfo.Version)
			case "yaml":
				raw, err := kyaml.Marshal(buildInfo)
				if err != nil {
					return err
				}
				fmt.Printf("%s", string(raw))
			case "json":
				raw, err := json.MarshalIndent(buildInfo, "", "  ")
				if err != nil {
					return err
				}
				fmt.Printf("%s\n", string(raw))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.outputFormat, "output", "o", "short", "Output format; one of \"short\", \"yaml\" or \"json\"")

	return cmd
}
