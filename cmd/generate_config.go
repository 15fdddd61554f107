// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package cmd

import (
	"fmt"
	"io"

	lattice "github.com/molecula/lattice"
	toml "github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newGenerateConfigCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "generate-config",
		Short: "Print the default configuration",
		Long:  `Prints the default lattice configuration as TOML to standard output.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := toml.Marshal(*lattice.NewConfig())
			if err != nil {
				return errors.Wrap(err, "marshaling default config")
			}
			fmt.Fprintf(stdout, "%s\n", data)
			return nil
		},
	}
}
