package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"grimm.is/vmlink/internal/brand"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := newPrinter(cmd)
			if err != nil {
				return err
			}
			info := map[string]string{
				"version":    brand.Version,
				"commit":     brand.GitCommit,
				"build_time": brand.BuildTime,
			}
			if done, err := p.structured(info); done {
				return err
			}
			fmt.Fprintln(p.out, brand.VersionString())
			return nil
		},
	}
}
