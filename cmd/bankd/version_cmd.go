package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"pkt.systems/bankd/internal/version"
)

func newVersionCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the bankd version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Get()
			return a.render(cmd.OutOrStdout(), info, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%s %s\n", info.Module, info.Version)
				return err
			})
		},
	}
}
