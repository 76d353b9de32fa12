package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pkt.systems/bankd/internal/lease"
)

func newLeaseCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lease",
		Short: "Inspect bank leases",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List live lease holders of the bank",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeFn, err := a.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer closeFn()
			holders, err := lease.Holders(cmd.Context(), svc.Backend(), svc.Config().LeaseConfig())
			if err != nil {
				return err
			}
			if holders == nil {
				holders = []lease.HolderInfo{}
			}
			return a.render(cmd.OutOrStdout(), holders, func(w io.Writer) error {
				if len(holders) == 0 {
					_, err := fmt.Fprintln(w, "no live lease holders")
					return err
				}
				now := time.Now()
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "OWNER\tACQUIRED\tRENEWED\tEXPIRES")
				for _, h := range holders {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", h.OwnerID, age(h.AcquiredAt), age(h.RenewedAt),
						humanize.RelTime(h.ExpiresAt, now, "ago", "from now"))
				}
				return tw.Flush()
			})
		},
	})
	return cmd
}
