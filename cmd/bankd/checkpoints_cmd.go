package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pkt.systems/bankd"
	"pkt.systems/bankd/internal/checkpoint"
	"pkt.systems/bankd/internal/graph"
	"pkt.systems/bankd/internal/storage"
)

func newCheckpointsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "checkpoints",
		Aliases: []string{"cp"},
		Short:   "Inspect and delete checkpoints",
	}
	cmd.AddCommand(newCheckpointsListCommand(a), newCheckpointsShowCommand(a), newCheckpointsDeleteCommand(a))
	return cmd
}

func newCheckpointsListCommand(a *app) *cobra.Command {
	var limit int
	var marker string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List checkpoints in id order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeFn, err := a.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer closeFn()
			ids, err := svc.Checkpoints().ListIDs(cmd.Context(), limit, marker)
			if err != nil {
				return err
			}
			views := make([]checkpoint.View, 0, len(ids))
			for _, id := range ids {
				cp, err := svc.Checkpoints().Get(cmd.Context(), id)
				if err != nil {
					return err
				}
				views = append(views, cp.View())
			}
			return a.render(cmd.OutOrStdout(), views, func(w io.Writer) error {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tSTATUS\tPLAN\tOWNER\tCREATED")
				for _, v := range views {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", v.ID, v.Status, planLabel(v.ProtectionPlan), v.OwnerID, age(v.CreatedAt))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of checkpoints (0 lists all)")
	cmd.Flags().StringVar(&marker, "marker", "", "list ids after this checkpoint id")
	return cmd
}

// payload is one stored resource object of a checkpoint.
type payload struct {
	Key  string `json:"key" yaml:"key"`
	Size int64  `json:"size" yaml:"size"`
}

type checkpointDetail struct {
	checkpoint.View `yaml:",inline"`
	Payloads        []payload `json:"payloads" yaml:"payloads"`
}

func newCheckpointsShowCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a checkpoint, its resource graph and stored payloads",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeFn, err := a.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer closeFn()
			cp, err := svc.Checkpoints().Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			payloads, err := listPayloads(cmd, svc, cp.ID())
			if err != nil {
				return err
			}
			detail := checkpointDetail{View: cp.View(), Payloads: payloads}
			roots, err := cp.ResourceGraph()
			if err != nil {
				return err
			}
			return a.render(cmd.OutOrStdout(), detail, func(w io.Writer) error {
				v := detail.View
				fmt.Fprintf(w, "id:      %s\n", v.ID)
				fmt.Fprintf(w, "status:  %s\n", v.Status)
				fmt.Fprintf(w, "plan:    %s\n", planLabel(v.ProtectionPlan))
				fmt.Fprintf(w, "owner:   %s\n", v.OwnerID)
				fmt.Fprintf(w, "created: %s (%s)\n", v.CreatedAt.Format(time.RFC3339), age(v.CreatedAt))
				if len(roots) > 0 {
					fmt.Fprintln(w, "resources:")
					printForest(w, roots)
				}
				if len(payloads) > 0 {
					var total int64
					fmt.Fprintln(w, "payloads:")
					for _, p := range payloads {
						total += p.Size
						fmt.Fprintf(w, "  %s (%s)\n", p.Key, humanizeBytes(p.Size))
					}
					fmt.Fprintf(w, "total:   %s\n", humanizeBytes(total))
				}
				return nil
			})
		},
	}
}

func listPayloads(cmd *cobra.Command, svc *bankd.Service, id string) ([]payload, error) {
	prefix := storage.JoinKey(svc.Checkpoints().Section().Prefix(), id, "resources") + "/"
	backend := svc.Backend()
	opts := storage.ListOptions{Prefix: prefix}
	var out []payload
	for {
		res, err := backend.ListObjects(cmd.Context(), opts)
		if err != nil {
			return nil, fmt.Errorf("list payloads of %s: %w", id, err)
		}
		for _, obj := range res.Objects {
			out = append(out, payload{Key: strings.TrimPrefix(obj.Key, prefix), Size: obj.Size})
		}
		if !res.Truncated {
			return out, nil
		}
		opts.StartAfter = res.NextStartAfter
	}
}

func newCheckpointsDeleteCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a checkpoint and every payload it holds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeFn, err := a.open(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer closeFn()
			_, reg, prot, err := a.registries()
			if err != nil {
				return err
			}
			view, err := svc.Flow(reg, prot).Delete(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.render(cmd.OutOrStdout(), view, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%s %s\n", view.ID, view.Status)
				return err
			})
		},
	}
}

func planLabel(p checkpoint.Plan) string {
	if p.Name != "" && p.Name != p.ID {
		return p.ID + " (" + p.Name + ")"
	}
	return p.ID
}

func age(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

// printForest renders roots as an indented tree. Shared dependencies are
// printed under every parent.
func printForest(w io.Writer, roots []*graph.Node) {
	var walk func(n *graph.Node, depth int)
	walk = func(n *graph.Node, depth int) {
		label := n.Value.Key().String()
		if n.Value.Name != "" {
			label += " " + n.Value.Name
		}
		fmt.Fprintf(w, "%s- %s\n", strings.Repeat("  ", depth+1), label)
		for _, c := range n.Children {
			walk(c, depth+1)
		}
	}
	for _, r := range roots {
		walk(r, 0)
	}
}
