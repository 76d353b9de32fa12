package main

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"

	"pkt.systems/bankd/internal/checkpoint"
	"pkt.systems/bankd/internal/graph"
	"pkt.systems/bankd/internal/protectable/inventory"
	"pkt.systems/bankd/internal/protection/metadata"
	"pkt.systems/bankd/internal/uuidv7"
)

func newProtectCommand(a *app) *cobra.Command {
	var planID, planName, provider string
	var refs []string
	var all bool
	cmd := &cobra.Command{
		Use:   "protect",
		Short: "Take a checkpoint of inventory resources and their dependencies",
		Example: `  bankd protect --inventory inv.yaml --resource server:web-1 --resource server:web-2
  bankd protect --inventory inv.yaml --all --plan-name nightly`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, reg, prot, err := a.registries()
			if err != nil {
				return err
			}
			resources, err := planResources(inv, refs, all, reg.IsRootType)
			if err != nil {
				return err
			}
			if planID == "" {
				planID = uuidv7.NewString()
			}
			svc, closeFn, err := a.open(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer closeFn()
			plan := checkpoint.Plan{ID: planID, Name: planName, Provider: provider, Resources: resources}
			view, err := svc.Flow(reg, prot).Protect(cmd.Context(), plan)
			if err != nil {
				if view.ID != "" {
					return fmt.Errorf("checkpoint %s is %s: %w", view.ID, view.Status, err)
				}
				return err
			}
			return a.render(cmd.OutOrStdout(), view, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%s %s\n", view.ID, view.Status)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&planID, "plan-id", "", "protection plan id (defaults to a fresh UUIDv7)")
	cmd.Flags().StringVar(&planName, "plan-name", "", "protection plan name")
	cmd.Flags().StringVar(&provider, "provider", "", "provider id recorded with the plan")
	cmd.Flags().StringArrayVarP(&refs, "resource", "r", nil, "resource to protect as type:id (repeatable)")
	cmd.Flags().BoolVar(&all, "all", false, "protect every resource of a root type")
	return cmd
}

func planResources(inv *inventory.Inventory, refs []string, all bool, isRoot func(string) bool) ([]graph.Resource, error) {
	if all && len(refs) > 0 {
		return nil, fmt.Errorf("--all and --resource are mutually exclusive")
	}
	if all {
		var out []graph.Resource
		for _, r := range inv.Resources() {
			if isRoot(r.Type) {
				out = append(out, r)
			}
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("the inventory has no root resources")
		}
		return out, nil
	}
	if len(refs) == 0 {
		return nil, fmt.Errorf("at least one --resource (or --all) is required")
	}
	out := make([]graph.Resource, 0, len(refs))
	for _, ref := range refs {
		k, err := inventory.ParseRef(ref)
		if err != nil {
			return nil, err
		}
		r, ok := inv.Resource(k)
		if !ok {
			return nil, fmt.Errorf("resource %s is not in the inventory", k)
		}
		out = append(out, r)
	}
	return out, nil
}

type restoreResult struct {
	checkpoint.View `yaml:",inline"`
	Restored        []metadata.Record `json:"restored" yaml:"restored"`
}

func newRestoreCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <checkpoint-id>",
		Short: "Restore every resource recorded in an available checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var mu sync.Mutex
			var restored []metadata.Record
			collect := func(_ context.Context, rec metadata.Record) error {
				mu.Lock()
				restored = append(restored, rec)
				mu.Unlock()
				return nil
			}
			_, reg, prot, err := a.registries(metadata.WithRestore(collect))
			if err != nil {
				return err
			}
			svc, closeFn, err := a.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer closeFn()
			view, err := svc.Flow(reg, prot).Restore(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			result := restoreResult{View: view, Restored: restored}
			return a.render(cmd.OutOrStdout(), result, func(w io.Writer) error {
				for _, rec := range restored {
					fmt.Fprintf(w, "restored %s protected %s\n", rec.Resource, age(rec.ProtectedAt))
				}
				_, err := fmt.Fprintf(w, "%s restored %d resources\n", view.ID, len(restored))
				return err
			})
		},
	}
}

func newGraphCommand(a *app) *cobra.Command {
	var refs []string
	var all bool
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Print the resource graph a protect run would cover",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, reg, _, err := a.registries()
			if err != nil {
				return err
			}
			if len(refs) == 0 {
				all = true
			}
			resources, err := planResources(inv, refs, all, reg.IsRootType)
			if err != nil {
				return err
			}
			roots, err := reg.BuildGraph(cmd.Context(), resources)
			if err != nil {
				return err
			}
			packed, err := graph.Pack(roots)
			if err != nil {
				return err
			}
			return a.render(cmd.OutOrStdout(), packed, func(w io.Writer) error {
				printForest(w, roots)
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVarP(&refs, "resource", "r", nil, "start resource as type:id (repeatable; defaults to every root resource)")
	cmd.Flags().BoolVar(&all, "all", false, "start from every resource of a root type")
	return cmd
}
