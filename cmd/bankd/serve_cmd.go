package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"pkt.systems/bankd/internal/checkpoint"
	"pkt.systems/bankd/internal/logutil"
	"pkt.systems/bankd/internal/protectable"
	"pkt.systems/bankd/internal/protectable/inventory"
	"pkt.systems/bankd/internal/protection"
)

func newServeCommand(a *app) *cobra.Command {
	var every time.Duration
	var planID, planName string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Hold the bank lease, export telemetry and optionally protect the inventory on a schedule",
		Long: `serve acquires the bank lease and keeps renewing it until interrupted. With
--metrics-listen or --pprof-listen it exposes Prometheus metrics and pprof.
With --protect-every it takes a checkpoint of every root inventory resource
on that interval. The inventory file is watched and reloaded on change.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := logutil.WithSubsystem(a.logger, "cli.serve")
			state := &inventoryState{}
			if every > 0 || a.v.GetString("inventory") != "" {
				if err := state.load(a); err != nil {
					return err
				}
			}
			svc, tel, closeFn, err := a.openService(ctx, true, true)
			if err != nil {
				return err
			}
			defer closeFn()
			logger.Info("serve.start",
				"owner_id", svc.Lease().OwnerID(),
				"metrics_addr", tel.Addr("metrics"),
				"pprof_addr", tel.Addr("pprof"),
				"protect_every", every,
			)

			var wg sync.WaitGroup
			if path := svc.Config().InventoryPath; path != "" {
				expanded, err := expandPath(path)
				if err != nil {
					return err
				}
				watchReady := make(chan error, 1)
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := watchFile(ctx, expanded, watchReady, func() {
						if err := state.load(a); err != nil {
							logger.Warn("serve.inventory.reload_error", "path", expanded, "error", err)
							return
						}
						logger.Info("serve.inventory.reloaded", "path", expanded)
					})
					if err != nil {
						logger.Warn("serve.inventory.watch_error", "path", expanded, "error", err)
					}
				}()
				if err := <-watchReady; err != nil {
					logger.Warn("serve.inventory.watch_disabled", "path", expanded, "error", err)
				}
			}
			if every > 0 {
				if planID == "" {
					planID = "scheduled"
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					ticker := time.NewTicker(every)
					defer ticker.Stop()
					for {
						select {
						case <-ctx.Done():
							return
						case <-ticker.C:
						}
						inv, reg, prot := state.snapshot()
						resources, err := planResources(inv, nil, true, reg.IsRootType)
						if err != nil {
							logger.Warn("serve.protect.plan_error", "error", err)
							continue
						}
						plan := checkpoint.Plan{ID: planID, Name: planName, Resources: resources}
						view, err := svc.Flow(reg, prot).Protect(ctx, plan)
						if err != nil {
							logger.Warn("serve.protect.error", "checkpoint_id", view.ID, "error", err)
							continue
						}
						logger.Info("serve.protect.success", "checkpoint_id", view.ID)
					}
				}()
			}
			<-ctx.Done()
			wg.Wait()
			logger.Info("serve.stop")
			return nil
		},
	}
	cmd.Flags().DurationVar(&every, "protect-every", 0, "take a checkpoint of every root inventory resource on this interval (0 disables)")
	cmd.Flags().StringVar(&planID, "plan-id", "", "plan id of scheduled checkpoints (defaults to \"scheduled\")")
	cmd.Flags().StringVar(&planName, "plan-name", "", "plan name of scheduled checkpoints")
	return cmd
}

// inventoryState is the currently loaded inventory, swapped on reload.
type inventoryState struct {
	mu   sync.RWMutex
	inv  *inventory.Inventory
	reg  *protectable.Registry
	prot *protection.Registry
}

func (s *inventoryState) load(a *app) error {
	inv, reg, prot, err := a.registries()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.inv, s.reg, s.prot = inv, reg, prot
	s.mu.Unlock()
	return nil
}

func (s *inventoryState) snapshot() (*inventory.Inventory, *protectable.Registry, *protection.Registry) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inv, s.reg, s.prot
}

// watchFile calls onChange whenever path is written, created or renamed
// into place. The parent directory is watched so editors that replace the
// file are noticed. ready receives the setup result exactly once.
func watchFile(ctx context.Context, path string, ready chan<- error, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		err = fmt.Errorf("create watcher: %w", err)
		ready <- err
		return err
	}
	defer watcher.Close()
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		err = fmt.Errorf("watch %q: %w", dir, err)
		ready <- err
		return err
	}
	ready <- nil
	name := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				onChange()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}
