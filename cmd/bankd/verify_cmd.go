package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"pkt.systems/bankd"
	"pkt.systems/bankd/internal/diagnostics/storagecheck"
)

func newVerifyCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check that the configured bank supports every operation bankd needs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeFn, err := a.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer closeFn()
			cfg := svc.Config()
			target := storagecheck.Target{Provider: bankd.StoreKind(cfg.Store)}
			switch target.Provider {
			case "aws":
				if awsCfg, err := bankd.BuildAWSConfig(cfg); err == nil {
					target.Bucket, target.Prefix = awsCfg.Bucket, awsCfg.Prefix
				}
			case "s3":
				if s3Cfg, _, err := bankd.BuildGenericS3Config(cfg); err == nil {
					target.Bucket, target.Prefix = s3Cfg.Bucket, s3Cfg.Prefix
				}
			}
			result := storagecheck.Verify(cmd.Context(), svc.Backend(), target)
			if err := a.render(cmd.OutOrStdout(), result, func(w io.Writer) error {
				fmt.Fprintf(w, "store: %s (%s)\n", cfg.Store, result.Provider)
				for _, c := range result.Checks {
					if c.Err != nil {
						fmt.Fprintf(w, "  FAIL %s: %v\n", c.Name, c.Err)
						continue
					}
					fmt.Fprintf(w, "  ok   %s\n", c.Name)
				}
				if result.RecommendedPolicy != "" {
					fmt.Fprintf(w, "recommended IAM policy:\n%s\n", result.RecommendedPolicy)
				}
				return nil
			}); err != nil {
				return err
			}
			if !result.Passed() {
				return fmt.Errorf("store verification failed")
			}
			return nil
		},
	}
}
