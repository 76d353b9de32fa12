package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"

	"pkt.systems/bankd"
	"pkt.systems/bankd/internal/logutil"
	"pkt.systems/bankd/internal/protectable"
	"pkt.systems/bankd/internal/protectable/inventory"
	"pkt.systems/bankd/internal/protection"
	"pkt.systems/bankd/internal/protection/metadata"
)

const envPrefix = "BANKD"

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("BANKD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "bankd")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "bankd: %s\n", err)
		}
		return 1
	}
	return 0
}

// app carries state shared by every subcommand of one root command.
type app struct {
	v      *viper.Viper
	logger pslog.Logger
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	a := &app{v: viper.New(), logger: logutil.Ensure(baseLogger)}
	cmd := &cobra.Command{
		Use:           "bankd",
		Short:         "Protection checkpoint bank",
		Long:          "bankd takes, lists, restores and deletes protection checkpoints kept in an object store.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if _, err := a.loadConfigFile(); err != nil {
				return err
			}
			if level, ok := pslog.ParseLevel(strings.TrimSpace(a.v.GetString("log-level"))); ok {
				a.logger = a.logger.LogLevel(level)
			}
			return nil
		},
	}
	defaults := bankd.DefaultConfig()
	flags := cmd.PersistentFlags()
	flags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.bankd/"+bankd.DefaultConfigFileName+")")
	flags.String("log-level", "", "log level (trace, debug, info, warn, error); overrides BANKD_LOG_LEVEL")
	flags.StringP("output", "o", "text", "output format (text, json, yaml)")
	flags.String("store", defaults.Store, "bank URL (mem://, disk:///path, s3://host[:port]/bucket, aws://bucket, azure://account/container, badger:///path)")
	flags.String("owner-id", "", "lease owner id (defaults to a fresh xid)")
	flags.String("inventory", "", "YAML inventory of protectable resources")
	flags.String("lease-prefix", defaults.LeasePrefix, "bank prefix holding lease markers")
	flags.Duration("lease-expire-window", defaults.LeaseExpireWindow, "lifetime of a written lease marker")
	flags.Duration("lease-renew-window", defaults.LeaseRenewWindow, "lease renewal interval")
	flags.Duration("lease-validity-window", defaults.LeaseValidityWindow, "remaining lifetime below which the lease is invalid")
	flags.Int("storage-retry-attempts", defaults.StorageRetryMaxAttempts, "attempts per storage call on transient errors")
	flags.Duration("storage-retry-base-delay", defaults.StorageRetryBaseDelay, "first storage retry delay")
	flags.Duration("storage-retry-max-delay", defaults.StorageRetryMaxDelay, "storage retry delay cap")
	flags.Float64("storage-retry-multiplier", defaults.StorageRetryMultiplier, "storage retry backoff multiplier")
	flags.String("storage-encryption-key", "", "kryptograf PEM bundle; enables encryption at rest (created when missing)")
	flags.Bool("storage-encryption-snappy", false, "snappy-compress objects before encryption")
	flags.String("s3-access-key-id", "", "S3 access key id (s3:// stores)")
	flags.String("s3-secret-access-key", "", "S3 secret access key (s3:// stores)")
	flags.String("s3-session-token", "", "S3 session token (s3:// stores)")
	flags.String("s3-region", "", "S3 region (s3:// stores)")
	flags.String("aws-region", "", "AWS region (aws:// stores)")
	flags.String("azure-account", "", "Azure storage account (overrides the URL host)")
	flags.String("azure-key", "", "Azure shared key")
	flags.String("azure-endpoint", "", "Azure blob endpoint (defaults to "+fmt.Sprintf(bankd.DefaultAzureEndpointPattern, "<account>")+")")
	flags.String("azure-sas-token", "", "Azure SAS token")
	flags.Duration("disk-janitor-interval", defaults.DiskJanitorInterval, "disk store expired-object sweep interval")
	flags.Bool("badger-sync-writes", false, "fsync every badger write")
	flags.Duration("badger-gc-interval", defaults.BadgerGCInterval, "badger value log GC interval")
	flags.Bool("ensure-bucket", false, "create the s3 bucket or azure container when missing")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.String("metrics-listen", "", "Prometheus metrics listen address (serve only; empty disables)")
	flags.String("pprof-listen", "", "pprof listen address (serve only; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "export Go runtime metrics on the metrics endpoint")
	flags.Duration("shutdown-timeout", defaults.ShutdownTimeout, "bound on releasing the lease and closing the store")

	a.v.SetEnvPrefix(envPrefix)
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()
	flags.VisitAll(func(f *pflag.Flag) {
		if err := a.v.BindPFlag(f.Name, f); err != nil {
			panic(err)
		}
	})

	cmd.AddCommand(
		newCheckpointsCommand(a),
		newProtectCommand(a),
		newRestoreCommand(a),
		newGraphCommand(a),
		newLeaseCommand(a),
		newServeCommand(a),
		newVerifyCommand(a),
		newConfigCommand(a),
		newVersionCommand(a),
	)
	return cmd
}

// bankConfig maps flags, env and config file onto bankd.Config.
func (a *app) bankConfig() (bankd.Config, error) {
	v := a.v
	cfg := bankd.Config{
		Store:                    v.GetString("store"),
		OwnerID:                  v.GetString("owner-id"),
		InventoryPath:            v.GetString("inventory"),
		LeasePrefix:              v.GetString("lease-prefix"),
		LeaseExpireWindow:        v.GetDuration("lease-expire-window"),
		LeaseRenewWindow:         v.GetDuration("lease-renew-window"),
		LeaseValidityWindow:      v.GetDuration("lease-validity-window"),
		StorageRetryMaxAttempts:  v.GetInt("storage-retry-attempts"),
		StorageRetryBaseDelay:    v.GetDuration("storage-retry-base-delay"),
		StorageRetryMaxDelay:     v.GetDuration("storage-retry-max-delay"),
		StorageRetryMultiplier:   v.GetFloat64("storage-retry-multiplier"),
		StorageEncryptionKeyFile: v.GetString("storage-encryption-key"),
		StorageEncryptionSnappy:  v.GetBool("storage-encryption-snappy"),
		S3AccessKeyID:            v.GetString("s3-access-key-id"),
		S3SecretAccessKey:        v.GetString("s3-secret-access-key"),
		S3SessionToken:           v.GetString("s3-session-token"),
		S3Region:                 v.GetString("s3-region"),
		AWSRegion:                v.GetString("aws-region"),
		AzureAccount:             v.GetString("azure-account"),
		AzureAccountKey:          v.GetString("azure-key"),
		AzureEndpoint:            v.GetString("azure-endpoint"),
		AzureSASToken:            v.GetString("azure-sas-token"),
		DiskJanitorInterval:      v.GetDuration("disk-janitor-interval"),
		BadgerSyncWrites:         v.GetBool("badger-sync-writes"),
		BadgerGCInterval:         v.GetDuration("badger-gc-interval"),
		EnsureBucket:             v.GetBool("ensure-bucket"),
		OTLPEndpoint:             v.GetString("otlp-endpoint"),
		MetricsListen:            v.GetString("metrics-listen"),
		PprofListen:              v.GetString("pprof-listen"),
		EnableProfilingMetrics:   v.GetBool("enable-profiling-metrics"),
		ShutdownTimeout:          v.GetDuration("shutdown-timeout"),
	}
	if path := cfg.StorageEncryptionKeyFile; path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return cfg, fmt.Errorf("expand encryption key path: %w", err)
		}
		cfg.StorageEncryptionKeyFile = expanded
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// open opens the bank. Commands that never commit skip the lease so they
// can run next to the process holding it.
func (a *app) open(ctx context.Context, withLease bool) (*bankd.Service, func(), error) {
	svc, _, closeFn, err := a.openService(ctx, withLease, false)
	return svc, closeFn, err
}

// openService opens telemetry and the bank. Only long-running commands bind
// the metrics and pprof listeners; every command exports traces when an
// OTLP endpoint is configured.
func (a *app) openService(ctx context.Context, withLease, serving bool) (*bankd.Service, *bankd.Telemetry, func(), error) {
	cfg, err := a.bankConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	cfg.DisableLease = !withLease
	telCfg := cfg
	if !serving {
		telCfg.MetricsListen = ""
		telCfg.PprofListen = ""
		telCfg.EnableProfilingMetrics = false
	}
	tel, err := bankd.SetupTelemetry(ctx, telCfg, a.logger)
	if err != nil {
		return nil, nil, nil, err
	}
	svc, err := bankd.Open(ctx, cfg, bankd.WithLogger(a.logger))
	if err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
		return nil, nil, nil, err
	}
	closeFn := func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
		defer cancel()
		if err := svc.Close(closeCtx); err != nil {
			a.logger.Warn("cli.close.error", "error", err)
		}
		if err := tel.Shutdown(closeCtx); err != nil {
			a.logger.Warn("cli.telemetry.shutdown_error", "error", err)
		}
	}
	return svc, tel, closeFn, nil
}

// registries loads the inventory and pairs every inventory type with the
// metadata protection plugin.
func (a *app) registries(opts ...metadata.Option) (*inventory.Inventory, *protectable.Registry, *protection.Registry, error) {
	path := strings.TrimSpace(a.v.GetString("inventory"))
	if path == "" {
		return nil, nil, nil, fmt.Errorf("an inventory is required (--inventory or BANKD_INVENTORY)")
	}
	expanded, err := expandPath(path)
	if err != nil {
		return nil, nil, nil, err
	}
	inv, err := inventory.Load(expanded)
	if err != nil {
		return nil, nil, nil, err
	}
	reg, err := inv.Registry()
	if err != nil {
		return nil, nil, nil, err
	}
	opts = append([]metadata.Option{metadata.WithLogger(a.logger)}, opts...)
	prot := protection.NewRegistry(metadata.New(reg.Types(), opts...))
	return inv, reg, prot, nil
}

// render writes v as JSON or YAML, or calls text for the text format.
func (a *app) render(w io.Writer, v any, text func(io.Writer) error) error {
	switch format := strings.ToLower(a.v.GetString("output")); format {
	case "", "text":
		return text(w)
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q (text, json, yaml)", format)
	}
}

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".bankd"), nil
}

func (a *app) loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(a.v.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if dir, err := defaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, bankd.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	a.v.SetConfigFile(expanded)
	if err := a.v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func humanizeBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
