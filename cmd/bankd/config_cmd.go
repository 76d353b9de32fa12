package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/bankd"
)

func newConfigCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage bankd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand(a))
	return cmd
}

func newConfigGenCommand(a *app) *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.bankd/" + bankd.DefaultConfigFileName
	if dir, err := defaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, bankd.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default bankd configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				dir, err := defaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, bankd.DefaultConfigFileName)
			}

			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}

			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}

			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the persistent flags; keys match flag names so
// viper reads the file without a mapping.
type configDefaults struct {
	Store                   string  `yaml:"store"`
	OwnerID                 string  `yaml:"owner-id"`
	Inventory               string  `yaml:"inventory"`
	LogLevel                string  `yaml:"log-level"`
	Output                  string  `yaml:"output"`
	LeasePrefix             string  `yaml:"lease-prefix"`
	LeaseExpireWindow       string  `yaml:"lease-expire-window"`
	LeaseRenewWindow        string  `yaml:"lease-renew-window"`
	LeaseValidityWindow     string  `yaml:"lease-validity-window"`
	StorageRetryAttempts    int     `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay   string  `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay    string  `yaml:"storage-retry-max-delay"`
	StorageRetryMultiplier  float64 `yaml:"storage-retry-multiplier"`
	StorageEncryptionKey    string  `yaml:"storage-encryption-key"`
	StorageEncryptionSnappy bool    `yaml:"storage-encryption-snappy"`
	S3AccessKeyID           string  `yaml:"s3-access-key-id"`
	S3SecretAccessKey       string  `yaml:"s3-secret-access-key"`
	S3SessionToken          string  `yaml:"s3-session-token"`
	S3Region                string  `yaml:"s3-region"`
	AWSRegion               string  `yaml:"aws-region"`
	AzureAccount            string  `yaml:"azure-account"`
	AzureKey                string  `yaml:"azure-key"`
	AzureEndpoint           string  `yaml:"azure-endpoint"`
	AzureSASToken           string  `yaml:"azure-sas-token"`
	DiskJanitorInterval     string  `yaml:"disk-janitor-interval"`
	BadgerSyncWrites        bool    `yaml:"badger-sync-writes"`
	BadgerGCInterval        string  `yaml:"badger-gc-interval"`
	EnsureBucket            bool    `yaml:"ensure-bucket"`
	OTLPEndpoint            string  `yaml:"otlp-endpoint"`
	MetricsListen           string  `yaml:"metrics-listen"`
	PprofListen             string  `yaml:"pprof-listen"`
	EnableProfilingMetrics  bool    `yaml:"enable-profiling-metrics"`
	ShutdownTimeout         string  `yaml:"shutdown-timeout"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Store:                  bankd.DefaultStore,
		LogLevel:               "info",
		Output:                 "text",
		LeasePrefix:            bankd.DefaultLeasePrefix,
		LeaseExpireWindow:      bankd.DefaultLeaseExpireWindow.String(),
		LeaseRenewWindow:       bankd.DefaultLeaseRenewWindow.String(),
		LeaseValidityWindow:    bankd.DefaultLeaseValidityWindow.String(),
		StorageRetryAttempts:   bankd.DefaultStorageRetryMaxAttempts,
		StorageRetryBaseDelay:  bankd.DefaultStorageRetryBaseDelay.String(),
		StorageRetryMaxDelay:   bankd.DefaultStorageRetryMaxDelay.String(),
		StorageRetryMultiplier: bankd.DefaultStorageRetryMultiplier,
		DiskJanitorInterval:    bankd.DefaultDiskJanitorInterval.String(),
		BadgerGCInterval:       bankd.DefaultBadgerGCInterval.String(),
		ShutdownTimeout:        bankd.DefaultShutdownTimeout.String(),
	}
	for _, fn := range overrides {
		fn(&defaults)
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("encode default config: %w", err)
	}
	return data, nil
}
