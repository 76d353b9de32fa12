package bankd

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/xid"

	"pkt.systems/bankd/internal/lease"
	"pkt.systems/bankd/internal/storage/retry"
)

const (
	// DefaultStore keeps the bank in process memory.
	DefaultStore = "mem://"
	// DefaultLeasePrefix is where lease markers live in the bank.
	DefaultLeasePrefix = lease.DefaultPrefix
	// DefaultLeaseExpireWindow is how long a written lease marker lasts.
	DefaultLeaseExpireWindow = lease.DefaultExpireWindow
	// DefaultLeaseRenewWindow is the renewal interval.
	DefaultLeaseRenewWindow = lease.DefaultRenewWindow
	// DefaultLeaseValidityWindow is the minimum remaining lifetime for the
	// lease to count as valid.
	DefaultLeaseValidityWindow = lease.DefaultValidityWindow
	// DefaultStorageRetryMaxAttempts bounds attempts per storage call.
	DefaultStorageRetryMaxAttempts = 4
	// DefaultStorageRetryBaseDelay is the first backoff delay.
	DefaultStorageRetryBaseDelay = 50 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps the backoff delay.
	DefaultStorageRetryMaxDelay = 2 * time.Second
	// DefaultStorageRetryMultiplier grows the delay between attempts.
	DefaultStorageRetryMultiplier = 2.0
	// DefaultDiskJanitorInterval is how often the disk backend sweeps expired
	// objects.
	DefaultDiskJanitorInterval = 5 * time.Minute
	// DefaultBadgerGCInterval is how often badger value log GC runs.
	DefaultBadgerGCInterval = 10 * time.Minute
	// DefaultShutdownTimeout bounds Close during process shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultConfigFileName is the config file looked up by the CLI.
	DefaultConfigFileName = "config.yaml"
	// DefaultAzureEndpointPattern builds the blob endpoint from the account.
	DefaultAzureEndpointPattern = "https://%s.blob.core.windows.net"
)

// Config captures everything needed to open a bankd service.
type Config struct {
	// Store is the bank URL: mem://, disk:///path, s3://host/bucket,
	// aws://bucket, azure://account/container or badger:///path.
	Store string
	// OwnerID identifies this process as lease holder and checkpoint owner.
	// Empty means a fresh xid.
	OwnerID string

	LeasePrefix         string
	LeaseExpireWindow   time.Duration
	LeaseRenewWindow    time.Duration
	LeaseValidityWindow time.Duration
	// DisableLease opens the bank without a lease. Commits are then
	// unguarded; only use it for read-only tooling.
	DisableLease bool

	StorageRetryMaxAttempts int
	StorageRetryBaseDelay   time.Duration
	StorageRetryMaxDelay    time.Duration
	StorageRetryMultiplier  float64

	// StorageEncryptionKeyFile points at a kryptograf PEM bundle. When set,
	// every object is sealed before it reaches the backend.
	StorageEncryptionKeyFile string
	StorageEncryptionSnappy  bool

	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string
	S3Region          string
	AWSRegion         string

	AzureAccount    string
	AzureAccountKey string
	AzureEndpoint   string
	AzureSASToken   string

	DiskJanitorInterval time.Duration
	BadgerSyncWrites    bool
	BadgerGCInterval    time.Duration

	// EnsureBucket creates the s3 bucket or azure container when missing.
	EnsureBucket bool

	OTLPEndpoint           string
	MetricsListen          string
	PprofListen            string
	EnableProfilingMetrics bool

	// InventoryPath is the YAML inventory of protectable resources.
	InventoryPath   string
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with every default applied. OwnerID stays
// empty so each process picks its own.
func DefaultConfig() Config {
	cfg := Config{Store: DefaultStore}
	_ = cfg.Validate()
	cfg.OwnerID = ""
	return cfg
}

// Validate fills defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	c.Store = strings.TrimSpace(c.Store)
	if c.Store == "" {
		return fmt.Errorf("config: store is required")
	}
	u, err := url.Parse(c.Store)
	if err != nil {
		return fmt.Errorf("config: parse store URL: %w", err)
	}
	switch u.Scheme {
	case "mem", "memory", "disk", "s3", "aws", "azure", "badger":
	default:
		return fmt.Errorf("config: store scheme %q not supported (mem, disk, s3, aws, azure, badger)", u.Scheme)
	}
	c.OwnerID = strings.TrimSpace(c.OwnerID)
	if c.OwnerID == "" {
		c.OwnerID = xid.New().String()
	}
	if strings.Contains(c.OwnerID, "/") {
		return fmt.Errorf("config: owner id %q must not contain '/'", c.OwnerID)
	}
	if c.LeasePrefix == "" {
		c.LeasePrefix = DefaultLeasePrefix
	}
	if c.LeaseExpireWindow == 0 {
		c.LeaseExpireWindow = DefaultLeaseExpireWindow
	}
	if c.LeaseRenewWindow == 0 {
		c.LeaseRenewWindow = DefaultLeaseRenewWindow
	}
	if c.LeaseValidityWindow == 0 {
		c.LeaseValidityWindow = DefaultLeaseValidityWindow
	}
	if err := c.LeaseConfig().Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.StorageRetryMaxAttempts <= 0 {
		c.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	}
	if c.StorageRetryBaseDelay <= 0 {
		c.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.StorageRetryMaxDelay <= 0 {
		c.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if c.StorageRetryMaxDelay < c.StorageRetryBaseDelay {
		return fmt.Errorf("config: storage retry max delay %s is below base delay %s", c.StorageRetryMaxDelay, c.StorageRetryBaseDelay)
	}
	if c.StorageRetryMultiplier < 1 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	}
	if c.DiskJanitorInterval < 0 {
		return fmt.Errorf("config: disk janitor interval must be >= 0")
	}
	if c.DiskJanitorInterval == 0 {
		c.DiskJanitorInterval = DefaultDiskJanitorInterval
	}
	if c.BadgerGCInterval == 0 {
		c.BadgerGCInterval = DefaultBadgerGCInterval
	}
	if c.StorageEncryptionSnappy && c.StorageEncryptionKeyFile == "" {
		return fmt.Errorf("config: storage encryption snappy requires an encryption key file")
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return nil
}

// LeaseConfig returns the lease windows of c.
func (c Config) LeaseConfig() lease.Config {
	return lease.Config{
		Prefix:         c.LeasePrefix,
		ExpireWindow:   c.LeaseExpireWindow,
		RenewWindow:    c.LeaseRenewWindow,
		ValidityWindow: c.LeaseValidityWindow,
	}
}

// RetryConfig returns the storage retry policy of c.
func (c Config) RetryConfig() retry.Config {
	return retry.Config{
		MaxAttempts: c.StorageRetryMaxAttempts,
		BaseDelay:   c.StorageRetryBaseDelay,
		MaxDelay:    c.StorageRetryMaxDelay,
		Multiplier:  c.StorageRetryMultiplier,
	}
}
