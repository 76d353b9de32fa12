// Package checkpoint manages checkpoint records in a bank. A checkpoint is an
// index document at <id>/index.json inside the checkpoints section plus the
// per-resource payload sections beneath <id>/resources/.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"pkt.systems/bankd/internal/bank"
	"pkt.systems/bankd/internal/graph"
	"pkt.systems/bankd/internal/logutil"
	"pkt.systems/pslog"
)

// Version is the index format written by this package.
const Version = "1.0"

// SupportedVersions lists the index formats Reload accepts.
var SupportedVersions = []string{Version}

const (
	indexFile       = "index.json"
	resourcesPrefix = "resources"
)

var (
	// ErrUnsupportedVersion is returned when an index has an unknown version.
	ErrUnsupportedVersion = errors.New("checkpoint: unsupported version")
	// ErrLeaseInvalidAtCommit is returned when Commit runs without a valid lease.
	ErrLeaseInvalidAtCommit = errors.New("checkpoint: lease invalid at commit")
	// ErrNotEmpty is returned by Purge while other objects remain.
	ErrNotEmpty = errors.New("checkpoint: not empty")
	// ErrPoisoned is returned by every call after a failed version check.
	ErrPoisoned = errors.New("checkpoint: instance unusable after version mismatch")
)

// Plan is the protection plan a checkpoint was taken for.
type Plan struct {
	ID        string           `json:"id" yaml:"id"`
	Name      string           `json:"name,omitempty" yaml:"name,omitempty"`
	Provider  string           `json:"provider_id,omitempty" yaml:"provider_id,omitempty"`
	Resources []graph.Resource `json:"resources" yaml:"resources"`
}

type index struct {
	Version        string             `json:"version"`
	ID             string             `json:"id"`
	Status         Status             `json:"status"`
	OwnerID        string             `json:"owner_id"`
	ProtectionPlan Plan               `json:"protection_plan"`
	ResourceGraph  *graph.PackedGraph `json:"resource_graph,omitempty"`
	ExtraInfo      map[string]any     `json:"extra_info,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
}

// Checkpoint is an in-memory handle on one index record. Setters change the
// cached record only; Commit persists it. A Checkpoint is not safe for
// concurrent mutation.
type Checkpoint struct {
	section  *bank.Section
	lease    bank.Lease
	id       string
	logger   pslog.Logger
	cache    *index
	roots    []*graph.Node
	poisoned bool
}

func indexKey(id string) string {
	return id + "/" + indexFile
}

func validateID(id string) error {
	if strings.Trim(id, "/") == "" {
		return fmt.Errorf("checkpoint: %w", bank.ErrEmptyKey)
	}
	if strings.Contains(id, "/") {
		return fmt.Errorf("checkpoint: id %q must not contain '/'", id)
	}
	return nil
}

func newHandle(section *bank.Section, lease bank.Lease, id string) *Checkpoint {
	return &Checkpoint{
		section: section,
		lease:   lease,
		id:      id,
		logger:  logutil.WithSubsystem(section.Bank().Logger(), "checkpoint").With("checkpoint_id", id),
	}
}

// CreateInSection writes a new index in the protecting state and returns it
// loaded back from the bank.
func CreateInSection(ctx context.Context, section *bank.Section, lease bank.Lease, ownerID, id string, plan Plan) (*Checkpoint, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	record := index{
		Version:        Version,
		ID:             id,
		Status:         StatusProtecting,
		OwnerID:        ownerID,
		ProtectionPlan: plan,
		CreatedAt:      section.Bank().Clock().Now().UTC(),
	}
	if err := section.CreateJSON(ctx, indexKey(id), record); err != nil {
		recordOperation(ctx, "create", err)
		return nil, fmt.Errorf("checkpoint: create %s: %w", id, err)
	}
	recordOperation(ctx, "create", nil)
	cp, err := GetBySection(ctx, section, lease, id)
	if err != nil {
		return nil, err
	}
	cp.logger.Info("checkpoint.create.success", "owner_id", ownerID, "plan_id", plan.ID)
	return cp, nil
}

// GetBySection loads the checkpoint id from section.
func GetBySection(ctx context.Context, section *bank.Section, lease bank.Lease, id string) (*Checkpoint, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	cp := newHandle(section, lease, id)
	if err := cp.Reload(ctx); err != nil {
		return nil, err
	}
	return cp, nil
}

// Reload replaces the cache with the stored index. An index with an
// unsupported version poisons the handle.
func (c *Checkpoint) Reload(ctx context.Context) error {
	if c.poisoned {
		return ErrPoisoned
	}
	var record index
	if err := c.section.GetJSON(ctx, indexKey(c.id), &record); err != nil {
		return fmt.Errorf("checkpoint: load %s: %w", c.id, err)
	}
	if !slices.Contains(SupportedVersions, record.Version) {
		c.poison()
		c.logger.Warn("checkpoint.reload.unsupported_version", "version", record.Version)
		return fmt.Errorf("%w: %s has version %q", ErrUnsupportedVersion, c.id, record.Version)
	}
	c.cache = &record
	c.roots = nil
	return nil
}

func (c *Checkpoint) poison() {
	c.poisoned = true
	c.cache = nil
	c.roots = nil
	c.section = nil
}

// Poisoned reports whether the handle was invalidated by Reload.
func (c *Checkpoint) Poisoned() bool { return c.poisoned }

// ID returns the checkpoint id.
func (c *Checkpoint) ID() string { return c.id }

// Status returns the cached status.
func (c *Checkpoint) Status() Status {
	if c.cache == nil {
		return ""
	}
	return c.cache.Status
}

// SetStatus updates the cached status.
func (c *Checkpoint) SetStatus(s Status) {
	if c.cache != nil {
		c.cache.Status = s
	}
}

// OwnerID returns the cached owner id.
func (c *Checkpoint) OwnerID() string {
	if c.cache == nil {
		return ""
	}
	return c.cache.OwnerID
}

// SetOwnerID updates the cached owner id.
func (c *Checkpoint) SetOwnerID(id string) {
	if c.cache != nil {
		c.cache.OwnerID = id
	}
}

// Plan returns the cached protection plan.
func (c *Checkpoint) Plan() Plan {
	if c.cache == nil {
		return Plan{}
	}
	return c.cache.ProtectionPlan
}

// SetPlan updates the cached protection plan.
func (c *Checkpoint) SetPlan(p Plan) {
	if c.cache != nil {
		c.cache.ProtectionPlan = p
	}
}

// ExtraInfo returns the cached free-form info map.
func (c *Checkpoint) ExtraInfo() map[string]any {
	if c.cache == nil {
		return nil
	}
	return c.cache.ExtraInfo
}

// SetExtraInfo replaces the cached free-form info map.
func (c *Checkpoint) SetExtraInfo(info map[string]any) {
	if c.cache != nil {
		c.cache.ExtraInfo = info
	}
}

// CreatedAt returns the creation time recorded in the index.
func (c *Checkpoint) CreatedAt() time.Time {
	if c.cache == nil {
		return time.Time{}
	}
	return c.cache.CreatedAt
}

// ResourceGraph returns the stored dependency forest, unpacking it on first
// use.
func (c *Checkpoint) ResourceGraph() ([]*graph.Node, error) {
	if c.poisoned {
		return nil, ErrPoisoned
	}
	if c.roots != nil || c.cache == nil || c.cache.ResourceGraph == nil {
		return c.roots, nil
	}
	roots, err := graph.Unpack(c.cache.ResourceGraph)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: %s resource graph: %w", c.id, err)
	}
	c.roots = roots
	return roots, nil
}

// SetResourceGraph packs roots into the cached index.
func (c *Checkpoint) SetResourceGraph(roots []*graph.Node) error {
	if c.poisoned {
		return ErrPoisoned
	}
	packed, err := graph.Pack(roots)
	if err != nil {
		return fmt.Errorf("checkpoint: %s resource graph: %w", c.id, err)
	}
	c.cache.ResourceGraph = packed
	c.roots = roots
	return nil
}

// Commit writes the cached index. With a lease attached the write only
// happens while the lease is valid.
func (c *Checkpoint) Commit(ctx context.Context) error {
	if c.poisoned {
		return ErrPoisoned
	}
	if c.lease != nil && !c.lease.Valid() {
		recordOperation(ctx, "commit", ErrLeaseInvalidAtCommit)
		c.logger.Warn("checkpoint.commit.lease_invalid", "status", c.cache.Status)
		return fmt.Errorf("%w: %s", ErrLeaseInvalidAtCommit, c.id)
	}
	err := c.section.PutJSON(ctx, indexKey(c.id), c.cache)
	recordOperation(ctx, "commit", err)
	if err != nil {
		return fmt.Errorf("checkpoint: commit %s: %w", c.id, err)
	}
	c.logger.Debug("checkpoint.commit.success", "status", c.cache.Status)
	return nil
}

// Purge deletes the index, but only when it is the last object left under
// the checkpoint.
func (c *Checkpoint) Purge(ctx context.Context) error {
	if c.poisoned {
		return ErrPoisoned
	}
	for key, err := range c.section.ListObjects(ctx, bank.ListOptions{Prefix: c.id + "/"}) {
		if err != nil {
			return fmt.Errorf("checkpoint: purge %s: %w", c.id, err)
		}
		if key != indexKey(c.id) {
			recordOperation(ctx, "purge", ErrNotEmpty)
			return fmt.Errorf("%w: %s still holds %s", ErrNotEmpty, c.id, key)
		}
	}
	err := c.section.DeleteObject(ctx, indexKey(c.id))
	recordOperation(ctx, "purge", err)
	if err != nil {
		return fmt.Errorf("checkpoint: purge %s: %w", c.id, err)
	}
	c.logger.Info("checkpoint.purge.success")
	return nil
}

// ResourceSection returns the payload section for one resource.
func (c *Checkpoint) ResourceSection(resourceID string) (*bank.Section, error) {
	if c.poisoned {
		return nil, ErrPoisoned
	}
	return c.section.Sub(c.id + "/" + resourcesPrefix + "/" + resourceID), nil
}

// ResourceSectionFor is ResourceSection keyed by the resource identity, so
// resources of different types never share a section.
func (c *Checkpoint) ResourceSectionFor(r graph.Resource) (*bank.Section, error) {
	return c.ResourceSection(r.Type + "/" + r.ID)
}

// Delete tears the checkpoint down: it commits the deleting status, removes
// every resource payload and finally the index. The returned view carries
// the terminal deleted status, which is never stored.
func (c *Checkpoint) Delete(ctx context.Context) (View, error) {
	if c.poisoned {
		return View{}, ErrPoisoned
	}
	c.SetStatus(StatusDeleting)
	if err := c.Commit(ctx); err != nil {
		return c.View(), err
	}
	keys, err := c.section.Keys(ctx, bank.ListOptions{Prefix: c.id + "/" + resourcesPrefix + "/"})
	if err != nil {
		return c.View(), fmt.Errorf("checkpoint: delete %s: %w", c.id, err)
	}
	for _, key := range keys {
		if err := c.section.DeleteObject(ctx, key); err != nil && !errors.Is(err, bank.ErrObjectNotFound) {
			return c.View(), fmt.Errorf("checkpoint: delete %s: %w", c.id, err)
		}
	}
	if err := c.Purge(ctx); err != nil {
		return c.View(), err
	}
	c.SetStatus(StatusDeleted)
	c.logger.Info("checkpoint.delete.success", "payloads", len(keys))
	return c.View(), nil
}
