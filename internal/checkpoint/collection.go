package checkpoint

import (
	"context"
	"fmt"
	"strings"

	"pkt.systems/bankd/internal/bank"
	"pkt.systems/bankd/internal/uuidv7"
)

// SectionPrefix is where checkpoints live in a bank.
const SectionPrefix = "/checkpoints"

// Collection is the set of checkpoints stored in one bank.
type Collection struct {
	bank    *bank.Bank
	section *bank.Section
}

// NewCollection returns the checkpoint collection of b.
func NewCollection(b *bank.Bank) *Collection {
	return &Collection{bank: b, section: b.Section(SectionPrefix)}
}

// Section returns the checkpoints section.
func (c *Collection) Section() *bank.Section { return c.section }

// ListIDs returns up to limit checkpoint ids after marker, in id order.
// Resource payload keys are skipped while scanning, so limit counts ids.
func (c *Collection) ListIDs(ctx context.Context, limit int, marker string) ([]string, error) {
	opts := bank.ListOptions{}
	if marker != "" {
		opts.Marker = indexKey(marker)
	}
	var ids []string
	for key, err := range c.section.ListObjects(ctx, opts) {
		if err != nil {
			return ids, fmt.Errorf("checkpoint: list ids: %w", err)
		}
		id, ok := strings.CutSuffix(key, "/"+indexFile)
		if !ok || id == "" || strings.Contains(id, "/") {
			continue
		}
		ids = append(ids, id)
		if limit > 0 && len(ids) >= limit {
			break
		}
	}
	return ids, nil
}

// Get loads checkpoint id.
func (c *Collection) Get(ctx context.Context, id string) (*Checkpoint, error) {
	return GetBySection(ctx, c.section, c.bank.Lease(), id)
}

// Create starts a new checkpoint for plan owned by the bank owner.
func (c *Collection) Create(ctx context.Context, plan Plan) (*Checkpoint, error) {
	return CreateInSection(ctx, c.section, c.bank.Lease(), c.bank.OwnerID(), uuidv7.NewString(), plan)
}
