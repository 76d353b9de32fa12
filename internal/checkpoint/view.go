package checkpoint

import (
	"time"

	"pkt.systems/bankd/internal/graph"
)

// View is the read-only projection handed to callers.
type View struct {
	ID             string             `json:"id" yaml:"id"`
	Status         Status             `json:"status" yaml:"status"`
	OwnerID        string             `json:"owner_id" yaml:"owner_id"`
	ProtectionPlan Plan               `json:"protection_plan" yaml:"protection_plan"`
	ResourceGraph  *graph.PackedGraph `json:"resource_graph,omitempty" yaml:"resource_graph,omitempty"`
	ExtraInfo      map[string]any     `json:"extra_info,omitempty" yaml:"extra_info,omitempty"`
	CreatedAt      time.Time          `json:"created_at" yaml:"created_at"`
}

// View returns the projection of the cached index.
func (c *Checkpoint) View() View {
	if c.cache == nil {
		return View{ID: c.id}
	}
	return View{
		ID:             c.id,
		Status:         c.cache.Status,
		OwnerID:        c.cache.OwnerID,
		ProtectionPlan: c.cache.ProtectionPlan,
		ResourceGraph:  c.cache.ResourceGraph,
		ExtraInfo:      c.cache.ExtraInfo,
		CreatedAt:      c.cache.CreatedAt,
	}
}

// ToMap returns the view as a plain map keyed like the index document.
func (c *Checkpoint) ToMap() map[string]any {
	v := c.View()
	return map[string]any{
		"id":              v.ID,
		"status":          string(v.Status),
		"owner_id":        v.OwnerID,
		"protection_plan": v.ProtectionPlan,
		"resource_graph":  v.ResourceGraph,
		"extra_info":      v.ExtraInfo,
	}
}
