// Package catalog implements the Slot & Family Catalog (§4.H): aggregate
// read queries over the backend registry's advertised slots, capacities,
// and variants. The catalog holds no state of its own — it is a read
// view over internal/registry.BackendRegistry, so removing a backend
// (registry.Remove) atomically drops its catalog entries too, satisfying
// §4.H's atomic-removal requirement for free.
package catalog

import (
	"sort"

	"github.com/fulcrum-net/registry-service/internal/model"
	"github.com/fulcrum-net/registry-service/internal/registry"
)

// Catalog answers aggregate queries about backend-advertised capacity.
type Catalog struct {
	backends *registry.BackendRegistry
}

// New constructs a catalog view over a backend registry.
func New(backends *registry.BackendRegistry) *Catalog {
	return &Catalog{backends: backends}
}

// HasFamily reports whether any live backend advertises familyID.
func (c *Catalog) HasFamily(familyID string) bool {
	for _, rec := range c.backends.ListAll() {
		if _, ok := rec.FamilyCapacities[familyID]; ok {
			return true
		}
	}
	return false
}

// PerServerCapacities returns each backend's advertised capacity for
// familyID, keyed by backend ID.
func (c *Catalog) PerServerCapacities(familyID string) map[string]int {
	out := make(map[string]int)
	for _, rec := range c.backends.ListAll() {
		if cap, ok := rec.FamilyCapacities[familyID]; ok {
			out[rec.ID.String()] = cap
		}
	}
	return out
}

// VariantsOfFamily returns the union of variant IDs advertised for
// familyID across all backends.
func (c *Catalog) VariantsOfFamily(familyID string) []string {
	set := make(map[string]struct{})
	for _, rec := range c.backends.ListAll() {
		for v := range rec.FamilyVariants[familyID] {
			set[v] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// SlotsOfFamily returns every slot for familyID, optionally filtered to a
// single status.
func (c *Catalog) SlotsOfFamily(familyID string, status *model.Status) []model.LogicalSlotRecord {
	var out []model.LogicalSlotRecord
	for _, rec := range c.backends.ListAll() {
		for _, slot := range rec.Slots {
			if slot.FamilyID != familyID {
				continue
			}
			if status != nil && slot.Status != *status {
				continue
			}
			out = append(out, *slot)
		}
	}
	return out
}

// BackendLoad returns a backend's current player count, used to score
// provisioning candidates by "backend load asc" (§4.I).
func (c *Catalog) BackendLoad(backendID string) int {
	rec, ok := c.backends.Get(backendID)
	if !ok {
		return 0
	}
	return rec.PlayerCount
}
