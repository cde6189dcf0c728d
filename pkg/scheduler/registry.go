package scheduler

import (
	"sync"

	"k8s.io/klog/v2"

	"github.com/belgio99/k8s-carbonrouter-sub000/pkg/scheduler/model"
)

// FlavourRegistry is the in-memory flavour catalogue of one session.
// Readers always see a consistent snapshot; while the discovered catalogue
// is empty the fallback list is served instead.
type FlavourRegistry struct {
	mu       sync.RWMutex
	flavours []model.FlavourProfile
	fallback []model.FlavourProfile
}

// NewFlavourRegistry creates a registry serving fallback until a catalogue
// is discovered.
func NewFlavourRegistry(fallback []model.FlavourProfile) *FlavourRegistry {
	return &FlavourRegistry{fallback: fallback}
}

// List returns a copy of the current catalogue.
func (r *FlavourRegistry) List() []model.FlavourProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	source := r.flavours
	if len(source) == 0 {
		source = r.fallback
	}
	out := make([]model.FlavourProfile, len(source))
	copy(out, source)
	return out
}

// Replace atomically swaps the catalogue. Empty catalogues are ignored so a
// failed discovery never wipes the working set.
func (r *FlavourRegistry) Replace(flavours []model.FlavourProfile) {
	if len(flavours) == 0 {
		klog.V(2).InfoS("Ignoring empty flavour catalogue")
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flavours = make([]model.FlavourProfile, len(flavours))
	copy(r.flavours, flavours)
}

// Upsert inserts or updates a single flavour profile.
func (r *FlavourRegistry) Upsert(flavour model.FlavourProfile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.flavours) == 0 {
		r.flavours = append(r.flavours, r.fallback...)
	}
	for i, existing := range r.flavours {
		if existing.Name == flavour.Name {
			r.flavours[i] = flavour
			return
		}
	}
	r.flavours = append(r.flavours, flavour)
}

// Lookup finds a flavour by name.
func (r *FlavourRegistry) Lookup(name string) (model.FlavourProfile, bool) {
	for _, f := range r.List() {
		if f.Name == name {
			return f, true
		}
	}
	return model.FlavourProfile{}, false
}
