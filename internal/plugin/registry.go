// Package plugin maps offering type keys to their provisioning processors
// and invoicing strategy. The registry is populated during application
// bootstrap and frozen before serving traffic; lookups after freeze are
// lock-free reads on an immutable map.
package plugin

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	offeringdomain "github.com/smallbiznis/mercat/internal/offering/domain"
	orderdomain "github.com/smallbiznis/mercat/internal/order/domain"
	"github.com/smallbiznis/mercat/internal/order/processor"
)

var (
	ErrPluginNotFound = errors.New("plugin_not_found")
	ErrRegistryFrozen = errors.New("plugin_registry_frozen")
	ErrInvalidPlugin  = errors.New("invalid_plugin")
)

// ComponentSpec declares a component an offering of this type must carry.
type ComponentSpec struct {
	Type        string
	Name        string
	BillingType offeringdomain.BillingType
	LimitPeriod offeringdomain.LimitPeriod
}

// Descriptor binds one offering type to its behavior.
type Descriptor struct {
	OfferingType    string
	CreateProcessor processor.Processor
	UpdateProcessor processor.Processor
	DeleteProcessor processor.Processor
	Components      []ComponentSpec
	CanUpdateLimits bool

	// Registrator names the invoicing strategy; empty selects the default
	// marketplace registrator.
	Registrator string
}

// Registry resolves offering types to descriptors.
type Registry struct {
	mu     sync.RWMutex
	frozen bool
	types  map[string]Descriptor
}

// NewRegistry creates an empty, unfrozen registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]Descriptor)}
}

// Register installs a descriptor for its offering type. Registration is
// idempotent per type: re-registering overwrites the previous descriptor.
func (r *Registry) Register(d Descriptor) error {
	key := strings.TrimSpace(d.OfferingType)
	if key == "" {
		return fmt.Errorf("%w: empty offering type", ErrInvalidPlugin)
	}
	if d.CreateProcessor == nil || d.UpdateProcessor == nil || d.DeleteProcessor == nil {
		return fmt.Errorf("%w: %s is missing a processor", ErrInvalidPlugin, key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrRegistryFrozen
	}
	r.types[key] = d
	return nil
}

// Freeze marks bootstrap complete; later Register calls fail.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Get returns the descriptor for an offering type.
func (r *Registry) Get(offeringType string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.types[strings.TrimSpace(offeringType)]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrPluginNotFound, offeringType)
	}
	return d, nil
}

// Processor resolves the processor for an offering type and order action.
// A missing registration is fatal at order-processing time: there is no safe
// default for provisioning.
func (r *Registry) Processor(offeringType string, action orderdomain.Type) (processor.Processor, error) {
	d, err := r.Get(offeringType)
	if err != nil {
		return nil, err
	}
	switch action {
	case orderdomain.TypeCreate:
		return d.CreateProcessor, nil
	case orderdomain.TypeUpdate:
		return d.UpdateProcessor, nil
	case orderdomain.TypeTerminate:
		return d.DeleteProcessor, nil
	}
	return nil, orderdomain.ErrInvalidOrderType
}

// CanUpdateLimits reports whether the offering type allows limit updates.
func (r *Registry) CanUpdateLimits(offeringType string) bool {
	d, err := r.Get(offeringType)
	if err != nil {
		return false
	}
	return d.CanUpdateLimits
}

// Types lists all registered offering type keys.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.types))
	for key := range r.types {
		keys = append(keys, key)
	}
	return keys
}
