package plugin

import (
	"errors"
	"testing"

	orderdomain "github.com/smallbiznis/mercat/internal/order/domain"
	"github.com/smallbiznis/mercat/internal/order/processor"
)

func basicDescriptor(offeringType string) Descriptor {
	return Descriptor{
		OfferingType:    offeringType,
		CreateProcessor: processor.BasicCreateProcessor{},
		UpdateProcessor: processor.BasicUpdateProcessor{},
		DeleteProcessor: processor.BasicDeleteProcessor{},
		CanUpdateLimits: true,
	}
}

func TestRegisterAndResolve(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(basicDescriptor("Basic.Script")); err != nil {
		t.Fatalf("register: %v", err)
	}

	for _, action := range []orderdomain.Type{orderdomain.TypeCreate, orderdomain.TypeUpdate, orderdomain.TypeTerminate} {
		if _, err := r.Processor("Basic.Script", action); err != nil {
			t.Fatalf("processor for %s: %v", action, err)
		}
	}
}

func TestRegisterOverwrites(t *testing.T) {
	r := NewRegistry()
	first := basicDescriptor("Basic.Script")
	first.CanUpdateLimits = false
	if err := r.Register(first); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(basicDescriptor("Basic.Script")); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if !r.CanUpdateLimits("Basic.Script") {
		t.Fatal("expected re-registration to overwrite descriptor")
	}
}

func TestUnknownTypeFailsLoudly(t *testing.T) {
	r := NewRegistry()
	_, err := r.Processor("OpenStack.Tenant", orderdomain.TypeCreate)
	if !errors.Is(err, ErrPluginNotFound) {
		t.Fatalf("expected plugin not found, got %v", err)
	}
}

func TestFreezeRejectsLateRegistration(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(basicDescriptor("Basic.Script")); err != nil {
		t.Fatalf("register: %v", err)
	}
	r.Freeze()
	err := r.Register(basicDescriptor("SLURM.Allocation"))
	if !errors.Is(err, ErrRegistryFrozen) {
		t.Fatalf("expected frozen error, got %v", err)
	}
	if _, err := r.Get("Basic.Script"); err != nil {
		t.Fatalf("lookup after freeze: %v", err)
	}
}

func TestRegisterRejectsIncompleteDescriptor(t *testing.T) {
	r := NewRegistry()
	d := basicDescriptor("Azure.VM")
	d.UpdateProcessor = nil
	if err := r.Register(d); !errors.Is(err, ErrInvalidPlugin) {
		t.Fatalf("expected invalid plugin, got %v", err)
	}
}
