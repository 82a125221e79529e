package provider

import (
	"context"
	"testing"
)

func TestStaticRegistryParsesEntries(t *testing.T) {
	reg, err := NewStaticRegistry([]string{
		"hdmi-1=HDMI 1=backend-a:50051",
		"tuner-1=tunerimage",
		"  ",
	})
	if err != nil {
		t.Fatalf("NewStaticRegistry: %v", err)
	}

	descs, err := reg.ListProviders(context.Background(), "scope-0")
	if err != nil {
		t.Fatalf("ListProviders: %v", err)
	}
	if len(descs) != 2 {
		t.Fatalf("got %d providers, want 2", len(descs))
	}
	if descs[0].ID != "hdmi-1" || descs[0].Name != "HDMI 1" || descs[0].Address != "backend-a:50051" {
		t.Errorf("first descriptor = %+v", descs[0])
	}
	if descs[1].ID != "tuner-1" || descs[1].Name != "tuner-1" || descs[1].Address != "tunerimage" {
		t.Errorf("second descriptor = %+v", descs[1])
	}
}

func TestStaticRegistryRejectsMalformedEntries(t *testing.T) {
	for _, entry := range []string{"no-address", "=addr", "id="} {
		if _, err := NewStaticRegistry([]string{entry}); err == nil {
			t.Errorf("entry %q: expected error", entry)
		}
	}
}

func TestStaticRegistryCopiesResult(t *testing.T) {
	reg, err := NewStaticRegistry([]string{"hdmi-1=backend:50051"})
	if err != nil {
		t.Fatalf("NewStaticRegistry: %v", err)
	}
	descs, _ := reg.ListProviders(context.Background(), "scope-0")
	descs[0].ID = "mutated"

	again, _ := reg.ListProviders(context.Background(), "scope-0")
	if again[0].ID != "hdmi-1" {
		t.Fatal("registry state must not be mutable through returned slice")
	}
}
