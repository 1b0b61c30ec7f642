package accounts

import (
	"encoding/json"
	"errors"
	"testing"

	"pkt.systems/accountdeck/internal/appconfig"
	"pkt.systems/accountdeck/schema"
)

func TestRegistryLookup(t *testing.T) {
	reg, err := NewRegistry([]appconfig.AccountConfig{
		{ID: "Beta", Name: "B"},
		{ID: "alpha", Adapters: map[string]map[string]any{"translate": {"to": "en"}}},
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	ids := reg.IDs()
	if len(ids) != 2 || ids[0] != "beta" || ids[1] != "alpha" {
		t.Fatalf("expected config order, got %v", ids)
	}
	cfg, err := reg.Account("alpha")
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	var blob map[string]string
	if err := json.Unmarshal(cfg.Adapters["translate"], &blob); err != nil || blob["to"] != "en" {
		t.Fatalf("unexpected adapter blob %s (%v)", cfg.Adapters["translate"], err)
	}
	cfg.Adapters["translate"][0] = 'x'
	again, _ := reg.Account("alpha")
	if again.Adapters["translate"][0] != '{' {
		t.Fatalf("expected returned config to be a copy")
	}
	sorted := reg.Sorted()
	if sorted[0].ID != "alpha" || sorted[1].ID != "beta" {
		t.Fatalf("expected sorted accounts, got %v", sorted)
	}
}

func TestRegistryUnknownAccount(t *testing.T) {
	reg, err := NewRegistry(nil)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	_, err = reg.Account("ghost")
	if !errors.Is(err, schema.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
	if schema.CategoryOf(err) != schema.CategoryInvalid {
		t.Fatalf("expected invalid category, got %s", schema.CategoryOf(err))
	}
}

func TestRegistryReplaceKeepsStateOnError(t *testing.T) {
	reg, err := NewRegistry([]appconfig.AccountConfig{{ID: "alpha"}, {ID: "beta"}})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	prev := reg.IDs()
	if err := reg.Replace([]appconfig.AccountConfig{{ID: "bad id!"}}); err == nil {
		t.Fatalf("expected invalid id error")
	}
	if len(reg.IDs()) != 2 {
		t.Fatalf("expected registry unchanged after failed replace")
	}
	if err := reg.Replace([]appconfig.AccountConfig{{ID: "alpha"}, {ID: "gamma"}}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	gone := reg.Removed(prev)
	if len(gone) != 1 || gone[0] != "beta" {
		t.Fatalf("expected beta removed, got %v", gone)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	if _, err := NewRegistry([]appconfig.AccountConfig{{ID: "alpha"}, {ID: " ALPHA "}}); err == nil {
		t.Fatalf("expected duplicate error")
	}
}
