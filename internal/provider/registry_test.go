package provider_test

import (
	"context"
	"testing"

	"github.com/ahodges/stagehand/internal/model"
	"github.com/ahodges/stagehand/internal/provider"
)

// stubProvider is a minimal Provider for registry tests.
type stubProvider struct {
	name string
}

func (s *stubProvider) Name() string                                       { return s.name }
func (s *stubProvider) Submit(_ context.Context, _ *model.Job) error       { return nil }
func (s *stubProvider) Cancel(_ context.Context, _ string) error           { return nil }
func (s *stubProvider) Wait()                                              {}

func (s *stubProvider) Poll(_ context.Context, _ string) (*model.Task, error) {
	return &model.Task{}, nil
}

func (s *stubProvider) FetchLogs(_ context.Context, _ string) (provider.TaskLogs, error) {
	return provider.TaskLogs{}, nil
}

func TestRegistryRegisterAndList(t *testing.T) {
	reg := provider.NewRegistry("local")
	reg.Register(&stubProvider{name: "local"})
	reg.Register(&stubProvider{name: "remote-batch"})

	list := reg.List()
	if len(list) != 2 {
		t.Fatalf("List() returned %d providers, want 2", len(list))
	}
	if list[0].Name != "local" || list[1].Name != "remote-batch" {
		t.Errorf("List() = %v, want sorted [local remote-batch]", list)
	}
}

func TestRegistryResolveExplicit(t *testing.T) {
	reg := provider.NewRegistry("local")
	reg.Register(&stubProvider{name: "remote-batch"})

	p, err := reg.Resolve("remote-batch")
	if err != nil {
		t.Fatalf("Resolve explicit: %v", err)
	}
	if p.Name() != "remote-batch" {
		t.Errorf("resolved provider = %q, want remote-batch", p.Name())
	}
}

func TestRegistryResolveDefault(t *testing.T) {
	reg := provider.NewRegistry("local")
	reg.Register(&stubProvider{name: "local"})

	p, err := reg.Resolve("")
	if err != nil {
		t.Fatalf("Resolve default: %v", err)
	}
	if p.Name() != "local" {
		t.Errorf("default provider = %q, want local", p.Name())
	}
}

func TestRegistryResolveNotRegistered(t *testing.T) {
	reg := provider.NewRegistry("local")
	if _, err := reg.Resolve("bogus"); err == nil {
		t.Error("expected error for unregistered provider, got nil")
	}
}
