package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/marketloop/marketloop/pkg/models"
)

func echoHandler(tag string) TaskHandler {
	return func(_ context.Context, _, _, _ string, _ map[string]any) (map[string]any, error) {
		return map[string]any{"tag": tag}, nil
	}
}

func TestRegistryResolveExact(t *testing.T) {
	r := NewRegistry()
	r.Register(models.AgentContent, "generate", echoHandler("exact"))

	h, err := r.Resolve(models.AgentContent, "generate")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	result, err := h(context.Background(), "tenant-1", "user-1", "generate", nil)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if result["tag"] != "exact" {
		t.Errorf("wrong handler resolved: %v", result)
	}
}

func TestRegistryWildcardFallback(t *testing.T) {
	r := NewRegistry()
	r.Register(models.AgentContent, WildcardTaskType, echoHandler("wildcard"))
	r.Register(models.AgentContent, "generate", echoHandler("exact"))

	h, err := r.Resolve(models.AgentContent, "summarize")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	result, _ := h(context.Background(), "", "", "summarize", nil)
	if result["tag"] != "wildcard" {
		t.Errorf("expected wildcard handler, got %v", result)
	}

	// The exact registration still wins for its own task type.
	h, err = r.Resolve(models.AgentContent, "generate")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	result, _ = h(context.Background(), "", "", "generate", nil)
	if result["tag"] != "exact" {
		t.Errorf("expected exact handler, got %v", result)
	}
}

func TestRegistryNoHandler(t *testing.T) {
	r := NewRegistry()
	r.Register(models.AgentContent, "generate", echoHandler("x"))

	_, err := r.Resolve(models.AgentEmail, "send")
	if !errors.Is(err, ErrNoHandler) {
		t.Errorf("expected ErrNoHandler for unknown agent, got %v", err)
	}

	_, err = r.Resolve(models.AgentContent, "summarize")
	if !errors.Is(err, ErrNoHandler) {
		t.Errorf("expected ErrNoHandler for unknown task type, got %v", err)
	}

	if r.Has(models.AgentEmail, "send") {
		t.Error("Has should be false for unregistered pair")
	}
	if !r.Has(models.AgentContent, "generate") {
		t.Error("Has should be true for registered pair")
	}
}
