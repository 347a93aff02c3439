package health

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/MrWong99/nlquery/internal/resilience"
)

type fakeWarmer struct {
	err  error
	seen []string
}

func (f *fakeWarmer) Warm(_ context.Context, deployments ...string) error {
	f.seen = append(f.seen, deployments...)
	return f.err
}

func TestTokenizerCheck(t *testing.T) {
	w := &fakeWarmer{}
	c := TokenizerCheck(w, []string{"gpt-4o", "gpt-4o-mini"})

	if c.Name != "tokenizer" {
		t.Errorf("Name = %q, want tokenizer", c.Name)
	}
	if err := c.Check(context.Background()); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !slices.Equal(w.seen, []string{"gpt-4o", "gpt-4o-mini"}) {
		t.Errorf("warmed %v", w.seen)
	}

	w.err = errors.New("unknown encoding")
	if err := c.Check(context.Background()); err == nil {
		t.Error("expected warm error to fail the check")
	}
}

func TestBackendCheck(t *testing.T) {
	tests := []struct {
		name    string
		states  map[string]resilience.State
		wantErr bool
	}{
		{"no breakers", nil, false},
		{"all closed", map[string]resilience.State{"openai": resilience.StateClosed}, false},
		{"one healthy", map[string]resilience.State{"azure": resilience.StateOpen, "openai": resilience.StateHalfOpen}, false},
		{"all open", map[string]resilience.State{"azure": resilience.StateOpen, "openai": resilience.StateOpen}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := BackendCheck(func() map[string]resilience.State { return tc.states })
			err := c.Check(context.Background())
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if err != nil && !strings.Contains(err.Error(), "azure, openai") {
				t.Errorf("error should list open backends in order, got %q", err)
			}
		})
	}
}
