package budget

import (
	"slices"
	"strings"
	"testing"
)

func TestDefaultProfiles(t *testing.T) {
	p := DefaultProfiles()

	if got := p.Default().ID; got != ModelGPT4oMini {
		t.Errorf("default = %q, want %q", got, ModelGPT4oMini)
	}
	for _, id := range []string{ModelGPT4o, ModelGPT4oMini} {
		prof, ok := p.Lookup(id)
		if !ok {
			t.Fatalf("profile %q missing", id)
		}
		if prof.Deployment != id {
			t.Errorf("%s deployment = %q, want %q", id, prof.Deployment, id)
		}
		if prof.ContextWindow != 128_000 {
			t.Errorf("%s context window = %d, want 128000", id, prof.ContextWindow)
		}
		if prof.MaxOutputTokens != 4_096 {
			t.Errorf("%s max output = %d, want 4096", id, prof.MaxOutputTokens)
		}
	}
	if got := len(p.All()); got != 2 {
		t.Errorf("All() len = %d, want 2", got)
	}
}

func TestNewProfiles_Errors(t *testing.T) {
	t.Parallel()

	valid := Profile{ID: "a", Deployment: "dep-a", ContextWindow: 100, MaxOutputTokens: 10}

	tests := []struct {
		name      string
		defaultID string
		profiles  []Profile
		wantErr   string
	}{
		{name: "none", defaultID: "a", wantErr: "at least one"},
		{name: "unknown default", defaultID: "b", profiles: []Profile{valid}, wantErr: "default model"},
		{name: "duplicate", defaultID: "a", profiles: []Profile{valid, valid}, wantErr: "duplicate"},
		{name: "empty id", defaultID: "a", profiles: []Profile{{Deployment: "d", ContextWindow: 10}}, wantErr: "id must not be empty"},
		{name: "empty deployment", defaultID: "a", profiles: []Profile{{ID: "a", ContextWindow: 10}}, wantErr: "deployment"},
		{name: "zero window", defaultID: "a", profiles: []Profile{{ID: "a", Deployment: "d"}}, wantErr: "context window"},
		{name: "negative output", defaultID: "a", profiles: []Profile{{ID: "a", Deployment: "d", ContextWindow: 10, MaxOutputTokens: -1}}, wantErr: "must not be negative"},
		{name: "output fills window", defaultID: "a", profiles: []Profile{{ID: "a", Deployment: "d", ContextWindow: 10, MaxOutputTokens: 10}}, wantErr: "smaller than the context window"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewProfiles(tc.defaultID, tc.profiles...)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err, tc.wantErr)
			}
		})
	}
}

func TestProfiles_OrderAndDeployments(t *testing.T) {
	t.Parallel()

	p, err := NewProfiles("fast",
		Profile{ID: "smart", Deployment: "shared", ContextWindow: 100, MaxOutputTokens: 10},
		Profile{ID: "fast", Deployment: "shared", ContextWindow: 50, MaxOutputTokens: 5},
		Profile{ID: "other", Deployment: "solo", ContextWindow: 80, MaxOutputTokens: 8},
	)
	if err != nil {
		t.Fatalf("NewProfiles: %v", err)
	}

	var ids []string
	for _, prof := range p.All() {
		ids = append(ids, prof.ID)
	}
	if !slices.Equal(ids, []string{"smart", "fast", "other"}) {
		t.Errorf("All() order = %v", ids)
	}
	if got := p.Deployments(); !slices.Equal(got, []string{"shared", "solo"}) {
		t.Errorf("Deployments() = %v, want [shared solo]", got)
	}
	if _, ok := p.Lookup("missing"); ok {
		t.Error("Lookup(missing) should report false")
	}
}
