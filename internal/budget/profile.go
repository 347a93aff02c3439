package budget

import (
	"errors"
	"fmt"
	"slices"
)

// Built-in model identifiers.
const (
	ModelGPT4o     = "gpt-4o"
	ModelGPT4oMini = "gpt-4o-mini"
)

// Profile describes a model the Manager can budget for. Profiles are defined
// at start-up and never mutated.
type Profile struct {
	// ID is the model identifier callers select in a [Request].
	ID string

	// Deployment addresses the backend instance and selects the tokenizer
	// encoding.
	Deployment string

	// ContextWindow is the total number of tokens the backend accepts per
	// request, reserved output included.
	ContextWindow int

	// MaxOutputTokens is the fixed number of tokens reserved for generation.
	MaxOutputTokens int
}

func (p Profile) validate() error {
	var errs []error
	if p.ID == "" {
		errs = append(errs, errors.New("id must not be empty"))
	}
	if p.Deployment == "" {
		errs = append(errs, errors.New("deployment must not be empty"))
	}
	if p.ContextWindow <= 0 {
		errs = append(errs, fmt.Errorf("context window must be positive, got %d", p.ContextWindow))
	}
	if p.MaxOutputTokens < 0 {
		errs = append(errs, fmt.Errorf("max output tokens must not be negative, got %d", p.MaxOutputTokens))
	}
	if p.ContextWindow > 0 && p.MaxOutputTokens >= p.ContextWindow {
		errs = append(errs, fmt.Errorf("max output tokens (%d) must be smaller than the context window (%d)", p.MaxOutputTokens, p.ContextWindow))
	}
	return errors.Join(errs...)
}

// Profiles is an immutable set of [Profile] values keyed by ID, with one
// designated default. It is safe for concurrent use.
type Profiles struct {
	byID      map[string]Profile
	order     []string
	defaultID string
}

// NewProfiles validates ps and builds a lookup. defaultID must name one of
// the given profiles. Duplicate IDs are rejected.
func NewProfiles(defaultID string, ps ...Profile) (*Profiles, error) {
	if len(ps) == 0 {
		return nil, errors.New("budget: at least one model profile is required")
	}
	set := &Profiles{
		byID:      make(map[string]Profile, len(ps)),
		order:     make([]string, 0, len(ps)),
		defaultID: defaultID,
	}
	for i, p := range ps {
		if err := p.validate(); err != nil {
			return nil, fmt.Errorf("budget: model profile %d (%q): %w", i, p.ID, err)
		}
		if _, dup := set.byID[p.ID]; dup {
			return nil, fmt.Errorf("budget: duplicate model profile %q", p.ID)
		}
		set.byID[p.ID] = p
		set.order = append(set.order, p.ID)
	}
	if _, ok := set.byID[defaultID]; !ok {
		return nil, fmt.Errorf("budget: default model %q is not a configured profile", defaultID)
	}
	return set, nil
}

// DefaultProfiles returns the built-in profile set: gpt-4o and gpt-4o-mini,
// both with a 128 000 token context window and 4 096 reserved output tokens.
// gpt-4o-mini is the default.
func DefaultProfiles() *Profiles {
	p, err := NewProfiles(ModelGPT4oMini,
		Profile{ID: ModelGPT4o, Deployment: "gpt-4o", ContextWindow: 128_000, MaxOutputTokens: 4_096},
		Profile{ID: ModelGPT4oMini, Deployment: "gpt-4o-mini", ContextWindow: 128_000, MaxOutputTokens: 4_096},
	)
	if err != nil {
		panic("budget: invalid built-in profiles: " + err.Error())
	}
	return p
}

// Lookup returns the profile registered under id.
func (s *Profiles) Lookup(id string) (Profile, bool) {
	p, ok := s.byID[id]
	return p, ok
}

// Default returns the default profile.
func (s *Profiles) Default() Profile {
	return s.byID[s.defaultID]
}

// All returns every profile in registration order.
func (s *Profiles) All() []Profile {
	out := make([]Profile, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

// Deployments returns the distinct deployment names across all profiles.
func (s *Profiles) Deployments() []string {
	var out []string
	for _, id := range s.order {
		d := s.byID[id].Deployment
		if !slices.Contains(out, d) {
			out = append(out, d)
		}
	}
	return out
}
