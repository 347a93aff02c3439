package health

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/MrWong99/nlquery/internal/resilience"
)

// Warmer preloads tokenizer encodings for a set of deployments.
type Warmer interface {
	Warm(ctx context.Context, deployments ...string) error
}

// TokenizerCheck reports ready once an encoding can be loaded for every
// deployment. Loaded encodings are cached by the tokenizer, so repeated
// checks are cheap.
func TokenizerCheck(w Warmer, deployments []string) Checker {
	return Checker{
		Name: "tokenizer",
		Check: func(ctx context.Context) error {
			return w.Warm(ctx, deployments...)
		},
	}
}

// BackendCheck fails when every backend's circuit breaker is open, i.e. when
// no completion request could currently be served.
func BackendCheck(states func() map[string]resilience.State) Checker {
	return Checker{
		Name: "backend",
		Check: func(context.Context) error {
			s := states()
			if len(s) == 0 {
				return nil
			}
			var open []string
			for _, name := range slices.Sorted(maps.Keys(s)) {
				if s[name] != resilience.StateOpen {
					return nil
				}
				open = append(open, name)
			}
			return fmt.Errorf("all backend circuits open: %s", strings.Join(open, ", "))
		},
	}
}
