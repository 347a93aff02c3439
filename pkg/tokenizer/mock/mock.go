// Package mock provides a test double for the tokenizer.Tokenizer interface.
//
// Tokenizer assigns fixed costs to exact texts so tests can reason about
// budgets in whole numbers:
//
//	tok := &mock.Tokenizer{Costs: map[string]int{"system": 5, "q": 7}}
package mock

import (
	"sync"

	"github.com/MrWong99/nlquery/pkg/tokenizer"
)

// CountCall records a single invocation of CountTokens.
type CountCall struct {
	Deployment string
	Text       string
}

// Tokenizer is a mock implementation of tokenizer.Tokenizer.
type Tokenizer struct {
	mu sync.Mutex

	// Costs maps exact text to its token count.
	Costs map[string]int

	// Default is returned for texts absent from Costs.
	Default int

	// Err, if non-nil, is returned by every CountTokens call.
	Err error

	// Calls records every invocation of CountTokens in order.
	Calls []CountCall
}

// CountTokens records the call and returns the configured cost.
func (t *Tokenizer) CountTokens(deployment, text string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Calls = append(t.Calls, CountCall{Deployment: deployment, Text: text})
	if t.Err != nil {
		return 0, t.Err
	}
	if n, ok := t.Costs[text]; ok {
		return n, nil
	}
	return t.Default, nil
}

// Deployments returns the distinct deployment names seen so far.
func (t *Tokenizer) Deployments() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, c := range t.Calls {
		if !seen[c.Deployment] {
			seen[c.Deployment] = true
			out = append(out, c.Deployment)
		}
	}
	return out
}

// Ensure Tokenizer implements tokenizer.Tokenizer at compile time.
var _ tokenizer.Tokenizer = (*Tokenizer)(nil)
