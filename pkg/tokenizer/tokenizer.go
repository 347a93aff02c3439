// Package tokenizer defines the Tokenizer interface used for exact token
// accounting against a model deployment.
//
// Counts are in the deployment's native token unit, never characters or
// words. Implementations must be deterministic for a given deployment and
// text, and safe for concurrent use.
package tokenizer

// Tokenizer counts tokens for text as the named deployment would encode it.
type Tokenizer interface {
	// CountTokens returns the number of tokens text occupies for deployment.
	// An error is returned when no encoding can be resolved for deployment.
	CountTokens(deployment, text string) (int, error)
}
