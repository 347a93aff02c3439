// Package tiktoken provides an exact BPE tokenizer for OpenAI model families,
// backed by github.com/pkoukk/tiktoken-go.
//
// Deployment names are resolved to an encoding through tiktoken-go's model
// table (e.g., "gpt-4o" → o200k_base). Deployments whose names are not model
// names, such as custom Azure deployments, are mapped with [WithEncoding] or
// caught by [WithFallbackEncoding].
//
// Encoders are loaded once per deployment and reused; token counts themselves
// are always computed fresh.
//
// By default tiktoken-go downloads the BPE rank files on first use. Hosts
// without network access point [WithBPEDir] at a directory holding the
// *.tiktoken files instead.
package tiktoken

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"sync"

	tiktokenlib "github.com/pkoukk/tiktoken-go"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/nlquery/pkg/tokenizer"
)

// Tokenizer implements tokenizer.Tokenizer with tiktoken BPE encodings.
// It is safe for concurrent use.
type Tokenizer struct {
	overrides map[string]string
	fallback  string
	loader    tiktokenlib.BpeLoader

	mu       sync.RWMutex
	encoders map[string]*tiktokenlib.Tiktoken
}

// Option is a functional option for Tokenizer.
type Option func(*Tokenizer)

// WithEncoding maps deployment to a named encoding (e.g., "o200k_base"),
// bypassing the model-name lookup.
func WithEncoding(deployment, encoding string) Option {
	return func(t *Tokenizer) {
		t.overrides[deployment] = encoding
	}
}

// WithFallbackEncoding sets the encoding used for deployments that are
// neither overridden nor known model names. Without it such deployments
// produce an error.
func WithFallbackEncoding(encoding string) Option {
	return func(t *Tokenizer) {
		t.fallback = encoding
	}
}

// WithBPELoader replaces the loader tiktoken-go uses for BPE rank files.
// The loader is process-wide: it applies to every Tokenizer and is installed
// by [New].
func WithBPELoader(l tiktokenlib.BpeLoader) Option {
	return func(t *Tokenizer) {
		t.loader = l
	}
}

// WithBPEDir loads BPE rank files from dir instead of downloading them. The
// directory must contain the files under their upstream names, e.g.
// o200k_base.tiktoken and cl100k_base.tiktoken.
func WithBPEDir(dir string) Option {
	return WithBPELoader(NewDirLoader(dir))
}

// DirLoader is a tiktokenlib.BpeLoader reading rank files from a local
// directory.
type DirLoader struct {
	dir  string
	next tiktokenlib.BpeLoader
}

// NewDirLoader returns a loader resolving every rank file URL to the file of
// the same name in dir.
func NewDirLoader(dir string) *DirLoader {
	return &DirLoader{dir: dir, next: tiktokenlib.NewDefaultBpeLoader()}
}

// LoadTiktokenBpe implements tiktokenlib.BpeLoader. Parsing is left to
// tiktoken-go, which reads local paths without touching the network.
func (l *DirLoader) LoadTiktokenBpe(file string) (map[string]int, error) {
	local := filepath.Join(l.dir, path.Base(file))
	ranks, err := l.next.LoadTiktokenBpe(local)
	if err != nil {
		return nil, fmt.Errorf("tiktoken: load %s: %w", local, err)
	}
	return ranks, nil
}

// New creates a Tokenizer. Encoders are loaded lazily on first use; call
// [Tokenizer.Warm] to load them up front.
func New(opts ...Option) *Tokenizer {
	t := &Tokenizer{
		overrides: make(map[string]string),
		encoders:  make(map[string]*tiktokenlib.Tiktoken),
	}
	for _, o := range opts {
		o(t)
	}
	if t.loader != nil {
		tiktokenlib.SetBpeLoader(t.loader)
	}
	return t
}

// CountTokens implements tokenizer.Tokenizer.
func (t *Tokenizer) CountTokens(deployment, text string) (int, error) {
	enc, err := t.encoder(deployment)
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, nil, nil)), nil
}

// Warm loads the encoders for all deployments concurrently. It returns the
// first resolution error encountered, or ctx.Err() if ctx ends first. A load
// still running at that point finishes in the background and is cached.
func (t *Tokenizer) Warm(ctx context.Context, deployments ...string) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, d := range deployments {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			done := make(chan error, 1)
			go func() {
				_, err := t.encoder(d)
				done <- err
			}()
			select {
			case err := <-done:
				return err
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	return g.Wait()
}

// encoder returns the cached encoder for deployment, loading it on first use.
func (t *Tokenizer) encoder(deployment string) (*tiktokenlib.Tiktoken, error) {
	t.mu.RLock()
	enc, ok := t.encoders[deployment]
	t.mu.RUnlock()
	if ok {
		return enc, nil
	}

	enc, err := t.load(deployment)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.encoders[deployment]; ok {
		return existing, nil
	}
	t.encoders[deployment] = enc
	return enc, nil
}

// load resolves the encoding for deployment: explicit override first, then
// the model table, then the fallback encoding.
func (t *Tokenizer) load(deployment string) (*tiktokenlib.Tiktoken, error) {
	if name, ok := t.overrides[deployment]; ok {
		enc, err := tiktokenlib.GetEncoding(name)
		if err != nil {
			return nil, fmt.Errorf("tiktoken: encoding %q for deployment %q: %w", name, deployment, err)
		}
		return enc, nil
	}

	enc, err := tiktokenlib.EncodingForModel(deployment)
	if err == nil {
		return enc, nil
	}
	if t.fallback == "" {
		return nil, fmt.Errorf("tiktoken: deployment %q: %w", deployment, err)
	}

	enc, ferr := tiktokenlib.GetEncoding(t.fallback)
	if ferr != nil {
		return nil, fmt.Errorf("tiktoken: fallback encoding %q for deployment %q: %w", t.fallback, deployment, ferr)
	}
	return enc, nil
}

// Ensure Tokenizer implements tokenizer.Tokenizer at compile time.
var _ tokenizer.Tokenizer = (*Tokenizer)(nil)
