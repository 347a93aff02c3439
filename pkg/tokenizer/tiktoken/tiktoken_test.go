package tiktoken

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	tiktokenlib "github.com/pkoukk/tiktoken-go"
)

// requireEncodings skips tests that need tiktoken's BPE files, which are
// downloaded on first use unless already present in TIKTOKEN_CACHE_DIR.
func requireEncodings(t *testing.T) {
	t.Helper()
	if os.Getenv("NLQUERY_TOKENIZER_ONLINE") == "" {
		t.Skip("set NLQUERY_TOKENIZER_ONLINE=1 to run tests that load BPE encodings")
	}
}

func TestCountTokens_UnknownDeployment(t *testing.T) {
	tok := New()
	if _, err := tok.CountTokens("my-custom-azure-deployment", "hello"); err == nil {
		t.Fatal("expected error for unresolvable deployment")
	}
}

func TestCountTokens_UnknownOverrideEncoding(t *testing.T) {
	tok := New(WithEncoding("prod-sql", "no_such_encoding"))
	if _, err := tok.CountTokens("prod-sql", "hello"); err == nil {
		t.Fatal("expected error for unknown override encoding")
	}
}

func TestCountTokens_UnknownFallbackEncoding(t *testing.T) {
	tok := New(WithFallbackEncoding("no_such_encoding"))
	if _, err := tok.CountTokens("custom", "hello"); err == nil {
		t.Fatal("expected error for unknown fallback encoding")
	}
}

func TestWarm_PropagatesErrors(t *testing.T) {
	tok := New()
	if err := tok.Warm(context.Background(), "unknown-a", "unknown-b"); err == nil {
		t.Fatal("expected error from Warm for unresolvable deployments")
	}
}

func TestWarm_NoDeployments(t *testing.T) {
	if err := New().Warm(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCountTokens_GPT4o(t *testing.T) {
	requireEncodings(t)
	tok := New()

	got, err := tok.CountTokens("gpt-4o", "hello world")
	if err != nil {
		t.Fatalf("CountTokens: %v", err)
	}
	if got != 2 {
		t.Errorf("tokens = %d, want 2", got)
	}

	empty, err := tok.CountTokens("gpt-4o", "")
	if err != nil {
		t.Fatalf("CountTokens(empty): %v", err)
	}
	if empty != 0 {
		t.Errorf("tokens(empty) = %d, want 0", empty)
	}
}

func TestCountTokens_OverrideMatchesModel(t *testing.T) {
	requireEncodings(t)
	tok := New(WithEncoding("prod-sql", "o200k_base"))
	text := "SELECT name FROM customers WHERE id = 42;"

	viaOverride, err := tok.CountTokens("prod-sql", text)
	if err != nil {
		t.Fatalf("CountTokens(override): %v", err)
	}
	viaModel, err := tok.CountTokens("gpt-4o", text)
	if err != nil {
		t.Fatalf("CountTokens(model): %v", err)
	}
	if viaOverride != viaModel {
		t.Errorf("override count %d != model count %d", viaOverride, viaModel)
	}
}

func TestCountTokens_Deterministic(t *testing.T) {
	requireEncodings(t)
	tok := New()
	text := "How many orders were placed last month?"
	first, err := tok.CountTokens("gpt-4o-mini", text)
	if err != nil {
		t.Fatalf("CountTokens: %v", err)
	}
	for i := 0; i < 5; i++ {
		got, err := tok.CountTokens("gpt-4o-mini", text)
		if err != nil {
			t.Fatalf("CountTokens: %v", err)
		}
		if got != first {
			t.Fatalf("count changed between calls: %d != %d", got, first)
		}
	}
}

// writeRanks writes a rank file holding every single byte plus the merge
// "hi", so counts are predictable without the real vocabularies.
func writeRanks(t *testing.T, dir, name string) {
	t.Helper()
	var b strings.Builder
	for i := range 256 {
		fmt.Fprintf(&b, "%s %d\n", base64.StdEncoding.EncodeToString([]byte{byte(i)}), i)
	}
	fmt.Fprintf(&b, "%s %d\n", base64.StdEncoding.EncodeToString([]byte("hi")), 256)
	if err := os.WriteFile(filepath.Join(dir, name), []byte(b.String()), 0o644); err != nil {
		t.Fatalf("write ranks: %v", err)
	}
}

// useLoaderCleanup restores the downloading loader after a test swaps it.
func useLoaderCleanup(t *testing.T) {
	t.Helper()
	t.Setenv("TIKTOKEN_CACHE_DIR", t.TempDir())
	t.Cleanup(func() { tiktokenlib.SetBpeLoader(tiktokenlib.NewDefaultBpeLoader()) })
}

func TestWithBPEDir_CountsOffline(t *testing.T) {
	useLoaderCleanup(t)
	dir := t.TempDir()
	writeRanks(t, dir, "r50k_base.tiktoken")

	tok := New(WithBPEDir(dir), WithEncoding("legacy", "r50k_base"))

	tests := []struct {
		text string
		want int
	}{
		{"hi", 1},
		{"ho", 2},
		{"", 0},
	}
	for _, tc := range tests {
		got, err := tok.CountTokens("legacy", tc.text)
		if err != nil {
			t.Fatalf("CountTokens(%q): %v", tc.text, err)
		}
		if got != tc.want {
			t.Errorf("CountTokens(%q) = %d, want %d", tc.text, got, tc.want)
		}
	}
}

func TestWithBPEDir_MissingFile(t *testing.T) {
	useLoaderCleanup(t)

	tok := New(WithBPEDir(t.TempDir()), WithEncoding("edit", "p50k_edit"))
	_, err := tok.CountTokens("edit", "hello")
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("err = %v, want a missing-file error", err)
	}
	if !strings.Contains(err.Error(), "p50k_base.tiktoken") {
		t.Errorf("error should name the rank file, got %q", err)
	}
}

// blockingLoader never finishes a load until release is closed.
type blockingLoader struct {
	release chan struct{}
}

func (b *blockingLoader) LoadTiktokenBpe(string) (map[string]int, error) {
	<-b.release
	return nil, errors.New("released")
}

func TestWarm_RespectsContext(t *testing.T) {
	useLoaderCleanup(t)
	bl := &blockingLoader{release: make(chan struct{})}
	t.Cleanup(func() { close(bl.release) })

	tok := New(WithBPELoader(bl), WithEncoding("slow", "p50k_base"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := tok.Warm(ctx, "slow")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Warm = %v, want context.DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Warm returned after %v, should stop at the deadline", elapsed)
	}
}
