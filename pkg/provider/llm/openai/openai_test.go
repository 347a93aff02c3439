package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/nlquery/pkg/provider/llm"
)

// TestConvertMessage_System checks that system role is converted correctly.
func TestConvertMessage_System(t *testing.T) {
	msg := llm.Message{Role: llm.RoleSystem, Content: "You are a SQL generator."}
	param, err := convertMessage(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfSystem == nil {
		t.Fatal("expected OfSystem to be set")
	}
}

// TestConvertMessage_User checks that user role is converted correctly.
func TestConvertMessage_User(t *testing.T) {
	msg := llm.Message{Role: llm.RoleUser, Content: "List all customers."}
	param, err := convertMessage(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfUser == nil {
		t.Fatal("expected OfUser to be set")
	}
}

// TestConvertMessage_Assistant checks that assistant role is converted.
func TestConvertMessage_Assistant(t *testing.T) {
	msg := llm.Message{Role: llm.RoleAssistant, Content: "SELECT * FROM customers;"}
	param, err := convertMessage(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfAssistant == nil {
		t.Fatal("expected OfAssistant to be set")
	}
	if !param.OfAssistant.Content.OfString.Valid() {
		t.Fatal("expected assistant string content to be set")
	}
}

// TestConvertMessage_UnknownRole checks that unknown roles return an error.
func TestConvertMessage_UnknownRole(t *testing.T) {
	msg := llm.Message{Role: "tool", Content: "test"}
	if _, err := convertMessage(msg); err == nil {
		t.Fatal("expected error for unknown role, got nil")
	}
}

func TestBuildParams(t *testing.T) {
	t.Run("empty deployment", func(t *testing.T) {
		_, err := buildParams(llm.CompletionRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}})
		if err == nil {
			t.Fatal("expected error for empty deployment")
		}
	})

	t.Run("preserves order and max tokens", func(t *testing.T) {
		params, err := buildParams(llm.CompletionRequest{
			Deployment: "gpt-4o-mini",
			MaxTokens:  4096,
			Messages: []llm.Message{
				{Role: llm.RoleSystem, Content: "s"},
				{Role: llm.RoleUser, Content: "u1"},
				{Role: llm.RoleAssistant, Content: "a1"},
				{Role: llm.RoleUser, Content: "u2"},
			},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(params.Model) != "gpt-4o-mini" {
			t.Errorf("model = %q, want gpt-4o-mini", params.Model)
		}
		if len(params.Messages) != 4 {
			t.Fatalf("messages = %d, want 4", len(params.Messages))
		}
		if params.Messages[0].OfSystem == nil || params.Messages[1].OfUser == nil ||
			params.Messages[2].OfAssistant == nil || params.Messages[3].OfUser == nil {
			t.Error("message roles not preserved in order")
		}
		if params.MaxCompletionTokens.Value != 4096 {
			t.Errorf("max completion tokens = %d, want 4096", params.MaxCompletionTokens.Value)
		}
	})
}

func TestNew_RequiresAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty api key")
	}
}

// wireMessage is the subset of the chat completion request body we inspect.
type wireMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

func TestComplete_Success(t *testing.T) {
	var gotModel string
	var gotRoles []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Model    string        `json:"model"`
			Messages []wireMessage `json:"messages"`
		}
		_ = json.Unmarshal(body, &req)
		gotModel = req.Model
		for _, m := range req.Messages {
			gotRoles = append(gotRoles, m.Role)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 0,
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "SELECT 1;"}}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15}
		}`)
	}))
	defer srv.Close()

	p, err := New("sk-test", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		Deployment: "gpt-4o-mini",
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "schema"},
			{Role: llm.RoleUser, Content: "how many rows?"},
		},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "SELECT 1;" {
		t.Errorf("content = %q, want %q", resp.Content, "SELECT 1;")
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("usage total = %d, want 15", resp.Usage.TotalTokens)
	}
	if gotModel != "gpt-4o-mini" {
		t.Errorf("model sent = %q, want gpt-4o-mini", gotModel)
	}
	if len(gotRoles) != 2 || gotRoles[0] != "system" || gotRoles[1] != "user" {
		t.Errorf("roles sent = %v, want [system user]", gotRoles)
	}
}

func TestComplete_AzureSendsCompletionTokenLimit(t *testing.T) {
	var gotPath, gotVersion, gotKey string
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotVersion = r.URL.Query().Get("api-version")
		gotKey = r.Header.Get("Api-Key")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "chatcmpl-2",
			"object": "chat.completion",
			"created": 0,
			"model": "gpt-4o",
			"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "ok"}}]
		}`)
	}))
	defer srv.Close()

	p, err := New("az-key", WithAzure(srv.URL, ""))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = p.Complete(context.Background(), llm.CompletionRequest{
		Deployment: "prod-gpt4o",
		Messages:   []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
		MaxTokens:  4096,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	// max_completion_tokens is only accepted from 2024-09-01-preview onwards.
	if gotVersion != defaultAzureAPIVersion || gotVersion < "2024-09-01" {
		t.Errorf("api-version = %q, want %q", gotVersion, defaultAzureAPIVersion)
	}
	if gotPath != "/openai/deployments/prod-gpt4o/chat/completions" {
		t.Errorf("path = %q", gotPath)
	}
	if gotKey != "az-key" {
		t.Errorf("Api-Key = %q, want az-key", gotKey)
	}
	if got, ok := body["max_completion_tokens"].(float64); !ok || got != 4096 {
		t.Errorf("max_completion_tokens = %v, want 4096", body["max_completion_tokens"])
	}
	if _, ok := body["max_tokens"]; ok {
		t.Errorf("max_tokens must not be sent alongside max_completion_tokens")
	}
}

func TestComplete_BackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error": {"message": "context length exceeded", "type": "invalid_request_error"}}`)
	}))
	defer srv.Close()

	p, err := New("sk-test", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = p.Complete(context.Background(), llm.CompletionRequest{
		Deployment: "gpt-4o",
		Messages:   []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	var apiErr *llm.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *llm.APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", apiErr.StatusCode)
	}
}

func TestConvertError_PassesThroughContextErrors(t *testing.T) {
	err := convertError(context.Canceled)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	var apiErr *llm.APIError
	if errors.As(err, &apiErr) {
		t.Fatal("context errors must not be wrapped as APIError")
	}
}
