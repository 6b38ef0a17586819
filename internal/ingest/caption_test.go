package ingest

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/dejabot/deja/internal/ollama"
)

// mockChatter implements OllamaChatter with a function field.
type mockChatter struct {
	chatFn func(ctx context.Context, model string, messages []ollama.Message, schema *ollama.Schema) (string, error)
}

func (m *mockChatter) Chat(ctx context.Context, model string, messages []ollama.Message, schema *ollama.Schema) (string, error) {
	return m.chatFn(ctx, model, messages, schema)
}

func TestCaptionerSendsImageAndParsesResult(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shot.png")
	content := []byte("fake-png-bytes")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	var gotModel string
	var gotMessages []ollama.Message
	var gotSchema *ollama.Schema
	chatter := &mockChatter{chatFn: func(_ context.Context, model string, messages []ollama.Message, schema *ollama.Schema) (string, error) {
		gotModel = model
		gotMessages = messages
		gotSchema = schema
		return `{"observations":"terminal window","extracted_text":"exit status 1"}`, nil
	}}

	c := NewCaptioner(chatter, "qwen2.5vl:7b")
	result, err := c.Caption(context.Background(), path)
	if err != nil {
		t.Fatalf("Caption: %v", err)
	}

	if gotModel != "qwen2.5vl:7b" {
		t.Errorf("model = %q, want qwen2.5vl:7b", gotModel)
	}
	if len(gotMessages) != 1 {
		t.Fatalf("sent %d messages, want 1", len(gotMessages))
	}
	wantB64 := base64.StdEncoding.EncodeToString(content)
	if len(gotMessages[0].Images) != 1 || gotMessages[0].Images[0] != wantB64 {
		t.Error("image bytes not base64-encoded into the request")
	}
	if gotSchema == nil {
		t.Fatal("caption call sent no schema")
	}
	if _, ok := gotSchema.Properties["observations"]; !ok {
		t.Error("schema missing observations")
	}

	if result.Observations != "terminal window" {
		t.Errorf("observations = %q", result.Observations)
	}
	if result.ExtractedText != "exit status 1" {
		t.Errorf("extracted_text = %q", result.ExtractedText)
	}
}

func TestCaptionerMissingFile(t *testing.T) {
	c := NewCaptioner(&mockChatter{chatFn: func(context.Context, string, []ollama.Message, *ollama.Schema) (string, error) {
		t.Fatal("chat called for unreadable file")
		return "", nil
	}}, "qwen2.5vl:7b")

	if _, err := c.Caption(context.Background(), filepath.Join(t.TempDir(), "absent.png")); err == nil {
		t.Error("Caption on missing file succeeded, want error")
	}
}

func TestCaptionerRejectsMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shot.png")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	c := NewCaptioner(&mockChatter{chatFn: func(context.Context, string, []ollama.Message, *ollama.Schema) (string, error) {
		return "the image shows a cat", nil
	}}, "qwen2.5vl:7b")

	if _, err := c.Caption(context.Background(), path); err == nil {
		t.Error("Caption with non-JSON response succeeded, want error")
	}
}
