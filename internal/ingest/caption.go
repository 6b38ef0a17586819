package ingest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dejabot/deja/internal/ollama"
)

const captionTimeout = 60 * time.Second

// OllamaChatter is the interface for chat completion via Ollama.
type OllamaChatter interface {
	Chat(ctx context.Context, model string, messages []ollama.Message, jsonSchema *ollama.Schema) (string, error)
}

// CaptionResult is the structured description of one image.
type CaptionResult struct {
	Observations  string `json:"observations"`
	ExtractedText string `json:"extracted_text"`
}

// Captioner describes images with a local vision model.
type Captioner struct {
	client OllamaChatter
	model  string
}

func NewCaptioner(client OllamaChatter, model string) *Captioner {
	return &Captioner{client: client, model: model}
}

const captionPrompt = `Describe this image from a group chat. Report what is visible (screenshots, error dialogs, photos, diagrams) in observations, and transcribe any readable text into extracted_text. Be factual and brief.`

// Caption loads the image and asks the vision model for a structured
// description.
func (c *Captioner) Caption(ctx context.Context, path string) (CaptionResult, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return CaptionResult{}, fmt.Errorf("reading image: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, captionTimeout)
	defer cancel()

	resp, err := c.client.Chat(ctx, c.model, []ollama.Message{
		{Role: "user", Content: captionPrompt, Images: []string{base64.StdEncoding.EncodeToString(raw)}},
	}, captionSchema())
	if err != nil {
		return CaptionResult{}, fmt.Errorf("caption call: %w", err)
	}

	var result CaptionResult
	if err := json.Unmarshal([]byte(resp), &result); err != nil {
		return CaptionResult{}, fmt.Errorf("decoding caption response: %w", err)
	}
	return result, nil
}

// captionSchema returns the Ollama JSON schema for structured caption output.
func captionSchema() *ollama.Schema {
	return &ollama.Schema{
		Type: "object",
		Properties: map[string]ollama.SchemaProperty{
			"observations":   {Type: "string", Description: "What the image shows"},
			"extracted_text": {Type: "string", Description: "Readable text transcribed from the image, empty if none"},
		},
		Required: []string{"observations", "extracted_text"},
	}
}
