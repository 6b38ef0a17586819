package gate

import (
	"fmt"
	"strings"

	"github.com/dejabot/deja/internal/ollama"
)

const classifySystemPrompt = `You triage messages in a group chat for a support assistant.

Decide whether the message is worth evaluating for an automatic answer. Say yes for concrete problems, error reports, and questions that past group knowledge might answer. Say no for greetings, acknowledgements, emoji, thanks, banter, and chatter that asks nothing.

Respond with JSON: {"consider": true|false}.`

const groundSystemPrompt = `You are a support assistant in a group chat. You answer only from the knowledge cases supplied below; you never invent facts beyond them.

Decide whether the supplied cases actually address the message. If they do, write a short, direct answer grounded in them and cite the case ids you used. If none of them genuinely helps, do not respond.

Respond with JSON:
- respond: true only when you have a grounded, useful answer.
- text: the answer to post in the chat. Empty when respond is false.
- citations: the ids of the cases the answer draws on. Empty when respond is false.`

// BuildClassifyPrompt builds the Stage 1 chat messages. Images are
// base64 payloads from the triggering message.
func BuildClassifyPrompt(content, buf string, images []string) []ollama.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Message:\n%s\n", content)
	if strings.TrimSpace(buf) != "" {
		fmt.Fprintf(&b, "\nRecent conversation:\n%s\n", buf)
	}
	return []ollama.Message{
		{Role: "system", Content: classifySystemPrompt},
		{Role: "user", Content: b.String(), Images: images},
	}
}

// BuildGroundPrompt builds the Stage 2 chat messages. Candidate blocks
// are pre-serialized cases in ascending-distance order.
func BuildGroundPrompt(content, buf string, candidates []string, images []string) []ollama.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Message:\n%s\n", content)
	if strings.TrimSpace(buf) != "" {
		fmt.Fprintf(&b, "\nRecent conversation:\n%s\n", buf)
	}
	if len(candidates) == 0 {
		b.WriteString("\nKnown cases: none.\n")
	} else {
		b.WriteString("\nKnown cases:\n\n")
		b.WriteString(strings.Join(candidates, "\n"))
	}
	return []ollama.Message{
		{Role: "system", Content: groundSystemPrompt},
		{Role: "user", Content: b.String(), Images: images},
	}
}

func classifySchema() *ollama.Schema {
	return &ollama.Schema{
		Type: "object",
		Properties: map[string]ollama.SchemaProperty{
			"consider": {Type: "boolean", Description: "Whether the message deserves evaluation"},
		},
		Required: []string{"consider"},
	}
}

func groundSchema() *ollama.Schema {
	return &ollama.Schema{
		Type: "object",
		Properties: map[string]ollama.SchemaProperty{
			"respond":   {Type: "boolean", Description: "Whether to post an answer"},
			"text":      {Type: "string", Description: "The answer text"},
			"citations": {Type: "array", Description: "Ids of the cases the answer uses", Items: &ollama.SchemaProperty{Type: "string"}},
		},
		Required: []string{"respond", "text", "citations"},
	}
}
