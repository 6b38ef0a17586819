package extractor

import (
	"fmt"

	"github.com/dejabot/deja/internal/ollama"
)

const segmentSystemPrompt = `You watch a group chat transcript and look for finished conversations worth remembering.

Each transcript line has the form [message_id|sender|HH:MM] content. Attachment annotations like [image] or [pdf] may follow the text on a line.

A conversation is worth extracting when it is a self-contained unit: someone raised a concrete problem or question and the exchange around it has clearly ended, either with a working answer or by going stale. Do not extract small talk, greetings, or exchanges that are still actively unfolding.

Respond with JSON:
- found: true if the transcript contains at least one complete extractable conversation.
- case_block: the transcript lines of that conversation, verbatim, including their [message_id|sender|HH:MM] prefixes. Empty when found is false.
- buffer_new: the transcript to keep for next time. Remove the lines you placed in case_block and drop stray lines that no longer matter (old greetings, noise). Keep every line that could still be part of an ongoing exchange. When found is false, buffer_new is the input transcript, minus noise.

Never invent lines. Every line in case_block and buffer_new must appear in the input transcript.`

const structureSystemPrompt = `You turn a chat transcript fragment into a structured support case.

Each line has the form [message_id|sender|HH:MM] content.

Respond with JSON:
- title: one short line naming the problem.
- problem_summary: what was wrong, in a few sentences, self-contained.
- resolution_summary: what fixed it, concretely enough that a stranger could follow it. Empty only when status is open.
- status: "resolved" if the exchange ends with a confirmed or strongly implied fix, otherwise "open".
- tags: a few lowercase topic keywords.
- evidence_message_ids: the message_id values (from the line prefixes) of the messages that carry the problem and its resolution, in transcript order. Never invent ids.`

// BuildSegmentPrompt builds the chat messages for the segmentation call.
func BuildSegmentPrompt(transcript string) []ollama.Message {
	return []ollama.Message{
		{Role: "system", Content: segmentSystemPrompt},
		{Role: "user", Content: fmt.Sprintf("Transcript:\n%s", transcript)},
	}
}

// BuildStructurePrompt builds the chat messages for the structuring call.
func BuildStructurePrompt(caseBlock string) []ollama.Message {
	return []ollama.Message{
		{Role: "system", Content: structureSystemPrompt},
		{Role: "user", Content: fmt.Sprintf("Conversation:\n%s", caseBlock)},
	}
}

func segmentSchema() *ollama.Schema {
	return &ollama.Schema{
		Type: "object",
		Properties: map[string]ollama.SchemaProperty{
			"found":      {Type: "boolean", Description: "Whether a complete extractable conversation was found"},
			"case_block": {Type: "string", Description: "Verbatim transcript lines of the extracted conversation"},
			"buffer_new": {Type: "string", Description: "Transcript to retain for the next round"},
		},
		Required: []string{"found", "case_block", "buffer_new"},
	}
}

func caseSchema() *ollama.Schema {
	return &ollama.Schema{
		Type: "object",
		Properties: map[string]ollama.SchemaProperty{
			"title":              {Type: "string", Description: "Short name for the problem"},
			"problem_summary":    {Type: "string", Description: "Self-contained description of the problem"},
			"resolution_summary": {Type: "string", Description: "How it was fixed, empty for open cases"},
			"status":             {Type: "string", Enum: []string{"open", "resolved"}},
			"tags": {
				Type:        "array",
				Description: "Lowercase topic keywords",
				Items:       &ollama.SchemaProperty{Type: "string"},
			},
			"evidence_message_ids": {
				Type:        "array",
				Description: "Ids of the messages carrying problem and resolution",
				Items:       &ollama.SchemaProperty{Type: "string"},
			},
		},
		Required: []string{"title", "problem_summary", "resolution_summary", "status", "tags", "evidence_message_ids"},
	}
}
