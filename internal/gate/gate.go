// Package gate decides whether an incoming message deserves an
// automatic reply. It owns the MAYBE_RESPOND job's decision: a cheap
// classification pass, group-scoped retrieval, then a grounded respond
// call over the retrieved cases.
package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dejabot/deja/internal/buffer"
	"github.com/dejabot/deja/internal/knowledge"
	"github.com/dejabot/deja/internal/ollama"
	"github.com/dejabot/deja/internal/storage"
)

const (
	classifyTimeout = 1 * time.Minute
	groundTimeout   = 2 * time.Minute
)

// Terminal states of a decision.
const (
	StateIgnored   = "ignored"
	StateDeclined  = "declined"
	StateResponded = "responded"
)

// Reasons attached to outcomes, also used as metric labels.
const (
	ReasonNotConsidered   = "not_considered"
	ReasonClassifyFailed  = "classify_failed"
	ReasonNothingToReason = "nothing_to_reason_over"
	ReasonModelDeclined   = "model_declined"
	ReasonGroundFailed    = "ground_failed"
	ReasonGrounded        = "grounded"
)

// OllamaChatter is the interface for chat completion via Ollama.
type OllamaChatter interface {
	Chat(ctx context.Context, model string, messages []ollama.Message, jsonSchema *ollama.Schema) (string, error)
}

// Embedder generates embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, model, text string) ([]float32, error)
}

// CaseStore resolves retrieved case ids to their stored records.
// Implemented by storage.Store.
type CaseStore interface {
	GetCase(id string) (storage.Case, error)
}

// Searcher runs group-scoped similarity queries. Implemented by
// knowledge.Store.
type Searcher interface {
	Query(ctx context.Context, groupID string, embedding []float32, k int) ([]knowledge.RetrievedCase, error)
}

// Config carries the tunables the gate reads.
type Config struct {
	ChatModel          string
	VisionModel        string
	EmbedModel         string
	BotName            string
	Aliases            []string
	TopK               int
	Stage1Images       int
	CaseImages         int
	MaxImageBytes      int64
	MaxTotalImageBytes int64
	AttachmentsRoot    string
}

// Outcome is the terminal result of one decision.
type Outcome struct {
	State      string
	Reason     string
	Mentioned  bool
	Candidates []knowledge.RetrievedCase
	Text       string
	Citations  []string
}

type classifyResult struct {
	Consider bool `json:"consider"`
}

type groundResult struct {
	Respond   bool     `json:"respond"`
	Text      string   `json:"text"`
	Citations []string `json:"citations"`
}

// Gate runs the two-stage decision over one message.
type Gate struct {
	llm      OllamaChatter
	embedder Embedder
	cases    CaseStore
	search   Searcher
	buffers  *buffer.Manager
	cfg      Config
}

func New(llm OllamaChatter, embedder Embedder, cases CaseStore, search Searcher, buffers *buffer.Manager, cfg Config) *Gate {
	return &Gate{
		llm:      llm,
		embedder: embedder,
		cases:    cases,
		search:   search,
		buffers:  buffers,
		cfg:      cfg,
	}
}

// Decide runs the full chain for one message. Model failures inside the
// stages resolve to silent terminal states rather than errors; only
// infrastructure failures (buffer, embedding, retrieval) return an error
// so the job retries.
func (g *Gate) Decide(ctx context.Context, msg storage.Message) (Outcome, error) {
	mentioned := MentionsBot(msg.Text, g.cfg.BotName, g.cfg.Aliases)

	buf, err := g.buffers.Get(msg.GroupID)
	if err != nil {
		return Outcome{}, err
	}

	if mentioned {
		slog.Debug("bot mentioned, skipping classification", "message_id", msg.ID)
	} else {
		considered, err := g.classify(ctx, msg, buf)
		if err != nil {
			slog.Warn("classification failed, staying silent", "message_id", msg.ID, "error", err)
			return Outcome{State: StateIgnored, Reason: ReasonClassifyFailed}, nil
		}
		if !considered {
			return Outcome{State: StateIgnored, Reason: ReasonNotConsidered}, nil
		}
	}

	embedding, err := g.embedder.Embed(ctx, g.cfg.EmbedModel, contentOf(msg))
	if err != nil {
		return Outcome{}, fmt.Errorf("embedding message %s: %w", msg.ID, err)
	}
	candidates, err := g.search.Query(ctx, msg.GroupID, embedding, g.cfg.TopK)
	if err != nil {
		return Outcome{}, fmt.Errorf("querying cases for %s: %w", msg.GroupID, err)
	}

	if len(candidates) == 0 && strings.TrimSpace(buf) == "" {
		return Outcome{State: StateDeclined, Reason: ReasonNothingToReason, Mentioned: mentioned}, nil
	}

	res, err := g.ground(ctx, msg, buf, candidates)
	if err != nil {
		slog.Warn("grounding failed, staying silent", "message_id", msg.ID, "error", err)
		return Outcome{State: StateDeclined, Reason: ReasonGroundFailed, Mentioned: mentioned, Candidates: candidates}, nil
	}
	if !res.Respond || strings.TrimSpace(res.Text) == "" {
		return Outcome{State: StateDeclined, Reason: ReasonModelDeclined, Mentioned: mentioned, Candidates: candidates}, nil
	}

	return Outcome{
		State:      StateResponded,
		Reason:     ReasonGrounded,
		Mentioned:  mentioned,
		Candidates: candidates,
		Text:       strings.TrimSpace(res.Text),
		Citations:  filterCitations(res.Citations, candidates),
	}, nil
}

// classify is Stage 1: is this message worth evaluating at all.
func (g *Gate) classify(ctx context.Context, msg storage.Message, buf string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, classifyTimeout)
	defer cancel()

	loader := newImageLoader(g.cfg.AttachmentsRoot, g.cfg.MaxImageBytes, g.cfg.MaxTotalImageBytes)
	images := loader.loadMessage(msg, g.cfg.Stage1Images)

	raw, err := g.llm.Chat(ctx, g.model(images), BuildClassifyPrompt(contentOf(msg), buf, images), classifySchema())
	if err != nil {
		return false, err
	}
	var res classifyResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return false, fmt.Errorf("decoding classification response: %w", err)
	}
	return res.Consider, nil
}

// ground is Stage 2: answer from the retrieved cases, or decline.
func (g *Gate) ground(ctx context.Context, msg storage.Message, buf string, candidates []knowledge.RetrievedCase) (groundResult, error) {
	ctx, cancel := context.WithTimeout(ctx, groundTimeout)
	defer cancel()

	loader := newImageLoader(g.cfg.AttachmentsRoot, g.cfg.MaxImageBytes, g.cfg.MaxTotalImageBytes)
	images := loader.loadMessage(msg, g.cfg.Stage1Images)

	var blocks []string
	for _, cand := range candidates {
		c, err := g.cases.GetCase(cand.CaseID)
		if err != nil {
			slog.Warn("retrieved case not in store, skipping", "case_id", cand.CaseID, "error", err)
			continue
		}
		blocks = append(blocks, formatCandidate(c, cand.Distance))
		images = append(images, loader.loadPaths(c.ImagePaths, g.cfg.CaseImages)...)
	}

	raw, err := g.llm.Chat(ctx, g.model(images), BuildGroundPrompt(contentOf(msg), buf, blocks, images), groundSchema())
	if err != nil {
		return groundResult{}, err
	}
	var res groundResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return groundResult{}, fmt.Errorf("decoding respond response: %w", err)
	}
	return res, nil
}

// model picks the vision model when images ride along.
func (g *Gate) model(images []string) string {
	if len(images) > 0 && g.cfg.VisionModel != "" {
		return g.cfg.VisionModel
	}
	return g.cfg.ChatModel
}

// MentionsBot reports whether the text addresses the bot directly:
// @name, or any configured alias, case-insensitive.
func MentionsBot(text, name string, aliases []string) bool {
	lower := strings.ToLower(text)
	if name != "" && strings.Contains(lower, "@"+strings.ToLower(name)) {
		return true
	}
	for _, alias := range aliases {
		alias = strings.ToLower(strings.TrimSpace(alias))
		if alias != "" && strings.Contains(lower, alias) {
			return true
		}
	}
	return false
}

// contentOf returns the annotated content when present, the raw text
// otherwise. Retrieval and the model calls both want the captions.
func contentOf(m storage.Message) string {
	if m.ContentText != "" {
		return m.ContentText
	}
	return m.Text
}

// formatCandidate serializes one retrieved case for the respond prompt.
func formatCandidate(c storage.Case, distance float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Case %s (status: %s, distance: %.2f)\n", c.ID, c.Status, distance)
	fmt.Fprintf(&b, "Title: %s\n", c.Title)
	fmt.Fprintf(&b, "Problem: %s\n", c.ProblemSummary)
	if c.ResolutionSummary != "" {
		fmt.Fprintf(&b, "Resolution: %s\n", c.ResolutionSummary)
	}
	if len(c.Tags) > 0 {
		fmt.Fprintf(&b, "Tags: %s\n", strings.Join(c.Tags, ", "))
	}
	return b.String()
}

// filterCitations keeps only citations that name a retrieved candidate,
// deduplicated, in the model's order.
func filterCitations(citations []string, candidates []knowledge.RetrievedCase) []string {
	known := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		known[c.CaseID] = true
	}
	seen := make(map[string]bool)
	var out []string
	for _, id := range citations {
		id = strings.TrimSpace(id)
		if id == "" || !known[id] || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
