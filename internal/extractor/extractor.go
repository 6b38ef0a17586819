// Package extractor mines the per-group conversation buffer into
// structured cases. It owns the BUFFER_UPDATE job: append the new
// message, segment, and on a recognized case structure + validate +
// index it.
package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dejabot/deja/internal/buffer"
	"github.com/dejabot/deja/internal/knowledge"
	"github.com/dejabot/deja/internal/metrics"
	"github.com/dejabot/deja/internal/ollama"
	"github.com/dejabot/deja/internal/storage"
)

const (
	segmentTimeout   = 2 * time.Minute
	structureTimeout = 2 * time.Minute
)

// ErrValidationRejected marks a structured case discarded by the
// resolved/summary admission gate. The buffer still advances and the
// job completes; nothing is persisted.
var ErrValidationRejected = errors.New("case rejected by validation")

// OllamaChatter is the interface for chat completion via Ollama.
type OllamaChatter interface {
	Chat(ctx context.Context, model string, messages []ollama.Message, jsonSchema *ollama.Schema) (string, error)
}

// Embedder generates embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, model, text string) ([]float32, error)
}

// Store defines the persistence operations the Extractor needs.
// Implemented by storage.Store.
type Store interface {
	GetMessage(id string) (storage.Message, error)
	SaveCase(c storage.Case) error
	HasCaseForMessage(messageID string) (bool, error)
}

// Indexer receives admitted cases. Implemented by knowledge.Store.
type Indexer interface {
	Upsert(ctx context.Context, c storage.Case, doc string, embedding []float32) error
}

// segmentResult is the structured output of the segmentation call.
type segmentResult struct {
	Found     bool   `json:"found"`
	CaseBlock string `json:"case_block"`
	BufferNew string `json:"buffer_new"`
}

// structuredCase is the structured output of the structuring call.
type structuredCase struct {
	Title             string   `json:"title"`
	ProblemSummary    string   `json:"problem_summary"`
	ResolutionSummary string   `json:"resolution_summary"`
	Status            string   `json:"status"`
	Tags              []string `json:"tags"`
	EvidenceIDs       []string `json:"evidence_message_ids"`
}

// Extractor runs the two-call mining chain over group buffers.
type Extractor struct {
	llm        OllamaChatter
	embedder   Embedder
	store      Store
	index      Indexer
	buffers    *buffer.Manager
	chatModel  string
	embedModel string
}

func New(llm OllamaChatter, embedder Embedder, store Store, index Indexer, buffers *buffer.Manager, chatModel, embedModel string) *Extractor {
	return &Extractor{
		llm:        llm,
		embedder:   embedder,
		store:      store,
		index:      index,
		buffers:    buffers,
		chatModel:  chatModel,
		embedModel: embedModel,
	}
}

// HandleBufferUpdate processes one BUFFER_UPDATE job. The buffer write
// is the last step: a failed attempt leaves the old buffer in place, so
// a retry re-runs the whole chain on identical input.
func (e *Extractor) HandleBufferUpdate(ctx context.Context, messageID string) error {
	msg, err := e.store.GetMessage(messageID)
	if err != nil {
		return fmt.Errorf("loading message %s: %w", messageID, err)
	}

	current, err := e.buffers.Get(msg.GroupID)
	if err != nil {
		return err
	}
	augmented := buffer.Append(current, buffer.FormatLine(msg))

	seg, err := e.segment(ctx, augmented)
	if err != nil {
		return fmt.Errorf("segmenting buffer for %s: %w", msg.GroupID, err)
	}

	if seg.Found {
		// A retry after a partially-committed attempt must not admit the
		// same conversation twice.
		already, err := e.store.HasCaseForMessage(messageID)
		if err != nil {
			return fmt.Errorf("checking prior extraction: %w", err)
		}
		if already {
			slog.Info("case already extracted", "message_id", messageID, "group", msg.GroupID)
		} else if err := e.extractCase(ctx, msg, seg.CaseBlock); err != nil {
			return err
		}
	}

	if err := e.buffers.Set(msg.GroupID, seg.BufferNew); err != nil {
		return err
	}
	return nil
}

// segment asks the model whether the augmented buffer now contains a
// self-contained problem/solution unit. A found result with an empty
// case block is treated as not found.
func (e *Extractor) segment(ctx context.Context, augmented string) (segmentResult, error) {
	ctx, cancel := context.WithTimeout(ctx, segmentTimeout)
	defer cancel()

	raw, err := e.llm.Chat(ctx, e.chatModel, BuildSegmentPrompt(augmented), segmentSchema())
	if err != nil {
		return segmentResult{}, err
	}

	var seg segmentResult
	if err := json.Unmarshal([]byte(raw), &seg); err != nil {
		return segmentResult{}, fmt.Errorf("decoding segmentation response: %w", err)
	}
	if seg.Found && strings.TrimSpace(seg.CaseBlock) == "" {
		slog.Warn("segmentation returned found with empty case block, treating as not found")
		seg.Found = false
	}
	return seg, nil
}

// extractCase runs structuring, validation and admission for one
// recognized case block.
func (e *Extractor) extractCase(ctx context.Context, trigger storage.Message, caseBlock string) error {
	sc, err := e.structure(ctx, caseBlock)
	if err != nil {
		return fmt.Errorf("structuring case: %w", err)
	}

	c, err := e.validate(sc, trigger)
	if errors.Is(err, ErrValidationRejected) {
		return nil
	}
	if err != nil {
		return err
	}

	doc := knowledge.CanonicalDoc(*c)
	embedding, err := e.embedder.Embed(ctx, e.embedModel, doc)
	if err != nil {
		return fmt.Errorf("embedding case document: %w", err)
	}
	if err := e.index.Upsert(ctx, *c, doc, embedding); err != nil {
		return err
	}
	if err := e.store.SaveCase(*c); err != nil {
		return fmt.Errorf("storing case: %w", err)
	}

	metrics.CasesAdmitted.Inc()
	slog.Info("case admitted", "case_id", c.ID, "group", c.GroupID, "title", c.Title, "status", c.Status, "evidence", len(c.EvidenceIDs))
	return nil
}

func (e *Extractor) structure(ctx context.Context, caseBlock string) (structuredCase, error) {
	ctx, cancel := context.WithTimeout(ctx, structureTimeout)
	defer cancel()

	raw, err := e.llm.Chat(ctx, e.chatModel, BuildStructurePrompt(caseBlock), caseSchema())
	if err != nil {
		return structuredCase{}, err
	}

	var sc structuredCase
	if err := json.Unmarshal([]byte(raw), &sc); err != nil {
		return structuredCase{}, fmt.Errorf("decoding structuring response: %w", err)
	}
	return sc, nil
}

// validate checks the structured fields and applies the admission gate.
// Gate rejection returns ErrValidationRejected; malformed output is a
// plain error so the job retries against a hopefully saner model run.
func (e *Extractor) validate(sc structuredCase, trigger storage.Message) (*storage.Case, error) {
	title := strings.TrimSpace(sc.Title)
	if title == "" {
		return nil, fmt.Errorf("structured case has no title")
	}
	if sc.Status != "open" && sc.Status != "resolved" {
		return nil, fmt.Errorf("structured case has status %q", sc.Status)
	}

	evidence := normalizeIDs(sc.EvidenceIDs)
	if len(evidence) == 0 {
		return nil, fmt.Errorf("structured case cites no evidence messages")
	}

	// The admission gate: a resolved case with nothing to say is worse
	// than no case at all.
	if sc.Status == "resolved" && strings.TrimSpace(sc.ResolutionSummary) == "" {
		metrics.CasesRejected.Inc()
		slog.Warn("case rejected: resolved without resolution summary",
			"group", trigger.GroupID, "title", title, "message_id", trigger.ID)
		return nil, ErrValidationRejected
	}

	return &storage.Case{
		ID:                uuid.New().String(),
		GroupID:           trigger.GroupID,
		Title:             title,
		ProblemSummary:    strings.TrimSpace(sc.ProblemSummary),
		ResolutionSummary: strings.TrimSpace(sc.ResolutionSummary),
		Status:            sc.Status,
		Tags:              normalizeTags(sc.Tags),
		EvidenceIDs:       evidence,
		ImagePaths:        e.collectEvidenceImages(evidence),
		SourceMessageID:   trigger.ID,
		CreatedAt:         time.Now().UTC(),
	}, nil
}

// collectEvidenceImages gathers image attachment paths from the evidence
// messages. Evidence ids the model hallucinated are skipped.
func (e *Extractor) collectEvidenceImages(evidenceIDs []string) []string {
	var paths []string
	for _, id := range evidenceIDs {
		msg, err := e.store.GetMessage(id)
		if err != nil {
			slog.Warn("evidence message not found", "message_id", id)
			continue
		}
		for _, a := range msg.Attachments {
			if a.Kind == "image" {
				paths = append(paths, a.Path)
			}
		}
	}
	return paths
}

func normalizeIDs(ids []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out
}
