package worker

import (
	"context"
	"encoding/json"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dejabot/deja/internal/buffer"
	"github.com/dejabot/deja/internal/composer"
	"github.com/dejabot/deja/internal/extractor"
	"github.com/dejabot/deja/internal/gate"
	"github.com/dejabot/deja/internal/ingest"
	"github.com/dejabot/deja/internal/knowledge"
	"github.com/dejabot/deja/internal/ollama"
	"github.com/dejabot/deja/internal/storage"
	"github.com/dejabot/deja/internal/transport"
)

// caseLinePattern matches the case header the grounding prompt renders
// for each candidate.
var caseLinePattern = regexp.MustCompile(`Case ([0-9a-f-]{36}) \(status:`)

// scriptedLLM routes each chat call to a scenario hook by recognizing
// which pipeline prompt it received, and records the call order.
type scriptedLLM struct {
	mu        sync.Mutex
	segment   func(transcript string) string
	structure func(user string) string
	classify  func(user string) string
	ground    func(user string) string
	calls     []string
}

func (s *scriptedLLM) Chat(_ context.Context, _ string, messages []ollama.Message, _ *ollama.Schema) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	system := messages[0].Content
	user := messages[len(messages)-1].Content
	switch {
	case strings.Contains(system, "buffer_new"):
		s.calls = append(s.calls, "segment")
		return s.segment(strings.TrimPrefix(user, "Transcript:\n")), nil
	case strings.Contains(system, "evidence_message_ids"):
		s.calls = append(s.calls, "structure")
		return s.structure(user), nil
	case strings.Contains(system, `{"consider"`):
		s.calls = append(s.calls, "classify")
		return s.classify(user), nil
	default:
		s.calls = append(s.calls, "ground")
		return s.ground(user), nil
	}
}

func (s *scriptedLLM) callLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// flatEmbedder maps every text to the same unit vector, so any indexed
// case sits at distance zero from any query.
type flatEmbedder struct{}

func (flatEmbedder) Embed(context.Context, string, string) ([]float32, error) {
	return []float32{0.6, 0.8}, nil
}

type recordingSender struct {
	mu   sync.Mutex
	sent []transport.OutboundMessage
}

func (r *recordingSender) Send(_ context.Context, msg transport.OutboundMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

func segmentResult(t *testing.T, found bool, caseBlock, bufferNew string) string {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"found":      found,
		"case_block": caseBlock,
		"buffer_new": bufferNew,
	})
	if err != nil {
		t.Fatalf("marshaling segment result: %v", err)
	}
	return string(b)
}

func enqueueInbound(t *testing.T, s *storage.Store, in ingest.InboundMessage) {
	t.Helper()
	payload, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshaling inbound payload: %v", err)
	}
	inserted, err := s.EnqueueJob(storage.Job{
		ID:          uuid.New().String(),
		Type:        storage.JobIngest,
		GroupID:     in.GroupID,
		PayloadJSON: string(payload),
		DedupeKey:   storage.JobIngest + ":" + in.MessageID,
		MaxAttempts: 3,
	})
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	if !inserted {
		t.Fatalf("job for %s was deduplicated", in.MessageID)
	}
}

func drainQueue(t *testing.T, pool *Pool) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		claimed, err := pool.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce failed: %v", err)
		}
		if !claimed {
			return
		}
	}
	t.Fatal("queue did not drain after 100 iterations")
}

// TestPipeline_MinesCaseAndAnswersRepeatQuestion drives the whole chain
// through real components: two messages that state and solve a problem
// become a resolved case, and a later message hitting the same problem
// gets a reply quoting the solution message and citing the case.
func TestPipeline_MinesCaseAndAnswersRepeatQuestion(t *testing.T) {
	store := openTestStore(t)
	index, err := knowledge.Open("")
	if err != nil {
		t.Fatalf("knowledge.Open failed: %v", err)
	}
	buffers := buffer.NewManager(store)

	answer := "This came up before: run ALTER EXTENSION pg_stat_statements UPDATE after the upgrade."
	llm := &scriptedLLM{
		// A closed case is visible once the solution message m2 is in
		// the transcript.
		segment: func(transcript string) string {
			if strings.Contains(transcript, "[m2|") {
				return segmentResult(t, true, transcript, "")
			}
			return segmentResult(t, false, "", transcript)
		},
		structure: func(string) string {
			return `{
				"title": "Postgres upgrade breaks pg_stat_statements",
				"problem_summary": "After upgrading to Postgres 16, queries touching pg_stat_statements fail.",
				"resolution_summary": "Run ALTER EXTENSION pg_stat_statements UPDATE after the upgrade.",
				"status": "resolved",
				"tags": ["postgres", "upgrade"],
				"evidence_message_ids": ["m1", "m2"]
			}`
		},
		classify: func(user string) string {
			if strings.Contains(user, "hitting the same") {
				return `{"consider": true}`
			}
			return `{"consider": false}`
		},
		ground: func(user string) string {
			m := caseLinePattern.FindStringSubmatch(user)
			if m == nil {
				return `{"respond": false, "text": "", "citations": []}`
			}
			b, _ := json.Marshal(map[string]any{
				"respond":   true,
				"text":      answer,
				"citations": []string{m[1]},
			})
			return string(b)
		},
	}

	attachments := t.TempDir()
	svc := ingest.NewService(store, nil, attachments, "pepper", 3)
	extract := extractor.New(llm, flatEmbedder{}, store, index, buffers, "chat-model", "embed-model")
	decider := gate.New(llm, flatEmbedder{}, store, index, buffers, gate.Config{
		ChatModel:          "chat-model",
		EmbedModel:         "embed-model",
		BotName:            "deja",
		TopK:               4,
		Stage1Images:       2,
		CaseImages:         2,
		MaxImageBytes:      1 << 20,
		MaxTotalImageBytes: 4 << 20,
		AttachmentsRoot:    attachments,
	})
	comp := composer.New(store, composer.Config{
		QuoteThreshold:     0.35,
		CaseImages:         2,
		MaxImageBytes:      1 << 20,
		MaxTotalImageBytes: 4 << 20,
		AttachmentsRoot:    attachments,
	})
	sender := &recordingSender{}
	pool := NewPool(store, NewDispatcher(store, svc, extract, decider, comp, sender), 1, time.Millisecond)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for _, in := range []ingest.InboundMessage{
		{MessageID: "m1", GroupID: "g1", Sender: "alice", Timestamp: base, Text: "our postgres 16 upgrade fails with pg_stat_statements errors"},
		{MessageID: "m2", GroupID: "g1", Sender: "bob", Timestamp: base.Add(5 * time.Minute), Text: "fixed: run ALTER EXTENSION pg_stat_statements UPDATE after upgrading"},
		{MessageID: "m3", GroupID: "g1", Sender: "carol", Timestamp: base.Add(time.Hour), Text: "hitting the same pg_stat_statements errors after our upgrade"},
	} {
		enqueueInbound(t, store, in)
	}

	drainQueue(t, pool)

	cases, err := store.ListGroupCases("g1", 10)
	if err != nil {
		t.Fatalf("ListGroupCases failed: %v", err)
	}
	if len(cases) != 1 {
		t.Fatalf("got %d cases, want 1", len(cases))
	}
	c := cases[0]
	if c.Status != "resolved" {
		t.Errorf("case status = %q, want resolved", c.Status)
	}
	if c.ResolutionSummary == "" {
		t.Error("resolved case has empty resolution summary")
	}
	if !reflect.DeepEqual(c.EvidenceIDs, []string{"m1", "m2"}) {
		t.Errorf("evidence ids = %v, want [m1 m2]", c.EvidenceIDs)
	}
	if index.Count() != 1 {
		t.Errorf("index count = %d, want 1", index.Count())
	}

	sender.mu.Lock()
	sent := append([]transport.OutboundMessage(nil), sender.sent...)
	sender.mu.Unlock()
	if len(sent) != 1 {
		t.Fatalf("got %d outbound messages, want 1", len(sent))
	}
	reply := sent[0]
	if reply.GroupID != "g1" {
		t.Errorf("reply group = %q, want g1", reply.GroupID)
	}
	if reply.Text != answer {
		t.Errorf("reply text = %q, want %q", reply.Text, answer)
	}
	if reply.QuoteMessageID != "m2" {
		t.Errorf("reply quotes %q, want the solution message m2", reply.QuoteMessageID)
	}
	if want := ingest.Fingerprint("pepper", "carol"); reply.MentionSenderFP != want {
		t.Errorf("reply mentions %q, want %q", reply.MentionSenderFP, want)
	}
	if len(reply.ImagePaths) != 0 {
		t.Errorf("reply carries %d images, want 0", len(reply.ImagePaths))
	}

	// Extraction consumed m1/m2 from the buffer; only m3 remains.
	buf, err := store.GetBuffer("g1")
	if err != nil {
		t.Fatalf("GetBuffer failed: %v", err)
	}
	if !strings.Contains(buf, "[m3|") {
		t.Errorf("buffer %q does not contain the m3 line", buf)
	}
	if strings.Contains(buf, "[m1|") || strings.Contains(buf, "[m2|") {
		t.Errorf("buffer %q still contains extracted lines", buf)
	}

	counts, err := store.CountJobs()
	if err != nil {
		t.Fatalf("CountJobs failed: %v", err)
	}
	if counts[storage.JobDone] != 9 {
		t.Errorf("done jobs = %d, want 9 (3 ingest + 3 buffer updates + 3 gate runs)", counts[storage.JobDone])
	}
	if counts[storage.JobPending] != 0 || counts[storage.JobDead] != 0 {
		t.Errorf("leftover jobs: %v", counts)
	}

	// FIFO per group: each message is ingested, buffered, then gated in
	// arrival order.
	wantCalls := []string{"segment", "classify", "segment", "structure", "classify", "segment", "classify", "ground"}
	if got := llm.callLog(); !reflect.DeepEqual(got, wantCalls) {
		t.Errorf("model call order = %v, want %v", got, wantCalls)
	}
}
