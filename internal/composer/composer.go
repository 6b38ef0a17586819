// Package composer turns a respond decision into the outbound message
// payload: reply text, quote target, mention target, and a bounded set
// of attached images.
package composer

import (
	"log/slog"
	"os"

	"github.com/dejabot/deja/internal/gate"
	"github.com/dejabot/deja/internal/ingest"
	"github.com/dejabot/deja/internal/knowledge"
	"github.com/dejabot/deja/internal/storage"
	"github.com/dejabot/deja/internal/transport"
)

// CaseStore resolves cited case ids. Implemented by storage.Store.
type CaseStore interface {
	GetCase(id string) (storage.Case, error)
}

// Config carries the composer's budgets.
type Config struct {
	QuoteThreshold     float64
	CaseImages         int
	MaxImageBytes      int64
	MaxTotalImageBytes int64
	AttachmentsRoot    string
}

// Composer assembles outbound payloads from gate outcomes.
type Composer struct {
	cases CaseStore
	cfg   Config
}

func New(cases CaseStore, cfg Config) *Composer {
	return &Composer{cases: cases, cfg: cfg}
}

// Compose builds the outbound message for a responded outcome. The
// trigger's sender is always the mention target; the quote target is the
// top cited case's last evidence message when retrieval was confident,
// the trigger itself otherwise.
func (c *Composer) Compose(trigger storage.Message, out gate.Outcome) transport.OutboundMessage {
	msg := transport.OutboundMessage{
		GroupID:         trigger.GroupID,
		Text:            out.Text,
		QuoteMessageID:  trigger.ID,
		MentionSenderFP: trigger.SenderFP,
	}

	top, ok := topCitedCandidate(out)
	var topCase *storage.Case
	if ok {
		tc, err := c.cases.GetCase(top.CaseID)
		if err != nil {
			slog.Warn("cited case not in store", "case_id", top.CaseID, "error", err)
		} else {
			topCase = &tc
		}
	}

	if topCase != nil && top.Distance < c.cfg.QuoteThreshold && len(topCase.EvidenceIDs) > 0 {
		msg.QuoteMessageID = topCase.EvidenceIDs[len(topCase.EvidenceIDs)-1]
	}

	msg.ImagePaths = c.selectImages(trigger, out)
	return msg
}

// topCitedCandidate returns the best-ranked candidate the model cited,
// falling back to the overall best when no citation matches.
func topCitedCandidate(out gate.Outcome) (knowledge.RetrievedCase, bool) {
	if len(out.Candidates) == 0 {
		return knowledge.RetrievedCase{}, false
	}
	cited := make(map[string]bool, len(out.Citations))
	for _, id := range out.Citations {
		cited[id] = true
	}
	for _, cand := range out.Candidates {
		if cited[cand.CaseID] {
			return cand, true
		}
	}
	return out.Candidates[0], true
}

// selectImages applies the image budget: trigger images first, then
// retrieved cases in retrieval order, each capped per case, everything
// capped per image and in aggregate. Oversized images are skipped, not
// truncated.
func (c *Composer) selectImages(trigger storage.Message, out gate.Outcome) []string {
	budget := newBudget(c.cfg.AttachmentsRoot, c.cfg.MaxImageBytes, c.cfg.MaxTotalImageBytes)

	var selected []string
	for _, a := range trigger.Attachments {
		if a.Kind != "image" {
			continue
		}
		if budget.admit(a.Path) {
			selected = append(selected, a.Path)
		}
	}

	for _, cand := range out.Candidates {
		tc, err := c.cases.GetCase(cand.CaseID)
		if err != nil {
			continue
		}
		fromCase := 0
		for _, path := range tc.ImagePaths {
			if fromCase >= c.cfg.CaseImages {
				break
			}
			if budget.admit(path) {
				selected = append(selected, path)
				fromCase++
			}
		}
	}
	return selected
}

// budget tracks the aggregate byte allowance across admitted images.
type budget struct {
	root      string
	perImage  int64
	remaining int64
}

func newBudget(root string, perImage, total int64) *budget {
	return &budget{root: root, perImage: perImage, remaining: total}
}

func (b *budget) admit(rel string) bool {
	if b.remaining <= 0 {
		return false
	}
	abs, err := ingest.Resolve(b.root, rel)
	if err != nil {
		slog.Warn("image attachment unavailable", "path", rel, "error", err)
		return false
	}
	info, err := os.Stat(abs)
	if err != nil {
		return false
	}
	size := info.Size()
	if size > b.perImage {
		slog.Debug("image exceeds per-image budget, skipping", "path", rel, "bytes", size)
		return false
	}
	if size > b.remaining {
		return false
	}
	b.remaining -= size
	return true
}
