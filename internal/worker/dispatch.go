package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dejabot/deja/internal/gate"
	"github.com/dejabot/deja/internal/ingest"
	"github.com/dejabot/deja/internal/metrics"
	"github.com/dejabot/deja/internal/storage"
	"github.com/dejabot/deja/internal/transport"
)

// Ingestor handles INGEST payloads. Implemented by ingest.Service.
type Ingestor interface {
	Ingest(ctx context.Context, in ingest.InboundMessage) (storage.Message, error)
}

// BufferUpdater handles BUFFER_UPDATE payloads. Implemented by
// extractor.Extractor.
type BufferUpdater interface {
	HandleBufferUpdate(ctx context.Context, messageID string) error
}

// Decider runs the decision gate. Implemented by gate.Gate.
type Decider interface {
	Decide(ctx context.Context, msg storage.Message) (gate.Outcome, error)
}

// Payloader assembles outbound payloads. Implemented by
// composer.Composer.
type Payloader interface {
	Compose(trigger storage.Message, out gate.Outcome) transport.OutboundMessage
}

// Sender delivers outbound payloads. Implemented by transport.Client.
type Sender interface {
	Send(ctx context.Context, msg transport.OutboundMessage) error
}

// MessageStore resolves message ids from payloads. Implemented by
// storage.Store.
type MessageStore interface {
	GetMessage(id string) (storage.Message, error)
}

// Dispatcher routes claimed jobs to the pipeline stages.
type Dispatcher struct {
	messages MessageStore
	ingestor Ingestor
	extract  BufferUpdater
	gate     Decider
	composer Payloader
	sender   Sender
}

func NewDispatcher(messages MessageStore, ingestor Ingestor, extract BufferUpdater, gate Decider, composer Payloader, sender Sender) *Dispatcher {
	return &Dispatcher{
		messages: messages,
		ingestor: ingestor,
		extract:  extract,
		gate:     gate,
		composer: composer,
		sender:   sender,
	}
}

// messageRef is the payload of BUFFER_UPDATE and MAYBE_RESPOND jobs.
type messageRef struct {
	MessageID string `json:"message_id"`
}

// Handle executes one job by type.
func (d *Dispatcher) Handle(ctx context.Context, job *storage.Job) error {
	switch job.Type {
	case storage.JobIngest:
		return d.handleIngest(ctx, job)
	case storage.JobBufferUpdate:
		return d.handleBufferUpdate(ctx, job)
	case storage.JobMaybeRespond:
		return d.handleMaybeRespond(ctx, job)
	default:
		return fmt.Errorf("unknown job type %q", job.Type)
	}
}

func (d *Dispatcher) handleIngest(ctx context.Context, job *storage.Job) error {
	var in ingest.InboundMessage
	if err := json.Unmarshal([]byte(job.PayloadJSON), &in); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	_, err := d.ingestor.Ingest(ctx, in)
	return err
}

func (d *Dispatcher) handleBufferUpdate(ctx context.Context, job *storage.Job) error {
	var ref messageRef
	if err := json.Unmarshal([]byte(job.PayloadJSON), &ref); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	return d.extract.HandleBufferUpdate(ctx, ref.MessageID)
}

// handleMaybeRespond runs the gate and, on a respond decision, composes
// and sends the reply. A send failure fails the job; the decision is
// re-run from scratch on retry.
func (d *Dispatcher) handleMaybeRespond(ctx context.Context, job *storage.Job) error {
	var ref messageRef
	if err := json.Unmarshal([]byte(job.PayloadJSON), &ref); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	msg, err := d.messages.GetMessage(ref.MessageID)
	if err != nil {
		return fmt.Errorf("loading message %s: %w", ref.MessageID, err)
	}

	out, err := d.gate.Decide(ctx, msg)
	if err != nil {
		return err
	}
	metrics.GateOutcomes.WithLabelValues(out.State, out.Reason).Inc()
	slog.Info("decision", "message_id", msg.ID, "group", msg.GroupID,
		"outcome", out.State, "reason", out.Reason, "candidates", len(out.Candidates), "mentioned", out.Mentioned)

	if out.State != gate.StateResponded {
		return nil
	}

	payload := d.composer.Compose(msg, out)
	if err := d.sender.Send(ctx, payload); err != nil {
		return fmt.Errorf("sending reply for %s: %w", msg.ID, err)
	}
	metrics.RepliesSent.Inc()
	slog.Info("reply sent", "message_id", msg.ID, "group", msg.GroupID,
		"quote", payload.QuoteMessageID, "citations", len(out.Citations), "images", len(payload.ImagePaths))
	return nil
}
