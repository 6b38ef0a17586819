// Package ingest turns inbound bridge payloads into stored messages and
// the per-message job pair the pipeline runs on.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dejabot/deja/internal/metrics"
	"github.com/dejabot/deja/internal/storage"
)

// ErrAttachmentMissing marks an attachment whose file is not present
// under the attachments root. The attachment is skipped; ingestion
// continues with the rest.
var ErrAttachmentMissing = errors.New("attachment file missing")

// InboundMessage is the webhook payload delivered by the chat bridge.
// Timestamp is RFC3339.
type InboundMessage struct {
	MessageID   string              `json:"message_id"`
	GroupID     string              `json:"group_id"`
	Sender      string              `json:"sender"`
	Timestamp   time.Time           `json:"timestamp"`
	Text        string              `json:"text"`
	ReplyToID   string              `json:"reply_to_id,omitempty"`
	Attachments []InboundAttachment `json:"attachments,omitempty"`
}

// InboundAttachment references a file the bridge already wrote under the
// shared attachments root.
type InboundAttachment struct {
	Path     string `json:"path"`
	MimeType string `json:"mime_type,omitempty"`
}

// Store defines the persistence operations the Service needs.
// Implemented by storage.Store.
type Store interface {
	SaveMessage(m storage.Message) error
	EnqueueJob(j storage.Job) (bool, error)
}

// ImageCaptioner describes image attachments for annotation.
type ImageCaptioner interface {
	Caption(ctx context.Context, path string) (CaptionResult, error)
}

// Service ingests one inbound message: fingerprints the sender, resolves
// and annotates attachments, stores the message, and enqueues its
// BUFFER_UPDATE and MAYBE_RESPOND jobs.
type Service struct {
	store       Store
	captioner   ImageCaptioner
	root        string
	salt        string
	maxAttempts int
}

func NewService(store Store, captioner ImageCaptioner, attachmentsRoot, hashSalt string, maxAttempts int) *Service {
	return &Service{
		store:       store,
		captioner:   captioner,
		root:        attachmentsRoot,
		salt:        hashSalt,
		maxAttempts: maxAttempts,
	}
}

type imageAnnotation struct {
	Path         string `json:"path"`
	Observations string `json:"observations"`
	Text         string `json:"text"`
}

type fileAnnotation struct {
	Path string `json:"path"`
	Text string `json:"text"`
}

// Ingest processes one inbound message. It is idempotent per message id:
// re-running overwrites the stored message and the job pair is deduped,
// so at-least-once delivery cannot fan out duplicate work.
func (s *Service) Ingest(ctx context.Context, in InboundMessage) (storage.Message, error) {
	if in.MessageID == "" || in.GroupID == "" {
		return storage.Message{}, fmt.Errorf("inbound message needs message_id and group_id")
	}

	var attachments []storage.Attachment
	var annotations []string
	for _, a := range in.Attachments {
		resolved, err := Resolve(s.root, a.Path)
		if err != nil {
			slog.Warn("skipping attachment", "message_id", in.MessageID, "path", a.Path, "error", err)
			continue
		}
		kind := kindOf(a.Path, a.MimeType)
		switch kind {
		case "image":
			annotations = append(annotations, s.annotateImage(ctx, in.MessageID, a.Path, resolved))
		case "pdf":
			annotations = append(annotations, annotatePDF(in.MessageID, a.Path, resolved))
		}
		attachments = append(attachments, storage.Attachment{Path: a.Path, MimeType: a.MimeType, Kind: kind})
	}

	content := in.Text
	for _, ann := range annotations {
		content += "\n" + ann
	}

	msg := storage.Message{
		ID:          in.MessageID,
		GroupID:     in.GroupID,
		SenderFP:    Fingerprint(s.salt, in.Sender),
		Timestamp:   in.Timestamp,
		Text:        in.Text,
		ContentText: content,
		ReplyToID:   in.ReplyToID,
		Attachments: attachments,
	}
	if err := s.store.SaveMessage(msg); err != nil {
		return storage.Message{}, fmt.Errorf("storing message %s: %w", msg.ID, err)
	}
	metrics.MessagesIngested.Inc()

	// BUFFER_UPDATE before MAYBE_RESPOND: arrival order within the group
	// is claim order.
	if err := s.enqueue(storage.JobBufferUpdate, msg); err != nil {
		return storage.Message{}, err
	}
	if err := s.enqueue(storage.JobMaybeRespond, msg); err != nil {
		return storage.Message{}, err
	}
	return msg, nil
}

func (s *Service) enqueue(jobType string, msg storage.Message) error {
	payload, err := json.Marshal(map[string]string{"message_id": msg.ID})
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	inserted, err := s.store.EnqueueJob(storage.Job{
		ID:          uuid.New().String(),
		Type:        jobType,
		GroupID:     msg.GroupID,
		PayloadJSON: string(payload),
		DedupeKey:   jobType + ":" + msg.ID,
		MaxAttempts: s.maxAttempts,
	})
	if err != nil {
		return fmt.Errorf("enqueuing %s for %s: %w", jobType, msg.ID, err)
	}
	if !inserted {
		slog.Debug("job already enqueued", "type", jobType, "message_id", msg.ID)
	}
	return nil
}

// annotateImage captions an image. A captioning failure degrades to an
// empty-but-well-formed annotation; ingestion never fails on it.
func (s *Service) annotateImage(ctx context.Context, messageID, relPath, resolved string) string {
	var result CaptionResult
	if s.captioner != nil {
		var err error
		result, err = s.captioner.Caption(ctx, resolved)
		if err != nil {
			slog.Warn("captioning failed", "message_id", messageID, "path", relPath, "error", err)
			result = CaptionResult{}
		}
	}
	raw, _ := json.Marshal(imageAnnotation{Path: relPath, Observations: result.Observations, Text: result.ExtractedText})
	return "[image]" + string(raw)
}

func annotatePDF(messageID, relPath, resolved string) string {
	text, err := extractPDFText(resolved, pdfTextLimit)
	if err != nil {
		slog.Warn("pdf text extraction failed", "message_id", messageID, "path", relPath, "error", err)
		text = ""
	}
	raw, _ := json.Marshal(fileAnnotation{Path: relPath, Text: text})
	return "[file]" + string(raw)
}

// Fingerprint hashes a platform sender id with the configured salt. The
// raw identity never reaches storage; equal senders still compare equal
// across messages.
func Fingerprint(salt, sender string) string {
	sum := sha256.Sum256([]byte(salt + sender))
	return hex.EncodeToString(sum[:])[:32]
}

// Resolve joins a bridge-relative attachment path with the attachments
// root, rejecting escapes and absent files.
func Resolve(root, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("empty attachment path")
	}
	if filepath.IsAbs(rel) || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("attachment path %q escapes the attachments root", rel)
	}
	full := filepath.Join(root, rel)
	if _, err := os.Stat(full); err != nil {
		return "", fmt.Errorf("%w: %s", ErrAttachmentMissing, rel)
	}
	return full, nil
}

func kindOf(path, mimeType string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp":
		return "image"
	case ".pdf":
		return "pdf"
	}
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return "image"
	case mimeType == "application/pdf":
		return "pdf"
	}
	return "file"
}
