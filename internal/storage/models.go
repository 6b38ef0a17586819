package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Job types processed by the worker pool.
const (
	JobIngest       = "INGEST"
	JobBufferUpdate = "BUFFER_UPDATE"
	JobMaybeRespond = "MAYBE_RESPOND"
)

// Job statuses. A job is born pending, claimed into running, and ends
// done or dead.
const (
	JobPending = "pending"
	JobRunning = "running"
	JobDone    = "done"
	JobDead    = "dead"
)

// Attachment is one file delivered alongside a message. Path is relative
// to the attachments root shared with the bridge.
type Attachment struct {
	Path     string `json:"path"`
	MimeType string `json:"mime_type,omitempty"`
	Kind     string `json:"kind,omitempty"` // "image", "pdf" or "file"
}

// Message is a stored group-chat message. SenderFP is a salted hash of
// the platform sender id; the raw id is never persisted. ContentText is
// the original text plus attachment annotations added during ingestion.
type Message struct {
	ID          string
	GroupID     string
	SenderFP    string
	Timestamp   time.Time
	Text        string
	ContentText string
	ReplyToID   string
	Attachments []Attachment
	CreatedAt   time.Time
}

// Case is one validated resolved problem mined from a conversation.
// SourceMessageID is the message whose arrival triggered the extraction;
// it keys the retry-idempotence check.
type Case struct {
	ID                string
	GroupID           string
	Title             string
	ProblemSummary    string
	ResolutionSummary string
	Status            string
	Tags              []string
	EvidenceIDs       []string
	ImagePaths        []string
	SourceMessageID   string
	CreatedAt         time.Time
}

// Job is one unit of background work. Seq records arrival order and
// drives per-group FIFO claiming.
type Job struct {
	Seq         int64
	ID          string
	Type        string
	GroupID     string
	PayloadJSON string
	DedupeKey   string
	Status      string
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
