// Package buffer maintains the per-group conversation window the
// extractor reads. The buffer is plain text, one formatted line per
// message, persisted between jobs.
package buffer

import (
	"fmt"

	"github.com/dejabot/deja/internal/storage"
)

// Store defines the persistence operations the Manager needs.
// Implemented by storage.Store.
type Store interface {
	GetBuffer(groupID string) (string, error)
	SetBuffer(groupID, content string) error
}

// Manager reads and writes group buffers. All calls for one group happen
// under that group's job lock, so the Manager itself holds no state.
type Manager struct {
	store Store
}

func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// Get returns the buffer for a group, "" when none exists yet.
func (m *Manager) Get(groupID string) (string, error) {
	content, err := m.store.GetBuffer(groupID)
	if err != nil {
		return "", fmt.Errorf("loading buffer for %s: %w", groupID, err)
	}
	return content, nil
}

// Set persists the buffer for a group.
func (m *Manager) Set(groupID, content string) error {
	if err := m.store.SetBuffer(groupID, content); err != nil {
		return fmt.Errorf("storing buffer for %s: %w", groupID, err)
	}
	return nil
}

// FormatLine renders one message as a buffer line:
//
//	[msg_id|sender_fp|15:04] annotated content
//
// The id prefix is what lets the segmentation model cite evidence
// message ids. Annotated content (captions, file text) is used when
// present so the model sees what was attached.
func FormatLine(m storage.Message) string {
	content := m.ContentText
	if content == "" {
		content = m.Text
	}
	return fmt.Sprintf("[%s|%s|%s] %s", m.ID, m.SenderFP, m.Timestamp.UTC().Format("15:04"), content)
}

// Append adds a line to a buffer, avoiding a leading newline on the
// first message.
func Append(buf, line string) string {
	if buf == "" {
		return line
	}
	return buf + "\n" + line
}
