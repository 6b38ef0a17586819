package gate

import (
	"encoding/base64"
	"log/slog"
	"os"

	"github.com/dejabot/deja/internal/ingest"
	"github.com/dejabot/deja/internal/storage"
)

// imageLoader reads attachment images under a shared byte budget.
// Oversized images are skipped outright, never truncated.
type imageLoader struct {
	root      string
	perImage  int64
	remaining int64
}

func newImageLoader(root string, perImage, total int64) *imageLoader {
	return &imageLoader{root: root, perImage: perImage, remaining: total}
}

// loadMessage returns base64 payloads for up to maxCount image
// attachments of a message.
func (l *imageLoader) loadMessage(m storage.Message, maxCount int) []string {
	var paths []string
	for _, a := range m.Attachments {
		if a.Kind == "image" {
			paths = append(paths, a.Path)
		}
	}
	return l.loadPaths(paths, maxCount)
}

// loadPaths returns base64 payloads for up to maxCount of the given
// attachment paths, within the remaining budget.
func (l *imageLoader) loadPaths(paths []string, maxCount int) []string {
	var out []string
	for _, path := range paths {
		if len(out) >= maxCount {
			break
		}
		if payload, ok := l.load(path); ok {
			out = append(out, payload)
		}
	}
	return out
}

func (l *imageLoader) load(rel string) (string, bool) {
	if l.remaining <= 0 {
		return "", false
	}
	abs, err := ingest.Resolve(l.root, rel)
	if err != nil {
		slog.Warn("image attachment unavailable", "path", rel, "error", err)
		return "", false
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		slog.Warn("reading image attachment", "path", rel, "error", err)
		return "", false
	}
	size := int64(len(data))
	if size > l.perImage {
		slog.Debug("image exceeds per-image budget, skipping", "path", rel, "bytes", size)
		return "", false
	}
	if size > l.remaining {
		return "", false
	}
	l.remaining -= size
	return base64.StdEncoding.EncodeToString(data), true
}
