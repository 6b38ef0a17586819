package ollama

import (
	"context"
	"fmt"
	"io"
	"time"
)

const warmupTimeout = 30 * time.Second

// EnsureReady verifies the server is up and every configured model is
// present locally, pulling the missing ones with progress written to w.
// The chat model gets a throwaway request at the end so the first real
// call does not pay the cold-load penalty. An empty visionModel means
// captioning is disabled and nothing is pulled for it.
func EnsureReady(ctx context.Context, c *Client, chatModel, visionModel, embedModel string, w io.Writer) error {
	if !c.IsRunning(ctx) {
		return fmt.Errorf("Ollama is not running. Start it with: ollama serve")
	}

	models := []string{chatModel, embedModel}
	if visionModel != "" {
		models = append(models, visionModel)
	}
	for _, m := range models {
		if err := ensureModel(ctx, c, m, w); err != nil {
			return err
		}
	}

	warmChatModel(ctx, c, chatModel, w)
	return nil
}

// ensureModel pulls name unless it is already present.
func ensureModel(ctx context.Context, c *Client, name string, w io.Writer) error {
	if c.HasModel(ctx, name) {
		fmt.Fprintf(w, "model %s: ready\n", name)
		return nil
	}

	fmt.Fprintf(w, "model %s: pulling...\n", name)
	err := c.PullModel(ctx, name, func(p PullProgress) {
		if p.Total > 0 {
			fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, 100*float64(p.Completed)/float64(p.Total))
			return
		}
		fmt.Fprintf(w, "  %s\n", p.Status)
	})
	if err != nil {
		return fmt.Errorf("pulling model %s: %w", name, err)
	}
	fmt.Fprintf(w, "model %s: ready\n", name)
	return nil
}

// warmChatModel loads the chat model into memory with a throwaway
// request. Failure only costs latency on the first gate call, so it is
// reported and ignored.
func warmChatModel(ctx context.Context, c *Client, model string, w io.Writer) {
	ctx, cancel := context.WithTimeout(ctx, warmupTimeout)
	defer cancel()

	fmt.Fprintf(w, "model %s: warming up...\n", model)
	if _, err := c.Chat(ctx, model, []Message{{Role: "user", Content: "ping"}}, nil); err != nil {
		fmt.Fprintf(w, "model %s: warm-up failed: %v (continuing)\n", model, err)
		return
	}
	fmt.Fprintf(w, "model %s: warm\n", model)
}
