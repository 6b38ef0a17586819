package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/dejabot/deja/internal/api"
	"github.com/dejabot/deja/internal/buffer"
	"github.com/dejabot/deja/internal/composer"
	"github.com/dejabot/deja/internal/config"
	"github.com/dejabot/deja/internal/extractor"
	"github.com/dejabot/deja/internal/gate"
	"github.com/dejabot/deja/internal/ingest"
	"github.com/dejabot/deja/internal/knowledge"
	"github.com/dejabot/deja/internal/ollama"
	"github.com/dejabot/deja/internal/storage"
	"github.com/dejabot/deja/internal/transport"
	"github.com/dejabot/deja/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the deja daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running deja daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show deja system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "deja.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, strconv.AppendInt(nil, int64(os.Getpid()), 10), 0o644)
}

func readPIDFile(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("malformed pid file %s: %w", path, err)
	}
	return pid, nil
}

func removePIDFile(path string) {
	os.Remove(path)
}

func logLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "deja version %s\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.Log.Level),
	})))

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.Storage.AttachmentsRoot, 0o755); err != nil {
		return fmt.Errorf("creating attachments root: %w", err)
	}

	token, err := config.EnsureToken(cfg)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Write PID file. Check if the daemon is already running via the
	// health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("deja is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("deja is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Check Ollama readiness, pulling missing models.
	llm := ollama.New(cfg.Model.BaseURL)
	if err := ollama.EnsureReady(ctx, llm, cfg.Model.ChatModel, cfg.Model.VisionModel, cfg.Model.EmbedModel, os.Stderr); err != nil {
		return err
	}

	// Open storage and the vector index.
	store, err := storage.Open(cfg.Storage.DBPath())
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	index, err := knowledge.Open(cfg.Storage.VectorPath())
	if err != nil {
		return fmt.Errorf("opening vector index: %w", err)
	}

	embed := func(ctx context.Context, doc string) ([]float32, error) {
		return llm.Embed(ctx, cfg.Model.EmbedModel, doc)
	}

	// The vector index is derived data. If it is empty while cases
	// exist (fresh install over an old DB, lost index dir), rebuild it
	// before accepting traffic.
	if cases, err := store.CountCases(); err == nil && cases > 0 && index.Count() == 0 {
		slog.Info("vector index empty, rebuilding", "cases", cases)
		n, err := index.Reindex(ctx, store, embed)
		if err != nil {
			return fmt.Errorf("rebuilding vector index: %w", err)
		}
		slog.Info("vector index rebuilt", "indexed", n)
	}

	// Build the pipeline.
	buffers := buffer.NewManager(store)

	var captioner ingest.ImageCaptioner
	if cfg.Model.VisionModel != "" {
		captioner = ingest.NewCaptioner(llm, cfg.Model.VisionModel)
	}
	ingestSvc := ingest.NewService(store, captioner, cfg.Storage.AttachmentsRoot, cfg.Bot.HashSalt, cfg.Pipeline.MaxAttempts)

	extract := extractor.New(llm, llm, store, index, buffers, cfg.Model.ChatModel, cfg.Model.EmbedModel)

	decider := gate.New(llm, llm, store, index, buffers, gate.Config{
		ChatModel:          cfg.Model.ChatModel,
		VisionModel:        cfg.Model.VisionModel,
		EmbedModel:         cfg.Model.EmbedModel,
		BotName:            cfg.Bot.Name,
		Aliases:            cfg.Bot.Aliases,
		TopK:               cfg.Pipeline.TopK,
		Stage1Images:       cfg.Pipeline.Stage1Images,
		CaseImages:         cfg.Pipeline.CaseImages,
		MaxImageBytes:      cfg.Pipeline.MaxImageBytes,
		MaxTotalImageBytes: cfg.Pipeline.MaxTotalImageBytes,
		AttachmentsRoot:    cfg.Storage.AttachmentsRoot,
	})

	comp := composer.New(store, composer.Config{
		QuoteThreshold:     cfg.Pipeline.QuoteThreshold,
		CaseImages:         cfg.Pipeline.CaseImages,
		MaxImageBytes:      cfg.Pipeline.MaxImageBytes,
		MaxTotalImageBytes: cfg.Pipeline.MaxTotalImageBytes,
		AttachmentsRoot:    cfg.Storage.AttachmentsRoot,
	})

	if cfg.Transport.BaseURL == "" {
		slog.Warn("transport.base_url not set; replies cannot be delivered")
	}
	sender := transport.NewClient(cfg.Transport.BaseURL, cfg.Transport.Token, cfg.Transport.SendTimeout)

	// Start the worker pool.
	dispatcher := worker.NewDispatcher(store, ingestSvc, extract, decider, comp, sender)
	pool := worker.NewPool(store, dispatcher, cfg.Pipeline.Workers, cfg.Pipeline.PollInterval)
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		if err := pool.Run(ctx); err != nil {
			slog.Error("worker pool stopped", "error", err)
		}
	}()

	// Wire the HTTP API.
	handler := api.NewHandler(api.Deps{
		Store:       store,
		Index:       index,
		Token:       token,
		MaxAttempts: cfg.Pipeline.MaxAttempts,
	})
	srv := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: handler,
	}

	// MCP over stdio, for agent-side knowledge search.
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:      store,
		Embedder:   llm,
		Search:     index,
		EmbedModel: cfg.Model.EmbedModel,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	// Serve HTTP until shutdown.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "deja listening on %s\n", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Block until a signal lands or the listener fails.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout; let in-flight jobs drain.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	select {
	case <-poolDone:
	case <-shutdownCtx.Done():
	}
	return nil
}

func stopServer() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("deja is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop deja (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to deja (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	// Check daemon health.
	client := &http.Client{Timeout: 2 * time.Second}
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)

	resp, err := client.Get(healthURL)
	running := false
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	// Ollama reachability.
	ollamaResp, err := client.Get(cfg.Model.BaseURL + "/api/version")
	if err != nil {
		printStatus("Ollama", "not running")
	} else {
		ollamaResp.Body.Close()
		printStatus("Ollama", "running at %s", cfg.Model.BaseURL)
	}

	// Configured models.
	printStatus("Chat model", "%s", cfg.Model.ChatModel)
	if cfg.Model.VisionModel != "" {
		printStatus("Vision model", "%s", cfg.Model.VisionModel)
	}
	printStatus("Embed model", "%s", cfg.Model.EmbedModel)

	// Show pipeline counts if the daemon is running.
	if running {
		if apiCli, err := newAPIClient(); err == nil {
			if statsResp, err := apiCli.get(ctx, "/stats"); err == nil {
				var stats struct {
					Messages     int            `json:"messages"`
					Cases        int            `json:"cases"`
					IndexedCases int            `json:"indexed_cases"`
					Jobs         map[string]int `json:"jobs"`
				}
				if decodeJSON(statsResp, &stats) == nil {
					printStatus("Messages", "%d", stats.Messages)
					printStatus("Cases", "%d (%d indexed)", stats.Cases, stats.IndexedCases)
					printStatus("Jobs", "%s", jobsLabel(stats.Jobs))
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func jobsLabel(counts map[string]int) string {
	parts := make([]string, 0, 4)
	for _, status := range []string{storage.JobPending, storage.JobRunning, storage.JobDone, storage.JobDead} {
		if n, ok := counts[status]; ok {
			parts = append(parts, fmt.Sprintf("%d %s", n, status))
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ", ")
}
