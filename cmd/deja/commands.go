package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dejabot/deja/internal/config"
	"github.com/dejabot/deja/internal/knowledge"
	"github.com/dejabot/deja/internal/ollama"
	"github.com/dejabot/deja/internal/storage"
)

// --- cases ---

var casesCmd = &cobra.Command{
	Use:   "cases",
	Short: "Inspect mined cases",
}

var casesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent cases for a group",
	RunE: func(cmd *cobra.Command, args []string) error {
		groupID, _ := cmd.Flags().GetString("group")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/groups/%s/cases?limit=%d", groupID, limit)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var cases []struct {
			ID        string
			Status    string
			Title     string
			CreatedAt time.Time
		}
		if err := decodeJSON(resp, &cases); err != nil {
			return err
		}

		if len(cases) == 0 {
			fmt.Println("No cases found.")
			return nil
		}

		for _, c := range cases {
			fmt.Printf("%s  %-8s  %s  %s\n",
				colorize(ansiCyan, c.ID[:8]),
				c.Status,
				c.CreatedAt.Format("2006-01-02 15:04"),
				c.Title,
			)
		}
		return nil
	},
}

var casesShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single case as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/cases/"+args[0])
		if err != nil {
			return err
		}

		var c any
		if err := decodeJSON(resp, &c); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(c)
	},
}

func init() {
	casesListCmd.Flags().String("group", "", "group id to list cases for")
	casesListCmd.Flags().Int("limit", 20, "maximum number of cases to list")
	casesListCmd.MarkFlagRequired("group")
	casesCmd.AddCommand(casesListCmd)
	casesCmd.AddCommand(casesShowCmd)
}

// --- jobs ---

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and retry background jobs",
}

var jobsDeadCmd = &cobra.Command{
	Use:   "dead",
	Short: "List dead-lettered jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/jobs/dead?limit=%d", limit)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var jobs []struct {
			ID        string
			Type      string
			GroupID   string
			Attempts  int
			LastError string
		}
		if err := decodeJSON(resp, &jobs); err != nil {
			return err
		}

		if len(jobs) == 0 {
			fmt.Println("No dead jobs.")
			return nil
		}

		for _, j := range jobs {
			lastErr := j.LastError
			if len(lastErr) > 80 {
				lastErr = lastErr[:80] + "..."
			}
			fmt.Printf("%s  %-14s  %s  attempts=%d  %s\n",
				colorize(ansiCyan, j.ID[:8]),
				j.Type,
				j.GroupID,
				j.Attempts,
				lastErr,
			)
		}
		return nil
	},
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Re-queue a dead job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/jobs/"+args[0]+"/retry", nil)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Requeued job %s", args[0])
		return nil
	},
}

func init() {
	jobsDeadCmd.Flags().Int("limit", 50, "maximum number of jobs to list")
	jobsCmd.AddCommand(jobsDeadCmd)
	jobsCmd.AddCommand(jobsRetryCmd)
}

// --- reindex ---

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the vector index from stored cases",
	Long: `Rebuild the vector index from stored cases.

Drops all vector collections and re-embeds every case. Run this after
changing the embed model or when the index directory was lost. The
daemon must be stopped first; both processes would race on the index.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
		healthClient := &http.Client{Timeout: 2 * time.Second}
		if resp, err := healthClient.Get(healthURL); err == nil {
			resp.Body.Close()
			return fmt.Errorf("deja is running; stop it before reindexing")
		}

		llm := ollama.New(cfg.Model.BaseURL)
		if !llm.IsRunning(cmd.Context()) {
			return fmt.Errorf("Ollama is not running. Start it with: ollama serve")
		}

		store, err := storage.Open(cfg.Storage.DBPath())
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		index, err := knowledge.Open(cfg.Storage.VectorPath())
		if err != nil {
			return fmt.Errorf("opening vector index: %w", err)
		}

		printStep("Rebuilding vector index...")
		n, err := index.Reindex(cmd.Context(), store, func(ctx context.Context, doc string) ([]float32, error) {
			return llm.Embed(ctx, cfg.Model.EmbedModel, doc)
		})
		if err != nil {
			return err
		}

		printSuccess("Indexed %d cases", n)
		return nil
	},
}
