// Package main implements rctl, a command-line client for the reflectd HTTP API.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/reflectd/internal/autosave"
	apihttp "github.com/fyrsmithlabs/reflectd/internal/http"
	"github.com/fyrsmithlabs/reflectd/internal/journal"
)

var (
	serverURL string
	userID    string
	version   = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "rctl",
		Short: "CLI for the reflectd HTTP API",
		Long: `rctl talks to a running reflectd daemon. It can check health, assemble
journal context, save memories, manage entries and ask the companion a question.`,
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:9191", "reflectd server URL")
	root.PersistentFlags().StringVar(&userID, "user", "", "user ID sent as "+apihttp.HeaderUserID)

	root.AddCommand(newHealthCmd(), newContextCmd(), newSaveCmd(), newAskCmd(), newEntriesCmd())
	return root
}

func client() *apiClient {
	return newAPIClient(serverURL, userID, 30*time.Second)
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check reflectd server health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp apihttp.HealthResponse
			if err := client().do(cmd.Context(), "GET", "/health", nil, &resp); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Status: %s (version %s)\n", resp.Status, resp.Version)
			fmt.Fprintf(out, "Autosave pending: %d\n", resp.Autosave.Pending)
			for name, c := range resp.Capabilities {
				state := "configured"
				if !c.Configured {
					state = "unconfigured"
				}
				fmt.Fprintf(out, "  %-11s %s", name, state)
				if c.Detail != "" {
					fmt.Fprintf(out, " (%s)", c.Detail)
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}
}

func newContextCmd() *cobra.Command {
	var maxResults int
	cmd := &cobra.Command{
		Use:   "context <query>",
		Short: "Assemble journal context for a query",
		Example: `  rctl context "how did the interview go"
  rctl context --max-results 2 sleep`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := apihttp.ContextRequest{Query: strings.Join(args, " "), MaxResults: maxResults}
			var resp apihttp.ContextResponse
			if err := client().do(cmd.Context(), "POST", "/api/v1/context", req, &resp); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Tier: %s\n", resp.Tier)
			if resp.Text == "" {
				fmt.Fprintln(out, "No context found.")
				return nil
			}
			fmt.Fprintln(out, resp.Text)
			return nil
		},
	}
	cmd.Flags().IntVar(&maxResults, "max-results", 0, "maximum memories to include (server default when 0)")
	return cmd
}

func newSaveCmd() *cobra.Command {
	var (
		source   string
		sourceID string
		flush    bool
	)
	cmd := &cobra.Command{
		Use:   "save <text|->",
		Short: "Queue a memory for saving",
		Example: `  rctl save "Walked by the river after work"
  echo "notes" | rctl save --source journal --source-id e-42 --flush -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readArg(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			c := client()
			var resp apihttp.SaveMemoryResponse
			req := apihttp.SaveMemoryRequest{Text: text, Source: source, SourceID: sourceID}
			if err := c.do(cmd.Context(), "POST", "/api/v1/memories", req, &resp); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Status: %s (pending %d)\n", resp.Status, resp.Pending)
			if !flush || resp.Status != autosave.StatusAccepted {
				return nil
			}
			var res autosave.FlushResult
			if err := c.do(cmd.Context(), "POST", "/api/v1/memories/flush", nil, &res); err != nil {
				return err
			}
			fmt.Fprintf(out, "Flushed: %d written, %d failed\n", res.Written, res.Failed)
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "source", "conversation", "memory source (journal, conversation, realtime-reflection)")
	cmd.Flags().StringVar(&sourceID, "source-id", "", "identifier of the originating item")
	cmd.Flags().BoolVar(&flush, "flush", false, "flush the write queue after saving")
	return cmd
}

func newAskCmd() *cobra.Command {
	var threadID string
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask the companion and stream the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := apihttp.AskRequest{Question: strings.Join(args, " ")}
			answer, err := client().ask(cmd.Context(), threadID, req, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out)
			for _, ref := range answer.RelatedEntries {
				label := ref.ID
				if ref.Title != "" {
					label = fmt.Sprintf("%s (%s)", ref.Title, ref.ID)
				}
				fmt.Fprintf(out, "  from: %s\n", label)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&threadID, "thread", "global", "thread to ask in")
	return cmd
}

func newEntriesCmd() *cobra.Command {
	entries := &cobra.Command{
		Use:   "entries",
		Short: "Manage journal entries",
	}

	var title string
	add := &cobra.Command{
		Use:   "add <content|->",
		Short: "Create a journal entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readArg(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			var resp apihttp.EntryResponse
			req := apihttp.EntryRequest{Title: title, Content: content}
			if err := client().do(cmd.Context(), "POST", "/api/v1/entries", req, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s (autosave %s)\n", resp.Entry.ID, resp.Autosave)
			return nil
		},
	}
	add.Flags().StringVar(&title, "title", "", "entry title")

	list := &cobra.Command{
		Use:   "list",
		Short: "List journal entries, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp []journal.Entry
			if err := client().do(cmd.Context(), "GET", "/api/v1/entries", nil, &resp); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(resp) == 0 {
				fmt.Fprintln(out, "No entries.")
				return nil
			}
			for _, e := range resp {
				fmt.Fprintf(out, "%s  %s  %s\n", e.ID, e.UpdatedAt.Format(time.DateTime), e.Title)
			}
			return nil
		},
	}

	entries.AddCommand(add, list)
	return entries
}

// readArg returns arg, or stdin when arg is "-".
func readArg(stdin io.Reader, arg string) (string, error) {
	if arg != "-" {
		return arg, nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read from stdin: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return "", fmt.Errorf("no content on stdin")
	}
	return string(data), nil
}
