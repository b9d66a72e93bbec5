package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"deepresearch/mission/internal/research"
)

var followupCmd = &cobra.Command{
	Use:   "followup <session> <question>",
	Short: "Ask a follow-up question about a finished research session",
	Long: "Sends a one-shot question chained onto a session's interaction. The answer " +
		"is printed and appended to the stored report.",
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		question := strings.Join(args[1:], " ")
		cfg := loadConfig()

		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		node, err := store.Get(key)
		if err != nil {
			return fmt.Errorf("session %q: %w", key, err)
		}
		if node.InteractionID == "" || strings.HasPrefix(node.InteractionID, "pending:") {
			return fmt.Errorf("session %d has no remote interaction yet", node.ID)
		}

		client, err := newGeminiClient(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Fprintf(os.Stderr, "[followup] asking interaction %s\n", node.InteractionID)
		answer, err := client.Complete(ctx, research.CompleteRequest{
			Prompt:     question,
			PreviousID: node.InteractionID,
		})
		if err != nil {
			return fmt.Errorf("follow-up failed: %w", err)
		}

		fmt.Println(answer)

		if err := store.AppendResult(node.InteractionID, answer); err != nil {
			return fmt.Errorf("recording answer: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(followupCmd)
}
