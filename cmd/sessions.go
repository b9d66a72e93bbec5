package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"deepresearch/mission/internal/research"
	"deepresearch/mission/internal/session"
)

var sessionsLimit int

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect stored research sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent sessions, reconciling stale running rows",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		limit := sessionsLimit
		if limit <= 0 {
			limit = cfg.Store.ListLimit
		}
		rows, err := store.List(limit)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			fmt.Println("No sessions yet.")
			return nil
		}

		fmt.Printf("%-6s %-2s %-10s %-5s %-16s %s\n", "ID", "", "STATUS", "DEPTH", "UPDATED", "PROMPT")
		for _, row := range rows {
			fmt.Printf("%-6d %-2s %-10s %-5d %-16s %s\n",
				row.ID,
				statusGlyph(row.Status),
				row.Status,
				row.Depth,
				time.UnixMilli(row.UpdatedAt).Format("Jan 02 15:04:05"),
				research.TruncateMiddle(row.Prompt, 60))
		}
		return nil
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session>",
	Short: "Show one session in full",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		node, err := store.Get(args[0])
		if err != nil {
			return fmt.Errorf("session %q: %w", args[0], err)
		}

		fmt.Printf("Session:     %d\n", node.ID)
		fmt.Printf("Interaction: %s\n", node.InteractionID)
		fmt.Printf("Status:      %s %s\n", statusGlyph(node.Status), node.Status)
		fmt.Printf("Depth:       %d\n", node.Depth)
		if node.ParentID != nil {
			fmt.Printf("Parent:      %d\n", *node.ParentID)
		}
		if node.OwnerPID != nil {
			fmt.Printf("Owner pid:   %d\n", *node.OwnerPID)
		}
		if len(node.Files) > 0 {
			fmt.Printf("Stores:      %s\n", strings.Join(node.Files, ", "))
		}
		fmt.Printf("Created:     %s\n", time.UnixMilli(node.CreatedAt).Format(time.RFC3339))
		fmt.Printf("Updated:     %s\n", time.UnixMilli(node.UpdatedAt).Format(time.RFC3339))
		fmt.Printf("Prompt:      %s\n", node.Prompt)
		if r := node.ResultText(); r != "" {
			fmt.Printf("\n%s\n", r)
		}
		return nil
	},
}

var sessionsTreeCmd = &cobra.Command{
	Use:   "tree <session>",
	Short: "Show a session and its descendants as a tree",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		node, err := store.Get(args[0])
		if err != nil {
			return fmt.Errorf("session %q: %w", args[0], err)
		}
		return printTree(store, node, 0)
	},
}

func printTree(store *session.Store, node *session.Session, indent int) error {
	fmt.Printf("%s%s %d [%s] %s\n",
		strings.Repeat("  ", indent),
		statusGlyph(node.Status),
		node.ID,
		node.Status,
		research.TruncateMiddle(node.Prompt, 70-2*indent))

	children, err := store.Children(node.ID)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := printTree(store, child, indent+1); err != nil {
			return err
		}
	}
	return nil
}

func statusGlyph(st session.Status) string {
	switch st {
	case session.StatusPending:
		return "·"
	case session.StatusRunning:
		return "~"
	case session.StatusCompleted:
		return "✓"
	case session.StatusFailed:
		return "✗"
	case session.StatusCancelled:
		return "-"
	case session.StatusCrashed:
		return "!"
	default:
		return "?"
	}
}

func init() {
	sessionsListCmd.Flags().IntVar(&sessionsLimit, "limit", 0, "Max sessions to list (0 = config default)")
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsTreeCmd)
	rootCmd.AddCommand(sessionsCmd)
}
