package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"deepresearch/mission/internal/config"
	"deepresearch/mission/internal/detach"
	"deepresearch/mission/internal/export"
	"deepresearch/mission/internal/gemini"
	"deepresearch/mission/internal/research"
	"deepresearch/mission/internal/session"
)

var (
	resStream  bool
	resDepth   int
	resBreadth int
	resStores  []string
	resUpload  []string
	resFormat  string
	resOutput  string
	resDetach  bool
	resAdopt   int64
	resTimeout time.Duration
)

// storePriorityInstruction is prepended when documents were uploaded
// for this run.
const storePriorityInstruction = "IMPORTANT: You have access to a File Search Store containing user-provided documents. Prioritize information from this store when answering.\n\n"

var researchCmd = &cobra.Command{
	Use:   "research <prompt>",
	Short: "Run a deep-research task tree and print the final report",
	Long: "Runs a recursive deep-research task: executes the objective, analyzes the " +
		"report for gaps, fans follow-up investigations out up to the configured depth " +
		"and breadth, and synthesizes everything into one report. Progress is tracked " +
		"in the session database.",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt := strings.Join(args, " ")
		cfg := loadConfig()

		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		if resDetach {
			return detachRun(store, prompt)
		}

		client, err := newGeminiClient(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		stores := append([]string(nil), resStores...)
		if len(resUpload) > 0 {
			fm := gemini.NewFileManager(client)
			storeName, err := fm.CreateStoreFromPaths(ctx, "mission-"+uuid.New().String()[:8], resUpload)
			if err != nil {
				return fmt.Errorf("uploading documents: %w", err)
			}
			defer func() {
				if err := fm.Cleanup(context.Background()); err != nil {
					fmt.Fprintf(os.Stderr, "[research] warning: %v\n", err)
				}
			}()
			stores = append(stores, storeName)
			prompt = storePriorityInstruction + prompt
			fmt.Fprintf(os.Stderr, "[research] uploaded %d path(s) into %s\n", len(resUpload), storeName)
		}

		orch := research.New(store, client, researchConfig(cfg))
		result, err := orch.Run(ctx, research.Request{
			Prompt:  prompt,
			Format:  resFormat,
			Output:  resOutput,
			Stores:  stores,
			AdoptID: resAdopt,
			Stream:  resStream,
		})
		if err != nil {
			return err
		}

		fmt.Println("\n" + strings.Repeat("=", 40) + " REPORT " + strings.Repeat("=", 40))
		fmt.Println(result.Report)

		if resOutput != "" {
			written, err := export.Save(result.Report, resOutput)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "[research] report saved to %s\n", written)
		}
		fmt.Fprintf(os.Stderr, "[research] session %d finished in %s\n",
			result.SessionID, research.FormatDurationShort(result.Duration.Milliseconds()))
		return nil
	},
}

// researchConfig maps file config onto the orchestrator, with flag
// overrides on top.
func researchConfig(cfg config.Config) research.Config {
	rc := research.Config{
		MaxDepth:       cfg.Research.MaxDepth,
		Breadth:        cfg.Research.Breadth,
		LevelTimeout:   cfg.Research.LevelTimeout(),
		PollInterval:   cfg.Research.PollInterval(),
		PollTimeout:    cfg.Research.PollTimeout(),
		ReconnectDelay: cfg.Research.ReconnectDelay(),
	}
	if resDepth > 0 {
		rc.MaxDepth = resDepth
	}
	if resBreadth > 0 {
		rc.Breadth = resBreadth
	}
	if resTimeout > 0 {
		rc.LevelTimeout = resTimeout
	}
	return rc
}

// detachRun creates the placeholder session row, then re-executes the
// CLI in the background pointed at it. The child binds the remote
// interaction to the row when it starts.
func detachRun(store *session.Store, prompt string) error {
	id, err := store.Create("pending:"+uuid.New().String(), prompt, session.CreateOpts{
		Files: resStores,
		Depth: 1,
	})
	if err != nil {
		return fmt.Errorf("creating placeholder session: %w", err)
	}

	childArgs := []string{"research", prompt, "--adopt-session", strconv.FormatInt(id, 10)}
	if resStream {
		childArgs = append(childArgs, "--stream")
	}
	if resDepth > 0 {
		childArgs = append(childArgs, "--depth", strconv.Itoa(resDepth))
	}
	if resBreadth > 0 {
		childArgs = append(childArgs, "--breadth", strconv.Itoa(resBreadth))
	}
	for _, s := range resStores {
		childArgs = append(childArgs, "--stores", s)
	}
	for _, u := range resUpload {
		childArgs = append(childArgs, "--upload", u)
	}
	if resFormat != "" {
		childArgs = append(childArgs, "--format", resFormat)
	}
	if resOutput != "" {
		childArgs = append(childArgs, "--output", resOutput)
	}
	if dbPath != "" {
		childArgs = append(childArgs, "--db", dbPath)
	}

	pid, logPath, err := detach.Relaunch(childArgs, config.LogDir())
	if err != nil {
		return err
	}
	fmt.Printf("Research running in background (session %d, pid %d)\n", id, pid)
	fmt.Printf("Log: %s\n", logPath)
	fmt.Printf("Check progress with: mission sessions show %d\n", id)
	return nil
}

func init() {
	researchCmd.Flags().BoolVar(&resStream, "stream", false, "Stream events instead of polling")
	researchCmd.Flags().IntVar(&resDepth, "depth", 0, "Recursion depth (0 = config default)")
	researchCmd.Flags().IntVar(&resBreadth, "breadth", 0, "Max follow-up investigations per level (0 = config default)")
	researchCmd.Flags().StringSliceVar(&resStores, "stores", nil, "File search store names (e.g. fileSearchStores/my-store)")
	researchCmd.Flags().StringSliceVar(&resUpload, "upload", nil, "Files or directories to upload into a temporary store")
	researchCmd.Flags().StringVar(&resFormat, "format", "", "Formatting instructions for the report")
	researchCmd.Flags().StringVar(&resOutput, "output", "", "Write the report to this file (.json/.csv validated)")
	researchCmd.Flags().BoolVar(&resDetach, "detach", false, "Run in the background and return immediately")
	researchCmd.Flags().Int64Var(&resAdopt, "adopt-session", 0, "Adopt an existing placeholder session row")
	researchCmd.Flags().DurationVar(&resTimeout, "timeout", 0, "Per-level fan-out timeout (0 = config default)")
	rootCmd.AddCommand(researchCmd)
}
