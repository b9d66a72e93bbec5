package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"deepresearch/mission/internal/config"
	"deepresearch/mission/internal/gemini"
	"deepresearch/mission/internal/session"
)

var dbPath string

var rootCmd = &cobra.Command{
	Use:   "mission",
	Short: "Recursive deep-research runs against the Gemini interactions API",
}

func Execute() {
	// .env before config: the key usually lives there.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Path to the session database")
}

// loadConfig loads defaults, the config file and environment overrides.
func loadConfig() config.Config {
	res := config.Load(config.DataDir())
	if res.ParseError != nil {
		fmt.Fprintf(os.Stderr, "[config] warning: %s: %v (using defaults)\n", res.Path, res.ParseError)
	}
	return res.Config
}

// discoverStorePath resolves the database path: MISSION_DB env > --db
// flag > config file > default under the data dir.
func discoverStorePath(cfg config.Config) string {
	if envPath := os.Getenv("MISSION_DB"); envPath != "" {
		return envPath
	}
	if dbPath != "" {
		return dbPath
	}
	return cfg.Store.Path
}

// openStore opens the session database, creating it on first use.
func openStore(cfg config.Config) (*session.Store, error) {
	return session.OpenDB(discoverStorePath(cfg))
}

// newGeminiClient builds the API client from config. Fails fast on a
// missing key so the error surfaces before any rows are written.
func newGeminiClient(cfg config.Config) (*gemini.Client, error) {
	if cfg.API.Key == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY not set (environment or .env)")
	}
	return gemini.NewClient(gemini.Config{
		APIKey:        cfg.API.Key,
		BaseURL:       cfg.API.BaseURL,
		Agent:         cfg.API.Agent,
		FollowupModel: cfg.API.FollowupModel,
	})
}
