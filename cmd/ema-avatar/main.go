package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/koscakluka/ema-avatar/internal/config"
)

// Version is set at build time.
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "ema-avatar",
	Short: "EMA avatar - talk to a live avatar that answers from your knowledge base",
	Long: `ema-avatar connects a speech recognizer, a streaming answer service and a
live avatar synthesis service into spoken conversations.

Configuration:
  The backend reads, in order of precedence:
  1. environment variables (EMA_AVATAR_<SECTION>_<KEY>, plus the names below)
  2. --config flag or ./config.yaml
  3. a .env file in the working directory

Environment Variables:
  AZURE_SPEECH_REGION               - speech service region
  AZURE_SPEECH_API_KEY              - speech service subscription key
  AVATAR_ENDPOINT                   - avatar relay websocket URL
  STREAMING_ENDPOINT                - answer stream endpoint
  AVATAR_ORCHESTRATOR_FUNCTION_KEY  - answer stream function key
  DEEPGRAM_API_KEY                  - speech recognition key
  SUPPORTED_LANGUAGES               - comma separated recognition languages
  LOGLEVEL                          - debug, info, warn or error`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(consoleCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "ema-avatar", Version)
	},
}

// loadConfig loads and validates the configuration and sets up logging.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	level := parseLevel(cfg.LogLevel)
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return cfg, nil
}

func parseLevel(name string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(strings.TrimSpace(name)))); err != nil {
		return slog.LevelInfo
	}
	return level
}
