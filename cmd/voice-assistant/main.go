// Command voice-assistant runs the LiveKit voice assistant worker and a set of
// developer tools for its providers.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/chriscow/livekit-voice-assistant/internal/config"
	"github.com/chriscow/livekit-voice-assistant/pkg/version"

	// Provider registrations.
	_ "github.com/chriscow/livekit-voice-assistant/pkg/plugin/cartesia"
	_ "github.com/chriscow/livekit-voice-assistant/pkg/plugin/deepgram"
	_ "github.com/chriscow/livekit-voice-assistant/pkg/plugin/elevenlabs"
	_ "github.com/chriscow/livekit-voice-assistant/pkg/plugin/fake"
	_ "github.com/chriscow/livekit-voice-assistant/pkg/plugin/openai"
	_ "github.com/chriscow/livekit-voice-assistant/pkg/plugin/silero"
)

const loggerName = "voice-agent"

var envFile string

var rootCmd = &cobra.Command{
	Use:   version.Name,
	Short: "LiveKit voice assistant",
	Long: `A voice assistant that joins LiveKit rooms, greets the first participant
and holds a spoken conversation using pluggable STT, LLM and TTS providers.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.GetVersionInfo())
	},
}

// setupLogger configures the process logger from LK_LOG_FORMAT and LK_LOG_LEVEL.
// Logs go to stderr so command output on stdout stays machine readable.
func setupLogger() *slog.Logger {
	opts := &slog.HandlerOptions{}
	switch os.Getenv("LK_LOG_LEVEL") {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	var handler slog.Handler
	if os.Getenv("LK_LOG_FORMAT") == "console" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	logger := slog.New(handler).With(slog.String("component", loggerName))
	slog.SetDefault(logger)
	return logger
}

// loadConfig seeds the environment from the env file and reads the configuration.
func loadConfig() (config.Config, error) {
	if err := config.LoadEnvFile(envFile); err != nil {
		return config.Config{}, err
	}
	return config.Load()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", config.DefaultEnvFile,
		"dotenv file loaded before the environment is read")
	rootCmd.AddCommand(versionCmd, startCmd, connectCmd, downloadCmd, sttCmd, ttsCmd, turnCmd, pluginCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
