package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chriscow/livekit-voice-assistant/pkg/ai/llm"
	"github.com/chriscow/livekit-voice-assistant/pkg/ai/stt"
	"github.com/chriscow/livekit-voice-assistant/pkg/ai/tts"
	"github.com/chriscow/livekit-voice-assistant/pkg/audio/wav"
	"github.com/chriscow/livekit-voice-assistant/pkg/plugin"
	"github.com/chriscow/livekit-voice-assistant/pkg/rtc"
	"github.com/chriscow/livekit-voice-assistant/pkg/turn"
)

var downloadCmd = &cobra.Command{
	Use:   "download-files",
	Short: "Download model files for the VAD and the turn detector",
	Long: `Fetch every model file the worker loads at startup: the Silero VAD model
and the end-of-turn detector models. Files are stored under $LK_MODEL_PATH
or ~/.livekit/models. Existing files are kept.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := setupLogger()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		var errs []error
		for _, p := range plugin.Downloaders() {
			logger.Info("Downloading model files", slog.String("kind", p.Kind), slog.String("name", p.Name))
			if err := p.Downloader.Download(); err != nil {
				errs = append(errs, fmt.Errorf("%s/%s: %w", p.Kind, p.Name, err))
			}
		}

		logger.Info("Downloading turn detector models")
		d := turn.NewDownloader(cfg.ModelPath, turn.WithDownloadLogger(logger))
		if err := d.DownloadAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("turn detector: %w", err))
		}

		if err := errors.Join(errs...); err != nil {
			logger.Error("Model download failed", slog.String("error", err.Error()))
			return err
		}
		logger.Info("Model files ready")
		return nil
	},
}

var sttCmd = &cobra.Command{
	Use:   "stt",
	Short: "Speech-to-text commands",
}

var sttEchoCmd = &cobra.Command{
	Use:   "echo",
	Short: "Transcribe a WAV file and print the final transcripts",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := setupLogger()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path, _ := cmd.Flags().GetString("file")
		provider, _ := cmd.Flags().GetString("provider")
		realtime, _ := cmd.Flags().GetBool("realtime")
		if provider == "" {
			provider = cfg.STTProvider
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		recognizer, err := plugin.Build[stt.STT](plugin.KindSTT, provider, cfg.STTOptions())
		if err != nil {
			return err
		}
		return runSTTEcho(ctx, recognizer, path, cfg.STTLanguage, realtime, os.Stdout, logger)
	},
}

// runSTTEcho streams the file to recognizer and prints each final transcript.
// With realtime set, frames are paced at 10ms like a live microphone.
func runSTTEcho(ctx context.Context, recognizer stt.STT, path, language string, realtime bool, out io.Writer, logger *slog.Logger) error {
	r, err := wav.Open(path)
	if err != nil {
		return err
	}
	defer r.Close()

	h := r.Header()
	logger.Info("WAV file info",
		slog.String("file", path),
		slog.Int("sample_rate", int(h.SampleRate)),
		slog.Int("channels", int(h.NumChannels)))

	stream, err := recognizer.NewStream(ctx, stt.StreamConfig{
		InterimResults: true,
		SampleRate:     int(h.SampleRate),
		NumChannels:    int(h.NumChannels),
		Language:       language,
	})
	if err != nil {
		return fmt.Errorf("failed to create STT stream: %w", err)
	}
	defer stream.Close()

	pushErr := make(chan error, 1)
	go func() {
		pushErr <- pushFrames(ctx, stream, r, realtime)
	}()

	for ev := range stream.Events() {
		switch ev.Type {
		case stt.SpeechEventInterim:
			if top, ok := ev.Top(); ok {
				logger.Debug("Interim result", slog.String("text", top.Text))
			}
		case stt.SpeechEventFinal:
			if top, ok := ev.Top(); ok && strings.TrimSpace(top.Text) != "" {
				fmt.Fprintf(out, "Transcript: %s\n", top.Text)
			}
		case stt.SpeechEventError:
			logger.Warn("STT error", slog.String("error", ev.Error.Error()))
		}
	}

	if err := <-pushErr; err != nil {
		return err
	}
	logger.Info("STT echo completed")
	return ctx.Err()
}

// pushFrames feeds the file to stream. On any early exit it closes the stream
// so the event loop in runSTTEcho ends.
func pushFrames(ctx context.Context, stream stt.Stream, r *wav.Reader, realtime bool) error {
	var tick <-chan time.Time
	if realtime {
		t := time.NewTicker(rtc.FrameDuration)
		defer t.Stop()
		tick = t.C
	}
	for {
		frame, err := r.ReadFrame()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			stream.Close()
			return err
		}
		if err := stream.Push(frame); err != nil {
			stream.Close()
			return fmt.Errorf("failed to push audio frame: %w", err)
		}
		if tick != nil {
			select {
			case <-tick:
			case <-ctx.Done():
				stream.Close()
				return nil
			}
		}
	}
	if err := stream.CloseSend(); err != nil {
		stream.Close()
		return fmt.Errorf("failed to close STT stream: %w", err)
	}
	return nil
}

var ttsCmd = &cobra.Command{
	Use:   "tts",
	Short: "Text-to-speech commands",
}

var ttsSayCmd = &cobra.Command{
	Use:   "say [text]",
	Short: "Synthesize text into a WAV file",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := setupLogger()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out, _ := cmd.Flags().GetString("out")
		provider, _ := cmd.Flags().GetString("provider")
		if provider == "" {
			provider = cfg.TTSProvider
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		opts := cfg.TTSOptions()
		if provider != cfg.TTSProvider {
			opts = map[string]any{}
		}
		synth, err := plugin.Build[tts.TTS](plugin.KindTTS, provider, opts)
		if err != nil {
			return err
		}
		d, err := synthesizeToFile(ctx, synth, strings.Join(args, " "), cfg.STTLanguage, out)
		if err != nil {
			return err
		}
		logger.Info("Synthesis written", slog.String("file", out), slog.Duration("duration", d))
		return nil
	},
}

// synthesizeToFile writes the synthesized audio of text to path. The file
// format follows the first frame the provider produces.
func synthesizeToFile(ctx context.Context, synth tts.TTS, text, language, path string) (time.Duration, error) {
	frames, err := synth.Synthesize(ctx, tts.SynthesizeRequest{Text: text, Language: language})
	if err != nil {
		return 0, fmt.Errorf("synthesize: %w", err)
	}

	var w *wav.Writer
	for frame := range frames {
		if w == nil {
			if w, err = wav.Create(path, frame.SampleRate, frame.NumChannels); err != nil {
				return 0, err
			}
		}
		if err := w.WriteFrame(frame); err != nil {
			w.Close()
			return 0, err
		}
	}
	if w == nil {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("provider produced no audio")
	}
	d := w.Duration()
	if err := w.Close(); err != nil {
		return 0, err
	}
	return d, ctx.Err()
}

var turnCmd = &cobra.Command{
	Use:   "turn",
	Short: "Turn detection commands",
}

var turnPredictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Predict end-of-turn probability from chat history JSON",
	Long: `Read chat history JSON from stdin and output end-of-turn probability.
Input format: {"messages": [{"role": "user", "content": "Hello"}], "language": "en-US"}
Output format: {"eou_probability": 0.85}`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := setupLogger()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		threshold, _ := cmd.Flags().GetFloat64("threshold")
		language, _ := cmd.Flags().GetString("language")

		detector, err := turn.NewDetector(turn.DetectorConfig{
			Model:     cfg.TurnModel,
			ModelPath: cfg.ModelPath,
			RemoteURL: cfg.TurnRemoteURL,
			Logger:    logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create detector: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return runTurnPredict(ctx, detector, os.Stdin, os.Stdout, language, threshold)
	},
}

type predictInput struct {
	Messages []llm.Message `json:"messages"`
	Language string        `json:"language,omitempty"`
}

func runTurnPredict(ctx context.Context, detector turn.Detector, in io.Reader, out io.Writer, language string, threshold float64) error {
	var input predictInput
	if err := json.NewDecoder(in).Decode(&input); err != nil {
		return fmt.Errorf("failed to decode input JSON: %w", err)
	}
	if language != "" {
		input.Language = language
	}
	if input.Language == "" {
		input.Language = "en-US"
	}

	p, err := detector.PredictEndOfTurn(ctx, turn.ChatContext{
		Messages: input.Messages,
		Language: input.Language,
	})
	if err != nil {
		return fmt.Errorf("prediction failed: %w", err)
	}

	result := map[string]any{"eou_probability": p}
	if threshold <= 0 {
		if t, err := detector.UnlikelyThreshold(input.Language); err == nil {
			threshold = t
		}
	}
	if threshold > 0 {
		result["threshold"] = threshold
		result["end_of_turn"] = p >= threshold
	}
	return json.NewEncoder(out).Encode(result)
}

var pluginCmd = &cobra.Command{
	Use:   "plugin",
	Short: "Plugin management commands",
}

var pluginListCmd = &cobra.Command{
	Use:   "list [kind]",
	Short: "List registered plugins",
	Long: `List all registered plugins or plugins of a specific kind.
Available kinds: stt, tts, llm, vad`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind := ""
		if len(args) > 0 {
			kind = args[0]
		}
		listPlugins(os.Stdout, plugin.List(kind), kind)
		return nil
	},
}

func listPlugins(out io.Writer, plugins []*plugin.Plugin, kind string) {
	if len(plugins) == 0 {
		if kind == "" {
			fmt.Fprintln(out, "No plugins registered")
		} else {
			fmt.Fprintf(out, "No plugins registered for kind: %s\n", kind)
		}
		return
	}

	fmt.Fprintf(out, "%-8s %-20s %-10s %s\n", "KIND", "NAME", "VERSION", "DESCRIPTION")
	fmt.Fprintln(out, strings.Repeat("-", 60))
	for _, p := range plugins {
		version := p.Version
		if version == "" {
			version = "N/A"
		}
		description := p.Description
		if description == "" {
			description = "No description"
		}
		fmt.Fprintf(out, "%-8s %-20s %-10s %s\n", p.Kind, p.Name, version, description)
	}
}

func init() {
	sttEchoCmd.Flags().String("file", "", "path to a 16-bit PCM WAV file")
	sttEchoCmd.Flags().String("provider", "", "STT provider (defaults to STT_PROVIDER)")
	sttEchoCmd.Flags().Bool("realtime", false, "pace frames at 10ms like a live microphone")
	sttEchoCmd.MarkFlagRequired("file")

	ttsSayCmd.Flags().String("out", "say.wav", "output WAV file")
	ttsSayCmd.Flags().String("provider", "", "TTS provider (defaults to TTS_PROVIDER)")

	turnPredictCmd.Flags().Float64("threshold", 0, "override the language threshold for the end-of-turn decision")
	turnPredictCmd.Flags().String("language", "", "language hint for detection")

	sttCmd.AddCommand(sttEchoCmd)
	ttsCmd.AddCommand(ttsSayCmd)
	turnCmd.AddCommand(turnPredictCmd)
	pluginCmd.AddCommand(pluginListCmd)
}
