package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/chriscow/livekit-voice-assistant/internal/config"
	"github.com/chriscow/livekit-voice-assistant/pkg/ai/vad"
	"github.com/chriscow/livekit-voice-assistant/pkg/job"
	"github.com/chriscow/livekit-voice-assistant/pkg/plugin"
)

// DefaultVADProvider is the registry name of the prewarmed VAD.
const DefaultVADProvider = "silero"

// PrewarmOptions selects where Prewarm loads its resources from.
type PrewarmOptions struct {
	// Registry defaults to the global plugin registry.
	Registry *plugin.Registry
	// VADProvider defaults to DefaultVADProvider.
	VADProvider string
	Logger      *slog.Logger
}

// Prewarm loads the resources every session of this process shares and
// freezes them. The VAD is stored under job.KeyVAD.
func Prewarm(ctx context.Context, cfg config.Config) (*job.Process, error) {
	return PrewarmWith(ctx, cfg, PrewarmOptions{})
}

// PrewarmWith is Prewarm with an explicit registry and provider.
func PrewarmWith(ctx context.Context, cfg config.Config, opts PrewarmOptions) (*job.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.VADProvider == "" {
		opts.VADProvider = DefaultVADProvider
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	vadCfg := map[string]any{}
	if cfg.ModelPath != "" {
		vadCfg["model_dir"] = cfg.ModelPath
	}
	v, err := build[vad.VAD](opts.Registry, plugin.KindVAD, opts.VADProvider, vadCfg)
	if err != nil {
		return nil, fmt.Errorf("prewarm: load vad: %w", err)
	}

	b := job.NewProcessBuilder()
	if err := b.Set(job.KeyVAD, v); err != nil {
		return nil, fmt.Errorf("prewarm: %w", err)
	}
	proc := b.Freeze()

	opts.Logger.Info("process prewarmed",
		slog.String("vad", opts.VADProvider),
		slog.Any("resources", proc.Keys()))
	return proc, nil
}

// build resolves kind/name from r, or from the global registry when r is nil.
func build[T any](r *plugin.Registry, kind, name string, cfg map[string]any) (T, error) {
	if r == nil {
		return plugin.Build[T](kind, name, cfg)
	}
	return plugin.BuildFrom[T](r, kind, name, cfg)
}
