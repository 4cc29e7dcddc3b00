package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/chriscow/livekit-voice-assistant/internal/config"
	"github.com/chriscow/livekit-voice-assistant/internal/worker"
	"github.com/chriscow/livekit-voice-assistant/pkg/job"
	"github.com/chriscow/livekit-voice-assistant/pkg/metrics"
	"github.com/chriscow/livekit-voice-assistant/pkg/session"
	"github.com/chriscow/livekit-voice-assistant/pkg/transcript"
	"github.com/chriscow/livekit-voice-assistant/pkg/version"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Register with the dispatch server and run a session per job",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := setupLogger()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if u, _ := cmd.Flags().GetString("url"); u != "" {
			cfg.DispatchURL = u
		}
		if t, _ := cmd.Flags().GetString("token"); t != "" {
			cfg.WorkerToken = t
		}
		if cfg.DispatchURL == "" {
			return fmt.Errorf("--url or LIVEKIT_DISPATCH_URL is required")
		}

		logger.Info("Starting worker",
			slog.String("version", version.Version),
			slog.String("commit", version.GitCommit),
			slog.String("url", cfg.DispatchURL))

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		svc, err := newServices(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer svc.Close()

		w := worker.New(worker.Config{
			URL:        cfg.DispatchURL,
			Token:      cfg.WorkerToken,
			Handler:    svc.runSession,
			Process:    svc.proc,
			JobTimeout: cfg.JobTimeout,
		}, logger)

		g, gctx := errgroup.WithContext(ctx)
		gctx, stop := context.WithCancel(gctx)
		defer stop()
		g.Go(func() error {
			// A shutdown signal from the dispatcher ends the process too.
			defer stop()
			return ignoreCanceled(w.Run(gctx))
		})
		if cfg.MetricsAddr != "" {
			g.Go(func() error {
				return metrics.Serve(gctx, cfg.MetricsAddr, svc.registry, logger)
			})
		}
		if err := g.Wait(); err != nil {
			logger.Error("Worker failed", slog.String("error", err.Error()))
			return err
		}
		logger.Info("Worker stopped")
		return nil
	},
}

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Join a room directly and run a single session",
	Long: `Mint a token from LIVEKIT_API_KEY and LIVEKIT_API_SECRET, join --room
and run one session without a dispatch server. Useful in development.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := setupLogger()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		roomName, _ := cmd.Flags().GetString("room")
		identity, _ := cmd.Flags().GetString("identity")
		if identity == "" {
			identity = cfg.AgentName
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		token, err := job.MintToken(job.TokenOptions{
			APIKey:    cfg.LiveKitAPIKey,
			APISecret: cfg.LiveKitAPISecret,
			RoomName:  roomName,
			Identity:  identity,
			Name:      cfg.AgentName,
		})
		if err != nil {
			return err
		}

		svc, err := newServices(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer svc.Close()

		room, err := job.NewRoom(ctx, job.RoomConfig{
			URL:      cfg.LiveKitURL,
			Token:    token,
			RoomName: roomName,
			Logger:   logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create room: %w", err)
		}
		j, err := job.New(ctx, job.Config{
			RoomName: roomName,
			Timeout:  cfg.JobTimeout,
			Room:     room,
			Process:  svc.proc,
		})
		if err != nil {
			return fmt.Errorf("failed to create job: %w", err)
		}
		defer j.Shutdown("connect finished")

		return ignoreCanceled(svc.runSession(j.Context.Ctx, j))
	},
}

// services holds the process-wide resources shared by every session.
type services struct {
	cfg      config.Config
	logger   *slog.Logger
	proc     *job.Process
	registry *prometheus.Registry
	inst     *metrics.Instruments
	store    transcript.Store
	sink     metrics.Sink
}

// newServices prewarms the process and opens shared storage. A prewarm
// failure is fatal: the worker must not accept jobs without a VAD.
func newServices(ctx context.Context, cfg config.Config, logger *slog.Logger) (*services, error) {
	proc, err := session.PrewarmWith(ctx, cfg, session.PrewarmOptions{Logger: logger})
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	svc := &services{
		cfg:      cfg,
		logger:   logger,
		proc:     proc,
		registry: reg,
		inst:     metrics.NewInstruments(reg, cfg.MetricsNamespace),
		sink:     metrics.NopSink{},
	}

	if svc.store, err = transcript.NewStore(ctx, cfg.DatabaseURL); err != nil {
		return nil, fmt.Errorf("open transcript store: %w", err)
	}
	if cfg.RedisURL != "" {
		sink, err := metrics.NewRedisSinkFromURL(ctx, cfg.RedisURL, cfg.UsageTTL)
		if err != nil {
			svc.store.Close()
			return nil, fmt.Errorf("open usage sink: %w", err)
		}
		svc.sink = sink
	}
	return svc, nil
}

func (svc *services) runSession(ctx context.Context, j *job.Job) error {
	orch, err := session.New(session.Options{
		Config:      svc.cfg,
		Store:       svc.store,
		Sink:        svc.sink,
		Instruments: svc.inst,
		Logger:      svc.logger.With(slog.String("job_id", j.ID)),
	})
	if err != nil {
		return err
	}
	return orch.Run(ctx, j.Context)
}

func (svc *services) Close() {
	if err := svc.sink.Close(); err != nil {
		svc.logger.Warn("close usage sink", slog.String("error", err.Error()))
	}
	if err := svc.store.Close(); err != nil {
		svc.logger.Warn("close transcript store", slog.String("error", err.Error()))
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func init() {
	startCmd.Flags().String("url", "", "dispatch server websocket URL (overrides LIVEKIT_DISPATCH_URL)")
	startCmd.Flags().String("token", "", "worker token (overrides LIVEKIT_WORKER_TOKEN)")

	connectCmd.Flags().String("room", "", "room to join")
	connectCmd.Flags().String("identity", "", "agent identity (defaults to AGENT_NAME)")
	connectCmd.MarkFlagRequired("room")
}
