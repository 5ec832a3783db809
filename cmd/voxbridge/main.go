package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/voxbridge/voxbridge/pkg/relay"
	"github.com/voxbridge/voxbridge/pkg/relay/config"
	"github.com/voxbridge/voxbridge/pkg/relay/inject"
	"github.com/voxbridge/voxbridge/pkg/relay/metrics"
	relayserver "github.com/voxbridge/voxbridge/pkg/relay/server"
	"github.com/voxbridge/voxbridge/pkg/relay/sweeper"
	"github.com/voxbridge/voxbridge/pkg/relay/telephony"
	"github.com/voxbridge/voxbridge/pkg/relay/tools"
	"github.com/voxbridge/voxbridge/pkg/relay/upstream"
)

type relayDeps struct {
	loadConfig     func() (config.Config, error)
	newStreamer    func(upstream.Config) (*upstream.Streamer, error)
	newSynthesizer func(context.Context, inject.GoogleConfig) (inject.Synthesizer, error)
	signalNotify   func(chan<- os.Signal, ...os.Signal)
	signalStop     func(chan<- os.Signal)
	forceExit      func(int)
}

func defaultRelayDeps() relayDeps {
	return relayDeps{
		loadConfig: config.LoadFromEnv,
		newStreamer: func(cfg upstream.Config) (*upstream.Streamer, error) {
			return upstream.NewStreamer(cfg)
		},
		newSynthesizer: func(ctx context.Context, cfg inject.GoogleConfig) (inject.Synthesizer, error) {
			return inject.NewGoogleSynthesizer(ctx, cfg)
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
		forceExit:  os.Exit,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func buildAdapters(cfg config.Config) []telephony.Adapter {
	return []telephony.Adapter{
		telephony.NewBrowserAdapter(cfg.BrowserAdapterOn),
		telephony.NewTwilioAdapter(cfg.TwilioAdapterOn),
	}
}

func runRelay(ctx context.Context, logger *slog.Logger, deps relayDeps) error {
	if deps.loadConfig == nil || deps.newStreamer == nil {
		return errors.New("missing config or streamer dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	m := metrics.New(cfg.MetricsNamespace)

	toolReg := tools.NewRegistry(logger)
	if err := tools.RegisterBuiltins(toolReg, tools.BuiltinConfig{
		WeatherBaseURL: cfg.WeatherBaseURL,
		WorkflowURL:    cfg.WorkflowURL,
	}); err != nil {
		return fmt.Errorf("register builtin tools: %w", err)
	}

	streamer, err := deps.newStreamer(upstream.Config{
		URL:          cfg.UpstreamURL,
		Logger:       logger,
		ToolSpecs:    toolReg.Specs(),
		WriteTimeout: cfg.WSWriteTimeout,
	})
	if err != nil {
		return fmt.Errorf("upstream streamer: %w", err)
	}

	var injector *inject.Injector
	if cfg.TTSEnabled {
		if deps.newSynthesizer == nil {
			return errors.New("missing synthesizer dependency")
		}
		synth, err := deps.newSynthesizer(ctx, inject.GoogleConfig{
			LanguageCode: cfg.TTSLanguageCode,
			VoiceName:    cfg.TTSVoiceName,
		})
		if err != nil {
			return fmt.Errorf("text-to-speech synthesizer: %w", err)
		}
		injector, err = inject.New(inject.Config{
			Synthesizer: synth,
			Logger:      logger,
			SettleDelay: cfg.InjectSettleDelay,
		})
		if err != nil {
			return fmt.Errorf("injector: %w", err)
		}
	}

	rl, err := relay.New(relay.Config{
		Streamer:        streamer,
		Tools:           toolReg,
		Injector:        injector,
		Adapters:        buildAdapters(cfg),
		Metrics:         m,
		Logger:          logger,
		SystemPrompt:    cfg.SystemPrompt,
		TeardownTimeout: cfg.TeardownTimeout,
		ToolTimeout:     cfg.ToolTimeout,
	})
	if err != nil {
		return fmt.Errorf("relay: %w", err)
	}

	// The speak tool lets tool-driven workflows push a synthesized
	// utterance back into the caller's live channel.
	if injector != nil {
		if err := registerSpeakTool(toolReg, rl); err != nil {
			return fmt.Errorf("register speak tool: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sw := sweeper.New(sweeper.Config{
		Target:    rl.Registry(),
		Logger:    logger,
		Interval:  cfg.SweepInterval,
		IdleAfter: cfg.IdleAfter,
	})
	go sw.Run(runCtx)

	srv := relayserver.New(cfg, rl, m, logger)
	httpSrv := buildHTTPServer(cfg, srv.Handler())

	logger.Info("starting relay",
		"addr", cfg.Addr,
		"upstream", cfg.UpstreamURL,
		"browser_adapter", cfg.BrowserAdapterOn,
		"twilio_adapter", cfg.TwilioAdapterOn,
		"tts_enabled", cfg.TTSEnabled,
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	// Past the grace period the process exits no matter what is still
	// hanging on a socket.
	if deps.forceExit != nil {
		forceTimer := time.AfterFunc(cfg.ShutdownForceExit, func() {
			logger.Error("graceful shutdown overran grace period, forcing exit")
			deps.forceExit(1)
		})
		defer forceTimer.Stop()
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownForceExit)
	defer shutdownCancel()
	rl.Registry().Shutdown(shutdownCtx)
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("relay stopped")
	return nil
}

func registerSpeakTool(reg *tools.Registry, rl *relay.Relay) error {
	return reg.Register(tools.Tool{
		Name:        "speak",
		Description: "Speak a short message to the caller on the current channel",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string", "description": "Message to speak"},
			},
			"required": []string{"text"},
		},
		Handler: func(ctx context.Context, inv tools.Invocation) (any, error) {
			var args struct {
				Text string `json:"text"`
			}
			if err := tools.DecodeArgs(inv, &args); err != nil {
				return nil, err
			}
			if args.Text == "" {
				return nil, errors.New("text is required")
			}
			if err := rl.Inject(ctx, inv.ChannelID, args.Text); err != nil {
				return nil, err
			}
			return map[string]any{"content": "spoken"}, nil
		},
	})
}

func runMain(ctx context.Context, stderr io.Writer, deps relayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	// A missing .env is fine; only the process environment is required.
	_ = godotenv.Load()

	if err := runRelay(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "voxbridge: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultRelayDeps()))
}
