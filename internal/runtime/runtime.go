package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-grammar/internal/audio"
	"github.com/loqalabs/loqa-grammar/internal/bus"
	"github.com/loqalabs/loqa-grammar/internal/capability"
	"github.com/loqalabs/loqa-grammar/internal/config"
	"github.com/loqalabs/loqa-grammar/internal/eventstore"
	"github.com/loqalabs/loqa-grammar/internal/features"
	"github.com/loqalabs/loqa-grammar/internal/grammar"
	"github.com/loqalabs/loqa-grammar/internal/natsserver"
	"github.com/loqalabs/loqa-grammar/internal/pipeline"
	"github.com/loqalabs/loqa-grammar/internal/scoring"
	"github.com/loqalabs/loqa-grammar/internal/stt"
	"go.opentelemetry.io/otel"
)

const pruneInterval = time.Hour

type Runtime struct {
	// Version is advertised to peers on the bus.
	Version string

	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	natsServer  *natsserver.EmbeddedServer
	busClient   *bus.Client
	registry    *capability.Registry
	eventStore  *eventstore.Store
	transcriber *stt.Transcriber
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// BuildPipeline assembles the stage components from configuration. Recorder
// and publisher may be nil.
func BuildPipeline(cfg config.Config, logger *slog.Logger, recorder pipeline.Recorder, publisher pipeline.Publisher) (*pipeline.Orchestrator, *stt.Transcriber, error) {
	normalizer, err := audio.NewNormalizer(cfg.Audio, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("audio normalizer: %w", err)
	}

	predictor := scoring.NewPredictor(cfg.Scoring, logger)
	if err := predictor.Load(); err != nil {
		logger.Warn("scoring model not loaded; will retry on first request", slogError(err))
	}

	transcriber := stt.NewTranscriber(cfg.STT, logger)
	opts := pipeline.Options{
		Language:       cfg.Grammar.Language,
		Logger:         logger,
		Recorder:       recorder,
		Publisher:      publisher,
		MeterProvider:  otel.GetMeterProvider(),
		TracerProvider: otel.GetTracerProvider(),
	}
	orch, err := pipeline.New(pipeline.Stages{
		Normalizer:  normalizer,
		Extractor:   features.NewExtractor(logger),
		Predictor:   predictor,
		Transcriber: transcriber,
		Corrector:   grammar.NewCorrector(cfg.Grammar, logger),
	}, opts)
	if err != nil {
		_ = transcriber.Close()
		return nil, nil, err
	}
	return orch, transcriber, nil
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer r.close()

	var publisher pipeline.Publisher
	if r.cfg.Bus.Enabled {
		busCfg := r.cfg.Bus
		if busCfg.Embedded {
			r.natsServer, err = natsserver.Start(busCfg, r.logger)
			if err != nil {
				return fmt.Errorf("failed to start embedded nats: %w", err)
			}
			busCfg.Servers = []string{r.natsServer.ClientURL()}
		}
		r.busClient, err = bus.Connect(ctx, busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to bus: %w", err)
		}
		publisher = r.busClient
	}

	r.eventStore, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	if err := r.eventStore.Ensure(); err != nil {
		return fmt.Errorf("event store misconfigured: %w", err)
	}

	orch, transcriber, err := BuildPipeline(r.cfg, r.logger, r.eventStore, publisher)
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}
	r.transcriber = transcriber

	if r.busClient != nil {
		nodeCfg := r.cfg.Node
		if nodeCfg.ID == "" {
			nodeCfg.ID = defaultNodeID()
		}
		r.registry, err = capability.NewRegistry(ctx, nodeCfg, r.busClient.Conn(), capability.Options{
			Version:      r.Version,
			Capabilities: localCapabilities(r.cfg),
			Inflight:     orch.Inflight,
		}, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start capability registry: %w", err)
		}
	}

	srv := &server{
		pipeline:  orch,
		events:    r.eventStore,
		uploadDir: r.cfg.HTTP.UploadDir,
		maxBytes:  int64(r.cfg.HTTP.MaxUploadMB) << 20,
		ready:     r.isReady,
		nodes:     r.nodes,
		metrics:   metricsHandler,
		log:       r.logger.With(slog.String("component", "http")),
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.pruneLoop(ctx)
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("stt_engine", r.cfg.STT.Engine))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	return nil
}

func (r *Runtime) isReady() bool {
	if !r.ready.Load() {
		return false
	}
	if r.cfg.Bus.Enabled && !r.busClient.Healthy() {
		return false
	}
	if r.registry != nil && !r.registry.Healthy() {
		return false
	}
	return true
}

func (r *Runtime) nodes() []capability.NodeInfo {
	if r.registry == nil {
		return nil
	}
	return r.registry.Nodes(nil)
}

// defaultNodeID builds an ID that is a single NATS subject token.
func defaultNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "grammard"
	}
	host = strings.NewReplacer(".", "-", "*", "-", ">", "-", " ", "-").Replace(host)
	return host + "-" + uuid.NewString()[:8]
}

// localCapabilities describes the configured stages to peers.
func localCapabilities(cfg config.Config) []capability.Capability {
	grammarMode := grammar.ModeLanguageTool
	if !cfg.Grammar.Enabled {
		grammarMode = grammar.ModeDisabled
	}
	return []capability.Capability{
		{Name: "scoring", Attributes: map[string]string{
			"model": filepath.Base(cfg.Scoring.ModelPath),
			"range": fmt.Sprintf("%g-%g", cfg.Scoring.MinScore, cfg.Scoring.MaxScore),
		}},
		{Name: "stt", Attributes: map[string]string{
			"engine":   cfg.STT.Engine,
			"language": cfg.STT.Language,
		}},
		{Name: "grammar", Attributes: map[string]string{
			"mode":     grammarMode,
			"language": cfg.Grammar.Language,
		}},
	}
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.eventStore.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slogError(err))
			}
		}
	}
}

// close releases everything Start acquired, in reverse order.
func (r *Runtime) close() {
	if r.transcriber != nil {
		if err := r.transcriber.Close(); err != nil {
			r.logger.Warn("recognizer close error", slogError(err))
		}
	}
	if r.registry != nil {
		r.registry.Close()
	}
	if r.eventStore != nil {
		if err := r.eventStore.Close(); err != nil {
			r.logger.Warn("event store close error", slogError(err))
		}
	}
	r.busClient.Close()
	r.natsServer.Shutdown()

	if r.tracerClose != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}
