// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package agent is the composition root of the HarborDesk support agent.
//
// New wires the whole service from one Config: LLM and embeddings
// backends, Weaviate retrieval, the Redis conversation cache with its
// local fallback, the Postgres archive store, InfluxDB telemetry, the
// query pipeline, and the HTTP surface. Run starts the server and blocks.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/HarborDesk/pkg/secrets"
	"github.com/AleutianAI/HarborDesk/services/agent/datatypes"
	"github.com/AleutianAI/HarborDesk/services/agent/escalate"
	"github.com/AleutianAI/HarborDesk/services/agent/generate"
	"github.com/AleutianAI/HarborDesk/services/agent/handlers"
	"github.com/AleutianAI/HarborDesk/services/agent/intel"
	"github.com/AleutianAI/HarborDesk/services/agent/memory"
	"github.com/AleutianAI/HarborDesk/services/agent/middleware"
	"github.com/AleutianAI/HarborDesk/services/agent/observability"
	"github.com/AleutianAI/HarborDesk/services/agent/routes"
	"github.com/AleutianAI/HarborDesk/services/agent/search"
	"github.com/AleutianAI/HarborDesk/services/agent/services"
	"github.com/AleutianAI/HarborDesk/services/agent/session"
	"github.com/AleutianAI/HarborDesk/services/agent/store"
	"github.com/AleutianAI/HarborDesk/services/llm"
	"github.com/AleutianAI/HarborDesk/services/policy_engine"
)

// DefaultPort is the agent's HTTP port.
const DefaultPort = 12230

// Config holds everything the agent needs to start. Zero values use
// defaults; backends with an empty address are disabled where optional.
type Config struct {
	// Port is the HTTP server port. Default 12230.
	Port int

	// GinMode sets the Gin framework mode ("debug", "release", "test").
	GinMode string

	// LLM selects the chat and embeddings backends.
	LLM llm.Config

	// WeaviateURL is the vector database. Required.
	WeaviateURL string

	// RedisAddr is the conversation cache. Empty runs on the in-process
	// fallback cache only.
	RedisAddr     string
	RedisPassword string

	// CacheTTL is how long idle conversation state lives in the cache.
	// Zero uses the memory package default (2h).
	CacheTTL time.Duration

	// PostgresDSN is the durable archive store. Empty drops archives.
	PostgresDSN string

	// Influx* configure the telemetry sink. Empty URL disables it.
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	// OTelEndpoint is the OTLP collector. Empty disables trace export.
	OTelEndpoint string

	// PromptPath is the optional prompt YAML, hot-reloaded on change.
	PromptPath string

	// Session holds the session manager knobs (turn window, summary
	// interval, idle timeout, max age, agent id).
	Session session.Config

	// Search holds the retrieval knobs (max results, threshold).
	Search search.StrategyConfig

	// ConfidenceFloor is the escalation threshold. Default 0.7.
	ConfidenceFloor float64

	// PassageTokenBudget caps the passage block fed to generation.
	PassageTokenBudget int

	// RateLimit holds the per-caller token bucket knobs.
	RateLimit middleware.RateLimitConfig

	// EnableMetrics registers the Prometheus instruments. Default true
	// via ConfigFromEnv.
	EnableMetrics bool
}

// ConfigFromEnv assembles a Config from the deployment environment.
func ConfigFromEnv() Config {
	cfg := Config{
		Port:          envInt("AGENT_PORT", DefaultPort),
		GinMode:       os.Getenv("GIN_MODE"),
		WeaviateURL:   os.Getenv("WEAVIATE_URL"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		PostgresDSN:   os.Getenv("POSTGRES_DSN"),
		InfluxURL:     os.Getenv("INFLUXDB_URL"),
		InfluxToken:   os.Getenv("INFLUXDB_TOKEN"),
		InfluxOrg:     os.Getenv("INFLUXDB_ORG"),
		InfluxBucket:  os.Getenv("INFLUXDB_BUCKET"),
		OTelEndpoint:  os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		PromptPath:    os.Getenv("AGENT_PROMPT_FILE"),
		LLM: llm.Config{
			Provider:          os.Getenv("LLM_BACKEND_TYPE"),
			EmbeddingProvider: os.Getenv("EMBEDDING_PROVIDER"),
			Model:             os.Getenv("LLM_MODEL"),
			EmbeddingModel:    os.Getenv("EMBEDDING_MODEL"),
			BaseURL:           os.Getenv("LLM_BASE_URL"),
		},
		Session: session.Config{
			AgentID:         os.Getenv("AGENT_ID"),
			ContextMessages: envInt("CONTEXT_MESSAGES", 0),
			SummaryInterval: envInt("SUMMARY_INTERVAL", 0),
			IdleTimeout:     time.Duration(envInt("SESSION_TIMEOUT", 0)) * time.Second,
			MaxAge:          time.Duration(envInt("SESSION_MAX_AGE", 0)) * time.Second,
		},
		Search: search.StrategyConfig{
			MaxResults: envInt("MAX_SEARCH_RESULTS", 0),
		},
		ConfidenceFloor:    envFloat("MIN_CONFIDENCE_SCORE", 0),
		PassageTokenBudget: envInt("PASSAGE_TOKEN_BUDGET", 0),
		CacheTTL:           time.Duration(envInt("CACHE_TTL", 0)) * time.Second,
		RateLimit: middleware.RateLimitConfig{
			RequestsPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 0),
			Burst:             envInt("RATE_LIMIT_BURST", 0),
		},
		EnableMetrics: true,
	}

	switch strings.ToLower(cfg.LLM.Provider) {
	case "claude", "anthropic":
		if key, err := secrets.FromEnv("ANTHROPIC_API_KEY"); err == nil {
			cfg.LLM.APIKey = key
		}
	default:
		if key, err := secrets.FromEnv("OPENAI_API_KEY"); err == nil {
			cfg.LLM.APIKey = key
		}
	}
	return cfg
}

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("Ignoring non-numeric environment value", "name", name, "value", raw)
		return fallback
	}
	return v
}

func envFloat(name string, fallback float64) float64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		slog.Warn("Ignoring non-numeric environment value", "name", name, "value", raw)
		return fallback
	}
	return v
}

// Service is the agent lifecycle contract.
type Service interface {
	// Run starts the HTTP server and blocks until it stops.
	Run() error

	// Router exposes the configured engine for integration tests.
	Router() *gin.Engine

	// Shutdown ends active sessions, flushes telemetry, and releases
	// backends. Safe to call once, after Run returns.
	Shutdown(ctx context.Context)
}

type service struct {
	config   Config
	router   *gin.Engine
	sessions *session.Manager
	cache    memory.ConversationCache
	pg       *store.PostgresStore
	influx   *store.InfluxSink
	limiter  *middleware.RateLimiter
	metrics  *observability.Metrics

	// background cancels the probes, the sweeper, and the prompt watcher.
	background    context.CancelFunc
	tracerCleanup func(context.Context)
}

// New wires the service. The returned Service is ready to Run.
func New(cfg Config) (Service, error) {
	if cfg.Port <= 0 {
		cfg.Port = DefaultPort
	}
	if cfg.WeaviateURL == "" {
		return nil, fmt.Errorf("agent: WEAVIATE_URL is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &service{config: cfg, background: cancel}

	if cfg.OTelEndpoint != "" {
		cleanup, err := initTracer(cfg.OTelEndpoint)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("agent: init tracer: %w", err)
		}
		s.tracerCleanup = cleanup
	} else {
		slog.Info("OTLP endpoint not configured, trace export disabled")
	}

	if cfg.EnableMetrics {
		s.metrics = observability.NewMetrics(prometheus.DefaultRegisterer)
	}

	// LLM backends.
	llmClient, err := llm.NewClient(cfg.LLM)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("agent: init LLM client: %w", err)
	}
	embedder, err := llm.NewEmbedder(cfg.LLM)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("agent: init embedder: %w", err)
	}
	estimator := llm.NewEstimator(cfg.LLM.Model)

	// Cost metering. All three LLM-bound operations report here.
	costs := session.NewCostMeter(nil)
	chatUsage := func(operation string) func(sessionID string, usage llm.TokenUsage, model string) {
		return func(sessionID string, usage llm.TokenUsage, model string) {
			costs.RecordChat(sessionID, operation, model, usage)
		}
	}

	// Conversation cache: Redis primary with the in-process fallback.
	local, err := memory.NewLocalCache(cfg.CacheTTL)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("agent: init local cache: %w", err)
	}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		degrading := memory.NewDegradingCache(
			memory.NewRedisCache(client, cfg.CacheTTL), local,
			memory.DefaultProbeInterval,
			func(degraded bool) { s.metrics.SetCacheDegraded(degraded) },
		)
		degrading.StartProbes(ctx)
		s.cache = degrading
	} else {
		slog.Warn("Redis not configured, conversation memory is process-local")
		s.cache = local
	}

	// Durable archive store and telemetry sink.
	var archiver session.Archiver = store.NopStore{}
	if cfg.PostgresDSN != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("agent: init postgres store: %w", err)
		}
		s.pg = pg
		archiver = pg
	}
	if cfg.InfluxURL != "" {
		s.influx = store.NewInfluxSink(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket)
		archiver = store.NewTelemetryArchiver(archiver, s.influx)
	}

	// Session subsystem.
	analytics := session.NewAnalyticsBuffer()
	summarizer := memory.NewSummarizer(llmClient)
	s.sessions = session.NewManager(s.cache, summarizer, analytics, costs, archiver, cfg.Session)
	session.NewSweeper(s.sessions, 0).Start(ctx)

	// Retrieval.
	weaviateClient, err := newWeaviateClient(cfg.WeaviateURL)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("agent: init weaviate: %w", err)
	}
	searcher := search.NewWeaviateSearcher(weaviateClient)
	strategy := search.NewStrategy(embedder, searcher, cfg.Search,
		func(sessionID, text string) {
			costs.RecordEmbedding(sessionID, cfg.LLM.EmbeddingModel, text)
		})
	reconstructor := search.NewReconstructor(searcher)

	// Generation prompts, hot-reloaded on file change.
	library, err := generate.NewLibrary(cfg.PromptPath)
	if err != nil {
		slog.Warn("Prompt file failed to load, using built-in prompts", "error", err)
	}
	if err := library.Watch(ctx); err != nil {
		slog.Warn("Prompt hot-reload unavailable", "error", err)
	}

	pipeline := services.NewQueryPipeline(
		intel.NewAnalyzer(llmClient, chatUsage(datatypes.OperationQueryIntelligence)),
		strategy,
		reconstructor,
		generate.NewGenerator(llmClient, library, estimator, cfg.PassageTokenBudget,
			chatUsage(datatypes.OperationResponseGeneration)),
		escalate.NewEngine(llmClient, cfg.ConfidenceFloor,
			chatUsage(datatypes.OperationQueryIntelligence)),
		s.sessions, analytics, costs, s.metrics,
		services.Config{
			MaxResults:      cfg.Search.MaxResults,
			ConfidenceFloor: cfg.ConfidenceFloor,
		},
	)

	// Sensitive-data screen for inbound messages.
	scanner, err := policy_engine.NewPolicyEngine()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("agent: init policy engine: %w", err)
	}

	s.limiter = middleware.NewRateLimiter(cfg.RateLimit)
	s.limiter.StartJanitor(ctx)

	s.initRouter(pipeline, scanner, weaviateClient, llmClient, embedder)
	return s, nil
}

func (s *service) initRouter(pipeline handlers.QueryProcessor, scanner handlers.MessageScanner, weaviateClient *weaviate.Client, chat llm.LLMClient, embedder llm.Embedder) {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}
	s.router = gin.New()
	s.router.Use(gin.Logger(), gin.Recovery())
	s.router.Use(otelgin.Middleware("agent-service"))

	// The cache degrades to the in-process fallback and postgres only
	// loses archives, so neither takes the service down. Retrieval and
	// the LLM backends do.
	deps := []handlers.Dependency{
		{Name: "cache", Ping: s.cache.Ping},
		{Name: "weaviate", Critical: true, Ping: func(ctx context.Context) error {
			ready, err := weaviateClient.Misc().ReadyChecker().Do(ctx)
			if err != nil {
				return err
			}
			if !ready {
				return fmt.Errorf("weaviate not ready")
			}
			return nil
		}},
	}
	if p, ok := chat.(llm.Pinger); ok {
		deps = append(deps, handlers.Dependency{Name: "llm_chat", Critical: true, Ping: p.Ping})
	}
	if p, ok := embedder.(llm.Pinger); ok {
		deps = append(deps, handlers.Dependency{Name: "llm_embeddings", Critical: true, Ping: p.Ping})
	}
	if s.pg != nil {
		deps = append(deps, handlers.Dependency{Name: "postgres", Ping: s.pg.Ping})
	}

	routes.SetupRoutes(s.router, pipeline, s.sessions, scanner, s.limiter, deps...)
}

func (s *service) Run() error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	slog.Info("Starting agent server", "port", s.config.Port)
	return s.router.Run(addr)
}

func (s *service) Router() *gin.Engine {
	return s.router
}

func (s *service) Shutdown(ctx context.Context) {
	slog.Info("Shutting down agent service")
	s.sessions.EndAll(ctx, datatypes.EndReasonShutdown)
	s.background()

	if s.influx != nil {
		s.influx.Close()
	}
	if s.pg != nil {
		s.pg.Close()
	}
	if err := s.cache.Close(); err != nil {
		slog.Warn("Closing conversation cache failed", "error", err)
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(ctx)
	}
}

// newWeaviateClient validates the URL and connects.
func newWeaviateClient(rawURL string) (*weaviate.Client, error) {
	trimmed := strings.Trim(rawURL, "\"' ")
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid weaviate URL: %s", rawURL)
	}
	return weaviate.NewClient(weaviate.Config{
		Host:   parsed.Host,
		Scheme: parsed.Scheme,
	})
}

// initTracer sets up OTLP trace export to the collector.
func initTracer(endpoint string) (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("create gRPC connection: %w", err)
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("agent-service")))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}
