package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/rendis/conductor/internal/actions"
	"github.com/rendis/conductor/internal/config"
	"github.com/rendis/conductor/internal/engine"
	"github.com/rendis/conductor/internal/expressions"
	"github.com/rendis/conductor/internal/planning"
	"github.com/rendis/conductor/internal/plugins"
	"github.com/rendis/conductor/internal/reasoning"
	"github.com/rendis/conductor/internal/scheduler"
	"github.com/rendis/conductor/internal/store"
	"github.com/rendis/conductor/internal/streaming"
	"github.com/rendis/conductor/internal/validation"
)

// app is the wired conductor runtime.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    store.Store
	hub      streaming.EventHub
	registry *actions.Registry
	executor *engine.Executor
	orch     *engine.Orchestrator

	plugins *plugins.Manager
	janitor *scheduler.Janitor
	redis   redis.UniversalClient
}

type appOptions struct {
	model llms.Model
}

type appOption func(*appOptions)

// withModel replaces the configured LLM provider.
func withModel(m llms.Model) appOption {
	return func(o *appOptions) { o.model = m }
}

// newApp wires every component from cfg. The caller must Close the app.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...appOption) (_ *app, err error) {
	var o appOptions
	for _, opt := range opts {
		opt(&o)
	}

	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, fmt.Errorf("schema validator: %w", err)
	}

	a.registry = actions.NewRegistry(validator, logger)
	if err := actions.RegisterBuiltins(a.registry, actions.HTTPConfig{UserAgent: "conductor/" + version}); err != nil {
		return nil, fmt.Errorf("register builtin actions: %w", err)
	}
	if len(cfg.Plugins) > 0 {
		a.plugins = plugins.NewManager(a.registry, logger)
		if err := a.plugins.Load(ctx, pluginServers(cfg.Plugins)); err != nil {
			return nil, fmt.Errorf("load plugins: %w", err)
		}
	}

	library := reasoning.NewLibrary()
	if cfg.Prompts.Path != "" {
		if err := library.LoadFile(cfg.Prompts.Path); err != nil {
			return nil, fmt.Errorf("load prompts: %w", err)
		}
	}

	policy, err := validation.NewPolicy(policyRules(cfg.Policy.Rules))
	if err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}

	model := o.model
	if model == nil {
		if model, err = newModel(cfg.LLM); err != nil {
			return nil, fmt.Errorf("llm provider: %w", err)
		}
	}

	if a.store, err = a.openStore(ctx); err != nil {
		return nil, err
	}
	if a.hub, err = a.openHub(); err != nil {
		return nil, err
	}

	callOpts := []llms.CallOption{llms.WithTemperature(cfg.LLM.Temperature)}
	subst := expressions.NewSubstituter(cfg.Engine.SubstitutionPasses, logger)
	processor := reasoning.NewProcessor(library, reasoning.NewLLMGenerator(model, callOpts...), subst, logger)
	planner := planning.NewLLMPlanner(model, validator, library, logger, callOpts...)

	a.executor = engine.NewExecutor(a.registry, processor, subst, policy, a.hub, engine.ExecutorConfig{
		PoolSize:      cfg.Engine.PoolSize,
		ActionTimeout: cfg.Engine.ActionTimeout,
		CircuitBreaker: &engine.CircuitBreakerConfig{
			FailureThreshold: cfg.Engine.CircuitBreaker.FailureThreshold,
			Cooldown:         cfg.Engine.CircuitBreaker.Cooldown,
			HalfOpenMax:      1,
		},
	}, logger)

	a.orch = engine.NewOrchestrator(a.store, planner, a.executor, a.hub, engine.OrchestratorConfig{
		MaxActions:   cfg.Engine.MaxActionsPerPlan,
		HistoryLimit: cfg.Engine.HistoryLimit,
		Prompts:      library,
	}, logger)

	logger.Info("conductor ready",
		slog.String("store", cfg.Store.Driver),
		slog.String("events", cfg.Events.Driver),
		slog.Int("actions", a.registry.Count()),
		slog.Any("prompts", library.Keys()),
		slog.Int("policy_rules", policy.Len()))
	return a, nil
}

func newModel(cfg config.LLMConfig) (llms.Model, error) {
	opts := []openai.Option{
		openai.WithModel(cfg.Model),
	}
	if cfg.APIKey != "" {
		opts = append(opts, openai.WithToken(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	return openai.New(opts...)
}

func (a *app) redisClient() redis.UniversalClient {
	if a.redis == nil {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
	}
	return a.redis
}

func (a *app) openStore(ctx context.Context) (store.Store, error) {
	sc := a.cfg.Store
	switch sc.Driver {
	case "redis":
		st, err := store.NewRedisStore(a.redisClient(), store.RedisOptions{Prefix: sc.Prefix, TTL: sc.TTL})
		if err != nil {
			return nil, fmt.Errorf("redis store: %w", err)
		}
		return st, nil
	case "libsql":
		dsn, err := libsqlDSN(sc.LibSQLPath)
		if err != nil {
			return nil, err
		}
		st, err := store.NewLibSQLStore(dsn, sc.TTL)
		if err != nil {
			return nil, fmt.Errorf("libsql store: %w", err)
		}
		if err := st.Migrate(ctx); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("libsql store: %w", err)
		}
		a.janitor, err = scheduler.NewJanitor(st, sc.JanitorSpec, a.logger)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		if err := a.janitor.Start(ctx); err != nil {
			_ = st.Close()
			return nil, err
		}
		return st, nil
	default:
		return store.NewMemoryStore(sc.MaxSessions, sc.TTL), nil
	}
}

// libsqlDSN turns a plain file path into a file: URI and creates its
// directory. URIs pass through unchanged.
func libsqlDSN(path string) (string, error) {
	if strings.Contains(path, ":") {
		return path, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("libsql store: %w", err)
	}
	return "file:" + path, nil
}

func (a *app) openHub() (streaming.EventHub, error) {
	switch a.cfg.Events.Driver {
	case "redis":
		hub, err := streaming.NewRedisHub(a.redisClient(), a.cfg.Events.Prefix, a.logger)
		if err != nil {
			return nil, fmt.Errorf("redis event hub: %w", err)
		}
		return hub, nil
	case "none":
		return streaming.Nop{}, nil
	default:
		return streaming.NewMemoryHub(), nil
	}
}

// Close releases everything newApp opened, in reverse order.
func (a *app) Close() error {
	var errs []error
	if a.executor != nil {
		a.executor.Shutdown()
		a.logStats()
	}
	if a.janitor != nil {
		a.janitor.Stop()
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	// RedisStore closes the shared client itself.
	if _, shared := a.store.(*store.RedisStore); a.redis != nil && !shared {
		errs = append(errs, a.redis.Close())
	}
	if a.plugins != nil {
		errs = append(errs, a.plugins.Close())
	}
	return errors.Join(errs...)
}

// logStats reports what the runtime did before it goes away.
func (a *app) logStats() {
	attrs := []any{
		slog.Any("pool", a.executor.PoolMetrics()),
		slog.Any("breakers", a.executor.Breakers().Stats()),
	}
	if a.plugins != nil {
		attrs = append(attrs, slog.Any("plugins", a.plugins.Status()))
	}
	if h, ok := a.hub.(*streaming.MemoryHub); ok {
		attrs = append(attrs, slog.Uint64("events_dropped", h.Dropped()))
	}
	a.logger.Info("conductor stopping", attrs...)
}

func pluginServers(in []config.PluginConfig) []plugins.ServerConfig {
	out := make([]plugins.ServerConfig, len(in))
	for i, p := range in {
		out[i] = plugins.ServerConfig{Name: p.Name, Command: p.Command, Args: p.Args, Env: p.Env}
	}
	return out
}

func policyRules(in []config.RuleConfig) []validation.Rule {
	out := make([]validation.Rule, len(in))
	for i, r := range in {
		out[i] = validation.Rule{Name: r.Name, Expr: r.Expr}
	}
	return out
}
