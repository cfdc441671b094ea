package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/zen-systems/routecore/pkg/adapter"
	"github.com/zen-systems/routecore/pkg/config"
	"github.com/zen-systems/routecore/pkg/crypto"
	"github.com/zen-systems/routecore/pkg/engine"
	"github.com/zen-systems/routecore/pkg/evidence"
	"github.com/zen-systems/routecore/pkg/memory"
	"github.com/zen-systems/routecore/pkg/metrics"
	"github.com/zen-systems/routecore/pkg/policy"
	"github.com/zen-systems/routecore/pkg/registry"
	"github.com/zen-systems/routecore/pkg/retrieval"
)

var (
	configDir    string
	engineFile   string
	registryFile string
	debugFlag    bool
	jsonLogs     bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "routecore",
		Short: "Decision core that routes requests to agents, tools and models",
		Long: `routecore turns a natural-language request into a policy-checked,
	executable plan: it understands the request, matches an intent, plans a
	task graph over retrieved capabilities, checks it against policy, scores
	candidates and runs the graph.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "configuration directory (default ~/.routecore)")
	rootCmd.PersistentFlags().StringVar(&engineFile, "engine-config", "", "engine config file (default <config-dir>/engine.yaml)")
	rootCmd.PersistentFlags().StringVar(&registryFile, "registry", "", "registry catalog file (default: embedded catalog)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "log-json", false, "log as JSON")

	rootCmd.AddCommand(routeCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(registryCmd())
	rootCmd.AddCommand(memoryCmd())
	rootCmd.AddCommand(evidenceCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if debugFlag {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if jsonLogs {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configDir != "" {
		cfg, err = config.LoadFrom(configDir, engineFile)
	} else {
		cfg, err = config.Load()
		if err == nil && engineFile != "" {
			cfg.Engine, err = config.LoadEngineConfig(engineFile)
		}
	}
	if err != nil {
		return nil, err
	}
	if registryFile != "" {
		cfg.RegistryPath = registryFile
	}
	return cfg, nil
}

func loadRegistry(path string) (*registry.Registry, error) {
	var (
		cat registry.Catalog
		err error
	)
	if path == "" {
		cat, err = registry.DefaultCatalog()
	} else {
		cat, err = registry.LoadFile(path)
	}
	if err != nil {
		return nil, err
	}
	return registry.New(cat)
}

// app is everything a command needs to submit requests.
type app struct {
	cfg       *config.Config
	registry  *registry.Registry
	engine    *engine.Engine
	memory    *memory.Memory
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer
	weaviate  *retrieval.WeaviateRetriever
	logger    *slog.Logger
	closeHook func(context.Context) error
}

func buildRuntime(ctx context.Context, logger *slog.Logger) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	reg, err := loadRegistry(cfg.RegistryPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load registry: %w", err)
	}
	adapters, err := adapter.FromKeys(cfg.Keys())
	if err != nil {
		return nil, fmt.Errorf("failed to create adapters: %w", err)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	rt := &app{
		cfg:      cfg,
		registry: reg,
		metrics:  m,
		gatherer: promReg,
		logger:   logger,
	}

	mem, err := openMemory(ctx, cfg, m, logger)
	if err != nil {
		return nil, err
	}
	rt.memory = mem

	opts := []engine.Option{
		engine.WithAdapters(adapters),
		engine.WithMemory(mem),
		engine.WithMetrics(m),
		engine.WithLogger(logger),
		engine.WithDebug(debugFlag),
	}
	if cfg.Engine.Weaviate.Host != "" {
		w, err := retrieval.NewWeaviateRetriever(retrieval.WeaviateConfig{
			Host:            cfg.Engine.Weaviate.Host,
			Scheme:          cfg.Engine.Weaviate.Scheme,
			CapabilityClass: cfg.Engine.Weaviate.CapabilityClass,
			PolicyClass:     cfg.Engine.Weaviate.PolicyClass,
		})
		if err != nil {
			mem.Close(ctx)
			return nil, err
		}
		rt.weaviate = w
		rt.indexWeaviate(ctx, reg.Current(), true)
		opts = append(opts, engine.WithRetriever(w))
	}

	e, err := engine.New(reg, cfg.Engine, opts...)
	if err != nil {
		mem.Close(ctx)
		return nil, err
	}
	rt.engine = e
	rt.closeHook = mem.Close
	return rt, nil
}

// openMemory builds the routing memory. A configured db_path selects the
// SQLite store; otherwise decisions live only for the process lifetime.
func openMemory(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (*memory.Memory, error) {
	var store memory.Store = memory.NewMemStore()
	if path := cfg.Engine.Memory.DBPath; path != "" {
		s, err := memory.OpenSQLite(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open memory store: %w", err)
		}
		store = s
	}

	opts := []memory.Option{
		memory.WithConfig(cfg.Engine.Memory),
		memory.WithLogger(logger),
		memory.WithDropHook(m.MemoryDrop),
		memory.WithWriteErrorHook(m.MemoryWriteError),
	}
	if audit := cfg.Engine.Audit; audit.Dir != "" {
		signer, err := crypto.NewSigner(keyDir(cfg), audit.KeyID)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to load audit key: %w", err)
		}
		w, err := evidence.NewWriter(audit.Dir, signer, logger)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to create evidence writer: %w", err)
		}
		opts = append(opts, memory.WithAppendHook(w.Hook()))
	}
	return memory.New(ctx, store, opts...), nil
}

func keyDir(cfg *config.Config) string {
	return filepath.Join(cfg.ConfigDir, "keys")
}

// indexWeaviate pushes capability documents (and, on first load, the domain
// rules) into the vector store. Failures leave the previous index in place.
func (rt *app) indexWeaviate(ctx context.Context, snap *registry.Snapshot, withRules bool) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	n, err := rt.weaviate.Index(ctx, retrieval.NamespaceCapability, retrieval.CapabilityDocuments(snap))
	if err != nil {
		rt.logger.Warn("weaviate capability index failed", slog.String("registry_version", snap.Version()), slog.Any("error", err))
	} else {
		rt.logger.Info("weaviate capabilities indexed", slog.Int("count", n), slog.String("registry_version", snap.Version()))
	}
	if !withRules {
		return
	}
	rules, err := policy.DefaultRules()
	if err != nil {
		rt.logger.Warn("domain rules unavailable", slog.Any("error", err))
		return
	}
	if _, err := rt.weaviate.Index(ctx, retrieval.NamespacePolicy, policy.RuleDocuments(rules)); err != nil {
		rt.logger.Warn("weaviate policy index failed", slog.Any("error", err))
	}
}

func (rt *app) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return rt.closeHook(ctx)
}
