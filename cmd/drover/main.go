// Drover is a tiered multi-backend LLM agent runtime.
//
// It routes each conversation turn to a local or cloud model based on
// complexity, executes tool calls behind an approval gate, and tracks
// the spend avoided by keeping turns local. Configuration is loaded
// from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	drover serve             Start the API server
//	drover ask <question>    Ask a single question (for testing)
//	drover stats             Print usage and savings totals
//	drover version           Print version and build information
//	drover -o json version   Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/kwall/drover/internal/agent"
	"github.com/kwall/drover/internal/api"
	"github.com/kwall/drover/internal/approval"
	"github.com/kwall/drover/internal/buildinfo"
	"github.com/kwall/drover/internal/builtins"
	"github.com/kwall/drover/internal/config"
	"github.com/kwall/drover/internal/connwatch"
	"github.com/kwall/drover/internal/fallback"
	"github.com/kwall/drover/internal/history"
	"github.com/kwall/drover/internal/llm"
	"github.com/kwall/drover/internal/mcp"
	"github.com/kwall/drover/internal/ratelimit"
	"github.com/kwall/drover/internal/router"
	"github.com/kwall/drover/internal/tool"
	"github.com/kwall/drover/internal/usage"
)

// main is intentionally minimal. It constructs the OS-level environment
// and delegates immediately to [run] so that the full lifecycle can be
// driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the drover command. Arguments are
// parsed by hand: the flag package relies on package-level globals,
// which makes it impossible to call run() concurrently from tests, and
// the argument surface is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: drover ask <question>")
		}
		return runAsk(ctx, stdout, configPath, cmdArgs)
	case "stats":
		return runStats(stdout, configPath, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Drover - Tiered multi-backend LLM agent runtime")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: drover [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  ask          Ask a single question (for testing)")
	fmt.Fprintln(w, "  stats        Print usage and savings totals")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./drover.yaml, ~/.config/drover/config.yaml, /etc/drover/config.yaml")
	return nil
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

func loadConfig(explicit string) (*config.Config, string, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		// No config file at all is fine for local experimentation; the
		// defaults talk to a local Ollama.
		if explicit == "" {
			return config.Default(), "(defaults)", nil
		}
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, path, nil
}

// buildBackends constructs adapters from config, split by tier and kept
// in config order, which is the fallback priority order.
func buildBackends(cfg *config.Config, logger *slog.Logger) (local, cloud []llm.Backend, costs map[string]float64, err error) {
	costs = make(map[string]float64)
	for _, bc := range cfg.Backends {
		var b llm.Backend
		switch bc.Provider {
		case "ollama":
			b = llm.NewOllamaBackend(bc.ID, bc.BaseURL, bc.Model, 0, logger)
		case "anthropic":
			b = llm.NewAnthropicBackend(bc.ID, bc.APIKey, bc.Model, 0, logger)
		case "openai":
			b = llm.NewOpenAIBackend(bc.ID, bc.APIKey, bc.BaseURL, bc.Model, 0, logger)
		default:
			return nil, nil, nil, fmt.Errorf("backend %q: unknown provider %q", bc.ID, bc.Provider)
		}

		if bc.CostPerKTokens > 0 {
			costs[bc.ID] = bc.CostPerKTokens
		}
		if bc.Tier == "local" {
			local = append(local, b)
		} else {
			cloud = append(cloud, b)
		}
	}
	return local, cloud, costs, nil
}

func routerConfig(cfg *config.Config, costs map[string]float64) router.Config {
	threshold := 3
	if cfg.Routing.LocalThreshold == "moderate" {
		threshold = 6
	}
	return router.Config{
		ForceCloud:     cfg.Routing.ForceCloud,
		ForceLocal:     cfg.Routing.ForceLocal,
		LocalThreshold: threshold,
		CostPerKTokens: costs,
	}
}

const systemPrompt = "You are Drover, a capable assistant. Use the available tools when they " +
	"help, and answer directly when they do not."

// sessionFactory builds the per-session loop. Fallback state is
// per-session; the adapter clients underneath are shared and stateless.
func sessionFactory(cfg *config.Config, local, cloud []llm.Backend, costs map[string]float64, tools *tool.Registry, mode approval.Mode, logger *slog.Logger) api.SessionFactory {
	return func(sessionID string) (*agent.Loop, *router.TieredRouter) {
		log := logger.With("session", sessionID)

		var localSel, cloudSel *fallback.Selector
		if len(local) > 0 {
			localSel = fallback.NewSelector(local, log)
		}
		if len(cloud) > 0 {
			cloudSel = fallback.NewSelector(cloud, log)
		}
		rt := router.NewTieredRouter(localSel, cloudSel, routerConfig(cfg, costs), log)

		hist := history.NewManager(systemPrompt, cfg.Context.MaxTokens, cfg.Context.ResponseReserve, nil, log)
		gate := approval.NewGate(mode, nil, nil, sessionID, log)

		loop := agent.NewLoop(hist, rt, tools, gate, agent.Options{
			MaxIterations: cfg.Context.MaxIterations,
			MaxTokens:     cfg.Context.MaxResponse,
			Temperature:   cfg.Context.Temperature,
		}, log)
		return loop, rt
	}
}

// watchBackends registers a health watcher per backend so healthz can
// report which tiers are actually reachable.
func watchBackends(ctx context.Context, health *connwatch.Manager, backends []llm.Backend, logger *slog.Logger) {
	for _, b := range backends {
		backend := b
		health.Watch(ctx, connwatch.WatcherConfig{
			Name: "backend-" + backend.ID(),
			Probe: func(ctx context.Context) error {
				if !backend.IsAvailable(ctx) {
					return fmt.Errorf("backend %s unreachable", backend.ID())
				}
				return nil
			},
			Logger: logger,
		})
	}
}

// connectMCPServers connects each configured MCP server and bridges
// its tools into reg. A server that fails to initialize is logged and
// skipped; one unreachable server must not keep Drover from starting.
func connectMCPServers(ctx context.Context, servers []config.MCPServerConfig, reg *tool.Registry, logger *slog.Logger) []*mcp.Client {
	var clients []*mcp.Client
	for _, sc := range servers {
		var transport mcp.Transport
		switch sc.Transport {
		case "stdio":
			transport = mcp.NewStdioTransport(mcp.StdioConfig{
				Command: sc.Command,
				Args:    sc.Args,
				Env:     sc.Env,
				Logger:  logger,
			})
		case "http":
			transport = mcp.NewHTTPTransport(mcp.HTTPConfig{
				URL:     sc.URL,
				Headers: sc.Headers,
				Logger:  logger,
			})
		}

		client := mcp.NewClient(sc.Name, transport, logger)

		initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := client.Initialize(initCtx)
		cancel()
		if err != nil {
			logger.Error("MCP server initialization failed", "server", sc.Name, "error", err)
			client.Close()
			continue
		}

		bridgeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		count, err := mcp.BridgeTools(bridgeCtx, client, sc.Name, reg, sc.IncludeTools, sc.ExcludeTools, logger)
		cancel()
		if err != nil {
			logger.Error("MCP tool bridge failed", "server", sc.Name, "error", err)
			client.Close()
			continue
		}

		clients = append(clients, client)
		logger.Info("MCP server connected", "server", sc.Name, "tools", count)
	}
	return clients
}

// runServe starts the API server and blocks until SIGINT or SIGTERM.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting Drover", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}
	logger.Info("config loaded", "path", cfgPath, "backends", len(cfg.Backends))

	mode, err := approval.ParseMode(cfg.Approval.Mode)
	if err != nil {
		return err
	}

	local, cloud, costs, err := buildBackends(cfg, logger)
	if err != nil {
		return err
	}

	tools := tool.NewRegistry()
	if err := builtins.Register(tools, cfg.Tools, logger); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}

	mcpClients := connectMCPServers(ctx, cfg.MCP.Servers, tools, logger)
	defer func() {
		for _, c := range mcpClients {
			c.Close()
		}
	}()

	health := connwatch.NewManager(logger)
	defer health.Stop()
	watchBackends(ctx, health, append(append([]llm.Backend{}, local...), cloud...), logger)
	for _, c := range mcpClients {
		client := c
		health.Watch(ctx, connwatch.WatcherConfig{
			Name:   "mcp-" + client.Name(),
			Probe:  client.Ping,
			Logger: logger,
		})
	}

	var store *usage.Store
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("create data directory: %w", err)
		}
		store, err = usage.NewStore(filepath.Join(cfg.DataDir, "usage.db"))
		if err != nil {
			return err
		}
		defer store.Close()
	}

	limits := ratelimit.NewRegistry(cfg.RateLimit.PerSessionRPS, cfg.RateLimit.Burst)
	factory := sessionFactory(cfg, local, cloud, costs, tools, mode, logger)

	addr := fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port)
	server := api.NewServer(addr, factory, store, limits, logger)
	server.SetHealth(health.Status)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(ctx) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// runAsk processes a single question without starting the server.
func runAsk(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	logger := newLogger(stdout, slog.LevelWarn)
	question := strings.Join(args, " ")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	mode, err := approval.ParseMode(cfg.Approval.Mode)
	if err != nil {
		return err
	}

	local, cloud, costs, err := buildBackends(cfg, logger)
	if err != nil {
		return err
	}

	tools := tool.NewRegistry()
	if err := builtins.Register(tools, cfg.Tools, logger); err != nil {
		return err
	}

	factory := sessionFactory(cfg, local, cloud, costs, tools, mode, logger)
	loop, _ := factory("cli")

	// CLI approvals resolve on stdin-free terminals too: deny with a
	// clear reason rather than hanging.
	loop.Gate().SetCallback(func(req approval.Request) approval.Response {
		return approval.Response{Approved: false, Reason: "interactive approval unavailable in ask mode"}
	})

	turn, err := loop.Run(ctx, question)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	fmt.Fprintln(stdout, turn.Content)
	return nil
}

// runStats prints aggregated usage totals from the persistent store.
func runStats(stdout io.Writer, configPath string, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.DataDir == "" {
		return fmt.Errorf("stats requires data_dir to be configured")
	}

	store, err := usage.NewStore(filepath.Join(cfg.DataDir, "usage.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	now := time.Now()
	start := now.Add(-30 * 24 * time.Hour)
	sum, err := store.Summary(start, now.Add(time.Minute))
	if err != nil {
		return err
	}
	byTier, err := store.SummaryByTier(start, now.Add(time.Minute))
	if err != nil {
		return err
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"total": sum, "by_tier": byTier})
	}

	fmt.Fprintf(stdout, "Last 30 days: %d turns, %d in / %d out tokens\n",
		sum.TotalRecords, sum.TotalInputTokens, sum.TotalOutputTokens)
	fmt.Fprintf(stdout, "Estimated cost:    $%.4f\n", sum.TotalCostUSD)
	fmt.Fprintf(stdout, "Estimated savings: $%.4f\n", sum.TotalSavingsUSD)
	for tier, s := range byTier {
		fmt.Fprintf(stdout, "  %-6s %d turns\n", tier, s.TotalRecords)
	}
	return nil
}
