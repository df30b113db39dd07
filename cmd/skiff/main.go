// Skiff is the backend for a desktop chat client.
//
// It exposes a streaming chat API over HTTP (SSE) and WebSocket, keeps
// chat transcripts in SQLite, bridges MCP tool servers into the model's
// tool loop, and optionally publishes its presence over MQTT.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	skiff serve              Start the API server
//	skiff ask <question>     Ask a single question (for testing)
//	skiff version            Print version and build information
//	skiff -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/skiffworks/skiff/internal/api"
	"github.com/skiffworks/skiff/internal/buildinfo"
	"github.com/skiffworks/skiff/internal/chat"
	"github.com/skiffworks/skiff/internal/config"
	"github.com/skiffworks/skiff/internal/history"
	"github.com/skiffworks/skiff/internal/llm"
	"github.com/skiffworks/skiff/internal/mcp"
	"github.com/skiffworks/skiff/internal/orchestrator"
	"github.com/skiffworks/skiff/internal/presence"
	"github.com/skiffworks/skiff/internal/prompt"
	"github.com/skiffworks/skiff/internal/session"
	"github.com/skiffworks/skiff/internal/tools"
	"github.com/skiffworks/skiff/internal/usage"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the skiff command. All OS-level
// dependencies are injected as parameters so the lifecycle can be
// driven from tests. Arguments are parsed by hand: the flag package
// relies on package-level globals, which makes it impossible to call
// run() concurrently from tests, and the argument surface is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
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
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
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
		return runServe(ctx, stdout, stderr, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: skiff ask <question>")
		}
		return runAsk(ctx, stdout, stderr, configPath, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Skiff - Desktop Chat Client Backend")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: skiff [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  ask          Ask a single question (for testing)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	return nil
}

// runAsk handles the "skiff ask <question>" subcommand. It boots the
// minimum pipeline (no persistence, no API server) and runs a single
// query, streaming the answer to stdout. Useful for smoke tests and
// debugging without starting the server.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, args []string) error {
	logger := newLogger(stderr, slog.LevelWarn, "text")

	question := strings.Join(args, " ")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	llmClient := createLLMClient(cfg, llm.NewOllamaClient(cfg.Models.OllamaURL, logger), logger)

	prompts, err := prompt.NewManager(cfg.CustomRules, logger)
	if err != nil {
		return err
	}

	registry := tools.NewRegistry(logger)
	closeMCP := connectMCPServers(ctx, cfg, registry, logger)
	defer closeMCP()

	assembler := history.NewAssembler(nil, logger)
	messages, err := assembler.Assemble(ctx, prompts.EffectivePrompt(), []history.Turn{
		{Role: "user", Content: question},
	})
	if err != nil {
		return err
	}

	orch := orchestrator.New(orchestrator.Config{
		MaxToolLoops: cfg.Chat.MaxToolLoops,
		Logger:       logger,
	})

	_, err = orch.Run(ctx, orchestrator.Request{
		ConversationID: "cli",
		Messages:       messages,
		Tools:          registry.Snapshot(),
		Client:         llmClient,
		Model:          cfg.Models.Default,
		OnEvent: func(ev orchestrator.Event) {
			if ev.Type == "text" {
				fmt.Fprint(stdout, ev.Content)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	fmt.Fprintln(stdout)
	return nil
}

// runServe handles the "skiff serve" subcommand. It is the primary
// operating mode: loads config, opens databases, connects MCP servers,
// wires the chat pipeline, starts the API server, and blocks until a
// shutdown signal arrives.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Skiff",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level is known. The
	// initial Info-level logger covers only the startup banner.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level, "text")
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Models.Default,
		"ollama_url", cfg.Models.OllamaURL,
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Data directory ---
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Stores ---
	chatDB := filepath.Join(cfg.DataDir, "chats.db")
	store, err := session.NewStore(chatDB)
	if err != nil {
		return fmt.Errorf("open chat database %s: %w", chatDB, err)
	}
	defer store.Close()
	logger.Info("chat database opened", "path", chatDB)

	usageDB := filepath.Join(cfg.DataDir, "usage.db")
	usageStore, err := usage.NewStore(usageDB)
	if err != nil {
		return fmt.Errorf("open usage database %s: %w", usageDB, err)
	}
	defer usageStore.Close()

	// --- LLM client ---
	ollama := llm.NewOllamaClient(cfg.Models.OllamaURL, logger)
	llmClient := createLLMClient(cfg, ollama, logger)

	// --- Prompt state ---
	prompts, err := prompt.NewManager(cfg.CustomRules, logger)
	if err != nil {
		return err
	}
	syncer := prompt.NewSyncer(cfg.AgentSync.URL, prompts, logger)

	// --- Tool registry and MCP servers ---
	registry := tools.NewRegistry(logger)
	closeMCP := connectMCPServers(ctx, cfg, registry, logger)
	defer closeMCP()

	// --- Orchestrator ---
	var limiter *rate.Limiter
	if cfg.Chat.ModelRateLimit > 0 {
		burst := cfg.Chat.ModelRateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.Chat.ModelRateLimit), burst)
	}
	aborts := orchestrator.NewAbortRegistry()
	orch := orchestrator.New(orchestrator.Config{
		MaxToolLoops: cfg.Chat.MaxToolLoops,
		RateLimiter:  limiter,
		Logger:       logger,
	})

	// --- Chat service ---
	svc := chat.NewService(chat.Config{
		Store:     store,
		Usage:     usageStore,
		Prompts:   prompts,
		Syncer:    syncer,
		Assembler: history.NewAssembler(nil, logger),
		Registry:  registry,
		Aborts:    aborts,
		Orch:      orch,
		Client:    llmClient,
		Model:     cfg.Models.Default,
		Logger:    logger,
	})

	// --- Presence publisher ---
	if cfg.MQTT.Enabled {
		pub := presence.New(cfg.MQTT, &runtimeStats{
			model:   cfg.Models.Default,
			aborts:  aborts,
			prompts: prompts,
		}, logger)
		go func() {
			if err := pub.Start(ctx); err != nil {
				logger.Error("presence publisher failed", "error", err)
			}
		}()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = pub.Stop(stopCtx)
		}()
	}

	// --- API server ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, svc, store, prompts, usageStore, ollama, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// connectMCPServers initializes every configured MCP server and bridges
// its tools into the registry. A server that fails to connect is logged
// and skipped so one bad tool server never blocks startup. The returned
// function closes all successfully connected clients.
func connectMCPServers(ctx context.Context, cfg *config.Config, registry *tools.Registry, logger *slog.Logger) func() {
	var clients []*mcp.Client

	for _, sc := range cfg.MCPServers {
		var transport mcp.Transport
		switch sc.Transport {
		case "", "stdio":
			transport = mcp.NewStdioTransport(mcp.StdioConfig{
				Command: sc.Command,
				Args:    sc.Args,
				Env:     sc.Env,
				Logger:  logger,
			})
		case "http":
			transport = mcp.NewHTTPTransport(mcp.HTTPConfig{
				URL:    sc.URL,
				Logger: logger,
			})
		default:
			logger.Warn("mcp server has unknown transport, skipping",
				"server", sc.Name, "transport", sc.Transport)
			continue
		}

		client := mcp.NewClient(sc.Name, transport, logger)

		initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := client.Initialize(initCtx)
		cancel()
		if err != nil {
			logger.Warn("mcp server unavailable, skipping",
				"server", sc.Name, "error", err)
			_ = client.Close()
			continue
		}

		_, count, err := mcp.BridgeTools(ctx, client, registry, sc.Include, sc.Exclude, logger)
		if err != nil {
			logger.Warn("mcp tool discovery failed, skipping",
				"server", sc.Name, "error", err)
			_ = client.Close()
			continue
		}

		logger.Info("mcp server connected", "server", sc.Name, "tools", count)
		clients = append(clients, client)
	}

	return func() {
		for _, c := range clients {
			if err := c.Close(); err != nil {
				logger.Debug("mcp client close failed", "server", c.Name(), "error", err)
			}
		}
	}
}

// runtimeStats adapts live process state to the presence publisher.
type runtimeStats struct {
	model   string
	aborts  *orchestrator.AbortRegistry
	prompts *prompt.Manager
}

func (s *runtimeStats) Uptime() time.Duration { return buildinfo.Uptime() }
func (s *runtimeStats) Version() string       { return buildinfo.Version }
func (s *runtimeStats) DefaultModel() string  { return s.model }
func (s *runtimeStats) ActiveRuns() int       { return s.aborts.Len() }

func (s *runtimeStats) ActivePersona() string {
	if p := s.prompts.ActivePersona(); p != nil {
		return p.Name
	}
	return ""
}

// newLogger builds a slog logger writing to w.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
// Otherwise [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// createLLMClient builds a multi-provider client around the given
// Ollama client. Each model listed in config is routed to its
// provider; unrouted models fall back to Ollama, with a name heuristic
// for Anthropic models.
func createLLMClient(cfg *config.Config, ollama *llm.OllamaClient, logger *slog.Logger) llm.Client {
	multi := llm.NewMultiClient("ollama", logger)
	multi.AddProvider("ollama", ollama)

	if cfg.Anthropic.APIKey != "" {
		multi.AddProvider("anthropic", llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger))
		logger.Info("Anthropic provider configured")
	}

	for _, m := range cfg.Models.Available {
		if m.Provider != "" {
			multi.AddRoute(m.Name, m.Provider)
		}
	}

	logger.Info("LLM client initialized", "default_model", cfg.Models.Default)
	return multi
}
