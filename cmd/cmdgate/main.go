package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/financeanalyst/cmdgate/internal/api"
	"github.com/financeanalyst/cmdgate/internal/audit"
	"github.com/financeanalyst/cmdgate/internal/cli"
	"github.com/financeanalyst/cmdgate/internal/config"
	"github.com/financeanalyst/cmdgate/internal/gate"
	"github.com/financeanalyst/cmdgate/internal/schedule"
	"github.com/financeanalyst/cmdgate/internal/session"
	"github.com/financeanalyst/cmdgate/internal/store"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
)

// App holds the daemon's runtime components
type App struct {
	Config     *config.Config
	ConfigPath string
	Logger     *slog.Logger

	Store     store.Store
	Archive   *audit.Archive
	Gate      *gate.Gate
	Sessions  *session.Manager
	Scheduler *schedule.Scheduler
	APIServer *api.Server
	Watcher   *config.Watcher

	logLevel *slog.LevelVar
	cancel   context.CancelFunc
	group    *errgroup.Group
}

func main() {
	os.Exit(run())
}

func run() int {
	configPath := "cmdgate.toml"
	var subCmd string
	var subCmdIdx int

	// First pass: find config flag
	skipNext := false
	for i := 1; i < len(os.Args); i++ {
		if skipNext {
			skipNext = false
			continue
		}
		arg := os.Args[i]
		if arg == "--config" || arg == "-config" {
			if i+1 < len(os.Args) {
				configPath = os.Args[i+1]
				skipNext = true
			}
		}
	}

	// Second pass: find subcommand (first non-flag, non-flag-value arg)
	skipNext = false
	for i := 1; i < len(os.Args); i++ {
		if skipNext {
			skipNext = false
			continue
		}
		arg := os.Args[i]

		if arg == "--config" || arg == "-config" || arg == "--version" || arg == "-version" {
			if arg == "--config" || arg == "-config" {
				skipNext = true
			}
			continue
		}

		if len(arg) > 0 && arg[0] != '-' {
			subCmd = arg
			subCmdIdx = i
			break
		}
	}

	if subCmd != "" {
		switch subCmd {
		case "check":
			return cli.CheckCommand(os.Args[subCmdIdx+1:], configPath)
		case "events":
			return cli.EventsCommand(os.Args[subCmdIdx+1:], configPath)
		case "token":
			return cli.TokenCommand(os.Args[subCmdIdx+1:], configPath)
		case "help":
			if subCmdIdx+1 < len(os.Args) {
				return cli.PrintCommandHelp("cmdgate", os.Args[subCmdIdx+1])
			}
			cli.PrintHelp("cmdgate")
			return 0
		case "version":
			printVersion()
			return 0
		case "serve":
			// Falls through to the server start below
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", subCmd)
			fmt.Fprintf(os.Stderr, "Available commands: %s\n", strings.Join(cli.CommandNames(), ", "))
			return 1
		}
	}

	fs := flag.NewFlagSet("cmdgate", flag.ExitOnError)
	configPathFlag := fs.String("config", "cmdgate.toml", "Path to config file")
	showVersion := fs.Bool("version", false, "Show version")
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		return 1
	}

	if *showVersion {
		printVersion()
		return 0
	}

	if *configPathFlag != "cmdgate.toml" {
		configPath = *configPathFlag
	}

	app, err := setup(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Setup failed: %v\n", err)
		return 1
	}

	if err := startServices(app); err != nil {
		app.Logger.Error("failed to start services", "error", err)
		return 1
	}

	printBanner(app)

	if err := waitForShutdown(app); err != nil {
		app.Logger.Error("shutdown error", "error", err)
		return 1
	}

	return 0
}

func printVersion() {
	fmt.Printf("cmdgate v%s (built %s)\n", version, buildTime)
	fmt.Println("Command security gate for financial analysis terminals")
	fmt.Println("https://github.com/financeanalyst/cmdgate")
}

// setup initializes all daemon components
func setup(configPath string) (*App, error) {
	app := &App{ConfigPath: configPath}

	// Logger level is a LevelVar so config reloads can adjust it
	// without rebuilding component loggers.
	app.logLevel = new(slog.LevelVar)
	app.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: app.logLevel,
	}))

	app.Logger.Info("starting cmdgate",
		"version", version,
		"config", configPath,
	)

	cfg, err := loadConfig(configPath, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app.Config = cfg
	app.logLevel.Set(parseLogLevel(cfg.Server.LogLevel))

	app.Store, err = cli.OpenStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open settings store: %w", err)
	}

	if cfg.Audit.Archive {
		app.Archive, err = audit.NewArchive(cfg.Server.DataDir, app.Logger)
		if err != nil {
			return nil, fmt.Errorf("create audit archive: %w", err)
		}
	}

	app.Gate, err = cli.BuildGate(cfg, app.Store, app.Archive, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("build gate: %w", err)
	}

	app.Sessions = session.NewManager(session.Secret(),
		time.Duration(cfg.Session.TokenTTLMin)*time.Minute,
		time.Duration(cfg.Session.RefreshTTLHours)*time.Hour,
		app.Logger)

	app.Scheduler = schedule.New(app.Logger)
	registerJobs(app)

	var creds api.CredentialChecker
	if cfg.Server.UsersFile != "" {
		creds, err = api.FileCredentials(cfg.Server.UsersFile)
		if err != nil {
			return nil, fmt.Errorf("load users file: %w", err)
		}
		app.Logger.Info("credential file loaded", "path", cfg.Server.UsersFile)
	}

	app.APIServer = api.NewServer(cfg.Server.Port, app.Gate, app.Sessions, app.Scheduler, creds, app.Logger)

	app.Watcher = config.NewWatcher(configPath, 10*time.Second, app.Logger, func(string) {
		reloadConfig(app)
	})

	return app, nil
}

// loadConfig loads configuration from file or creates default
func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("no config found, creating default")
			cfg = config.DefaultConfig()
			if err := cfg.Save(path); err != nil {
				return nil, fmt.Errorf("save default config: %w", err)
			}
			if err := os.MkdirAll(cfg.Server.DataDir, 0750); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
			logger.Info("default config created", "path", path)
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

// parseLogLevel converts string log level to slog.Level
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// registerJobs wires the maintenance jobs from config. A bad cron
// expression degrades to a warning; the daemon still serves.
func registerJobs(app *App) {
	cfg := app.Config

	if app.Archive != nil && cfg.Maintenance.RetentionDays > 0 {
		retention := time.Duration(cfg.Maintenance.RetentionDays) * 24 * time.Hour
		err := app.Scheduler.Add(&schedule.Job{
			ID:   "audit-prune",
			Name: "Audit archive retention",
			Spec: schedule.Cron(cfg.Maintenance.ArchivePruneCron),
			Run: func(ctx context.Context) error {
				return app.Archive.Prune(retention)
			},
		})
		if err != nil {
			app.Logger.Warn("cannot schedule archive prune", "error", err)
		}
	}

	if sq, ok := app.Store.(*store.SQLite); ok {
		err := app.Scheduler.Add(&schedule.Job{
			ID:   "store-compact",
			Name: "Settings store compaction",
			Spec: schedule.Cron(cfg.Maintenance.CompactCron),
			Run: func(ctx context.Context) error {
				return sq.Compact()
			},
		})
		if err != nil {
			app.Logger.Warn("cannot schedule store compaction", "error", err)
		}
	}
}

// startServices starts the limiter sweep, the scheduler, the API
// server, and the config watcher.
func startServices(app *App) error {
	ctx, cancel := context.WithCancel(context.Background())
	app.cancel = cancel

	app.Gate.Start()

	if err := app.Scheduler.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("start scheduler: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	app.group = g
	g.Go(func() error {
		if err := app.APIServer.Start(gctx); err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	app.Watcher.Start()
	return nil
}

// printBanner displays the startup banner
func printBanner(app *App) {
	fmt.Println()
	fmt.Printf("  cmdgate v%s\n", version)
	fmt.Printf("  API:    http://localhost:%d\n", app.Config.Server.Port)
	fmt.Printf("  Stages: %s\n", stageLine(app.Gate.Stages()))
	if app.Sessions.DevMode() {
		fmt.Println("  Auth:   disabled (set CMDGATE_JWT_SECRET to enable tokens)")
	}
	if app.Archive != nil {
		fmt.Printf("  Audit:  %s\n", app.Archive.Path())
	}
	fmt.Println()
}

func stageLine(stages map[string]bool) string {
	names := make([]string, 0, len(stages))
	for name := range stages {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		state := "on"
		if !stages[name] {
			state = "off"
		}
		parts = append(parts, name+"="+state)
	}
	return strings.Join(parts, " ")
}

// reloadConfig re-reads the config file and pushes hot-reloadable
// sections into the live components. Called by the file watcher and
// by SIGHUP.
func reloadConfig(app *App) {
	result, err := app.Config.Reload(app.ConfigPath)
	if err != nil {
		app.Logger.Error("config reload failed", "error", err)
		return
	}
	result.LogResult(app.Logger)

	if len(result.Applied) == 0 {
		return
	}

	config.RLock()
	level := parseLogLevel(app.Config.Server.LogLevel)
	limits := cli.LimiterConfig(app.Config)
	config.RUnlock()

	for _, field := range result.Applied {
		switch field {
		case "Server.LogLevel":
			app.logLevel.Set(level)
		case "Limits":
			app.Gate.Limiter().SetConfig(limits)
		}
	}
}

// waitForShutdown waits for termination signal and performs graceful shutdown
func waitForShutdown(app *App) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, getShutdownSignals()...)

	for {
		sig := <-sigCh
		if handlePlatformSignal(sig, app) {
			continue
		}
		app.Logger.Info("shutdown signal received", "signal", sig)
		break
	}

	app.Watcher.Stop()
	app.cancel()
	if err := app.group.Wait(); err != nil {
		app.Logger.Error("api server stopped with error", "error", err)
	}
	app.Scheduler.Stop()
	app.Gate.Stop()
	if err := app.Store.Close(); err != nil {
		app.Logger.Error("failed to close settings store", "error", err)
	}

	app.Logger.Info("cmdgate stopped")
	return nil
}
