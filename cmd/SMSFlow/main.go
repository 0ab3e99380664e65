package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/SMSFlowHQ/SMSFlow/internal/agent"
	"github.com/SMSFlowHQ/SMSFlow/internal/api"
	"github.com/SMSFlowHQ/SMSFlow/internal/broadcast"
	"github.com/SMSFlowHQ/SMSFlow/internal/messaging"
	"github.com/SMSFlowHQ/SMSFlow/internal/program"
	"github.com/SMSFlowHQ/SMSFlow/internal/ratelimit"
	"github.com/SMSFlowHQ/SMSFlow/internal/scheduler"
	"github.com/SMSFlowHQ/SMSFlow/internal/store"
	"github.com/SMSFlowHQ/SMSFlow/internal/twiliosms"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for SMSFlow state data
	DefaultStateDir = "/var/lib/smsflow"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "smsflow.db"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	slog.Info("Bootstrapping SMSFlow")
	if err := run(flags); err != nil {
		slog.Error("SMSFlow failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("SMSFlow exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL string
	StateDir    string
	APIAddr     string
	SystemName  string
	Simulate    bool
}

// Flags holds command line flag values
type Flags struct {
	stateDir   *string
	dbDSN      *string
	apiAddr    *string
	systemName *string
	simulate   *bool
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		StateDir:    os.Getenv("SMSFLOW_STATE_DIR"),
		APIAddr:     os.Getenv("API_ADDR"),
		SystemName:  os.Getenv("SMSFLOW_SYSTEM_NAME"),
		Simulate:    os.Getenv("SMSFLOW_SIMULATE") == "1",
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No SMSFLOW_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"SMSFLOW_STATE_DIR", config.StateDir,
		"API_ADDR", config.APIAddr,
		"SMSFLOW_SYSTEM_NAME", config.SystemName,
		"SMSFLOW_SIMULATE", config.Simulate)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:   flag.String("state-dir", config.StateDir, "state directory for SMSFlow data (overrides $SMSFLOW_STATE_DIR)"),
		dbDSN:      flag.String("db-dsn", config.DatabaseURL, "database DSN, a PostgreSQL URL or SQLite file path (overrides $DATABASE_URL)"),
		apiAddr:    flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		systemName: flag.String("system-name", config.SystemName, "system name used in message templates (overrides $SMSFLOW_SYSTEM_NAME)"),
		simulate:   flag.Bool("simulate", config.Simulate, "use the in-process simulator transport instead of Twilio"),
	}
	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr,
		"systemName", *flags.systemName,
		"simulate", *flags.simulate)

	// Follow a moved state directory when the DSN was derived from it.
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}
	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(*flags.dbDSN) == "sqlite" {
		stateDir := filepath.Dir(*flags.dbDSN)
		slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// openStore selects the storage backend from the DSN.
func openStore(flags Flags) (store.Store, error) {
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		st, err := store.NewPostgresStore(store.WithPostgresDSN(*flags.dbDSN))
		if err != nil {
			return nil, err
		}
		return st, nil
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
	st, err := store.NewSQLiteStore(store.WithSQLiteDSN(*flags.dbDSN))
	if err != nil {
		return nil, err
	}
	return st, nil
}

// openTransport selects the messaging transport. Twilio is used when
// credentials are configured and simulation is not forced.
func openTransport(flags Flags) (messaging.Service, error) {
	if *flags.simulate {
		slog.Info("Using simulator transport")
		return messaging.NewSimulatorService(), nil
	}
	client, err := twiliosms.NewClient()
	if err != nil {
		return nil, err
	}
	slog.Info("Using Twilio transport")
	return messaging.NewTwilioService(client), nil
}

func run(flags Flags) error {
	st, err := openStore(flags)
	if err != nil {
		return err
	}
	defer st.Close()

	service, err := openTransport(flags)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := service.Start(ctx); err != nil {
		return err
	}
	defer service.Stop()

	// Core components, all sharing one store and one outbound gateway.
	limiter := ratelimit.NewLimiter(st)
	gateway := messaging.NewGateway(st, limiter, service)

	var engineOpts []program.Option
	if *flags.systemName != "" {
		engineOpts = append(engineOpts, program.WithSystemName(*flags.systemName))
	}
	engine := program.NewEngine(st, gateway, engineOpts...)

	broker := agent.NewBroker(st, gateway)
	engine.SetAgentNotifier(broker)
	broker.SetProgramResumer(engine)
	if err := broker.Restore(ctx); err != nil {
		return err
	}

	dispatcher := broadcast.NewDispatcher(st, gateway)
	router := messaging.NewRouter(st, gateway, broker, engine, service)

	// Recurring maintenance jobs.
	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.AddJob("* * * * *", func() {
		if err := dispatcher.CheckScheduled(ctx); err != nil {
			slog.Error("Scheduled broadcast check failed", "error", err)
		}
	}); err != nil {
		return err
	}
	if err := sched.AddJob("0 * * * *", func() {
		if n, err := limiter.Reclaim(); err != nil {
			slog.Error("Rate counter reclaim failed", "error", err)
		} else if n > 0 {
			slog.Info("Rate counters reclaimed", "deleted", n)
		}
	}); err != nil {
		return err
	}

	// Long-running loops.
	go engine.Run(ctx)
	go broker.Run(ctx)
	go dispatcher.Run(ctx)
	go gateway.Run(ctx)
	go router.Run(ctx)

	server := api.NewServer(st, router, engine, broker, dispatcher, limiter, buildAPIOptions(flags)...)
	if twilioService, ok := service.(*messaging.TwilioService); ok {
		server.SetTwilioWebhooks(twilioService.WebhookHandler, twilioService.StatusCallbackHandler)
	}
	return server.Run(ctx)
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	return apiOpts
}
