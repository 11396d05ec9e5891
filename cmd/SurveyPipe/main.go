package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/SurveyPipe/internal/config"
	"github.com/BTreeMap/SurveyPipe/internal/gating"
	"github.com/BTreeMap/SurveyPipe/internal/lockfile"
	"github.com/BTreeMap/SurveyPipe/internal/models"
	"github.com/BTreeMap/SurveyPipe/internal/notify"
	"github.com/BTreeMap/SurveyPipe/internal/recovery"
	"github.com/BTreeMap/SurveyPipe/internal/schedule"
	"github.com/BTreeMap/SurveyPipe/internal/scheduler"
	"github.com/BTreeMap/SurveyPipe/internal/session"
	"github.com/BTreeMap/SurveyPipe/internal/store"
	"github.com/BTreeMap/SurveyPipe/internal/survey"
	"github.com/BTreeMap/SurveyPipe/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for SurveyPipe state data
	DefaultStateDir = "/var/lib/surveypipe"
	// DefaultConfigFileName is the survey configuration looked up in the state directory
	DefaultConfigFileName = "surveys.json"
	// DefaultEventsDirName holds the JSON-lines event log when no DSN is configured
	DefaultEventsDirName = "events"
	// DefaultSessionMaxAge is how long ended sessions are kept
	DefaultSessionMaxAge = 30 * 24 * time.Hour
	// DefaultMaxSessions caps the number of stored sessions
	DefaultMaxSessions = 50
)

func main() {
	config := loadEnvironmentConfig()

	initializeLogger(config.LogLevel)

	flags, err := parseCommandLineFlags(config, os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping SurveyPipe", "state_dir", flags.stateDir, "config", flags.configPath, "dsn_set", flags.eventDSN != "")
	if err := run(ctx, config, flags, os.Stdin, os.Stdout); err != nil {
		slog.Error("SurveyPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("SurveyPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir       string
	ConfigPath     string
	EventDSN       string
	UserID         string
	LogLevel       string
	WatchConfig    bool
	ScheduleMaxAge time.Duration
	SessionMaxAge  time.Duration
	MaxSessions    int
}

// Flags holds the resolved command line values
type Flags struct {
	stateDir   string
	configPath string
	eventDSN   string
	userID     string
}

// initializeLogger sets up structured logging on stderr; stdout carries the host protocol.
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:       os.Getenv("SURVEYPIPE_STATE_DIR"),
		ConfigPath:     os.Getenv("SURVEYPIPE_CONFIG"),
		EventDSN:       os.Getenv("EVENT_STORE_DSN"),
		UserID:         os.Getenv("SURVEYPIPE_USER_ID"),
		LogLevel:       os.Getenv("SURVEYPIPE_LOG_LEVEL"),
		WatchConfig:    util.ParseBoolEnv("SURVEYPIPE_WATCH_CONFIG", true),
		ScheduleMaxAge: util.ParseDurationEnv("SURVEYPIPE_SCHEDULE_MAX_AGE", schedule.DefaultMaxAge),
		SessionMaxAge:  util.ParseDurationEnv("SURVEYPIPE_SESSION_MAX_AGE", DefaultSessionMaxAge),
		MaxSessions:    util.ParseIntEnv("SURVEYPIPE_MAX_SESSIONS", DefaultMaxSessions),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No SURVEYPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	slog.Debug("environment variables loaded",
		"SURVEYPIPE_STATE_DIR", config.StateDir,
		"SURVEYPIPE_CONFIG", config.ConfigPath,
		"EVENT_STORE_DSN_SET", config.EventDSN != "",
		"SURVEYPIPE_USER_ID_SET", config.UserID != "",
		"SURVEYPIPE_WATCH_CONFIG", config.WatchConfig)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults.
// An unset config path resolves inside the final state directory.
func parseCommandLineFlags(config Config, args []string) (Flags, error) {
	fset := flag.NewFlagSet("SurveyPipe", flag.ContinueOnError)
	stateDir := fset.String("state-dir", config.StateDir, "state directory for SurveyPipe data (overrides $SURVEYPIPE_STATE_DIR)")
	configPath := fset.String("config", config.ConfigPath, "survey configuration file, .json or .yaml (overrides $SURVEYPIPE_CONFIG)")
	eventDSN := fset.String("event-dsn", config.EventDSN, "event store DSN: postgres URL or SQLite path; empty uses JSON-lines files (overrides $EVENT_STORE_DSN)")
	userID := fset.String("user", config.UserID, "user id for the initial session; empty starts anonymously (overrides $SURVEYPIPE_USER_ID)")

	if err := fset.Parse(args); err != nil {
		return Flags{}, err
	}

	flags := Flags{
		stateDir:   *stateDir,
		configPath: *configPath,
		eventDSN:   *eventDSN,
		userID:     *userID,
	}
	if flags.configPath == "" {
		flags.configPath = filepath.Join(flags.stateDir, DefaultConfigFileName)
		slog.Debug("No config path set, using state directory", "config", flags.configPath)
	}

	slog.Debug("flags parsed",
		"stateDir", flags.stateDir,
		"configPath", flags.configPath,
		"eventDSN_set", flags.eventDSN != "",
		"userID_set", flags.userID != "")

	return flags, nil
}

// buildStoreOptions constructs event store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	if flags.eventDSN == "" {
		dir := filepath.Join(flags.stateDir, DefaultEventsDirName)
		slog.Debug("No event DSN provided, using JSON-lines files", "dir", dir)
		return []store.Option{store.WithFileDir(dir)}
	}
	if store.DetectDSNType(flags.eventDSN) == store.DialectPostgres {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
		return []store.Option{store.WithPostgresDSN(flags.eventDSN)}
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", flags.eventDSN)
	return []store.Option{store.WithSQLiteDSN(flags.eventDSN)}
}

// loadSurveyConfig reads the survey document. A missing file yields an empty
// rule set so the watcher can pick the file up once it is written.
func loadSurveyConfig(path string) (models.SurveyConfig, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Warn("Survey configuration not found, starting with no rules", "path", path)
		return models.SurveyConfig{}, nil
	}
	return cfg, err
}

// run wires the components and serves the host protocol until ctx is done or
// stdin is closed.
func run(ctx context.Context, cfg Config, flags Flags, stdin io.Reader, stdout io.Writer) error {
	lock, err := lockfile.AcquireLock(flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	events, err := store.NewEventStore(buildStoreOptions(flags)...)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer events.Close()

	gatingStore, err := gating.NewStore(flags.stateDir)
	if err != nil {
		return fmt.Errorf("open gating store: %w", err)
	}
	scheduleStore, err := schedule.NewStore(flags.stateDir)
	if err != nil {
		return fmt.Errorf("open schedule store: %w", err)
	}

	surveys, err := loadSurveyConfig(flags.configPath)
	if err != nil {
		return err
	}
	slog.Info("Survey configuration loaded", "path", flags.configPath, "rules", len(surveys.Surveys))

	coord := session.NewCoordinator(events)
	defer coord.Close()

	orch := survey.NewOrchestrator(surveys, gatingStore, scheduleStore, coord, newJSONPresenter(stdout),
		survey.WithNotifier(notify.NewLogNotifier()),
		survey.WithRecorder(coord),
	)
	defer orch.Stop()
	coord.OnSessionStart(func(sess models.EventSession) {
		orch.SessionStarted(context.Background(), sess)
	})

	sub := coord.Subscribe()
	defer sub.Close()

	retention := session.RetentionPolicy{MaxAge: cfg.SessionMaxAge, MaxSessions: cfg.MaxSessions}
	rm := buildRecoveryManager(coord, scheduleStore, orch, retention, cfg.ScheduleMaxAge, flags.userID)
	if err := rm.RecoverAll(ctx); err != nil {
		// Partial recovery still leaves a usable process.
		slog.Warn("Startup recovery reported errors", "error", err)
	}

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := registerMaintenanceJobs(ctx, sched, coord, scheduleStore, retention, cfg.ScheduleMaxAge); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		return orch.Run(gctx, sub.C())
	})

	if cfg.WatchConfig {
		watcher, err := config.NewWatcher(flags.configPath, orch.UpdateConfig)
		if err != nil {
			slog.Warn("Config watcher unavailable", "error", err)
		} else {
			g.Go(func() error {
				if err := watcher.Run(gctx); err != nil {
					slog.Warn("Config watcher stopped", "error", err)
				}
				return nil
			})
		}
	}

	h := &host{coord: coord, orch: orch}
	lines := readLines(gctx, stdin)
	g.Go(func() error {
		defer cancel()
		return h.serve(gctx, lines)
	})

	err = g.Wait()
	if endErr := coord.EndSession(context.Background()); endErr != nil {
		slog.Warn("Failed to end session on shutdown", "error", endErr)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func buildRecoveryManager(coord *session.Coordinator, schedules *schedule.Store, orch *survey.Orchestrator,
	retention session.RetentionPolicy, scheduleMaxAge time.Duration, userID string) *recovery.RecoveryManager {
	rm := recovery.NewRecoveryManager()
	rm.RegisterRecoverable(recovery.Func("scheduled-survey-cleanup", func(ctx context.Context) error {
		schedules.CleanupOldScheduled(scheduleMaxAge)
		return nil
	}))
	rm.RegisterRecoverable(recovery.Func("session-retention", func(ctx context.Context) error {
		_, err := coord.CleanupSessions(ctx, retention)
		return err
	}))
	// Restoration for a configured user runs when its session starts; the
	// orchestrator step then covers the anonymous case.
	rm.RegisterRecoverable(recovery.Func("initial-session", func(ctx context.Context) error {
		if userID == "" {
			return nil
		}
		_, err := coord.StartSession(ctx, userID, nil)
		return err
	}))
	rm.RegisterRecoverable(orch)
	return rm
}

func registerMaintenanceJobs(ctx context.Context, sched *scheduler.Scheduler, coord *session.Coordinator,
	schedules *schedule.Store, retention session.RetentionPolicy, scheduleMaxAge time.Duration) error {
	if err := sched.AddJob("scheduled-survey-cleanup", scheduler.EveryHour, func() {
		schedules.CleanupOldScheduled(scheduleMaxAge)
	}); err != nil {
		return fmt.Errorf("register schedule cleanup: %w", err)
	}
	if err := sched.AddJob("session-retention", scheduler.EverySixHours, func() {
		if _, err := coord.CleanupSessions(ctx, retention); err != nil {
			slog.Warn("Session retention failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("register session retention: %w", err)
	}
	return nil
}
