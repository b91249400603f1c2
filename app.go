package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/philtim/tzclock/catalog"
	"github.com/philtim/tzclock/config"
	"github.com/philtim/tzclock/convert"
	"github.com/philtim/tzclock/oracle"
	"github.com/philtim/tzclock/scheduler"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	serverURL  string
	offline    bool
	logLevel   string
}

// pinger is implemented by oracles that can report their availability.
type pinger interface {
	Ping(ctx context.Context) error
}

// app holds the components built from the configuration.
type app struct {
	cfg       *config.Config
	cfgPath   string
	logger    *log.Logger
	oracle    oracle.Oracle
	scheduler *scheduler.Scheduler
	converter *convert.Service
	logFile   io.Closer
}

// newApp loads the configuration, applies flag overrides and builds the
// components. With logToFile the logs go to cfg.LogFile so the TUI keeps the
// terminal to itself.
func newApp(cmd *cobra.Command, opts *globalOptions, logToFile bool) (*app, error) {
	cfgPath := opts.configPath
	if cfgPath == "" {
		cfgPath = config.DefaultPath()
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}

	// Flags win over the file
	flags := cmd.Flags()
	if flags.Changed("server") {
		cfg.ServerURL = opts.serverURL
	}
	if flags.Changed("offline") {
		cfg.Offline = opts.offline
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = opts.logLevel
	}
	cfg.Normalize()

	a := &app{cfg: cfg, cfgPath: cfgPath}
	if err := a.setupLogger(logToFile); err != nil {
		return nil, err
	}

	if cfg.Offline {
		a.oracle = oracle.NewLocal(nil, nil)
	} else {
		client, err := oracle.NewHTTPClient(cfg.ServerURL,
			oracle.WithTimeout(cfg.RequestTimeout),
			oracle.WithLogger(a.logger),
		)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.oracle = client
	}

	a.scheduler = scheduler.New(a.oracle,
		scheduler.WithLogger(a.logger),
		scheduler.WithIntervals(cfg.TickInterval, cfg.ResyncInterval),
		scheduler.WithMaxConcurrent(cfg.MaxConcurrentSyncs),
	)

	history, err := convert.LoadHistory(cfg.HistoryFile, convert.DefaultHistorySize)
	if err != nil {
		a.logger.Warn("ignoring unreadable conversion history", "path", cfg.HistoryFile, "err", err)
		history = convert.NewHistory(cfg.HistoryFile, convert.DefaultHistorySize)
	}
	a.converter = convert.New(a.oracle,
		convert.WithHistory(history),
		convert.WithLogger(a.logger),
	)

	a.logger.Debug("application ready", "config", cfgPath, "server", cfg.ServerURL, "offline", cfg.Offline)
	return a, nil
}

func (a *app) setupLogger(logToFile bool) error {
	level, err := log.ParseLevel(a.cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level '%s': %w", a.cfg.LogLevel, err)
	}

	var w io.Writer = os.Stderr
	if logToFile {
		if err := os.MkdirAll(filepath.Dir(a.cfg.LogFile), 0o755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(a.cfg.LogFile, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		a.logFile = f
		w = f
	}

	a.logger = log.NewWithOptions(w, log.Options{
		Level:           level,
		Prefix:          config.AppName,
		ReportTimestamp: true,
	})
	log.SetDefault(a.logger)
	return nil
}

// pinger returns the oracle's availability check, or nil when offline.
func (a *app) pinger() pinger {
	p, _ := a.oracle.(pinger)
	return p
}

// cityName returns the configured name for tz
func (a *app) cityName(tz string) string {
	for _, city := range a.cfg.Cities {
		if city.Timezone == tz {
			return city.Name
		}
	}
	return catalog.DisplayName(tz)
}

// saveConfig writes the city list back to the config file. Flag overrides
// live only in a.cfg and are never persisted.
func (a *app) saveConfig() error {
	return config.SaveCities(a.cfgPath, a.cfg.Cities)
}

// Close stops the scheduler and closes the log file.
func (a *app) Close() {
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
}
