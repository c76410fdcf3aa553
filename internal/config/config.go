// Package config loads process configuration from SIMSYNC_-prefixed
// environment variables, optionally preloaded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"simsync/server/internal/journal"
	"simsync/server/internal/netplay"
	"simsync/server/internal/sim"
	"simsync/server/internal/snapshot"
	"simsync/server/internal/world"
	"simsync/server/logging"
)

// Prefix is prepended to every variable name.
const Prefix = "SIMSYNC_"

type Config struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	TickRate         int  `env:"TICK_RATE" envDefault:"15"`
	CatchupMaxTicks  int  `env:"CATCHUP_MAX_TICKS" envDefault:"5"`
	CommandCapacity  int  `env:"COMMAND_CAPACITY" envDefault:"1024"`
	PerPeerLimit     int  `env:"PER_PEER_QUEUE_LIMIT" envDefault:"32"`
	QueueWarningStep int  `env:"QUEUE_WARNING_STEP" envDefault:"256"`
	Tracing          bool `env:"TRACE_ENABLED" envDefault:"true"`
	TraceWindow      int  `env:"TRACE_WINDOW" envDefault:"64"`
	// TraceReportInterval is in ticks; zero disables trace reports.
	TraceReportInterval uint64 `env:"TRACE_REPORT_INTERVAL" envDefault:"30"`

	KeyframeCapacity int           `env:"KEYFRAME_CAPACITY" envDefault:"8"`
	KeyframeMaxAge   time.Duration `env:"KEYFRAME_MAX_AGE" envDefault:"2m"`

	ResyncPerSecond   float64 `env:"RESYNC_PER_SECOND" envDefault:"0.5"`
	ResyncBurst       int     `env:"RESYNC_BURST" envDefault:"2"`
	ResyncBudget      int     `env:"RESYNC_BUDGET" envDefault:"5"`
	ResyncStableTicks uint64  `env:"RESYNC_STABLE_TICKS" envDefault:"150"`

	RetryMaxAttempts     uint          `env:"RETRY_MAX_ATTEMPTS" envDefault:"8"`
	RetryInitialInterval time.Duration `env:"RETRY_INITIAL_INTERVAL" envDefault:"250ms"`
	RetryMaxInterval     time.Duration `env:"RETRY_MAX_INTERVAL" envDefault:"10s"`

	CatalogPath       string `env:"CATALOG_PATH"`
	NeighbourhoodPath string `env:"NEIGHBOURHOOD_PATH"`
	ReportStorePath   string `env:"REPORT_STORE_PATH" envDefault:"simsync-reports.db"`

	LogSinks    []string `env:"LOG_SINKS" envDefault:"console" envSeparator:","`
	LogJSONPath string   `env:"LOG_JSON_PATH"`
	LogLevel    string   `env:"LOG_LEVEL" envDefault:"info"`

	// LogCategories limits routed events; empty routes all of them.
	LogCategories  []string `env:"LOG_CATEGORIES" envSeparator:","`
	LogHidePayload bool     `env:"LOG_HIDE_PAYLOAD"`

	OmitSurroundings bool   `env:"OMIT_SURROUNDINGS"`
	WorldSeed        uint64 `env:"WORLD_SEED" envDefault:"24301"`
	WorldWidth       int32  `env:"WORLD_WIDTH" envDefault:"64"`
	WorldHeight      int32  `env:"WORLD_HEIGHT" envDefault:"64"`
	UseWorld         bool   `env:"USE_WORLD"`
	StartingBudget   int64  `env:"STARTING_BUDGET" envDefault:"20000"`

	// HostURL and PeerName are read by the follower binary.
	HostURL  string `env:"HOST_URL" envDefault:"ws://localhost:8080/ws"`
	PeerName string `env:"PEER_NAME" envDefault:"follower"`
}

// Default returns the configuration used when no variable is set.
func Default() Config {
	cfg, err := env.ParseAsWithOptions[Config](env.Options{Environment: map[string]string{}})
	if err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return cfg
}

// Load reads dotenvPath (when non-empty and present) into the process
// environment without overriding variables already set, then parses Config.
func Load(dotenvPath string) (Config, error) {
	if dotenvPath != "" {
		if err := godotenv.Load(dotenvPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", dotenvPath, err)
		}
	}
	return parse(env.Options{Prefix: Prefix})
}

func parse(opts env.Options) (Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](opts)
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the runtime cannot work with.
func (c Config) Validate() error {
	if c.TickRate <= 0 {
		return fmt.Errorf("config: tick rate must be positive, got %d", c.TickRate)
	}
	if c.CommandCapacity <= 0 {
		return fmt.Errorf("config: command capacity must be positive, got %d", c.CommandCapacity)
	}
	if c.KeyframeCapacity < 0 {
		return fmt.Errorf("config: keyframe capacity must not be negative, got %d", c.KeyframeCapacity)
	}
	if c.ResyncPerSecond < 0 || c.ResyncBurst < 0 || c.ResyncBudget < 0 {
		return errors.New("config: resync limits must not be negative")
	}
	for _, sink := range c.LogSinks {
		switch sink {
		case "console", "json":
		default:
			return fmt.Errorf("config: unknown log sink %q", sink)
		}
	}
	if _, err := logging.ParseSeverity(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	for _, category := range c.LogCategories {
		if !slices.Contains(logging.Categories, category) {
			return fmt.Errorf("config: unknown log category %q", category)
		}
	}
	return nil
}

func (c Config) World() world.Config {
	return world.Config{
		Seed:     c.WorldSeed,
		Width:    c.WorldWidth,
		Height:   c.WorldHeight,
		UseWorld: c.UseWorld,
		Budget:   c.StartingBudget,
	}
}

func (c Config) Engine() sim.EngineConfig {
	return sim.EngineConfig{Tracing: c.Tracing, TraceWindow: c.TraceWindow}
}

func (c Config) Loop() sim.LoopConfig {
	return sim.LoopConfig{
		TickRate:        c.TickRate,
		CatchupMaxTicks: c.CatchupMaxTicks,
		CommandCapacity: c.CommandCapacity,
		PerActorLimit:   c.PerPeerLimit,
		WarningStep:     c.QueueWarningStep,
	}
}

func (c Config) Server() netplay.ServerConfig {
	return netplay.ServerConfig{
		TraceReportInterval: c.TraceReportInterval,
		Snapshot:            snapshot.Options{OmitSurroundings: c.OmitSurroundings},
		Resync: journal.PolicyConfig{
			PerSecond:   c.ResyncPerSecond,
			Burst:       c.ResyncBurst,
			Budget:      c.ResyncBudget,
			StableTicks: c.ResyncStableTicks,
		},
		KeyframeCapacity: c.KeyframeCapacity,
		KeyframeMaxAge:   c.KeyframeMaxAge,
	}
}

func (c Config) Follower() netplay.FollowerConfig {
	return netplay.FollowerConfig{
		Name:        c.PeerName,
		Tracing:     c.Tracing,
		TraceWindow: c.TraceWindow,
		Retry: netplay.RetryConfig{
			MaxAttempts:     c.RetryMaxAttempts,
			InitialInterval: c.RetryInitialInterval,
			MaxInterval:     c.RetryMaxInterval,
		},
	}
}

// Logging maps the sink settings onto the router configuration.
func (c Config) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.EnabledSinks = append([]string(nil), c.LogSinks...)
	cfg.JSON.FilePath = c.LogJSONPath
	cfg.Console.HidePayload = c.LogHidePayload
	cfg.Categories = append([]string(nil), c.LogCategories...)
	if severity, err := logging.ParseSeverity(c.LogLevel); err == nil {
		cfg.MinimumSeverity = severity
	}
	return cfg
}
