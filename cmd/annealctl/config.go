package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/arloliu/go-anneal/logger"
	"github.com/arloliu/go-anneal/mks647b"
	"github.com/arloliu/go-anneal/poller"
	"github.com/joho/godotenv"
)

// Default configuration values.
const (
	DefaultFurnacePort = "/dev/ttyUSB1"
	DefaultMFCPort     = "/dev/ttyUSB0"
	DefaultEnvFile     = ".env"
	// DefaultSimMinute is the wall-clock duration of one simulated furnace
	// minute in simulate mode.
	DefaultSimMinute = time.Second
)

// Config holds the host configuration.
type Config struct {
	FurnacePort  string
	MFCPort      string
	PollInterval time.Duration
	Channel      int
	LogLevel     logger.Level
	Simulate     bool
	SimMinute    time.Duration
}

// loadEnvFile loads path into the process environment without overriding
// variables that are already set. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}

	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}

	return err
}

// defaultConfig returns the configuration derived from environment
// variables read through getenv.
func defaultConfig(getenv func(string) string) (Config, error) {
	cfg := Config{
		FurnacePort:  DefaultFurnacePort,
		MFCPort:      DefaultMFCPort,
		PollInterval: poller.DefaultInterval,
		Channel:      mks647b.MinChannel,
		LogLevel:     logger.InfoLevel,
		SimMinute:    DefaultSimMinute,
	}

	if v := getenv("ANNEAL_FURNACE_PORT"); v != "" {
		cfg.FurnacePort = v
	}
	if v := getenv("ANNEAL_MFC_PORT"); v != "" {
		cfg.MFCPort = v
	}
	if v := getenv("ANNEAL_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("ANNEAL_POLL_INTERVAL: %w", err)
		}
		cfg.PollInterval = d
	}
	if v := getenv("ANNEAL_MFC_CHANNEL"); v != "" {
		ch, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("ANNEAL_MFC_CHANNEL: %w", err)
		}
		cfg.Channel = ch
	}
	if v := getenv("ANNEAL_LOG_LEVEL"); v != "" {
		lv, err := logger.ParseLevel(v)
		if err != nil {
			return cfg, fmt.Errorf("ANNEAL_LOG_LEVEL: %w", err)
		}
		cfg.LogLevel = lv
	}
	if v := getenv("ANNEAL_SIMULATE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("ANNEAL_SIMULATE: %w", err)
		}
		cfg.Simulate = b
	}
	if v := getenv("ANNEAL_SIM_MINUTE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("ANNEAL_SIM_MINUTE: %w", err)
		}
		cfg.SimMinute = d
	}

	return cfg, nil
}

// parseConfig parses args on top of the environment defaults. Flags win
// over environment variables.
func parseConfig(args []string, getenv func(string) string, stderr io.Writer) (Config, error) {
	cfg, err := defaultConfig(getenv)
	if err != nil {
		return cfg, err
	}

	fs := flag.NewFlagSet("annealctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	logLevel := ""
	fs.StringVar(&cfg.FurnacePort, "furnace-port", cfg.FurnacePort, "serial device of the furnace controller (overrides $ANNEAL_FURNACE_PORT)")
	fs.StringVar(&cfg.MFCPort, "mfc-port", cfg.MFCPort, "serial device of the mass-flow controller (overrides $ANNEAL_MFC_PORT)")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "instrument polling interval (overrides $ANNEAL_POLL_INTERVAL)")
	fs.IntVar(&cfg.Channel, "channel", cfg.Channel, "mass-flow controller channel of the process gas (overrides $ANNEAL_MFC_CHANNEL)")
	fs.StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides $ANNEAL_LOG_LEVEL)")
	fs.BoolVar(&cfg.Simulate, "simulate", cfg.Simulate, "run against simulated instruments (overrides $ANNEAL_SIMULATE)")
	fs.DurationVar(&cfg.SimMinute, "sim-minute", cfg.SimMinute, "duration of one simulated furnace minute (overrides $ANNEAL_SIM_MINUTE)")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if logLevel != "" {
		lv, err := logger.ParseLevel(logLevel)
		if err != nil {
			return cfg, err
		}
		cfg.LogLevel = lv
	}

	return cfg, cfg.Validate()
}

// Validate checks the configuration values.
func (cfg Config) Validate() error {
	if cfg.PollInterval <= 0 {
		return fmt.Errorf("invalid poll interval %v", cfg.PollInterval)
	}
	if cfg.Channel < mks647b.MinChannel || cfg.Channel > mks647b.MaxChannel {
		return fmt.Errorf("channel %d out of range [%d, %d]", cfg.Channel, mks647b.MinChannel, mks647b.MaxChannel)
	}
	if cfg.Simulate && cfg.SimMinute <= 0 {
		return fmt.Errorf("invalid simulated minute %v", cfg.SimMinute)
	}
	if !cfg.Simulate && (cfg.FurnacePort == "" || cfg.MFCPort == "") {
		return errors.New("furnace and mass-flow controller ports are required")
	}

	return nil
}
