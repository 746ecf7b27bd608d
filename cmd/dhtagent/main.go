// Dhtagent publishes DHT temperature and humidity readings to MQTT.
//
// It brings a network link up, waits for a plausible wall clock,
// connects to the broker, then samples the sensor once a minute and
// publishes each valid reading plus a short rolling history.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	dhtagent serve              Run the agent
//	dhtagent init [dir]         Write an example config.yaml
//	dhtagent watch              Print readings published on the broker
//	dhtagent read               Read the sensor once
//	dhtagent version            Print version and build information
//	dhtagent -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nugget/dhtagent/internal/agent"
	"github.com/nugget/dhtagent/internal/buildinfo"
	"github.com/nugget/dhtagent/internal/clocksync"
	"github.com/nugget/dhtagent/internal/config"
	"github.com/nugget/dhtagent/internal/link"
	"github.com/nugget/dhtagent/internal/mqtt"
	"github.com/nugget/dhtagent/internal/sensor"
)

// main only adapts the process environment to [run].
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run parses args and dispatches to a subcommand. Logs and command
// output go to stdout; the caller prints the returned error. Flags are
// scanned by hand so tests can call run concurrently without touching
// the global flag set.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
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
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "watch":
		return runWatch(ctx, stdout, configPath, outputFmt)
	case "read":
		return runRead(ctx, stdout, configPath, outputFmt)
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
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "dhtagent - DHT temperature/humidity MQTT agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: dhtagent [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Run the agent")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  watch        Print readings published on the broker")
	fmt.Fprintln(w, "  read         Read the sensor once")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runServe runs the agent until SIGINT or SIGTERM. On shutdown the
// periodic tasks return first, then "offline" is published and the
// broker connection closed, and finally the sensor is released.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting dhtagent", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	// Switch from the banner logger to the configured one. The level
	// string was checked by Validate.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = newLogger(stdout, level, cfg.LogFormat)

	loc, _ := cfg.Clock.Location() // already validated
	logger.Info("config loaded",
		"path", cfgPath,
		"broker", cfg.MQTT.Broker,
		"topic", cfg.MQTT.Topic,
		"sensor", cfg.Sensor.Driver,
		"pin", cfg.Sensor.Pin,
		"zone", loc.String(),
	)

	instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("load mqtt instance id: %w", err)
	}
	logger.Info("mqtt instance ID loaded", "instance_id", instanceID)

	dev, err := sensor.Open(cfg.Sensor.Driver, cfg.Sensor.Pin, logger)
	if err != nil {
		return fmt.Errorf("open sensor: %w", err)
	}
	defer dev.Close()

	client := mqtt.New(cfg.MQTT, instanceID, strings.ToUpper(cfg.Sensor.Driver), logger)

	var clock clocksync.Source = clocksync.SystemSource
	if cfg.Clock.NTPServer != "" {
		clock = clocksync.NewNTPSource(cfg.Clock.NTPServer, logger)
	}

	backoff := link.DefaultBackoffConfig()
	backoff.PollInterval = cfg.Network.PollInterval

	a := agent.New(agent.Config{
		ReadyTimeout:    cfg.Network.ReadyTimeout,
		LinkBackoff:     backoff,
		ClockEnabled:    cfg.Clock.On(),
		ClockAttempts:   cfg.Clock.MaxAttempts,
		ClockInterval:   cfg.Clock.AttemptInterval,
		ConnectTimeout:  cfg.MQTT.ConnectTimeout,
		Topic:           cfg.MQTT.Topic,
		HistoryTopic:    cfg.MQTT.HistoryTopic,
		SettleDelay:     cfg.Sensor.SettleDelay,
		SampleInterval:  cfg.Sensor.SampleInterval,
		HistoryEnabled:  cfg.History.On(),
		HistoryCapacity: cfg.History.Capacity,
		HistoryInterval: cfg.History.PublishInterval,
		TimestampZone:   loc,
	}, agent.Deps{
		Driver: &link.NetDriver{
			Interface:  cfg.Network.Interface,
			SSID:       cfg.Network.SSID,
			Passphrase: cfg.Network.Passphrase,
			Command:    cfg.Network.ConnectCommand,
			Logger:     logger,
		},
		Probe:  link.InterfaceProbe(cfg.Network.Interface),
		Clock:  clock,
		Sensor: dev,
		Broker: client,
	}, logger)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.Run(ctx); err != nil {
		return err
	}

	logger.Info("dhtagent stopped")
	return nil
}

// newLogger returns an slog logger for w. format is "json" or
// anything else for text.
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

// loadConfig finds and parses the config file, returning it with the
// path it came from. An explicit path must exist.
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
