package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/nugget/dhtagent/internal/config"
	"github.com/nugget/dhtagent/internal/reading"
	"github.com/nugget/dhtagent/internal/sensor"
)

// readResult is the -o json shape of "dhtagent read".
type readResult struct {
	OK          bool         `json:"ok"`
	Error       string       `json:"error,omitempty"`
	Kind        string       `json:"kind,omitempty"`
	Temperature *json.Number `json:"temperature,omitempty"`
	Humidity    *json.Number `json:"humidity,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

// runRead opens the configured sensor, takes a single measurement and
// prints it. Read errors and invalid readings are reported with their
// classification and returned, so the exit status reflects them.
func runRead(ctx context.Context, w io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := newLogger(io.Discard, level, cfg.LogFormat)

	dev, err := sensor.Open(cfg.Sensor.Driver, cfg.Sensor.Pin, logger)
	if err != nil {
		return fmt.Errorf("open sensor: %w", err)
	}
	defer dev.Close()

	loc, _ := cfg.Clock.Location()
	return readOnce(ctx, w, dev, reading.NewCodec(loc), time.Now, outputFmt, logger)
}

// readOnce performs the measurement. It is split from runRead so tests
// can drive it with a scripted sensor.
func readOnce(ctx context.Context, w io.Writer, dev sensor.Sensor, codec reading.Codec, now func() time.Time, outputFmt string, logger *slog.Logger) error {
	sample, err := dev.Read(ctx)
	if err != nil {
		kind := sensor.Classify(err)
		logger.Debug("sensor read failed", "kind", kind, "error", err)
		printReadResult(w, outputFmt, readResult{Error: err.Error(), Kind: kind.String()})
		return fmt.Errorf("read sensor: %s: %w", kind, err)
	}

	r := reading.New(sample.Temperature, sample.Humidity, now())
	if err := r.Validate(); err != nil {
		printReadResult(w, outputFmt, readResult{Error: err.Error(), Kind: "invalid"})
		return fmt.Errorf("read sensor: %w", err)
	}

	p := codec.Payload(r)
	printReadResult(w, outputFmt, readResult{
		OK:          true,
		Temperature: &p.Temperature,
		Humidity:    &p.Humidity,
		Timestamp:   p.Timestamp,
	})
	return nil
}

func printReadResult(w io.Writer, outputFmt string, res readResult) {
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(res)
		return
	}
	if !res.OK {
		fmt.Fprintf(w, "read failed (%s): %s\n", res.Kind, res.Error)
		return
	}
	fmt.Fprintf(w, "%s  temperature %s°C  humidity %s%%\n", res.Timestamp, res.Temperature, res.Humidity)
}
