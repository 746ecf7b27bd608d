package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/dhtagent/internal/config"
	"github.com/nugget/dhtagent/internal/mqtt"
	"github.com/nugget/dhtagent/internal/reading"
)

// runWatch subscribes to the configured telemetry topics and prints
// every reading and history window until interrupted. It is a
// debugging aid for checking what a deployed agent actually sends.
func runWatch(ctx context.Context, w io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := newLogger(io.Discard, level, cfg.LogFormat)

	// A fresh client ID keeps the watcher from taking over the agent's
	// session; passive mode keeps it off the availability topics.
	mcfg := cfg.MQTT
	mcfg.ClientID = ""
	client := mqtt.New(mcfg, uuid.NewString(), "", logger)
	client.Passive()

	loc, _ := cfg.Clock.Location()
	p := &watchPrinter{
		w:            w,
		json:         outputFmt == "json",
		codec:        reading.NewCodec(loc),
		historyTopic: cfg.MQTT.HistoryTopic,
	}
	client.OnMessage(p.handle, cfg.MQTT.Topic, cfg.MQTT.HistoryTopic)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := client.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintf(w, "watching %s and %s on %s\n", cfg.MQTT.Topic, cfg.MQTT.HistoryTopic, cfg.MQTT.Broker)

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	return client.Stop(stopCtx)
}

// watchPrinter renders received payloads. Messages can arrive
// concurrently, so writes are serialized.
type watchPrinter struct {
	mu           sync.Mutex
	w            io.Writer
	json         bool
	codec        reading.Codec
	historyTopic string
}

// watchLine is the -o json shape of one received message.
type watchLine struct {
	Topic    string            `json:"topic"`
	Readings []reading.Payload `json:"readings"`
	Error    string            `json:"error,omitempty"`
}

func (p *watchPrinter) handle(topic string, payload []byte) {
	var readings []reading.Reading
	var err error
	if topic == p.historyTopic {
		readings, err = p.codec.DecodeHistory(payload)
	} else {
		var r reading.Reading
		r, err = p.codec.Decode(payload)
		readings = []reading.Reading{r}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.json {
		line := watchLine{Topic: topic, Readings: []reading.Payload{}}
		if err != nil {
			line.Error = err.Error()
		} else {
			for _, r := range readings {
				line.Readings = append(line.Readings, p.codec.Payload(r))
			}
		}
		_ = json.NewEncoder(p.w).Encode(line)
		return
	}

	if err != nil {
		fmt.Fprintf(p.w, "%s  undecodable payload: %v\n", topic, err)
		return
	}
	if topic == p.historyTopic {
		parts := make([]string, 0, len(readings))
		for _, r := range readings {
			pl := p.codec.Payload(r)
			parts = append(parts, fmt.Sprintf("%s %s°C %s%%", pl.Timestamp, pl.Temperature, pl.Humidity))
		}
		fmt.Fprintf(p.w, "%s  [%d] %s\n", topic, len(readings), strings.Join(parts, ", "))
		return
	}
	pl := p.codec.Payload(readings[0])
	fmt.Fprintf(p.w, "%s  %s  %s°C  %s%%\n", topic, pl.Timestamp, pl.Temperature, pl.Humidity)
}
