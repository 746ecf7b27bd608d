package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/gorilla/websocket"

	"github.com/nugget/dhtagent/internal/buildinfo"
	"github.com/nugget/dhtagent/internal/config"
)

// attemptTimeout bounds a single publish attempt, so a QoS 1 publish
// waiting on a PUBACK from a dead connection gets retried.
const attemptTimeout = 10 * time.Second

// publisher is the slice of [autopaho.ConnectionManager] that Publish
// needs.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Client manages the broker connection and publishes telemetry.
type Client struct {
	cfg        config.MQTTConfig
	instanceID string
	clientID   string
	device     DeviceInfo
	backoff    Backoff
	logger     *slog.Logger

	handler MessageHandler
	filters []string
	limiter *messageRateLimiter
	passive bool

	mu  sync.Mutex
	cm  *autopaho.ConnectionManager
	pub publisher
}

// New creates a Client but does not connect. Call [Client.Start] to
// begin the connection. model names the sensor in discovery payloads.
func New(cfg config.MQTTConfig, instanceID, model string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = ClientID(buildinfo.Name, instanceID)
	}
	return &Client{
		cfg:        cfg,
		instanceID: instanceID,
		clientID:   clientID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName, model),
		backoff: Backoff{
			MaxAttempts: cfg.PublishRetries,
			MinInterval: cfg.PublishRetryDelay,
			MaxInterval: 8 * cfg.PublishRetryDelay,
		},
		logger: logger,
	}
}

// OnMessage registers a handler for the given topic filters. The
// filters are (re-)subscribed on every connect. It must be called
// before Start. A nil handler logs messages at debug level.
func (c *Client) OnMessage(h MessageHandler, filters ...string) {
	if h == nil {
		h = defaultMessageHandler(c.logger)
	}
	c.handler = h
	c.filters = filters
	c.limiter = newMessageRateLimiter(100, time.Second, c.logger)
}

// Passive makes the client a pure observer: no will message, no
// availability or discovery publishes. It must be called before Start.
func (c *Client) Passive() {
	c.passive = true
}

// ClientID returns the MQTT client identifier in use.
func (c *Client) ClientID() string { return c.clientID }

// Start begins connecting to the broker in the background. The
// connection, including reconnects, lives until ctx is cancelled or
// [Client.Stop] is called.
func (c *Client) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(c.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := c.AvailabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       c.cfg.KeepAlive,
		ConnectTimeout:  c.cfg.ConnectTimeout,
		ConnectUsername: c.cfg.Username,
		ConnectPassword: []byte(c.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.logger.Info("mqtt connected to broker", "broker", c.cfg.Broker, "client_id", c.clientID)
			go c.announce(ctx, cm)
		},
		OnConnectError: func(err error) {
			c.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: c.clientID,
			OnClientError: func(err error) {
				c.logger.Warn("mqtt client error", "error", err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				c.logger.Warn("mqtt server requested disconnect", "reason_code", d.ReasonCode)
			},
		},
	}

	if !c.passive {
		pahoCfg.WillMessage = &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		}
	}

	switch brokerURL.Scheme {
	case "mqtts", "ssl", "tls":
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	case "ws", "wss":
		pahoCfg.WebSocketCfg = &autopaho.WebSocketConfig{
			Dialer: func(_ *url.URL, tlsCfg *tls.Config) *websocket.Dialer {
				return &websocket.Dialer{
					HandshakeTimeout: c.cfg.ConnectTimeout,
					Subprotocols:     []string{"mqtt"},
					TLSClientConfig:  tlsCfg,
				}
			},
		}
		if brokerURL.Scheme == "wss" {
			pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
		}
	}

	if c.handler != nil {
		pahoCfg.OnPublishReceived = []func(paho.PublishReceived) (bool, error){
			func(pr paho.PublishReceived) (bool, error) {
				if c.limiter.allow() {
					c.handler(pr.Packet.Topic, pr.Packet.Payload)
				}
				return true, nil
			},
		}
		go c.limiter.start(ctx)
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	c.mu.Lock()
	c.cm = cm
	c.pub = cm
	c.mu.Unlock()
	return nil
}

// AwaitConnection blocks until the broker connection is established
// or ctx expires.
func (c *Client) AwaitConnection(ctx context.Context) error {
	c.mu.Lock()
	cm := c.cm
	c.mu.Unlock()
	if cm == nil {
		return errNotStarted
	}
	return cm.AwaitConnection(ctx)
}

// Stop gracefully disconnects by publishing an "offline" availability
// message before closing the MQTT connection. The provided context
// controls how long to wait for the publish and disconnect to complete.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	cm := c.cm
	c.mu.Unlock()
	if cm == nil {
		return nil
	}
	if !c.passive {
		c.publishAvailability(ctx, cm, "offline")
	}
	return cm.Disconnect(ctx)
}

// Publish sends payload to topic with the configured QoS and retain
// flag, retrying with exponential backoff. When every attempt fails it
// returns a [*PublishError] and the payload is dropped.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	c.mu.Lock()
	pub := c.pub
	c.mu.Unlock()
	if pub == nil {
		return &PublishError{Topic: topic, Err: errNotStarted}
	}

	msg := &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     c.cfg.QoSLevel(),
		Retain:  c.cfg.Retain,
	}

	attempts, err := c.backoff.Do(ctx, func(ctx context.Context) error {
		actx, cancel := context.WithTimeout(ctx, attemptTimeout)
		defer cancel()

		resp, err := pub.Publish(actx, msg)
		if err != nil {
			c.logger.Debug("mqtt publish attempt failed", "topic", topic, "error", err)
			return err
		}
		if resp != nil && resp.ReasonCode >= 0x80 {
			return fmt.Errorf("broker rejected publish: reason code 0x%02x", resp.ReasonCode)
		}
		return nil
	})
	if err != nil {
		return &PublishError{Topic: topic, Attempts: attempts, Err: err}
	}

	c.logger.Log(ctx, config.LevelTrace, "mqtt published",
		"topic", topic,
		"attempts", attempts,
		"payload", string(payload),
	)
	return nil
}

// --- Topic helpers ---

func (c *Client) baseTopic() string {
	return buildinfo.Name + "/" + c.cfg.DeviceName
}

// AvailabilityTopic returns the retained online/offline topic.
func (c *Client) AvailabilityTopic() string {
	return c.baseTopic() + "/availability"
}

func (c *Client) discoveryTopic(component, entity string) string {
	return c.cfg.DiscoveryPrefix + "/" + component + "/" + c.cfg.DeviceName + "/" + entity + "/config"
}

// announce runs on every (re-)connect.
func (c *Client) announce(ctx context.Context, cm *autopaho.ConnectionManager) {
	if !c.passive {
		c.publishAvailability(ctx, cm, "online")
		if c.cfg.DiscoveryPrefix != "" {
			c.publishDiscovery(ctx, cm)
		}
	}
	if len(c.filters) > 0 {
		c.subscribe(ctx, cm)
	}
}

func (c *Client) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	subs := make([]paho.SubscribeOptions, 0, len(c.filters))
	for _, f := range c.filters {
		subs = append(subs, paho.SubscribeOptions{Topic: f, QoS: c.cfg.QoSLevel()})
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: subs}); err != nil {
		c.logger.Warn("mqtt subscribe failed", "filters", c.filters, "error", err)
		return
	}
	c.logger.Info("mqtt subscribed", "filters", c.filters)
}

// --- Discovery ---

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

func (c *Client) sensorDefinitions() []sensorDef {
	avail := c.AvailabilityTopic()
	return []sensorDef{
		{
			entitySuffix: "temperature",
			config: SensorConfig{
				Name:              c.device.Name + " Temperature",
				UniqueID:          c.instanceID + "_temperature",
				StateTopic:        c.cfg.Topic,
				AvailabilityTopic: avail,
				Device:            c.device,
				DeviceClass:       "temperature",
				UnitOfMeasurement: "°C",
				StateClass:        "measurement",
				ValueTemplate:     "{{ value_json.temperature }}",
			},
		},
		{
			entitySuffix: "humidity",
			config: SensorConfig{
				Name:              c.device.Name + " Humidity",
				UniqueID:          c.instanceID + "_humidity",
				StateTopic:        c.cfg.Topic,
				AvailabilityTopic: avail,
				Device:            c.device,
				DeviceClass:       "humidity",
				UnitOfMeasurement: "%",
				StateClass:        "measurement",
				ValueTemplate:     "{{ value_json.humidity }}",
			},
		},
	}
}

func (c *Client) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, s := range c.sensorDefinitions() {
		topic := c.discoveryTopic("sensor", s.entitySuffix)
		payload, err := json.Marshal(s.config)
		if err != nil {
			c.logger.Error("mqtt marshal discovery payload",
				"entity", s.entitySuffix, "error", err)
			continue
		}

		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			c.logger.Warn("mqtt discovery publish failed",
				"entity", s.entitySuffix, "topic", topic, "error", err)
		} else {
			c.logger.Debug("mqtt discovery published",
				"entity", s.entitySuffix, "topic", topic)
		}
	}
}

func (c *Client) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   c.AvailabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		c.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		c.logger.Info("mqtt availability published", "status", status)
	}
}
