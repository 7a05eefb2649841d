// Package mqtt publishes entities to Home Assistant through MQTT discovery
// and routes commands back to them.
package mqtt

import (
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"devicehub/internal/config"
)

const (
	payloadOnline  = "online"
	payloadOffline = "offline"
)

// MessageHandler receives messages on a subscribed topic.
type MessageHandler func(topic string, payload []byte)

// Broker is the connection the Publisher talks through.
type Broker interface {
	Publish(topic string, payload []byte, retain bool) error
	Subscribe(topic string, handler MessageHandler) error
	Unsubscribe(topic string) error
}

// Client is a Broker backed by paho with automatic reconnection.
type Client struct {
	client      paho.Client
	cfg         config.MQTTConfig
	statusTopic string
	logger      *zap.Logger

	mu        sync.RWMutex
	connected bool
	onConnect func()
	handlers  map[string]MessageHandler
}

// NewClient creates a client. statusTopic carries the retained bridge
// availability and the last will.
func NewClient(cfg config.MQTTConfig, statusTopic string, logger *zap.Logger) *Client {
	c := &Client{
		cfg:         cfg,
		statusTopic: statusTopic,
		logger:      logger.Named("mqtt"),
		handlers:    make(map[string]MessageHandler),
	}
	c.client = paho.NewClient(c.clientOptions())
	return c
}

func (c *Client) clientOptions() *paho.ClientOptions {
	opts := paho.NewClientOptions().
		AddBroker(c.cfg.BrokerURL).
		SetClientID(c.cfg.ClientID).
		SetKeepAlive(time.Duration(c.cfg.KeepAlive) * time.Second).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(60 * time.Second).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second).
		SetConnectTimeout(10 * time.Second).
		SetPingTimeout(5 * time.Second).
		SetWriteTimeout(5 * time.Second).
		SetOnConnectHandler(c.handleConnect).
		SetConnectionLostHandler(c.handleConnectionLost)

	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}
	if c.cfg.IsSecure() {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	if c.statusTopic != "" {
		opts.SetWill(c.statusTopic, payloadOffline, c.cfg.QoS, true)
	}
	return opts
}

// SetOnConnect installs a callback run after every (re)connect.
func (c *Client) SetOnConnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = fn
}

// Connect starts connecting. With connect retry enabled paho keeps trying in
// the background, so this only fails on configuration errors.
func (c *Client) Connect() error {
	c.logger.Info("Connecting to MQTT broker", zap.String("broker", c.cfg.BrokerURL))

	token := c.client.Connect()
	if token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	return nil
}

// Disconnect marks the bridge offline and closes the connection.
func (c *Client) Disconnect() {
	if c.statusTopic != "" && c.IsConnected() {
		_ = c.Publish(c.statusTopic, []byte(payloadOffline), true)
	}
	c.client.Disconnect(250)
	c.setConnected(false)
	c.logger.Info("Disconnected from MQTT broker")
}

// IsConnected reports whether the broker connection is up.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.client.IsConnected()
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = v
}

func (c *Client) Publish(topic string, payload []byte, retain bool) error {
	if !c.IsConnected() {
		return fmt.Errorf("mqtt client is not connected")
	}

	token := c.client.Publish(topic, c.cfg.QoS, retain, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("timed out publishing to %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	c.logger.Debug("Published", zap.String("topic", topic), zap.Int("bytes", len(payload)), zap.Bool("retain", retain))
	return nil
}

// Subscribe registers handler for topic. Subscriptions are restored after a
// reconnect because the session is clean.
func (c *Client) Subscribe(topic string, handler MessageHandler) error {
	c.mu.Lock()
	c.handlers[topic] = handler
	c.mu.Unlock()

	if !c.IsConnected() {
		return nil
	}
	return c.subscribe(topic, handler)
}

func (c *Client) subscribe(topic string, handler MessageHandler) error {
	token := c.client.Subscribe(topic, c.cfg.QoS, func(_ paho.Client, msg paho.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("timed out subscribing to %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	return nil
}

func (c *Client) Unsubscribe(topic string) error {
	c.mu.Lock()
	delete(c.handlers, topic)
	c.mu.Unlock()

	if !c.IsConnected() {
		return nil
	}
	token := c.client.Unsubscribe(topic)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("timed out unsubscribing from %s", topic)
	}
	return token.Error()
}

func (c *Client) handleConnect(_ paho.Client) {
	c.logger.Info("MQTT client connected")
	c.setConnected(true)

	if c.statusTopic != "" {
		if err := c.Publish(c.statusTopic, []byte(payloadOnline), true); err != nil {
			c.logger.Error("Failed to publish bridge status", zap.Error(err))
		}
	}

	c.mu.RLock()
	handlers := make(map[string]MessageHandler, len(c.handlers))
	for topic, h := range c.handlers {
		handlers[topic] = h
	}
	onConnect := c.onConnect
	c.mu.RUnlock()

	for topic, h := range handlers {
		if err := c.subscribe(topic, h); err != nil {
			c.logger.Error("Failed to restore subscription", zap.String("topic", topic), zap.Error(err))
		}
	}

	if onConnect != nil {
		// paho runs this handler on its own goroutine; publishing from it is safe.
		onConnect()
	}
}

func (c *Client) handleConnectionLost(_ paho.Client, err error) {
	c.logger.Warn("MQTT connection lost, reconnecting", zap.Error(err))
	c.setConnected(false)
}
