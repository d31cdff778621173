// Package mqtt wraps the paho client behind the facade the gateway consumes.
// Connection retry policy belongs to the gateway, so paho's automatic
// reconnect and connect-retry are disabled here.
package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"meshbridge/internal/config"
)

// Options are per-message delivery options.
type Options struct {
	Retain bool
	QoS    byte
	// MessageExpiry is the retention override in seconds. It is carried
	// through the pipeline for subscribers; the 3.1.1 wire protocol has no
	// message-expiry property, so it is not sent to the broker.
	MessageExpiry uint32
}

// Client is the broker facade: connect/disconnect/publish/subscribe plus
// inbound message delivery.
type Client struct {
	cfg    *config.Config
	logger *slog.Logger

	mu        sync.Mutex
	client    pahomqtt.Client
	attempts  int
	onMessage func(topic string, payload []byte)
}

// NewClient creates an unconnected broker client.
func NewClient(cfg *config.Config, logger *slog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		logger: logger.With("component", "mqtt"),
	}
}

// OnMessage registers the inbound-message callback. Must be called before
// Connect.
func (c *Client) OnMessage(fn func(topic string, payload []byte)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

// IsFirstConnectionAttempt reports whether Connect has never been called.
// The controller uses this before a retry to decide whether a stale session
// needs tearing down first.
func (c *Client) IsFirstConnectionAttempt() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts == 0
}

// Connect establishes a broker session using the current configuration
// snapshot, so credential updates made through the management surface apply
// on reconnect.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.attempts++
	settings := c.cfg.MQTTSettings()
	handler := c.onMessage
	c.mu.Unlock()

	opts := pahomqtt.NewClientOptions().
		AddBroker(settings.Server).
		SetClientID(settings.ClientID).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetCleanSession(true).
		SetWill(settings.BaseTopic+"/bridge/state", "offline", 1, true).
		SetDefaultPublishHandler(func(_ pahomqtt.Client, msg pahomqtt.Message) {
			if handler != nil {
				handler(msg.Topic(), msg.Payload())
			}
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			c.logger.Warn("connection lost", "err", err)
		})
	if settings.User != "" {
		opts.SetUsername(settings.User)
		opts.SetPassword(settings.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if err := waitToken(ctx, token); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()
	c.logger.Info("connected", "server", settings.Server)
	return nil
}

// Disconnect closes the broker session. Safe to call when not connected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()
	if client != nil && client.IsConnected() {
		client.Disconnect(1000)
	}
}

// IsConnected reports whether a broker session is live.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil && c.client.IsConnected()
}

// Publish sends a message to the broker.
func (c *Client) Publish(topic string, payload []byte, opts Options) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return fmt.Errorf("publish %s: not connected", topic)
	}
	token := client.Publish(topic, opts.QoS, opts.Retain, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers interest in a topic filter. Messages are delivered via
// the OnMessage callback.
func (c *Client) Subscribe(topic string) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return fmt.Errorf("subscribe %s: not connected", topic)
	}
	token := client.Subscribe(topic, 0, nil)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

func waitToken(ctx context.Context, token pahomqtt.Token) error {
	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()
	select {
	case <-done:
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
