package feed

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// MessageHandler receives one broker message.
type MessageHandler func(topic string, payload []byte)

// Broker is the publish/subscribe transport the feed drives.
type Broker interface {
	// Connect opens the connection. onLost is called at most once, when an
	// established connection drops.
	Connect(ctx context.Context, onLost func(error)) error
	Subscribe(ctx context.Context, filters []string, handler MessageHandler) error
	Unsubscribe(ctx context.Context, filters []string) error
	IsConnected() bool
	Disconnect()
}

type BrokerConfig struct {
	URL            string
	ClientIDPrefix string
	Username       string
	Password       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	QoS            byte
	// Token supplies the bearer sent in the websocket handshake.
	Token func() string
}

const (
	DefaultBrokerURL      = "ws://broker.hivemq.com:8000/mqtt"
	DefaultKeepAlive      = 10 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	disconnectQuiesceMs   = 250
)

// SupportedSchemes lists the broker URL schemes the paho transport dials.
var SupportedSchemes = []string{"ws", "wss", "tcp", "mqtt", "ssl", "tls", "mqtts"}

type pahoBroker struct {
	client mqtt.Client
	qos    byte

	mu     sync.Mutex
	onLost func(error)
}

// NewPahoBroker builds an MQTT transport. Websocket URLs are dialed through
// gorilla/websocket so the handshake carries the bearer token.
func NewPahoBroker(cfg BrokerConfig) (Broker, error) {
	brokerURL := strings.TrimSpace(cfg.URL)
	if brokerURL == "" {
		brokerURL = DefaultBrokerURL
	}
	parsed, err := url.Parse(brokerURL)
	if err != nil {
		return nil, fmt.Errorf("parse broker URL: %w", err)
	}
	if !supportedScheme(parsed.Scheme) {
		return nil, fmt.Errorf("unsupported broker URL scheme %q", parsed.Scheme)
	}
	keepAlive := cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	prefix := strings.TrimSpace(cfg.ClientIDPrefix)
	if prefix == "" {
		prefix = "wfsync"
	}

	broker := &pahoBroker{qos: cfg.QoS}
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(prefix + "-" + uuid.NewString()).
		SetKeepAlive(keepAlive).
		SetConnectTimeout(connectTimeout).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			broker.lost(err)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if parsed.Scheme == "ws" || parsed.Scheme == "wss" {
		token := cfg.Token
		opts.SetCustomOpenConnectionFn(func(uri *url.URL, _ mqtt.ClientOptions) (net.Conn, error) {
			ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
			defer cancel()
			bearer := ""
			if token != nil {
				bearer = token()
			}
			return dialBrokerWebSocket(ctx, uri.String(), bearer)
		})
	}
	broker.client = mqtt.NewClient(opts)
	return broker, nil
}

func (b *pahoBroker) Connect(ctx context.Context, onLost func(error)) error {
	b.mu.Lock()
	b.onLost = onLost
	b.mu.Unlock()
	if err := waitToken(ctx, b.client.Connect()); err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	return nil
}

func (b *pahoBroker) Subscribe(ctx context.Context, filters []string, handler MessageHandler) error {
	if len(filters) == 0 {
		return nil
	}
	if handler == nil {
		return errors.New("message handler is required")
	}
	set := make(map[string]byte, len(filters))
	for _, filter := range filters {
		set[filter] = b.qos
	}
	token := b.client.SubscribeMultiple(set, func(_ mqtt.Client, message mqtt.Message) {
		handler(message.Topic(), message.Payload())
	})
	if err := waitToken(ctx, token); err != nil {
		return fmt.Errorf("subscribe %v: %w", filters, err)
	}
	return nil
}

func (b *pahoBroker) Unsubscribe(ctx context.Context, filters []string) error {
	if len(filters) == 0 {
		return nil
	}
	if err := waitToken(ctx, b.client.Unsubscribe(filters...)); err != nil {
		return fmt.Errorf("unsubscribe %v: %w", filters, err)
	}
	return nil
}

func (b *pahoBroker) IsConnected() bool {
	return b.client.IsConnected()
}

func (b *pahoBroker) Disconnect() {
	b.mu.Lock()
	b.onLost = nil
	b.mu.Unlock()
	b.client.Disconnect(disconnectQuiesceMs)
}

func (b *pahoBroker) lost(err error) {
	b.mu.Lock()
	onLost := b.onLost
	b.onLost = nil
	b.mu.Unlock()
	if onLost != nil {
		onLost(err)
	}
}

func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func supportedScheme(scheme string) bool {
	for _, candidate := range SupportedSchemes {
		if scheme == candidate {
			return true
		}
	}
	return false
}
