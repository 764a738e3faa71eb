package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"evcc-ingest/internal/telemetry/application"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultKeepAlive      = 30 * time.Second
	disconnectQuiesceMs   = 250
)

// MessageHandler processes one inbound message.
type MessageHandler interface {
	Handle(ctx context.Context, topic, payload string) (application.Outcome, error)
}

// Config describes the broker connection.
type Config struct {
	Host           string
	Port           int
	Protocol       string
	Username       string
	Password       string
	ClientID       string
	TopicRoot      string
	QoS            byte
	ConnectTimeout time.Duration
}

// BrokerURL returns the broker address in paho form.
func (c Config) BrokerURL() string {
	protocol := c.Protocol
	if protocol == "" {
		protocol = "tcp"
	}
	return fmt.Sprintf("%s://%s:%d", protocol, c.Host, c.Port)
}

// Subscription returns the topic filter covering every instance.
func (c Config) Subscription() string {
	return c.TopicRoot + "/#"
}

// Subscriber feeds broker messages to a handler in arrival order.
type Subscriber struct {
	cfg     Config
	handler MessageHandler
	logger  *log.Logger

	mu     sync.Mutex
	client paho.Client
	ctx    context.Context
}

// NewSubscriber constructs a subscriber.
func NewSubscriber(cfg Config, handler MessageHandler, logger *log.Logger) (*Subscriber, error) {
	if handler == nil {
		return nil, errors.New("mqtt subscriber: nil handler")
	}
	if cfg.Host == "" || cfg.Port <= 0 {
		return nil, errors.New("mqtt subscriber: broker host and port are required")
	}
	if cfg.TopicRoot == "" {
		return nil, errors.New("mqtt subscriber: empty topic root")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("mqtt subscriber: empty client id")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Subscriber{cfg: cfg, handler: handler, logger: logger, ctx: context.Background()}, nil
}

// ClientOptions builds the paho options used by Start.
func (s *Subscriber) ClientOptions() *paho.ClientOptions {
	opts := paho.NewClientOptions()
	opts.AddBroker(s.cfg.BrokerURL())
	opts.SetClientID(s.cfg.ClientID)
	opts.SetKeepAlive(defaultKeepAlive)
	opts.SetConnectTimeout(s.cfg.ConnectTimeout)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetOrderMatters(true)
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		if s.cfg.Password != "" {
			opts.SetPassword(s.cfg.Password)
		}
	}
	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		s.logger.Printf("mqtt subscriber: connection lost: %v", err)
	})
	return opts
}

// Start connects to the broker. The subscription is renewed on every
// (re)connect.
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.client != nil {
		s.mu.Unlock()
		return errors.New("mqtt subscriber: already started")
	}
	s.ctx = ctx
	client := paho.NewClient(s.ClientOptions())
	s.client = client
	s.mu.Unlock()

	token := client.Connect()
	if !token.WaitTimeout(s.cfg.ConnectTimeout) {
		s.logger.Printf("mqtt subscriber: connect to %s still pending, retrying in background", s.cfg.BrokerURL())
		return nil
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt subscriber: connect %s: %w", s.cfg.BrokerURL(), err)
	}
	return nil
}

// Stop disconnects from the broker.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()
	if client != nil {
		client.Disconnect(disconnectQuiesceMs)
	}
}

func (s *Subscriber) onConnect(client paho.Client) {
	topic := s.cfg.Subscription()
	token := client.Subscribe(topic, s.cfg.QoS, s.onMessage)
	if !token.WaitTimeout(s.cfg.ConnectTimeout) {
		s.logger.Printf("mqtt subscriber: subscribe %s timed out", topic)
		return
	}
	if err := token.Error(); err != nil {
		s.logger.Printf("mqtt subscriber: subscribe %s: %v", topic, err)
		return
	}
	s.logger.Printf("mqtt subscriber: subscribed to %s on %s", topic, s.cfg.BrokerURL())
}

func (s *Subscriber) onMessage(_ paho.Client, msg paho.Message) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if _, err := s.handler.Handle(ctx, msg.Topic(), string(msg.Payload())); err != nil {
		s.logger.Printf("mqtt subscriber: handle %s: %v", msg.Topic(), err)
	}
}
