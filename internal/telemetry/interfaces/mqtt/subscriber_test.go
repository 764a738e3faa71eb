package mqtt

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"evcc-ingest/internal/telemetry/application"
)

type handled struct {
	topic   string
	payload string
}

type recordingHandler struct {
	messages []handled
	err      error
}

func (h *recordingHandler) Handle(ctx context.Context, topic, payload string) (application.Outcome, error) {
	h.messages = append(h.messages, handled{topic: topic, payload: payload})
	if h.err != nil {
		return application.OutcomeError, h.err
	}
	return application.OutcomeStaged, nil
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type doneToken struct {
	err error
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type fakeClient struct {
	paho.Client
	topics []string
	qos    []byte
	err    error
}

func (c *fakeClient) Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token {
	c.topics = append(c.topics, topic)
	c.qos = append(c.qos, qos)
	return doneToken{err: c.err}
}

func testConfig() Config {
	return Config{Host: "broker.local", Port: 1883, Protocol: "tcp", ClientID: "evcc-ingest", TopicRoot: "evcc"}
}

func TestSubscriberForwardsMessages(t *testing.T) {
	handler := &recordingHandler{}
	sub, err := NewSubscriber(testConfig(), handler, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("new subscriber: %v", err)
	}

	sub.onMessage(nil, fakeMessage{topic: "evcc/a/site/pvPower", payload: []byte("1200")})
	sub.onMessage(nil, fakeMessage{topic: "evcc/a/updated", payload: []byte("1762170321")})

	want := []handled{
		{topic: "evcc/a/site/pvPower", payload: "1200"},
		{topic: "evcc/a/updated", payload: "1762170321"},
	}
	if len(handler.messages) != len(want) {
		t.Fatalf("expected %d messages, got %v", len(want), handler.messages)
	}
	for i := range want {
		if handler.messages[i] != want[i] {
			t.Fatalf("message %d: expected %+v, got %+v", i, want[i], handler.messages[i])
		}
	}
}

func TestSubscriberLogsHandlerErrors(t *testing.T) {
	var buf bytes.Buffer
	handler := &recordingHandler{err: errors.New("cache down")}
	sub, err := NewSubscriber(testConfig(), handler, log.New(&buf, "", 0))
	if err != nil {
		t.Fatalf("new subscriber: %v", err)
	}
	sub.onMessage(nil, fakeMessage{topic: "evcc/a/site/pvPower", payload: []byte("1")})
	if !strings.Contains(buf.String(), "cache down") {
		t.Fatalf("expected handler error to be logged, got %q", buf.String())
	}
}

func TestSubscriberSubscribesOnConnect(t *testing.T) {
	var buf bytes.Buffer
	cfg := testConfig()
	cfg.QoS = 1
	sub, err := NewSubscriber(cfg, &recordingHandler{}, log.New(&buf, "", 0))
	if err != nil {
		t.Fatalf("new subscriber: %v", err)
	}

	client := &fakeClient{}
	sub.onConnect(client)
	sub.onConnect(client)
	if len(client.topics) != 2 || client.topics[0] != "evcc/#" || client.qos[0] != 1 {
		t.Fatalf("expected resubscribe to evcc/# on every connect, got %v %v", client.topics, client.qos)
	}

	failing := &fakeClient{err: errors.New("not authorized")}
	sub.onConnect(failing)
	if !strings.Contains(buf.String(), "not authorized") {
		t.Fatalf("expected subscribe error to be logged, got %q", buf.String())
	}
}

func TestSubscriberClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Protocol = "ws"
	cfg.Username = "evcc"
	cfg.Password = "secret"
	sub, err := NewSubscriber(cfg, &recordingHandler{}, nil)
	if err != nil {
		t.Fatalf("new subscriber: %v", err)
	}

	opts := sub.ClientOptions()
	if len(opts.Servers) != 1 || opts.Servers[0].String() != "ws://broker.local:1883" {
		t.Fatalf("unexpected servers %v", opts.Servers)
	}
	if opts.ClientID != "evcc-ingest" || opts.Username != "evcc" || opts.Password != "secret" {
		t.Fatalf("unexpected identity %q %q", opts.ClientID, opts.Username)
	}
	if !opts.Order || !opts.AutoReconnect {
		t.Fatalf("expected ordered delivery and auto reconnect, got order=%v reconnect=%v", opts.Order, opts.AutoReconnect)
	}
}

func TestNewSubscriberValidation(t *testing.T) {
	cases := map[string]Config{
		"no host":   {Port: 1883, ClientID: "c", TopicRoot: "evcc"},
		"no port":   {Host: "h", ClientID: "c", TopicRoot: "evcc"},
		"no root":   {Host: "h", Port: 1883, ClientID: "c"},
		"no client": {Host: "h", Port: 1883, TopicRoot: "evcc"},
	}
	for name, cfg := range cases {
		if _, err := NewSubscriber(cfg, &recordingHandler{}, nil); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if _, err := NewSubscriber(testConfig(), nil, nil); err == nil {
		t.Fatal("expected nil handler error")
	}
	if got := (Config{Host: "h", Port: 8883}).BrokerURL(); got != "tcp://h:8883" {
		t.Fatalf("unexpected default broker url %q", got)
	}
}
