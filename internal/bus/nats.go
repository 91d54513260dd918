package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig holds connection settings for the lifecycle bridge.
type NATSConfig struct {
	URL            string        `yaml:"url"`
	Name           string        `yaml:"name"`
	Token          string        `yaml:"token"`
	SubjectPrefix  string        `yaml:"subject_prefix"`
	ReconnectWait  time.Duration `yaml:"reconnect_wait"`
	MaxReconnects  int           `yaml:"max_reconnects"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// DefaultNATSConfig returns configuration with reconnect defaults filled in.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:            nats.DefaultURL,
		SubjectPrefix:  "coordq",
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 5 * time.Second,
	}
}

// Publisher is the subset of *nats.Conn the bridge needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// ConnectNATS dials the configured NATS server.
func ConnectNATS(cfg NATSConfig) (*nats.Conn, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	opts := []nats.Option{
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return conn, nil
}

// NATSBridge forwards task.* events from the in-process bus to NATS subjects
// named <prefix>.<topic> so other processes can observe task lifecycles.
type NATSBridge struct {
	bus    *Bus
	pub    Publisher
	prefix string
	logger *slog.Logger
}

// NewNATSBridge builds a bridge. An empty prefix publishes topics unprefixed.
func NewNATSBridge(b *Bus, pub Publisher, prefix string, logger *slog.Logger) *NATSBridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSBridge{
		bus:    b,
		pub:    pub,
		prefix: strings.Trim(prefix, "."),
		logger: logger,
	}
}

// Subject maps a bus topic onto its NATS subject.
func (n *NATSBridge) Subject(topic string) string {
	if n.prefix == "" {
		return topic
	}
	return n.prefix + "." + topic
}

// Run forwards events until ctx is done. Publish failures are logged and the
// event is dropped.
func (n *NATSBridge) Run(ctx context.Context) error {
	sub := n.bus.Subscribe(TopicTaskPrefix)
	defer n.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Ch():
			if !ok {
				return nil
			}
			data, err := json.Marshal(ev.Payload)
			if err != nil {
				n.logger.Warn("nats bridge marshal failed", "topic", ev.Topic, "error", err)
				continue
			}
			if err := n.pub.Publish(n.Subject(ev.Topic), data); err != nil {
				n.logger.Warn("nats bridge publish failed", "topic", ev.Topic, "error", err)
			}
		}
	}
}
