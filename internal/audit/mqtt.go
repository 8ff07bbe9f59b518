package audit

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/quill/internal/config"
)

// ErrNotConnected is returned by MQTTSink.Log before Start has run.
var ErrNotConnected = errors.New("mqtt audit sink not started")

// MQTTSink publishes entries as JSON to <prefix>/audit/<tool>.
type MQTTSink struct {
	cfg    config.MQTTConfig
	logger *slog.Logger

	mu sync.RWMutex
	cm *autopaho.ConnectionManager
}

// NewMQTTSink creates a sink but does not connect. Call Start to begin
// the connection.
func NewMQTTSink(cfg config.MQTTConfig, logger *slog.Logger) *MQTTSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTSink{cfg: cfg, logger: logger.With("component", "mqtt_audit")}
}

// Start connects to the broker and blocks until ctx is cancelled. The
// connection manager reconnects in the background; publishes while the
// broker is unreachable fail and are logged by the caller.
func (s *MQTTSink) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(s.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := s.cfg.TopicPrefix + "/availability"
	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: s.cfg.Username,
		ConnectPassword: []byte(s.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			s.logger.Info("mqtt connected to broker", "broker", s.cfg.Broker)
			if _, err := cm.Publish(ctx, &paho.Publish{
				Topic: availTopic, Payload: []byte("online"), QoS: 1, Retain: true,
			}); err != nil {
				s.logger.Warn("mqtt availability publish failed", "error", err)
			}
		},
		OnConnectError: func(err error) {
			s.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: s.cfg.ClientID,
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	s.mu.Lock()
	s.cm = cm
	s.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		s.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cm.Publish(stopCtx, &paho.Publish{
		Topic: availTopic, Payload: []byte("offline"), QoS: 1, Retain: true,
	}); err != nil {
		s.logger.Debug("mqtt offline publish failed", "error", err)
	}
	if err := cm.Disconnect(stopCtx); err != nil {
		s.logger.Debug("mqtt disconnect failed", "error", err)
	}
	<-cm.Done()
	return nil
}

// Topic returns the topic an entry for tool is published on.
func (s *MQTTSink) Topic(tool string) string {
	return s.cfg.TopicPrefix + "/audit/" + tool
}

// Log implements Sink.
func (s *MQTTSink) Log(ctx context.Context, e Entry) error {
	s.mu.RLock()
	cm := s.cm
	s.mu.RUnlock()
	if cm == nil {
		return ErrNotConnected
	}

	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cm.Publish(pubCtx, &paho.Publish{
		Topic:   s.Topic(e.ToolName),
		Payload: payload,
		QoS:     1,
	}); err != nil {
		return fmt.Errorf("publish audit entry: %w", err)
	}
	return nil
}
