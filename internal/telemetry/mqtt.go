// Package telemetry publishes session lifecycle events over MQTT.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/botlink/internal/config"
	"github.com/energizer-project/botlink/internal/events"
	"github.com/energizer-project/botlink/internal/util"
)

const defaultTopicPrefix = "botlink"

// MQTTHandler publishes lifecycle events to an MQTT broker, one topic per
// session: <prefix>/<session>/lifecycle.
type MQTTHandler struct {
	mu sync.Mutex

	cfg    config.MQTTConfig
	client mqtt.Client
	prefix string

	// Metadata included in every message
	metadata map[string]interface{}

	detach []func()
}

// NewMQTTHandler creates a handler for the configured broker.
func NewMQTTHandler(cfg config.MQTTConfig, version string) (*MQTTHandler, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	h := util.DescribeHost(context.Background())
	metadata := map[string]interface{}{
		"hostname":    h.Hostname,
		"goos":        h.GOOS,
		"distro":      h.Distro,
		"cpus":        h.CPUs,
		"memory_mb":   h.MemoryMB,
		"app_version": version,
	}

	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerURL, cfg.Port))

	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("botlink-%s", h.Hostname))
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(false)

	if cfg.UseTLS {
		tlsConfig, err := buildTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Msg("MQTT connected")
	})

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	return newHandler(cfg, mqtt.NewClient(opts), metadata), nil
}

func newHandler(cfg config.MQTTConfig, client mqtt.Client, metadata map[string]interface{}) *MQTTHandler {
	prefix := strings.Trim(cfg.TopicPrefix, "/")
	if prefix == "" {
		prefix = defaultTopicPrefix
	}
	return &MQTTHandler{
		cfg:      cfg,
		client:   client,
		prefix:   prefix,
		metadata: metadata,
	}
}

func buildTLSConfig(cfg config.MQTTConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	// mTLS: load client certificate
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read MQTT CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}

// Attach publishes every event on feed until Start returns.
func (h *MQTTHandler) Attach(feed *events.Feed[events.Lifecycle]) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detach = append(h.detach, feed.Subscribe("mqtt", h.onLifecycle))
}

// Start connects to the broker and blocks until ctx is cancelled.
func (h *MQTTHandler) Start(ctx context.Context) error {
	log.Info().
		Str("broker", h.cfg.BrokerURL).
		Int("port", h.cfg.Port).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	<-ctx.Done()

	h.mu.Lock()
	for _, detach := range h.detach {
		detach()
	}
	h.detach = nil
	h.mu.Unlock()

	h.PublishShutdown()
	h.client.Disconnect(5000)
	log.Info().Msg("MQTT disconnected")

	return nil
}

// LifecycleTopic returns the topic lifecycle events of session go to.
func (h *MQTTHandler) LifecycleTopic(session string) string {
	return fmt.Sprintf("%s/%s/lifecycle", h.prefix, session)
}

// AdminTopic returns the topic for process-level messages.
func (h *MQTTHandler) AdminTopic() string {
	return h.prefix + "/admin"
}

func (h *MQTTHandler) onLifecycle(e events.Lifecycle) {
	h.publish(h.LifecycleTopic(e.Session), e)
}

// publish sends a JSON message to an MQTT topic.
func (h *MQTTHandler) publish(topic string, payload interface{}) {
	if !h.client.IsConnected() {
		return
	}

	data, err := json.Marshal(h.buildMessage(payload))
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := h.client.Publish(topic, 1, false, data) // QoS 1
	go func() {
		token.Wait()
		if token.Error() != nil {
			log.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// buildMessage combines metadata with the event payload.
func (h *MQTTHandler) buildMessage(payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(h.metadata)+2)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return msg
}

// PublishShutdown sends a shutdown message to the admin topic.
func (h *MQTTHandler) PublishShutdown() {
	h.publish(h.AdminTopic(), map[string]interface{}{
		"event": "shutdown",
	})
}
