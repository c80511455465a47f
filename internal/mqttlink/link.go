// Package mqttlink connects to the MQTT broker, decodes inbound BLE
// scan reports into RawScanEvents on the shared bus, and exposes a
// Publish method downstream components use for Home Assistant
// discovery and state topics.
//
// The adapter uses Eclipse Paho v2's autopaho package for connection
// management with automatic reconnection. Re-subscription and
// re-advertisement of discovery topics on reconnect is the
// responsibility of downstream subscribers reacting to
// coreevents.MQTTConnectedEvent — the adapter itself only owns the
// scan-topic subscription.
package mqttlink

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/presence-solutions/roomd/internal/config"
	"github.com/presence-solutions/roomd/internal/coreevents"
)

const reconnectBackoff = 3 * time.Second

// Bus is the subset of *events.Bus the adapter depends on.
type Bus interface {
	Publish(ctx context.Context, event any) error
}

// Adapter is the MQTTAdapter component: it owns the broker
// connection, decodes scan reports, and republishes them as
// RawScanEvents.
type Adapter struct {
	cfg        config.MQTTConfig
	instanceID string
	bus        Bus
	logger     *slog.Logger

	cm       *autopaho.ConnectionManager
	rateGate *scannerRateGate
}

// New creates an Adapter but does not connect. Call Start to begin
// the connection loop. A nil logger falls back to slog.Default.
func New(cfg config.MQTTConfig, instanceID string, bus Bus, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{cfg: cfg, instanceID: instanceID, bus: bus, logger: logger}
}

// Start connects to the broker and blocks until ctx is cancelled. On
// every (re-)connect it subscribes to cfg.ScanTopic and publishes
// coreevents.MQTTConnectedEvent; on disconnect it publishes
// coreevents.MQTTDisconnectedEvent. autopaho retries with a fixed
// backoff forever — there is no terminal connection failure.
func (a *Adapter) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(a.cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("mqttlink: parse broker url: %w", err)
	}

	clientID := a.cfg.ClientID
	if clientID == "" {
		clientID = "roomd"
		if a.instanceID != "" {
			suffix := a.instanceID
			if len(suffix) > 8 {
				suffix = suffix[:8]
			}
			clientID = "roomd-" + suffix
		}
	}

	a.rateGate = newScannerRateGate(500, time.Second, a.logger)
	go a.rateGate.start(ctx)

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:        []*url.URL{brokerURL},
		KeepAlive:         30,
		ConnectRetryDelay: reconnectBackoff,
		ConnectUsername:   a.cfg.Username,
		ConnectPassword:   []byte(a.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			a.logger.Info("mqttlink connected to broker", "broker", a.cfg.BrokerURL)
			subCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			a.subscribe(subCtx, cm)
			a.bus.Publish(context.Background(), coreevents.MQTTConnectedEvent{})
		},
		OnConnectError: func(err error) {
			a.logger.Warn("mqttlink connection error", "error", err)
			a.bus.Publish(context.Background(), coreevents.MQTTDisconnectedEvent{Err: err})
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
			OnClientError: func(err error) {
				a.logger.Warn("mqttlink client error", "error", err)
				a.bus.Publish(context.Background(), coreevents.MQTTDisconnectedEvent{Err: err})
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				a.logger.Warn("mqttlink server disconnect", "reason_code", d.ReasonCode)
				a.bus.Publish(context.Background(), coreevents.MQTTDisconnectedEvent{})
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqttlink: connect: %w", err)
	}
	a.cm = cm

	cm.AddOnPublishReceived(func(pr autopaho.PublishReceived) (bool, error) {
		topic := pr.Packet.Topic
		if scannerUUID, ok := scannerUUIDFromTopic(topic); ok && !a.rateGate.allow(scannerUUID) {
			return true, nil
		}
		a.handleMessage(topic, pr.Packet.Payload)
		return true, nil
	})

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		a.logger.Warn("mqttlink initial connection timed out, will retry in background", "error", err)
	}

	<-ctx.Done()
	return nil
}

func (a *Adapter) handleMessage(topic string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("mqttlink message handler panicked", "topic", topic, "panic", r)
		}
	}()

	a.logger.Log(context.Background(), config.LevelWire, "mqttlink message received", "topic", topic, "bytes", len(payload))

	scannerUUID, ok := scannerUUIDFromTopic(topic)
	if !ok {
		return
	}

	scan, err := decodeScan(scannerUUID, payload, time.Now())
	if err != nil {
		a.logger.Warn("mqttlink dropping malformed scan", "topic", topic, "error", err)
		return
	}

	a.bus.Publish(context.Background(), coreevents.RawScanEvent{Scan: scan})
}

func (a *Adapter) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	topic := a.cfg.ScanTopic
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 0}},
	}); err != nil {
		a.logger.Error("mqttlink subscribe failed", "topic", topic, "error", err)
		return
	}
	a.logger.Info("mqttlink subscribed", "topic", topic)
}

// Publish sends payload to topic at QoS 1 with the given retain flag. Used by downstream
// components (the occupancy sensor) for Home Assistant discovery and
// state topics.
func (a *Adapter) Publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	if a.cm == nil {
		return fmt.Errorf("mqttlink: adapter not started")
	}
	_, err := a.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  retain,
	})
	if err != nil {
		return fmt.Errorf("mqttlink: publish %s: %w", topic, err)
	}
	return nil
}

// Disconnect gracefully closes the broker connection.
func (a *Adapter) Disconnect(ctx context.Context) error {
	if a.cm == nil {
		return nil
	}
	return a.cm.Disconnect(ctx)
}
