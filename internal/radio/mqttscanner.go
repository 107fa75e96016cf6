package radio

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"taglocator/internal/model"
)

// DiscoveryTopic is the topic remote scanners publish advertisement
// observations to, one JSON DiscoveryEvent per message.
const DiscoveryTopic = "taglocator/discovery"

// MQTTScanner implements Scanner over a broker subscription, for
// deployments where discovery is performed by remote ESP32 scanners
// instead of the local adapter.
type MQTTScanner struct {
	logger *slog.Logger
	client mqtt.Client

	mu         sync.Mutex
	subscribed bool
	onError    ScanErrorHandler
}

// NewMQTTScanner connects to the broker at brokerURL.
func NewMQTTScanner(brokerURL, clientID string, logger *slog.Logger) (*MQTTScanner, error) {
	s := &MQTTScanner{logger: logger}

	opts := mqtt.NewClientOptions().AddBroker(brokerURL).SetClientID(clientID)
	opts = opts.SetOrderMatters(false)
	// The broker subscription does not survive a reconnect, so a lost
	// connection kills the scan and must be reported out.
	opts = opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.mu.Lock()
		wanted := s.subscribed
		s.subscribed = false
		onError := s.onError
		s.mu.Unlock()
		if !wanted {
			return
		}
		s.logger.Warn("mqtt connection lost", "error", err)
		if onError != nil {
			onError(fmt.Errorf("broker connection lost: %w", err))
		}
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect broker %s: %w", brokerURL, token.Error())
	}
	logger.Info("connected to mqtt broker", "broker", brokerURL, "client_id", clientID)

	s.client = client
	return s, nil
}

// StartScan subscribes to the discovery topic and forwards decoded events.
func (s *MQTTScanner) StartScan(handler DiscoveryHandler, onError ScanErrorHandler) error {
	s.mu.Lock()
	if s.subscribed {
		s.mu.Unlock()
		return nil
	}
	s.subscribed = true
	s.onError = onError
	s.mu.Unlock()

	token := s.client.Subscribe(DiscoveryTopic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var ev model.DiscoveryEvent
		if err := json.Unmarshal(msg.Payload(), &ev); err != nil {
			s.logger.Warn("discovery payload decode failed", "topic", msg.Topic(), "error", err)
			return
		}
		if ev.RadioID == "" {
			s.logger.Warn("discovery payload missing radio id", "topic", msg.Topic())
			return
		}
		if ev.ObservedAt.IsZero() {
			ev.ObservedAt = time.Now().UTC()
		}
		handler(ev)
	})
	token.Wait()
	if err := token.Error(); err != nil {
		s.mu.Lock()
		s.subscribed = false
		s.onError = nil
		s.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", DiscoveryTopic, err)
	}
	return nil
}

// StopScan drops the subscription. Safe to call when no scan is active.
func (s *MQTTScanner) StopScan() error {
	s.mu.Lock()
	if !s.subscribed {
		s.mu.Unlock()
		return nil
	}
	s.subscribed = false
	s.onError = nil
	s.mu.Unlock()

	token := s.client.Unsubscribe(DiscoveryTopic)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", DiscoveryTopic, err)
	}
	return nil
}

// WatchAdapterState always reports the radio as on: broker-fed discovery
// has no adapter power signal of its own.
func (s *MQTTScanner) WatchAdapterState(handler func(model.RadioPowerState)) (func(), error) {
	handler(model.RadioOn)
	return func() {}, nil
}

// Close disconnects from the broker.
func (s *MQTTScanner) Close() {
	s.client.Disconnect(250)
}
