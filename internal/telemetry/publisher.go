// Package telemetry publishes proximity readings and pairing events over
// MQTT for home-automation consumers.
package telemetry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"taglocator/internal/model"
	"taglocator/internal/pairing"
	"taglocator/internal/proximity"
)

// Publisher is a thin MQTT client. A nil Publisher is a no-op, so wiring
// stays unconditional when no broker is configured.
type Publisher struct {
	logger *slog.Logger
	client mqtt.Client
}

// New connects to the broker at brokerURL.
func New(brokerURL, clientID string, logger *slog.Logger) (*Publisher, error) {
	opts := mqtt.NewClientOptions().AddBroker(brokerURL).SetClientID(clientID)
	opts = opts.SetOrderMatters(false)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect broker %s: %w", brokerURL, token.Error())
	}
	logger.Info("telemetry publisher connected", "broker", brokerURL, "client_id", clientID)

	return &Publisher{logger: logger, client: client}, nil
}

// PublishReading publishes a proximity reading to taglocator/<slot>/proximity.
func (p *Publisher) PublishReading(reading proximity.Reading) {
	if p == nil {
		return
	}

	data, err := json.Marshal(reading)
	if err != nil {
		p.logger.Error("encode reading failed", "error", err)
		return
	}

	topic := fmt.Sprintf("taglocator/%s/proximity", reading.Slot)
	token := p.client.Publish(topic, 0, false, data)
	token.Wait()
	if err := token.Error(); err != nil {
		p.logger.Warn("publish reading failed", "topic", topic, "error", err)
	}
}

// PublishPairingEvent publishes a pairing transition to taglocator/<slot>/pairing.
func (p *Publisher) PublishPairingEvent(ev pairing.Event) {
	if p == nil {
		return
	}

	payload := struct {
		SessionID string        `json:"session_id"`
		Slot      model.TagSlot `json:"slot"`
		State     pairing.State `json:"state"`
		Error     string        `json:"error,omitempty"`
		At        time.Time     `json:"at"`
	}{
		SessionID: ev.SessionID,
		Slot:      ev.Slot,
		State:     ev.State,
		At:        time.Now().UTC(),
	}
	if ev.Err != nil {
		payload.Error = ev.Err.Error()
	}

	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("encode pairing event failed", "error", err)
		return
	}

	topic := fmt.Sprintf("taglocator/%s/pairing", ev.Slot)
	token := p.client.Publish(topic, 0, false, data)
	token.Wait()
	if err := token.Error(); err != nil {
		p.logger.Warn("publish pairing event failed", "topic", topic, "error", err)
	}
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	p.client.Disconnect(250)
}
