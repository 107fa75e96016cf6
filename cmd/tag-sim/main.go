// tag-sim simulates a locator tag by publishing synthetic discovery events
// to the broker. Point locatord at the same broker with TAGLOCATOR_RADIO=mqtt
// to run the full engine without radio hardware.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type discoveryPayload struct {
	RadioID        string `json:"radio_id"`
	AdvertisedName string `json:"advertised_name,omitempty"`
	RSSI           int    `json:"rssi"`
	ObservedAt     string `json:"observed_at"`
}

func main() {
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	radioID := flag.String("radio-id", "11:AA:BB:CC:DD:EE", "Simulated tag hardware address")
	name := flag.String("name", "", "Advertised device name (set to ESP32-Locator to drive pairing scans)")
	interval := flag.Duration("interval", 2*time.Second, "Interval between published events")
	baseRSSI := flag.Int("base-rssi", -60, "Baseline RSSI value to simulate")
	rssiJitter := flag.Int("rssi-jitter", 6, "Maximum random jitter applied to RSSI readings")

	flag.Parse()

	clientID := fmt.Sprintf("tag-sim-%d", time.Now().UnixNano())
	opts := mqtt.NewClientOptions().AddBroker(*brokerAddr).SetClientID(clientID)
	opts = opts.SetOrderMatters(false)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("failed to connect to broker: %v", token.Error())
	}
	log.Printf("connected to MQTT broker %s as %s", *brokerAddr, clientID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	publish := func() {
		payload := discoveryPayload{
			RadioID:        *radioID,
			AdvertisedName: *name,
			RSSI:           randomRSSI(*baseRSSI, *rssiJitter),
			ObservedAt:     time.Now().UTC().Format(time.RFC3339Nano),
		}

		data, err := json.Marshal(payload)
		if err != nil {
			log.Printf("failed to encode payload: %v", err)
			return
		}

		token := client.Publish("taglocator/discovery", 0, false, data)
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("publish error: %v", err)
			return
		}
		log.Printf("published %s rssi=%d", payload.RadioID, payload.RSSI)
	}

	publish()

	for {
		select {
		case <-ctx.Done():
			log.Print("received shutdown signal, disconnecting")
			client.Disconnect(250)
			return
		case <-ticker.C:
			publish()
		}
	}
}

func randomRSSI(base, jitter int) int {
	if jitter <= 0 {
		return base
	}
	delta := rand.Intn(jitter*2+1) - jitter
	return base + delta
}
