//go:build linux

package radio

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	dbus "github.com/godbus/dbus/v5"
	"tinygo.org/x/bluetooth"

	"taglocator/internal/model"
)

const (
	bluezService  = "org.bluez"
	adapterIface  = "org.bluez.Adapter1"
	deviceIface   = "org.bluez.Device1"
	propsIface    = "org.freedesktop.DBus.Properties"
	propsChanged  = "PropertiesChanged"
	connectWindow = 10 * time.Second
)

// BluezRadio implements Scanner, AdapterWatcher, and Connector on the local
// BlueZ adapter. Scan delivery rides tinygo's callback; the adapter power
// watch and connected-RSSI reads go through the BlueZ D-Bus properties,
// which tinygo does not expose.
type BluezRadio struct {
	logger    *slog.Logger
	adapterID string
	adapter   *bluetooth.Adapter

	mu       sync.Mutex
	bus      *dbus.Conn
	scanning bool
	active   *bluezConn
}

// NewBluezRadio enables the default adapter and connects the system bus.
func NewBluezRadio(adapterID string, logger *slog.Logger) (*BluezRadio, error) {
	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("enable adapter: %w: %v", ErrRadioUnavailable, err)
	}

	bus, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}

	r := &BluezRadio{
		logger:    logger,
		adapterID: adapterID,
		adapter:   adapter,
		bus:       bus,
	}

	adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		r.mu.Lock()
		conn := r.active
		r.mu.Unlock()
		if conn != nil && strings.EqualFold(conn.radioID, device.Address.String()) {
			conn.notifyDisconnected()
		}
	})

	return r, nil
}

// StartScan begins advertisement delivery. The tinygo scan loop blocks, so
// it runs on its own goroutine; events are handed off as they arrive. A
// loop that exits with an error while the scan is still wanted is reported
// through onError.
func (r *BluezRadio) StartScan(events DiscoveryHandler, onError ScanErrorHandler) error {
	r.mu.Lock()
	if r.scanning {
		r.mu.Unlock()
		return nil
	}
	r.scanning = true
	r.mu.Unlock()

	go func() {
		err := r.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			events(model.DiscoveryEvent{
				RadioID:        strings.ToUpper(result.Address.String()),
				AdvertisedName: result.LocalName(),
				RSSI:           int(result.RSSI),
				ObservedAt:     time.Now().UTC(),
			})
		})
		r.mu.Lock()
		wanted := r.scanning
		r.scanning = false
		r.mu.Unlock()
		if err != nil && wanted {
			r.logger.Warn("scan loop terminated", "error", err)
			if onError != nil {
				onError(err)
			}
		}
	}()

	return nil
}

// StopScan releases the scan. Safe to call when no scan is active.
func (r *BluezRadio) StopScan() error {
	r.mu.Lock()
	if !r.scanning {
		r.mu.Unlock()
		return nil
	}
	r.scanning = false
	r.mu.Unlock()

	if err := r.adapter.StopScan(); err != nil {
		return fmt.Errorf("stop scan: %w", err)
	}
	return nil
}

// WatchAdapterState delivers power transitions from the BlueZ Adapter1
// Powered property until the returned cancel function is called.
func (r *BluezRadio) WatchAdapterState(handler func(model.RadioPowerState)) (func(), error) {
	path := dbus.ObjectPath("/org/bluez/" + r.adapterID)

	opts := []dbus.MatchOption{
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember(propsChanged),
		dbus.WithMatchObjectPath(path),
	}
	if err := r.bus.AddMatchSignal(opts...); err != nil {
		return nil, fmt.Errorf("watch adapter state: %w", err)
	}

	signals := make(chan *dbus.Signal, 8)
	r.bus.Signal(signals)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case sig, ok := <-signals:
				if !ok {
					return
				}
				state, ok := poweredState(sig)
				if ok {
					handler(state)
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = r.bus.RemoveMatchSignal(opts...)
			r.bus.RemoveSignal(signals)
		})
	}
	return cancel, nil
}

func poweredState(sig *dbus.Signal) (model.RadioPowerState, bool) {
	if sig == nil || len(sig.Body) < 2 {
		return model.RadioUnknown, false
	}
	iface, ok := sig.Body[0].(string)
	if !ok || iface != adapterIface {
		return model.RadioUnknown, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return model.RadioUnknown, false
	}
	v, ok := changed["Powered"]
	if !ok {
		return model.RadioUnknown, false
	}
	powered, ok := v.Value().(bool)
	if !ok {
		return model.RadioUnknown, false
	}
	if powered {
		return model.RadioOn, true
	}
	return model.RadioOff, true
}

// Connect establishes a link to the given hardware address.
func (r *BluezRadio) Connect(ctx context.Context, radioID string) (Connection, error) {
	mac, err := bluetooth.ParseMAC(radioID)
	if err != nil {
		return nil, fmt.Errorf("parse radio id %q: %w", radioID, err)
	}
	addr := bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}

	dev, err := r.adapter.Connect(addr, bluetooth.ConnectionParams{
		ConnectionTimeout: bluetooth.NewDuration(connectWindow),
	})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", radioID, err)
	}
	if err := ctx.Err(); err != nil {
		_ = dev.Disconnect()
		return nil, err
	}

	conn := &bluezConn{
		radio:   r,
		dev:     dev,
		radioID: strings.ToUpper(radioID),
		path:    devicePath(r.adapterID, radioID),
	}

	r.mu.Lock()
	r.active = conn
	r.mu.Unlock()

	return conn, nil
}

func devicePath(adapterID, radioID string) dbus.ObjectPath {
	mac := strings.ReplaceAll(strings.ToUpper(radioID), ":", "_")
	return dbus.ObjectPath("/org/bluez/" + adapterID + "/dev_" + mac)
}

type bluezConn struct {
	radio   *BluezRadio
	dev     bluetooth.Device
	radioID string
	path    dbus.ObjectPath

	mu           sync.Mutex
	chars        map[string]bluetooth.DeviceCharacteristic
	onDisconnect func()
	dropped      bool
	closed       bool
}

func (c *bluezConn) RadioID() string { return c.radioID }

// DiscoverCapabilities resolves the locator service and its characteristics.
func (c *bluezConn) DiscoverCapabilities(ctx context.Context) error {
	svcUUID, err := bluetooth.ParseUUID(LocatorServiceUUID)
	if err != nil {
		return fmt.Errorf("parse service uuid: %w", err)
	}

	services, err := c.dev.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return fmt.Errorf("discover services: %w", err)
	}
	if len(services) == 0 {
		return fmt.Errorf("locator service %s not present", LocatorServiceUUID)
	}

	chars, err := services[0].DiscoverCharacteristics(nil)
	if err != nil {
		return fmt.Errorf("discover characteristics: %w", err)
	}

	resolved := make(map[string]bluetooth.DeviceCharacteristic, len(chars))
	for _, ch := range chars {
		resolved[strings.ToLower(ch.UUID().String())] = ch
	}
	for _, want := range []string{CommandCharUUID, AckCharUUID} {
		if _, ok := resolved[strings.ToLower(want)]; !ok {
			return fmt.Errorf("characteristic %s not present", want)
		}
	}

	c.mu.Lock()
	c.chars = resolved
	c.mu.Unlock()
	return nil
}

// ReadSignalStrength reads the Device1 RSSI property for the connected tag.
func (c *bluezConn) ReadSignalStrength(ctx context.Context) (int, error) {
	obj := c.radio.bus.Object(bluezService, c.path)
	v, err := obj.GetProperty(deviceIface + ".RSSI")
	if err != nil {
		return 0, fmt.Errorf("read rssi: %w", err)
	}
	rssi, ok := v.Value().(int16)
	if !ok {
		return 0, fmt.Errorf("read rssi: unexpected type %T", v.Value())
	}
	return int(rssi), nil
}

func (c *bluezConn) characteristic(uuid string) (bluetooth.DeviceCharacteristic, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.chars[strings.ToLower(uuid)]
	if !ok {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("characteristic %s not discovered", uuid)
	}
	return ch, nil
}

func (c *bluezConn) WriteCommand(serviceUUID, characteristicUUID string, payload []byte) error {
	ch, err := c.characteristic(characteristicUUID)
	if err != nil {
		return err
	}
	if _, err := ch.WriteWithoutResponse(payload); err != nil {
		return fmt.Errorf("write command: %w", err)
	}
	return nil
}

func (c *bluezConn) SubscribeNotifications(serviceUUID, characteristicUUID string, handler func([]byte)) (func(), error) {
	ch, err := c.characteristic(characteristicUUID)
	if err != nil {
		return nil, err
	}
	if err := ch.EnableNotifications(func(buf []byte) {
		handler(buf)
	}); err != nil {
		return nil, fmt.Errorf("enable notifications: %w", err)
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			_ = ch.EnableNotifications(nil)
		})
	}
	return cancel, nil
}

func (c *bluezConn) OnDisconnected(handler func()) {
	c.mu.Lock()
	// A drop that beat the registration fires the handler right away.
	if c.dropped && !c.closed && handler != nil {
		c.mu.Unlock()
		handler()
		return
	}
	c.onDisconnect = handler
	c.mu.Unlock()
}

func (c *bluezConn) notifyDisconnected() {
	c.mu.Lock()
	c.dropped = true
	handler := c.onDisconnect
	c.onDisconnect = nil
	c.mu.Unlock()
	if handler != nil {
		handler()
	}
}

// Close tears the connection down. Idempotent.
func (c *bluezConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.onDisconnect = nil
	c.mu.Unlock()

	c.radio.mu.Lock()
	if c.radio.active == c {
		c.radio.active = nil
	}
	c.radio.mu.Unlock()

	if err := c.dev.Disconnect(); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	return nil
}
