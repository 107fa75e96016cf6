// Package radio defines the collaborator contracts the locator engine
// consumes: passive/targeted discovery, connections, command I/O, and
// runtime permissions. Production implementations live in this package;
// the engine packages only see these interfaces.
package radio

import (
	"context"
	"errors"

	"taglocator/internal/model"
)

// ErrRadioUnavailable marks scan or connect failures caused by the adapter
// being powered off or missing. Callers translate it into the RadioOff state.
var ErrRadioUnavailable = errors.New("radio unavailable")

// ErrNotConnected is returned by command operations without an established connection.
var ErrNotConnected = errors.New("not connected")

// DiscoveryHandler receives advertisement observations. Repeated
// advertisements from the same source are re-delivered, not deduplicated.
type DiscoveryHandler func(model.DiscoveryEvent)

// ScanErrorHandler receives an asynchronous scan failure. Delivery means
// the scan is dead: no further events arrive until StartScan is called
// again.
type ScanErrorHandler func(err error)

// Scanner owns a single discovery scan. Implementations deliver events
// asynchronously after StartScan returns; a scan that dies afterwards is
// reported through onError, never by silently going quiet. StopScan
// releases the underlying subscription and must be idempotent.
type Scanner interface {
	StartScan(events DiscoveryHandler, onError ScanErrorHandler) error
	StopScan() error
}

// AdapterWatcher reports radio power transitions. The returned cancel
// function releases the watch.
type AdapterWatcher interface {
	WatchAdapterState(handler func(model.RadioPowerState)) (cancel func(), err error)
}

// Connector establishes connections against a discovered radio identifier.
type Connector interface {
	Connect(ctx context.Context, radioID string) (Connection, error)
}

// Connection is an established link to one tag. At most one exists at a
// time, owned exclusively by the pairing state machine.
type Connection interface {
	// DiscoverCapabilities resolves the locator service and its command and
	// acknowledgement characteristics. Must be called before WriteCommand
	// or SubscribeNotifications.
	DiscoverCapabilities(ctx context.Context) error

	// ReadSignalStrength returns the current RSSI of the link in dBm.
	ReadSignalStrength(ctx context.Context) (int, error)

	// WriteCommand writes a command payload to the given characteristic.
	WriteCommand(serviceUUID, characteristicUUID string, payload []byte) error

	// SubscribeNotifications delivers notification payloads from the given
	// characteristic until the returned cancel function is called.
	SubscribeNotifications(serviceUUID, characteristicUUID string, handler func([]byte)) (cancel func(), err error)

	// OnDisconnected registers a handler invoked once on unsolicited
	// connection loss. A loss that happened before registration invokes the
	// handler immediately, so a drop during connection setup is never
	// swallowed.
	OnDisconnected(handler func())

	// RadioID returns the hardware identifier the connection was made against.
	RadioID() string

	// Close tears the connection down. Idempotent.
	Close() error
}

// Permissions is the runtime permission collaborator. The prompt flow
// itself is external; only the grant/deny outcome reaches the engine.
type Permissions interface {
	RequestRuntimePermissions(ctx context.Context) (bool, error)
}

// StaticPermissions answers every permission request with a fixed outcome.
// The Linux daemon has no runtime prompt, so granted is decided at startup.
type StaticPermissions struct {
	Granted bool
}

func (p StaticPermissions) RequestRuntimePermissions(context.Context) (bool, error) {
	return p.Granted, nil
}
