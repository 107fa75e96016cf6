//go:build !linux

package radio

import (
	"context"
	"fmt"
	"log/slog"

	"taglocator/internal/model"
)

// BluezRadio is a placeholder on platforms without BlueZ.
type BluezRadio struct{}

// NewBluezRadio is only implemented on Linux/BlueZ hosts.
func NewBluezRadio(adapterID string, logger *slog.Logger) (*BluezRadio, error) {
	return nil, fmt.Errorf("bluez radio is not supported on this platform")
}

func (r *BluezRadio) StartScan(events DiscoveryHandler, onError ScanErrorHandler) error {
	return ErrRadioUnavailable
}

func (r *BluezRadio) StopScan() error { return nil }

func (r *BluezRadio) WatchAdapterState(handler func(model.RadioPowerState)) (func(), error) {
	return nil, ErrRadioUnavailable
}

func (r *BluezRadio) Connect(ctx context.Context, radioID string) (Connection, error) {
	return nil, ErrRadioUnavailable
}
