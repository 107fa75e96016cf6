package radio

import (
	"context"
	"fmt"
)

// NoConnector is used when discovery is broker-fed: remote scanners cannot
// establish GATT connections, so pairing is unavailable.
type NoConnector struct{}

func (NoConnector) Connect(ctx context.Context, radioID string) (Connection, error) {
	return nil, fmt.Errorf("pairing requires the local adapter")
}
