package proximity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"taglocator/internal/model"
)

// SignalReader reads the link RSSI of an established connection.
type SignalReader func(ctx context.Context) (int, error)

// Poller drives active-poll mode for the one connected slot: periodic
// direct RSSI reads replace passive discovery updates while it runs.
type Poller struct {
	Tracker   *Tracker
	Interval  time.Duration
	LostBelow int
	Logger    *slog.Logger
}

// Run polls until ctx is cancelled or the connection is considered lost.
// A read error or a reading below the lost threshold signals loss via
// onLost and stops the loop; the reading is not silently written as
// unknown. The first read happens one interval after start.
func (p *Poller) Run(ctx context.Context, slot model.TagSlot, read SignalReader, onLost func(error)) {
	interval := p.Interval
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rssi, err := read(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				p.Logger.Warn("rssi read failed", "slot", slot, "error", err)
				onLost(fmt.Errorf("rssi read: %w", err))
				return
			}
			if rssi < p.LostBelow {
				p.Logger.Info("rssi below lost threshold", "slot", slot, "rssi", rssi, "threshold", p.LostBelow)
				onLost(fmt.Errorf("rssi %d below lost threshold %d", rssi, p.LostBelow))
				return
			}
			p.Tracker.Update(slot, rssi)
		}
	}
}
