// Package proximity holds the latest signal-strength reading per slot and
// classifies readings into display bands.
package proximity

import (
	"sync"
	"time"

	"taglocator/internal/model"
)

// Band is a human-meaningful proximity label.
type Band string

const (
	BandVeryNear Band = "very near"
	BandNear     Band = "near"
	BandFar      Band = "far"
	BandNA       Band = "n/a"
)

// Classification thresholds in dBm. Policy constants, not protocol: the
// only hard requirement is monotonicity.
const (
	veryNearThreshold = -40
	nearThreshold     = -50
)

// Classify maps a signal strength to its display band.
func Classify(rssi int) Band {
	switch {
	case rssi >= veryNearThreshold:
		return BandVeryNear
	case rssi >= nearThreshold:
		return BandNear
	default:
		return BandFar
	}
}

// Reading is the current best-known signal strength for one slot.
// Known is false while the slot is not currently observed.
type Reading struct {
	Slot      model.TagSlot `json:"slot"`
	RSSI      int           `json:"rssi"`
	Known     bool          `json:"known"`
	Band      Band          `json:"band"`
	UpdatedAt time.Time     `json:"updated_at,omitempty"`
}

// Tracker maintains one reading per slot, last-write-wins.
type Tracker struct {
	mu       sync.Mutex
	readings map[model.TagSlot]Reading
}

// NewTracker returns a Tracker with every slot unknown.
func NewTracker() *Tracker {
	t := &Tracker{readings: make(map[model.TagSlot]Reading, len(model.Slots))}
	for _, slot := range model.Slots {
		t.readings[slot] = Reading{Slot: slot, Band: BandNA}
	}
	return t
}

// Update overwrites the slot's reading unconditionally with the most
// recent observation. No smoothing or averaging is applied.
func (t *Tracker) Update(slot model.TagSlot, rssi int) {
	if !slot.Valid() {
		return
	}
	t.mu.Lock()
	t.readings[slot] = Reading{
		Slot:      slot,
		RSSI:      rssi,
		Known:     true,
		Band:      Classify(rssi),
		UpdatedAt: time.Now().UTC(),
	}
	t.mu.Unlock()
}

// Reset marks the slot as not currently observed.
func (t *Tracker) Reset(slot model.TagSlot) {
	if !slot.Valid() {
		return
	}
	t.mu.Lock()
	t.readings[slot] = Reading{Slot: slot, Band: BandNA, UpdatedAt: time.Now().UTC()}
	t.mu.Unlock()
}

// ResetAll clears every slot, applied whenever the radio powers off.
func (t *Tracker) ResetAll() {
	t.mu.Lock()
	for _, slot := range model.Slots {
		t.readings[slot] = Reading{Slot: slot, Band: BandNA, UpdatedAt: time.Now().UTC()}
	}
	t.mu.Unlock()
}

// Reading returns the current reading for one slot.
func (t *Tracker) Reading(slot model.TagSlot) Reading {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.readings[slot]
}

// Snapshot returns the readings for all slots in display order.
func (t *Tracker) Snapshot() []Reading {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Reading, 0, len(model.Slots))
	for _, slot := range model.Slots {
		out = append(out, t.readings[slot])
	}
	return out
}
