package model

import (
	"fmt"
	"time"
)

// TagSlot is one of the three fixed logical positions a tracked object may occupy.
type TagSlot string

const (
	SlotTag1 TagSlot = "tag1"
	SlotTag2 TagSlot = "tag2"
	SlotTag3 TagSlot = "tag3"
)

// Slots lists every valid slot in display order.
var Slots = []TagSlot{SlotTag1, SlotTag2, SlotTag3}

// MaxTrackedObjects is the registration capacity of the system.
const MaxTrackedObjects = 3

// Valid reports whether s names one of the three fixed slots.
func (s TagSlot) Valid() bool {
	switch s {
	case SlotTag1, SlotTag2, SlotTag3:
		return true
	}
	return false
}

// TrackedObject is a user-registered entity to locate.
// RadioID is empty until the first successful pairing binds it.
type TrackedObject struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Slot        TagSlot   `json:"slot"`
	Password    string    `json:"-"`
	RadioID     string    `json:"radio_id,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

// Bound reports whether a hardware identifier has been learned for this object.
func (o TrackedObject) Bound() bool {
	return o.RadioID != ""
}

// Validate checks the registration constraints on a single object.
func (o TrackedObject) Validate() error {
	if o.Name == "" {
		return fmt.Errorf("name must not be empty")
	}
	if !o.Slot.Valid() {
		return fmt.Errorf("invalid slot %q", o.Slot)
	}
	if n := len(o.Password); n < 1 || n > 6 {
		return fmt.Errorf("password must be 1-6 characters, got %d", n)
	}
	return nil
}

// ValidateSet checks the collection invariants: at most three members,
// unique slots, and any bound radio id identifying exactly one object.
func ValidateSet(objects []TrackedObject) error {
	if len(objects) > MaxTrackedObjects {
		return fmt.Errorf("at most %d objects may be registered, got %d", MaxTrackedObjects, len(objects))
	}
	slots := make(map[TagSlot]struct{}, len(objects))
	radioIDs := make(map[string]TagSlot, len(objects))
	for _, o := range objects {
		if err := o.Validate(); err != nil {
			return fmt.Errorf("object %q: %w", o.Name, err)
		}
		if _, dup := slots[o.Slot]; dup {
			return fmt.Errorf("slot %s registered twice", o.Slot)
		}
		slots[o.Slot] = struct{}{}
		if o.RadioID != "" {
			if other, dup := radioIDs[o.RadioID]; dup {
				return fmt.Errorf("radio id %s bound to both %s and %s", o.RadioID, other, o.Slot)
			}
			radioIDs[o.RadioID] = o.Slot
		}
	}
	return nil
}

// DiscoveryEvent is a single ephemeral radio advertisement observation.
type DiscoveryEvent struct {
	RadioID        string    `json:"radio_id"`
	AdvertisedName string    `json:"advertised_name,omitempty"`
	RSSI           int       `json:"rssi"`
	ObservedAt     time.Time `json:"observed_at"`
}

// RadioPowerState reflects the underlying adapter power state.
type RadioPowerState string

const (
	RadioOn      RadioPowerState = "on"
	RadioOff     RadioPowerState = "off"
	RadioUnknown RadioPowerState = "unknown"
)

// AppState is the host application lifecycle state reported by the shell.
type AppState string

const (
	AppActive     AppState = "active"
	AppInactive   AppState = "inactive"
	AppBackground AppState = "background"
)

// Valid reports whether s is a lifecycle state the engine understands.
func (s AppState) Valid() bool {
	switch s {
	case AppActive, AppInactive, AppBackground:
		return true
	}
	return false
}
