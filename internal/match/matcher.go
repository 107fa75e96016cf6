// Package match maps raw discovered radio identifiers to registered
// tracked objects.
package match

import (
	"strings"

	"taglocator/internal/model"
	"taglocator/internal/radio"
)

// slotPrefixes is the fixed per-slot address-prefix convention used to
// assist discovery before a tag's first pairing binds its real address.
// Bound radio ids always take precedence over this table.
var slotPrefixes = map[model.TagSlot]string{
	model.SlotTag1: "11:",
	model.SlotTag2: "22:",
	model.SlotTag3: "33:",
}

// Matcher decides which slot a discovery event refers to.
type Matcher struct{}

// New returns a Matcher.
func New() *Matcher {
	return &Matcher{}
}

// Match applies the matching policy in order, first match wins:
// exact bound-id equality, then the per-slot prefix table for unbound
// objects. Advertised-name matching is reserved for the targeted pairing
// flow (MatchPairing). The boolean is false when the event matches nothing.
func (m *Matcher) Match(ev model.DiscoveryEvent, objects []model.TrackedObject) (model.TagSlot, bool) {
	id := strings.ToUpper(ev.RadioID)
	if id == "" {
		return "", false
	}

	for _, o := range objects {
		if o.Bound() && strings.EqualFold(o.RadioID, id) {
			return o.Slot, true
		}
	}

	for _, o := range objects {
		if o.Bound() {
			continue
		}
		prefix, ok := slotPrefixes[o.Slot]
		if ok && strings.HasPrefix(id, prefix) {
			return o.Slot, true
		}
	}

	return "", false
}

// MatchPairing reports whether the event identifies a locator tag during
// the targeted pairing scan: exact advertised-name equality against the
// firmware's device-name constant.
func (m *Matcher) MatchPairing(ev model.DiscoveryEvent) bool {
	return ev.AdvertisedName == radio.DeviceName
}
