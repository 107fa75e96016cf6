package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTrackedObjectValidate(t *testing.T) {
	tests := []struct {
		name    string
		obj     TrackedObject
		wantErr bool
	}{
		{
			name: "valid",
			obj:  TrackedObject{Name: "keys", Slot: SlotTag1, Password: "1234"},
		},
		{
			name:    "empty name",
			obj:     TrackedObject{Slot: SlotTag1, Password: "1234"},
			wantErr: true,
		},
		{
			name:    "invalid slot",
			obj:     TrackedObject{Name: "keys", Slot: "tag9", Password: "1234"},
			wantErr: true,
		},
		{
			name:    "empty password",
			obj:     TrackedObject{Name: "keys", Slot: SlotTag1},
			wantErr: true,
		},
		{
			name:    "password too long",
			obj:     TrackedObject{Name: "keys", Slot: SlotTag1, Password: "1234567"},
			wantErr: true,
		},
		{
			name: "single character password",
			obj:  TrackedObject{Name: "keys", Slot: SlotTag1, Password: "1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.obj.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestValidateSet(t *testing.T) {
	valid := []TrackedObject{
		{Name: "keys", Slot: SlotTag1, Password: "1111"},
		{Name: "wallet", Slot: SlotTag2, Password: "2222"},
		{Name: "bag", Slot: SlotTag3, Password: "3333"},
	}
	require.NoError(t, ValidateSet(valid))

	dupSlot := []TrackedObject{
		{Name: "keys", Slot: SlotTag1, Password: "1111"},
		{Name: "wallet", Slot: SlotTag1, Password: "2222"},
	}
	require.Error(t, ValidateSet(dupSlot))

	tooMany := append(valid, TrackedObject{Name: "extra", Slot: SlotTag1, Password: "4444"})
	require.Error(t, ValidateSet(tooMany))

	dupRadio := []TrackedObject{
		{Name: "keys", Slot: SlotTag1, Password: "1111", RadioID: "AA:BB:CC:DD:EE:FF"},
		{Name: "wallet", Slot: SlotTag2, Password: "2222", RadioID: "AA:BB:CC:DD:EE:FF"},
	}
	require.Error(t, ValidateSet(dupRadio))
}

func TestTagSlotValid(t *testing.T) {
	for _, slot := range Slots {
		require.True(t, slot.Valid())
	}
	require.False(t, TagSlot("tag4").Valid())
	require.False(t, TagSlot("").Valid())
}
