package radio

// DeviceName is the advertised local name of the locator tag firmware,
// matched during the targeted pairing scan.
const DeviceName = "ESP32-Locator"

// GATT identifiers of the locator service on the tag firmware.
const (
	LocatorServiceUUID = "4fafc201-1fb5-459e-8fcc-c5c9c331914b"
	CommandCharUUID    = "beb5483e-36e1-4688-b7f5-ea07361b26a8"
	AckCharUUID        = "1c95d5e3-d8f7-413a-bf3d-7a2e5d7be87e"
)

// Command tokens written to the command characteristic.
const (
	CmdToggleBuzzer = "TOGGLE_BUZZER"
	CmdToggleLight  = "TOGGLE_LIGHT"
)

// Acknowledgement tokens delivered on the ack characteristic. Matching is
// by token value only; overlapping commands are not correlated.
const (
	AckBuzzerOn  = "BUZZER_ON"
	AckBuzzerOff = "BUZZER_OFF"
	AckLightOn   = "LIGHT_ON"
	AckLightOff  = "LIGHT_OFF"
)
