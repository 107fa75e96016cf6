package pairing

import (
	"fmt"
	"strings"
	"time"

	"taglocator/internal/radio"
)

// CommandStatus is the observable state of the command channel. Pending
// clears on a matching acknowledgement or after the ack timeout; the
// timeout path leaves the last-known device state unchanged.
type CommandStatus struct {
	Pending        bool   `json:"pending"`
	PendingCommand string `json:"pending_command,omitempty"`
	BuzzerOn       bool   `json:"buzzer_on"`
	LightOn        bool   `json:"light_on"`
}

// Send writes a command token to the connected tag. It fails fast with
// ErrNotConnected outside the Connected state.
//
// Acknowledgements are matched by fixed tokens, not sequence numbers;
// overlapping commands are not correlated with their acks.
func (m *Machine) Send(command string) error {
	switch command {
	case radio.CmdToggleBuzzer, radio.CmdToggleLight:
	default:
		return fmt.Errorf("unknown command %q", command)
	}

	m.mu.Lock()
	if m.state != StateConnected || m.conn == nil {
		m.mu.Unlock()
		return radio.ErrNotConnected
	}
	conn := m.conn
	if m.pendingTimer != nil {
		m.pendingTimer.Stop()
	}
	m.pendingCmd = command
	m.pendingTimer = time.AfterFunc(m.cfg.AckTimeout, func() {
		m.onAckTimeout(command)
	})
	m.mu.Unlock()

	if err := conn.WriteCommand(radio.LocatorServiceUUID, radio.CommandCharUUID, []byte(command)); err != nil {
		m.mu.Lock()
		if m.pendingCmd == command {
			if m.pendingTimer != nil {
				m.pendingTimer.Stop()
				m.pendingTimer = nil
			}
			m.pendingCmd = ""
		}
		m.mu.Unlock()
		return fmt.Errorf("send %s: %w", command, err)
	}

	m.logger.Info("command sent", "command", command)
	return nil
}

// CommandStatus returns the current command channel state.
func (m *Machine) CommandStatus() CommandStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return CommandStatus{
		Pending:        m.pendingCmd != "",
		PendingCommand: m.pendingCmd,
		BuzzerOn:       m.buzzerOn,
		LightOn:        m.lightOn,
	}
}

// onAck interprets an acknowledgement notification from the tag.
func (m *Machine) onAck(payload []byte) {
	token := strings.TrimSpace(string(payload))

	m.mu.Lock()
	defer m.mu.Unlock()

	switch token {
	case radio.AckBuzzerOn:
		m.buzzerOn = true
	case radio.AckBuzzerOff:
		m.buzzerOn = false
	case radio.AckLightOn:
		m.lightOn = true
	case radio.AckLightOff:
		m.lightOn = false
	default:
		m.logger.Debug("ignoring unknown ack token", "token", token)
		return
	}

	if m.pendingCmd != "" {
		if m.pendingTimer != nil {
			m.pendingTimer.Stop()
			m.pendingTimer = nil
		}
		m.pendingCmd = ""
	}
	m.logger.Info("command acknowledged", "token", token)
}

// onAckTimeout clears the pending marker without touching last-known state.
func (m *Machine) onAckTimeout(command string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pendingCmd != command {
		return
	}
	m.pendingCmd = ""
	m.pendingTimer = nil
	m.logger.Warn("command acknowledgement timed out", "command", command)
}
